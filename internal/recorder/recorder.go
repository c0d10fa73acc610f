// Package recorder captures dispatched syscalls as a replayable session
// and replays one back, byte-comparing replies against what was recorded.
// Non-deterministic opcodes (those touching the network, the clock, or
// external process state) are flagged rather than replayed verbatim —
// replaying them would assert against the wrong invariant.
package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// nonDeterministic lists opcodes whose reply is not expected to be
// byte-identical across a replay (HTTP, EXEC, and the metrics family all
// depend on real-world state at call time).
var nonDeterministic = map[byte]bool{
	0x02: true, // EXEC
	0x50: true, // HTTP
	0xC0: true, 0xC1: true, 0xC2: true, 0xC3: true, // METRICS_*
}

// Entry is one recorded request/response pair.
type Entry struct {
	Seq          uint64          `json:"seq"`
	AgentID      uint32          `json:"agent_id"`
	Opcode       byte            `json:"opcode"`
	Request      json.RawMessage `json:"request"`
	Response     json.RawMessage `json:"response"`
	Success      bool            `json:"success"`
	Deterministic bool           `json:"deterministic"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// Status describes whether a recording session is active.
type Status struct {
	Active      bool      `json:"active"`
	SessionID   string    `json:"session_id,omitempty"`
	EntryCount  int       `json:"entry_count"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Recorder owns at most one active recording session at a time.
type Recorder struct {
	mu        sync.Mutex
	active    bool
	sessionID string
	startedAt time.Time
	nextSeq   uint64
	entries   []Entry
}

func New() *Recorder {
	return &Recorder{}
}

// Start begins a new recording session, discarding any previously
// captured (but unexported) entries.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return fmt.Errorf("recorder: session %q already active", r.sessionID)
	}
	r.active = true
	r.sessionID = sessionID
	r.startedAt = time.Now().UTC()
	r.nextSeq = 0
	r.entries = nil
	return nil
}

// Stop ends the active session, if any.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
}

// Status reports the current session state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Active: r.active, SessionID: r.sessionID,
		EntryCount: len(r.entries), StartedAt: r.startedAt,
	}
}

// Capture records one dispatched request/response if a session is
// active; a no-op otherwise. Called from internal/dispatch after every
// syscall completes.
func (r *Recorder) Capture(agentID uint32, opcode byte, request, response json.RawMessage, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.nextSeq++
	r.entries = append(r.entries, Entry{
		Seq: r.nextSeq, AgentID: agentID, Opcode: opcode,
		Request: request, Response: response, Success: success,
		Deterministic: !nonDeterministic[opcode],
		RecordedAt:    time.Now().UTC(),
	})
}

// Export writes the captured entries as JSON to w.
func (r *Recorder) Export(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.entries)
}

// Replayer steps through a previously exported recording, asserting that
// deterministic opcodes reproduce byte-identical responses.
type Replayer struct {
	entries []Entry
	pos     int
}

// LoadReplay parses an exported recording from r.
func LoadReplay(r io.Reader) (*Replayer, error) {
	var entries []Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("recorder: parsing recording: %w", err)
	}
	return &Replayer{entries: entries}, nil
}

// Next returns the next entry to replay, or ok=false when exhausted.
func (p *Replayer) Next() (Entry, bool) {
	if p.pos >= len(p.entries) {
		return Entry{}, false
	}
	e := p.entries[p.pos]
	p.pos++
	return e, true
}

// Verify compares an actual response against the recorded one for a
// deterministic entry; non-deterministic entries always verify.
func Verify(e Entry, actual json.RawMessage) bool {
	if !e.Deterministic {
		return true
	}
	return bytes.Equal(normalizeJSON(e.Response), normalizeJSON(actual))
}

func normalizeJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
