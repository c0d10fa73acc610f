// Package audit implements the kernel's tamper-evident audit trail: a
// bounded in-memory ring of hash-chained entries backed by a SQLite
// secondary index for queries that outlive the ring's retention window.
// The hash-chain construction follows CirtusX's audit package; the
// storage shape (fixed ring + index, rather than CirtusX's daily JSONL
// files) follows the core spec's AuditEntry model.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Category classifies an AuditEntry.
type Category string

const (
	Security       Category = "security"
	AgentLifecycle Category = "agent_lifecycle"
	Ipc            Category = "ipc"
	State          Category = "state"
	Resource       Category = "resource"
	Network        Category = "network"
	World          Category = "world"
	Syscall        Category = "syscall"
)

// Entry is one audit record.
type Entry struct {
	ID        uint64          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Category  Category        `json:"category"`
	AgentID   *uint32         `json:"agent_id,omitempty"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details,omitempty"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func computeHash(e *Entry) string {
	h := sha256.New()
	agent := "kernel"
	if e.AgentID != nil {
		agent = fmt.Sprintf("%d", *e.AgentID)
	}
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s", e.PrevHash, e.ID, e.Timestamp.Format(time.RFC3339Nano), agent, e.Category, e.Action)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

const genesisHash = "sha256:genesis"

// Index is the subset of index behavior audit.Log depends on, satisfied
// by SQLiteIndex. Kept as an interface so tests can run without a SQLite
// file.
type Index interface {
	Insert(e Entry) error
	Tail(limit int) ([]Entry, error)
	Query(q Query) ([]Entry, error)
	Close() error
}

// Query filters a secondary-index lookup. Zero values mean "no filter".
type Query struct {
	Category Category
	AgentID  *uint32
	Since    time.Time
	Limit    int
}

// Log is the kernel-global audit trail: a fixed-capacity ring for recent
// entries (cheap, lock-protected) plus an optional Index for queries
// reaching further back than the ring retains.
type Log struct {
	mu       sync.Mutex
	cap      int
	buf      []Entry
	nextID   uint64
	lastHash string
	index    Index
	logger   *zap.Logger
}

// New creates a Log with room for capacity entries. index may be nil, in
// which case Tail/Query only see what's still in the ring.
func New(capacity int, index Index, logger *zap.Logger) *Log {
	return &Log{
		cap:      capacity,
		lastHash: genesisHash,
		index:    index,
		logger:   logger.Named("audit"),
	}
}

// Record appends a new entry to the chain, evicting the oldest ring entry
// if full, and best-effort mirroring into the secondary index.
func (l *Log) Record(category Category, agentID *uint32, action string, details any) Entry {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = json.RawMessage(`null`)
	}

	l.mu.Lock()
	l.nextID++
	e := Entry{
		ID:        l.nextID,
		Timestamp: time.Now().UTC(),
		Category:  category,
		AgentID:   agentID,
		Action:    action,
		Details:   raw,
		PrevHash:  l.lastHash,
	}
	e.Hash = computeHash(&e)
	l.lastHash = e.Hash

	if len(l.buf) >= l.cap {
		l.buf = l.buf[1:]
	}
	l.buf = append(l.buf, e)
	idx := l.index
	l.mu.Unlock()

	if idx != nil {
		if err := idx.Insert(e); err != nil {
			l.logger.Warn("audit index insert failed", zap.Error(err), zap.Uint64("seq", e.ID))
		}
	}
	return e
}

// Tail returns the limit most recent entries still held in the ring.
func (l *Log) Tail(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.buf) {
		limit = len(l.buf)
	}
	out := make([]Entry, limit)
	copy(out, l.buf[len(l.buf)-limit:])
	return out
}

// Query delegates to the secondary index when present, else filters the
// in-memory ring.
func (l *Log) Query(q Query) ([]Entry, error) {
	if l.index != nil {
		return l.index.Query(q)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.buf {
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		if q.AgentID != nil && (e.AgentID == nil || *e.AgentID != *q.AgentID) {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// VerifyChain walks the ring and confirms every entry's hash and chain
// linkage, returning the index of the first break (or -1 if intact).
func (l *Log) VerifyChain() (ok bool, brokenAt int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := genesisHash
	if len(l.buf) > 0 && l.buf[0].ID > 1 {
		// Older entries have been evicted; the oldest one still held links
		// to a predecessor the ring no longer has.
		prev = l.buf[0].PrevHash
	}
	for i, e := range l.buf {
		if e.PrevHash != prev {
			return false, i
		}
		if e.Hash != computeHash(&e) {
			return false, i
		}
		prev = e.Hash
	}
	return true, -1
}
