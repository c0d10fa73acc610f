// Package tunnel bridges the kernel to a remote peer via a helper
// subprocess speaking newline-delimited JSON on its stdin/stdout: the
// kernel writes {"id","method","params"} requests and reads back
// {"id","result"} or {"id","error"} replies, plus unsolicited
// {"event":...} notifications when a remote agent connects or
// disconnects. Remote agents are synthesized into the registry's
// reserved id range (registry.RemoteAgentBase and up) so the rest of the
// kernel addresses them exactly like a local agent.
package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/eventbus"
	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/registry"
)

type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Name   string          `json:"name,omitempty"`
}

// Status reports the bridge's current connection state.
type Status struct {
	Connected bool     `json:"connected"`
	Address   string   `json:"address,omitempty"`
	Remotes   []string `json:"remotes,omitempty"`
}

// Bridge manages the helper subprocess and the remote agents it reports.
type Bridge struct {
	mu         sync.Mutex
	helperPath string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	pending    map[string]chan response
	remotes    map[string]uint32 // remote name -> synthesized local AgentId
	address    string
	connected  bool

	reg    *registry.Registry
	bus    *eventbus.Bus
	logger *zap.Logger
}

func New(helperPath string, reg *registry.Registry, bus *eventbus.Bus, logger *zap.Logger) *Bridge {
	return &Bridge{
		helperPath: helperPath,
		pending:    make(map[string]chan response),
		remotes:    make(map[string]uint32),
		reg:        reg,
		bus:        bus,
		logger:     logger.Named("tunnel"),
	}
}

// Connect launches the helper (if not already running) and asks it to
// establish a connection to address, authenticating with token. The
// bridge does not log token.
func (b *Bridge) Connect(ctx context.Context, address, token string) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return kernelerr.New(kernelerr.BadRequest, "tunnel already connected to %q", b.address)
	}
	b.mu.Unlock()

	if err := b.startHelper(ctx); err != nil {
		return kernelerr.Wrap(kernelerr.TunnelError, err)
	}

	_, err := b.call(ctx, "connect", map[string]string{"address": address, "token": token})
	if err != nil {
		return kernelerr.Wrap(kernelerr.TunnelError, err)
	}

	b.mu.Lock()
	b.connected = true
	b.address = address
	b.mu.Unlock()
	return nil
}

// Disconnect tears down the helper connection (but leaves the subprocess
// running so Connect can be called again without respawning it).
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	_, err := b.call(ctx, "disconnect", nil)

	b.mu.Lock()
	b.connected = false
	b.address = ""
	for name, id := range b.remotes {
		delete(b.remotes, name)
		b.reg.Remove(id)
	}
	b.mu.Unlock()

	if err != nil {
		return kernelerr.Wrap(kernelerr.TunnelError, err)
	}
	return nil
}

// Status reports the bridge's connection state and known remote agents.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.remotes))
	for name := range b.remotes {
		names = append(names, name)
	}
	return Status{Connected: b.connected, Address: b.address, Remotes: names}
}

// Configure pushes a configuration update to the helper (e.g. reconnect
// backoff, keepalive interval) without tearing down the connection.
func (b *Bridge) Configure(ctx context.Context, params map[string]any) error {
	_, err := b.call(ctx, "configure", params)
	if err != nil {
		return kernelerr.Wrap(kernelerr.TunnelError, err)
	}
	return nil
}

func (b *Bridge) startHelper(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd != nil {
		return nil
	}
	if b.helperPath == "" {
		return fmt.Errorf("no tunnel helper configured")
	}

	cmd := exec.CommandContext(ctx, b.helperPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	b.cmd = cmd
	b.stdin = stdin
	go b.readLoop(stdout)
	return nil
}

func (b *Bridge) readLoop(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var resp response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			b.logger.Warn("tunnel helper sent malformed line", zap.Error(err))
			continue
		}

		if resp.Event != "" {
			b.handleEvent(resp)
			continue
		}

		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		if ok {
			delete(b.pending, resp.ID)
		}
		b.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (b *Bridge) handleEvent(resp response) {
	switch resp.Event {
	case "agent_connected":
		b.mu.Lock()
		if _, exists := b.remotes[resp.Name]; !exists {
			id := b.reg.AllocateRemote()
			_ = b.reg.RegisterName(id, resp.Name)
			b.remotes[resp.Name] = id
			b.mu.Unlock()
			b.bus.Emit(eventbus.Event{Type: eventbus.AgentSpawned, SourceAgent: id, Data: map[string]any{"name": resp.Name, "remote": true}})
			return
		}
		b.mu.Unlock()
	case "agent_disconnected":
		b.mu.Lock()
		id, exists := b.remotes[resp.Name]
		if exists {
			delete(b.remotes, resp.Name)
		}
		b.mu.Unlock()
		if exists {
			b.reg.Remove(id)
			b.bus.Emit(eventbus.Event{Type: eventbus.AgentExited, SourceAgent: id, Data: map[string]any{"name": resp.Name, "remote": true}})
		}
	default:
		b.logger.Warn("unknown tunnel helper event", zap.String("event", resp.Event))
	}
}

func (b *Bridge) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.mu.Lock()
	if b.stdin == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("tunnel helper not running")
	}
	id := fmt.Sprintf("%d", time.Now().UnixNano())
	ch := make(chan response, 1)
	b.pending[id] = ch
	stdin := b.stdin
	b.mu.Unlock()

	line, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')
	if _, err := stdin.Write(line); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%s", resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
