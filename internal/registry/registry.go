// Package registry implements the kernel's agent registry: AgentId
// allocation, the name→id bijection, and the lifecycle state each Agent
// record owns exclusively. Other subsystems hold only AgentId references,
// never pointers into this package — see the core spec's "cyclic graphs"
// design note.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of an Agent.
type State string

const (
	Starting State = "starting"
	Running  State = "running"
	Paused   State = "paused"
	Stopped  State = "stopped"
	Crashed  State = "crashed"
)

// KernelAgentID is reserved for the kernel itself — source of internal
// events, destination of orchestrator-addressed messages.
const KernelAgentID uint32 = 0

// RemoteAgentBase is the first id in the range reserved for agents
// synthesized by the tunnel bridge (§4.P of the core spec).
const RemoteAgentBase uint32 = 1000

// Agent is the registry's record for one connected or spawned client.
// Only the supervisor writes PID and State; only the registry mediates
// Name assignment.
type Agent struct {
	ID           uint32
	Name         string // empty if never registered
	PID          int    // 0 if not a spawned process
	State        State
	RegisteredAt time.Time
	Remote       bool // synthesized via the tunnel bridge
}

// Info is the read-only snapshot returned by List.
type Info struct {
	ID           uint32    `json:"id"`
	Name         string    `json:"name,omitempty"`
	PID          int       `json:"pid,omitempty"`
	State        State     `json:"state"`
	RegisteredAt time.Time `json:"registered_at"`
	Remote       bool      `json:"remote,omitempty"`
}

// ErrAgentNotFound is returned by Resolve and by id-keyed lookups for an
// unknown or no-longer-live agent.
var ErrAgentNotFound = fmt.Errorf("registry: agent not found")

// ErrNameTaken is returned by RegisterName when name already maps to a
// live agent.
var ErrNameTaken = fmt.Errorf("registry: name already taken")

// Registry is the kernel-global, exclusively-owning store of Agent
// records. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	agents   map[uint32]*Agent
	names    map[string]uint32
	nextID   uint32
	nextTunn uint32
	logger   *zap.Logger
}

// New creates an empty Registry. AgentId 0 is reserved (KernelAgentID) and
// is never allocated by Allocate.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents:   make(map[uint32]*Agent),
		names:    make(map[string]uint32),
		nextID:   1,
		nextTunn: RemoteAgentBase,
		logger:   logger.Named("registry"),
	}
}

// Allocate creates a fresh local Agent record in state Starting and
// returns its id. Ids are monotonically increasing and never reused
// within a kernel lifetime.
func (r *Registry) Allocate() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.agents[id] = &Agent{ID: id, State: Starting, RegisteredAt: time.Now().UTC()}
	return id
}

// AllocateRemote creates an Agent record in the tunnel's reserved id range
// for a peer synthesized from an `agent_connected` helper event.
func (r *Registry) AllocateRemote() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextTunn
	r.nextTunn++
	r.agents[id] = &Agent{ID: id, State: Running, RegisteredAt: time.Now().UTC(), Remote: true}
	return id
}

// RegisterName atomically assigns name to id. Fails with ErrNameTaken if
// name currently maps to a different live agent; re-registering the same
// name for the same id is a no-op success.
func (r *Registry) RegisterName(id uint32, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if existing, taken := r.names[name]; taken && existing != id {
		return ErrNameTaken
	}
	if a.Name != "" && a.Name != name {
		delete(r.names, a.Name)
	}
	a.Name = name
	r.names[name] = id
	return nil
}

// Resolve returns the id currently occupying name.
func (r *Registry) Resolve(name string) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.names[name]
	if !ok {
		return 0, ErrAgentNotFound
	}
	return id, nil
}

// SetState updates an agent's lifecycle state.
func (r *Registry) SetState(id uint32, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.State = state
	return nil
}

// SetPID records the OS process id of a spawned agent. Supervisor-only.
func (r *Registry) SetPID(id uint32, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.PID = pid
	return nil
}

// Get returns a copy of the Agent record for id.
func (r *Registry) Get(id uint32) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return *a, nil
}

// List returns a snapshot of every live agent, sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, Info{
			ID: a.ID, Name: a.Name, PID: a.PID, State: a.State,
			RegisteredAt: a.RegisteredAt, Remote: a.Remote,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes the Agent record for id — called after connection close
// and (for spawned agents) after the process has been reaped.
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return
	}
	if a.Name != "" {
		delete(r.names, a.Name)
	}
	delete(r.agents, id)

	r.logger.Info("agent removed", zap.Uint32("agent_id", id), zap.String("name", a.Name))
}
