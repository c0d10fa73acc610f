// Package supervisor spawns, restarts, and reaps agent processes for the
// SPAWN/KILL/PAUSE/RESUME opcodes. The restart-with-budget bookkeeping and
// command execution (programs run directly, not through a shell) follow
// the shape of arkeep's hooks.Runner and executor.Executor; process-group signaling uses golang.org/x/sys/unix
// the way a container-adjacent agent would, rather than the bare syscall
// package, so pause/resume/kill reach every process in a spawned agent's
// group, not just its immediate PID.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/eventbus"
	"github.com/agentkernel/kernel/internal/registry"
)

// RestartPolicy bounds how many times a crashed agent is restarted within
// a sliding window before the kernel gives up and leaves it Crashed.
type RestartPolicy struct {
	MaxRestarts int
	Window      time.Duration
}

// Spec describes a process to spawn.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	Policy  RestartPolicy
}

type proc struct {
	mu              sync.Mutex
	agentID         uint32
	spec            Spec
	cmd             *exec.Cmd
	killRequested   bool
	restartTimes    []time.Time
	paused          bool
}

// Supervisor owns every spawned agent's OS process and its restart
// bookkeeping.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[uint32]*proc
	reg    *registry.Registry
	bus    *eventbus.Bus
	logger *zap.Logger
}

func New(reg *registry.Registry, bus *eventbus.Bus, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		procs:  make(map[uint32]*proc),
		reg:    reg,
		bus:    bus,
		logger: logger.Named("supervisor"),
	}
}

// Spawn allocates an AgentId, starts the process in its own group, marks
// the agent Running, and launches a background reaper goroutine that
// applies spec.Policy on unexpected exit. Returns the new agent's id once
// the process has started.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (uint32, error) {
	agentID := s.reg.Allocate()

	cmd := buildCmd(ctx, spec)
	cmd.SysProcAttr = &syscallSetpgid

	if err := cmd.Start(); err != nil {
		s.reg.Remove(agentID)
		return 0, fmt.Errorf("spawning agent %q: %w", spec.Name, err)
	}

	if spec.Name != "" {
		if err := s.reg.RegisterName(agentID, spec.Name); err != nil {
			_ = cmd.Process.Kill()
			s.reg.Remove(agentID)
			return 0, err
		}
	}
	_ = s.reg.SetPID(agentID, cmd.Process.Pid)
	_ = s.reg.SetState(agentID, registry.Running)

	p := &proc{agentID: agentID, spec: spec, cmd: cmd}
	s.mu.Lock()
	s.procs[agentID] = p
	s.mu.Unlock()

	s.bus.Emit(eventbus.Event{Type: eventbus.AgentSpawned, SourceAgent: agentID, Data: map[string]any{
		"name": spec.Name, "pid": cmd.Process.Pid,
	}})

	go s.reap(ctx, p)
	return agentID, nil
}

func buildCmd(ctx context.Context, spec Spec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = spec.Env
	return cmd
}

// reap blocks on the process and, on unexpected exit, applies the restart
// policy before re-spawning; kill-requested exits never restart.
func (s *Supervisor) reap(ctx context.Context, p *proc) {
	err := p.cmd.Wait()

	p.mu.Lock()
	killed := p.killRequested
	p.mu.Unlock()

	s.bus.Emit(eventbus.Event{Type: eventbus.AgentExited, SourceAgent: p.agentID, Data: map[string]any{
		"error": errString(err), "killed": killed,
	}})

	if killed {
		_ = s.reg.SetState(p.agentID, registry.Stopped)
		s.cleanup(p.agentID)
		return
	}

	if err == nil {
		_ = s.reg.SetState(p.agentID, registry.Stopped)
		s.cleanup(p.agentID)
		return
	}

	_ = s.reg.SetState(p.agentID, registry.Crashed)

	if !s.withinBudget(p) {
		s.logger.Warn("agent exceeded restart budget, leaving crashed",
			zap.Uint32("agent_id", p.agentID), zap.String("name", p.spec.Name))
		s.cleanup(p.agentID)
		return
	}

	s.logger.Info("restarting crashed agent", zap.Uint32("agent_id", p.agentID), zap.String("name", p.spec.Name))
	newID, spawnErr := s.Spawn(ctx, p.spec)
	if spawnErr != nil {
		s.logger.Error("restart failed", zap.Error(spawnErr), zap.Uint32("old_agent_id", p.agentID))
	} else {
		s.logger.Info("agent restarted", zap.Uint32("old_agent_id", p.agentID), zap.Uint32("new_agent_id", newID))
	}
	s.cleanup(p.agentID)
}

func (s *Supervisor) withinBudget(p *proc) bool {
	if p.spec.Policy.MaxRestarts <= 0 {
		return false
	}
	now := time.Now()
	window := p.spec.Policy.Window
	if window <= 0 {
		window = 60 * time.Second
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var recent []time.Time
	for _, t := range p.restartTimes {
		if now.Sub(t) <= window {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	p.restartTimes = recent
	return len(recent) <= p.spec.Policy.MaxRestarts
}

func (s *Supervisor) cleanup(agentID uint32) {
	s.mu.Lock()
	delete(s.procs, agentID)
	s.mu.Unlock()
}

func (s *Supervisor) get(agentID uint32) (*proc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[agentID]
	return p, ok
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RunOneShot runs command to completion, combining stdout+stderr, bounded
// by timeout — used by the EXEC opcode (ops.Exec), not by agent
// supervision itself. Mirrors hooks.Runner.Run's timeout pattern; program
// is executed directly, not through a shell.
func RunOneShot(ctx context.Context, timeout time.Duration, program string, args []string, env []string) (output string, exitCode int, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Env = env
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	output = buf.String()
	if runErr == nil {
		return output, 0, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return output, exitErr.ExitCode(), fmt.Errorf("command exited %d: %w", exitErr.ExitCode(), runErr)
	}
	return output, -1, runErr
}
