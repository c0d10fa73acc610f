//go:build !windows

package supervisor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/agentkernel/kernel/internal/registry"
)

// Kill sends SIGKILL to agentID's process group and suppresses any
// pending restart.
func (s *Supervisor) Kill(agentID uint32) error {
	p, ok := s.get(agentID)
	if !ok {
		return fmt.Errorf("supervisor: no process for agent %d", agentID)
	}
	p.mu.Lock()
	p.killRequested = true
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	return unix.Kill(-pid, unix.SIGKILL)
}

// Pause sends SIGSTOP to agentID's process group.
func (s *Supervisor) Pause(agentID uint32) error {
	p, ok := s.get(agentID)
	if !ok {
		return fmt.Errorf("supervisor: no process for agent %d", agentID)
	}
	p.mu.Lock()
	pid := p.cmd.Process.Pid
	p.paused = true
	p.mu.Unlock()

	if err := unix.Kill(-pid, unix.SIGSTOP); err != nil {
		return err
	}
	return s.reg.SetState(agentID, registry.Paused)
}

// Resume sends SIGCONT to agentID's process group.
func (s *Supervisor) Resume(agentID uint32) error {
	p, ok := s.get(agentID)
	if !ok {
		return fmt.Errorf("supervisor: no process for agent %d", agentID)
	}
	p.mu.Lock()
	pid := p.cmd.Process.Pid
	p.paused = false
	p.mu.Unlock()

	if err := unix.Kill(-pid, unix.SIGCONT); err != nil {
		return err
	}
	return s.reg.SetState(agentID, registry.Running)
}
