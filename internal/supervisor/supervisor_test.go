package supervisor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/eventbus"
	"github.com/agentkernel/kernel/internal/registry"
)

func newTestSupervisor() (*Supervisor, *registry.Registry, *eventbus.Bus) {
	reg := registry.New(zap.NewNop())
	bus := eventbus.New()
	return New(reg, bus, zap.NewNop()), reg, bus
}

func TestSpawnRegistersAndStartsProcess(t *testing.T) {
	sv, reg, bus := newTestSupervisor()
	bus.Subscribe(0, []eventbus.Type{eventbus.AgentSpawned, eventbus.AgentExited})

	id, err := sv.Spawn(context.Background(), Spec{Name: "sleeper", Command: "sleep", Args: []string{"0.05"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	info, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.Name != "sleeper" || info.PID == 0 {
		t.Fatalf("expected a named, running agent record, got %+v", info)
	}

	time.Sleep(200 * time.Millisecond)
	events := bus.Poll(0, 10)
	if len(events) < 2 {
		t.Fatalf("expected AgentSpawned and AgentExited events, got %+v", events)
	}
}

func TestKillSuppressesRestart(t *testing.T) {
	sv, reg, _ := newTestSupervisor()

	id, err := sv.Spawn(context.Background(), Spec{
		Name: "looper", Command: "sleep", Args: []string{"30"},
		Policy: RestartPolicy{MaxRestarts: 3, Window: time.Minute},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := sv.Kill(id); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	info, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.State != registry.Stopped {
		t.Fatalf("expected killed agent to settle in Stopped (no restart), got %v", info.State)
	}
}
