package statestore

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/eventbus"
)

func newTestStore() *Store {
	return New(eventbus.New(), zap.NewNop())
}

func TestFetchScopeOrderAgentBeatsGlobal(t *testing.T) {
	s := newTestStore()
	s.Store("k", []byte(`"global-value"`), Global, 0, 0)
	s.Store("k", []byte(`"agent-value"`), Agent, 7, 0)

	e, ok := s.Fetch(7, "k")
	if !ok || string(e.Value) != `"agent-value"` {
		t.Fatalf("expected agent-scoped value to win, got %+v ok=%v", e, ok)
	}

	e, ok = s.Fetch(99, "k")
	if !ok || string(e.Value) != `"global-value"` {
		t.Fatalf("expected global value for an unrelated agent, got %+v ok=%v", e, ok)
	}
}

func TestFetchExpiredEntryIsGone(t *testing.T) {
	s := newTestStore()
	s.Store("ttl-key", []byte(`1`), Global, 0, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := s.Fetch(1, "ttl-key"); ok {
		t.Fatal("expected expired entry to be invisible to Fetch")
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	s := newTestStore()
	if s.Delete("missing", Global, 0) {
		t.Fatal("deleting a missing key should report false")
	}
	s.Store("present", []byte(`1`), Global, 0, 0)
	if !s.Delete("present", Global, 0) {
		t.Fatal("deleting a present key should report true")
	}
}

func TestListKeysFiltersByOwnerAndPrefix(t *testing.T) {
	s := newTestStore()
	s.Store("agent:7:secret", []byte(`1`), Agent, 7, 0)
	s.Store("agent:9:secret", []byte(`1`), Agent, 9, 0)
	s.Store("shared:x", []byte(`1`), Global, 0, 0)

	got := s.ListKeys(7, "")
	if len(got) != 2 {
		t.Fatalf("expected agent 7 to see its own key plus the global key, got %v", got)
	}

	got = s.ListKeys(7, "shared:")
	if len(got) != 1 || got[0] != "shared:x" {
		t.Fatalf("expected prefix filter to isolate the global key, got %v", got)
	}
}

func TestSweepRemovesExpiredAndEmitsEvents(t *testing.T) {
	bus := eventbus.New()
	bus.Subscribe(1, []eventbus.Type{eventbus.StateChanged})
	s := New(bus, zap.NewNop())

	s.Store("a", []byte(`1`), Global, 0, time.Millisecond)
	s.Store("b", []byte(`1`), Global, 0, 0)
	time.Sleep(5 * time.Millisecond)

	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected exactly one expired entry swept, got %d", n)
	}
	if _, ok := s.Fetch(1, "b"); !ok {
		t.Fatal("non-expiring entry should survive the sweep")
	}

	events := bus.Poll(1, 10)
	found := false
	for _, ev := range events {
		if m, ok := ev.Data.(map[string]any); ok && m["op"] == "expire" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a StateChanged expire event from the sweep")
	}
}

func TestRemoveAgentScopeDropsOnlyThatAgent(t *testing.T) {
	s := newTestStore()
	s.Store("k", []byte(`1`), Agent, 1, 0)
	s.Store("k", []byte(`1`), Agent, 2, 0)

	s.RemoveAgentScope(1)

	if _, ok := s.Fetch(1, "k"); ok {
		t.Fatal("expected agent 1's scoped entry to be removed")
	}
	if _, ok := s.Fetch(2, "k"); !ok {
		t.Fatal("expected agent 2's scoped entry to survive")
	}
}
