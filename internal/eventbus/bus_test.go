package eventbus

import "testing"

func TestPollFIFO(t *testing.T) {
	b := New()
	b.Subscribe(1, []Type{StateChanged})
	b.Emit(Event{Type: StateChanged, Data: "a"})
	b.Emit(Event{Type: StateChanged, Data: "b"})

	got := b.Poll(1, 10)
	if len(got) != 2 || got[0].Data != "a" || got[1].Data != "b" {
		t.Fatalf("expected FIFO order [a b], got %+v", got)
	}
	if more := b.Poll(1, 10); len(more) != 0 {
		t.Fatalf("expected Poll to be destructive, got %+v", more)
	}
}

func TestEmitOnlyReachesSubscribed(t *testing.T) {
	b := New()
	b.Subscribe(1, []Type{AgentSpawned})
	b.Emit(Event{Type: AgentExited})
	if got := b.Poll(1, 10); len(got) != 0 {
		t.Fatalf("unsubscribed agent should not receive the event, got %+v", got)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New()
	b.Subscribe(1, []Type{Custom})
	for i := 0; i < queueCapacity+5; i++ {
		b.Emit(Event{Type: Custom, Data: i})
	}
	got := b.Poll(1, queueCapacity+5)
	if len(got) != queueCapacity {
		t.Fatalf("expected queue capped at %d, got %d", queueCapacity, len(got))
	}
	if got[0].Data != 5 {
		t.Fatalf("expected the oldest 5 entries dropped, first remaining is %v", got[0].Data)
	}
}
