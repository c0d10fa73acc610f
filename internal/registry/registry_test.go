package registry

import (
	"testing"

	"go.uber.org/zap"
)

func newTestRegistry() *Registry {
	return New(zap.NewNop())
}

func TestAllocateIsMonotonicAndNeverReuses(t *testing.T) {
	r := newTestRegistry()
	a := r.Allocate()
	b := r.Allocate()
	if b <= a {
		t.Fatalf("expected strictly increasing ids, got %d then %d", a, b)
	}
	r.Remove(a)
	c := r.Allocate()
	if c == a {
		t.Fatalf("id %d was reused after removal", a)
	}
}

func TestRegisterNameBijection(t *testing.T) {
	r := newTestRegistry()
	a1 := r.Allocate()
	a2 := r.Allocate()

	if err := r.RegisterName(a1, "worker"); err != nil {
		t.Fatalf("RegisterName: %v", err)
	}
	if err := r.RegisterName(a2, "worker"); err != ErrNameTaken {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}

	id, err := r.Resolve("worker")
	if err != nil || id != a1 {
		t.Fatalf("Resolve: got (%d, %v), want (%d, nil)", id, err, a1)
	}

	r.Remove(a1)
	if _, err := r.Resolve("worker"); err != ErrAgentNotFound {
		t.Fatalf("expected ErrAgentNotFound after removal, got %v", err)
	}

	// Same name can now be claimed by a different occupant.
	if err := r.RegisterName(a2, "worker"); err != nil {
		t.Fatalf("RegisterName after release: %v", err)
	}
	id, err = r.Resolve("worker")
	if err != nil || id != a2 {
		t.Fatalf("expected worker to resolve to the new occupant %d, got (%d, %v)", a2, id, err)
	}
}

func TestListSortedByID(t *testing.T) {
	r := newTestRegistry()
	r.Allocate()
	r.Allocate()
	r.Allocate()

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].ID <= list[i-1].ID {
			t.Fatalf("List is not sorted by id: %+v", list)
		}
	}
}
