// Package statestore implements the kernel's scoped key/value store:
// Global, Agent, and Session entries with optional TTL, linearizable
// per-key access via a sharded lock table, and lazy plus background
// expiry. Mutations emit StateChanged events on the kernel event bus.
package statestore

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/eventbus"
)

// Scope is the lifetime qualifier on a state-store entry.
type Scope string

const (
	Global  Scope = "global"
	Agent   Scope = "agent"
	Session Scope = "session"
)

// Entry is one stored value.
type Entry struct {
	Key       string
	Value     json.RawMessage
	Scope     Scope
	Owner     uint32 // only meaningful for Scope == Agent
	ExpiresAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[string]Entry // keyed by scope-qualified key
}

// Store is the kernel-global singleton owning every StateEntry.
type Store struct {
	shards [shardCount]*shard
	bus    *eventbus.Bus
	logger *zap.Logger
}

func New(bus *eventbus.Bus, logger *zap.Logger) *Store {
	s := &Store{bus: bus, logger: logger.Named("statestore")}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	return s
}

// qualify builds the internal map key for (scope, owner, key), keeping
// Agent-scoped entries for different owners from colliding on the same
// user-supplied key.
func qualify(scope Scope, owner uint32, key string) string {
	if scope == Agent {
		return string(scope) + ":" + itoa(owner) + ":" + key
	}
	return string(scope) + ":" + key
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := [10]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

func (s *Store) shardFor(qualKey string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(qualKey))
	return s.shards[h.Sum32()%shardCount]
}

// Store sets key to value under scope (and, for Scope==Agent, owned by
// owner), with an optional ttl. Emits StateChanged{op:"set"}.
func (s *Store) Store(key string, value json.RawMessage, scope Scope, owner uint32, ttl time.Duration) {
	qk := qualify(scope, owner, key)
	sh := s.shardFor(qk)

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	sh.mu.Lock()
	sh.entries[qk] = Entry{Key: key, Value: value, Scope: scope, Owner: owner, ExpiresAt: expires}
	sh.mu.Unlock()

	s.bus.Emit(eventbus.Event{Type: eventbus.StateChanged, Data: map[string]any{
		"key": key, "scope": scope, "op": "set",
	}})
}

// Fetch looks up key for the calling agent, checking scopes in the order
// Agent, Global, Session — the first match wins. Returns ok=false if no
// live (non-expired) entry exists in any scope.
func (s *Store) Fetch(callerAgent uint32, key string) (Entry, bool) {
	for _, scope := range []Scope{Agent, Global, Session} {
		owner := uint32(0)
		if scope == Agent {
			owner = callerAgent
		}
		qk := qualify(scope, owner, key)
		sh := s.shardFor(qk)

		sh.mu.Lock()
		e, ok := sh.entries[qk]
		if ok && e.expired(time.Now()) {
			delete(sh.entries, qk)
			ok = false
			sh.mu.Unlock()
			s.bus.Emit(eventbus.Event{Type: eventbus.StateChanged, Data: map[string]any{
				"key": key, "scope": scope, "op": "expire",
			}})
			continue
		}
		sh.mu.Unlock()
		if ok {
			return e, true
		}
	}
	return Entry{}, false
}

// Delete removes key from scope for owner (owner is only consulted for
// Scope==Agent). Emits StateChanged{op:"delete"} when an entry was removed.
func (s *Store) Delete(key string, scope Scope, owner uint32) bool {
	qk := qualify(scope, owner, key)
	sh := s.shardFor(qk)

	sh.mu.Lock()
	_, existed := sh.entries[qk]
	delete(sh.entries, qk)
	sh.mu.Unlock()

	if existed {
		s.bus.Emit(eventbus.Event{Type: eventbus.StateChanged, Data: map[string]any{
			"key": key, "scope": scope, "op": "delete",
		}})
	}
	return existed
}

// ListKeys returns every live key across all scopes whose key has the
// given prefix, visible to callerAgent (its own Agent-scoped keys plus
// all Global/Session keys).
func (s *Store) ListKeys(callerAgent uint32, prefix string) []string {
	now := time.Now()
	var out []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.expired(now) {
				continue
			}
			if e.Scope == Agent && e.Owner != callerAgent {
				continue
			}
			if len(prefix) > 0 && (len(e.Key) < len(prefix) || e.Key[:len(prefix)] != prefix) {
				continue
			}
			out = append(out, e.Key)
		}
		sh.mu.Unlock()
	}
	return out
}

// RemoveAgentScope deletes every Agent-scoped entry owned by agentID,
// called when that agent terminates (Agent entries do not survive their
// creator).
func (s *Store) RemoveAgentScope(agentID uint32) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for qk, e := range sh.entries {
			if e.Scope == Agent && e.Owner == agentID {
				delete(sh.entries, qk)
			}
		}
		sh.mu.Unlock()
	}
}

// Sweep purges every expired entry across all scopes and emits one
// StateChanged{op:"expire"} per entry removed. Intended to be called
// periodically by a scheduler (see internal/kernel wiring) bounding the ε
// in the TTL testable property.
func (s *Store) Sweep() int {
	now := time.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		var expiredKeys []string
		var expiredScopes []Scope
		for qk, e := range sh.entries {
			if e.expired(now) {
				delete(sh.entries, qk)
				expiredKeys = append(expiredKeys, e.Key)
				expiredScopes = append(expiredScopes, e.Scope)
			}
		}
		sh.mu.Unlock()
		for i, k := range expiredKeys {
			removed++
			s.bus.Emit(eventbus.Event{Type: eventbus.StateChanged, Data: map[string]any{
				"key": k, "scope": expiredScopes[i], "op": "expire",
			}})
		}
	}
	return removed
}
