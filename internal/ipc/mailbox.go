// Package ipc implements per-agent mailboxes: bounded FIFO queues of
// IPCMessage used by the SEND/RECV/BROADCAST opcodes. Overflow drops the
// oldest pending message and raises an ipc_overflow event on the kernel
// event bus, mirroring the bounded-queue-with-drop-oldest shape arkeep's
// executor uses for its job queue.
package ipc

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/kernel/internal/eventbus"
	"github.com/agentkernel/kernel/internal/registry"
)

// DefaultCapacity bounds each agent's mailbox depth.
const DefaultCapacity = 64

// Message is one delivered IPCMessage.
type Message struct {
	From    uint32    `json:"from"`
	To      uint32    `json:"to"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

type box struct {
	mu  sync.Mutex
	buf []Message
	cap int
}

func newBox(cap int) *box {
	return &box{cap: cap}
}

func (b *box) push(m Message) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= b.cap {
		b.buf = b.buf[1:]
		dropped = true
	}
	b.buf = append(b.buf, m)
	return dropped
}

func (b *box) drain(max int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if max <= 0 || max > len(b.buf) {
		max = len(b.buf)
	}
	out := b.buf[:max]
	b.buf = b.buf[max:]
	return out
}

// Hub owns every agent's mailbox plus the registry it resolves named
// recipients through.
type Hub struct {
	mu       sync.Mutex
	boxes    map[uint32]*box
	reg      *registry.Registry
	bus      *eventbus.Bus
	logger   *zap.Logger
	capacity int
}

func New(reg *registry.Registry, bus *eventbus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		boxes:    make(map[uint32]*box),
		reg:      reg,
		bus:      bus,
		logger:   logger.Named("ipc"),
		capacity: DefaultCapacity,
	}
}

func (h *Hub) boxFor(agentID uint32) *box {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.boxes[agentID]
	if !ok {
		b = newBox(h.capacity)
		h.boxes[agentID] = b
	}
	return b
}

// Register binds name to agentID in the shared registry so future SEND
// calls can target it by name instead of numeric id.
func (h *Hub) Register(agentID uint32, name string) error {
	return h.reg.RegisterName(agentID, name)
}

// Send enqueues payload into to's mailbox. Overflow drops the oldest
// pending message for that recipient and emits an ipc_overflow event plus
// a MessageReceived event so any subscriber can observe delivery.
func (h *Hub) Send(from, to uint32, payload any) {
	msg := Message{From: from, To: to, Payload: payload, SentAt: time.Now().UTC()}
	dropped := h.boxFor(to).push(msg)
	if dropped {
		h.bus.Emit(eventbus.Event{
			Type:        eventbus.ResourceWarning,
			SourceAgent: to,
			Data:        map[string]any{"reason": "ipc_overflow", "agent_id": to},
		})
	}
	h.bus.Emit(eventbus.Event{
		Type:        eventbus.MessageReceived,
		SourceAgent: from,
		Data:        map[string]any{"from": from, "to": to},
	})
}

// Broadcast delivers payload to every currently registered named agent
// other than from.
func (h *Hub) Broadcast(from uint32, payload any) {
	for _, info := range h.reg.List() {
		if info.ID == from || info.Name == "" {
			continue
		}
		h.Send(from, info.ID, payload)
	}
}

// Recv destructively drains up to max pending messages for agentID, FIFO.
func (h *Hub) Recv(agentID uint32, max int) []Message {
	return h.boxFor(agentID).drain(max)
}

// RemoveAgent drops agentID's mailbox, called when its connection closes.
func (h *Hub) RemoveAgent(agentID uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.boxes, agentID)
}
