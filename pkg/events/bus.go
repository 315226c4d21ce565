// Package events carries fire-and-forget engine notifications to whoever is
// listening. Publishing never blocks: slow subscribers lose events.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the engine.
const (
	StepStart        = "step_start"
	ToolExecution    = "tool_execution"
	ToolResult       = "tool_result"
	PlanUpdate       = "plan_update"
	CircuitBreaker   = "circuit_breaker"
	ContextPruned    = "context_pruned"
	AgentStatus      = "agent_status"
	Warning          = "warning"
	WorkerStatus     = "worker_status"
	SwarmComplete    = "swarm_complete"
	ApprovalRequired = "approval_required"
	ApprovalResolved = "approval_resolved"
	MemoryUpdated    = "memory_updated"
)

const defaultBuffer = 64

// Event is one notification.
type Event struct {
	Type      string         `json:"type"`
	Seq       int64          `json:"seq"`
	Timestamp int64          `json:"timestamp"`
	ThreadID  string         `json:"threadId,omitempty"`
	SwarmID   string         `json:"swarmId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

type subscriber struct {
	ch     chan Event
	types  map[string]bool
	closed bool
}

// Bus fans events out to buffered subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	seq     atomic.Int64
	dropped atomic.Int64
	now     func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*subscriber),
		now:  time.Now,
	}
}

// Subscribe registers a listener. With no types, every event is delivered.
// The returned cancel func closes the channel and is safe to call twice.
func (b *Bus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		s, ok := b.subs[id]
		if !ok {
			return
		}
		delete(b.subs, id)
		s.closed = true
		close(s.ch)
	}
	return sub.ch, cancel
}

// Publish stamps and delivers evt without blocking.
func (b *Bus) Publish(evt Event) {
	evt.Seq = b.seq.Add(1)
	if evt.Timestamp == 0 {
		evt.Timestamp = b.now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.closed || (sub.types != nil && !sub.types[evt.Type]) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close cancels every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.closed = true
		close(sub.ch)
	}
}
