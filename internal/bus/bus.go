// Package bus is the in-process broadcast channel for engine events. Every
// durable event append is mirrored here for WebSocket observers. Delivery is
// non-blocking: a slow subscriber drops events and sees a lag count instead
// of stalling producers.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber backlog.
const DefaultBufferSize = 1024

// Event is the broadcast form of a durable engine event.
type Event struct {
	EventType string          `json:"event_type"`
	ProjectID string          `json:"project_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Subscription is one consumer's view of the bus. Each subscription has its
// own bounded channel and drop counter.
type Subscription struct {
	id      int
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// TakeLagged returns the number of events dropped since the last call and
// resets the counter. Consumers surface this as a one-shot lag notice.
func (s *Subscription) TakeLagged() int64 {
	return s.dropped.Swap(0)
}

// Bus fans events out to all subscriptions.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	size    int
	logger  *slog.Logger
	dropped atomic.Int64
}

// New creates a Bus with the default per-subscriber buffer.
func New(logger *slog.Logger) *Bus {
	return NewWithSize(logger, DefaultBufferSize)
}

// NewWithSize creates a Bus with an explicit per-subscriber buffer size.
func NewWithSize(logger *slog.Logger, size int) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bus{
		subs:   make(map[int]*Subscription),
		size:   size,
		logger: logger,
	}
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan Event, b.size),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber. A full subscriber buffer
// increments that subscriber's drop counter instead of blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			total := b.dropped.Add(1)
			if b.logger != nil && total%1000 == 1 {
				b.logger.Warn("event bus dropping for slow subscriber",
					"event_type", event.EventType,
					"total_dropped", total,
				)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total events dropped across all subscribers.
func (b *Bus) DroppedEventCount() int64 {
	return b.dropped.Load()
}
