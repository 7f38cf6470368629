// Package events fans saga lifecycle transitions out to live subscribers.
package events

import (
	"sync"
	"time"

	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

// Event types published by the broadcaster.
const (
	EventSagaStateChanged = "saga.state_changed"
	EventStepStateChanged = "step.state_changed"
)

const defaultSubscriberBuffer = 64

// Event is one broadcast lifecycle notification.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Broadcaster delivers events to any number of subscribers. Delivery is
// best-effort; a subscriber that cannot keep up loses events rather than
// blocking the saga engine.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	bufferSize  int
	closed      bool
	log         logger.Logger
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(log logger.Logger, bufferSize int) *Broadcaster {
	if log == nil {
		log = logger.Global()
	}
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		bufferSize:  bufferSize,
		log:         log,
	}
}

// Subscribe registers a new subscriber channel. The channel is closed when
// the subscriber is removed or the broadcaster shuts down.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Broadcast sends an event to every subscriber without blocking.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.log.Debug("dropping event for slow subscriber", "type", event.Type)
		}
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// BroadcastSagaStateChanged publishes a saga transition.
func (b *Broadcaster) BroadcastSagaStateChanged(record *saga.Saga) {
	if record == nil {
		return
	}
	payload := map[string]any{
		"saga_id": record.ID,
		"type":    string(record.Type),
		"status":  string(record.Status),
	}
	if record.Error != "" {
		payload["error"] = record.Error
	}
	b.Broadcast(Event{Type: EventSagaStateChanged, Payload: payload})
}

// BroadcastStepStateChanged publishes a step transition.
func (b *Broadcaster) BroadcastStepStateChanged(sagaID string, step *saga.Step) {
	if step == nil {
		return
	}
	payload := map[string]any{
		"saga_id":  sagaID,
		"step":     string(step.Name),
		"sequence": step.Sequence,
		"status":   string(step.Status),
	}
	if step.Compensated() {
		payload["compensated"] = true
	}
	if len(step.Errors) > 0 {
		payload["error"] = step.Errors[len(step.Errors)-1]
	}
	b.Broadcast(Event{Type: EventStepStateChanged, Payload: payload})
}

// Relay adapts the broadcaster to the saga engine's observer hook.
type Relay struct {
	broadcaster *Broadcaster
}

// NewRelay creates an observer relay feeding the broadcaster.
func NewRelay(broadcaster *Broadcaster) *Relay {
	return &Relay{broadcaster: broadcaster}
}

// OnSagaTransition implements saga.Observer.
func (r *Relay) OnSagaTransition(record *saga.Saga) {
	r.broadcaster.BroadcastSagaStateChanged(record)
}

// OnStepTransition implements saga.Observer.
func (r *Relay) OnStepTransition(sagaID string, step *saga.Step) {
	r.broadcaster.BroadcastStepStateChanged(sagaID, step)
}
