package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Message is a delivered event-bus message.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp time.Time
}

// Handler consumes one delivered message. Handlers for a single subscription
// run sequentially in delivery order; separate subscriptions are independent.
type Handler func(ctx context.Context, msg Message)

// Transport publishes bytes to a subject.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Bus is a pub/sub transport with subject-pattern subscriptions. Patterns
// support NATS-style wildcards: "*" matches one segment, ">" the rest.
type Bus interface {
	Transport
	Subscribe(pattern string, handler Handler) (Subscription, error)
	Close() error
}

// Subscription is one active handler registration.
type Subscription interface {
	Close() error
}

// memorySubscription is a MemoryBus handler registration.
type memorySubscription struct {
	pattern string
	ch      chan Message
	quit    chan struct{}
	done    chan struct{}
	bus     *MemoryBus
	once    sync.Once
}

// Close removes the subscription and stops its delivery goroutine. The
// queue channel is never closed; a publisher that raced the unsubscribe may
// still hold it.
func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.unsubscribe(s.pattern, s.ch)
		close(s.quit)
		<-s.done
	})
	return nil
}

// MemoryBus is an in-process Bus. Each subscription gets its own buffered
// queue and delivery goroutine, so within a subscription messages keep
// publish order while slow handlers cannot stall publishers.
type MemoryBus struct {
	mu          sync.RWMutex
	buffer      int
	closed      bool
	subscribers map[string][]chan Message
	subs        []*memorySubscription
}

// NewMemoryBus creates an in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		buffer:      256,
		subscribers: make(map[string][]chan Message),
	}
}

// Publish delivers the payload to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("eventbus: bus is closed")
	}
	targets := make([]chan Message, 0)
	for pattern, channels := range b.subscribers {
		if !subjectMatches(pattern, subject) {
			continue
		}
		targets = append(targets, channels...)
	}
	b.mu.RUnlock()

	msg := Message{
		Subject:   subject,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}
	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			// Slow subscribers drop rather than stall the publisher.
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("eventbus: subscription pattern cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("eventbus: handler cannot be nil")
	}

	ch := make(chan Message, b.buffer)
	sub := &memorySubscription{
		pattern: pattern,
		ch:      ch,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		bus:     b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("eventbus: bus is closed")
	}
	b.subscribers[pattern] = append(b.subscribers[pattern], ch)
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-sub.quit:
				return
			case msg := <-ch:
				handler(context.Background(), msg)
			}
		}
	}()
	return sub, nil
}

// Close shuts down every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := append([]*memorySubscription(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (b *MemoryBus) unsubscribe(pattern string, target chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	channels := b.subscribers[pattern]
	filtered := channels[:0]
	for _, ch := range channels {
		if ch == target {
			continue
		}
		filtered = append(filtered, ch)
	}
	if len(filtered) == 0 {
		delete(b.subscribers, pattern)
		return
	}
	b.subscribers[pattern] = filtered
}

// subjectMatches supports exact, "*" segment, and ">" suffix wildcards.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		prefix := strings.TrimSuffix(pattern, ".>")
		if prefix == "" {
			return true
		}
		return subject == prefix || strings.HasPrefix(subject, prefix+".")
	}
	if pattern == ">" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")
	if len(patternParts) != len(subjectParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != subjectParts[i] {
			return false
		}
	}
	return true
}
