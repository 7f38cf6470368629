package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS-backed bus.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	// Conn lets callers share an existing connection; the bus then does
	// not close it.
	Conn *nats.Conn
}

// NATSBus implements Bus on a core NATS connection. NATS subjects natively
// support the same "*" and ">" wildcards as the in-memory bus, so the two
// are interchangeable behind the Bus interface.
type NATSBus struct {
	cfg      NATSConfig
	conn     *nats.Conn
	ownsConn bool

	mu     sync.Mutex
	closed bool
	subs   []*nats.Subscription
}

// NewNATSBus connects to NATS (or adopts the configured connection).
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	bus := &NATSBus{cfg: cfg}
	if cfg.Conn != nil {
		bus.conn = cfg.Conn
		return bus, nil
	}

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "sagaflow"
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect nats: %w", err)
	}
	bus.conn = conn
	bus.ownsConn = true
	return bus, nil
}

// Publish sends the payload to a subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}
	return b.conn.Publish(b.subjectName(subject), payload)
}

// Subscribe registers a handler for a subject pattern. Delivery runs on
// NATS callback goroutines.
func (b *NATSBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("eventbus: subscription pattern cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("eventbus: handler cannot be nil")
	}

	natsSub, err := b.conn.Subscribe(b.subjectName(pattern), func(msg *nats.Msg) {
		handler(context.Background(), Message{
			Subject:   b.trimPrefix(msg.Subject),
			Payload:   msg.Data,
			Timestamp: time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", pattern, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, natsSub)
	b.mu.Unlock()
	return &natsSubscription{sub: natsSub}, nil
}

// natsSubscription adapts a *nats.Subscription to the Subscription
// interface.
type natsSubscription struct {
	sub  *nats.Subscription
	once sync.Once
}

func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.sub.Drain() })
	return err
}

// Close drains subscriptions and closes an owned connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
	if b.ownsConn && b.conn != nil {
		b.conn.Close()
	}
	return nil
}

func (b *NATSBus) subjectName(subject string) string {
	if b.cfg.SubjectPrefix == "" {
		return subject
	}
	return b.cfg.SubjectPrefix + subject
}

func (b *NATSBus) trimPrefix(subject string) string {
	if b.cfg.SubjectPrefix != "" && len(subject) > len(b.cfg.SubjectPrefix) {
		return subject[len(b.cfg.SubjectPrefix):]
	}
	return subject
}
