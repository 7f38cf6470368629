package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Telemetry records event-bus pipeline health and publish behavior.
type Telemetry interface {
	RecordPublish(status string)
	RecordRetry()
	SetDegradedMode(active bool)
	RecordOutage()
	RecordRecovery()
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(string) {}
func (nopTelemetry) RecordRetry()         {}
func (nopTelemetry) SetDegradedMode(bool) {}
func (nopTelemetry) RecordOutage()        {}
func (nopTelemetry) RecordRecovery()      {}

// RetryConfig controls retry/backoff behavior for publish attempts.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the default publish retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// SagaEvent is the publish input for one saga coordination event. EventType
// doubles as the wire subject ("order.created", "payment.failed").
type SagaEvent struct {
	EventType      string
	SagaID         string
	RetryCount     int
	MaxRetries     int
	IsCompensation bool
	Payload        any
}

// Publisher publishes canonical saga events with retry/backoff and degraded
// mode tracking. Sequences are per saga id, giving each saga a gap-free
// event numbering without global coordination.
type Publisher struct {
	transport Transport
	nodeID    string
	retry     RetryConfig
	telemetry Telemetry

	mu        sync.Mutex
	sequences map[string]int64
	degraded  bool
}

// NewPublisher creates a saga event publisher.
func NewPublisher(nodeID string, transport Transport, retry RetryConfig, telemetry Telemetry) (*Publisher, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("eventbus: node id cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("eventbus: transport cannot be nil")
	}
	if retry.MaxRetries < 0 {
		return nil, fmt.Errorf("eventbus: max retries cannot be negative")
	}
	if retry.InitialBackoff <= 0 || retry.MaxBackoff <= 0 || retry.BackoffFactor < 1 {
		return nil, fmt.Errorf("eventbus: invalid retry config")
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &Publisher{
		transport: transport,
		nodeID:    nodeID,
		retry:     retry,
		telemetry: telemetry,
		sequences: make(map[string]int64),
	}, nil
}

// Publish builds the canonical envelope for the event and publishes it,
// retrying transient transport failures with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, event SagaEvent) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}

	envelope, err := BuildEnvelope(BuildEnvelopeInput{
		EventType:      event.EventType,
		NodeID:         p.nodeID,
		SagaID:         event.SagaID,
		Sequence:       p.nextSequence(event.SagaID),
		RetryCount:     event.RetryCount,
		MaxRetries:     event.MaxRetries,
		IsCompensation: event.IsCompensation,
		Payload:        event.Payload,
	})
	if err != nil {
		return Envelope{}, err
	}
	if err := p.PublishEnvelope(ctx, envelope); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// PublishEnvelope publishes an already-built envelope, used for redelivery
// where the original correlation metadata must survive.
func (p *Publisher) PublishEnvelope(ctx context.Context, envelope Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	backoff := p.retry.InitialBackoff
	var publishErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		publishErr = p.transport.Publish(ctx, envelope.EventType, body)
		if publishErr == nil {
			p.telemetry.RecordPublish("success")
			p.onPublishRecovered()
			return nil
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		p.telemetry.RecordRetry()
		p.onPublishOutage()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, p.retry.MaxBackoff, p.retry.BackoffFactor)
	}

	p.telemetry.RecordPublish("failed")
	p.onPublishOutage()
	return fmt.Errorf("eventbus: publish %s failed: %w", envelope.EventType, publishErr)
}

// Degraded reports whether the publisher currently considers the bus
// degraded.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) nextSequence(sagaID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequences[sagaID]++
	return p.sequences[sagaID]
}

func (p *Publisher) onPublishOutage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded {
		return
	}
	p.degraded = true
	p.telemetry.SetDegradedMode(true)
	p.telemetry.RecordOutage()
}

func (p *Publisher) onPublishRecovered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.degraded {
		return
	}
	p.degraded = false
	p.telemetry.SetDegradedMode(false)
	p.telemetry.RecordRecovery()
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
