// Package eventbus carries saga coordination events between participants.
// Events travel in a canonical envelope with per-saga ordering metadata and
// a bounded redelivery budget.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersionV1 is the initial saga event schema.
const SchemaVersionV1 = "v1"

// DefaultMaxRetries bounds event redelivery before a handler gives up and
// emits a failure event instead.
const DefaultMaxRetries = 3

// Envelope is the canonical saga event envelope. SagaID is the correlation
// id threading one saga's whole event chain; Sequence is per ordering key,
// so consumers can detect gaps within a saga without any global ordering.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Timestamp      time.Time       `json:"timestamp"`
	SchemaVersion  string          `json:"schema_version"`
	NodeID         string          `json:"node_id"`
	SagaID         string          `json:"saga_id"`
	OrderingKey    string          `json:"ordering_key"`
	Sequence       int64           `json:"sequence"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	IsCompensation bool            `json:"is_compensation"`
	Payload        json.RawMessage `json:"payload"`
}

// BuildEnvelopeInput is used to construct a new envelope.
type BuildEnvelopeInput struct {
	EventType      string
	SchemaVersion  string
	NodeID         string
	SagaID         string
	OrderingKey    string
	Sequence       int64
	RetryCount     int
	MaxRetries     int
	IsCompensation bool
	Payload        any
}

// BuildEnvelope creates a canonical envelope with generated event identity.
func BuildEnvelope(input BuildEnvelopeInput) (Envelope, error) {
	if input.EventType == "" {
		return Envelope{}, fmt.Errorf("eventbus: event type is required")
	}
	if input.NodeID == "" {
		return Envelope{}, fmt.Errorf("eventbus: node id is required")
	}
	if input.SagaID == "" {
		return Envelope{}, fmt.Errorf("eventbus: saga id is required")
	}
	if input.OrderingKey == "" {
		input.OrderingKey = input.SagaID
	}
	if input.Sequence <= 0 {
		return Envelope{}, fmt.Errorf("eventbus: sequence must be > 0")
	}
	if input.SchemaVersion == "" {
		input.SchemaVersion = SchemaVersionV1
	}
	if input.MaxRetries <= 0 {
		input.MaxRetries = DefaultMaxRetries
	}

	payload, err := json.Marshal(input.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal payload: %w", err)
	}

	return Envelope{
		EventID:        uuid.NewString(),
		EventType:      input.EventType,
		Timestamp:      time.Now().UTC(),
		SchemaVersion:  input.SchemaVersion,
		NodeID:         input.NodeID,
		SagaID:         input.SagaID,
		OrderingKey:    input.OrderingKey,
		Sequence:       input.Sequence,
		RetryCount:     input.RetryCount,
		MaxRetries:     input.MaxRetries,
		IsCompensation: input.IsCompensation,
		Payload:        payload,
	}, nil
}

// DecodePayload unmarshals the envelope payload into a map.
func (e Envelope) DecodePayload() (map[string]any, error) {
	if len(e.Payload) == 0 {
		return map[string]any{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(e.Payload, &decoded); err != nil {
		return nil, fmt.Errorf("eventbus: decode payload: %w", err)
	}
	return decoded, nil
}

// WithRetry returns a redelivery copy of the envelope with a fresh event id
// and an incremented retry count.
func (e Envelope) WithRetry() Envelope {
	redelivery := e
	redelivery.EventID = uuid.NewString()
	redelivery.RetryCount++
	redelivery.Timestamp = time.Now().UTC()
	return redelivery
}

// Exhausted reports whether the redelivery budget is spent.
func (e Envelope) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}
