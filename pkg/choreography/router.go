package choreography

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sagaflow/sagaflow/pkg/eventbus"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// HandlerFunc consumes one decoded event. Returning an error triggers
// redelivery until the envelope's retry budget is spent.
type HandlerFunc func(ctx context.Context, env eventbus.Envelope) error

// FailureFunc runs once a handler has exhausted its redelivery budget. It
// typically emits the matching failure event so earlier participants can
// compensate.
type FailureFunc func(ctx context.Context, env eventbus.Envelope, cause error)

// Router connects participants to the bus. It owns envelope decoding and
// the redelivery loop; participants only see decoded envelopes.
type Router struct {
	bus       eventbus.Bus
	publisher *eventbus.Publisher
	log       logger.Logger

	subs []eventbus.Subscription
}

// NewRouter creates a choreography router on a bus.
func NewRouter(bus eventbus.Bus, publisher *eventbus.Publisher, log logger.Logger) (*Router, error) {
	if bus == nil {
		return nil, fmt.Errorf("choreography: bus cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("choreography: publisher cannot be nil")
	}
	if log == nil {
		log = logger.Global()
	}
	return &Router{bus: bus, publisher: publisher, log: log}, nil
}

// Subscribe registers a handler for an event. A failing handler is
// redelivered with an incremented retry count; once the budget is spent the
// failure callback runs instead of silently dropping the event.
func (r *Router) Subscribe(event Event, handle HandlerFunc, onFailure FailureFunc) error {
	sub, err := r.bus.Subscribe(event.BroadcastAs(), func(ctx context.Context, msg eventbus.Message) {
		var env eventbus.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			r.log.ErrorContext(ctx, "dropping undecodable event",
				"subject", msg.Subject, "error", err)
			return
		}

		handleErr := handle(ctx, env)
		if handleErr == nil {
			return
		}

		if env.Exhausted() {
			r.log.ErrorContext(ctx, "event handling exhausted redelivery budget",
				"event", env.EventType, "saga_id", env.SagaID,
				"retries", env.RetryCount, "error", handleErr)
			if onFailure != nil {
				onFailure(ctx, env, handleErr)
			}
			return
		}

		redelivery := env.WithRetry()
		r.log.WarnContext(ctx, "event handling failed, redelivering",
			"event", env.EventType, "saga_id", env.SagaID,
			"retry", redelivery.RetryCount, "error", handleErr)
		if err := r.publisher.PublishEnvelope(ctx, redelivery); err != nil {
			r.log.ErrorContext(ctx, "redelivery publish failed",
				"event", env.EventType, "saga_id", env.SagaID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	r.subs = append(r.subs, sub)
	return nil
}

// Emit publishes a new saga event.
func (r *Router) Emit(ctx context.Context, event Event, sagaID string, payload map[string]any, isCompensation bool) error {
	_, err := r.publisher.Publish(ctx, eventbus.SagaEvent{
		EventType:      event.BroadcastAs(),
		SagaID:         sagaID,
		IsCompensation: isCompensation,
		Payload:        payload,
	})
	return err
}

// StartCreateOrder kicks off a choreographed create-order saga and returns
// its correlation id.
func (r *Router) StartCreateOrder(ctx context.Context, data map[string]any) (string, error) {
	sagaID := uuid.NewString()
	if err := r.Emit(ctx, SagaOrderRequested, sagaID, data, false); err != nil {
		return "", err
	}
	r.log.InfoContext(ctx, "choreographed saga requested", "saga_id", sagaID)
	return sagaID, nil
}

// Close removes every subscription the router registered.
func (r *Router) Close() error {
	for _, sub := range r.subs {
		_ = sub.Close()
	}
	r.subs = nil
	return nil
}
