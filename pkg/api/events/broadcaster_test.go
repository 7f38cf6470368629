package events

import (
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

func quietLogger() logger.Logger {
	return logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
}

func receive(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(quietLogger(), 4)
	defer b.Close()

	first := b.Subscribe()
	second := b.Subscribe()
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("subscriber count = %d, want 2", got)
	}

	b.Broadcast(Event{Type: EventSagaStateChanged, Payload: map[string]any{"saga_id": "s1"}})

	for _, ch := range []chan Event{first, second} {
		event := receive(t, ch)
		if event.Type != EventSagaStateChanged {
			t.Fatalf("event type = %q", event.Type)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("expected broadcast to stamp timestamp")
		}
	}
}

func TestSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	b := NewBroadcaster(quietLogger(), 1)
	defer b.Close()

	slow := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Broadcast(Event{Type: EventStepStateChanged})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full subscriber buffer")
	}
	// The first event still fits in the buffer.
	receive(t, slow)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(quietLogger(), 4)
	defer b.Close()

	ch := b.Subscribe()
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}

	// Repeated unsubscribe is a no-op.
	b.Unsubscribe(ch)
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	b := NewBroadcaster(quietLogger(), 4)
	ch := b.Subscribe()

	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after Close")
	}
	// Broadcast and Subscribe after Close must not panic.
	b.Broadcast(Event{Type: EventSagaStateChanged})
	if late := b.Subscribe(); late != nil {
		if _, ok := <-late; ok {
			t.Fatal("expected late subscription channel to be closed")
		}
	}
}

func TestRelayPublishesSagaAndStepTransitions(t *testing.T) {
	b := NewBroadcaster(quietLogger(), 8)
	defer b.Close()
	ch := b.Subscribe()
	relay := NewRelay(b)

	relay.OnSagaTransition(&saga.Saga{
		ID:     "s1",
		Type:   saga.TypeCreateOrder,
		Status: saga.StatusCompensating,
		Error:  "payment declined",
	})
	event := receive(t, ch)
	if event.Type != EventSagaStateChanged {
		t.Fatalf("event type = %q", event.Type)
	}
	if event.Payload["saga_id"] != "s1" || event.Payload["status"] != "compensating" {
		t.Fatalf("unexpected payload %v", event.Payload)
	}
	if event.Payload["error"] != "payment declined" {
		t.Fatalf("expected error in payload, got %v", event.Payload)
	}

	relay.OnStepTransition("s1", &saga.Step{
		Name:     saga.StepProcessPayment,
		Sequence: 3,
		Status:   saga.StepStatusFailed,
		Errors:   []string{"attempt 1: declined", "attempt 2: declined"},
	})
	event = receive(t, ch)
	if event.Type != EventStepStateChanged {
		t.Fatalf("event type = %q", event.Type)
	}
	if event.Payload["saga_id"] != "s1" || event.Payload["step"] != "process_payment" {
		t.Fatalf("unexpected payload %v", event.Payload)
	}
	if event.Payload["error"] != "attempt 2: declined" {
		t.Fatalf("expected last error in payload, got %v", event.Payload)
	}

	// Nil records are ignored.
	relay.OnSagaTransition(nil)
	relay.OnStepTransition("s1", nil)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event for nil record: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
