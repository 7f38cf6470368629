package choreography

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/pkg/eventbus"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/services"
)

type choreoFixture struct {
	bus           *eventbus.MemoryBus
	router        *Router
	users         *services.MemoryUserService
	inventory     *services.MemoryInventoryService
	orders        *services.MemoryOrderService
	payments      *services.MemoryPaymentService
	notifications *services.MemoryNotificationService
	events        *eventCollector
}

// eventCollector records every envelope crossing the bus.
type eventCollector struct {
	mu   sync.Mutex
	envs []eventbus.Envelope
}

func (c *eventCollector) record(_ context.Context, msg eventbus.Message) {
	var env eventbus.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return
	}
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *eventCollector) count(event Event, sagaID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.envs {
		if env.EventType == event.BroadcastAs() && env.SagaID == sagaID {
			n++
		}
	}
	return n
}

func (c *eventCollector) wait(t *testing.T, event Event, sagaID string, timeout time.Duration) eventbus.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		for _, env := range c.envs {
			if env.EventType == event.BroadcastAs() && env.SagaID == sagaID {
				c.mu.Unlock()
				return env
			}
		}
		c.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("event %s for saga %s never observed", event, sagaID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *eventCollector) never(t *testing.T, event Event, sagaID string, within time.Duration) {
	t.Helper()
	time.Sleep(within)
	if got := c.count(event, sagaID); got != 0 {
		t.Fatalf("event %s for saga %s observed %d times, want none", event, sagaID, got)
	}
}

func newChoreoFixture(t *testing.T) *choreoFixture {
	t.Helper()
	quiet := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})

	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })

	publisher, err := eventbus.NewPublisher("test-node", bus, eventbus.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	router, err := NewRouter(bus, publisher, quiet)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Close() })

	f := &choreoFixture{
		bus:           bus,
		router:        router,
		users:         services.NewMemoryUserService(),
		inventory:     services.NewMemoryInventoryService(),
		orders:        services.NewMemoryOrderService(),
		payments:      services.NewMemoryPaymentService(),
		notifications: services.NewMemoryNotificationService(),
		events:        &eventCollector{},
	}

	sub, err := bus.Subscribe(">", f.events.record)
	if err != nil {
		t.Fatalf("subscribe collector: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })

	err = RegisterAll(router, Services{
		Users:         f.users,
		Inventory:     f.inventory,
		Orders:        f.orders,
		Payments:      f.payments,
		Notifications: f.notifications,
	}, quiet)
	if err != nil {
		t.Fatalf("register participants: %v", err)
	}
	return f
}

func TestChoreographyHappyChain(t *testing.T) {
	f := newChoreoFixture(t)
	f.users.AddUser(services.User{ID: "u1", Name: "Ada", Email: "ada@example.com"})
	payment := f.payments.CreatePayment("", 75.00)

	sagaID, err := f.router.StartCreateOrder(context.Background(), map[string]any{
		"user_id":    "u1",
		"product_id": "p1",
		"quantity":   1,
		"total":      75.00,
		"payment_id": payment.ID,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := f.events.wait(t, NotificationSent, sagaID, 5*time.Second)
	payload, _ := final.DecodePayload()
	orderID, _ := payload["order_id"].(string)
	transactionID, _ := payload["transaction_id"].(string)
	if orderID == "" || transactionID == "" {
		t.Fatalf("final event should carry the accumulated chain data: %v", payload)
	}

	// Causal order is preserved within the saga by construction.
	for _, event := range []Event{UserValidated, InventoryReserved, OrderCreated, PaymentProcessed} {
		if f.events.count(event, sagaID) != 1 {
			t.Errorf("event %s seen %d times, want 1", event, f.events.count(event, sagaID))
		}
	}
	if f.events.count(InventoryReleaseRequested, sagaID) != 0 {
		t.Fatal("no compensation events on the happy chain")
	}
}

func TestChoreographyPaymentFailureUnwindsChain(t *testing.T) {
	f := newChoreoFixture(t)
	f.users.AddUser(services.User{ID: "u1", Name: "Ada", Email: "ada@example.com"})

	sagaID, err := f.router.StartCreateOrder(context.Background(), map[string]any{
		"user_id":    "u1",
		"product_id": "p1",
		"quantity":   2,
		"total":      30.00,
		"payment_id": "no-such-payment",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	failure := f.events.wait(t, PaymentFailed, sagaID, 5*time.Second)
	if !failure.IsCompensation {
		t.Fatal("failure events must be tagged for the compensation path")
	}

	// Earlier participants undo their own work.
	f.events.wait(t, OrderDeleteRequested, sagaID, 5*time.Second)
	f.events.wait(t, OrderDeleted, sagaID, 5*time.Second)
	f.events.wait(t, InventoryReleaseRequested, sagaID, 5*time.Second)
	f.events.wait(t, InventoryReleased, sagaID, 5*time.Second)
	f.events.wait(t, UserUnvalidated, sagaID, 5*time.Second)

	if got := f.inventory.Reserved("p1"); got != 0 {
		t.Fatalf("reservation not released, %d still held", got)
	}
	if f.events.count(NotificationSent, sagaID) != 0 {
		t.Fatal("the chain must stop at the failing participant")
	}
}

// A UserValidationFailed event triggers an inventory release if, and only
// if, inventory was already reserved for that saga id. Only the inventory
// participant is registered here so the seeded reservation stays on record.
func TestUserValidationFailedReleasesOnlyReservedSagas(t *testing.T) {
	quiet := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	publisher, err := eventbus.NewPublisher("test-node", bus, eventbus.RetryConfig{
		MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1,
	}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	router, err := NewRouter(bus, publisher, quiet)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Close() })

	inventory := services.NewMemoryInventoryService()
	if _, err := NewInventoryParticipant(router, inventory, quiet); err != nil {
		t.Fatalf("register inventory participant: %v", err)
	}

	events := &eventCollector{}
	sub, err := bus.Subscribe(">", events.record)
	if err != nil {
		t.Fatalf("subscribe collector: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })

	// Reserve through the participant so the hold lands in its bookkeeping.
	reservedSaga := "saga-with-hold"
	if err := router.Emit(context.Background(), UserValidated, reservedSaga,
		map[string]any{"user_id": "u1", "product_id": "p1", "quantity": 2}, false); err != nil {
		t.Fatalf("emit: %v", err)
	}
	events.wait(t, InventoryReserved, reservedSaga, 5*time.Second)

	// A failure for a saga that never reserved anything.
	bareSaga := "saga-without-hold"
	if err := router.Emit(context.Background(), UserValidationFailed, bareSaga,
		map[string]any{"user_id": "u9", "error": "unknown user"}, true); err != nil {
		t.Fatalf("emit: %v", err)
	}
	events.never(t, InventoryReleaseRequested, bareSaga, 200*time.Millisecond)

	// The same failure for the saga holding a reservation.
	if err := router.Emit(context.Background(), UserValidationFailed, reservedSaga,
		map[string]any{"user_id": "u1", "error": "unknown user"}, true); err != nil {
		t.Fatalf("emit: %v", err)
	}
	release := events.wait(t, InventoryReleaseRequested, reservedSaga, 5*time.Second)
	payload, _ := release.DecodePayload()
	reservationID, _ := payload["reservation_id"].(string)
	if reservationID == "" {
		t.Fatalf("release request must carry the reservation id: %v", payload)
	}

	events.wait(t, InventoryReleased, reservedSaga, 5*time.Second)
	if got := inventory.Reserved("p1"); got != 0 {
		t.Fatalf("reservation not released, %d still held", got)
	}

	// A duplicate failure event must not request a second release.
	if err := router.Emit(context.Background(), UserValidationFailed, reservedSaga,
		map[string]any{"user_id": "u1", "error": "unknown user"}, true); err != nil {
		t.Fatalf("emit: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := events.count(InventoryReleaseRequested, reservedSaga); got != 1 {
		t.Fatalf("release requested %d times, want exactly 1", got)
	}
}

func TestRouterRedeliversUntilBudgetThenFails(t *testing.T) {
	quiet := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	publisher, _ := eventbus.NewPublisher("test-node", bus, eventbus.RetryConfig{
		MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1,
	}, nil)
	router, _ := NewRouter(bus, publisher, quiet)
	t.Cleanup(func() { _ = router.Close() })

	var mu sync.Mutex
	var attempts int
	exhausted := make(chan error, 1)
	err := router.Subscribe(Event("test.subject"), func(_ context.Context, env eventbus.Envelope) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("handler broken")
	}, func(_ context.Context, _ eventbus.Envelope, cause error) {
		exhausted <- cause
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := router.Emit(context.Background(), Event("test.subject"), "s1", map[string]any{}, false); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case <-exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("failure callback never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	// Initial delivery plus redeliveries up to the envelope's max_retries.
	if attempts != eventbus.DefaultMaxRetries+1 {
		t.Fatalf("handler ran %d times, want %d", attempts, eventbus.DefaultMaxRetries+1)
	}
}

func TestRouterRecoversAfterRedelivery(t *testing.T) {
	quiet := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	publisher, _ := eventbus.NewPublisher("test-node", bus, eventbus.RetryConfig{
		MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1,
	}, nil)
	router, _ := NewRouter(bus, publisher, quiet)
	t.Cleanup(func() { _ = router.Close() })

	var mu sync.Mutex
	var attempts int
	done := make(chan eventbus.Envelope, 1)
	_ = router.Subscribe(Event("test.flaky"), func(_ context.Context, env eventbus.Envelope) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errors.New("transient")
		}
		done <- env
		return nil
	}, nil)

	_ = router.Emit(context.Background(), Event("test.flaky"), "s1", map[string]any{}, false)

	select {
	case env := <-done:
		if env.RetryCount != 2 {
			t.Fatalf("successful delivery should be retry 2, got %d", env.RetryCount)
		}
		if env.SagaID != "s1" {
			t.Fatalf("correlation id lost on redelivery: %s", env.SagaID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never succeeded")
	}
}
