package saga

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// compensationPlan maps each forward step to the step that undoes it. Pure
// validations have nothing to undo; their compensations only record an
// audit marker.
var compensationPlan = map[StepName]StepName{
	StepValidateUser:     StepUnvalidateUser,
	StepReserveInventory: StepReleaseInventory,
	StepCreateOrder:      StepDeleteOrder,
	StepProcessPayment:   StepRefundPayment,
	StepSendNotification: StepCancelNotification,
	StepValidateOrder:    StepUnvalidateOrder,
	StepCancelOrder:      StepRestoreOrderStatus,
	StepRefundPayment:    StepRechargePayment,
}

var noopCompensations = map[StepName]struct{}{
	StepUnvalidateUser:  {},
	StepUnvalidateOrder: {},
}

// CompensationRegistry is the static forward-to-compensating step lookup.
type CompensationRegistry struct{}

// NewCompensationRegistry creates the registry.
func NewCompensationRegistry() *CompensationRegistry {
	return &CompensationRegistry{}
}

// CompensationFor returns the compensating step for a forward step.
func (r *CompensationRegistry) CompensationFor(forward StepName) (StepName, bool) {
	comp, ok := compensationPlan[forward]
	return comp, ok
}

// IsNoop reports whether a compensating step has no external side effect.
func (r *CompensationRegistry) IsNoop(compensating StepName) bool {
	_, ok := noopCompensations[compensating]
	return ok
}

// IdempotencyStore remembers which compensations already ran, keyed by saga
// and forward step. Only successful compensations are marked, so a failed
// attempt stays eligible for retry.
type IdempotencyStore interface {
	Compensated(ctx context.Context, sagaID string, forward StepName) (bool, error)
	MarkCompensated(ctx context.Context, sagaID string, forward StepName) error
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryIdempotencyStore creates an empty in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{seen: make(map[string]struct{})}
}

// Compensated reports whether the compensation already succeeded.
func (s *MemoryIdempotencyStore) Compensated(_ context.Context, sagaID string, forward StepName) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[idempotencyKey(sagaID, forward)]
	return ok, nil
}

// MarkCompensated records a successful compensation.
func (s *MemoryIdempotencyStore) MarkCompensated(_ context.Context, sagaID string, forward StepName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[idempotencyKey(sagaID, forward)] = struct{}{}
	return nil
}

func idempotencyKey(sagaID string, forward StepName) string {
	return sagaID + ":" + string(forward)
}

// CompensationExecutor runs compensating steps. Unlike forward execution it
// consumes the forward step's recorded result, not the saga payload, because
// the identifiers needed to undo an action only exist after the action ran.
type CompensationExecutor struct {
	services Services
	registry *CompensationRegistry
	tracer   trace.Tracer
}

// NewCompensationExecutor creates a compensation executor.
func NewCompensationExecutor(svcs Services, registry *CompensationRegistry) (*CompensationExecutor, error) {
	if err := svcs.validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewCompensationRegistry()
	}
	return &CompensationExecutor{services: svcs, registry: registry, tracer: tracer()}, nil
}

// Execute runs one compensating step against the forward step's result map.
// Failures come back as *CompensationFailure; callers append them to the
// step's error trail and continue with sibling compensations.
func (e *CompensationExecutor) Execute(ctx context.Context, compensating StepName, original map[string]any) (map[string]any, error) {
	ctx, span := e.tracer.Start(ctx, "saga.compensate."+string(compensating),
		trace.WithAttributes(attribute.String("saga.step", string(compensating))))
	defer span.End()

	result, err := e.execute(ctx, compensating, original)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (e *CompensationExecutor) execute(ctx context.Context, compensating StepName, original map[string]any) (map[string]any, error) {
	switch compensating {
	case StepUnvalidateUser, StepUnvalidateOrder:
		// Nothing external to undo. Record the audit marker only.
		return map[string]any{"unvalidated": true}, nil

	case StepReleaseInventory:
		reservationID, err := stringField(original, "reservation_id")
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		if err := e.services.Inventory.ReleaseInventory(ctx, reservationID); err != nil {
			return nil, compensationFailure(compensating, err)
		}
		return map[string]any{"reservation_id": reservationID, "released": true}, nil

	case StepDeleteOrder:
		orderID, err := stringField(original, "order_id")
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		if err := e.services.Orders.DeleteOrder(ctx, orderID); err != nil {
			return nil, compensationFailure(compensating, err)
		}
		return map[string]any{"order_id": orderID, "deleted": true}, nil

	case StepRefundPayment:
		paymentID, err := stringField(original, "payment_id")
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		amount, err := floatField(original, "amount")
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		refund, err := e.services.Payments.RefundPayment(ctx, paymentID, amount)
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		return map[string]any{"refund_id": refund.ID, "payment_id": refund.PaymentID, "amount": refund.Amount}, nil

	case StepCancelNotification:
		notificationID, err := stringField(original, "notification_id")
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		if err := e.services.Notifications.CancelNotification(ctx, notificationID); err != nil {
			return nil, compensationFailure(compensating, err)
		}
		return map[string]any{"notification_id": notificationID, "cancelled": true}, nil

	case StepRestoreOrderStatus:
		orderID, err := stringField(original, "order_id")
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		previous, err := stringField(original, "previous_status")
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		order, err := e.services.Orders.UpdateOrderStatus(ctx, orderID, previous)
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		return map[string]any{"order_id": order.ID, "status": order.Status}, nil

	case StepRechargePayment:
		refundID, err := stringField(original, "refund_id")
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		amount, err := floatField(original, "amount")
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		payment, err := e.services.Payments.RechargePayment(ctx, refundID, amount)
		if err != nil {
			return nil, compensationFailure(compensating, err)
		}
		return map[string]any{"payment_id": payment.ID, "status": payment.Status}, nil

	default:
		return nil, compensationFailure(compensating, fmt.Errorf("no compensation handler registered"))
	}
}

func compensationFailure(step StepName, err error) *CompensationFailure {
	return &CompensationFailure{Step: step, Reason: err.Error()}
}
