package saga

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sagaflow/sagaflow/pkg/services"
)

// Services bundles the external collaborators forward and compensating steps
// dispatch to. All fields are required.
type Services struct {
	Users         services.UserService
	Inventory     services.InventoryService
	Orders        services.OrderService
	Payments      services.PaymentService
	Notifications services.NotificationService
}

func (s Services) validate() error {
	if s.Users == nil || s.Inventory == nil || s.Orders == nil || s.Payments == nil || s.Notifications == nil {
		return fmt.Errorf("all service collaborators must be set")
	}
	return nil
}

// StepExecutor runs a single forward step against its collaborator. It never
// mutates saga or step records; recording outcomes is the orchestrator's job.
//
// Every result map carries the fields the matching compensation later needs,
// so a step's forward result is the complete undo input.
type StepExecutor struct {
	services Services
	tracer   trace.Tracer
}

// NewStepExecutor creates a step executor over the given collaborators.
func NewStepExecutor(svcs Services) (*StepExecutor, error) {
	if err := svcs.validate(); err != nil {
		return nil, err
	}
	return &StepExecutor{services: svcs, tracer: tracer()}, nil
}

// Execute dispatches one named forward step with the saga's data payload.
// Collaborator errors and precondition violations come back as *StepFailure;
// an unregistered step name is an orchestration error instead.
func (e *StepExecutor) Execute(ctx context.Context, name StepName, payload map[string]any) (map[string]any, error) {
	ctx, span := e.tracer.Start(ctx, "saga.step."+string(name),
		trace.WithAttributes(attribute.String("saga.step", string(name))))
	defer span.End()

	result, err := e.execute(ctx, name, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (e *StepExecutor) execute(ctx context.Context, name StepName, payload map[string]any) (map[string]any, error) {
	switch name {
	case StepValidateUser:
		return e.validateUser(ctx, payload)
	case StepReserveInventory:
		return e.reserveInventory(ctx, payload)
	case StepCreateOrder:
		return e.createOrder(ctx, payload)
	case StepProcessPayment:
		return e.processPayment(ctx, payload)
	case StepSendNotification:
		return e.sendNotification(ctx, payload)
	case StepValidateOrder:
		return e.validateOrder(ctx, payload)
	case StepCancelOrder:
		return e.cancelOrder(ctx, payload)
	case StepRefundPayment:
		return e.refundPayment(ctx, payload)
	default:
		return nil, fmt.Errorf("%w: no executor for step %q", ErrOrchestration, name)
	}
}

func (e *StepExecutor) validateUser(ctx context.Context, payload map[string]any) (map[string]any, error) {
	userID, err := stringField(payload, "user_id")
	if err != nil {
		return nil, err
	}
	user, err := e.services.Users.GetUser(ctx, userID)
	if err != nil {
		return nil, WrapStepFailure(err)
	}
	return map[string]any{
		"user_id":   user.ID,
		"validated": true,
	}, nil
}

func (e *StepExecutor) reserveInventory(ctx context.Context, payload map[string]any) (map[string]any, error) {
	productID, err := stringField(payload, "product_id")
	if err != nil {
		return nil, err
	}
	quantity, err := intField(payload, "quantity")
	if err != nil {
		return nil, err
	}
	reservation, err := e.services.Inventory.ReserveInventory(ctx, productID, quantity)
	if err != nil {
		return nil, WrapStepFailure(err)
	}
	return map[string]any{
		"reservation_id": reservation.ID,
		"product_id":     reservation.ProductID,
		"quantity":       reservation.Quantity,
	}, nil
}

func (e *StepExecutor) createOrder(ctx context.Context, payload map[string]any) (map[string]any, error) {
	userID, err := stringField(payload, "user_id")
	if err != nil {
		return nil, err
	}
	total, err := floatField(payload, "total")
	if err != nil {
		return nil, err
	}
	order, err := e.services.Orders.CreateOrder(ctx, userID, total)
	if err != nil {
		return nil, WrapStepFailure(err)
	}
	return map[string]any{
		"order_id": order.ID,
		"user_id":  order.UserID,
		"total":    order.Total,
		"status":   order.Status,
	}, nil
}

func (e *StepExecutor) processPayment(ctx context.Context, payload map[string]any) (map[string]any, error) {
	paymentID, err := stringField(payload, "payment_id")
	if err != nil {
		return nil, err
	}
	payment, err := e.services.Payments.ProcessPayment(ctx, paymentID)
	if err != nil {
		return nil, WrapStepFailure(err)
	}
	return map[string]any{
		"payment_id":     payment.ID,
		"order_id":       payment.OrderID,
		"amount":         payment.Amount,
		"status":         payment.Status,
		"transaction_id": payment.TransactionID,
	}, nil
}

func (e *StepExecutor) sendNotification(ctx context.Context, payload map[string]any) (map[string]any, error) {
	userID, err := stringField(payload, "user_id")
	if err != nil {
		return nil, err
	}
	message := optionalStringField(payload, "message", "your order update is on its way")
	notification, err := e.services.Notifications.SendNotification(ctx, userID, message)
	if err != nil {
		return nil, WrapStepFailure(err)
	}
	return map[string]any{
		"notification_id": notification.ID,
		"user_id":         notification.UserID,
		"message":         notification.Message,
	}, nil
}

func (e *StepExecutor) validateOrder(ctx context.Context, payload map[string]any) (map[string]any, error) {
	orderID, err := stringField(payload, "order_id")
	if err != nil {
		return nil, err
	}
	order, err := e.services.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, WrapStepFailure(err)
	}
	if order.Status != services.OrderStatusPending {
		return nil, NewStepFailure("order %s is %s, only pending orders can be cancelled", orderID, order.Status)
	}
	return map[string]any{
		"order_id":        order.ID,
		"previous_status": order.Status,
		"validated":       true,
	}, nil
}

func (e *StepExecutor) cancelOrder(ctx context.Context, payload map[string]any) (map[string]any, error) {
	orderID, err := stringField(payload, "order_id")
	if err != nil {
		return nil, err
	}
	order, err := e.services.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, WrapStepFailure(err)
	}
	previous := order.Status
	updated, err := e.services.Orders.UpdateOrderStatus(ctx, orderID, services.OrderStatusCancelled)
	if err != nil {
		return nil, WrapStepFailure(err)
	}
	return map[string]any{
		"order_id":        updated.ID,
		"previous_status": previous,
		"status":          updated.Status,
	}, nil
}

func (e *StepExecutor) refundPayment(ctx context.Context, payload map[string]any) (map[string]any, error) {
	paymentID, err := stringField(payload, "payment_id")
	if err != nil {
		return nil, err
	}
	amount, err := floatField(payload, "amount")
	if err != nil {
		return nil, err
	}
	refund, err := e.services.Payments.RefundPayment(ctx, paymentID, amount)
	if err != nil {
		return nil, WrapStepFailure(err)
	}
	return map[string]any{
		"refund_id":  refund.ID,
		"payment_id": refund.PaymentID,
		"amount":     refund.Amount,
	}, nil
}
