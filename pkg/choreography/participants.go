package choreography

import (
	"context"
	"fmt"
	"sync"

	"github.com/sagaflow/sagaflow/pkg/eventbus"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/services"
)

// sagaRecords tracks the local work a participant performed per saga id.
// Compensation handlers consult it to decide whether this participant has
// anything to undo for a failing saga.
type sagaRecords[T any] struct {
	mu      sync.Mutex
	entries map[string]T
}

func newSagaRecords[T any]() sagaRecords[T] {
	return sagaRecords[T]{entries: make(map[string]T)}
}

func (r *sagaRecords[T]) put(sagaID string, value T) {
	r.mu.Lock()
	r.entries[sagaID] = value
	r.mu.Unlock()
}

// take removes and returns the record, so a duplicate failure event cannot
// trigger a second compensation for the same saga.
func (r *sagaRecords[T]) take(sagaID string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.entries[sagaID]
	if ok {
		delete(r.entries, sagaID)
	}
	return value, ok
}

func (r *sagaRecords[T]) has(sagaID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[sagaID]
	return ok
}

func payloadString(payload map[string]any, key string) (string, error) {
	value, ok := payload[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("choreography: payload missing %q", key)
	}
	return value, nil
}

func payloadFloat(payload map[string]any, key string) (float64, error) {
	switch value := payload[key].(type) {
	case float64:
		return value, nil
	case int:
		return float64(value), nil
	default:
		return 0, fmt.Errorf("choreography: payload missing numeric %q", key)
	}
}

func payloadInt(payload map[string]any, key string) (int, error) {
	value, err := payloadFloat(payload, key)
	if err != nil {
		return 0, err
	}
	return int(value), nil
}

// otherFailures returns every failure event except the participant's own.
func otherFailures(own Event) []Event {
	others := make([]Event, 0, len(failureEvents))
	for _, event := range failureEvents {
		if event != own {
			others = append(others, event)
		}
	}
	return others
}

// UserParticipant validates users at the head of the chain.
type UserParticipant struct {
	router    *Router
	users     services.UserService
	log       logger.Logger
	validated sagaRecords[string]
}

// NewUserParticipant wires the user participant onto the router.
func NewUserParticipant(router *Router, users services.UserService, log logger.Logger) (*UserParticipant, error) {
	if log == nil {
		log = logger.Global()
	}
	p := &UserParticipant{router: router, users: users, log: log, validated: newSagaRecords[string]()}

	if err := router.Subscribe(SagaOrderRequested, p.handleOrderRequested, p.emitValidationFailed); err != nil {
		return nil, err
	}
	for _, event := range otherFailures(UserValidationFailed) {
		if err := router.Subscribe(event, p.handleDownstreamFailure, nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *UserParticipant) handleOrderRequested(ctx context.Context, env eventbus.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	userID, err := payloadString(payload, "user_id")
	if err != nil {
		return err
	}

	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("validate user %s: %w", userID, err)
	}

	p.validated.put(env.SagaID, user.ID)
	payload["user_id"] = user.ID
	payload["validated"] = true
	return p.router.Emit(ctx, UserValidated, env.SagaID, payload, false)
}

func (p *UserParticipant) emitValidationFailed(ctx context.Context, env eventbus.Envelope, cause error) {
	payload, _ := env.DecodePayload()
	userID, _ := payload["user_id"].(string)
	_ = p.router.Emit(ctx, UserValidationFailed, env.SagaID, map[string]any{
		"user_id": userID,
		"error":   cause.Error(),
	}, true)
}

func (p *UserParticipant) handleDownstreamFailure(ctx context.Context, env eventbus.Envelope) error {
	userID, ok := p.validated.take(env.SagaID)
	if !ok {
		return nil
	}
	// A pure validation: nothing external to undo, only the audit event.
	return p.router.Emit(ctx, UserUnvalidated, env.SagaID, map[string]any{
		"user_id":     userID,
		"unvalidated": true,
	}, true)
}

// inventoryHold is the local record of a reservation made for a saga.
type inventoryHold struct {
	ReservationID string
	ProductID     string
	Quantity      int
}

// InventoryParticipant reserves stock after user validation and releases it
// when any later participant fails.
type InventoryParticipant struct {
	router       *Router
	inventory    services.InventoryService
	log          logger.Logger
	reservations sagaRecords[inventoryHold]
}

// NewInventoryParticipant wires the inventory participant onto the router.
func NewInventoryParticipant(router *Router, inventory services.InventoryService, log logger.Logger) (*InventoryParticipant, error) {
	if log == nil {
		log = logger.Global()
	}
	p := &InventoryParticipant{router: router, inventory: inventory, log: log, reservations: newSagaRecords[inventoryHold]()}

	if err := router.Subscribe(UserValidated, p.handleUserValidated, p.emitReserveFailed); err != nil {
		return nil, err
	}
	if err := router.Subscribe(InventoryReleaseRequested, p.handleReleaseRequested, nil); err != nil {
		return nil, err
	}
	for _, event := range otherFailures(InventoryReserveFailed) {
		if err := router.Subscribe(event, p.handleDownstreamFailure, nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *InventoryParticipant) handleUserValidated(ctx context.Context, env eventbus.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	productID, err := payloadString(payload, "product_id")
	if err != nil {
		return err
	}
	quantity, err := payloadInt(payload, "quantity")
	if err != nil {
		return err
	}

	reservation, err := p.inventory.ReserveInventory(ctx, productID, quantity)
	if err != nil {
		return fmt.Errorf("reserve %s x%d: %w", productID, quantity, err)
	}

	p.reservations.put(env.SagaID, inventoryHold{
		ReservationID: reservation.ID,
		ProductID:     reservation.ProductID,
		Quantity:      reservation.Quantity,
	})
	payload["reservation_id"] = reservation.ID
	return p.router.Emit(ctx, InventoryReserved, env.SagaID, payload, false)
}

func (p *InventoryParticipant) emitReserveFailed(ctx context.Context, env eventbus.Envelope, cause error) {
	payload, _ := env.DecodePayload()
	productID, _ := payload["product_id"].(string)
	_ = p.router.Emit(ctx, InventoryReserveFailed, env.SagaID, map[string]any{
		"product_id": productID,
		"error":      cause.Error(),
	}, true)
}

// handleDownstreamFailure requests a release if, and only if, this saga had
// already reserved inventory.
func (p *InventoryParticipant) handleDownstreamFailure(ctx context.Context, env eventbus.Envelope) error {
	hold, ok := p.reservations.take(env.SagaID)
	if !ok {
		return nil
	}
	return p.router.Emit(ctx, InventoryReleaseRequested, env.SagaID, map[string]any{
		"reservation_id": hold.ReservationID,
		"product_id":     hold.ProductID,
		"quantity":       hold.Quantity,
	}, true)
}

func (p *InventoryParticipant) handleReleaseRequested(ctx context.Context, env eventbus.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	reservationID, err := payloadString(payload, "reservation_id")
	if err != nil {
		return err
	}
	if err := p.inventory.ReleaseInventory(ctx, reservationID); err != nil {
		return fmt.Errorf("release %s: %w", reservationID, err)
	}
	payload["released"] = true
	return p.router.Emit(ctx, InventoryReleased, env.SagaID, payload, true)
}

// OrderParticipant creates the order once inventory is held and deletes it
// when a later participant fails.
type OrderParticipant struct {
	router *Router
	orders services.OrderService
	log    logger.Logger
	placed sagaRecords[string]
}

// NewOrderParticipant wires the order participant onto the router.
func NewOrderParticipant(router *Router, orders services.OrderService, log logger.Logger) (*OrderParticipant, error) {
	if log == nil {
		log = logger.Global()
	}
	p := &OrderParticipant{router: router, orders: orders, log: log, placed: newSagaRecords[string]()}

	if err := router.Subscribe(InventoryReserved, p.handleInventoryReserved, p.emitCreateFailed); err != nil {
		return nil, err
	}
	if err := router.Subscribe(OrderDeleteRequested, p.handleDeleteRequested, nil); err != nil {
		return nil, err
	}
	for _, event := range otherFailures(OrderCreateFailed) {
		if err := router.Subscribe(event, p.handleDownstreamFailure, nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *OrderParticipant) handleInventoryReserved(ctx context.Context, env eventbus.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	userID, err := payloadString(payload, "user_id")
	if err != nil {
		return err
	}
	total, err := payloadFloat(payload, "total")
	if err != nil {
		return err
	}

	order, err := p.orders.CreateOrder(ctx, userID, total)
	if err != nil {
		return fmt.Errorf("create order for %s: %w", userID, err)
	}

	p.placed.put(env.SagaID, order.ID)
	payload["order_id"] = order.ID
	payload["order_status"] = order.Status
	return p.router.Emit(ctx, OrderCreated, env.SagaID, payload, false)
}

func (p *OrderParticipant) emitCreateFailed(ctx context.Context, env eventbus.Envelope, cause error) {
	payload, _ := env.DecodePayload()
	userID, _ := payload["user_id"].(string)
	_ = p.router.Emit(ctx, OrderCreateFailed, env.SagaID, map[string]any{
		"user_id": userID,
		"error":   cause.Error(),
	}, true)
}

func (p *OrderParticipant) handleDownstreamFailure(ctx context.Context, env eventbus.Envelope) error {
	orderID, ok := p.placed.take(env.SagaID)
	if !ok {
		return nil
	}
	return p.router.Emit(ctx, OrderDeleteRequested, env.SagaID, map[string]any{
		"order_id": orderID,
	}, true)
}

func (p *OrderParticipant) handleDeleteRequested(ctx context.Context, env eventbus.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	orderID, err := payloadString(payload, "order_id")
	if err != nil {
		return err
	}
	if err := p.orders.DeleteOrder(ctx, orderID); err != nil {
		return fmt.Errorf("delete order %s: %w", orderID, err)
	}
	payload["deleted"] = true
	return p.router.Emit(ctx, OrderDeleted, env.SagaID, payload, true)
}

// paymentCharge is the local record of a processed payment.
type paymentCharge struct {
	PaymentID string
	Amount    float64
}

// PaymentParticipant charges the payment once the order exists and refunds
// it when a later participant fails.
type PaymentParticipant struct {
	router   *Router
	payments services.PaymentService
	log      logger.Logger
	charged  sagaRecords[paymentCharge]
}

// NewPaymentParticipant wires the payment participant onto the router.
func NewPaymentParticipant(router *Router, payments services.PaymentService, log logger.Logger) (*PaymentParticipant, error) {
	if log == nil {
		log = logger.Global()
	}
	p := &PaymentParticipant{router: router, payments: payments, log: log, charged: newSagaRecords[paymentCharge]()}

	if err := router.Subscribe(OrderCreated, p.handleOrderCreated, p.emitPaymentFailed); err != nil {
		return nil, err
	}
	if err := router.Subscribe(PaymentRefundRequested, p.handleRefundRequested, nil); err != nil {
		return nil, err
	}
	for _, event := range otherFailures(PaymentFailed) {
		if err := router.Subscribe(event, p.handleDownstreamFailure, nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PaymentParticipant) handleOrderCreated(ctx context.Context, env eventbus.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	paymentID, err := payloadString(payload, "payment_id")
	if err != nil {
		return err
	}

	payment, err := p.payments.ProcessPayment(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("process payment %s: %w", paymentID, err)
	}

	p.charged.put(env.SagaID, paymentCharge{PaymentID: payment.ID, Amount: payment.Amount})
	payload["payment_status"] = payment.Status
	payload["transaction_id"] = payment.TransactionID
	payload["amount"] = payment.Amount
	return p.router.Emit(ctx, PaymentProcessed, env.SagaID, payload, false)
}

func (p *PaymentParticipant) emitPaymentFailed(ctx context.Context, env eventbus.Envelope, cause error) {
	payload, _ := env.DecodePayload()
	paymentID, _ := payload["payment_id"].(string)
	_ = p.router.Emit(ctx, PaymentFailed, env.SagaID, map[string]any{
		"payment_id": paymentID,
		"error":      cause.Error(),
	}, true)
}

func (p *PaymentParticipant) handleDownstreamFailure(ctx context.Context, env eventbus.Envelope) error {
	charge, ok := p.charged.take(env.SagaID)
	if !ok {
		return nil
	}
	return p.router.Emit(ctx, PaymentRefundRequested, env.SagaID, map[string]any{
		"payment_id": charge.PaymentID,
		"amount":     charge.Amount,
	}, true)
}

func (p *PaymentParticipant) handleRefundRequested(ctx context.Context, env eventbus.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	paymentID, err := payloadString(payload, "payment_id")
	if err != nil {
		return err
	}
	amount, err := payloadFloat(payload, "amount")
	if err != nil {
		return err
	}
	refund, err := p.payments.RefundPayment(ctx, paymentID, amount)
	if err != nil {
		return fmt.Errorf("refund payment %s: %w", paymentID, err)
	}
	payload["refund_id"] = refund.ID
	return p.router.Emit(ctx, PaymentRefunded, env.SagaID, payload, true)
}

// NotificationParticipant closes the chain by notifying the user.
type NotificationParticipant struct {
	router        *Router
	notifications services.NotificationService
	log           logger.Logger
}

// NewNotificationParticipant wires the notification participant onto the
// router.
func NewNotificationParticipant(router *Router, notifications services.NotificationService, log logger.Logger) (*NotificationParticipant, error) {
	if log == nil {
		log = logger.Global()
	}
	p := &NotificationParticipant{router: router, notifications: notifications, log: log}

	if err := router.Subscribe(PaymentProcessed, p.handlePaymentProcessed, p.emitSendFailed); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *NotificationParticipant) handlePaymentProcessed(ctx context.Context, env eventbus.Envelope) error {
	payload, err := env.DecodePayload()
	if err != nil {
		return err
	}
	userID, err := payloadString(payload, "user_id")
	if err != nil {
		return err
	}
	message, _ := payload["message"].(string)
	if message == "" {
		message = "your order has been placed"
	}

	notification, err := p.notifications.SendNotification(ctx, userID, message)
	if err != nil {
		return fmt.Errorf("notify user %s: %w", userID, err)
	}
	payload["notification_id"] = notification.ID
	return p.router.Emit(ctx, NotificationSent, env.SagaID, payload, false)
}

func (p *NotificationParticipant) emitSendFailed(ctx context.Context, env eventbus.Envelope, cause error) {
	payload, _ := env.DecodePayload()
	userID, _ := payload["user_id"].(string)
	_ = p.router.Emit(ctx, NotificationSendFailed, env.SagaID, map[string]any{
		"user_id": userID,
		"error":   cause.Error(),
	}, true)
}

// RegisterAll wires all five participants onto a router in one call.
func RegisterAll(router *Router, svcs Services, log logger.Logger) error {
	if _, err := NewUserParticipant(router, svcs.Users, log); err != nil {
		return err
	}
	if _, err := NewInventoryParticipant(router, svcs.Inventory, log); err != nil {
		return err
	}
	if _, err := NewOrderParticipant(router, svcs.Orders, log); err != nil {
		return err
	}
	if _, err := NewPaymentParticipant(router, svcs.Payments, log); err != nil {
		return err
	}
	if _, err := NewNotificationParticipant(router, svcs.Notifications, log); err != nil {
		return err
	}
	return nil
}

// Services bundles the collaborators the participants act on.
type Services struct {
	Users         services.UserService
	Inventory     services.InventoryService
	Orders        services.OrderService
	Payments      services.PaymentService
	Notifications services.NotificationService
}
