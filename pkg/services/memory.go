package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// faultSet injects scripted failures per operation name and counts calls.
// Tests script a failure once, run a saga, and assert on call counts to prove
// a compensation ran exactly once.
type faultSet struct {
	mu       sync.Mutex
	failures map[string]error
	calls    map[string]int
}

func newFaultSet() faultSet {
	return faultSet{
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetFailure makes every subsequent call to op fail with err. A nil err
// clears the fault.
func (f *faultSet) SetFailure(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Calls reports how many times op was invoked.
func (f *faultSet) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *faultSet) trip(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.failures[op]
}

// MemoryUserService is an in-memory UserService.
type MemoryUserService struct {
	faultSet
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryUserService creates an empty user service.
func NewMemoryUserService() *MemoryUserService {
	return &MemoryUserService{faultSet: newFaultSet(), users: make(map[string]*User)}
}

// AddUser registers a user.
func (s *MemoryUserService) AddUser(user User) {
	s.mu.Lock()
	s.users[user.ID] = &user
	s.mu.Unlock()
}

// GetUser resolves a user by id.
func (s *MemoryUserService) GetUser(_ context.Context, userID string) (*User, error) {
	if err := s.trip("get_user"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	user, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	copied := *user
	return &copied, nil
}

// MemoryInventoryService is an in-memory InventoryService. Products with no
// seeded stock level are treated as unlimited so local runs do not need a
// full catalog.
type MemoryInventoryService struct {
	faultSet
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]*Reservation
}

// NewMemoryInventoryService creates an inventory service with no seeded stock.
func NewMemoryInventoryService() *MemoryInventoryService {
	return &MemoryInventoryService{
		faultSet:     newFaultSet(),
		stock:        make(map[string]int),
		reservations: make(map[string]*Reservation),
	}
}

// SetStock seeds the available quantity for a product.
func (s *MemoryInventoryService) SetStock(productID string, quantity int) {
	s.mu.Lock()
	s.stock[productID] = quantity
	s.mu.Unlock()
}

// ReserveInventory holds quantity units of a product.
func (s *MemoryInventoryService) ReserveInventory(_ context.Context, productID string, quantity int) (*Reservation, error) {
	if err := s.trip("reserve_inventory"); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if available, tracked := s.stock[productID]; tracked {
		if available < quantity {
			return nil, fmt.Errorf("%w: product %s has %d, requested %d", ErrInsufficientStock, productID, available, quantity)
		}
		s.stock[productID] = available - quantity
	}

	reservation := &Reservation{
		ID:        uuid.NewString(),
		ProductID: productID,
		Quantity:  quantity,
	}
	s.reservations[reservation.ID] = reservation
	copied := *reservation
	return &copied, nil
}

// ReleaseInventory returns a reservation's quantity to stock.
func (s *MemoryInventoryService) ReleaseInventory(_ context.Context, reservationID string) error {
	if err := s.trip("release_inventory"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	reservation, ok := s.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	delete(s.reservations, reservationID)
	if _, tracked := s.stock[reservation.ProductID]; tracked {
		s.stock[reservation.ProductID] += reservation.Quantity
	}
	return nil
}

// Reserved reports the currently held quantity for a product.
func (s *MemoryInventoryService) Reserved(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, r := range s.reservations {
		if r.ProductID == productID {
			total += r.Quantity
		}
	}
	return total
}

// MemoryOrderService is an in-memory OrderService.
type MemoryOrderService struct {
	faultSet
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryOrderService creates an empty order service.
func NewMemoryOrderService() *MemoryOrderService {
	return &MemoryOrderService{faultSet: newFaultSet(), orders: make(map[string]*Order)}
}

// AddOrder seeds an existing order record.
func (s *MemoryOrderService) AddOrder(order Order) {
	s.mu.Lock()
	s.orders[order.ID] = &order
	s.mu.Unlock()
}

// CreateOrder creates a pending order.
func (s *MemoryOrderService) CreateOrder(_ context.Context, userID string, total float64) (*Order, error) {
	if err := s.trip("create_order"); err != nil {
		return nil, err
	}

	order := &Order{
		ID:     uuid.NewString(),
		UserID: userID,
		Total:  total,
		Status: OrderStatusPending,
	}
	s.mu.Lock()
	s.orders[order.ID] = order
	s.mu.Unlock()
	copied := *order
	return &copied, nil
}

// GetOrder resolves an order by id.
func (s *MemoryOrderService) GetOrder(_ context.Context, orderID string) (*Order, error) {
	if err := s.trip("get_order"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	order, ok := s.orders[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	copied := *order
	return &copied, nil
}

// UpdateOrderStatus sets an order's status and returns the updated record.
func (s *MemoryOrderService) UpdateOrderStatus(_ context.Context, orderID, status string) (*Order, error) {
	if err := s.trip("update_order_status"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	order.Status = status
	copied := *order
	return &copied, nil
}

// DeleteOrder removes an order record.
func (s *MemoryOrderService) DeleteOrder(_ context.Context, orderID string) error {
	if err := s.trip("delete_order"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	delete(s.orders, orderID)
	return nil
}

// MemoryPaymentService is an in-memory PaymentService.
type MemoryPaymentService struct {
	faultSet
	mu       sync.Mutex
	payments map[string]*Payment
	refunds  map[string]*Refund
}

// NewMemoryPaymentService creates an empty payment service.
func NewMemoryPaymentService() *MemoryPaymentService {
	return &MemoryPaymentService{
		faultSet: newFaultSet(),
		payments: make(map[string]*Payment),
		refunds:  make(map[string]*Refund),
	}
}

// CreatePayment seeds a pending payment for an order and returns it.
func (s *MemoryPaymentService) CreatePayment(orderID string, amount float64) *Payment {
	payment := &Payment{
		ID:      uuid.NewString(),
		OrderID: orderID,
		Amount:  amount,
		Status:  PaymentStatusPending,
	}
	s.mu.Lock()
	s.payments[payment.ID] = payment
	s.mu.Unlock()
	copied := *payment
	return &copied
}

// ProcessPayment completes a pending payment and assigns a transaction id.
func (s *MemoryPaymentService) ProcessPayment(_ context.Context, paymentID string) (*Payment, error) {
	if err := s.trip("process_payment"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	if payment.Status == PaymentStatusCompleted {
		copied := *payment
		return &copied, nil
	}
	payment.Status = PaymentStatusCompleted
	payment.TransactionID = "txn-" + uuid.NewString()
	copied := *payment
	return &copied, nil
}

// RefundPayment reverses a completed payment.
func (s *MemoryPaymentService) RefundPayment(_ context.Context, paymentID string, amount float64) (*Refund, error) {
	if err := s.trip("refund_payment"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	if payment.Status != PaymentStatusCompleted {
		return nil, fmt.Errorf("payment %s is %s, only completed payments can be refunded", paymentID, payment.Status)
	}

	payment.Status = PaymentStatusRefunded
	refund := &Refund{
		ID:        uuid.NewString(),
		PaymentID: paymentID,
		Amount:    amount,
	}
	s.refunds[refund.ID] = refund
	copied := *refund
	return &copied, nil
}

// RechargePayment undoes a refund, restoring the payment to completed.
func (s *MemoryPaymentService) RechargePayment(_ context.Context, refundID string, amount float64) (*Payment, error) {
	if err := s.trip("recharge_payment"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	refund, ok := s.refunds[refundID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRefundNotFound, refundID)
	}
	payment, ok := s.payments[refund.PaymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, refund.PaymentID)
	}

	delete(s.refunds, refundID)
	payment.Status = PaymentStatusCompleted
	copied := *payment
	return &copied, nil
}

// Payment returns a copy of a payment record for assertions.
func (s *MemoryPaymentService) Payment(paymentID string) (*Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, false
	}
	copied := *payment
	return &copied, true
}

// MemoryNotificationService is an in-memory NotificationService.
type MemoryNotificationService struct {
	faultSet
	mu            sync.Mutex
	notifications map[string]*Notification
}

// NewMemoryNotificationService creates an empty notification service.
func NewMemoryNotificationService() *MemoryNotificationService {
	return &MemoryNotificationService{
		faultSet:      newFaultSet(),
		notifications: make(map[string]*Notification),
	}
}

// SendNotification delivers a message to a user.
func (s *MemoryNotificationService) SendNotification(_ context.Context, userID, message string) (*Notification, error) {
	if err := s.trip("send_notification"); err != nil {
		return nil, err
	}

	notification := &Notification{
		ID:      uuid.NewString(),
		UserID:  userID,
		Message: message,
	}
	s.mu.Lock()
	s.notifications[notification.ID] = notification
	s.mu.Unlock()
	copied := *notification
	return &copied, nil
}

// CancelNotification retracts a previously sent notification.
func (s *MemoryNotificationService) CancelNotification(_ context.Context, notificationID string) error {
	if err := s.trip("cancel_notification"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[notificationID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, notificationID)
	}
	delete(s.notifications, notificationID)
	return nil
}
