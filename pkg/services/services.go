// Package services defines the external business collaborators a saga
// coordinates: user, inventory, order, payment, and notification. The engine
// only ever talks to these interfaces; the in-memory implementations back
// local runs and tests.
package services

import (
	"context"
	"errors"
)

// Not-found and precondition sentinels. Step executors translate these into
// business step failures.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrRefundNotFound       = errors.New("refund not found")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInsufficientStock    = errors.New("insufficient stock")
)

// User is a registered customer.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Reservation is a held quantity of one product.
type Reservation struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Order is a customer order.
type Order struct {
	ID     string  `json:"id"`
	UserID string  `json:"user_id"`
	Total  float64 `json:"total"`
	Status string  `json:"status"`
}

// Order statuses.
const (
	OrderStatusPending   = "pending"
	OrderStatusCancelled = "cancelled"
)

// Payment is a charge against an order.
type Payment struct {
	ID            string  `json:"id"`
	OrderID       string  `json:"order_id"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status"`
	TransactionID string  `json:"transaction_id"`
}

// Payment statuses.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusRefunded  = "refunded"
)

// Refund is a reversal of a completed payment.
type Refund struct {
	ID        string  `json:"id"`
	PaymentID string  `json:"payment_id"`
	Amount    float64 `json:"amount"`
}

// Notification is a message delivered to a user.
type Notification struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// UserService resolves users.
type UserService interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

// InventoryService holds and releases stock.
type InventoryService interface {
	ReserveInventory(ctx context.Context, productID string, quantity int) (*Reservation, error)
	ReleaseInventory(ctx context.Context, reservationID string) error
}

// OrderService manages order records.
type OrderService interface {
	CreateOrder(ctx context.Context, userID string, total float64) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) (*Order, error)
	DeleteOrder(ctx context.Context, orderID string) error
}

// PaymentService charges, refunds, and re-charges payments.
type PaymentService interface {
	ProcessPayment(ctx context.Context, paymentID string) (*Payment, error)
	RefundPayment(ctx context.Context, paymentID string, amount float64) (*Refund, error)
	RechargePayment(ctx context.Context, refundID string, amount float64) (*Payment, error)
}

// NotificationService delivers and retracts user notifications.
type NotificationService interface {
	SendNotification(ctx context.Context, userID, message string) (*Notification, error)
	CancelNotification(ctx context.Context, notificationID string) error
}
