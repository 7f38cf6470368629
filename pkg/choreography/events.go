// Package choreography realizes saga coordination without a central driver:
// each participant reacts to events, emits its own, and compensates itself
// when a failure event arrives for a saga it acted in.
package choreography

// Event is a typed saga coordination event. Its value is the stable wire
// subject every subscriber can rely on.
type Event string

// BroadcastAs returns the event's wire subject.
func (e Event) BroadcastAs() string { return string(e) }

// Kickoff and forward-chain events.
const (
	SagaOrderRequested Event = "saga.order.requested"
	UserValidated      Event = "user.validated"
	InventoryReserved  Event = "inventory.reserved"
	OrderCreated       Event = "order.created"
	PaymentProcessed   Event = "payment.processed"
	NotificationSent   Event = "notification.sent"
)

// Failure events. Earlier participants consume these and undo their own
// work if, and only if, they acted for the failing saga id.
const (
	UserValidationFailed    Event = "user.validation_failed"
	InventoryReserveFailed  Event = "inventory.reserve_failed"
	OrderCreateFailed       Event = "order.create_failed"
	PaymentFailed           Event = "payment.failed"
	NotificationSendFailed  Event = "notification.send_failed"
)

// Compensation events.
const (
	UserUnvalidated           Event = "user.unvalidated"
	InventoryReleaseRequested Event = "inventory.release_requested"
	InventoryReleased         Event = "inventory.released"
	OrderDeleteRequested      Event = "order.delete_requested"
	OrderDeleted              Event = "order.deleted"
	PaymentRefundRequested    Event = "payment.refund_requested"
	PaymentRefunded           Event = "payment.refunded"
)

// failureEvents is the set every participant watches to decide whether its
// own work must be undone.
var failureEvents = []Event{
	UserValidationFailed,
	InventoryReserveFailed,
	OrderCreateFailed,
	PaymentFailed,
	NotificationSendFailed,
}
