// Package saga provides orchestration-based distributed transaction
// primitives: a per-saga state machine, asynchronous step execution with
// bounded retries, and reverse-order compensation of completed steps.
package saga

import "fmt"

// Type identifies a saga kind with a fixed ordered step plan.
type Type string

const (
	TypeCreateOrder Type = "create_order"
	TypeCancelOrder Type = "cancel_order"
)

// StepName identifies one executable step. The set is closed; dispatch
// switches over these constants and treats anything else as an
// orchestration error rather than a runtime panic.
type StepName string

// Forward steps.
const (
	StepValidateUser     StepName = "validate_user"
	StepReserveInventory StepName = "reserve_inventory"
	StepCreateOrder      StepName = "create_order"
	StepProcessPayment   StepName = "process_payment"
	StepSendNotification StepName = "send_notification"

	StepValidateOrder StepName = "validate_order"
	StepCancelOrder   StepName = "cancel_order"
	StepRefundPayment StepName = "refund_payment"
)

// Compensating steps.
const (
	StepUnvalidateUser     StepName = "unvalidate_user"
	StepReleaseInventory   StepName = "release_inventory"
	StepDeleteOrder        StepName = "delete_order"
	StepCancelNotification StepName = "cancel_notification"

	StepUnvalidateOrder    StepName = "unvalidate_order"
	StepRestoreOrderStatus StepName = "restore_order_status"
	StepRechargePayment    StepName = "recharge_payment"
)

var sagaPlans = map[Type][]StepName{
	TypeCreateOrder: {
		StepValidateUser,
		StepReserveInventory,
		StepCreateOrder,
		StepProcessPayment,
		StepSendNotification,
	},
	TypeCancelOrder: {
		StepValidateOrder,
		StepCancelOrder,
		StepRefundPayment,
		StepSendNotification,
	},
}

// PlanFor returns the ordered step plan for a saga type.
func PlanFor(sagaType Type) ([]StepName, error) {
	plan, ok := sagaPlans[sagaType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown saga type %q", ErrOrchestration, sagaType)
	}
	return append([]StepName(nil), plan...), nil
}

// KnownType reports whether the saga type has a registered plan.
func KnownType(sagaType Type) bool {
	_, ok := sagaPlans[sagaType]
	return ok
}

// Payload field extraction. Step inputs and results travel as maps; each
// executor branch constrains the fields it needs to be present and
// well-typed, turning violations into step failures.

func stringField(payload map[string]any, key string) (string, error) {
	raw, ok := payload[key]
	if !ok {
		return "", NewStepFailure("missing required field %q", key)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", NewStepFailure("field %q must be a non-empty string", key)
	}
	return value, nil
}

func intField(payload map[string]any, key string) (int, error) {
	raw, ok := payload[key]
	if !ok {
		return 0, NewStepFailure("missing required field %q", key)
	}
	switch value := raw.(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		// JSON numbers decode as float64.
		return int(value), nil
	default:
		return 0, NewStepFailure("field %q must be an integer", key)
	}
}

func floatField(payload map[string]any, key string) (float64, error) {
	raw, ok := payload[key]
	if !ok {
		return 0, NewStepFailure("missing required field %q", key)
	}
	switch value := raw.(type) {
	case float64:
		return value, nil
	case int:
		return float64(value), nil
	case int64:
		return float64(value), nil
	default:
		return 0, NewStepFailure("field %q must be a number", key)
	}
}

func optionalStringField(payload map[string]any, key, fallback string) string {
	if raw, ok := payload[key]; ok {
		if value, ok := raw.(string); ok && value != "" {
			return value
		}
	}
	return fallback
}
