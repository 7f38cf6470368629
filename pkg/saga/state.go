package saga

import (
	"fmt"
	"time"
)

// Status defines the lifecycle of a saga record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

var validSagaTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusFailed:  {},
	},
	StatusRunning: {
		StatusCompleted:    {},
		StatusCompensating: {},
		StatusFailed:       {},
	},
	StatusCompensating: {
		StatusCompensated: {},
		StatusFailed:      {},
	},
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a transition is valid. Self-transitions are
// not valid; the state machine is strictly monotonic.
func (s Status) CanTransitionTo(next Status) bool {
	validNext, ok := validSagaTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// ValidateTransition validates a saga status transition.
func ValidateTransition(current, next Status) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// StepStatus defines the lifecycle of a single step record.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

var validStepTransitions = map[StepStatus]map[StepStatus]struct{}{
	StepStatusPending: {
		StepStatusRunning: {},
	},
	StepStatusRunning: {
		StepStatusCompleted: {},
		StepStatusFailed:    {},
	},
}

// CanTransitionTo checks whether a step status transition is valid.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	validNext, ok := validStepTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// Saga is one instance of a multi-step business transaction.
type Saga struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Status      Status         `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Step is one step within a saga's ordered plan. Result must carry every
// field its compensation later consumes; CompensationResult is kept separate
// so the forward result is never clobbered.
type Step struct {
	ID                 string         `json:"id"`
	SagaID             string         `json:"saga_id"`
	Name               StepName       `json:"name"`
	Sequence           int            `json:"sequence"`
	Status             StepStatus     `json:"status"`
	Result             map[string]any `json:"result,omitempty"`
	Errors             []string       `json:"errors,omitempty"`
	CompensationResult map[string]any `json:"compensation_result,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Compensated reports whether the step has a recorded compensation outcome.
func (s *Step) Compensated() bool {
	return s != nil && s.CompensationResult != nil
}

func cloneSaga(s *Saga) *Saga {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Data = copyMap(s.Data)
	if s.CompletedAt != nil {
		done := *s.CompletedAt
		clone.CompletedAt = &done
	}
	return &clone
}

func cloneStep(s *Step) *Step {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Result = copyMap(s.Result)
	clone.CompensationResult = copyMap(s.CompensationResult)
	clone.Errors = append([]string(nil), s.Errors...)
	return &clone
}

func copyMap(source map[string]any) map[string]any {
	if source == nil {
		return nil
	}
	copied := make(map[string]any, len(source))
	for k, v := range source {
		copied[k] = v
	}
	return copied
}
