package saga

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across store implementations and the orchestrator.
var (
	// ErrSagaNotFound is returned when a saga record cannot be located.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrStepNotFound is returned when a step record cannot be located.
	ErrStepNotFound = errors.New("saga step not found")
	// ErrInvalidTransition is returned for state machine violations.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrOrchestration marks orchestration-level failures: missing or
	// corrupt records at dispatch time, unknown saga types. Sagas hitting
	// it terminate as failed, distinct from business step failures.
	ErrOrchestration = errors.New("orchestration failure")
)

// StepFailure is a business failure of a forward step: a precondition
// violation or a collaborator error. The dispatcher retries it up to the
// configured attempt budget before compensation starts.
type StepFailure struct {
	Reason string
}

// NewStepFailure creates a StepFailure with a formatted reason.
func NewStepFailure(format string, args ...any) *StepFailure {
	return &StepFailure{Reason: fmt.Sprintf(format, args...)}
}

func (f *StepFailure) Error() string {
	return "step failure: " + f.Reason
}

// WrapStepFailure converts an arbitrary collaborator error into a
// StepFailure, passing existing StepFailures through unchanged.
func WrapStepFailure(err error) *StepFailure {
	if err == nil {
		return nil
	}
	var failure *StepFailure
	if errors.As(err, &failure) {
		return failure
	}
	return &StepFailure{Reason: err.Error()}
}

// CompensationFailure records a failed compensating action. It is appended
// to the step's error trail and never blocks sibling compensations.
type CompensationFailure struct {
	Step   StepName
	Reason string
}

func (f *CompensationFailure) Error() string {
	return fmt.Sprintf("compensation %s failed: %s", f.Step, f.Reason)
}
