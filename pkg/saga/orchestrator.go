package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

// Default execution budgets.
const (
	DefaultStepAttempts        = 3
	DefaultStepTimeout         = 300 * time.Second
	DefaultFinalizeTimeout     = 60 * time.Second
	DefaultCompensationRetries = 3
)

// Observer receives saga and step lifecycle transitions. Implementations
// must be fast and non-blocking; they run on the engine's worker goroutines.
type Observer interface {
	OnSagaTransition(saga *Saga)
	OnStepTransition(sagaID string, step *Step)
}

// View is the caller-facing snapshot of one saga and its steps.
type View struct {
	Saga  *Saga   `json:"saga"`
	Steps []*Step `json:"steps"`
}

// Orchestrator drives sagas forward step by step and unwinds completed
// steps in reverse order when a step fails for good.
//
// Within one saga, execution is strictly sequential: the next step is only
// dispatched after the previous outcome is durably recorded, so step records
// have a single writer by construction. Across sagas the dispatcher runs
// fully parallel.
type Orchestrator struct {
	store       StateStore
	executor    *StepExecutor
	compensator *CompensationExecutor
	registry    *CompensationRegistry
	idempotency IdempotencyStore
	dispatcher  *Dispatcher
	log         logger.Logger
	metrics     MetricsRecorder
	observers   []Observer

	stepAttempts        int
	stepTimeout         time.Duration
	finalizeTimeout     time.Duration
	compensationRetries int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(log logger.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics sets the telemetry recorder.
func WithMetrics(metrics MetricsRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(observer Observer) OrchestratorOption {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithIdempotencyStore sets the compensation idempotency store.
func WithIdempotencyStore(store IdempotencyStore) OrchestratorOption {
	return func(o *Orchestrator) {
		if store != nil {
			o.idempotency = store
		}
	}
}

// WithStepRetryPolicy overrides the per-step attempt budget and timeout.
func WithStepRetryPolicy(attempts int, timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.stepAttempts = attempts
		}
		if timeout > 0 {
			o.stepTimeout = timeout
		}
	}
}

// WithFinalizeTimeout overrides the finalization task timeout.
func WithFinalizeTimeout(timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.finalizeTimeout = timeout
		}
	}
}

// WithCompensationRetries overrides the per-compensation attempt budget
// before the abandonment policy skips the step.
func WithCompensationRetries(retries int) OrchestratorOption {
	return func(o *Orchestrator) {
		if retries > 0 {
			o.compensationRetries = retries
		}
	}
}

// NewOrchestrator wires an orchestrator from explicit collaborators. The
// dispatcher's lifecycle stays with the caller; start it before the first
// saga and stop it on shutdown.
func NewOrchestrator(executor *StepExecutor, compensator *CompensationExecutor, store StateStore, dispatcher *Dispatcher, opts ...OrchestratorOption) (*Orchestrator, error) {
	if executor == nil {
		return nil, fmt.Errorf("step executor cannot be nil")
	}
	if compensator == nil {
		return nil, fmt.Errorf("compensation executor cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}

	o := &Orchestrator{
		store:               store,
		executor:            executor,
		compensator:         compensator,
		registry:            NewCompensationRegistry(),
		idempotency:         NewMemoryIdempotencyStore(),
		dispatcher:          dispatcher,
		log:                 logger.Global(),
		metrics:             NopMetricsRecorder{},
		stepAttempts:        DefaultStepAttempts,
		stepTimeout:         DefaultStepTimeout,
		finalizeTimeout:     DefaultFinalizeTimeout,
		compensationRetries: DefaultCompensationRetries,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start creates a saga with its ordered step plan and dispatches the first
// step. It returns as soon as the kickoff is durably recorded; progress is
// observable only through Status.
func (o *Orchestrator) Start(ctx context.Context, sagaType Type, data map[string]any) (string, error) {
	plan, err := PlanFor(sagaType)
	if err != nil {
		return "", err
	}

	record, err := o.store.CreateSaga(ctx, sagaType, data)
	if err != nil {
		return "", fmt.Errorf("create saga: %w", err)
	}
	steps, err := o.store.CreateSteps(ctx, record.ID, plan)
	if err != nil {
		return "", fmt.Errorf("create steps: %w", err)
	}
	if err := o.transitionSaga(ctx, record.ID, StatusRunning, ""); err != nil {
		return "", err
	}

	o.metrics.SagaStarted(string(sagaType))
	o.log.InfoContext(ctx, "saga started",
		"saga_id", record.ID, "type", sagaType, "steps", len(steps))

	if err := o.dispatchStep(record.ID, steps[0]); err != nil {
		o.failSaga(ctx, record.ID, err)
		return "", err
	}
	return record.ID, nil
}

// Status returns the saga and its steps in execution order.
func (o *Orchestrator) Status(ctx context.Context, sagaID string) (*View, error) {
	record, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	steps, err := o.store.ListSteps(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return &View{Saga: record, Steps: steps}, nil
}

// CompleteStep records a step's forward result and advances the saga: the
// next pending step is dispatched, or the saga finalizes as completed when
// no steps remain. Calling it twice for the same step is a no-op, so a
// duplicate signal cannot double-dispatch the successor.
func (o *Orchestrator) CompleteStep(ctx context.Context, sagaID, stepID string, result map[string]any) error {
	if err := o.store.MarkStepCompleted(ctx, stepID, result); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}
	o.metrics.StepExecuted(o.stepName(ctx, stepID), true)
	o.notifyStep(ctx, sagaID, stepID)

	steps, err := o.store.ListSteps(ctx, sagaID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status == StepStatusPending {
			return o.dispatchStep(sagaID, step)
		}
	}
	return o.submitFinalize(sagaID, "finalize:complete", func(ctx context.Context) error {
		return o.completeSaga(ctx, sagaID)
	})
}

// FailStep records a terminal step failure, moves the saga to compensating,
// and schedules the reverse-order unwind of every completed step. It is
// idempotent: once the saga has left running, further calls are no-ops and
// never duplicate compensation dispatches.
func (o *Orchestrator) FailStep(ctx context.Context, sagaID, stepID string, cause error) error {
	reason := "step failed"
	if cause != nil {
		reason = cause.Error()
	}

	if err := o.store.MarkStepFailed(ctx, stepID, reason); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	o.metrics.StepExecuted(o.stepName(ctx, stepID), false)
	o.notifyStep(ctx, sagaID, stepID)

	if err := o.store.SetSagaStatus(ctx, sagaID, StatusCompensating, reason); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Already compensating or terminal. The first caller owns
			// the unwind.
			return nil
		}
		return err
	}
	o.notifySaga(ctx, sagaID)
	o.log.WarnContext(ctx, "saga compensating", "saga_id", sagaID, "reason", reason)

	return o.submitFinalize(sagaID, "finalize:compensate", func(ctx context.Context) error {
		return o.compensateSaga(ctx, sagaID)
	})
}

func (o *Orchestrator) dispatchStep(sagaID string, step *Step) error {
	stepID := step.ID
	name := step.Name
	err := o.dispatcher.Submit(Task{
		Name:        "step:" + string(name),
		SagaID:      sagaID,
		MaxAttempts: o.stepAttempts,
		Timeout:     o.stepTimeout,
		Retryable:   retryableStepError,
		Fn: func(ctx context.Context, attempt int) error {
			return o.runStep(ctx, sagaID, stepID, attempt)
		},
		OnExhausted: func(ctx context.Context, err error) {
			o.handleExhaustedStep(ctx, sagaID, stepID, err)
		},
	})
	if err != nil {
		return fmt.Errorf("%w: dispatch step %s: %v", ErrOrchestration, name, err)
	}
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, sagaID, stepID string, attempt int) error {
	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("%w: load step %s: %v", ErrOrchestration, stepID, err)
	}
	record, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("%w: load saga %s: %v", ErrOrchestration, sagaID, err)
	}

	if step.Status == StepStatusPending {
		if err := o.store.MarkStepRunning(ctx, stepID); err != nil {
			return fmt.Errorf("%w: mark step running: %v", ErrOrchestration, err)
		}
		o.notifyStep(ctx, sagaID, stepID)
	}

	o.log.DebugContext(ctx, "executing step",
		"saga_id", sagaID, "step", step.Name, "attempt", attempt)

	result, err := o.executor.Execute(ctx, step.Name, record.Data)
	if err != nil {
		if appendErr := o.store.AppendStepError(ctx, stepID, err.Error()); appendErr != nil {
			o.log.ErrorContext(ctx, "failed to record step error",
				"saga_id", sagaID, "step_id", stepID, "error", appendErr)
		}
		return err
	}
	return o.CompleteStep(ctx, sagaID, stepID, result)
}

// handleExhaustedStep routes a spent attempt budget to the right terminal
// path: orchestration errors fail the saga outright, business failures and
// timeouts start compensation.
func (o *Orchestrator) handleExhaustedStep(ctx context.Context, sagaID, stepID string, cause error) {
	if errors.Is(cause, ErrOrchestration) || errors.Is(cause, ErrSagaNotFound) || errors.Is(cause, ErrStepNotFound) {
		o.failSaga(ctx, sagaID, cause)
		return
	}
	if err := o.FailStep(ctx, sagaID, stepID, cause); err != nil {
		o.log.ErrorContext(ctx, "failed to fail step",
			"saga_id", sagaID, "step_id", stepID, "error", err)
	}
}

func (o *Orchestrator) submitFinalize(sagaID, name string, fn func(ctx context.Context) error) error {
	err := o.dispatcher.Submit(Task{
		Name:        name,
		SagaID:      sagaID,
		MaxAttempts: 1,
		Timeout:     o.finalizeTimeout,
		Fn: func(ctx context.Context, _ int) error {
			return fn(ctx)
		},
		OnExhausted: func(ctx context.Context, err error) {
			o.failSaga(ctx, sagaID, fmt.Errorf("%w: %s: %v", ErrOrchestration, name, err))
		},
	})
	if err != nil {
		return fmt.Errorf("%w: submit %s: %v", ErrOrchestration, name, err)
	}
	return nil
}

func (o *Orchestrator) completeSaga(ctx context.Context, sagaID string) error {
	if err := o.transitionSaga(ctx, sagaID, StatusCompleted, ""); err != nil {
		return err
	}
	o.recordFinished(ctx, sagaID)
	o.log.InfoContext(ctx, "saga completed", "saga_id", sagaID)
	return nil
}

// compensateSaga walks completed steps in strict reverse execution order and
// runs each one's compensation with a bounded retry budget. A compensation
// that exhausts its budget is recorded in the step's error trail and
// skipped; siblings still run, and the saga always reaches compensated.
func (o *Orchestrator) compensateSaga(ctx context.Context, sagaID string) error {
	steps, err := o.store.ListSteps(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("%w: list steps: %v", ErrOrchestration, err)
	}

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Status != StepStatusCompleted {
			continue
		}
		o.compensateStep(ctx, sagaID, step)
	}

	if err := o.transitionSaga(ctx, sagaID, StatusCompensated, ""); err != nil {
		return err
	}
	o.recordFinished(ctx, sagaID)
	o.log.InfoContext(ctx, "saga compensated", "saga_id", sagaID)
	return nil
}

func (o *Orchestrator) compensateStep(ctx context.Context, sagaID string, step *Step) {
	compensating, ok := o.registry.CompensationFor(step.Name)
	if !ok {
		o.log.InfoContext(ctx, "no compensation registered, skipping",
			"saga_id", sagaID, "step", step.Name)
		return
	}

	done, err := o.idempotency.Compensated(ctx, sagaID, step.Name)
	if err != nil {
		o.log.ErrorContext(ctx, "idempotency lookup failed, compensating anyway",
			"saga_id", sagaID, "step", step.Name, "error", err)
	}
	if done {
		o.log.DebugContext(ctx, "compensation already recorded, skipping",
			"saga_id", sagaID, "step", step.Name)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= o.compensationRetries; attempt++ {
		result, execErr := o.compensator.Execute(ctx, compensating, step.Result)
		if execErr == nil {
			if err := o.store.AppendCompensationResult(ctx, step.ID, result); err != nil {
				o.log.ErrorContext(ctx, "failed to record compensation result",
					"saga_id", sagaID, "step", step.Name, "error", err)
			}
			if err := o.idempotency.MarkCompensated(ctx, sagaID, step.Name); err != nil {
				o.log.ErrorContext(ctx, "failed to mark compensation",
					"saga_id", sagaID, "step", step.Name, "error", err)
			}
			o.metrics.CompensationExecuted(string(compensating), true)
			o.notifyStep(ctx, sagaID, step.ID)
			return
		}

		lastErr = execErr
		if err := o.store.AppendStepError(ctx, step.ID, execErr.Error()); err != nil {
			o.log.ErrorContext(ctx, "failed to record compensation error",
				"saga_id", sagaID, "step", step.Name, "error", err)
		}
		o.metrics.CompensationExecuted(string(compensating), false)
	}

	// Abandonment policy: the budget is spent, the failure is on the step's
	// error trail for operator remediation, siblings still get their turn.
	o.log.ErrorContext(ctx, "compensation abandoned after retries",
		"saga_id", sagaID, "step", step.Name,
		"compensation", compensating, "error", lastErr)
	o.notifyStep(ctx, sagaID, step.ID)
}

func (o *Orchestrator) failSaga(ctx context.Context, sagaID string, cause error) {
	reason := "orchestration failure"
	if cause != nil {
		reason = cause.Error()
	}
	if err := o.store.SetSagaStatus(ctx, sagaID, StatusFailed, reason); err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			o.log.ErrorContext(ctx, "failed to mark saga failed",
				"saga_id", sagaID, "error", err)
		}
		return
	}
	o.notifySaga(ctx, sagaID)
	o.recordFinished(ctx, sagaID)
	o.log.ErrorContext(ctx, "saga failed", "saga_id", sagaID, "reason", reason)
}

func (o *Orchestrator) transitionSaga(ctx context.Context, sagaID string, status Status, errMsg string) error {
	if err := o.store.SetSagaStatus(ctx, sagaID, status, errMsg); err != nil {
		return err
	}
	o.notifySaga(ctx, sagaID)
	return nil
}

func (o *Orchestrator) recordFinished(ctx context.Context, sagaID string) {
	record, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return
	}
	o.metrics.SagaFinished(string(record.Type), string(record.Status),
		time.Since(record.CreatedAt).Seconds())
}

func (o *Orchestrator) notifySaga(ctx context.Context, sagaID string) {
	if len(o.observers) == 0 {
		return
	}
	record, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return
	}
	for _, observer := range o.observers {
		observer.OnSagaTransition(record)
	}
}

func (o *Orchestrator) notifyStep(ctx context.Context, sagaID, stepID string) {
	if len(o.observers) == 0 {
		return
	}
	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		return
	}
	for _, observer := range o.observers {
		observer.OnStepTransition(sagaID, step)
	}
}

func (o *Orchestrator) stepName(ctx context.Context, stepID string) string {
	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		return "unknown"
	}
	return string(step.Name)
}

func retryableStepError(err error) bool {
	var failure *StepFailure
	if errors.As(err, &failure) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
