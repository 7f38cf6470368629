package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ListFilter controls saga list query behavior.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// StateStore provides durable CRUD for sagas and their steps. Every mutation
// is a single atomic update: concurrent readers never observe partial
// writes, and status changes are validated against the state machine inside
// the store so a lost race surfaces as ErrInvalidTransition instead of a
// silent overwrite.
type StateStore interface {
	CreateSaga(ctx context.Context, sagaType Type, data map[string]any) (*Saga, error)
	CreateSteps(ctx context.Context, sagaID string, names []StepName) ([]*Step, error)

	GetSaga(ctx context.Context, sagaID string) (*Saga, error)
	GetStep(ctx context.Context, stepID string) (*Step, error)
	ListSteps(ctx context.Context, sagaID string) ([]*Step, error)
	ListSagas(ctx context.Context, filter ListFilter) ([]*Saga, int, error)

	MarkStepRunning(ctx context.Context, stepID string) error
	MarkStepCompleted(ctx context.Context, stepID string, result map[string]any) error
	MarkStepFailed(ctx context.Context, stepID string, reason string) error
	AppendStepError(ctx context.Context, stepID string, reason string) error
	AppendCompensationResult(ctx context.Context, stepID string, result map[string]any) error

	SetSagaStatus(ctx context.Context, sagaID string, status Status, errMsg string) error
}

// MemoryStateStore is an in-memory StateStore implementation.
type MemoryStateStore struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
	steps map[string]*Step
	// bySaga keeps step IDs in plan order per saga.
	bySaga map[string][]string
}

// NewMemoryStateStore creates an in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		sagas:  make(map[string]*Saga),
		steps:  make(map[string]*Step),
		bySaga: make(map[string][]string),
	}
}

// CreateSaga creates a pending saga record.
func (s *MemoryStateStore) CreateSaga(_ context.Context, sagaType Type, data map[string]any) (*Saga, error) {
	now := time.Now().UTC()
	record := &Saga{
		ID:        uuid.NewString(),
		Type:      sagaType,
		Status:    StatusPending,
		Data:      copyMap(data),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sagas[record.ID] = record
	s.mu.Unlock()
	return cloneSaga(record), nil
}

// CreateSteps creates the ordered pending step plan for a saga.
func (s *MemoryStateStore) CreateSteps(_ context.Context, sagaID string, names []StepName) ([]*Step, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("step plan cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[sagaID]; !ok {
		return nil, ErrSagaNotFound
	}

	now := time.Now().UTC()
	created := make([]*Step, 0, len(names))
	for i, name := range names {
		step := &Step{
			ID:        uuid.NewString(),
			SagaID:    sagaID,
			Name:      name,
			Sequence:  i,
			Status:    StepStatusPending,
			UpdatedAt: now,
		}
		s.steps[step.ID] = step
		s.bySaga[sagaID] = append(s.bySaga[sagaID], step.ID)
		created = append(created, cloneStep(step))
	}
	return created, nil
}

// GetSaga gets one saga by id.
func (s *MemoryStateStore) GetSaga(_ context.Context, sagaID string) (*Saga, error) {
	s.mu.RLock()
	record, ok := s.sagas[sagaID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSagaNotFound
	}
	return cloneSaga(record), nil
}

// GetStep gets one step by id.
func (s *MemoryStateStore) GetStep(_ context.Context, stepID string) (*Step, error) {
	s.mu.RLock()
	record, ok := s.steps[stepID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrStepNotFound
	}
	return cloneStep(record), nil
}

// ListSteps lists a saga's steps in sequence order.
func (s *MemoryStateStore) ListSteps(_ context.Context, sagaID string) ([]*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sagas[sagaID]; !ok {
		return nil, ErrSagaNotFound
	}

	ids := s.bySaga[sagaID]
	steps := make([]*Step, 0, len(ids))
	for _, id := range ids {
		if step, ok := s.steps[id]; ok {
			steps = append(steps, cloneStep(step))
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })
	return steps, nil
}

// ListSagas lists sagas with optional status filter and pagination.
func (s *MemoryStateStore) ListSagas(_ context.Context, filter ListFilter) ([]*Saga, int, error) {
	s.mu.RLock()
	all := make([]*Saga, 0, len(s.sagas))
	for _, record := range s.sagas {
		if filter.Status != "" && string(record.Status) != filter.Status {
			continue
		}
		all = append(all, cloneSaga(record))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginateSagas(all, filter)
}

// MarkStepRunning transitions a step from pending to running.
func (s *MemoryStateStore) MarkStepRunning(_ context.Context, stepID string) error {
	return s.updateStep(stepID, func(step *Step) error {
		if !step.Status.CanTransitionTo(StepStatusRunning) {
			return fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, step.Name, step.Status, StepStatusRunning)
		}
		step.Status = StepStatusRunning
		return nil
	})
}

// MarkStepCompleted records a step's forward result atomically.
func (s *MemoryStateStore) MarkStepCompleted(_ context.Context, stepID string, result map[string]any) error {
	return s.updateStep(stepID, func(step *Step) error {
		if !step.Status.CanTransitionTo(StepStatusCompleted) {
			return fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, step.Name, step.Status, StepStatusCompleted)
		}
		step.Status = StepStatusCompleted
		step.Result = copyMap(result)
		return nil
	})
}

// MarkStepFailed records a step's terminal failure.
func (s *MemoryStateStore) MarkStepFailed(_ context.Context, stepID string, reason string) error {
	return s.updateStep(stepID, func(step *Step) error {
		if !step.Status.CanTransitionTo(StepStatusFailed) {
			return fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, step.Name, step.Status, StepStatusFailed)
		}
		step.Status = StepStatusFailed
		step.Errors = append(step.Errors, reason)
		return nil
	})
}

// AppendStepError appends to the step's error trail without touching status.
func (s *MemoryStateStore) AppendStepError(_ context.Context, stepID string, reason string) error {
	return s.updateStep(stepID, func(step *Step) error {
		step.Errors = append(step.Errors, reason)
		return nil
	})
}

// AppendCompensationResult merges a compensation outcome into the step
// record, leaving the forward result untouched.
func (s *MemoryStateStore) AppendCompensationResult(_ context.Context, stepID string, result map[string]any) error {
	return s.updateStep(stepID, func(step *Step) error {
		if step.CompensationResult == nil {
			step.CompensationResult = make(map[string]any, len(result))
		}
		for k, v := range result {
			step.CompensationResult[k] = v
		}
		return nil
	})
}

// SetSagaStatus applies a validated saga status transition.
func (s *MemoryStateStore) SetSagaStatus(_ context.Context, sagaID string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sagas[sagaID]
	if !ok {
		return ErrSagaNotFound
	}
	if err := ValidateTransition(record.Status, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	record.Status = status
	record.UpdatedAt = now
	if errMsg != "" {
		record.Error = errMsg
	}
	if status.IsTerminal() {
		done := now
		record.CompletedAt = &done
	}
	return nil
}

func (s *MemoryStateStore) updateStep(stepID string, mutate func(*Step) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepID]
	if !ok {
		return ErrStepNotFound
	}
	if err := mutate(step); err != nil {
		return err
	}
	step.UpdatedAt = time.Now().UTC()
	return nil
}

func paginateSagas(all []*Saga, filter ListFilter) ([]*Saga, int, error) {
	total := len(all)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return all[offset:end], total, nil
}
