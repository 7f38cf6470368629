package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	sagaKeyPrefix       = "saga:"
	stepKeyPrefix       = "step:"
	stepIndexPrefix     = "saga-steps:"
	sagaStatusIdxPrefix = "saga-index:status:"
)

// BadgerStateStore stores sagas and steps in Badger. Each mutation is one
// read-modify-write transaction, so the atomicity guarantees of StateStore
// come directly from Badger's transactional writes.
type BadgerStateStore struct {
	db *badger.DB
}

// NewBadgerStateStore creates a Badger-backed state store.
func NewBadgerStateStore(db *badger.DB) (*BadgerStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerStateStore{db: db}, nil
}

// CreateSaga persists a pending saga record and its status index entry.
func (s *BadgerStateStore) CreateSaga(ctx context.Context, sagaType Type, data map[string]any) (*Saga, error) {
	now := time.Now().UTC()
	record := &Saga{
		ID:        uuid.NewString(),
		Type:      sagaType,
		Status:    StatusPending,
		Data:      copyMap(data),
		CreatedAt: now,
		UpdatedAt: now,
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal saga: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if err := txn.Set([]byte(sagaDataKey(record.ID)), encoded); err != nil {
			return err
		}
		return txn.Set([]byte(sagaStatusIndexKey(string(record.Status), record.ID)), []byte{})
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// CreateSteps persists the ordered pending step plan for a saga.
func (s *BadgerStateStore) CreateSteps(ctx context.Context, sagaID string, names []StepName) ([]*Step, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("step plan cannot be empty")
	}

	now := time.Now().UTC()
	created := make([]*Step, 0, len(names))
	for i, name := range names {
		created = append(created, &Step{
			ID:        uuid.NewString(),
			SagaID:    sagaID,
			Name:      name,
			Sequence:  i,
			Status:    StepStatusPending,
			UpdatedAt: now,
		})
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if _, err := txn.Get([]byte(sagaDataKey(sagaID))); err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrSagaNotFound
			}
			return err
		}
		for _, step := range created {
			encoded, err := json.Marshal(step)
			if err != nil {
				return fmt.Errorf("marshal step: %w", err)
			}
			if err := txn.Set([]byte(stepDataKey(step.ID)), encoded); err != nil {
				return err
			}
			if err := txn.Set([]byte(stepIndexKey(sagaID, step.Sequence)), []byte(step.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetSaga loads one saga by id.
func (s *BadgerStateStore) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	var record Saga
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		item, err := txn.Get([]byte(sagaDataKey(sagaID)))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrSagaNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &record) })
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetStep loads one step by id.
func (s *BadgerStateStore) GetStep(ctx context.Context, stepID string) (*Step, error) {
	var record Step
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		item, err := txn.Get([]byte(stepDataKey(stepID)))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrStepNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &record) })
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListSteps loads a saga's steps in sequence order.
func (s *BadgerStateStore) ListSteps(ctx context.Context, sagaID string) ([]*Step, error) {
	steps := make([]*Step, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if _, err := txn.Get([]byte(sagaDataKey(sagaID))); err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrSagaNotFound
			}
			return err
		}

		prefix := []byte(stepIndexSagaPrefix(sagaID))
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var stepID string
			if err := it.Item().Value(func(v []byte) error {
				stepID = string(v)
				return nil
			}); err != nil {
				return err
			}
			item, err := txn.Get([]byte(stepDataKey(stepID)))
			if err != nil {
				continue
			}
			var step Step
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &step) }); err != nil {
				return fmt.Errorf("decode step %s: %w", stepID, err)
			}
			steps = append(steps, &step)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })
	return steps, nil
}

// ListSagas queries sagas by status with pagination.
func (s *BadgerStateStore) ListSagas(ctx context.Context, filter ListFilter) ([]*Saga, int, error) {
	all := make([]*Saga, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		if filter.Status != "" {
			prefix := []byte(sagaStatusIndexPrefix(filter.Status))
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctxErr(ctx); err != nil {
					return err
				}
				sagaID := strings.TrimPrefix(string(it.Item().Key()), sagaStatusIndexPrefix(filter.Status))
				item, err := txn.Get([]byte(sagaDataKey(sagaID)))
				if err != nil {
					continue
				}
				var record Saga
				if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &record) }); err != nil {
					continue
				}
				all = append(all, &record)
			}
			return nil
		}

		prefix := []byte(sagaKeyPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctxErr(ctx); err != nil {
				return err
			}
			var record Saga
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &record) }); err != nil {
				continue
			}
			all = append(all, &record)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginateSagas(all, filter)
}

// MarkStepRunning transitions a step from pending to running.
func (s *BadgerStateStore) MarkStepRunning(ctx context.Context, stepID string) error {
	return s.updateStep(ctx, stepID, func(step *Step) error {
		if !step.Status.CanTransitionTo(StepStatusRunning) {
			return fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, step.Name, step.Status, StepStatusRunning)
		}
		step.Status = StepStatusRunning
		return nil
	})
}

// MarkStepCompleted records a step's forward result.
func (s *BadgerStateStore) MarkStepCompleted(ctx context.Context, stepID string, result map[string]any) error {
	return s.updateStep(ctx, stepID, func(step *Step) error {
		if !step.Status.CanTransitionTo(StepStatusCompleted) {
			return fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, step.Name, step.Status, StepStatusCompleted)
		}
		step.Status = StepStatusCompleted
		step.Result = copyMap(result)
		return nil
	})
}

// MarkStepFailed records a step's terminal failure.
func (s *BadgerStateStore) MarkStepFailed(ctx context.Context, stepID string, reason string) error {
	return s.updateStep(ctx, stepID, func(step *Step) error {
		if !step.Status.CanTransitionTo(StepStatusFailed) {
			return fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, step.Name, step.Status, StepStatusFailed)
		}
		step.Status = StepStatusFailed
		step.Errors = append(step.Errors, reason)
		return nil
	})
}

// AppendStepError appends to the step's error trail.
func (s *BadgerStateStore) AppendStepError(ctx context.Context, stepID string, reason string) error {
	return s.updateStep(ctx, stepID, func(step *Step) error {
		step.Errors = append(step.Errors, reason)
		return nil
	})
}

// AppendCompensationResult merges a compensation outcome into the step.
func (s *BadgerStateStore) AppendCompensationResult(ctx context.Context, stepID string, result map[string]any) error {
	return s.updateStep(ctx, stepID, func(step *Step) error {
		if step.CompensationResult == nil {
			step.CompensationResult = make(map[string]any, len(result))
		}
		for k, v := range result {
			step.CompensationResult[k] = v
		}
		return nil
	})
}

// SetSagaStatus applies a validated saga status transition and maintains the
// status index.
func (s *BadgerStateStore) SetSagaStatus(ctx context.Context, sagaID string, status Status, errMsg string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}

		key := []byte(sagaDataKey(sagaID))
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrSagaNotFound
			}
			return err
		}

		var record Saga
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &record) }); err != nil {
			return err
		}
		if err := ValidateTransition(record.Status, status); err != nil {
			return err
		}

		oldStatus := record.Status
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

		encoded, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("marshal saga: %w", err)
		}
		if err := txn.Set(key, encoded); err != nil {
			return err
		}
		if err := txn.Set([]byte(sagaStatusIndexKey(string(status), sagaID)), []byte{}); err != nil {
			return err
		}
		_ = txn.Delete([]byte(sagaStatusIndexKey(string(oldStatus), sagaID)))
		return nil
	})
}

func (s *BadgerStateStore) updateStep(ctx context.Context, stepID string, mutate func(*Step) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}

		key := []byte(stepDataKey(stepID))
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrStepNotFound
			}
			return err
		}

		var step Step
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &step) }); err != nil {
			return err
		}
		if err := mutate(&step); err != nil {
			return err
		}
		step.UpdatedAt = time.Now().UTC()

		encoded, err := json.Marshal(&step)
		if err != nil {
			return fmt.Errorf("marshal step: %w", err)
		}
		return txn.Set(key, encoded)
	})
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func sagaDataKey(sagaID string) string {
	return sagaKeyPrefix + sagaID
}

func stepDataKey(stepID string) string {
	return stepKeyPrefix + stepID
}

func stepIndexSagaPrefix(sagaID string) string {
	return fmt.Sprintf("%s%s:", stepIndexPrefix, sagaID)
}

func stepIndexKey(sagaID string, sequence int) string {
	return fmt.Sprintf("%s%s:%05d", stepIndexPrefix, sagaID, sequence)
}

func sagaStatusIndexPrefix(status string) string {
	return sagaStatusIdxPrefix + status + ":"
}

func sagaStatusIndexKey(status, sagaID string) string {
	return sagaStatusIndexPrefix(status) + sagaID
}
