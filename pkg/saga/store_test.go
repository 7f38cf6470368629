package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

// storeUnderTest runs the shared StateStore contract suite against an
// implementation.
func storeUnderTest(t *testing.T, store StateStore) {
	t.Helper()
	ctx := context.Background()

	record, err := store.CreateSaga(ctx, TypeCreateOrder, map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatalf("create saga: %v", err)
	}
	if record.Status != StatusPending {
		t.Fatalf("new saga must be pending, got %s", record.Status)
	}

	plan, _ := PlanFor(TypeCreateOrder)
	steps, err := store.CreateSteps(ctx, record.ID, plan)
	if err != nil {
		t.Fatalf("create steps: %v", err)
	}
	if len(steps) != len(plan) {
		t.Fatalf("created %d steps, want %d", len(steps), len(plan))
	}

	listed, err := store.ListSteps(ctx, record.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	for i, step := range listed {
		if step.Sequence != i {
			t.Fatalf("step %d has sequence %d", i, step.Sequence)
		}
		if step.Status != StepStatusPending {
			t.Fatalf("new step must be pending, got %s", step.Status)
		}
	}

	first := listed[0]
	if err := store.MarkStepCompleted(ctx, first.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> completed must be rejected, got %v", err)
	}
	if err := store.MarkStepRunning(ctx, first.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.MarkStepRunning(ctx, first.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("running -> running must be rejected, got %v", err)
	}
	if err := store.MarkStepCompleted(ctx, first.ID, map[string]any{"user_id": "u1", "validated": true}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	if err := store.AppendCompensationResult(ctx, first.ID, map[string]any{"unvalidated": true}); err != nil {
		t.Fatalf("append compensation result: %v", err)
	}
	got, err := store.GetStep(ctx, first.ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if got.Result["validated"] != true {
		t.Fatal("forward result must survive compensation recording")
	}
	if got.CompensationResult["unvalidated"] != true {
		t.Fatal("compensation result not recorded")
	}

	second := listed[1]
	if err := store.MarkStepRunning(ctx, second.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.AppendStepError(ctx, second.ID, "attempt 1 failed"); err != nil {
		t.Fatalf("append error: %v", err)
	}
	if err := store.MarkStepFailed(ctx, second.ID, "out of stock"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ = store.GetStep(ctx, second.ID)
	if len(got.Errors) != 2 {
		t.Fatalf("expected 2 errors on trail, got %d", len(got.Errors))
	}

	if err := store.SetSagaStatus(ctx, record.ID, StatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> completed must be rejected, got %v", err)
	}
	if err := store.SetSagaStatus(ctx, record.ID, StatusRunning, ""); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if err := store.SetSagaStatus(ctx, record.ID, StatusCompensating, "out of stock"); err != nil {
		t.Fatalf("running -> compensating: %v", err)
	}
	if err := store.SetSagaStatus(ctx, record.ID, StatusCompensated, ""); err != nil {
		t.Fatalf("compensating -> compensated: %v", err)
	}
	final, _ := store.GetSaga(ctx, record.ID)
	if final.Error != "out of stock" {
		t.Fatalf("saga error not recorded, got %q", final.Error)
	}
	if final.CompletedAt == nil {
		t.Fatal("terminal saga must have a completion time")
	}

	filtered, total, err := store.ListSagas(ctx, ListFilter{Status: string(StatusCompensated)})
	if err != nil {
		t.Fatalf("list sagas: %v", err)
	}
	if total != 1 || len(filtered) != 1 || filtered[0].ID != record.ID {
		t.Fatalf("status filter returned %d/%d sagas", len(filtered), total)
	}
	if _, total, _ := store.ListSagas(ctx, ListFilter{Status: string(StatusRunning)}); total != 0 {
		t.Fatalf("expected no running sagas, got %d", total)
	}

	if _, err := store.GetSaga(ctx, "missing"); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
	if _, err := store.GetStep(ctx, "missing"); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("expected ErrStepNotFound, got %v", err)
	}
	if _, err := store.CreateSteps(ctx, "missing", plan); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("steps for a missing saga must fail, got %v", err)
	}
}

func TestMemoryStateStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStateStore())
}

func TestBadgerStateStore(t *testing.T) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewBadgerStateStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	storeUnderTest(t, store)
}

func TestMemoryStoreCloneOnRead(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	record, _ := store.CreateSaga(ctx, TypeCreateOrder, map[string]any{"k": "v"})
	record.Data["k"] = "mutated"

	reread, _ := store.GetSaga(ctx, record.ID)
	if reread.Data["k"] != "v" {
		t.Fatal("callers must not be able to mutate stored state through returned snapshots")
	}
}

func TestListSagasPagination(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := store.CreateSaga(ctx, TypeCreateOrder, nil); err != nil {
			t.Fatalf("create saga: %v", err)
		}
	}

	page, total, err := store.ListSagas(ctx, ListFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("got %d/%d, want 2/5", len(page), total)
	}

	tail, total, _ := store.ListSagas(ctx, ListFilter{Limit: 10, Offset: 4})
	if total != 5 || len(tail) != 1 {
		t.Fatalf("tail got %d/%d, want 1/5", len(tail), total)
	}

	empty, _, _ := store.ListSagas(ctx, ListFilter{Offset: 99})
	if len(empty) != 0 {
		t.Fatalf("offset past end should be empty, got %d", len(empty))
	}
}
