package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/opstrack/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestOperation() *model.Operation {
	return &model.Operation{
		ID:         model.NewID(),
		TargetID:   "machine-1",
		Kind:       model.KindDeploy,
		Status:     model.StatusAccepted,
		AcceptedAt: time.Now().UTC().Truncate(time.Second),
		Parameters: json.RawMessage(`{"timeout":5}`),
	}
}

func createTestOperation(t *testing.T, s Store) *model.Operation {
	t.Helper()
	op := makeTestOperation()
	if err := s.CreateOperation(context.Background(), op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	return op
}

func toRunning(t *testing.T, s Store, id string) {
	t.Helper()
	out, err := s.Transition(context.Background(), id, model.Transition{
		From: model.StatusAccepted, To: model.StatusRunning, ExecutionID: "exec-1",
	})
	if err != nil || out != Applied {
		t.Fatalf("Transition to RUNNING = (%v, %v), want (applied, nil)", out, err)
	}
}

func TestCreateAndGetOperation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeTestOperation()

	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	got, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}

	if got.ID != op.ID {
		t.Errorf("ID = %q, want %q", got.ID, op.ID)
	}
	if got.Status != model.StatusAccepted {
		t.Errorf("Status = %q, want ACCEPTED", got.Status)
	}
	if got.Kind != model.KindDeploy {
		t.Errorf("Kind = %q, want DEPLOY", got.Kind)
	}
	if got.TargetID != "machine-1" {
		t.Errorf("TargetID = %q, want machine-1", got.TargetID)
	}
	if !got.AcceptedAt.Equal(op.AcceptedAt) {
		t.Errorf("AcceptedAt = %v, want %v", got.AcceptedAt, op.AcceptedAt)
	}
	if string(got.Parameters) != `{"timeout":5}` {
		t.Errorf("Parameters = %s", got.Parameters)
	}
	if got.StartedAt != nil || got.FinishedAt != nil || got.Result != nil {
		t.Errorf("new operation has started=%v finished=%v result=%v", got.StartedAt, got.FinishedAt, got.Result)
	}
}

func TestGetOperationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetOperation(context.Background(), model.NewID())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOperation error = %v, want ErrNotFound", err)
	}
	var nf *model.RecordNotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("GetOperation error = %T, want *model.RecordNotFoundError", err)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := createTestOperation(t, s)

	toRunning(t, s, op.ID)
	running, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("StartedAt not set on RUNNING")
	}
	if running.ExecutionID != "exec-1" {
		t.Errorf("ExecutionID = %q, want exec-1", running.ExecutionID)
	}

	out, err := s.Transition(ctx, op.ID, model.Transition{
		From:   model.StatusRunning,
		To:     model.StatusCompleted,
		Result: model.OutputResult(json.RawMessage(`{"ok":true}`)),
	})
	if err != nil || out != Applied {
		t.Fatalf("Transition to COMPLETED = (%v, %v)", out, err)
	}

	done, err := s.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if done.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want COMPLETED", done.Status)
	}
	if done.FinishedAt == nil {
		t.Error("FinishedAt not set on COMPLETED")
	}
	if !done.StartedAt.Equal(*running.StartedAt) {
		t.Errorf("StartedAt changed from %v to %v", running.StartedAt, done.StartedAt)
	}
	if done.Result == nil || string(done.Result.Output) != `{"ok":true}` {
		t.Errorf("Result = %+v", done.Result)
	}
}

func TestTransitionSameStatusIsUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := createTestOperation(t, s)
	toRunning(t, s, op.ID)

	before, _ := s.GetOperation(ctx, op.ID)
	out, err := s.Transition(ctx, op.ID, model.Transition{
		From: model.StatusAccepted,
		To:   model.StatusRunning,
		At:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if out != Unchanged {
		t.Errorf("Outcome = %v, want unchanged", out)
	}
	after, _ := s.GetOperation(ctx, op.ID)
	if !after.StartedAt.Equal(*before.StartedAt) {
		t.Errorf("StartedAt overwritten: %v -> %v", before.StartedAt, after.StartedAt)
	}
}

func TestTransitionFromTerminalIsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := createTestOperation(t, s)
	toRunning(t, s, op.ID)

	if _, err := s.Transition(ctx, op.ID, model.Transition{
		From: model.StatusRunning, To: model.StatusCompleted, Result: model.OutputResult(nil),
	}); err != nil {
		t.Fatalf("Transition to COMPLETED: %v", err)
	}

	_, err := s.Transition(ctx, op.ID, model.Transition{
		From:   model.StatusRunning,
		To:     model.StatusFailed,
		Result: model.ErrorResult("late", model.ReasonWorkFailed),
	})
	var at *model.AlreadyTerminalError
	if !errors.As(err, &at) {
		t.Fatalf("Transition error = %v, want AlreadyTerminalError", err)
	}
	if at.Current != model.StatusCompleted || at.Requested != model.StatusFailed {
		t.Errorf("AlreadyTerminalError = %+v", at)
	}

	got, _ := s.GetOperation(ctx, op.ID)
	if got.Status != model.StatusCompleted || got.Result.Error != nil {
		t.Errorf("terminal record modified: status=%s result=%+v", got.Status, got.Result)
	}
}

func TestTransitionInvalidEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := createTestOperation(t, s)

	_, err := s.Transition(ctx, op.ID, model.Transition{
		From: model.StatusAccepted, To: model.StatusCompleted, Result: model.OutputResult(nil),
	})
	if !model.IsInvalidTransition(err) {
		t.Errorf("ACCEPTED -> COMPLETED error = %v, want InvalidTransitionError", err)
	}

	// Legal edge, but the record is not in From.
	_, err = s.Transition(ctx, op.ID, model.Transition{
		From: model.StatusRunning, To: model.StatusCompleted, Result: model.OutputResult(nil),
	})
	var it *model.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("error = %v, want InvalidTransitionError", err)
	}
	if it.From != model.StatusAccepted {
		t.Errorf("InvalidTransitionError.From = %s, want ACCEPTED", it.From)
	}
}

func TestTransitionTerminalRequiresResult(t *testing.T) {
	s := newTestStore(t)
	op := createTestOperation(t, s)
	toRunning(t, s, op.ID)

	if _, err := s.Transition(context.Background(), op.ID, model.Transition{
		From: model.StatusRunning, To: model.StatusCompleted,
	}); err == nil {
		t.Error("Transition to COMPLETED without a result succeeded")
	}
}

func TestTransitionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Transition(context.Background(), model.NewID(), model.Transition{
		From: model.StatusAccepted, To: model.StatusRunning,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Transition error = %v, want ErrNotFound", err)
	}
}

func TestAcceptedToFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := createTestOperation(t, s)

	out, err := s.Transition(ctx, op.ID, model.Transition{
		From:   model.StatusAccepted,
		To:     model.StatusFailed,
		Result: model.ErrorResult("engine unavailable", model.ReasonStartFailed),
	})
	if err != nil || out != Applied {
		t.Fatalf("Transition = (%v, %v)", out, err)
	}
	got, _ := s.GetOperation(ctx, op.ID)
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil for an operation that never ran", got.StartedAt)
	}
	if got.Result.Error == nil || got.Result.Error.Reason != model.ReasonStartFailed {
		t.Errorf("Result = %+v", got.Result)
	}
}

func TestConcurrentTerminalWritesSingleWinner(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	op := createTestOperation(t, s)
	toRunning(t, s, op.ID)

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		losers  int
	)
	for i := range writers {
		to, res := model.StatusCompleted, model.OutputResult(nil)
		if i%2 == 1 {
			to, res = model.StatusFailed, model.ErrorResult("boom", model.ReasonEngineReported)
		}
		wg.Go(func() {
			out, err := s.Transition(ctx, op.ID, model.Transition{From: model.StatusRunning, To: to, Result: res})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && out == Applied:
				applied++
			case model.IsAlreadyTerminal(err):
				losers++
			default:
				t.Errorf("unexpected outcome (%v, %v)", out, err)
			}
		})
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied = %d, want exactly 1", applied)
	}
	if losers != writers-1 {
		t.Errorf("losers = %d, want %d", losers, writers-1)
	}
}

func TestListOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		op := makeTestOperation()
		op.AcceptedAt = op.AcceptedAt.Add(time.Duration(i) * time.Second)
		if err := s.CreateOperation(ctx, op); err != nil {
			t.Fatalf("CreateOperation: %v", err)
		}
		if i < 2 {
			toRunning(t, s, op.ID)
		}
	}

	ops, total, err := s.ListOperations(ctx, ListFilter{Limit: 3})
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(ops) != 3 {
		t.Fatalf("len = %d, want 3", len(ops))
	}
	if ops[0].AcceptedAt.Before(ops[1].AcceptedAt) {
		t.Error("operations not ordered by accepted_at DESC")
	}

	running, total, err := s.ListOperations(ctx, ListFilter{Status: model.StatusRunning})
	if err != nil {
		t.Fatalf("ListOperations(RUNNING): %v", err)
	}
	if total != 2 || len(running) != 2 {
		t.Errorf("RUNNING list = %d (total %d), want 2", len(running), total)
	}

	ids, err := s.ListOperationIDsByStatus(ctx, model.StatusRunning)
	if err != nil {
		t.Fatalf("ListOperationIDsByStatus: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("len(ids) = %d, want 2", len(ids))
	}
}

func TestGetOperationStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestOperation(t, s)
	createTestOperation(t, s)
	release := makeTestOperation()
	release.Kind = model.KindRelease
	if err := s.CreateOperation(ctx, release); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	toRunning(t, s, a.ID)

	stats, err := s.GetOperationStats(ctx)
	if err != nil {
		t.Fatalf("GetOperationStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus["ACCEPTED"] != 2 || stats.CountByStatus["RUNNING"] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByKind["DEPLOY"] != 2 || stats.CountByKind["RELEASE"] != 1 {
		t.Errorf("CountByKind = %v", stats.CountByKind)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(context.Background(), Config{URL: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("Open(:memory:) = %T, want *SQLiteStore", s)
	}

	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Error("Open with empty URL succeeded")
	}
}
