package workflow_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/opstrack/internal/backend"
	"github.com/seantiz/opstrack/internal/engine"
	"github.com/seantiz/opstrack/internal/model"
	"github.com/seantiz/opstrack/internal/reconcile"
	"github.com/seantiz/opstrack/internal/store"
	"github.com/seantiz/opstrack/internal/tracker"
	"github.com/seantiz/opstrack/internal/workflow"
)

type harness struct {
	store  *store.SQLiteStore
	writes *outageStore
	engine *engine.Engine
}

// outageStore fails the tracker's status writes while down is set.
type outageStore struct {
	*store.SQLiteStore
	down atomic.Bool
}

func (s *outageStore) Transition(ctx context.Context, id string, tr model.Transition) (store.Outcome, error) {
	if s.down.Load() {
		return 0, errors.New("dial tcp 10.0.0.5:5432: connection refused")
	}
	return s.SQLiteStore.Transition(ctx, id, tr)
}

func newHarness(t *testing.T, unit time.Duration) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	eng, err := engine.New(engine.Config{ShutdownGrace: 100 * time.Millisecond}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Shutdown(context.Background()) })

	writes := &outageStore{SQLiteStore: s}
	reg := backend.NewRegistry()
	reg.RegisterAll(&backend.Simulated{Unit: unit})
	workflow.Register(eng, workflow.Deps{
		Tracker:            tracker.New(writes, nil, logger),
		Backends:           reg,
		StatusWriteTimeout: time.Second,
	})
	return &harness{store: s, writes: writes, engine: eng}
}

func (h *harness) start(t *testing.T, timeout int, runTimeout time.Duration) string {
	t.Helper()
	ctx := context.Background()
	params := json.RawMessage(`{"timeout":` + jsonInt(timeout) + `}`)
	op := &model.Operation{
		ID:         model.NewID(),
		TargetID:   "machine-9",
		Kind:       model.KindRelease,
		Status:     model.StatusAccepted,
		AcceptedAt: time.Now().UTC(),
		Parameters: params,
	}
	require.NoError(t, h.store.CreateOperation(ctx, op))

	input, err := json.Marshal(workflow.Input{
		OperationID: op.ID, TargetID: op.TargetID, Kind: op.Kind, Parameters: params,
	})
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, engine.SubmitRequest{
		Tag: op.ID, Workflow: workflow.LongRunningOperation, Input: input, Timeout: runTimeout,
	})
	require.NoError(t, err)
	return op.ID
}

func (h *harness) wait(t *testing.T, id string) *model.Operation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(ctx, id))
	op, err := h.store.GetOperation(context.Background(), id)
	require.NoError(t, err)
	return op
}

func (h *harness) waitRunning(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		op, err := h.store.GetOperation(context.Background(), id)
		return err == nil && op.Status == model.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestOperationCompletes(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	id := h.start(t, 5, 0)

	op := h.wait(t, id)
	assert.Equal(t, model.StatusCompleted, op.Status)
	require.NotNil(t, op.Result)
	assert.JSONEq(t, `{"task":"task1","target_id":"machine-9","kind":"RELEASE","duration_s":5}`, string(op.Result.Output))
	assert.NotEmpty(t, op.ExecutionID)

	d, err := h.engine.Describe(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, d.Status)
	assert.Equal(t, op.ExecutionID, d.ExecutionID)
}

func TestOperationCancelledByRequest(t *testing.T) {
	h := newHarness(t, time.Second)
	id := h.start(t, 60, 0)
	h.waitRunning(t, id)

	require.NoError(t, h.engine.Cancel(context.Background(), id))
	op := h.wait(t, id)
	assert.Equal(t, model.StatusCancelled, op.Status)
	require.NotNil(t, op.Result.Error)
	assert.Equal(t, model.ReasonCancelled, op.Result.Error.Reason)

	d, _ := h.engine.Describe(context.Background(), id)
	assert.Equal(t, engine.StatusCancelled, d.Status)
}

func TestTimedOutOperationRepairedByReconciliation(t *testing.T) {
	h := newHarness(t, time.Second)
	id := h.start(t, 60, 100*time.Millisecond)

	op := h.wait(t, id)
	assert.Equal(t, model.StatusRunning, op.Status, "steps cannot run after the run timeout")

	r, err := reconcile.New(h.store, h.engine, nil, reconcile.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)

	op, err = h.store.GetOperation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Contains(t, op.Result.Error.Message, "timed_out")
}

func TestTerminatedOperationRepairedByReconciliation(t *testing.T) {
	h := newHarness(t, time.Second)
	live := h.start(t, 60, 0)
	doomed := h.start(t, 60, 0)
	h.waitRunning(t, live)
	h.waitRunning(t, doomed)

	require.NoError(t, h.engine.Terminate(context.Background(), doomed, "operator"))
	h.wait(t, doomed)

	r, err := reconcile.New(h.store, h.engine, nil, reconcile.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Running)
	assert.Equal(t, 1, report.Checked, "the live execution is excluded by the running set")
	assert.Equal(t, 1, report.Reconciled)

	op, _ := h.store.GetOperation(context.Background(), doomed)
	assert.Equal(t, model.StatusFailed, op.Status)
	op, _ = h.store.GetOperation(context.Background(), live)
	assert.Equal(t, model.StatusRunning, op.Status)

	require.NoError(t, h.engine.Terminate(context.Background(), live, "cleanup"))
}

func TestStoreOutageBeforeRunningRepairedByReconciliation(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.writes.down.Store(true)
	id := h.start(t, 1, 0)

	op := h.wait(t, id)
	assert.Equal(t, model.StatusAccepted, op.Status, "no status write can land during the outage")
	d, err := h.engine.Describe(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, d.Status)

	h.writes.down.Store(false)
	r, err := reconcile.New(h.store, h.engine, nil, reconcile.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 1, report.Reconciled)

	op, err = h.store.GetOperation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, op.Status)
	require.NotNil(t, op.Result)
	require.NotNil(t, op.Result.Error)
	assert.Equal(t, model.ReasonEngineReported, op.Result.Error.Reason)
	assert.Contains(t, op.Result.Error.Message, "connection refused")
}
