// Package tracker drives an operation record through its lifecycle while
// the operation's work runs inside a durable execution.
package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/opstrack/internal/model"
	"github.com/seantiz/opstrack/internal/store"
)

// Execution is the durable execution the tracked work runs in.
type Execution interface {
	// ID is the engine's execution identity, recorded on the operation.
	ID() string
	// Durable runs fn as a named, retried step whose completion the engine
	// records, so it is not repeated when the execution is resumed.
	Durable(ctx context.Context, name string, fn func(ctx context.Context) error) error
	// CancelRequested reports whether the execution was asked to cancel.
	CancelRequested(ctx context.Context) bool
}

// Store is the part of the record store the tracker writes through.
type Store interface {
	Transition(ctx context.Context, id string, tr model.Transition) (store.Outcome, error)
}

// Notifier receives status changes the tracker applied.
type Notifier interface {
	Publish(ev model.Event)
}

// Work is the unit of work being tracked.
type Work func(ctx context.Context) (json.RawMessage, error)

// Step names recorded in the execution history.
const (
	StepMarkRunning   = "mark_running"
	StepMarkCompleted = "mark_completed"
	StepMarkFailed    = "mark_failed"
	StepMarkCancelled = "mark_cancelled"
)

const source = "tracker"

// startFailureTimeout bounds the direct ACCEPTED -> FAILED write.
const startFailureTimeout = 10 * time.Second

// Tracker wraps units of work with operation status tracking.
type Tracker struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// New creates a tracker. notifier may be nil.
func New(s Store, notifier Notifier, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    s,
		notifier: notifier,
		logger:   logger.With("component", "tracker"),
	}
}

// Track records RUNNING for operationID, runs work, and records the outcome:
// COMPLETED with the work's output, or FAILED (CANCELLED when the work gave
// up because the execution was cancelled by request) with a description of
// the error. The work's own error is returned unchanged so the engine sees the
// real failure.
//
// A record that already reached a terminal status is never modified. When a
// terminal write cannot be made at all, the outcome is left for
// reconciliation to repair from the engine's view of the execution.
func (t *Tracker) Track(ctx context.Context, exec Execution, operationID string, work Work) (json.RawMessage, error) {
	logger := t.logger.With("operation_id", operationID, "execution_id", exec.ID())
	logger.Info("operation started")

	err := exec.Durable(ctx, StepMarkRunning, func(ctx context.Context) error {
		return t.transition(ctx, logger, operationID, model.Transition{
			From:        model.StatusAccepted,
			To:          model.StatusRunning,
			ExecutionID: exec.ID(),
		})
	})
	if err != nil {
		logger.Error("could not mark operation running", "error", err)
		t.failStart(ctx, logger, operationID, exec.ID(), err)
		return nil, errors.Wrapf(err, "mark operation %s running", operationID)
	}

	output, workErr := runWork(ctx, work)
	if workErr == nil {
		t.finish(ctx, exec, logger, operationID, StepMarkCompleted, model.Transition{
			From:   model.StatusRunning,
			To:     model.StatusCompleted,
			Result: model.OutputResult(output),
		})
		logger.Info("operation completed")
		return output, nil
	}

	to, reason, step := model.StatusFailed, model.ReasonWorkFailed, StepMarkFailed
	if isCancellation(ctx, workErr) && exec.CancelRequested(ctx) {
		to, reason, step = model.StatusCancelled, model.ReasonCancelled, StepMarkCancelled
	}
	logger.Error("operation failed", "status", to, "error", workErr)
	t.finish(ctx, exec, logger, operationID, step, model.Transition{
		From:   model.StatusRunning,
		To:     to,
		Result: model.ErrorResult(workErr.Error(), reason),
	})
	return nil, workErr
}

// failStart records ACCEPTED -> FAILED after the RUNNING write gave up with a
// store error, so the record does not wait in ACCEPTED for an execution that
// has ended. The write goes straight to the store on a detached context. When
// ctx is already done the execution was stopped or will be resumed, and the
// record is left for the execution or reconciliation to settle.
func (t *Tracker) failStart(ctx context.Context, logger *slog.Logger, id, execID string, cause error) {
	if ctx.Err() != nil || errors.Is(cause, model.ErrNotFound) ||
		model.IsAlreadyTerminal(cause) || model.IsInvalidTransition(cause) {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), startFailureTimeout)
	defer cancel()
	err := t.transition(wctx, logger, id, model.Transition{
		From:        model.StatusAccepted,
		To:          model.StatusFailed,
		ExecutionID: execID,
		Result:      model.ErrorResult("operation could not be started: "+cause.Error(), model.ReasonStartFailed),
	})
	switch {
	case err == nil:
		logger.Warn("operation recorded as failed to start")
	case model.IsAlreadyTerminal(err), model.IsInvalidTransition(err):
		logger.Info("operation left ACCEPTED meanwhile, keeping recorded status", "error", err)
	default:
		statusWriteFailures.WithLabelValues(string(model.StatusFailed)).Inc()
		logger.Error("could not record failed start, leaving it to reconciliation", "error", err)
	}
}

// finish writes a terminal status. Losing the race to another writer is
// expected and only logged.
func (t *Tracker) finish(ctx context.Context, exec Execution, logger *slog.Logger, id, step string, tr model.Transition) {
	err := exec.Durable(ctx, step, func(ctx context.Context) error {
		return t.transition(ctx, logger, id, tr)
	})
	switch {
	case err == nil:
	case model.IsAlreadyTerminal(err):
		logger.Warn("operation already terminal, keeping recorded outcome",
			"requested_status", tr.To, "error", err)
	default:
		statusWriteFailures.WithLabelValues(string(tr.To)).Inc()
		logger.Error("could not record operation outcome, leaving it to reconciliation",
			"requested_status", tr.To, "error", err)
	}
}

func (t *Tracker) transition(ctx context.Context, logger *slog.Logger, id string, tr model.Transition) error {
	tr.At = time.Now().UTC()
	out, err := t.store.Transition(ctx, id, tr)
	if err != nil {
		return err
	}
	if out == store.Unchanged {
		logger.Info("operation already in requested status, resuming", "status", tr.To)
		return nil
	}

	transitionsTotal.WithLabelValues(string(tr.To)).Inc()
	if t.notifier != nil {
		t.notifier.Publish(model.Event{
			OperationID: id,
			Status:      tr.To,
			Source:      source,
			At:          tr.At,
			Result:      tr.Result,
		})
	}
	return nil
}

// isCancellation reports whether err is the work giving up because ctx was
// cancelled, as opposed to a failure of its own.
func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	cause := context.Cause(ctx)
	return cause != nil && errors.Is(err, cause)
}

func runWork(ctx context.Context, work Work) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("work panicked: %v", r)
		}
	}()
	return work(ctx)
}
