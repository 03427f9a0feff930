// Package operations accepts operation requests: it persists the record and
// starts the execution that carries the work out.
package operations

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/opstrack/internal/backend"
	"github.com/seantiz/opstrack/internal/engine"
	"github.com/seantiz/opstrack/internal/model"
	"github.com/seantiz/opstrack/internal/store"
	"github.com/seantiz/opstrack/internal/workflow"
)

// ErrInvalidRequest marks request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// ErrStartFailed marks operations whose execution could not be started. The
// record exists and is FAILED.
var ErrStartFailed = errors.New("operation could not be started")

// Engine is the write side of the execution engine.
type Engine interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (engine.Handle, error)
	Cancel(ctx context.Context, tag string) error
	Terminate(ctx context.Context, tag, reason string) error
}

// Notifier receives status changes made by the service.
type Notifier interface {
	Publish(ev model.Event)
}

// CreateRequest asks for an operation against a machine.
type CreateRequest struct {
	TargetID   string
	Kind       string
	Parameters json.RawMessage
}

// Service creates and controls operations.
type Service struct {
	store    store.Store
	engine   Engine
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a Service. notifier may be nil.
func NewService(s store.Store, e Engine, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    s,
		engine:   e,
		notifier: notifier,
		logger:   logger.With("component", "operations"),
	}
}

// Create validates req, records an ACCEPTED operation and submits its
// execution tagged with the operation id. If the submission fails the record
// is moved to FAILED and returned together with an error matching
// ErrStartFailed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Operation, error) {
	if req.TargetID == "" {
		return nil, errors.Mark(errors.New("machine id is required"), ErrInvalidRequest)
	}
	kind, ok := model.ParseKind(req.Kind)
	if !ok {
		return nil, errors.Mark(errors.Newf("unsupported operation kind %q", req.Kind), ErrInvalidRequest)
	}
	params, err := backend.ParseParameters(req.Parameters)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidRequest)
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "encode parameters")
	}

	op := &model.Operation{
		ID:         model.NewID(),
		TargetID:   req.TargetID,
		Kind:       kind,
		Status:     model.StatusAccepted,
		AcceptedAt: time.Now().UTC(),
		Parameters: rawParams,
	}
	if err := s.store.CreateOperation(ctx, op); err != nil {
		return nil, errors.Wrap(err, "create operation")
	}

	input, err := json.Marshal(workflow.Input{
		OperationID: op.ID,
		TargetID:    op.TargetID,
		Kind:        op.Kind,
		Parameters:  op.Parameters,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode workflow input")
	}

	logger := s.logger.With("operation_id", op.ID, "target_id", op.TargetID, "kind", op.Kind)
	h, err := s.engine.Submit(ctx, engine.SubmitRequest{
		Tag:      op.ID,
		Workflow: workflow.LongRunningOperation,
		Input:    input,
	})
	if err != nil {
		logger.Error("failed to start operation execution", "error", err)
		return s.failStart(ctx, op, err)
	}

	logger.Info("operation accepted", "execution_id", h.ExecutionID)
	return op, nil
}

// failStart records that op never started. The record is kept.
func (s *Service) failStart(ctx context.Context, op *model.Operation, cause error) (*model.Operation, error) {
	tr := model.Transition{
		From:   model.StatusAccepted,
		To:     model.StatusFailed,
		At:     time.Now().UTC(),
		Result: model.ErrorResult(cause.Error(), model.ReasonStartFailed),
	}
	if _, err := s.store.Transition(context.WithoutCancel(ctx), op.ID, tr); err != nil {
		s.logger.Error("failed to record start failure", "operation_id", op.ID, "error", err)
		return op, errors.Mark(errors.Wrap(cause, "start execution"), ErrStartFailed)
	}
	op.Status, op.FinishedAt, op.Result = tr.To, &tr.At, tr.Result
	if s.notifier != nil {
		s.notifier.Publish(model.Event{OperationID: op.ID, Status: tr.To, Source: "operations", At: tr.At, Result: tr.Result})
	}
	return op, errors.Mark(errors.Wrap(cause, "start execution"), ErrStartFailed)
}

// Get returns an operation by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Operation, error) {
	if !model.ValidID(id) {
		return nil, errors.Mark(errors.Newf("invalid operation id %q", id), ErrInvalidRequest)
	}
	return s.store.GetOperation(ctx, id)
}

// List returns operations newest first.
func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]*model.Operation, int, error) {
	f := store.ListFilter{Limit: limit, Offset: offset}
	if status != "" {
		st, ok := model.ParseStatus(status)
		if !ok {
			return nil, 0, errors.Mark(errors.Newf("unknown status %q", status), ErrInvalidRequest)
		}
		f.Status = st
	}
	if limit < 0 || offset < 0 {
		return nil, 0, errors.Mark(errors.New("limit and offset must be >= 0"), ErrInvalidRequest)
	}
	return s.store.ListOperations(ctx, f)
}

// Stats returns aggregate operation counts.
func (s *Service) Stats(ctx context.Context) (*store.OperationStats, error) {
	return s.store.GetOperationStats(ctx)
}

// Ping checks that the record store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Cancel asks the engine to cancel the operation's execution. The tracker
// records CANCELLED once the work stops.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.checkRunnable(ctx, id, model.StatusCancelled); err != nil {
		return err
	}
	if err := s.engine.Cancel(ctx, id); err != nil {
		return errors.Wrapf(err, "cancel operation %s", id)
	}
	s.logger.Info("operation cancel requested", "operation_id", id)
	return nil
}

// Terminate stops the operation's execution without letting it record an
// outcome. Reconciliation records the result.
func (s *Service) Terminate(ctx context.Context, id, reason string) error {
	if err := s.checkRunnable(ctx, id, model.StatusFailed); err != nil {
		return err
	}
	if err := s.engine.Terminate(ctx, id, reason); err != nil {
		return errors.Wrapf(err, "terminate operation %s", id)
	}
	s.logger.Warn("operation terminated", "operation_id", id, "reason", reason)
	return nil
}

func (s *Service) checkRunnable(ctx context.Context, id string, requested model.Status) error {
	op, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() {
		return &model.AlreadyTerminalError{ID: id, Current: op.Status, Requested: requested}
	}
	return nil
}
