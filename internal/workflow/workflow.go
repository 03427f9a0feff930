// Package workflow defines the workflows opstrack runs on the execution
// engine.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/opstrack/internal/backend"
	"github.com/seantiz/opstrack/internal/engine"
	"github.com/seantiz/opstrack/internal/model"
	"github.com/seantiz/opstrack/internal/tracker"
)

// LongRunningOperation is the registered name of the operation workflow.
const LongRunningOperation = "LongRunningOperationWorkflow"

// TaskName is the task label handed to backends.
const TaskName = "task1"

// StepSimulateWork is the step that performs the operation's work.
const StepSimulateWork = "simulate_work"

// workSlack is added to the requested duration to bound the work step.
const workSlack = 10 * time.Second

// Input is the payload submitted with each operation execution.
type Input struct {
	OperationID string          `json:"operation_id"`
	TargetID    string          `json:"target_id"`
	Kind        model.Kind      `json:"kind"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registrar is implemented by *engine.Engine.
type Registrar interface {
	Register(name string, fn engine.WorkflowFunc)
}

// Deps are the collaborators the operation workflow needs.
type Deps struct {
	Tracker  *tracker.Tracker
	Backends *backend.Registry
	// StatusWriteTimeout bounds each status write step. Defaults to 30s.
	StatusWriteTimeout time.Duration
	// WorkAttempts bounds retries of the work step. Defaults to 3.
	WorkAttempts int
}

// Register adds the operation workflow to r.
func Register(r Registrar, deps Deps) {
	if deps.StatusWriteTimeout <= 0 {
		deps.StatusWriteTimeout = 30 * time.Second
	}
	if deps.WorkAttempts <= 0 {
		deps.WorkAttempts = 3
	}
	r.Register(LongRunningOperation, func(ctx context.Context, run *engine.Run) (json.RawMessage, error) {
		return runOperation(ctx, run, deps)
	})
}

func runOperation(ctx context.Context, run *engine.Run, deps Deps) (json.RawMessage, error) {
	var in Input
	if err := json.Unmarshal(run.Input(), &in); err != nil {
		return nil, errors.Wrap(err, "decode workflow input")
	}
	if in.OperationID == "" {
		return nil, errors.New("workflow input has no operation id")
	}

	exec := &runExecution{run: run, opts: engine.StepOptions{Timeout: deps.StatusWriteTimeout}}
	return deps.Tracker.Track(ctx, exec, in.OperationID, func(ctx context.Context) (json.RawMessage, error) {
		b, err := deps.Backends.Resolve(in.Kind)
		if err != nil {
			return nil, err
		}
		params, err := backend.ParseParameters(in.Parameters)
		if err != nil {
			return nil, err
		}

		run.Logger().Info("starting work", "task", TaskName, "duration", params.Duration())
		return run.Step(ctx, StepSimulateWork, engine.StepOptions{
			Timeout:       params.Duration() + workSlack,
			MaxAttempts:   deps.WorkAttempts,
			Interruptible: true,
		}, func(ctx context.Context) (json.RawMessage, error) {
			return b.Execute(ctx, backend.OperationSpec{
				OperationID: in.OperationID,
				TargetID:    in.TargetID,
				Kind:        in.Kind,
				TaskName:    TaskName,
				Parameters:  in.Parameters,
			})
		})
	})
}

// runExecution adapts an engine run to the tracker's Execution.
type runExecution struct {
	run  *engine.Run
	opts engine.StepOptions
}

func (x *runExecution) ID() string { return x.run.ID() }

func (x *runExecution) Durable(ctx context.Context, name string, fn func(context.Context) error) error {
	_, err := x.run.Step(ctx, name, x.opts, func(ctx context.Context) (json.RawMessage, error) {
		err := fn(ctx)
		if permanent(err) {
			return nil, engine.NonRetryable(err)
		}
		return nil, err
	})
	return err
}

func (x *runExecution) CancelRequested(ctx context.Context) bool {
	return x.run.CancelRequested(ctx)
}

// permanent reports status write errors that retrying cannot fix.
func permanent(err error) bool {
	return err != nil && (errors.Is(err, model.ErrNotFound) ||
		model.IsAlreadyTerminal(err) ||
		model.IsInvalidTransition(err))
}
