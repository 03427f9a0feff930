package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
)

// Status is the engine's view of an execution.
type Status string

// Execution status constants.
const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTerminated Status = "terminated"
	StatusTimedOut   Status = "timed_out"
	StatusNotFound   Status = "not_found"
)

// Terminal statuses, used to pre-initialize metric labels.
var finalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTerminated, StatusTimedOut}

// Cancellation causes attached to a run's context.
var (
	ErrCancelRequested = errors.New("execution cancel requested")
	ErrTerminated      = errors.New("execution terminated")
	ErrRunTimeout      = errors.New("execution run timeout exceeded")
	ErrWorkerShutdown  = errors.New("worker shutting down")
)

var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrAlreadyRunning  = errors.New("an execution with this tag is already running")
	ErrNotRunning      = errors.New("no running execution with this tag")
	ErrShuttingDown    = errors.New("engine is shutting down")
)

// WorkflowFunc is the body of a workflow. Side effects belong in Run.Step so
// they are recorded and not repeated when the execution is resumed.
type WorkflowFunc func(ctx context.Context, run *Run) (json.RawMessage, error)

// Config holds engine settings.
type Config struct {
	// DBPath is the SQLite file holding execution history.
	DBPath string
	// Workers bounds concurrently executing workflows.
	Workers int
	// MaxAttempts bounds how many times an execution interrupted by a lost
	// worker is resumed before it is marked terminated.
	MaxAttempts int
	// RunTimeout is applied to submissions that do not set their own.
	RunTimeout time.Duration
	// ShutdownGrace is how long Shutdown waits for in-flight executions
	// before interrupting them.
	ShutdownGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.DBPath == "" {
		c.DBPath = ":memory:"
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = time.Hour
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// SubmitRequest starts a new execution of a registered workflow.
type SubmitRequest struct {
	// Tag is the caller's correlation key, e.g. an operation id. At most one
	// execution per tag may be running.
	Tag      string
	Workflow string
	Input    json.RawMessage
	Timeout  time.Duration
}

// Handle identifies a submitted execution.
type Handle struct {
	ExecutionID string `json:"execution_id"`
	Tag         string `json:"tag"`
}

// Description is the engine's authoritative view of the latest execution
// for a tag.
type Description struct {
	ExecutionID string          `json:"execution_id,omitempty"`
	Tag         string          `json:"tag"`
	Workflow    string          `json:"workflow,omitempty"`
	Status      Status          `json:"status"`
	Attempt     int             `json:"attempt,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Engine runs registered workflows durably: every execution and completed
// step is persisted before it is acknowledged, and executions interrupted by
// a process exit are resumed by Start.
type Engine struct {
	cfg     Config
	hist    *history
	logger  *slog.Logger
	slots   chan struct{}
	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	workflows map[string]WorkflowFunc
	active    map[string]*activeRun
	closed    bool
}

// New opens the history database and returns an engine ready to accept
// submissions. Call Start to resume executions left over from a previous
// process.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	cfg.setDefaults()
	h, err := openHistory(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Engine{
		cfg:       cfg,
		hist:      h,
		logger:    logger.With("component", "engine"),
		slots:     make(chan struct{}, cfg.Workers),
		baseCtx:   base,
		stop:      stop,
		workflows: make(map[string]WorkflowFunc),
		active:    make(map[string]*activeRun),
	}, nil
}

// Register makes a workflow available under name.
func (e *Engine) Register(name string, fn WorkflowFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = fn
	preinitMetrics(name)
}

// Start resumes executions that a previous process left running. Each is
// re-run from the top with its completed steps replayed from history, until
// MaxAttempts is reached, after which it is marked terminated.
func (e *Engine) Start(ctx context.Context) error {
	orphans, err := e.hist.running(ctx)
	if err != nil {
		return err
	}
	for _, ex := range orphans {
		e.mu.Lock()
		_, live := e.active[ex.Tag]
		e.mu.Unlock()
		if live {
			continue
		}

		if ex.Attempt >= e.cfg.MaxAttempts {
			msg := fmt.Sprintf("worker lost %d times, giving up", ex.Attempt)
			if _, err := e.hist.finish(ctx, ex.ID, StatusTerminated, nil, msg); err != nil {
				return err
			}
			executionsTotal.WithLabelValues(ex.Workflow, string(StatusTerminated)).Inc()
			e.logger.Warn("abandoned interrupted execution",
				"execution_id", ex.ID, "tag", ex.Tag, "attempt", ex.Attempt)
			continue
		}

		if err := e.hist.bumpAttempt(ctx, ex.ID); err != nil {
			return err
		}
		ex.Attempt++
		e.logger.Info("resuming interrupted execution",
			"execution_id", ex.ID, "tag", ex.Tag, "attempt", ex.Attempt)
		if err := e.launch(ex); err != nil {
			return err
		}
	}
	return nil
}

// Submit records a new execution and starts it asynchronously. The history
// row exists before Submit returns.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (Handle, error) {
	if req.Tag == "" {
		return Handle{}, errors.New("submit: tag is required")
	}
	e.mu.Lock()
	_, known := e.workflows[req.Workflow]
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return Handle{}, ErrShuttingDown
	}
	if !known {
		return Handle{}, errors.Wrapf(ErrUnknownWorkflow, "submit %q", req.Workflow)
	}

	if prev, err := e.hist.latest(ctx, req.Tag); err != nil {
		return Handle{}, err
	} else if prev != nil && prev.Status == StatusRunning {
		return Handle{}, errors.Wrapf(ErrAlreadyRunning, "submit %s", req.Tag)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.RunTimeout
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	ex := &execution{
		ID:        ulid.Make().String(),
		Tag:       req.Tag,
		Workflow:  req.Workflow,
		Input:     input,
		Status:    StatusRunning,
		Attempt:   1,
		Timeout:   timeout,
		StartedAt: time.Now().UTC(),
	}
	if err := e.hist.insert(ctx, ex); err != nil {
		return Handle{}, err
	}
	if err := e.launch(ex); err != nil {
		return Handle{}, err
	}

	e.logger.Info("execution submitted", "execution_id", ex.ID, "tag", ex.Tag, "workflow", ex.Workflow)
	return Handle{ExecutionID: ex.ID, Tag: ex.Tag}, nil
}

func (e *Engine) launch(ex *execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShuttingDown
	}

	ctx, cancel := context.WithCancelCause(e.baseCtx)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.active[ex.Tag] = ar
	activeExecutions.Inc()

	e.wg.Go(func() {
		defer func() {
			cancel(nil)
			e.mu.Lock()
			if e.active[ex.Tag] == ar {
				delete(e.active, ex.Tag)
			}
			e.mu.Unlock()
			activeExecutions.Dec()
			close(ar.done)
		}()
		e.execute(ctx, ex)
	})
	return nil
}

// execute runs one attempt of an execution and records its outcome.
func (e *Engine) execute(ctx context.Context, ex *execution) {
	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
	}

	e.mu.Lock()
	wf := e.workflows[ex.Workflow]
	e.mu.Unlock()

	ctx, cancel := context.WithTimeoutCause(ctx, ex.Timeout-time.Since(ex.StartedAt), ErrRunTimeout)
	defer cancel()

	run := &Run{
		execID:  ex.ID,
		tag:     ex.Tag,
		input:   ex.Input,
		attempt: ex.Attempt,
		hist:    e.hist,
		logger:  e.logger.With("execution_id", ex.ID, "tag", ex.Tag),
	}

	start := time.Now()
	output, err := invoke(ctx, wf, run)
	cause := context.Cause(ctx)

	if err != nil && errors.Is(cause, ErrWorkerShutdown) {
		e.logger.Warn("execution interrupted by shutdown, will resume on restart",
			"execution_id", ex.ID, "tag", ex.Tag)
		return
	}

	status, errMsg := classify(err, cause)
	if status != StatusCompleted {
		output = nil
	}

	finished, ferr := e.hist.finish(context.WithoutCancel(ctx), ex.ID, status, output, errMsg)
	switch {
	case ferr != nil:
		e.logger.Error("failed to record execution outcome", "execution_id", ex.ID, "error", ferr)
		return
	case !finished:
		// Terminate already closed the row.
		return
	}

	executionsTotal.WithLabelValues(ex.Workflow, string(status)).Inc()
	executionDuration.WithLabelValues(ex.Workflow).Observe(time.Since(start).Seconds())
	e.logger.Info("execution finished",
		"execution_id", ex.ID, "tag", ex.Tag, "status", status, "error", errMsg)
}

func invoke(ctx context.Context, wf WorkflowFunc, run *Run) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("workflow panic: %v\n%s", r, debug.Stack())
		}
	}()
	if wf == nil {
		return nil, ErrUnknownWorkflow
	}
	return wf(ctx, run)
}

// classify maps a workflow's return and its context cause to a final status.
func classify(err, cause error) (Status, string) {
	switch {
	case errors.Is(cause, ErrTerminated):
		return StatusTerminated, ErrTerminated.Error()
	case err == nil:
		return StatusCompleted, ""
	case errors.Is(cause, ErrRunTimeout):
		return StatusTimedOut, err.Error()
	case errors.Is(cause, ErrCancelRequested) && isCancellation(err):
		return StatusCancelled, err.Error()
	default:
		return StatusFailed, err.Error()
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelRequested)
}

// ListRunning returns the tags of every execution the engine considers
// running, including ones waiting to be resumed.
func (e *Engine) ListRunning(ctx context.Context) (map[string]struct{}, error) {
	return e.hist.runningTags(ctx)
}

// Describe returns the latest execution for tag. An unknown tag yields
// StatusNotFound and no error.
func (e *Engine) Describe(ctx context.Context, tag string) (Description, error) {
	ex, err := e.hist.latest(ctx, tag)
	if err != nil {
		return Description{}, err
	}
	if ex == nil {
		return Description{Tag: tag, Status: StatusNotFound}, nil
	}
	return Description{
		ExecutionID: ex.ID,
		Tag:         ex.Tag,
		Workflow:    ex.Workflow,
		Status:      ex.Status,
		Attempt:     ex.Attempt,
		Output:      ex.Output,
		Error:       ex.Error,
		StartedAt:   ex.StartedAt,
		FinishedAt:  ex.FinishedAt,
	}, nil
}

// Cancel requests cancellation of the running execution for tag. The
// workflow observes a cancelled context but its steps may still run, so it
// can record the outcome before returning.
func (e *Engine) Cancel(ctx context.Context, tag string) error {
	e.mu.Lock()
	ar, ok := e.active[tag]
	e.mu.Unlock()
	if ok {
		ar.cancel(ErrCancelRequested)
		e.logger.Info("execution cancel requested", "tag", tag)
		return nil
	}
	return e.closeDetached(ctx, tag, StatusCancelled, ErrCancelRequested.Error())
}

// Terminate stops the running execution for tag immediately. No further
// steps run, so the workflow cannot record anything on its way out.
func (e *Engine) Terminate(ctx context.Context, tag, reason string) error {
	msg := ErrTerminated.Error()
	if reason != "" {
		msg += ": " + reason
	}
	if err := e.closeDetached(ctx, tag, StatusTerminated, msg); err != nil {
		return err
	}

	e.mu.Lock()
	ar, ok := e.active[tag]
	e.mu.Unlock()
	if ok {
		ar.cancel(ErrTerminated)
	}
	return nil
}

// closeDetached closes the running history row for tag without waiting for
// the workflow.
func (e *Engine) closeDetached(ctx context.Context, tag string, status Status, msg string) error {
	ex, err := e.hist.latest(ctx, tag)
	if err != nil {
		return err
	}
	if ex == nil || ex.Status != StatusRunning {
		return errors.Wrapf(ErrNotRunning, "%s", tag)
	}
	finished, err := e.hist.finish(ctx, ex.ID, status, nil, msg)
	if err != nil {
		return err
	}
	if !finished {
		return errors.Wrapf(ErrNotRunning, "%s", tag)
	}
	executionsTotal.WithLabelValues(ex.Workflow, string(status)).Inc()
	e.logger.Info("execution closed", "execution_id", ex.ID, "tag", tag, "status", status)
	return nil
}

// Wait blocks until the execution for tag, if any is active in this
// process, returns.
func (e *Engine) Wait(ctx context.Context, tag string) error {
	e.mu.Lock()
	ar, ok := e.active[tag]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work, waits up to the grace period for in-flight
// executions, then interrupts the rest. Interrupted executions stay running
// in history and are resumed by the next Start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(e.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		e.stop(ErrWorkerShutdown)
		<-done
	case <-ctx.Done():
		e.stop(ErrWorkerShutdown)
		<-done
	}
	e.stop(ErrWorkerShutdown)
	return e.hist.close()
}
