package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
)

// Run is the handle a workflow uses to learn about its execution and to
// perform durable steps.
type Run struct {
	execID  string
	tag     string
	input   json.RawMessage
	attempt int
	hist    *history
	logger  *slog.Logger
}

// ID returns the execution id.
func (r *Run) ID() string { return r.execID }

// Tag returns the tag the execution was submitted with.
func (r *Run) Tag() string { return r.tag }

// Input returns the raw submission input.
func (r *Run) Input() json.RawMessage { return r.input }

// Attempt is 1 for a fresh execution and grows each time it is resumed.
func (r *Run) Attempt() int { return r.attempt }

// Logger returns a logger carrying the execution id and tag.
func (r *Run) Logger() *slog.Logger { return r.logger }

// CancelRequested reports whether ctx was cancelled by Engine.Cancel.
func (r *Run) CancelRequested(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrCancelRequested)
}

// StepOptions control how a step is attempted.
type StepOptions struct {
	// Timeout bounds a single attempt. Defaults to 30s.
	Timeout time.Duration
	// MaxElapsed bounds the step across all attempts and backoff.
	// Defaults to Timeout.
	MaxElapsed time.Duration
	// MaxAttempts stops retrying after this many attempts. Zero means no
	// limit other than MaxElapsed.
	MaxAttempts int
	// InitialInterval is the first backoff delay, doubled per attempt up to
	// MaxInterval. Defaults to 100ms and 5s.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Interruptible steps refuse to start once cancellation has been
	// requested instead of running detached from it.
	Interruptible bool
}

func (o *StepOptions) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = o.Timeout
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 100 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Second
	}
}

// backOff builds the retry schedule for one step: exponential from
// InitialInterval, capped at MaxInterval, stopping at MaxElapsed, after
// MaxAttempts, or when ctx is done.
func (o StepOptions) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.InitialInterval
	eb.MaxInterval = o.MaxInterval
	eb.MaxElapsedTime = o.MaxElapsed
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	var b backoff.BackOff = eb
	if o.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(o.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

type nonRetryableError struct{ cause error }

func (e *nonRetryableError) Error() string { return e.cause.Error() }
func (e *nonRetryableError) Unwrap() error { return e.cause }

// NonRetryable marks err so that Step returns it without retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{cause: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// Step runs fn as a named, durable step. A step that already completed in an
// earlier attempt of this execution is not run again; its recorded output is
// returned. Failed attempts are retried with exponential backoff.
//
// Once cancellation has been requested, steps still run on a context detached
// from the cancellation so the workflow can record its outcome, unless they
// are Interruptible. After a terminate, run timeout or worker shutdown, steps
// refuse to run.
func (r *Run) Step(ctx context.Context, name string, opts StepOptions, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	opts.setDefaults()

	base := ctx
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if opts.Interruptible || !errors.Is(cause, ErrCancelRequested) {
			return nil, errors.Wrapf(cause, "step %s refused", name)
		}
		base = context.WithoutCancel(ctx)
	}

	if out, done, err := r.hist.stepOutput(base, r.execID, name); err != nil {
		return nil, err
	} else if done {
		r.logger.Debug("step replayed from history", "step", name)
		return out, nil
	}

	var (
		out      json.RawMessage
		lastErr  error
		attempts int
	)
	attempt := func() error {
		attempts++
		actx, cancel := context.WithTimeout(base, opts.Timeout)
		defer cancel()
		out, lastErr = fn(actx)
		if IsNonRetryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	notify := func(err error, delay time.Duration) {
		stepRetries.WithLabelValues(name).Inc()
		r.logger.Warn("step attempt failed, retrying",
			"step", name, "attempt", attempts, "backoff", delay, "error", err)
	}

	if err := backoff.RetryNotify(attempt, opts.backOff(base), notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, errors.Wrapf(lastErr, "step %s failed after %d attempt(s)", name, attempts)
	}
	if err := r.hist.recordStep(context.WithoutCancel(base), r.execID, name, out); err != nil {
		return nil, err
	}
	return out, nil
}
