// Package reconcile repairs operation records whose status has drifted from
// the execution engine's authoritative view, and schedules that repair.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/seantiz/opstrack/internal/engine"
	"github.com/seantiz/opstrack/internal/model"
	"github.com/seantiz/opstrack/internal/store"
)

// Engine is the read side of the execution engine used by reconciliation.
type Engine interface {
	// ListRunning returns the tags of all executions still running.
	ListRunning(ctx context.Context) (map[string]struct{}, error)
	// Describe returns the latest execution for a tag.
	Describe(ctx context.Context, tag string) (engine.Description, error)
}

// Store is the part of the record store reconciliation uses.
type Store interface {
	ListOperationIDsByStatus(ctx context.Context, status model.Status) ([]string, error)
	Transition(ctx context.Context, id string, tr model.Transition) (store.Outcome, error)
}

// Notifier receives status changes applied by reconciliation.
type Notifier interface {
	Publish(ev model.Event)
}

// Config tunes a Reconciler.
type Config struct {
	// QueryTimeout bounds each engine query. Defaults to 10s.
	QueryTimeout time.Duration
	// QueriesPerSecond paces individual Describe calls. Zero means no limit.
	QueriesPerSecond float64
	// Concurrency bounds in-flight Describe calls. Defaults to 4.
	Concurrency int
	// TerminatedAs is the status recorded for executions terminated
	// externally: FAILED (default) or CANCELLED.
	TerminatedAs model.Status
}

// Report summarizes one reconciliation pass.
type Report struct {
	// Running is the number of RUNNING records found.
	Running int `json:"running"`
	// Accepted is the number of ACCEPTED records found.
	Accepted int `json:"accepted"`
	// Checked is the number of records whose execution was queried
	// individually.
	Checked int `json:"checked"`
	// Reconciled is the number of records moved to a terminal status.
	Reconciled int `json:"reconciled"`
	// Unknown counts records with no matching execution.
	Unknown int `json:"unknown"`
	// Errors counts candidates skipped because of a store or engine error.
	Errors     int   `json:"errors"`
	DurationMS int64 `json:"duration_ms"`
}

const source = "reconciler"

// Reconciler runs reconciliation passes.
type Reconciler struct {
	store    Store
	engine   Engine
	notifier Notifier
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New creates a Reconciler. notifier may be nil.
func New(s Store, e Engine, notifier Notifier, cfg Config, logger *slog.Logger) (*Reconciler, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	switch cfg.TerminatedAs {
	case "":
		cfg.TerminatedAs = model.StatusFailed
	case model.StatusFailed, model.StatusCancelled:
	default:
		return nil, errors.Newf("terminated executions must map to FAILED or CANCELLED, got %q", cfg.TerminatedAs)
	}

	limit := rate.Inf
	if cfg.QueriesPerSecond > 0 {
		limit = rate.Limit(cfg.QueriesPerSecond)
	}
	return &Reconciler{
		store:    s,
		engine:   e,
		notifier: notifier,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Concurrency),
		logger:   logger.With("component", "reconciler"),
	}, nil
}

// Run performs one reconciliation pass. Only RUNNING and ACCEPTED records
// whose execution is absent from the engine's running set are queried
// individually, and only those are moved to a terminal status. An ACCEPTED
// record whose execution ended before marking it RUNNING is recorded as
// FAILED. Errors for single records are logged, counted and skipped; an
// error is returned only when the pass could not start.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report
	defer func() {
		elapsed := time.Since(start)
		report.DurationMS = elapsed.Milliseconds()
		observePass(report, elapsed)
	}()

	running, err := r.store.ListOperationIDsByStatus(ctx, model.StatusRunning)
	if err != nil {
		passErrors.Inc()
		return report, errors.Wrap(err, "list running operations")
	}
	accepted, err := r.store.ListOperationIDsByStatus(ctx, model.StatusAccepted)
	if err != nil {
		passErrors.Inc()
		return report, errors.Wrap(err, "list accepted operations")
	}
	report.Running = len(running)
	report.Accepted = len(accepted)
	if len(running)+len(accepted) == 0 {
		r.logger.Info("no unsettled operations to reconcile")
		return report, nil
	}

	qctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	stillRunning, err := r.engine.ListRunning(qctx)
	cancel()
	if err != nil {
		passErrors.Inc()
		return report, &model.EngineQueryError{Op: "list_running", Err: err}
	}

	type candidate struct {
		id   string
		from model.Status
	}
	candidates := make([]candidate, 0, len(running)+len(accepted))
	for _, c := range []struct {
		ids  []string
		from model.Status
	}{{running, model.StatusRunning}, {accepted, model.StatusAccepted}} {
		for _, id := range c.ids {
			if _, ok := stillRunning[id]; !ok {
				candidates = append(candidates, candidate{id: id, from: c.from})
			}
		}
	}
	r.logger.Info("reconciliation pass started",
		"running", len(running), "accepted", len(accepted),
		"still_running", len(stillRunning), "candidates", len(candidates))

	var mu sync.Mutex
	tally := func(fn func(*Report)) {
		mu.Lock()
		defer mu.Unlock()
		fn(&report)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, c := range candidates {
		if err := r.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			r.reconcileOne(gctx, c.id, c.from, tally)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, errors.Wrap(err, "reconciliation pass interrupted")
	}

	r.logger.Info("reconciliation pass finished",
		"running", report.Running, "accepted", report.Accepted, "checked", report.Checked,
		"reconciled", report.Reconciled, "unknown", report.Unknown, "errors", report.Errors)
	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, id string, from model.Status, tally func(func(*Report))) {
	logger := r.logger.With("operation_id", id, "status", from)

	qctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	desc, err := r.engine.Describe(qctx, id)
	cancel()
	tally(func(rep *Report) { rep.Checked++ })
	if err != nil {
		err = &model.EngineQueryError{Op: "describe", Tag: id, Err: err}
		logger.Warn("engine query failed, will retry next pass", "error", err)
		tally(func(rep *Report) { rep.Errors++ })
		return
	}

	to, result, ok := r.mapStatus(from, desc)
	if !ok {
		switch {
		case desc.Status == engine.StatusNotFound && from == model.StatusAccepted:
			// Submission may not have happened yet.
			logger.Debug("accepted operation has no execution yet")
		case desc.Status == engine.StatusNotFound:
			err := model.NewUnknownExecutionError(id)
			logger.Warn("operation has no execution, leaving it RUNNING",
				"error", err, "hint", errors.FlattenHints(err))
			unknownTotal.Inc()
			tally(func(rep *Report) { rep.Unknown++ })
		default:
			logger.Debug("execution still running", "engine_status", desc.Status)
		}
		return
	}

	tr := model.Transition{
		From:        from,
		To:          to,
		At:          time.Now().UTC(),
		ExecutionID: desc.ExecutionID,
		Result:      result,
	}
	_, err = r.store.Transition(ctx, id, tr)
	switch {
	case err == nil:
	case model.IsAlreadyTerminal(err), model.IsInvalidTransition(err):
		logger.Debug("operation changed status since the scan, skipping", "error", err)
		return
	case errors.Is(err, model.ErrNotFound):
		logger.Warn("operation disappeared during reconciliation", "error", err)
		return
	default:
		logger.Error("failed to reconcile operation", "error", err)
		tally(func(rep *Report) { rep.Errors++ })
		return
	}

	reconciledTotal.WithLabelValues(string(to)).Inc()
	tally(func(rep *Report) { rep.Reconciled++ })
	logger.Info("reconciled operation",
		"from", from, "to", to, "engine_status", desc.Status)
	if r.notifier != nil {
		r.notifier.Publish(model.Event{OperationID: id, Status: to, Source: source, At: tr.At, Result: result})
	}
}

// mapStatus returns the terminal status and result to record for a record in
// status from whose execution is described by d, or false when the record
// must be left alone. An ACCEPTED record can only move to FAILED.
func (r *Reconciler) mapStatus(from model.Status, d engine.Description) (model.Status, *model.Result, bool) {
	failure := func(to model.Status) (model.Status, *model.Result, bool) {
		msg := fmt.Sprintf("execution %s", d.Status)
		if from == model.StatusAccepted {
			msg += " before the operation started"
		}
		if d.Error != "" {
			msg += ": " + d.Error
		}
		return to, model.ErrorResult(msg, model.ReasonEngineReported), true
	}

	switch d.Status {
	case engine.StatusCompleted:
		if from == model.StatusAccepted {
			return failure(model.StatusFailed)
		}
		return model.StatusCompleted, model.OutputResult(d.Output), true
	case engine.StatusFailed, engine.StatusCancelled, engine.StatusTimedOut:
		return failure(model.StatusFailed)
	case engine.StatusTerminated:
		if from == model.StatusAccepted {
			return failure(model.StatusFailed)
		}
		return failure(r.cfg.TerminatedAs)
	default:
		return "", nil, false
	}
}
