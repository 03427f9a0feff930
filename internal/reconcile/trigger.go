package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultInterval is how often the trigger runs a pass when none is configured.
const DefaultInterval = time.Minute

// Runner runs one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// LastPass describes the most recent pass the trigger ran.
type LastPass struct {
	At     time.Time `json:"at"`
	Report Report    `json:"report"`
	Error  string    `json:"error,omitempty"`
}

// Trigger runs reconciliation on a fixed interval and on demand. At most one
// pass is in flight; callers that fire while a pass runs receive that pass'
// result instead of starting another.
type Trigger struct {
	runner   Runner
	interval time.Duration
	group    singleflight.Group
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu   sync.Mutex
	last *LastPass
}

// NewTrigger creates a trigger. Passes run on a context that ends when Stop
// is called, not on the context of whoever fired them.
func NewTrigger(runner Runner, interval time.Duration, logger *slog.Logger) *Trigger {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		runner:   runner,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "reconcile_trigger"),
	}
}

// Start begins the interval loop.
func (t *Trigger) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Info("reconciliation trigger started", "interval", t.interval)
}

// Stop ends the loop and interrupts any pass in flight.
func (t *Trigger) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Info("reconciliation trigger stopped")
}

func (t *Trigger) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Fire(t.ctx); err != nil && t.ctx.Err() == nil {
				t.logger.Warn("scheduled reconciliation pass failed", "error", err)
			}
		}
	}
}

// Fire runs a pass now, or joins the one already in flight.
func (t *Trigger) Fire(ctx context.Context) (Report, error) {
	ch := t.group.DoChan("reconcile", func() (any, error) {
		report, err := t.runner.Run(t.ctx)
		t.record(report, err)
		return report, err
	})

	select {
	case res := <-ch:
		if res.Shared {
			t.logger.Debug("joined in-flight reconciliation pass")
		}
		report, _ := res.Val.(Report)
		return report, res.Err
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (t *Trigger) record(report Report, err error) {
	lp := &LastPass{At: time.Now().UTC(), Report: report}
	if err != nil {
		lp.Error = err.Error()
	}
	t.mu.Lock()
	t.last = lp
	t.mu.Unlock()
}

// Last returns the most recent pass, or nil if none has run.
func (t *Trigger) Last() *LastPass {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	lp := *t.last
	return &lp
}
