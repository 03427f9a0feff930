package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/opstrack/internal/model"
)

var (
	passesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opstrack_reconcile_passes_total",
			Help: "Total number of reconciliation passes run.",
		},
	)

	passErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opstrack_reconcile_pass_errors_total",
			Help: "Reconciliation passes that could not scan the store or the engine.",
		},
	)

	passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opstrack_reconcile_pass_seconds",
			Help:    "Duration of a reconciliation pass, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	candidatesChecked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opstrack_reconcile_candidates_checked_total",
			Help: "RUNNING or ACCEPTED operations whose execution was queried individually.",
		},
	)

	reconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opstrack_reconcile_reconciled_total",
			Help: "Operations moved to a terminal status by reconciliation.",
		},
		[]string{"status"},
	)

	unknownTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opstrack_reconcile_unknown_executions_total",
			Help: "RUNNING operations for which the engine had no execution.",
		},
	)
)

func init() {
	prometheus.MustRegister(passesTotal)
	prometheus.MustRegister(passErrors)
	prometheus.MustRegister(passDuration)
	prometheus.MustRegister(candidatesChecked)
	prometheus.MustRegister(reconciledTotal)
	prometheus.MustRegister(unknownTotal)

	for _, st := range []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusCancelled} {
		reconciledTotal.WithLabelValues(string(st))
	}
}

func observePass(r Report, elapsed time.Duration) {
	passesTotal.Inc()
	passDuration.Observe(elapsed.Seconds())
	candidatesChecked.Add(float64(r.Checked))
}
