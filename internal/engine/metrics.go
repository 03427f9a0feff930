package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opstrack_engine_executions_total",
			Help: "Total number of executions that reached a final status.",
		},
		[]string{"workflow", "status"},
	)

	activeExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opstrack_engine_active_executions",
			Help: "Number of executions currently running in this process.",
		},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opstrack_engine_execution_seconds",
			Help:    "Duration of one execution attempt, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	stepRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opstrack_engine_step_retries_total",
			Help: "Total number of step attempts that failed and were retried.",
		},
		[]string{"step"},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(activeExecutions)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(stepRetries)
}

// preinitMetrics makes a workflow's counters appear in /metrics with value 0
// as soon as it is registered.
func preinitMetrics(workflow string) {
	for _, st := range finalStatuses {
		executionsTotal.WithLabelValues(workflow, string(st))
	}
}
