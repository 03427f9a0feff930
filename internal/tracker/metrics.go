package tracker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/opstrack/internal/model"
)

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opstrack_tracker_transitions_total",
			Help: "Total number of operation status transitions applied by the tracker.",
		},
		[]string{"status"},
	)

	statusWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opstrack_tracker_status_write_failures_total",
			Help: "Terminal status writes the tracker gave up on.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(statusWriteFailures)

	for _, st := range model.Statuses {
		if st == model.StatusAccepted {
			continue
		}
		transitionsTotal.WithLabelValues(string(st))
		statusWriteFailures.WithLabelValues(string(st))
	}
}
