package reconcile

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"opstrack_reconcile_passes_total",
		"opstrack_reconcile_pass_errors_total",
		"opstrack_reconcile_pass_seconds",
		"opstrack_reconcile_candidates_checked_total",
		"opstrack_reconcile_reconciled_total",
		"opstrack_reconcile_unknown_executions_total",
	}

	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}

	for _, name := range expected {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestObservePass(t *testing.T) {
	before := counterValue(t, "opstrack_reconcile_candidates_checked_total")
	passesBefore := counterValue(t, "opstrack_reconcile_passes_total")

	observePass(Report{Running: 10, Checked: 3}, 20*time.Millisecond)

	if got := counterValue(t, "opstrack_reconcile_candidates_checked_total") - before; got != 3 {
		t.Errorf("candidates checked delta = %v, want 3", got)
	}
	if got := counterValue(t, "opstrack_reconcile_passes_total") - passesBefore; got != 1 {
		t.Errorf("passes delta = %v, want 1", got)
	}
}

func counterValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var fam *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == name {
			fam = f
			break
		}
	}
	if fam == nil {
		t.Fatalf("metric family %s not found", name)
	}
	var total float64
	for _, m := range fam.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}
