package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackerRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	for i := 0; i < 3; i++ {
		tracker := metrics.Track("billing:sync")
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	tracker := metrics.Track("billing:sync")
	if err := tracker.End(errors.New("upstream down")); err == nil {
		t.Fatal("expected error to propagate")
	}

	success := testutil.ToFloat64(metrics.runs.WithLabelValues("billing:sync", "success"))
	if success != 3 {
		t.Fatalf("expected 3 successes, got %v", success)
	}
	failures := testutil.ToFloat64(metrics.failures.WithLabelValues("billing:sync"))
	if failures != 1 {
		t.Fatalf("expected 1 failure, got %v", failures)
	}
}

func TestNilMetricsTrackerIsSafe(t *testing.T) {
	var metrics *Metrics
	tracker := metrics.Track("billing:sync")
	if err := tracker.End(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
