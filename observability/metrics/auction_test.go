package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestAuctionMetricsCountOutcomes(t *testing.T) {
	m := Auction()
	before := testutil.ToFloat64(m.operations.WithLabelValues("bid", "ok"))
	m.ObserveOperation("bid", "ok", 5*time.Millisecond)
	m.ObserveOperation("bid", "bid", time.Millisecond)
	if got := testutil.ToFloat64(m.operations.WithLabelValues("bid", "ok")); got != before+1 {
		t.Fatalf("expected ok counter to advance by one, got %v -> %v", before, got)
	}

	violations := testutil.ToFloat64(m.violations)
	m.IncInvariantViolation()
	if got := testutil.ToFloat64(m.violations); got != violations+1 {
		t.Fatalf("expected violation counter to advance")
	}

	var nilMetrics *AuctionMetrics
	nilMetrics.ObserveOperation("bid", "ok", time.Second)
	nilMetrics.AuctionOpened()
}

func TestAuctionMetricsRecordLatency(t *testing.T) {
	m := Auction()
	hist, ok := m.duration.WithLabelValues("settle").(prometheus.Histogram)
	if !ok {
		t.Fatalf("expected histogram observer")
	}
	var before dto.Metric
	if err := hist.Write(&before); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.ObserveOperation("settle", "ok", 20*time.Millisecond)
	var after dto.Metric
	if err := hist.Write(&after); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := after.GetHistogram().GetSampleCount(); got != before.GetHistogram().GetSampleCount()+1 {
		t.Fatalf("expected one more sample, got %d", got)
	}
}
