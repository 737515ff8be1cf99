package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AuctionMetrics tracks the outcome of auction state machine operations.
type AuctionMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	violations prometheus.Counter
	open       prometheus.Gauge
	escrowed   prometheus.Counter
}

var (
	auctionOnce     sync.Once
	auctionRegistry *AuctionMetrics
)

func Auction() *AuctionMetrics {
	auctionOnce.Do(func() {
		auctionRegistry = &AuctionMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "auction_operations_total",
				Help: "Count of auction operations by operation and outcome class.",
			}, []string{"operation", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "auction_operation_duration_seconds",
				Help:    "Time spent executing auction operations including commit.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			violations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "auction_invariant_violations_total",
				Help: "Count of detected escrow ledger inconsistencies.",
			}),
			open: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "auction_open_auctions",
				Help: "Auctions opened and not yet closed since the node started.",
			}),
			escrowed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "auction_bids_escrowed_total",
				Help: "Number of bids whose stake moved into a treasury.",
			}),
		}
		prometheus.MustRegister(
			auctionRegistry.operations,
			auctionRegistry.duration,
			auctionRegistry.violations,
			auctionRegistry.open,
			auctionRegistry.escrowed,
		)
	})
	return auctionRegistry
}

// ObserveOperation records one operation. Outcome is "ok" or the error class.
func (m *AuctionMetrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *AuctionMetrics) IncInvariantViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *AuctionMetrics) AuctionOpened() {
	if m == nil {
		return
	}
	m.open.Inc()
}

func (m *AuctionMetrics) AuctionClosed() {
	if m == nil {
		return
	}
	m.open.Dec()
}

func (m *AuctionMetrics) BidEscrowed() {
	if m == nil {
		return
	}
	m.escrowed.Inc()
}
