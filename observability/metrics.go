package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RPCMetrics counts JSON-RPC traffic by method and HTTP status.
type RPCMetrics struct {
	calls     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttled *prometheus.CounterVec
}

var (
	rpcOnce    sync.Once
	rpcMetrics *RPCMetrics
)

// RPC returns the process-wide RPC metrics, registering them on first use.
func RPC() *RPCMetrics {
	rpcOnce.Do(func() {
		rpcMetrics = &RPCMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "auction",
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "JSON-RPC calls by method and HTTP status.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "auction",
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "JSON-RPC handler latency by method.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			}, []string{"method"}),
			throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "auction",
				Subsystem: "rpc",
				Name:      "throttled_total",
				Help:      "Requests refused before dispatch, by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(rpcMetrics.calls, rpcMetrics.latency, rpcMetrics.throttled)
	})
	return rpcMetrics
}

// Observe records one call. Callers pass "unknown" for unregistered methods so
// clients cannot grow the label set.
func (m *RPCMetrics) Observe(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Throttled counts a refused request.
func (m *RPCMetrics) Throttled(reason string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(reason).Inc()
}
