package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BuybackEngineMetrics tracks engine operation outcomes and the number of
// orders currently committed to the exchange.
type BuybackEngineMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	pending    prometheus.Gauge
}

// HTTPMetrics tracks API request volume and latency.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// KeeperMetrics tracks the outcome of keeper pokes.
type KeeperMetrics struct {
	pokes *prometheus.CounterVec
	runs  prometheus.Counter
}

var (
	buybackOnce     sync.Once
	buybackRegistry *BuybackEngineMetrics

	httpOnce     sync.Once
	httpRegistry *HTTPMetrics

	keeperOnce     sync.Once
	keeperRegistry *KeeperMetrics
)

// BuybackMetrics returns the lazily registered engine metrics.
func BuybackMetrics() *BuybackEngineMetrics {
	buybackOnce.Do(func() {
		buybackRegistry = &BuybackEngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "buyback",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "buyback",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency of engine operations including exchange interactions.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			}, []string{"op"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "buyback",
				Subsystem: "engine",
				Name:      "pending_orders",
				Help:      "Sell orders posted and not yet claimed or released.",
			}),
		}
		prometheus.MustRegister(buybackRegistry.operations, buybackRegistry.latency, buybackRegistry.pending)
	})
	return buybackRegistry
}

// ObserveOperation records a single engine call.
func (m *BuybackEngineMetrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	op = normalizeLabel(op)
	m.operations.WithLabelValues(op, normalizeLabel(outcome)).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// AddPendingOrders moves the pending order gauge.
func (m *BuybackEngineMetrics) AddPendingOrders(delta int) {
	if m == nil {
		return
	}
	m.pending.Add(float64(delta))
}

// SetPendingOrders resets the pending order gauge, typically at start-up.
func (m *BuybackEngineMetrics) SetPendingOrders(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// HTTP returns the lazily registered API metrics.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "buyback",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "API requests segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "buyback",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "API request latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "buyback",
				Subsystem: "http",
				Name:      "throttled_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttles)
	})
	return httpRegistry
}

// Observe records a completed request.
func (m *HTTPMetrics) Observe(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	route = normalizeLabel(route)
	method = strings.ToUpper(strings.TrimSpace(method))
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// RecordThrottle counts a rate-limited request.
func (m *HTTPMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(route)).Inc()
}

// Keeper returns the lazily registered keeper metrics.
func Keeper() *KeeperMetrics {
	keeperOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			pokes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "buyback",
				Subsystem: "keeper",
				Name:      "pokes_total",
				Help:      "Keeper post and claim attempts segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			runs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "buyback",
				Subsystem: "keeper",
				Name:      "runs_total",
				Help:      "Completed keeper sweeps.",
			}),
		}
		prometheus.MustRegister(keeperRegistry.pokes, keeperRegistry.runs)
	})
	return keeperRegistry
}

// RecordPoke counts one keeper action.
func (m *KeeperMetrics) RecordPoke(action, outcome string) {
	if m == nil {
		return
	}
	m.pokes.WithLabelValues(normalizeLabel(action), normalizeLabel(outcome)).Inc()
}

// RecordRun counts a finished sweep.
func (m *KeeperMetrics) RecordRun() {
	if m == nil {
		return
	}
	m.runs.Inc()
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
