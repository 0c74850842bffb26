package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics records pool operation activity for the HTTP surface.
type PoolMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// Metrics returns the lazily-initialised pool metrics registry.
func Metrics() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bondmm",
				Subsystem: "pool",
				Name:      "operations_total",
				Help:      "Total pool operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bondmm",
				Subsystem: "pool",
				Name:      "errors_total",
				Help:      "Total pool operation errors segmented by operation and category.",
			}, []string{"operation", "category"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bondmm",
				Subsystem: "pool",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for pool operation handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			poolRegistry.requests,
			poolRegistry.errors,
			poolRegistry.latency,
		)
	})
	return poolRegistry
}

// ObserveOperation records one completed operation with its outcome.
func (m *PoolMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// CountError records one failed operation under its error category.
func (m *PoolMetrics) CountError(operation, category string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(operation, category).Inc()
}
