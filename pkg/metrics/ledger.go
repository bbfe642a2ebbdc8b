package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics records outcomes of ledger engine operations.
type LedgerMetrics struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
	deferred prometheus.Gauge
}

// NewLedgerMetrics registers the ledger metrics on the provided registerer.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Duration of ledger operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operation_success",
		Help: "Ledger operations that committed or were deferred.",
	}, []string{"operation", "status"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operation_failure",
		Help: "Ledger operations that failed, by error code.",
	}, []string{"operation", "code"})
	deferred := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_deferred_writes",
		Help: "Writes parked while the database is unreachable.",
	})
	reg.MustRegister(duration, success, failure, deferred)
	return &LedgerMetrics{
		duration: duration,
		success:  success,
		failure:  failure,
		deferred: deferred,
	}
}

// ObserveSuccess records a successful operation and how long it took.
func (m *LedgerMetrics) ObserveSuccess(operation, status string, duration time.Duration) {
	if m == nil || m.success == nil {
		return
	}
	m.success.WithLabelValues(normalizeLabel(operation), normalizeLabel(status)).Inc()
	m.duration.WithLabelValues(normalizeLabel(operation)).Observe(duration.Seconds())
}

// ObserveFailure records a failed operation under its error code.
func (m *LedgerMetrics) ObserveFailure(operation, code string, duration time.Duration) {
	if m == nil || m.failure == nil {
		return
	}
	m.failure.WithLabelValues(normalizeLabel(operation), normalizeLabel(code)).Inc()
	m.duration.WithLabelValues(normalizeLabel(operation)).Observe(duration.Seconds())
}

// SetDeferred reports the number of parked writes.
func (m *LedgerMetrics) SetDeferred(n int) {
	if m == nil || m.deferred == nil {
		return
	}
	m.deferred.Set(float64(n))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
