package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the ledger engine. The registry is
// private; the embedding application mounts Handler() wherever it serves
// metrics.
type Metrics struct {
	registry       *prometheus.Registry
	handler        http.Handler
	opsTotal       *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	integrityScans prometheus.Counter
	integrityDrift prometheus.Counter
}

// NewMetrics initialises the registry and ledger metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_ledger_operations_total",
		Help: "Ledger operations by operation and result.",
	}, []string{"op", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_ledger_operation_duration_seconds",
		Help:    "Ledger operation duration per operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	scans := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_ledger_integrity_scans_total",
		Help: "Completed integrity scan runs.",
	})
	drift := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_ledger_integrity_drift_total",
		Help: "Scopes reported with on-hand drift.",
	})
	registry.MustRegister(ops, duration, scans, drift)
	return &Metrics{
		registry:       registry,
		handler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		opsTotal:       ops,
		opDuration:     duration,
		integrityScans: scans,
		integrityDrift: drift,
	}
}

// Handler returns the http.Handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveLedgerOp records one engine operation outcome.
func (m *Metrics) ObserveLedgerOp(op, result string, started time.Time) {
	if m == nil {
		return
	}
	m.opsTotal.WithLabelValues(op, result).Inc()
	m.opDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// ObserveIntegrityScan records one scan run and how many scopes drifted.
func (m *Metrics) ObserveIntegrityScan(drifting int) {
	if m == nil {
		return
	}
	m.integrityScans.Inc()
	m.integrityDrift.Add(float64(drifting))
}
