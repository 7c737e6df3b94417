package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/budgetiq/budgetiq-gateway/internal/governance"
)

// Metrics holds the gateway's process-level Prometheus metrics. Per-request
// counters are fed by the audit Prometheus collector registered on the same registry.
type Metrics struct {
	inFlight prometheus.Gauge

	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec

	upstreamHealthy *prometheus.GaugeVec

	auditDropped prometheus.Counter

	configReloads    *prometheus.CounterVec
	configGeneration prometheus.Gauge

	adminRequestsTotal   *prometheus.CounterVec
	adminRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on a private registry that also
// carries the Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_requests_in_flight",
				Help: "Number of data plane requests currently being served",
			},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_state",
				Help: "Circuit breaker state per upstream (0=closed, 1=half_open, 2=open)",
			},
			[]string{"upstream"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"upstream", "from", "to"},
		),

		upstreamHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_upstream_healthy",
				Help: "Result of the latest upstream health probe (1=healthy, 0=unhealthy)",
			},
			[]string{"upstream"},
		),

		auditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_audit_events_dropped_total",
				Help: "Total number of audit events dropped because the queue was full or closed",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		configGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_config_generation",
				Help: "Generation of the active runtime configuration",
			},
		),

		adminRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admin_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		adminRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_admin_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inFlight,
		m.circuitState,
		m.circuitTransitions,
		m.upstreamHealthy,
		m.auditDropped,
		m.configReloads,
		m.configGeneration,
		m.adminRequestsTotal,
		m.adminRequestDuration,
	)

	return m
}

// RecordCircuitTransition records a breaker state change.
func (m *Metrics) RecordCircuitTransition(upstream string, from, to governance.CircuitBreakerState) {
	m.circuitTransitions.WithLabelValues(upstream, string(from), string(to)).Inc()
	m.SetCircuitState(upstream, to)
}

// SetCircuitState updates the state gauge of one upstream.
func (m *Metrics) SetCircuitState(upstream string, state governance.CircuitBreakerState) {
	var value float64
	switch state {
	case governance.StateHalfOpen:
		value = 1
	case governance.StateOpen:
		value = 2
	}
	m.circuitState.WithLabelValues(upstream).Set(value)
}

// SetUpstreamHealth records the result of a health probe.
func (m *Metrics) SetUpstreamHealth(upstream string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.upstreamHealthy.WithLabelValues(upstream).Set(value)
}

// RecordAuditDrop counts a dropped audit event.
func (m *Metrics) RecordAuditDrop() {
	m.auditDropped.Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string, generation uint64) {
	m.configReloads.WithLabelValues(status).Inc()
	if status == "success" {
		m.configGeneration.Set(float64(generation))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AdminMiddleware records request metrics for admin endpoints.
func (m *Metrics) AdminMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := newResponseRecorder(w)
		next.ServeHTTP(wrapped, r)

		m.adminRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(wrapped.Status())).Inc()
		m.adminRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
