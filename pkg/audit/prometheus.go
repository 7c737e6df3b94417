package audit

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

// PrometheusCollector turns audit events into request metrics.
type PrometheusCollector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamRetries *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
}

// NewPrometheusCollector creates the collector and registers its metrics.
func NewPrometheusCollector(registerer prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of requests handled by route, outcome and status",
			},
			[]string{"route", "upstream", "outcome", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Request latency in seconds from entry to response",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "outcome"},
		),
		upstreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_retries_total",
				Help: "Total number of upstream retry attempts",
			},
			[]string{"upstream"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_failures_total",
				Help: "Total number of rejected credentials by reason",
			},
			[]string{"reason"},
		),
	}

	for _, collector := range []prometheus.Collector{c.requestsTotal, c.requestDuration, c.upstreamRetries, c.authFailures} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Collect implements Collector.
func (c *PrometheusCollector) Collect(_ context.Context, event domain.AuditEvent) error {
	route := event.RouteID
	if route == "" {
		route = "none"
	}

	c.requestsTotal.WithLabelValues(route, event.Upstream, string(event.Outcome), strconv.Itoa(event.Status)).Inc()
	c.requestDuration.WithLabelValues(route, string(event.Outcome)).Observe(event.Latency.Seconds())

	if event.Attempts > 1 {
		c.upstreamRetries.WithLabelValues(event.Upstream).Add(float64(event.Attempts - 1))
	}
	if event.Outcome == domain.OutcomeUnauthenticated {
		c.authFailures.WithLabelValues(event.Reason).Inc()
	}
	return nil
}
