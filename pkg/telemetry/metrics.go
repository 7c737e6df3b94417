package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

var (
	metricsOnce              sync.Once
	metricsInitErr           error
	requestCounter           metric.Int64Counter
	retryCounter             metric.Int64Counter
	circuitOpenCounter       metric.Int64Counter
	rateLimitedCounter       metric.Int64Counter
	timeoutCounter           metric.Int64Counter
	circuitTransitionCounter metric.Int64Counter
	latencyHistogram         metric.Float64Histogram
)

// DispatchMetrics captures the fields needed to record a finished request.
type DispatchMetrics struct {
	RouteID  string
	Upstream string
	Method   string
	Outcome  domain.Outcome
	Reason   string
	Status   int
	Attempts int
	Duration time.Duration
}

// RecordDispatch emits counters and histograms that describe a finished request.
func RecordDispatch(ctx context.Context, m DispatchMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	routeID := m.RouteID
	if routeID == "" {
		routeID = "unmatched"
	}
	attrs := []attribute.KeyValue{
		attribute.String("route.id", routeID),
		attribute.String("upstream.id", m.Upstream),
		attribute.String("http.request.method", m.Method),
		attribute.String("gateway.outcome", string(m.Outcome)),
		attribute.String("http.response.status_class", statusClass(m.Status)),
	}

	requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		latencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if m.Attempts > 1 {
		retryCounter.Add(ctx, int64(m.Attempts-1), metric.WithAttributes(
			attribute.String("route.id", routeID),
			attribute.String("upstream.id", m.Upstream),
		))
	}

	switch {
	case m.Outcome == domain.OutcomeUpstreamUnavailable && m.Reason == domain.ReasonCircuitOpen:
		circuitOpenCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("upstream.id", m.Upstream)))
	case m.Outcome == domain.OutcomeRateLimited:
		rateLimitedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("route.id", routeID)))
	case m.Outcome == domain.OutcomeTimeout:
		timeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordCircuitTransition counts a circuit breaker state change.
func RecordCircuitTransition(ctx context.Context, upstream, from, to string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	circuitTransitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("upstream.id", upstream),
		attribute.String("circuit.from", from),
		attribute.String("circuit.to", to),
	))
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("budgetiq.gateway")

		requestCounter, metricsInitErr = meter.Int64Counter(
			"gateway.requests_total",
			metric.WithDescription("Gateway requests partitioned by route and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		retryCounter, metricsInitErr = meter.Int64Counter(
			"gateway.upstream.retries_total",
			metric.WithDescription("Retry attempts performed against upstreams"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		circuitOpenCounter, metricsInitErr = meter.Int64Counter(
			"gateway.upstream.circuit_open_total",
			metric.WithDescription("Requests short-circuited by an open breaker"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		rateLimitedCounter, metricsInitErr = meter.Int64Counter(
			"gateway.rate_limited_total",
			metric.WithDescription("Requests rejected by a route rate limit"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		timeoutCounter, metricsInitErr = meter.Int64Counter(
			"gateway.timeout_total",
			metric.WithDescription("Requests that exceeded their overall deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		circuitTransitionCounter, metricsInitErr = meter.Int64Counter(
			"gateway.circuit.transitions_total",
			metric.WithDescription("Circuit breaker state transitions"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		latencyHistogram, metricsInitErr = meter.Float64Histogram(
			"gateway.request.duration_ms",
			metric.WithDescription("Observed end-to-end request latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	requestCounter = nil
	retryCounter = nil
	circuitOpenCounter = nil
	rateLimitedCounter = nil
	timeoutCounter = nil
	circuitTransitionCounter = nil
	latencyHistogram = nil
}
