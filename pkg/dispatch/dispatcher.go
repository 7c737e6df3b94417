package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/budgetiq/budgetiq-gateway/internal/governance"
	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
	"github.com/budgetiq/budgetiq-gateway/pkg/policy"
	"github.com/budgetiq/budgetiq-gateway/pkg/telemetry"
)

// MaxReplayableBody bounds the request body buffered for idempotent methods so
// it can be replayed on retry.
const MaxReplayableBody = 1 << 20

// Limiter sheds load per route before the upstream is contacted.
type Limiter interface {
	Allow(routeID string) bool
	RetryAfter(routeID string) time.Duration
}

// Config assembles a Dispatcher.
type Config struct {
	// Targets maps upstream ids to resolved targets.
	Targets map[string]*Target
	// Transport performs upstream round trips. Defaults to an otelhttp
	// instrumented clone of http.DefaultTransport. Redirects are never followed.
	Transport http.RoundTripper
	// Authorizer evaluates route policies. Required when any route names one.
	Authorizer policy.Authorizer
	// Limiter is optional.
	Limiter Limiter
	// AuthBudget is the share of the overall request deadline reserved for
	// authentication and routing.
	AuthBudget time.Duration
	Logger     *slog.Logger
}

// Dispatcher forwards routed requests to upstreams. It is immutable; a
// configuration reload builds a new one.
type Dispatcher struct {
	targets    map[string]*Target
	transport  http.RoundTripper
	authorizer policy.Authorizer
	limiter    Limiter
	authBudget time.Duration
	logger     *slog.Logger
}

// UpstreamStatusError reports an upstream 5xx answer. Its body has been discarded.
type UpstreamStatusError struct {
	Upstream   string
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream %s answered %d", e.Upstream, e.StatusCode)
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	transport := cfg.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	targets := make(map[string]*Target, len(cfg.Targets))
	for id, target := range cfg.Targets {
		targets[id] = target
	}
	return &Dispatcher{
		targets:    targets,
		transport:  transport,
		authorizer: cfg.Authorizer,
		limiter:    cfg.Limiter,
		authBudget: cfg.AuthBudget,
		logger:     logger,
	}
}

// Target returns the target for an upstream id.
func (d *Dispatcher) Target(upstreamID string) (*Target, bool) {
	t, ok := d.targets[upstreamID]
	return t, ok
}

// Dispatch handles a request whose route has been matched. When it returns a
// nil error the upstream response has been written to w. Otherwise nothing has
// been written to the body and the error is a *domain.GatewayError for the
// caller to render; headers such as rate limit hints may already be set.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, rc *domain.RequestContext) (domain.DispatchResult, error) {
	route := rc.Route()
	if route == nil {
		return fail(0, domain.NewGatewayError(domain.OutcomeInternalError, "", "dispatch without a matched route"))
	}

	if gwErr := checkClaims(route, rc); gwErr != nil {
		return fail(0, gwErr)
	}

	if d.limiter != nil && route.RateLimit != nil && !d.limiter.Allow(route.ID) {
		retryAfter := d.limiter.RetryAfter(route.ID)
		governance.WriteRateLimitHeaders(w, route.RateLimit.RequestsPerSecond, retryAfter)
		gwErr := domain.NewGatewayError(domain.OutcomeRateLimited, "", "rate limit exceeded for route "+route.ID)
		gwErr.RetryAfter = retryAfter
		return fail(0, gwErr)
	}

	if route.Policy != "" {
		if gwErr := d.authorize(r.Context(), route, rc); gwErr != nil {
			return fail(0, gwErr)
		}
	}

	target, ok := d.targets[route.Upstream]
	if !ok {
		return fail(0, domain.NewGatewayError(domain.OutcomeInternalError, "", "no target for upstream "+route.Upstream))
	}
	return d.forward(w, r, rc, route, target)
}

func checkClaims(route *domain.Route, rc *domain.RequestContext) *domain.GatewayError {
	if route.Public() {
		return nil
	}
	principal, ok := rc.Principal()
	if !ok {
		return domain.NewGatewayError(domain.OutcomeUnauthenticated, domain.ReasonMissing, "authentication required")
	}
	if satisfied, missing := principal.Satisfies(route.RequiredClaims); !satisfied {
		return domain.NewGatewayError(domain.OutcomeForbidden, domain.ReasonMissingClaims,
			"missing required claims: "+strings.Join(missing, ","))
	}
	return nil
}

func (d *Dispatcher) authorize(ctx context.Context, route *domain.Route, rc *domain.RequestContext) *domain.GatewayError {
	if d.authorizer == nil {
		return domain.NewGatewayError(domain.OutcomeInternalError, "", "route "+route.ID+" names a policy but no policy engine is configured")
	}

	input := policy.Input{
		Route:      route,
		Method:     rc.Method,
		Path:       rc.Path,
		Entrypoint: route.Policy,
	}
	if p, ok := rc.Principal(); ok {
		input.Principal = &p
	}

	decision, err := d.authorizer.Authorize(ctx, input)
	telemetry.RecordPolicyDecision(trace.SpanFromContext(ctx), route.Policy, decision, err)
	if err != nil {
		d.logger.Warn("policy evaluation failed",
			"route_id", route.ID,
			"entrypoint", route.Policy,
			"correlation_id", rc.CorrelationID,
			"allow", decision.Allow,
			"error", err,
		)
	}
	if decision.Allow {
		return nil
	}

	message := "request denied by policy"
	if decision.Reason != "" {
		message += ": " + decision.Reason
	}
	return domain.NewGatewayError(domain.OutcomeForbidden, domain.ReasonPolicyDenied, message)
}

func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, rc *domain.RequestContext, route *domain.Route, target *Target) (domain.DispatchResult, error) {
	upstream := target.Upstream()

	outURL, err := target.resolve(route.ForwardPath(r.URL.EscapedPath()), r.URL.RawQuery)
	if err != nil {
		return fail(0, &domain.GatewayError{Err: err, Outcome: domain.OutcomeInternalError, Message: "cannot build upstream url"})
	}

	body, replayable, err := requestBody(r)
	if err != nil {
		return fail(0, &domain.GatewayError{Err: err, Outcome: domain.OutcomeInternalError, Message: "cannot read request body"})
	}
	headers := upstreamHeaders(r, rc)

	ctx, cancel := context.WithTimeout(r.Context(), upstream.Deadline(d.authBudget))
	defer cancel()

	transport := d.transport
	if target.transport != nil {
		transport = target.transport
	}

	var resp *http.Response
	discard := func() {
		if resp != nil {
			drain(resp.Body)
			resp = nil
		}
	}
	attempts, err := target.Policy().Execute(ctx, r.Method, func(attemptCtx context.Context) error {
		// A response stored by an attempt that then timed out is never used.
		discard()
		req, err := http.NewRequestWithContext(attemptCtx, r.Method, outURL.String(), nil)
		if err != nil {
			return err
		}
		req.Header = headers.Clone()
		switch {
		case replayable != nil:
			req.Body = io.NopCloser(bytes.NewReader(replayable))
			req.ContentLength = int64(len(replayable))
		case body != nil:
			req.Body = body
			req.ContentLength = r.ContentLength
		}

		res, err := transport.RoundTrip(req)
		if err != nil {
			return err
		}
		if res.StatusCode >= http.StatusInternalServerError {
			drain(res.Body)
			return &UpstreamStatusError{Upstream: upstream.ID, StatusCode: res.StatusCode}
		}
		resp = res
		return nil
	})

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("gateway.route_id", route.ID),
		attribute.String("gateway.upstream", upstream.ID),
		attribute.Int("gateway.attempts", attempts),
	)

	if err != nil {
		discard()
		gwErr := d.classify(r.Context(), ctx, target, err)
		d.logger.Debug("upstream call failed",
			"route_id", route.ID,
			"upstream", upstream.ID,
			"correlation_id", rc.CorrelationID,
			"attempts", attempts,
			"outcome", string(gwErr.Outcome),
			"error", err,
		)
		return fail(attempts, gwErr)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.LogAttrs(ctx, slog.LevelWarn, "failed to close upstream body", slog.String("error", cerr.Error()))
		}
	}()

	result := domain.DispatchResult{
		Outcome:  domain.OutcomeOK,
		Status:   resp.StatusCode,
		Attempts: attempts,
	}
	if resp.StatusCode >= http.StatusBadRequest {
		result.Outcome = domain.OutcomeUpstreamError
		result.Reason = domain.ReasonUpstreamStatus
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	out := newFlushWriter(w)
	if _, err := io.Copy(out, resp.Body); err != nil {
		// Headers are committed; the client sees a truncated body.
		result.Reason = domain.ReasonBodyAborted
		d.logger.Warn("upstream body copy aborted",
			"route_id", route.ID,
			"upstream", upstream.ID,
			"correlation_id", rc.CorrelationID,
			"bytes", out.count,
			"error", err,
		)
	}

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.response_body_size", out.count),
	)
	return result, nil
}

// classify maps a failed upstream call to the gateway outcome.
func (d *Dispatcher) classify(clientCtx, ctx context.Context, target *Target, err error) *domain.GatewayError {
	upstreamID := target.Upstream().ID

	var statusErr *UpstreamStatusError
	switch {
	case errors.Is(err, governance.ErrCircuitOpen):
		gwErr := domain.NewGatewayError(domain.OutcomeUpstreamUnavailable, domain.ReasonCircuitOpen,
			"upstream "+upstreamID+" is unavailable")
		gwErr.RetryAfter = target.Policy().Breaker().RetryAfter()
		return gwErr
	case clientCtx.Err() != nil:
		return domain.NewGatewayError(domain.OutcomeClientClosed, domain.ReasonClientClosed, "client closed request")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.NewGatewayError(domain.OutcomeTimeout, domain.ReasonDeadline,
			"upstream "+upstreamID+" did not answer within the request deadline")
	case errors.As(err, &statusErr):
		return domain.NewGatewayError(domain.OutcomeUpstreamUnavailable, domain.ReasonUpstreamStatus,
			"upstream "+upstreamID+" is unavailable")
	case errors.Is(err, governance.ErrAttemptTimeout):
		return domain.NewGatewayError(domain.OutcomeUpstreamUnavailable, domain.ReasonAttemptTimeout,
			"upstream "+upstreamID+" timed out")
	default:
		return domain.NewGatewayError(domain.OutcomeUpstreamUnavailable, domain.ReasonConnection,
			"upstream "+upstreamID+" is unreachable")
	}
}

// requestBody returns the body to forward. Idempotent methods may be retried,
// so their body is buffered and returned as replayable.
func requestBody(r *http.Request) (io.ReadCloser, []byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil, nil
	}
	if !governance.IsIdempotent(r.Method) {
		return r.Body, nil, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, MaxReplayableBody+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	if len(buf) > MaxReplayableBody {
		return nil, nil, fmt.Errorf("body of %s request exceeds %d bytes", r.Method, MaxReplayableBody)
	}
	if len(buf) == 0 {
		return nil, nil, nil
	}
	return nil, buf, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func fail(attempts int, gwErr *domain.GatewayError) (domain.DispatchResult, error) {
	return domain.DispatchResult{
		Outcome:  gwErr.Outcome,
		Reason:   gwErr.Reason,
		Status:   gwErr.Outcome.Status(),
		Attempts: attempts,
	}, gwErr
}
