package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgetiq/budgetiq-gateway/internal/governance"
	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
	"github.com/budgetiq/budgetiq-gateway/pkg/policy"
)

type countingTransport struct {
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

type fixedLimiter struct {
	allow bool
}

func (l fixedLimiter) Allow(string) bool              { return l.allow }
func (l fixedLimiter) RetryAfter(string) time.Duration { return 1500 * time.Millisecond }

type authorizerFunc func(context.Context, policy.Input) (policy.Decision, error)

func (f authorizerFunc) Authorize(ctx context.Context, in policy.Input) (policy.Decision, error) {
	return f(ctx, in)
}

func testUpstream(id, baseURL string) domain.Upstream {
	return domain.Upstream{
		ID:      id,
		BaseURL: baseURL,
		Timeout: time.Second,
		Retry: domain.RetrySettings{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}
}

func testRoute(id, method, pattern, upstream string, claims ...string) *domain.Route {
	return &domain.Route{
		ID:             id,
		Method:         method,
		Pattern:        pattern,
		Upstream:       upstream,
		RequiredClaims: domain.NewClaimSet(claims...),
	}
}

func user(roles ...string) *domain.Principal {
	p := domain.NewPrincipal("user-42", "org-7", "https://auth.budgetiq.test", roles, time.Now().Add(time.Hour))
	return &p
}

type harness struct {
	dispatcher *Dispatcher
	transport  *countingTransport
}

func newHarness(t *testing.T, upstream domain.Upstream, mutate func(*Config)) *harness {
	t.Helper()
	breaker := governance.NewCircuitBreaker(upstream.ID, governance.CircuitConfigFrom(upstream.Circuit), nil)
	target, err := NewTarget(upstream, breaker)
	require.NoError(t, err)

	transport := &countingTransport{}
	cfg := Config{
		Targets:    map[string]*Target{upstream.ID: target},
		Transport:  transport,
		AuthBudget: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &harness{dispatcher: New(cfg), transport: transport}
}

func (h *harness) do(r *http.Request, route *domain.Route, p *domain.Principal) (*httptest.ResponseRecorder, domain.DispatchResult, error) {
	rc := domain.NewRequestContext("corr-1", r.Method, r.URL.Path, time.Now())
	rc.Match(route)
	if p != nil {
		rc.Authenticate(*p)
	}
	rec := httptest.NewRecorder()
	result, err := h.dispatcher.Dispatch(rec, r, rc)
	return rec, result, err
}

func requireGatewayError(t *testing.T, err error, outcome domain.Outcome, reason string) *domain.GatewayError {
	t.Helper()
	var gwErr *domain.GatewayError
	require.True(t, errors.As(err, &gwErr), "expected gateway error, got %v", err)
	assert.Equal(t, outcome, gwErr.Outcome)
	assert.Equal(t, reason, gwErr.Reason)
	return gwErr
}

func TestDispatchPassesSuccessThroughVerbatim(t *testing.T) {
	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "core")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":42},"message":"ok"}`))
	}))
	defer srv.Close()

	h := newHarness(t, testUpstream("core-service", srv.URL+"/api/"), nil)
	req := httptest.NewRequest(http.MethodGet, "/accounts/42?expand=balance", nil)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set(domain.HeaderUserID, "spoofed")
	req.Header.Set("Connection", "X-Debug")
	req.Header.Set("X-Debug", "1")
	req.Header.Set("Accept", "application/json")

	rec, result, err := h.do(req, testRoute("accounts", "GET", "/accounts/{id}", "core-service", "user"), user("user"))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeOK, result.Outcome)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"id":42},"message":"ok"}`, rec.Body.String())
	assert.Equal(t, "core", rec.Header().Get("X-Upstream"))

	require.NotNil(t, seen)
	assert.Equal(t, "/api/accounts/42", seen.URL.Path)
	assert.Equal(t, "expand=balance", seen.URL.RawQuery)
	assert.Empty(t, seen.Header.Get("Authorization"))
	assert.Empty(t, seen.Header.Get("X-Debug"))
	assert.Equal(t, "user-42", seen.Header.Get(domain.HeaderUserID))
	assert.Equal(t, "org-7", seen.Header.Get(domain.HeaderOrgID))
	assert.Equal(t, "user", seen.Header.Get(domain.HeaderUserRoles))
	assert.Equal(t, "corr-1", seen.Header.Get(domain.HeaderCorrelationID))
	assert.Equal(t, "application/json", seen.Header.Get("Accept"))
	assert.NotEmpty(t, seen.Header.Get("X-Forwarded-For"))
}

func TestDispatchRequiresPrincipalOnClaimRoutes(t *testing.T) {
	h := newHarness(t, testUpstream("core-service", "http://127.0.0.1:1"), nil)
	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(`{}`))

	_, result, err := h.do(req, testRoute("transfers", "POST", "/transfers", "core-service", "user"), nil)

	requireGatewayError(t, err, domain.OutcomeUnauthenticated, domain.ReasonMissing)
	assert.Equal(t, http.StatusUnauthorized, result.Status)
	assert.Zero(t, result.Attempts)
	assert.Zero(t, h.transport.calls.Load())
}

func TestDispatchRejectsMissingClaims(t *testing.T) {
	h := newHarness(t, testUpstream("core-service", "http://127.0.0.1:1"), nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)

	_, result, err := h.do(req, testRoute("admin", "GET", "/admin/users", "core-service", "admin"), user("user"))

	gwErr := requireGatewayError(t, err, domain.OutcomeForbidden, domain.ReasonMissingClaims)
	assert.Contains(t, gwErr.Message, "admin")
	assert.Equal(t, http.StatusForbidden, result.Status)
	assert.Zero(t, h.transport.calls.Load())
}

func TestDispatchPublicRouteStripsSpoofedIdentity(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newHarness(t, testUpstream("core-service", srv.URL), nil)
	req := httptest.NewRequest(http.MethodGet, "/public/rates", nil)
	req.Header.Set(domain.HeaderUserID, "admin")
	req.Header.Set(domain.HeaderOrgID, "org-1")

	rec, result, err := h.do(req, testRoute("rates", "GET", "/public/rates", "core-service"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, domain.OutcomeOK, result.Outcome)
	assert.Empty(t, seen.Get(domain.HeaderUserID))
	assert.Empty(t, seen.Get(domain.HeaderOrgID))
}

func TestDispatchPassesClientErrorsThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":false,"data":null,"message":"insufficient funds"}`))
	}))
	defer srv.Close()

	h := newHarness(t, testUpstream("core-service", srv.URL), nil)
	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(`{"amount":10}`))

	rec, result, err := h.do(req, testRoute("transfers", "POST", "/transfers", "core-service", "user"), user("user"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpstreamError, result.Outcome)
	assert.Equal(t, http.StatusUnprocessableEntity, result.Status)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient funds")
}

func TestDispatchMapsServerErrorsToUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("stack trace that must not leak"))
	}))
	defer srv.Close()

	h := newHarness(t, testUpstream("core-service", srv.URL), nil)
	req := httptest.NewRequest(http.MethodGet, "/accounts/42", nil)

	rec, result, err := h.do(req, testRoute("accounts", "GET", "/accounts/{id}", "core-service", "user"), user("user"))

	requireGatewayError(t, err, domain.OutcomeUpstreamUnavailable, domain.ReasonUpstreamStatus)
	assert.Equal(t, http.StatusServiceUnavailable, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, rec.Body.String())
}

func TestDispatchRetriesOnlyIdempotentMethods(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL
	srv.Close()

	t.Run("GET uses the retry budget", func(t *testing.T) {
		h := newHarness(t, testUpstream("core-service", deadURL), nil)
		req := httptest.NewRequest(http.MethodGet, "/accounts/42", nil)

		_, result, err := h.do(req, testRoute("accounts", "GET", "/accounts/{id}", "core-service"), nil)

		requireGatewayError(t, err, domain.OutcomeUpstreamUnavailable, domain.ReasonConnection)
		assert.Equal(t, 3, result.Attempts)
		assert.Equal(t, int32(3), h.transport.calls.Load())
	})

	t.Run("POST is attempted once", func(t *testing.T) {
		h := newHarness(t, testUpstream("core-service", deadURL), nil)
		req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(`{}`))

		_, result, err := h.do(req, testRoute("transfers", "POST", "/transfers", "core-service"), nil)

		requireGatewayError(t, err, domain.OutcomeUpstreamUnavailable, domain.ReasonConnection)
		assert.Equal(t, 1, result.Attempts)
		assert.Equal(t, int32(1), h.transport.calls.Load())
	})
}

func TestDispatchReplaysIdempotentBodies(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		hits   atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		if hits.Add(1) == 1 {
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	upstream := testUpstream("core-service", srv.URL)
	upstream.Timeout = 50 * time.Millisecond
	h := newHarness(t, upstream, nil)
	req := httptest.NewRequest(http.MethodGet, "/search", strings.NewReader(`{"q":"rent"}`))

	_, result, err := h.do(req, testRoute("search", "GET", "/search", "core-service"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"q":"rent"}`, `{"q":"rent"}`}, bodies)
}

func TestDispatchForwardsNonIdempotentBody(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := newHarness(t, testUpstream("core-service", srv.URL), nil)
	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(`{"amount":10}`))

	rec, _, err := h.do(req, testRoute("transfers", "POST", "/transfers", "core-service", "user"), user("user"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"amount":10}`, body)
}

func TestDispatchShortCircuitsOpenCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	upstream := testUpstream("ai-service", srv.URL)
	upstream.Circuit = domain.CircuitSettings{MaxFailures: 2, CoolDown: 10 * time.Second}
	h := newHarness(t, upstream, nil)
	route := testRoute("insights", "GET", "/insights/*", "ai-service")

	for i := 0; i < 2; i++ {
		_, _, err := h.do(httptest.NewRequest(http.MethodGet, "/insights/monthly", nil), route, nil)
		requireGatewayError(t, err, domain.OutcomeUpstreamUnavailable, domain.ReasonUpstreamStatus)
	}
	require.Equal(t, int32(2), h.transport.calls.Load())

	start := time.Now()
	_, result, err := h.do(httptest.NewRequest(http.MethodGet, "/insights/monthly", nil), route, nil)
	elapsed := time.Since(start)

	gwErr := requireGatewayError(t, err, domain.OutcomeUpstreamUnavailable, domain.ReasonCircuitOpen)
	assert.Greater(t, gwErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, gwErr.RetryAfter, 10*time.Second)
	assert.Zero(t, result.Attempts)
	assert.Equal(t, int32(2), h.transport.calls.Load())
	assert.Less(t, elapsed, 5*time.Millisecond)
}

func TestDispatchOverallDeadlineMapsToTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	upstream := testUpstream("ai-service", srv.URL)
	upstream.RequestDeadline = 40 * time.Millisecond
	h := newHarness(t, upstream, nil)

	start := time.Now()
	_, result, err := h.do(httptest.NewRequest(http.MethodGet, "/insights/monthly", nil), testRoute("insights", "GET", "/insights/*", "ai-service"), nil)

	requireGatewayError(t, err, domain.OutcomeTimeout, domain.ReasonDeadline)
	assert.Equal(t, http.StatusGatewayTimeout, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatchAttemptTimeoutMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	upstream := testUpstream("ai-service", srv.URL)
	upstream.Timeout = 20 * time.Millisecond
	upstream.Retry.MaxRetries = 1
	h := newHarness(t, upstream, nil)

	_, result, err := h.do(httptest.NewRequest(http.MethodGet, "/insights/monthly", nil), testRoute("insights", "GET", "/insights/*", "ai-service"), nil)

	requireGatewayError(t, err, domain.OutcomeUpstreamUnavailable, domain.ReasonAttemptTimeout)
	assert.Equal(t, 2, result.Attempts)
}

type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

// lateTransport answers after the attempt timeout has already fired, ignoring
// the request context.
type lateTransport struct {
	delay time.Duration
	mu    sync.Mutex
	sent  []*trackedBody
}

func (l *lateTransport) RoundTrip(*http.Request) (*http.Response, error) {
	time.Sleep(l.delay)
	body := &trackedBody{Reader: strings.NewReader("late")}
	l.mu.Lock()
	l.sent = append(l.sent, body)
	l.mu.Unlock()
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}, nil
}

func TestDispatchClosesResponsesOfTimedOutAttempts(t *testing.T) {
	upstream := testUpstream("ai-service", "http://ai.budgetiq.test")
	upstream.Timeout = 10 * time.Millisecond
	upstream.RequestDeadline = 2 * time.Second
	upstream.Retry.MaxRetries = 1

	late := &lateTransport{delay: 40 * time.Millisecond}
	h := newHarness(t, upstream, func(cfg *Config) { cfg.Transport = late })

	_, result, err := h.do(httptest.NewRequest(http.MethodGet, "/insights/monthly", nil), testRoute("insights", "GET", "/insights/*", "ai-service"), nil)

	requireGatewayError(t, err, domain.OutcomeUpstreamUnavailable, domain.ReasonAttemptTimeout)
	assert.Equal(t, 2, result.Attempts)

	late.mu.Lock()
	defer late.mu.Unlock()
	require.Len(t, late.sent, 2)
	for i, body := range late.sent {
		assert.True(t, body.closed.Load(), "response %d left open", i)
	}
}

func TestDispatchClientCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newHarness(t, testUpstream("core-service", srv.URL), nil)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/accounts/42", nil).WithContext(ctx)
	time.AfterFunc(20*time.Millisecond, cancel)

	_, result, err := h.do(req, testRoute("accounts", "GET", "/accounts/{id}", "core-service"), nil)

	requireGatewayError(t, err, domain.OutcomeClientClosed, domain.ReasonClientClosed)
	assert.Equal(t, domain.StatusClientClosedRequest, result.Status)
	target, ok := h.dispatcher.Target("core-service")
	require.True(t, ok)
	assert.Zero(t, target.Policy().Breaker().Stats().Failures)
}

func TestDispatchRateLimit(t *testing.T) {
	h := newHarness(t, testUpstream("core-service", "http://127.0.0.1:1"), func(cfg *Config) {
		cfg.Limiter = fixedLimiter{allow: false}
	})
	route := testRoute("transfers", "POST", "/transfers", "core-service", "user")
	route.RateLimit = &domain.RateLimit{RequestsPerSecond: 5, Burst: 5}

	rec, result, err := h.do(httptest.NewRequest(http.MethodPost, "/transfers", nil), route, user("user"))

	gwErr := requireGatewayError(t, err, domain.OutcomeRateLimited, "")
	assert.Equal(t, 1500*time.Millisecond, gwErr.RetryAfter)
	assert.Equal(t, http.StatusTooManyRequests, result.Status)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Zero(t, h.transport.calls.Load())
}

func TestDispatchRateLimitAppliesAfterClaimCheck(t *testing.T) {
	h := newHarness(t, testUpstream("core-service", "http://127.0.0.1:1"), func(cfg *Config) {
		cfg.Limiter = fixedLimiter{allow: false}
	})
	route := testRoute("transfers", "POST", "/transfers", "core-service", "user")
	route.RateLimit = &domain.RateLimit{RequestsPerSecond: 5, Burst: 5}

	_, _, err := h.do(httptest.NewRequest(http.MethodPost, "/transfers", nil), route, nil)
	requireGatewayError(t, err, domain.OutcomeUnauthenticated, domain.ReasonMissing)
}

func TestDispatchPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var seen policy.Input
	authorizer := authorizerFunc(func(_ context.Context, in policy.Input) (policy.Decision, error) {
		seen = in
		if in.Principal.OrgID() == "org-7" {
			return policy.Decision{Allow: true}, nil
		}
		return policy.Decision{Allow: false, Reason: "transfers_require_org"}, nil
	})
	h := newHarness(t, testUpstream("core-service", srv.URL), func(cfg *Config) {
		cfg.Authorizer = authorizer
	})
	route := testRoute("transfers", "POST", "/transfers", "core-service", "user")
	route.Policy = "gateway/authz/decision"

	_, result, err := h.do(httptest.NewRequest(http.MethodPost, "/transfers", nil), route, user("user"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, result.Outcome)
	assert.Equal(t, "gateway/authz/decision", seen.Entrypoint)
	assert.Equal(t, "/transfers", seen.Path)

	other := domain.NewPrincipal("user-9", "org-9", "https://auth.budgetiq.test", []string{"user"}, time.Now().Add(time.Hour))
	_, result, err = h.do(httptest.NewRequest(http.MethodPost, "/transfers", nil), route, &other)
	gwErr := requireGatewayError(t, err, domain.OutcomeForbidden, domain.ReasonPolicyDenied)
	assert.Contains(t, gwErr.Message, "transfers_require_org")
	assert.Equal(t, http.StatusForbidden, result.Status)
	assert.Equal(t, int32(1), h.transport.calls.Load())
}

func TestDispatchPolicyWithoutEngineIsInternalError(t *testing.T) {
	h := newHarness(t, testUpstream("core-service", "http://127.0.0.1:1"), nil)
	route := testRoute("transfers", "POST", "/transfers", "core-service")
	route.Policy = "gateway/authz/decision"

	_, result, err := h.do(httptest.NewRequest(http.MethodPost, "/transfers", nil), route, nil)
	requireGatewayError(t, err, domain.OutcomeInternalError, "")
	assert.Equal(t, http.StatusInternalServerError, result.Status)
}

func TestDispatchStripPrefixKeepsEscaping(t *testing.T) {
	var rawPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, testUpstream("ai-service", srv.URL+"/v1"), nil)
	route := testRoute("insights", "GET", "/ai/insights/*", "ai-service")
	route.StripPrefix = "/ai"

	_, _, err := h.do(httptest.NewRequest(http.MethodGet, "/ai/insights/a%2Fb", nil), route, nil)
	require.NoError(t, err)
	assert.Equal(t, "/v1/insights/a%2Fb", rawPath)
}

func TestNewTargetValidatesBaseURL(t *testing.T) {
	breaker := governance.NewCircuitBreaker("x", governance.DefaultCircuitBreakerConfig(), nil)

	_, err := NewTarget(domain.Upstream{ID: "x", BaseURL: "ftp://files"}, breaker)
	assert.Error(t, err)
	_, err = NewTarget(domain.Upstream{ID: "x", BaseURL: "http://"}, breaker)
	assert.Error(t, err)
	_, err = NewTarget(domain.Upstream{ID: "x", BaseURL: "http://core:8080"}, nil)
	assert.Error(t, err)

	assert.Error(t, ValidateUpstream(domain.Upstream{ID: "x", BaseURL: "ftp://files"}))
	assert.NoError(t, ValidateUpstream(domain.Upstream{ID: "x", BaseURL: "https://core:8443/api"}))

	target, err := NewTarget(domain.Upstream{ID: "x", BaseURL: "http://core:8080", Timeout: time.Second}, breaker)
	require.NoError(t, err)
	assert.Equal(t, time.Second, target.Policy().Timeout())
	assert.Same(t, breaker, target.Policy().Breaker())
}
