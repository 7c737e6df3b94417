package dispatch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/budgetiq/budgetiq-gateway/internal/governance"
	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

// Target is a resolved upstream: its definition, parsed base URL, and the
// resilience policy guarding calls to it.
type Target struct {
	upstream domain.Upstream
	base     *url.URL
	policy   *governance.Policy

	// transport overrides the dispatcher's transport, e.g. for upstream mTLS.
	transport http.RoundTripper
}

// NewTarget builds a target around breaker, which is shared across
// configuration reloads so circuit state survives them.
func NewTarget(upstream domain.Upstream, breaker *governance.CircuitBreaker) (*Target, error) {
	if breaker == nil {
		return nil, fmt.Errorf("upstream %q: circuit breaker is required", upstream.ID)
	}
	base, err := parseBaseURL(upstream)
	if err != nil {
		return nil, err
	}

	retry := governance.NewRetryPolicy(governance.RetryConfigFrom(upstream.Retry))
	return &Target{
		upstream: upstream,
		base:     base,
		policy:   governance.NewPolicy(breaker, retry, upstream.Timeout),
	}, nil
}

// ValidateUpstream reports whether NewTarget would accept upstream.
func ValidateUpstream(upstream domain.Upstream) error {
	_, err := parseBaseURL(upstream)
	return err
}

func parseBaseURL(upstream domain.Upstream) (*url.URL, error) {
	base, err := url.Parse(upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream %q: parse base url: %w", upstream.ID, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream %q: base url scheme must be http or https, got %q", upstream.ID, base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("upstream %q: base url has no host", upstream.ID)
	}
	return base, nil
}

// Upstream returns the upstream definition.
func (t *Target) Upstream() domain.Upstream { return t.upstream }

// Policy returns the resilience policy.
func (t *Target) Policy() *governance.Policy { return t.policy }

// WithTransport returns a copy of t that sends requests through rt.
func (t *Target) WithTransport(rt http.RoundTripper) *Target {
	c := *t
	c.transport = rt
	return &c
}

// resolve joins the escaped forward path to the base path and attaches the query.
func (t *Target) resolve(escapedPath, rawQuery string) (*url.URL, error) {
	joined := strings.TrimSuffix(t.base.EscapedPath(), "/") + escapedPath
	unescaped, err := url.PathUnescape(joined)
	if err != nil {
		return nil, fmt.Errorf("unescape forward path: %w", err)
	}

	u := *t.base
	u.Path = unescaped
	u.RawPath = joined
	u.RawQuery = rawQuery
	u.Fragment = ""
	return &u, nil
}
