package domain

import (
	"slices"
	"strings"
	"time"
)

// ClaimSet is an immutable, sorted set of claim values required by a route.
// The zero value is the empty set, which marks a public route.
type ClaimSet struct {
	values []string
}

// NewClaimSet builds a ClaimSet from the given values.
func NewClaimSet(values ...string) ClaimSet {
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			cleaned = append(cleaned, v)
		}
	}
	slices.Sort(cleaned)
	return ClaimSet{values: slices.Compact(cleaned)}
}

// Empty reports whether the set requires nothing.
func (c ClaimSet) Empty() bool { return len(c.values) == 0 }

// Values returns a copy of the claim values.
func (c ClaimSet) Values() []string { return slices.Clone(c.values) }

// String renders the set as a comma separated list.
func (c ClaimSet) String() string { return strings.Join(c.values, ",") }

// RateLimit bounds the request rate accepted on a route.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Route maps a method and path template to an upstream. Routes are built at
// configuration load time and are read-only afterwards.
type Route struct {
	ID             string
	Method         string
	Pattern        string
	Upstream       string
	RequiredClaims ClaimSet
	// StripPrefix is removed from the inbound path before it is joined to the
	// upstream base path.
	StripPrefix string
	// Policy names an optional Rego decision entrypoint evaluated after the claim check.
	Policy    string
	RateLimit *RateLimit
}

// Public reports whether the route can be called without a credential.
func (r *Route) Public() bool {
	return r.RequiredClaims.Empty()
}

// ForwardPath computes the upstream path for an inbound path.
func (r *Route) ForwardPath(path string) string {
	if r.StripPrefix == "" {
		return path
	}
	trimmed := strings.TrimPrefix(path, r.StripPrefix)
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed
}

// Upstream describes a logical backend service and its resilience settings.
type Upstream struct {
	ID         string
	BaseURL    string
	HealthPath string
	// Timeout bounds a single upstream attempt.
	Timeout time.Duration
	// RequestDeadline overrides the computed overall deadline when non-zero.
	RequestDeadline time.Duration
	Retry           RetrySettings
	Circuit         CircuitSettings
}

// RetrySettings holds the retry budget for idempotent calls.
type RetrySettings struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

// CircuitSettings holds circuit breaker thresholds.
type CircuitSettings struct {
	MaxFailures          int
	FailureRateThreshold float64
	MinSamples           int
	Window               time.Duration
	CoolDown             time.Duration
	HalfOpenMaxCalls     int
	HalfOpenSuccesses    int
}

// Attempts returns the maximum number of upstream attempts for an idempotent call.
func (u Upstream) Attempts() int {
	if u.Retry.MaxRetries < 0 {
		return 1
	}
	return u.Retry.MaxRetries + 1
}

// Deadline returns the overall request deadline: the auth budget, one timeout per
// attempt, and the worst-case backoff between attempts.
func (u Upstream) Deadline(authBudget time.Duration) time.Duration {
	if u.RequestDeadline > 0 {
		return u.RequestDeadline
	}
	retries := time.Duration(u.Attempts() - 1)
	// Jitter may add up to a quarter of the capped backoff.
	backoff := u.Retry.MaxBackoff + u.Retry.MaxBackoff/4
	return authBudget + time.Duration(u.Attempts())*u.Timeout + retries*backoff
}
