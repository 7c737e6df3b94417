package config

import (
	"github.com/budgetiq/budgetiq-gateway/internal/governance"
	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

// DomainUpstreams converts the upstream section, filling retry defaults for
// unset fields.
func (c *Config) DomainUpstreams() []domain.Upstream {
	defaults := governance.DefaultRetryConfig()
	out := make([]domain.Upstream, 0, len(c.Upstreams))
	for _, u := range c.Upstreams {
		retry := domain.RetrySettings{
			MaxRetries:     defaults.MaxRetries,
			InitialBackoff: u.Retry.InitialBackoff,
			MaxBackoff:     u.Retry.MaxBackoff,
			Multiplier:     u.Retry.Multiplier,
			Jitter:         defaults.Jitter,
		}
		if u.Retry.MaxRetries != nil {
			retry.MaxRetries = *u.Retry.MaxRetries
		}
		if u.Retry.Jitter != nil {
			retry.Jitter = *u.Retry.Jitter
		}
		if retry.InitialBackoff == 0 {
			retry.InitialBackoff = defaults.InitialBackoff
		}
		if retry.MaxBackoff == 0 {
			retry.MaxBackoff = defaults.MaxBackoff
		}
		if retry.Multiplier == 0 {
			retry.Multiplier = defaults.BackoffMultiplier
		}

		out = append(out, domain.Upstream{
			ID:              u.ID,
			BaseURL:         u.BaseURL,
			HealthPath:      u.HealthPath,
			Timeout:         u.Timeout,
			RequestDeadline: u.RequestDeadline,
			Retry:           retry,
			Circuit: domain.CircuitSettings{
				MaxFailures:          u.Circuit.MaxFailures,
				FailureRateThreshold: u.Circuit.FailureRateThreshold,
				MinSamples:           u.Circuit.MinSamples,
				Window:               u.Circuit.Window,
				CoolDown:             u.Circuit.CoolDown,
				HalfOpenMaxCalls:     u.Circuit.HalfOpenMaxCalls,
				HalfOpenSuccesses:    u.Circuit.HalfOpenSuccesses,
			},
		})
	}
	return out
}

// DomainRoutes converts the route section.
func (c *Config) DomainRoutes() []domain.Route {
	out := make([]domain.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		route := domain.Route{
			ID:             r.ID,
			Method:         r.Method,
			Pattern:        r.Path,
			Upstream:       r.Upstream,
			RequiredClaims: domain.NewClaimSet(r.RequiredClaims...),
			StripPrefix:    r.StripPrefix,
			Policy:         r.Policy,
		}
		if r.RateLimit != nil {
			route.RateLimit = &domain.RateLimit{
				RequestsPerSecond: r.RateLimit.RequestsPerSecond,
				Burst:             r.RateLimit.Burst,
			}
		}
		out = append(out, route)
	}
	return out
}

// RateLimits returns the limiter configuration for every rate limited route.
func (c *Config) RateLimits() map[string]governance.RateLimiterConfig {
	out := make(map[string]governance.RateLimiterConfig)
	for _, r := range c.Routes {
		if r.RateLimit == nil {
			continue
		}
		out[r.ID] = governance.RateLimiterConfig{
			RequestsPerSecond: r.RateLimit.RequestsPerSecond,
			BurstSize:         r.RateLimit.Burst,
		}
	}
	return out
}
