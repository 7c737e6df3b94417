package governance

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines per-route rate limit settings.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimiter implements token bucket rate limiting per route. Routes without a
// configured limit are never limited.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*routeLimiter
	now      func() time.Time
}

type routeLimiter struct {
	config  RateLimiterConfig
	limiter *rate.Limiter
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*routeLimiter),
		now:      time.Now,
	}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-route limits. Limiters of routes that remain
// configured keep their current token level.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	next := make(map[string]*routeLimiter, len(config))
	for routeID, cfg := range config {
		cfg = normalizeRateConfig(cfg)
		if existing, ok := rl.limiters[routeID]; ok {
			if existing.config != cfg {
				existing.limiter.SetLimitAt(now, rate.Limit(cfg.RequestsPerSecond))
				existing.limiter.SetBurstAt(now, cfg.BurstSize)
				existing.config = cfg
			}
			next[routeID] = existing
			continue
		}
		next[routeID] = &routeLimiter{
			config:  cfg,
			limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		}
	}
	rl.limiters = next
}

func normalizeRateConfig(cfg RateLimiterConfig) RateLimiterConfig {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(math.Ceil(cfg.RequestsPerSecond))
	}
	return cfg
}

// Allow checks if a request for the given route should be allowed.
func (rl *RateLimiter) Allow(routeID string) bool {
	rl.mu.RLock()
	rlim, exists := rl.limiters[routeID]
	rl.mu.RUnlock()

	if !exists {
		return true
	}
	return rlim.limiter.AllowN(rl.now(), 1)
}

// RetryAfter estimates when the next token for routeID becomes available.
func (rl *RateLimiter) RetryAfter(routeID string) time.Duration {
	rl.mu.RLock()
	rlim, exists := rl.limiters[routeID]
	rl.mu.RUnlock()

	if !exists {
		return 0
	}
	missing := 1 - rlim.limiter.TokensAt(rl.now())
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / rlim.config.RequestsPerSecond * float64(time.Second))
}

// Stats returns current rate limit statistics for all routes.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.limiters))
	for routeID, rlim := range rl.limiters {
		stats[routeID] = RateLimitStats{
			RequestsPerSecond: rlim.config.RequestsPerSecond,
			BurstSize:         rlim.config.BurstSize,
			Available:         rlim.limiter.TokensAt(now),
		}
	}
	return stats
}

// RateLimitStats exposes current state of a route limiter.
type RateLimitStats struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	BurstSize         int     `json:"burstSize"`
	Available         float64 `json:"available"`
}

// WriteRateLimitHeaders adds Retry-After and limit headers to a 429 response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit float64, retryAfter time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(limit, 'f', -1, 64))
	w.Header().Set("X-RateLimit-Remaining", "0")
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}
