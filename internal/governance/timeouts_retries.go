package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

var (
	// ErrAttemptTimeout marks an upstream attempt cut off by the per-call timeout.
	ErrAttemptTimeout = errors.New("upstream attempt timed out")
)

// IdempotentMethods lists HTTP methods that may be retried automatically.
var IdempotentMethods = map[string]bool{
	http.MethodGet:  true,
	http.MethodHead: true,
}

// RetryConfig defines retry behavior for upstream requests.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% randomness to each backoff.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryConfigFrom converts upstream retry settings, filling unset backoff values
// from the defaults. A zero MaxRetries disables retries.
func RetryConfigFrom(s domain.RetrySettings) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = s.MaxRetries
	cfg.Jitter = s.Jitter
	if s.InitialBackoff > 0 {
		cfg.InitialBackoff = s.InitialBackoff
	}
	if s.MaxBackoff > 0 {
		cfg.MaxBackoff = s.MaxBackoff
	}
	if s.Multiplier > 0 {
		cfg.BackoffMultiplier = s.Multiplier
	}
	return cfg
}

// RetryPolicy determines if and when a failed attempt is retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 50 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 500 * time.Millisecond
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether the attempt numbered attempt (zero based) that
// failed with err may be followed by another one.
func (rp *RetryPolicy) ShouldRetry(method string, err error, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	if !IsIdempotent(method) {
		return false
	}
	return IsRetryableError(err)
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}

	return backoff
}

// Wait sleeps for the backoff of attempt or until ctx is done.
func (rp *RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(rp.CalculateBackoff(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy is the resilience policy of one upstream: circuit breaker, per-call
// timeout, and retry budget.
type Policy struct {
	breaker *CircuitBreaker
	retry   *RetryPolicy
	timeout time.Duration
}

// NewPolicy assembles a policy. A zero timeout leaves attempts bounded only by
// the caller's context.
func NewPolicy(breaker *CircuitBreaker, retry *RetryPolicy, timeout time.Duration) *Policy {
	if retry == nil {
		retry = NewRetryPolicy(RetryConfig{})
	}
	return &Policy{breaker: breaker, retry: retry, timeout: timeout}
}

// Breaker returns the policy's circuit breaker.
func (p *Policy) Breaker() *CircuitBreaker { return p.breaker }

// Timeout returns the per-call timeout.
func (p *Policy) Timeout() time.Duration { return p.timeout }

// Execute runs fn under the policy and returns the number of attempts made.
//
// Each attempt needs breaker permission and gets its own context bounded by the
// per-call timeout. fn returns once the upstream response headers are in; the
// timeout is then disarmed so the body can stream under ctx alone. A nil error
// from fn is a success for the breaker. When ctx is cancelled by the caller the
// attempt is not held against the upstream.
func (p *Policy) Execute(ctx context.Context, method string, fn func(context.Context) error) (int, error) {
	attempts := 0
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		done, err := p.breaker.Allow()
		if err != nil {
			if lastErr != nil {
				// The circuit opened between retries; report what the upstream did.
				return attempts, lastErr
			}
			return attempts, err
		}
		attempts++

		err = p.attempt(ctx, fn)
		done(p.classify(ctx, err))
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if ctx.Err() != nil || !p.retry.ShouldRetry(method, err, attempt) {
			return attempts, err
		}
		if waitErr := p.retry.Wait(ctx, attempt); waitErr != nil {
			return attempts, waitErr
		}
	}
}

func (p *Policy) attempt(ctx context.Context, fn func(context.Context) error) error {
	if p.timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(p.timeout, func() { cancel(ErrAttemptTimeout) })

	err := fn(attemptCtx)
	if timer.Stop() {
		if err == nil {
			// The caller reads the response body after Execute returns, so the
			// attempt context stays live until ctx is done.
			return nil
		}
		cancel(nil)
		return err
	}

	// The per-call timeout fired while fn was running.
	cancel(nil)
	switch {
	case ctx.Err() != nil && err == nil:
		return ctx.Err()
	case ctx.Err() != nil:
		return err
	case err == nil:
		return fmt.Errorf("%w after %s", ErrAttemptTimeout, p.timeout)
	default:
		return fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, p.timeout, err)
	}
}

func (p *Policy) classify(ctx context.Context, err error) Result {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(ctx.Err(), context.Canceled):
		return ResultIgnored
	default:
		return ResultFailure
	}
}

// IsIdempotent returns true if the HTTP method is retried automatically.
func IsIdempotent(method string) bool {
	return IdempotentMethods[strings.ToUpper(method)]
}

// IsRetryableError reports whether err is a transient failure worth another
// attempt: a per-call timeout or a refused or reset connection. Overall deadline
// expiry, caller cancellation, and an open circuit are never retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	for _, pattern := range []string{"connection refused", "connection reset"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
