package governance

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call without
	// contacting the upstream.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is admitting trial calls.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// Result is the outcome of a permitted call as seen by the breaker.
type Result int

const (
	// ResultSuccess counts towards closing the circuit.
	ResultSuccess Result = iota
	// ResultFailure counts towards opening the circuit.
	ResultFailure
	// ResultIgnored releases the call slot without affecting state, e.g. when the
	// client went away before the upstream answered.
	ResultIgnored
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures opens the circuit after this many consecutive failures.
	// Zero disables the consecutive check.
	MaxFailures int
	// FailureRateThreshold is the percentage (0-100) of failures within the rolling
	// window above which the circuit opens. Values <=0 disable rate-based evaluation.
	FailureRateThreshold float64
	// MinSamples is the minimum number of calls in the window before the failure
	// rate is evaluated.
	MinSamples int
	// Window controls the look-back duration for the failure rate.
	Window time.Duration
	// BucketCount is the number of time buckets used to approximate the rolling window.
	BucketCount int
	// CoolDown is how long the circuit stays open before admitting trial calls.
	CoolDown time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int
	// HalfOpenSuccesses is the number of consecutive trial successes that close the circuit.
	HalfOpenSuccesses int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:          5,
		FailureRateThreshold: 50,
		MinSamples:           10,
		Window:               30 * time.Second,
		BucketCount:          10,
		CoolDown:             15 * time.Second,
		HalfOpenMaxCalls:     1,
		HalfOpenSuccesses:    2,
	}
}

// CircuitConfigFrom converts upstream settings into a breaker configuration,
// filling unset values from the defaults.
func CircuitConfigFrom(s domain.CircuitSettings) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if s.MaxFailures != 0 {
		cfg.MaxFailures = s.MaxFailures
	}
	if s.FailureRateThreshold != 0 {
		cfg.FailureRateThreshold = s.FailureRateThreshold
	}
	if s.MinSamples != 0 {
		cfg.MinSamples = s.MinSamples
	}
	if s.Window != 0 {
		cfg.Window = s.Window
	}
	if s.CoolDown != 0 {
		cfg.CoolDown = s.CoolDown
	}
	if s.HalfOpenMaxCalls != 0 {
		cfg.HalfOpenMaxCalls = s.HalfOpenMaxCalls
	}
	if s.HalfOpenSuccesses != 0 {
		cfg.HalfOpenSuccesses = s.HalfOpenSuccesses
	}
	return cfg
}

func (c CircuitBreakerConfig) normalized() CircuitBreakerConfig {
	if c.MaxFailures < 0 {
		c.MaxFailures = 0
	}
	if c.FailureRateThreshold < 0 {
		c.FailureRateThreshold = 0
	}
	if c.MinSamples < 1 {
		c.MinSamples = 1
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.BucketCount <= 0 {
		c.BucketCount = 10
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 15 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 1
	}
	return c
}

// StateChangeFunc observes breaker transitions. It is called outside the
// breaker's lock.
type StateChangeFunc func(name string, from, to CircuitBreakerState)

// CircuitBreaker guards one upstream. All state lives behind a single mutex so
// concurrent success/failure reports are applied atomically.
type CircuitBreaker struct {
	name          string
	config        CircuitBreakerConfig
	onStateChange StateChangeFunc
	now           func() time.Time

	mu      sync.Mutex
	state   CircuitBreakerState
	metrics circuitMetrics
}

type circuitMetrics struct {
	buckets            []bucketMetrics
	bucketDuration     time.Duration
	currentBucketIdx   int
	currentBucketStart time.Time

	totalFailures  int
	totalSuccesses int
	totalRejected  int

	consecutiveFailures int
	halfOpenInFlight    int
	halfOpenSuccesses   int
	// generation changes on every transition; results from calls admitted in an
	// earlier generation are discarded.
	generation      uint64
	lastStateChange time.Time
	openUntil       time.Time
}

type bucketMetrics struct {
	start    time.Time
	requests int
	failures int
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, onStateChange StateChangeFunc) *CircuitBreaker {
	config = config.normalized()

	bucketDuration := config.Window / time.Duration(config.BucketCount)
	if bucketDuration <= 0 {
		bucketDuration = time.Second
	}

	return &CircuitBreaker{
		name:          name,
		config:        config,
		onStateChange: onStateChange,
		now:           time.Now,
		state:         StateClosed,
		metrics: circuitMetrics{
			buckets:         make([]bucketMetrics, config.BucketCount),
			bucketDuration:  bucketDuration,
			lastStateChange: time.Now(),
		},
	}
}

// Name returns the upstream id the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Config returns the normalized configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig { return cb.config }

// Allow asks permission for one call. On success the returned function must be
// called exactly once with the call's result. When the circuit rejects the call
// Allow returns ErrCircuitOpen and the caller must not contact the upstream.
func (cb *CircuitBreaker) Allow() (func(Result), error) {
	cb.mu.Lock()
	now := cb.now()
	from := cb.state
	generation, err := cb.beforeRequestLocked(now)
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func(r Result) {
		once.Do(func() { cb.afterRequest(generation, r) })
	}, nil
}

// Execute wraps fn with breaker protection. A nil error from fn is a success.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	if err != nil {
		done(ResultFailure)
	} else {
		done(ResultSuccess)
	}
	return err
}

func (cb *CircuitBreaker) beforeRequestLocked(now time.Time) (uint64, error) {
	switch cb.state {
	case StateClosed:
		return cb.metrics.generation, nil
	case StateOpen:
		if now.Before(cb.metrics.openUntil) {
			cb.metrics.totalRejected++
			return 0, ErrCircuitOpen
		}
		cb.transitionToLocked(StateHalfOpen, now)
		cb.metrics.halfOpenInFlight++
		return cb.metrics.generation, nil
	case StateHalfOpen:
		if cb.metrics.halfOpenInFlight < cb.config.HalfOpenMaxCalls {
			cb.metrics.halfOpenInFlight++
			return cb.metrics.generation, nil
		}
		cb.metrics.totalRejected++
		return 0, ErrCircuitOpen
	default:
		return 0, fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

func (cb *CircuitBreaker) afterRequest(generation uint64, r Result) {
	cb.mu.Lock()
	now := cb.now()
	from := cb.state
	if generation == cb.metrics.generation {
		cb.rotateBucketsLocked(now)
		cb.recordCallLocked(now, r)
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) recordCallLocked(now time.Time, r Result) {
	if cb.state == StateHalfOpen && cb.metrics.halfOpenInFlight > 0 {
		cb.metrics.halfOpenInFlight--
	}
	if r == ResultIgnored {
		return
	}

	bucket := &cb.metrics.buckets[cb.metrics.currentBucketIdx]
	bucket.requests++
	if r == ResultSuccess {
		cb.metrics.totalSuccesses++
		cb.metrics.consecutiveFailures = 0
	} else {
		bucket.failures++
		cb.metrics.totalFailures++
		cb.metrics.consecutiveFailures++
	}

	switch cb.state {
	case StateHalfOpen:
		if r == ResultFailure {
			cb.transitionToLocked(StateOpen, now)
			return
		}
		cb.metrics.halfOpenSuccesses++
		if cb.metrics.halfOpenSuccesses >= cb.config.HalfOpenSuccesses {
			cb.transitionToLocked(StateClosed, now)
		}
	case StateClosed:
		if r != ResultFailure {
			return
		}
		if cb.config.MaxFailures > 0 && cb.metrics.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionToLocked(StateOpen, now)
			return
		}
		cb.evaluateWindowLocked(now)
	}
}

func (cb *CircuitBreaker) evaluateWindowLocked(now time.Time) {
	if cb.config.FailureRateThreshold <= 0 {
		return
	}

	requests, failures := cb.aggregateWindowLocked(now)
	if requests == 0 || requests < cb.config.MinSamples {
		return
	}

	failureRate := (float64(failures) / float64(requests)) * 100
	if failureRate > cb.config.FailureRateThreshold {
		cb.transitionToLocked(StateOpen, now)
	}
}

func (cb *CircuitBreaker) aggregateWindowLocked(now time.Time) (requests int, failures int) {
	for _, bucket := range cb.metrics.buckets {
		if bucket.requests == 0 || bucket.start.IsZero() {
			continue
		}
		if now.Sub(bucket.start) > cb.config.Window {
			continue
		}
		requests += bucket.requests
		failures += bucket.failures
	}
	return
}

func (cb *CircuitBreaker) rotateBucketsLocked(now time.Time) {
	m := &cb.metrics
	if m.currentBucketStart.IsZero() {
		m.currentBucketStart = now.Truncate(m.bucketDuration)
		m.buckets[m.currentBucketIdx].start = m.currentBucketStart
		return
	}

	if now.Before(m.currentBucketStart) {
		return
	}

	elapsed := now.Sub(m.currentBucketStart)
	if elapsed < m.bucketDuration {
		return
	}

	steps := int(math.Floor(float64(elapsed) / float64(m.bucketDuration)))
	if steps >= len(m.buckets) {
		// Idle for longer than the window: earlier failures no longer count.
		cb.resetBucketsLocked(now)
		m.consecutiveFailures = 0
		return
	}
	for i := 0; i < steps; i++ {
		m.currentBucketIdx = (m.currentBucketIdx + 1) % len(m.buckets)
		m.currentBucketStart = m.currentBucketStart.Add(m.bucketDuration)
		m.buckets[m.currentBucketIdx] = bucketMetrics{start: m.currentBucketStart}
	}
}

func (cb *CircuitBreaker) resetBucketsLocked(now time.Time) {
	for i := range cb.metrics.buckets {
		cb.metrics.buckets[i] = bucketMetrics{}
	}
	cb.metrics.currentBucketIdx = 0
	cb.metrics.currentBucketStart = now.Truncate(cb.metrics.bucketDuration)
	cb.metrics.buckets[0].start = cb.metrics.currentBucketStart
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState, now time.Time) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.metrics.generation++
	cb.metrics.lastStateChange = now
	cb.metrics.consecutiveFailures = 0
	cb.metrics.halfOpenInFlight = 0
	cb.metrics.halfOpenSuccesses = 0

	switch newState {
	case StateOpen:
		cb.metrics.openUntil = now.Add(cb.config.CoolDown)
	case StateHalfOpen:
		cb.metrics.openUntil = time.Time{}
	case StateClosed:
		cb.metrics.openUntil = time.Time{}
		cb.resetBucketsLocked(now)
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current state of the circuit breaker. An open circuit whose
// cool-down has elapsed still reports open until the next call arrives.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryAfter returns how long an open circuit keeps rejecting calls.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	if d := cb.metrics.openUntil.Sub(cb.now()); d > 0 {
		return d
	}
	return 0
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	requests, failures := cb.aggregateWindowLocked(cb.now())
	failureRate := 0.0
	if requests > 0 {
		failureRate = (float64(failures) / float64(requests)) * 100
	}

	stats := CircuitBreakerStats{
		Upstream:            cb.name,
		State:               string(cb.state),
		Failures:            cb.metrics.totalFailures,
		Successes:           cb.metrics.totalSuccesses,
		Rejected:            cb.metrics.totalRejected,
		ConsecutiveFailures: cb.metrics.consecutiveFailures,
		WindowRequests:      requests,
		FailureRate:         failureRate,
		LastStateChange:     cb.metrics.lastStateChange.Format(time.RFC3339),
		Window:              cb.config.Window.String(),
		CoolDown:            cb.config.CoolDown.String(),
		HalfOpenInFlight:    cb.metrics.halfOpenInFlight,
		HalfOpenSuccesses:   cb.metrics.halfOpenSuccesses,
	}
	if !cb.metrics.openUntil.IsZero() {
		stats.OpenUntil = cb.metrics.openUntil.Format(time.RFC3339)
	}
	return stats
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	Upstream            string  `json:"upstream"`
	State               string  `json:"state"`
	Failures            int     `json:"failures"`
	Successes           int     `json:"successes"`
	Rejected            int     `json:"rejected"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	WindowRequests      int     `json:"windowRequests"`
	FailureRate         float64 `json:"failureRate"`
	LastStateChange     string  `json:"lastStateChange"`
	OpenUntil           string  `json:"openUntil,omitempty"`
	Window              string  `json:"window"`
	CoolDown            string  `json:"coolDown"`
	HalfOpenInFlight    int     `json:"halfOpenInFlight"`
	HalfOpenSuccesses   int     `json:"halfOpenSuccesses"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	now := cb.now()
	from := cb.state
	cb.transitionToLocked(StateClosed, now)
	cb.metrics.consecutiveFailures = 0
	cb.metrics.totalFailures = 0
	cb.metrics.totalSuccesses = 0
	cb.metrics.totalRejected = 0
	cb.resetBucketsLocked(now)
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// CircuitBreakerManager owns the breakers of all upstreams. It is the only
// holder of circuit state; breakers survive configuration reloads when their
// thresholds are unchanged.
type CircuitBreakerManager struct {
	mu            sync.RWMutex
	breakers      map[string]*CircuitBreaker
	onStateChange StateChangeFunc
}

// NewCircuitBreakerManager creates a new circuit breaker manager.
func NewCircuitBreakerManager(onStateChange StateChangeFunc) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers:      make(map[string]*CircuitBreaker),
		onStateChange: onStateChange,
	}
}

// Sync makes the managed set match configs. Breakers whose configuration is
// unchanged keep their state; changed ones start closed; missing ones are dropped.
func (m *CircuitBreakerManager) Sync(configs map[string]CircuitBreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*CircuitBreaker, len(configs))
	for id, cfg := range configs {
		if existing, ok := m.breakers[id]; ok && existing.config == cfg.normalized() {
			next[id] = existing
			continue
		}
		next[id] = NewCircuitBreaker(id, cfg, m.onStateChange)
	}
	m.breakers = next
}

// Configure adds or replaces the breaker for one upstream, keeping state when the
// configuration is unchanged.
func (m *CircuitBreakerManager) Configure(upstreamID string, config CircuitBreakerConfig) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[upstreamID]; ok && existing.config == config.normalized() {
		return existing
	}
	cb := NewCircuitBreaker(upstreamID, config, m.onStateChange)
	m.breakers[upstreamID] = cb
	return cb
}

// Get retrieves the circuit breaker for an upstream.
func (m *CircuitBreakerManager) Get(upstreamID string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[upstreamID]
	return cb, ok
}

// Stats returns statistics for all circuit breakers.
func (m *CircuitBreakerManager) Stats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for id, cb := range m.breakers {
		stats[id] = cb.Stats()
	}
	return stats
}

// ResetAll resets all circuit breakers to closed state.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
}
