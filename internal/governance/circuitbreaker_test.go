package governance

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct {
	from, to CircuitBreakerState
}

type transitionLog struct {
	mu  sync.Mutex
	log []transition
}

func (l *transitionLog) record(_ string, from, to CircuitBreakerState) {
	l.mu.Lock()
	l.log = append(l.log, transition{from, to})
	l.mu.Unlock()
}

func (l *transitionLog) all() []transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transition(nil), l.log...)
}

func newTestBreaker(cfg CircuitBreakerConfig, clock *testClock, hook StateChangeFunc) *CircuitBreaker {
	cb := NewCircuitBreaker("insights", cfg, hook)
	cb.now = clock.Now
	return cb
}

func consecutiveConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:       5,
		Window:            time.Minute,
		CoolDown:          10 * time.Second,
		HalfOpenMaxCalls:  1,
		HalfOpenSuccesses: 2,
	}
}

func report(t *testing.T, cb *CircuitBreaker, r Result) {
	t.Helper()
	done, err := cb.Allow()
	require.NoError(t, err)
	done(r)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(consecutiveConfig(), clock, nil)

	for i := 0; i < 4; i++ {
		report(t, cb, ResultFailure)
		assert.Equal(t, StateClosed, cb.State())
	}
	report(t, cb, ResultFailure)
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 10*time.Second, cb.RetryAfter())

	stats := cb.Stats()
	assert.Equal(t, 5, stats.Failures)
	assert.Equal(t, 1, stats.Rejected)
}

func TestCircuitBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(consecutiveConfig(), clock, nil)

	for i := 0; i < 4; i++ {
		report(t, cb, ResultFailure)
	}
	report(t, cb, ResultSuccess)
	for i := 0; i < 4; i++ {
		report(t, cb, ResultFailure)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerResetClearsConsecutiveFailures(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(consecutiveConfig(), clock, nil)

	for i := 0; i < 4; i++ {
		report(t, cb, ResultFailure)
	}
	require.Equal(t, StateClosed, cb.State())

	cb.Reset()
	assert.Equal(t, 0, cb.Stats().ConsecutiveFailures)

	report(t, cb, ResultFailure)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(consecutiveConfig(), clock, nil)

	for i := 0; i < 4; i++ {
		report(t, cb, ResultFailure)
	}
	clock.Advance(2 * time.Minute)
	report(t, cb, ResultFailure)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	clock := newTestClock()
	transitions := &transitionLog{}
	cb := newTestBreaker(consecutiveConfig(), clock, transitions.record)

	for i := 0; i < 5; i++ {
		report(t, cb, ResultFailure)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(9 * time.Second)
	_, err := cb.Allow()
	require.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(time.Second)
	trial, err := cb.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Only one trial may be in flight.
	_, err = cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	trial(ResultSuccess)
	assert.Equal(t, StateHalfOpen, cb.State())

	report(t, cb, ResultSuccess)
	assert.Equal(t, StateClosed, cb.State())

	// The window starts fresh after closing.
	assert.Equal(t, 0, cb.Stats().WindowRequests)

	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, transitions.all())
}

func TestCircuitBreakerTrialFailureReopens(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(consecutiveConfig(), clock, nil)

	for i := 0; i < 5; i++ {
		report(t, cb, ResultFailure)
	}
	clock.Advance(10 * time.Second)

	report(t, cb, ResultSuccess)
	require.Equal(t, StateHalfOpen, cb.State())
	report(t, cb, ResultFailure)
	assert.Equal(t, StateOpen, cb.State())

	// Cool-down restarts from the trial failure.
	clock.Advance(5 * time.Second)
	_, err := cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5*time.Second, cb.RetryAfter())
}

func TestCircuitBreakerIgnoredTrialReleasesSlot(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(consecutiveConfig(), clock, nil)

	for i := 0; i < 5; i++ {
		report(t, cb, ResultFailure)
	}
	clock.Advance(10 * time.Second)

	report(t, cb, ResultIgnored)
	assert.Equal(t, StateHalfOpen, cb.State())

	trial, err := cb.Allow()
	require.NoError(t, err)
	trial(ResultSuccess)
	assert.Equal(t, 1, cb.Stats().HalfOpenSuccesses)
}

func TestCircuitBreakerDiscardsResultsFromEarlierState(t *testing.T) {
	clock := newTestClock()
	cfg := consecutiveConfig()
	cfg.HalfOpenSuccesses = 1
	cb := newTestBreaker(cfg, clock, nil)

	slow, err := cb.Allow()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		report(t, cb, ResultFailure)
	}
	clock.Advance(10 * time.Second)
	trial, err := cb.Allow()
	require.NoError(t, err)

	// A call admitted while closed finishing now must not close the circuit.
	slow(ResultSuccess)
	assert.Equal(t, StateHalfOpen, cb.State())

	trial(ResultSuccess)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerFailureRate(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(CircuitBreakerConfig{
		FailureRateThreshold: 50,
		MinSamples:           4,
		Window:               time.Minute,
		CoolDown:             time.Second,
	}, clock, nil)

	report(t, cb, ResultFailure)
	report(t, cb, ResultFailure)
	report(t, cb, ResultSuccess)
	report(t, cb, ResultSuccess)
	// Exactly at the threshold does not exceed it.
	assert.Equal(t, StateClosed, cb.State())
	assert.InDelta(t, 50.0, cb.Stats().FailureRate, 0.001)

	report(t, cb, ResultFailure)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerMinSamplesGuard(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(CircuitBreakerConfig{
		FailureRateThreshold: 10,
		MinSamples:           5,
		Window:               time.Minute,
	}, clock, nil)

	for i := 0; i < 4; i++ {
		report(t, cb, ResultFailure)
	}
	assert.Equal(t, StateClosed, cb.State())
	report(t, cb, ResultFailure)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerExecute(t *testing.T) {
	clock := newTestClock()
	cfg := consecutiveConfig()
	cfg.MaxFailures = 1
	cb := newTestBreaker(cfg, clock, nil)

	boom := errors.New("boom")
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(func() error { return nil }))
}

func TestCircuitBreakerConcurrentReports(t *testing.T) {
	cb := NewCircuitBreaker("core", CircuitBreakerConfig{MaxFailures: 0, Window: time.Minute}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			done, err := cb.Allow()
			if err != nil {
				return
			}
			if i%2 == 0 {
				done(ResultSuccess)
			} else {
				done(ResultFailure)
			}
		}(i)
	}
	wg.Wait()

	stats := cb.Stats()
	assert.Equal(t, 50, stats.Successes+stats.Failures)
}

func TestCircuitBreakerConsecutiveFailuresProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 6).Draw(t, "maxFailures")
		results := rapid.SliceOfN(rapid.Bool(), 1, 40).Draw(t, "failures")

		clock := newTestClock()
		cb := NewCircuitBreaker("p", CircuitBreakerConfig{
			MaxFailures: k,
			Window:      time.Hour,
			CoolDown:    time.Hour,
		}, nil)
		cb.now = clock.Now

		run := 0
		open := false
		for _, failed := range results {
			done, err := cb.Allow()
			if open {
				if !errors.Is(err, ErrCircuitOpen) {
					t.Fatalf("open circuit admitted a call")
				}
				continue
			}
			if err != nil {
				t.Fatalf("closed circuit rejected a call: %v", err)
			}
			if failed {
				run++
				done(ResultFailure)
			} else {
				run = 0
				done(ResultSuccess)
			}
			if run >= k {
				open = true
			}
			want := StateClosed
			if open {
				want = StateOpen
			}
			if got := cb.State(); got != want {
				t.Fatalf("after run of %d failures (k=%d) state = %s, want %s", run, k, got, want)
			}
		}
	})
}

func TestCircuitBreakerManagerSyncKeepsUnchangedBreakers(t *testing.T) {
	transitions := &transitionLog{}
	m := NewCircuitBreakerManager(transitions.record)

	cfg := consecutiveConfig()
	cfg.MaxFailures = 1
	m.Sync(map[string]CircuitBreakerConfig{"core": cfg, "ai": cfg})

	core, ok := m.Get("core")
	require.True(t, ok)
	require.NoError(t, core.Execute(func() error { return nil }))
	require.Error(t, core.Execute(func() error { return errors.New("down") }))
	require.Equal(t, StateOpen, core.State())

	changed := cfg
	changed.CoolDown = time.Minute
	m.Sync(map[string]CircuitBreakerConfig{"core": cfg, "ai": changed})

	same, ok := m.Get("core")
	require.True(t, ok)
	assert.Same(t, core, same)
	assert.Equal(t, StateOpen, same.State())

	ai, ok := m.Get("ai")
	require.True(t, ok)
	assert.Equal(t, time.Minute, ai.Config().CoolDown)

	m.Sync(map[string]CircuitBreakerConfig{"core": cfg})
	_, ok = m.Get("ai")
	assert.False(t, ok)

	stats := m.Stats()
	require.Contains(t, stats, "core")
	assert.Equal(t, "open", stats["core"].State)

	m.ResetAll()
	assert.Equal(t, StateClosed, core.State())
	assert.Equal(t, []transition{{StateClosed, StateOpen}, {StateOpen, StateClosed}}, transitions.all())
}

func TestCircuitConfigFromDefaults(t *testing.T) {
	cfg := CircuitConfigFrom(domain.CircuitSettings{MaxFailures: 3, CoolDown: time.Second})
	assert.Equal(t, 3, cfg.MaxFailures)
	assert.Equal(t, time.Second, cfg.CoolDown)
	assert.Equal(t, DefaultCircuitBreakerConfig().Window, cfg.Window)
	assert.Equal(t, DefaultCircuitBreakerConfig().HalfOpenSuccesses, cfg.HalfOpenSuccesses)
}
