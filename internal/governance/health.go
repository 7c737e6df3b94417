package governance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HealthTarget is an upstream health endpoint.
type HealthTarget struct {
	Upstream string
	URL      string
}

// HealthStatus is the result of the latest probe of one upstream.
type HealthStatus struct {
	Healthy    bool      `json:"healthy"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
	Latency    string    `json:"latency"`
}

// HealthProberConfig configures a HealthProber.
type HealthProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
	// OnResult is called after every probe, outside the prober's lock.
	OnResult func(upstream string, st HealthStatus)
}

// HealthProber periodically probes upstream health endpoints. Results are
// informational: they never feed circuit breaker state.
type HealthProber struct {
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
	onResult func(string, HealthStatus)

	mu      sync.RWMutex
	targets []HealthTarget
	status  map[string]HealthStatus
}

// NewHealthProber creates a prober with no targets.
func NewHealthProber(cfg HealthProberConfig) *HealthProber {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HealthProber{
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		client:   cfg.Client,
		logger:   cfg.Logger,
		onResult: cfg.OnResult,
		status:   make(map[string]HealthStatus),
	}
}

// SetTargets replaces the probed endpoints. Status of removed upstreams is dropped.
func (p *HealthProber) SetTargets(targets []HealthTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.targets = append([]HealthTarget(nil), targets...)
	keep := make(map[string]HealthStatus, len(targets))
	for _, t := range targets {
		if st, ok := p.status[t.Upstream]; ok {
			keep[t.Upstream] = st
		}
	}
	p.status = keep
}

// Run probes all targets every interval until ctx is cancelled.
func (p *HealthProber) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every target concurrently and records the results.
func (p *HealthProber) ProbeAll(ctx context.Context) {
	p.mu.RLock()
	targets := p.targets
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(t HealthTarget) {
			defer wg.Done()
			st := p.probe(ctx, t)
			p.record(t.Upstream, st)
		}(target)
	}
	wg.Wait()
}

func (p *HealthProber) probe(ctx context.Context, t HealthTarget) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	st := HealthStatus{CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		st.Error = fmt.Sprintf("build probe request: %v", err)
		return st
	}
	resp, err := p.client.Do(req)
	st.Latency = time.Since(start).String()
	if err != nil {
		st.Error = err.Error()
		return st
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	st.StatusCode = resp.StatusCode
	st.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	return st
}

func (p *HealthProber) record(upstream string, st HealthStatus) {
	p.mu.Lock()
	prev, seen := p.status[upstream]
	_, tracked := p.statusTargetLocked(upstream)
	if tracked {
		p.status[upstream] = st
	}
	p.mu.Unlock()

	if tracked && p.onResult != nil {
		p.onResult(upstream, st)
	}

	if seen && prev.Healthy != st.Healthy {
		if st.Healthy {
			p.logger.Info("upstream health recovered", "upstream", upstream, "status_code", st.StatusCode)
		} else {
			p.logger.Warn("upstream health check failing", "upstream", upstream, "status_code", st.StatusCode, "error", st.Error)
		}
	}
}

func (p *HealthProber) statusTargetLocked(upstream string) (HealthTarget, bool) {
	for _, t := range p.targets {
		if t.Upstream == upstream {
			return t, true
		}
	}
	return HealthTarget{}, false
}

// Status returns the latest probe results keyed by upstream id.
func (p *HealthProber) Status() map[string]HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]HealthStatus, len(p.status))
	for k, v := range p.status {
		out[k] = v
	}
	return out
}
