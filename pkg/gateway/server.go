package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/budgetiq/budgetiq-gateway/internal/governance"
	gwtls "github.com/budgetiq/budgetiq-gateway/internal/tls"
	"github.com/budgetiq/budgetiq-gateway/pkg/audit"
	"github.com/budgetiq/budgetiq-gateway/pkg/config"
	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
	"github.com/budgetiq/budgetiq-gateway/pkg/telemetry"
)

// Options carries dependencies that are not part of the configuration file.
type Options struct {
	Logger *slog.Logger
	// Transport is the default upstream transport. Upstreams with their own TLS
	// settings get a dedicated transport.
	Transport http.RoundTripper
	// Collectors receive audit events in addition to the configured sinks.
	Collectors []audit.Collector
	Now        func() time.Time
}

// Server is the gateway process: a data listener serving proxied traffic and an
// admin listener serving metrics, health and operational endpoints.
type Server struct {
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	breakers *governance.CircuitBreakerManager
	limiter  *governance.RateLimiter
	prober   *governance.HealthProber
	emitter  *audit.Emitter
	redis    *audit.RedisCollector

	transport http.RoundTripper

	reloadMu   sync.Mutex
	runtime    atomic.Pointer[Runtime]
	generation atomic.Uint64
	ready      atomic.Bool

	certs     *gwtls.CertReloader
	dataSrv   *http.Server
	adminSrv  *http.Server
	dataLn    net.Listener
	adminLn   net.Listener
	cancelBg  context.CancelFunc
	bg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Server from a validated configuration. It does not bind any
// listener; call Start for that.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		logger:    logger,
		metrics:   NewMetrics(),
		now:       now,
		limiter:   governance.NewRateLimiter(nil),
		transport: opts.Transport,
	}
	s.breakers = governance.NewCircuitBreakerManager(s.onCircuitTransition)
	s.prober = governance.NewHealthProber(governance.HealthProberConfig{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
		Client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Logger:   logger,
		OnResult: func(upstream string, st governance.HealthStatus) {
			s.metrics.SetUpstreamHealth(upstream, st.Healthy)
		},
	})

	collector, err := s.buildCollector(ctx, cfg.Audit, opts.Collectors)
	if err != nil {
		return nil, err
	}
	s.emitter = audit.NewEmitter(collector, audit.EmitterConfig{
		QueueSize: cfg.Audit.QueueSize,
		Workers:   cfg.Audit.Workers,
		Timeout:   cfg.Audit.Timeout,
		Logger:    logger,
		OnDrop: func(domain.AuditEvent) {
			s.metrics.RecordAuditDrop()
		},
	})

	if err := s.Reload(ctx, cfg); err != nil {
		_ = s.closeAudit(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Server) buildCollector(ctx context.Context, cfg config.AuditConfig, extra []audit.Collector) (audit.Collector, error) {
	var collectors audit.MultiCollector
	for _, sink := range cfg.Sinks {
		switch sink {
		case config.SinkLog:
			collectors = append(collectors, audit.NewLogCollector(s.logger.With("component", "audit")))
		case config.SinkPrometheus:
			pc, err := audit.NewPrometheusCollector(s.metrics.Registry())
			if err != nil {
				return nil, fmt.Errorf("prometheus audit sink: %w", err)
			}
			collectors = append(collectors, pc)
		case config.SinkRedis:
			rc, err := audit.NewRedisCollector(ctx, audit.RedisConfig{
				Addr:     cfg.Redis.Addr,
				Username: cfg.Redis.Username,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				Stream:   cfg.Redis.Stream,
				MaxLen:   cfg.Redis.MaxLen,
			})
			if err != nil {
				return nil, fmt.Errorf("redis audit sink: %w", err)
			}
			s.redis = rc
			collectors = append(collectors, rc)
		}
	}
	collectors = append(collectors, extra...)
	return collectors, nil
}

// Runtime returns the active runtime snapshot.
func (s *Server) Runtime() *Runtime {
	return s.runtime.Load()
}

// Metrics returns the server's Prometheus metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Reload compiles cfg into a new runtime and swaps it in. On failure the
// active runtime keeps serving.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	rt, err := buildRuntime(ctx, cfg, runtimeDeps{
		breakers:  s.breakers,
		limiter:   s.limiter,
		transport: s.transport,
		logger:    s.logger,
		now:       s.now,
	})
	if err != nil {
		s.metrics.RecordConfigReload("failure", s.generation.Load())
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}

	rt.Generation = s.generation.Add(1)
	s.runtime.Store(rt)
	s.prober.SetTargets(healthTargets(rt))
	for id := range rt.Upstreams {
		if breaker, ok := s.breakers.Get(id); ok {
			s.metrics.SetCircuitState(id, breaker.State())
		}
	}
	s.metrics.RecordConfigReload("success", rt.Generation)

	s.logger.Info("gateway configuration applied",
		"generation", rt.Generation,
		"routes", rt.Routes.Len(),
		"upstreams", len(rt.Upstreams),
		"policy", rt.Engine != nil,
	)
	return nil
}

// Watch applies every configuration published on updates until ctx is done or
// the channel is closed.
func (s *Server) Watch(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if err := s.Reload(ctx, cfg); err != nil {
				s.logger.Error("configuration reload rejected, keeping previous runtime", "error", err)
			}
		}
	}
}

func healthTargets(rt *Runtime) []governance.HealthTarget {
	if !rt.Config.Health.Enabled {
		return nil
	}
	var targets []governance.HealthTarget
	for _, u := range rt.Config.Upstreams {
		if u.HealthPath == "" {
			continue
		}
		targets = append(targets, governance.HealthTarget{
			Upstream: u.ID,
			URL:      u.BaseURL + u.HealthPath,
		})
	}
	return targets
}

func (s *Server) onCircuitTransition(upstream string, from, to governance.CircuitBreakerState) {
	s.metrics.RecordCircuitTransition(upstream, from, to)
	telemetry.RecordCircuitTransition(context.Background(), upstream, string(from), string(to))

	level := slog.LevelInfo
	if to == governance.StateOpen {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "circuit breaker state changed",
		"upstream", upstream,
		"from", string(from),
		"to", string(to),
	)
}

// Start binds both listeners and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.Runtime().Config.Server

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBg = cancel

	dataHandler := otelhttp.NewHandler(s, "budgetiq.gateway",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != healthPath }),
	)
	s.dataSrv = &http.Server{
		Handler:           dataHandler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLS != nil {
		certs, err := gwtls.NewCertReloader(cfg.TLS.CertFile, cfg.TLS.KeyFile, s.logger)
		if err != nil {
			cancel()
			return err
		}
		tlsConfig, err := gwtls.BuildServer(cfg.TLS.Server(), certs)
		if err != nil {
			cancel()
			return err
		}
		if err := certs.Watch(bgCtx); err != nil {
			cancel()
			return err
		}
		s.certs = certs
		s.dataSrv.TLSConfig = tlsConfig
	}
	s.adminSrv = &http.Server{
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	var lc net.ListenConfig
	dataLn, err := lc.Listen(ctx, "tcp", cfg.DataAddress)
	if err != nil {
		cancel()
		return fmt.Errorf("bind data listener %s: %w", cfg.DataAddress, err)
	}
	adminLn, err := lc.Listen(ctx, "tcp", cfg.AdminAddress)
	if err != nil {
		_ = dataLn.Close()
		cancel()
		return fmt.Errorf("bind admin listener %s: %w", cfg.AdminAddress, err)
	}
	s.dataLn, s.adminLn = dataLn, adminLn

	useTLS := s.dataSrv.TLSConfig != nil
	s.serve("data", s.dataSrv, dataLn, useTLS)
	s.serve("admin", s.adminSrv, adminLn, false)

	if s.Runtime().Config.Health.Enabled {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.prober.Run(bgCtx)
		}()
	}

	s.ready.Store(true)
	s.logger.Info("gateway listening",
		"data_addr", dataLn.Addr().String(),
		"admin_addr", adminLn.Addr().String(),
		"tls", useTLS,
	)
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener, useTLS bool) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		var err error
		if useTLS {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("listener failed", "listener", name, "error", err)
		}
	}()
}

// DataAddr returns the bound data listener address.
func (s *Server) DataAddr() string {
	if s.dataLn == nil {
		return ""
	}
	return s.dataLn.Addr().String()
}

// AdminAddr returns the bound admin listener address.
func (s *Server) AdminAddr() string {
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

// Shutdown stops accepting traffic, drains in-flight requests and flushes
// queued audit events.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		s.ready.Store(false)

		if s.dataSrv != nil {
			if err := s.dataSrv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("data listener: %w", err))
			}
		}
		if s.adminSrv != nil {
			if err := s.adminSrv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("admin listener: %w", err))
			}
		}
		if s.cancelBg != nil {
			s.cancelBg()
		}
		if s.certs != nil {
			if err := s.certs.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.bg.Wait()

		if err := s.closeAudit(ctx); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (s *Server) closeAudit(ctx context.Context) error {
	var errs []error
	if err := s.emitter.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("audit emitter: %w", err))
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis audit sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
