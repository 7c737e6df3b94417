package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/budgetiq/budgetiq-gateway/internal/governance"
	gwtls "github.com/budgetiq/budgetiq-gateway/internal/tls"
	"github.com/budgetiq/budgetiq-gateway/pkg/auth"
	"github.com/budgetiq/budgetiq-gateway/pkg/config"
	"github.com/budgetiq/budgetiq-gateway/pkg/dispatch"
	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
	"github.com/budgetiq/budgetiq-gateway/pkg/logging"
	"github.com/budgetiq/budgetiq-gateway/pkg/policy"
	"github.com/budgetiq/budgetiq-gateway/pkg/routing"
)

// Runtime is an immutable snapshot of everything a request needs. A reload
// builds a new Runtime and swaps it in; in-flight requests keep the one they started with.
type Runtime struct {
	Generation uint64
	LoadedAt   time.Time
	Config     *config.Config

	Routes     *routing.Table
	Upstreams  map[string]domain.Upstream
	Validator  *auth.Validator
	Dispatcher *dispatch.Dispatcher
	// Engine is nil when no policy modules are configured.
	Engine *policy.Engine
}

// runtimeDeps are the long-lived components a Runtime is wired to.
type runtimeDeps struct {
	breakers  *governance.CircuitBreakerManager
	limiter   *governance.RateLimiter
	transport http.RoundTripper
	logger    *slog.Logger
	now       func() time.Time
}

// buildRuntime compiles cfg. Every check that can reject cfg runs before the
// shared breakers and limiter are touched, so a failed build leaves them in step
// with the runtime still serving.
func buildRuntime(ctx context.Context, cfg *config.Config, deps runtimeDeps) (*Runtime, error) {
	keys, err := buildKeySet(cfg.Auth, deps.logger)
	if err != nil {
		return nil, fmt.Errorf("auth keys: %w", err)
	}
	validator, err := auth.NewValidator(auth.ValidatorConfig{
		Keys:       keys,
		Algorithms: cfg.Auth.Algorithms,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		Now:        deps.now,
	})
	if err != nil {
		return nil, fmt.Errorf("token validator: %w", err)
	}

	upstreams := make(map[string]domain.Upstream, len(cfg.Upstreams))
	for _, u := range cfg.DomainUpstreams() {
		if err := dispatch.ValidateUpstream(u); err != nil {
			return nil, err
		}
		upstreams[u.ID] = u
	}

	table, err := routing.NewTable(cfg.DomainRoutes(), func(id string) bool {
		_, ok := upstreams[id]
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}

	var engine *policy.Engine
	if cfg.Policy.Enabled() {
		engine, err = buildPolicyEngine(ctx, cfg, table, deps.logger)
		if err != nil {
			return nil, fmt.Errorf("policy engine: %w", err)
		}
	}

	transports := make(map[string]http.RoundTripper)
	for _, u := range cfg.Upstreams {
		if u.TLS == nil {
			continue
		}
		tlsConfig, err := gwtls.BuildClient(u.TLS.Client())
		if err != nil {
			return nil, fmt.Errorf("upstream %q TLS: %w", u.ID, err)
		}
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.TLSClientConfig = tlsConfig
		transports[u.ID] = otelhttp.NewTransport(base)
	}

	// Breakers outlive the runtime and must match the upstream set that is about
	// to become active.
	breakerConfigs := make(map[string]governance.CircuitBreakerConfig, len(upstreams))
	for id, u := range upstreams {
		breakerConfigs[id] = governance.CircuitConfigFrom(u.Circuit)
	}
	deps.breakers.Sync(breakerConfigs)

	targets := make(map[string]*dispatch.Target, len(upstreams))
	for id, u := range upstreams {
		breaker, _ := deps.breakers.Get(id)
		target, err := dispatch.NewTarget(u, breaker)
		if err != nil {
			// Base URLs were validated above; only a missing breaker lands here.
			return nil, err
		}
		if rt, ok := transports[id]; ok {
			target = target.WithTransport(rt)
		}
		targets[id] = target
	}
	deps.limiter.Configure(cfg.RateLimits())

	dispatcherCfg := dispatch.Config{
		Targets:    targets,
		Transport:  deps.transport,
		Limiter:    deps.limiter,
		AuthBudget: cfg.Auth.AuthBudget,
		Logger:     deps.logger,
	}
	if engine != nil {
		dispatcherCfg.Authorizer = engine
	}

	return &Runtime{
		LoadedAt:   deps.now(),
		Config:     cfg,
		Routes:     table,
		Upstreams:  upstreams,
		Validator:  validator,
		Dispatcher: dispatch.New(dispatcherCfg),
		Engine:     engine,
	}, nil
}

func buildKeySet(cfg config.AuthConfig, logger *slog.Logger) (auth.KeySet, error) {
	var chain auth.ChainKeySet

	if len(cfg.Keys) > 0 {
		static := make([]auth.StaticKey, 0, len(cfg.Keys))
		for _, k := range cfg.Keys {
			key, err := loadKey(k)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k.ID, err)
			}
			static = append(static, auth.StaticKey{ID: k.ID, Key: key})
		}
		set, err := auth.NewStaticKeySet(static...)
		if err != nil {
			return nil, err
		}
		chain = append(chain, set)
	}

	if cfg.JWKS != nil {
		remote, err := auth.NewRemoteKeySet(auth.RemoteKeySetConfig{
			URL:                cfg.JWKS.URL,
			RefreshInterval:    cfg.JWKS.RefreshInterval,
			MinRefreshInterval: cfg.JWKS.MinRefreshInterval,
			FetchTimeout:       cfg.JWKS.FetchTimeout,
			Client:             &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Logger:             logger,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, remote)
	}

	switch len(chain) {
	case 0:
		return nil, errors.New("no verification keys configured")
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}

func loadKey(k config.KeyConfig) (any, error) {
	if k.Type == config.KeyTypeHMAC {
		if k.Secret == "" {
			return nil, errors.New("empty HMAC secret")
		}
		return []byte(k.Secret), nil
	}
	// #nosec G304 -- key paths come from the operator's configuration
	data, err := os.ReadFile(k.PEMFile)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return auth.ParsePublicKeyPEM(k.Type, data)
}

func buildPolicyEngine(ctx context.Context, cfg *config.Config, table *routing.Table, logger *slog.Logger) (*policy.Engine, error) {
	modules, err := cfg.Policy.LoadPolicyModules()
	if err != nil {
		return nil, err
	}
	mode, err := policy.ParseMode(cfg.Policy.OnError)
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      cfg.Policy.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: cfg.Policy.CacheSize,
		OnError:         mode,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	for _, route := range table.Routes() {
		if route.Policy == "" {
			continue
		}
		if err := engine.Prepare(ctx, route.Policy); err != nil {
			return nil, fmt.Errorf("route %q: %w", route.ID, err)
		}
	}
	return engine, nil
}

// Check compiles cfg the way a reload would, against throwaway breakers and
// limiters, and reports the first error.
func Check(ctx context.Context, cfg *config.Config) error {
	_, err := buildRuntime(ctx, cfg, runtimeDeps{
		breakers: governance.NewCircuitBreakerManager(nil),
		limiter:  governance.NewRateLimiter(nil),
		logger:   logging.Discard(),
		now:      time.Now,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	return nil
}
