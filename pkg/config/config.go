// Package config provides configuration structures and loading logic for the gateway.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Auth      AuthConfig       `yaml:"auth"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	Routes    []RouteConfig    `yaml:"routes"`
	Policy    PolicyConfig     `yaml:"policy"`
	Audit     AuditConfig      `yaml:"audit"`
	Health    HealthConfig     `yaml:"health"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	AdminAddress      string        `yaml:"admin_address"`
	DataAddress       string        `yaml:"data_address"`
	TLS               *TLSConfig    `yaml:"tls,omitempty"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// AuthConfig configures token verification.
type AuthConfig struct {
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	Algorithms []string `yaml:"algorithms"`
	// AuthBudget is the share of the request deadline reserved for
	// authentication and routing.
	AuthBudget time.Duration `yaml:"auth_budget"`
	Keys       []KeyConfig   `yaml:"keys"`
	JWKS       *JWKSConfig   `yaml:"jwks,omitempty"`
}

// KeyConfig is a static verification key.
type KeyConfig struct {
	ID   string `yaml:"kid"`
	Type string `yaml:"type"`
	// Secret holds an inline HMAC secret; SecretEnv names a variable to read it from.
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
	// PEMFile holds an RSA, ECDSA or Ed25519 public key.
	PEMFile string `yaml:"pem_file"`
}

// JWKSConfig configures a remote key set.
type JWKSConfig struct {
	URL                string        `yaml:"url"`
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
}

// UpstreamConfig describes a backend service.
type UpstreamConfig struct {
	ID              string             `yaml:"id"`
	BaseURL         string             `yaml:"base_url"`
	HealthPath      string             `yaml:"health_path"`
	Timeout         time.Duration      `yaml:"timeout"`
	RequestDeadline time.Duration      `yaml:"request_deadline"`
	Retry           RetryConfig        `yaml:"retry"`
	Circuit         CircuitConfig      `yaml:"circuit"`
	TLS             *UpstreamTLSConfig `yaml:"tls,omitempty"`
}

// RetryConfig is the retry budget for idempotent calls. Unset fields take defaults.
type RetryConfig struct {
	MaxRetries     *int          `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         *bool         `yaml:"jitter"`
}

// CircuitConfig holds circuit breaker thresholds. Zero values take defaults.
type CircuitConfig struct {
	MaxFailures          int           `yaml:"max_failures"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	MinSamples           int           `yaml:"min_samples"`
	Window               time.Duration `yaml:"window"`
	CoolDown             time.Duration `yaml:"cool_down"`
	HalfOpenMaxCalls     int           `yaml:"half_open_max_calls"`
	HalfOpenSuccesses    int           `yaml:"half_open_successes"`
}

// RouteConfig maps a method and path template to an upstream.
type RouteConfig struct {
	ID             string           `yaml:"id"`
	Method         string           `yaml:"method"`
	Path           string           `yaml:"path"`
	Upstream       string           `yaml:"upstream"`
	RequiredClaims []string         `yaml:"required_claims"`
	StripPrefix    string           `yaml:"strip_prefix"`
	Policy         string           `yaml:"policy"`
	RateLimit      *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig bounds a route's request rate.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// PolicyConfig configures the embedded Rego policy engine.
type PolicyConfig struct {
	// Modules lists Rego files; Dir adds every *.rego file in a directory.
	Modules    []string `yaml:"modules"`
	Dir        string   `yaml:"dir"`
	Entrypoint string   `yaml:"entrypoint"`
	OnError    string   `yaml:"on_error"`
	CacheSize  int      `yaml:"cache_size"`
}

// AuditConfig configures the audit emitter and its sinks.
type AuditConfig struct {
	Sinks     []string      `yaml:"sinks"`
	QueueSize int           `yaml:"queue_size"`
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the Redis stream audit sink.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	Stream      string `yaml:"stream"`
	MaxLen      int64  `yaml:"max_len"`
}

// HealthConfig configures active upstream health probing.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Audit sink names.
const (
	SinkLog        = "log"
	SinkRedis      = "redis"
	SinkPrometheus = "prometheus"
)

// Default returns a configuration with every default applied and no routes.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:      ":19090",
			DataAddress:       ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "budgetiq-gateway",
			SampleRatio: 1,
		},
		Auth: AuthConfig{
			AuthBudget: 50 * time.Millisecond,
		},
		Audit: AuditConfig{
			Sinks:     []string{SinkLog, SinkPrometheus},
			QueueSize: 4096,
			Workers:   2,
			Timeout:   2 * time.Second,
		},
		Health: HealthConfig{
			Interval: 15 * time.Second,
			Timeout:  2 * time.Second,
		},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. Relative file references are resolved against the file's directory.
func Load(path string) (*Config, error) {
	//nolint:gosec // Config file path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	cfg.resolvePaths(filepath.Dir(absPath))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML on top of the defaults and applies environment overrides.
// Unknown fields are rejected. The result is not validated.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("GATEWAY_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("GATEWAY_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}

	if val := os.Getenv("GATEWAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("GATEWAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("GATEWAY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("GATEWAY_REDIS_ADDR"); val != "" {
		cfg.Audit.Redis.Addr = val
	}

	// The shared HMAC secret fills every HMAC key without a secret of its own,
	// or defines the default key when none is configured.
	if val := os.Getenv("GATEWAY_HMAC_SECRET"); val != "" {
		found := false
		for i := range cfg.Auth.Keys {
			key := &cfg.Auth.Keys[i]
			if strings.EqualFold(key.Type, KeyTypeHMAC) {
				found = true
				if key.Secret == "" && key.SecretEnv == "" {
					key.Secret = val
				}
			}
		}
		if !found {
			cfg.Auth.Keys = append(cfg.Auth.Keys, KeyConfig{Type: KeyTypeHMAC, Secret: val})
		}
	}

	for i := range cfg.Auth.Keys {
		key := &cfg.Auth.Keys[i]
		if key.SecretEnv != "" {
			key.Secret = os.Getenv(key.SecretEnv)
		}
	}
	if cfg.Audit.Redis.PasswordEnv != "" {
		cfg.Audit.Redis.Password = os.Getenv(cfg.Audit.Redis.PasswordEnv)
	}
}

func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	if c.Server.TLS != nil {
		c.Server.TLS.CertFile = abs(c.Server.TLS.CertFile)
		c.Server.TLS.KeyFile = abs(c.Server.TLS.KeyFile)
		c.Server.TLS.ClientCAFile = abs(c.Server.TLS.ClientCAFile)
	}
	for i := range c.Auth.Keys {
		c.Auth.Keys[i].PEMFile = abs(c.Auth.Keys[i].PEMFile)
	}
	for i := range c.Upstreams {
		if t := c.Upstreams[i].TLS; t != nil {
			t.CAFile = abs(t.CAFile)
			t.CertFile = abs(t.CertFile)
			t.KeyFile = abs(t.KeyFile)
		}
	}
	for i := range c.Policy.Modules {
		c.Policy.Modules[i] = abs(c.Policy.Modules[i])
	}
	c.Policy.Dir = abs(c.Policy.Dir)
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth configuration: %w", err)
	}

	upstreams := make(map[string]bool, len(c.Upstreams))
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if err := u.Validate(); err != nil {
			return fmt.Errorf("upstream %d (%s): %w", i, u.ID, err)
		}
		if upstreams[u.ID] {
			return fmt.Errorf("upstream %d: duplicate id %q", i, u.ID)
		}
		upstreams[u.ID] = true
	}

	routes := make(map[string]bool, len(c.Routes))
	usesPolicy := false
	for i := range c.Routes {
		r := &c.Routes[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("route %d (%s): %w", i, r.ID, err)
		}
		if routes[r.ID] {
			return fmt.Errorf("route %d: duplicate id %q", i, r.ID)
		}
		routes[r.ID] = true
		if !upstreams[r.Upstream] {
			return fmt.Errorf("route %q references unknown upstream %q", r.ID, r.Upstream)
		}
		if r.Policy != "" {
			usesPolicy = true
		}
	}

	if err := c.Policy.Validate(usesPolicy); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}

	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit configuration: %w", err)
	}

	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		return NewConfigMissingError("admin_address")
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		return NewConfigMissingError("data_address")
	}
	if c.AdminAddress == c.DataAddress {
		return NewConfigValidationError("admin_address", c.AdminAddress, "admin and data listeners must use different addresses")
	}

	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return NewConfigValidationError("sample_ratio", c.SampleRatio, "must be between 0 and 1")
	}
	return nil
}

// Key types.
const (
	KeyTypeHMAC    = "hmac"
	KeyTypeRSA     = "rsa"
	KeyTypeECDSA   = "ecdsa"
	KeyTypeEd25519 = "ed25519"
)

// Validate performs validation of auth configuration.
func (c *AuthConfig) Validate() error {
	if len(c.Keys) == 0 && c.JWKS == nil {
		return NewConfigMissingError("keys").
			WithSuggestion("Configure at least one static key or a jwks url").
			WithSuggestion("Set GATEWAY_HMAC_SECRET to use a shared HMAC secret")
	}
	if c.AuthBudget < 0 {
		return NewConfigValidationError("auth_budget", c.AuthBudget, "must not be negative")
	}

	ids := make(map[string]bool, len(c.Keys))
	for i := range c.Keys {
		key := &c.Keys[i]
		key.Type = strings.ToLower(strings.TrimSpace(key.Type))
		if ids[key.ID] {
			return NewConfigValidationError("kid", key.ID, "duplicate key id")
		}
		ids[key.ID] = true

		switch key.Type {
		case KeyTypeHMAC:
			if key.Secret == "" {
				return NewConfigMissingError(fmt.Sprintf("keys[%d].secret", i)).
					WithSuggestion("Set secret, secret_env, or GATEWAY_HMAC_SECRET")
			}
		case KeyTypeRSA, KeyTypeECDSA, KeyTypeEd25519:
			if key.PEMFile == "" {
				return NewConfigMissingError(fmt.Sprintf("keys[%d].pem_file", i))
			}
		default:
			return NewConfigValidationError(fmt.Sprintf("keys[%d].type", i), key.Type, "unsupported key type").
				WithSuggestion("Use one of: hmac, rsa, ecdsa, ed25519")
		}
	}

	if c.JWKS != nil {
		u, err := url.Parse(c.JWKS.URL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return NewConfigValidationError("jwks.url", c.JWKS.URL, "must be an absolute http(s) url")
		}
	}
	return nil
}

// Validate performs validation of an upstream.
func (c *UpstreamConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return NewConfigMissingError("id")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return NewConfigValidationError("base_url", c.BaseURL, "must be an absolute http(s) url")
	}
	if c.HealthPath != "" && !strings.HasPrefix(c.HealthPath, "/") {
		return NewConfigValidationError("health_path", c.HealthPath, "must start with /")
	}
	if c.Timeout <= 0 {
		return NewConfigValidationError("timeout", c.Timeout, "must be positive")
	}
	if c.RequestDeadline < 0 {
		return NewConfigValidationError("request_deadline", c.RequestDeadline, "must not be negative")
	}
	if c.Retry.MaxRetries != nil && (*c.Retry.MaxRetries < 0 || *c.Retry.MaxRetries > 5) {
		return NewConfigValidationError("retry.max_retries", *c.Retry.MaxRetries, "must be between 0 and 5")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		return NewConfigValidationError("retry.initial_backoff", c.Retry.InitialBackoff, "exceeds max_backoff")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return NewConfigValidationError("retry.multiplier", c.Retry.Multiplier, "must be at least 1")
	}
	if c.Circuit.FailureRateThreshold < 0 || c.Circuit.FailureRateThreshold > 100 {
		return NewConfigValidationError("circuit.failure_rate_threshold", c.Circuit.FailureRateThreshold, "must be a percentage")
	}
	if c.Circuit.MaxFailures < 0 || c.Circuit.MinSamples < 0 || c.Circuit.HalfOpenMaxCalls < 0 || c.Circuit.HalfOpenSuccesses < 0 {
		return NewConfigValidationError("circuit", c.Circuit, "counts must not be negative")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of a route definition.
func (c *RouteConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return NewConfigMissingError("id")
	}
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if c.Method == "" {
		return NewConfigMissingError("method")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return NewConfigValidationError("path", c.Path, "must start with /")
	}
	if strings.TrimSpace(c.Upstream) == "" {
		return NewConfigMissingError("upstream")
	}
	if c.StripPrefix != "" && !strings.HasPrefix(c.Path, c.StripPrefix) {
		return NewConfigValidationError("strip_prefix", c.StripPrefix, "is not a prefix of the route path")
	}
	if c.RateLimit != nil {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return NewConfigValidationError("rate_limit.requests_per_second", c.RateLimit.RequestsPerSecond, "must be positive")
		}
		if c.RateLimit.Burst < 0 {
			return NewConfigValidationError("rate_limit.burst", c.RateLimit.Burst, "must not be negative")
		}
	}
	return nil
}

// Validate checks the policy section. Modules are required when a route names a policy.
func (c *PolicyConfig) Validate(required bool) error {
	switch strings.ToLower(strings.TrimSpace(c.OnError)) {
	case "", "fail-closed", "fail-open":
	default:
		return NewConfigValidationError("on_error", c.OnError, "must be fail-closed or fail-open")
	}
	if required && len(c.Modules) == 0 && c.Dir == "" {
		return NewConfigMissingError("modules").
			WithSuggestion("Routes name a policy; list Rego files under policy.modules or set policy.dir")
	}
	return nil
}

// Enabled reports whether any Rego modules are configured.
func (c *PolicyConfig) Enabled() bool {
	return len(c.Modules) > 0 || c.Dir != ""
}

// Validate performs validation of the audit section.
func (c *AuditConfig) Validate() error {
	if c.QueueSize <= 0 {
		return NewConfigValidationError("queue_size", c.QueueSize, "must be positive")
	}
	if c.Workers <= 0 {
		return NewConfigValidationError("workers", c.Workers, "must be positive")
	}
	seen := make(map[string]bool, len(c.Sinks))
	for _, sink := range c.Sinks {
		switch sink {
		case SinkLog, SinkPrometheus:
		case SinkRedis:
			if c.Redis.Addr == "" {
				return NewConfigMissingError("redis.addr").
					WithSuggestion("Set audit.redis.addr or GATEWAY_REDIS_ADDR")
			}
		default:
			return NewConfigValidationError("sinks", sink, "unknown audit sink").
				WithSuggestion("Use log, redis, or prometheus")
		}
		if seen[sink] {
			return NewConfigValidationError("sinks", sink, "listed twice")
		}
		seen[sink] = true
	}
	return nil
}

// HasSink reports whether the named sink is enabled.
func (c *AuditConfig) HasSink(name string) bool {
	for _, sink := range c.Sinks {
		if sink == name {
			return true
		}
	}
	return false
}

// Validate performs validation of health probing.
func (c *HealthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return NewConfigValidationError("interval", c.Interval, "must be positive")
	}
	if c.Timeout <= 0 || c.Timeout > c.Interval {
		return NewConfigValidationError("timeout", c.Timeout, "must be positive and not exceed interval")
	}
	return nil
}
