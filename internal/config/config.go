// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Redis         RedisConfig         `yaml:"redis"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notifier      NotifierConfig      `yaml:"notifier"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	Evaluator        string      `yaml:"evaluator"`
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Store       StoreConfig     `yaml:"store"`
	Lock        LockConfig      `yaml:"lock"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Concurrency int             `yaml:"concurrency"`
	Definitions []string        `yaml:"definitions"`
}

// StoreConfig describes persistence of definitions, runs and approvals.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// LockConfig describes the per-run lock.
type LockConfig struct {
	Driver string        `yaml:"driver"`
	Prefix string        `yaml:"prefix"`
	Wait   time.Duration `yaml:"wait"`
	TTL    time.Duration `yaml:"ttl"`
}

// SchedulerConfig describes approval timeout processing.
type SchedulerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Concurrency   int           `yaml:"concurrency"`
}

// RedisConfig describes the shared Redis connection used by the redis
// lock, notifier and idempotency drivers.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// IdempotencyConfig describes idempotency store settings for trigger calls.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	TTL     time.Duration `yaml:"ttl"`
}

// NotifierConfig describes where notification intents are published.
type NotifierConfig struct {
	Driver string `yaml:"driver"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// WebhookConfig describes outbound webhook actions.
type WebhookConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	AllowedSchemes []string             `yaml:"allowed_schemes"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per webhook host.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// RetryConfig describes action retry backoff.
type RetryConfig struct {
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Capability: CapabilityConfig{
			Evaluator: "static",
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Workflow: WorkflowConfig{
			Store: StoreConfig{
				Driver:          "memory",
				DSNEnv:          "FLOWDESK_DATABASE_URL",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Lock: LockConfig{
				Driver: "local",
				Prefix: "flowdesk:lock:",
				Wait:   5 * time.Second,
				TTL:    30 * time.Second,
			},
			Scheduler: SchedulerConfig{
				SweepInterval: 30 * time.Second,
				Concurrency:   4,
			},
			Concurrency: 8,
		},
		Redis: RedisConfig{
			AddrEnv: "FLOWDESK_REDIS_ADDR",
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  "memory",
			TTL:     24 * time.Hour,
		},
		Notifier: NotifierConfig{
			Driver: "log",
			Stream: "flowdesk:intents",
			MaxLen: 100000,
		},
		Webhook: WebhookConfig{
			Timeout:        10 * time.Second,
			AllowedSchemes: []string{"https", "http"},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Cooldown:         30 * time.Second,
			},
			Retry: RetryConfig{
				BackoffInitial: 200 * time.Millisecond,
				BackoffMax:     5 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Read parses the file over Defaults and applies environment overrides
// without validating. Commands that use a single section validate it
// themselves.
func Read(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// UsesRedis reports whether any component is configured with a redis driver.
func (c *Config) UsesRedis() bool {
	return c.Workflow.Lock.Driver == "redis" ||
		c.Notifier.Driver == "redis" ||
		(c.Idempotency.Enabled && c.Idempotency.Driver == "redis")
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	checkDriver := func(field, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Sprintf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value))
		}
	}
	checkDriver("workflow.lock.driver", c.Workflow.Lock.Driver, "local", "redis")
	checkDriver("notifier.driver", c.Notifier.Driver, "log", "redis")
	if c.Idempotency.Enabled {
		checkDriver("idempotency.driver", c.Idempotency.Driver, "memory", "redis")
	}

	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.UsesRedis() && c.Redis.AddrEnv == "" {
		errs = append(errs, "redis.addr_env is required when a redis driver is configured")
	}
	if c.Workflow.Lock.Wait <= 0 {
		errs = append(errs, "workflow.lock.wait must be positive")
	}
	if c.Workflow.Lock.Driver == "redis" && c.Workflow.Lock.TTL <= c.Workflow.Lock.Wait {
		errs = append(errs, "workflow.lock.ttl must exceed workflow.lock.wait")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateStore checks only the workflow.store section.
func (c *Config) ValidateStore() error {
	switch c.Workflow.Store.Driver {
	case "memory":
	case "postgres":
		if c.Workflow.Store.DSNEnv == "" {
			return fmt.Errorf("workflow.store.dsn_env is required for the postgres driver")
		}
	default:
		return fmt.Errorf("workflow.store.driver must be one of memory|postgres, got %q", c.Workflow.Store.Driver)
	}
	return nil
}

// applyEnvOverrides reads FLOWDESK_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWDESK_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLOWDESK_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("FLOWDESK_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("FLOWDESK_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("FLOWDESK_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("FLOWDESK_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("FLOWDESK_LOCK_DRIVER"); v != "" {
		cfg.Workflow.Lock.Driver = v
	}
	if v := os.Getenv("FLOWDESK_NOTIFIER_DRIVER"); v != "" {
		cfg.Notifier.Driver = v
	}
}
