// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Backend       BackendConfig       `yaml:"backend"`
	Cache         CacheConfig         `yaml:"cache"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Assignment    AssignmentConfig    `yaml:"assignment"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Signing       SigningConfig       `yaml:"signing"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
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

// BackendConfig describes the document-management REST API.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Endpoints      EndpointsConfig      `yaml:"endpoints"`
}

// EndpointsConfig holds the path templates of the backend endpoints. Path
// parameters are written in braces, e.g. "/workflow/next-node/{nodeId}".
type EndpointsConfig struct {
	StartNode          string `yaml:"start_node"`
	NextNode           string `yaml:"next_node"`
	Draft              string `yaml:"draft"`
	Detail             string `yaml:"detail"`
	List               string `yaml:"list"`
	Create             string `yaml:"create"`
	Update             string `yaml:"update"`
	Transfer           string `yaml:"transfer"`
	AttachmentUpload   string `yaml:"attachment_upload"`
	AttachmentList     string `yaml:"attachment_list"`
	AttachmentDownload string `yaml:"attachment_download"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// CacheConfig describes the process-wide query cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// SessionsConfig describes how long unsubmitted form sessions are kept.
type SessionsConfig struct {
	IdleTTL    time.Duration `yaml:"idle_ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// AssignmentConfig describes where assignment memory is persisted.
type AssignmentConfig struct {
	Store StoreConfig `yaml:"store"`
}

// StoreConfig describes a small key/value persistence backend.
type StoreConfig struct {
	// Driver is one of memory, redis, postgres or sqlite.
	Driver  string        `yaml:"driver"`
	DSNEnv  string        `yaml:"dsn_env"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	Path    string        `yaml:"path"`
	TTL     time.Duration `yaml:"ttl"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes submission de-duplication settings.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Store   StoreConfig   `yaml:"store"`
	TTL     time.Duration `yaml:"ttl"`
}

// SigningConfig describes the local native signing daemon.
type SigningConfig struct {
	Enabled            bool          `yaml:"enabled"`
	URL                string        `yaml:"url"`
	Timeout            time.Duration `yaml:"timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// NotificationsConfig describes the global notification hub.
type NotificationsConfig struct {
	BufferSize int `yaml:"buffer_size"`
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

// DefaultEndpoints returns the endpoint layout of the document backend.
func DefaultEndpoints() EndpointsConfig {
	return EndpointsConfig{
		StartNode:          "/workflow/start-node/{type}/{id}",
		NextNode:           "/workflow/next-node/{nodeId}",
		Draft:              "/value-dynamic/draft/{typeId}",
		Detail:             "/value-dynamic/{id}",
		List:               "/value-dynamic/list/{typeId}",
		Create:             "/value-dynamic/create/{formId}",
		Update:             "/value-dynamic/update/{id}",
		Transfer:           "/value-dynamic/transfer",
		AttachmentUpload:   "/attachment-dynamic/upload/{id}",
		AttachmentList:     "/attachment-dynamic/list/{id}",
		AttachmentDownload: "/attachment-dynamic/download/{id}",
	}
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  55 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadBytes:  25 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key", "X-Session-Id"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"full_name":  "name",
				"email":      "email",
				"org_id":     "org_id",
				"session_id": "sid",
				"roles":      "roles",
			},
		},
		Backend: BackendConfig{
			Timeout: 15 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       2,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
			Endpoints: DefaultEndpoints(),
		},
		Cache: CacheConfig{
			TTL:        2 * time.Minute,
			MaxEntries: 10000,
		},
		Sessions: SessionsConfig{
			IdleTTL:    8 * time.Hour,
			MaxEntries: 50000,
		},
		Assignment: AssignmentConfig{
			Store: StoreConfig{
				Driver:          "memory",
				TTL:             12 * time.Hour,
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store:   StoreConfig{Driver: "memory"},
			TTL:     10 * time.Minute,
		},
		Signing: SigningConfig{
			URL:              "wss://127.0.0.1:8987/sign",
			Timeout:          60 * time.Second,
			HandshakeTimeout: 5 * time.Second,
		},
		Notifications: NotificationsConfig{
			BufferSize: 50,
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
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	fillEndpoints(&cfg.Backend.Endpoints)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
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
	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	}
	switch c.Assignment.Store.Driver {
	case "memory", "redis", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("assignment.store.driver %q is not supported", c.Assignment.Store.Driver))
	}
	if c.Assignment.Store.Driver == "sqlite" && c.Assignment.Store.Path == "" {
		errs = append(errs, "assignment.store.path is required for the sqlite driver")
	}
	if c.Signing.Enabled && c.Signing.URL == "" {
		errs = append(errs, "signing.url is required when signing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// fillEndpoints restores default templates for endpoints the file left blank.
func fillEndpoints(e *EndpointsConfig) {
	d := DefaultEndpoints()
	orDefault(&e.StartNode, d.StartNode)
	orDefault(&e.NextNode, d.NextNode)
	orDefault(&e.Draft, d.Draft)
	orDefault(&e.Detail, d.Detail)
	orDefault(&e.List, d.List)
	orDefault(&e.Create, d.Create)
	orDefault(&e.Update, d.Update)
	orDefault(&e.Transfer, d.Transfer)
	orDefault(&e.AttachmentUpload, d.AttachmentUpload)
	orDefault(&e.AttachmentList, d.AttachmentList)
	orDefault(&e.AttachmentDownload, d.AttachmentDownload)
}

func orDefault(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// applyEnvOverrides reads OFFICEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OFFICEFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OFFICEFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("OFFICEFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("OFFICEFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("OFFICEFLOW_BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("OFFICEFLOW_ASSIGNMENT_STORE_DRIVER"); v != "" {
		cfg.Assignment.Store.Driver = v
	}
	if v := os.Getenv("OFFICEFLOW_SIGNING_URL"); v != "" {
		cfg.Signing.URL = v
	}
	if v := os.Getenv("OFFICEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
