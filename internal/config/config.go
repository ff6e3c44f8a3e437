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
	Store         StoreConfig         `yaml:"store"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
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

// IdentityConfig describes bearer token verification. Authentication is
// disabled when SigningKeyEnv is empty or names an unset variable.
type IdentityConfig struct {
	Issuer          string   `yaml:"issuer"`
	Audience        string   `yaml:"audience"`
	SigningKeyEnv   string   `yaml:"signing_key_env"`
	Algorithms      []string `yaml:"algorithms"`
	TokenQueryParam string   `yaml:"token_query_param"`
}

// SigningKey returns the HMAC key read from the configured environment
// variable.
func (c IdentityConfig) SigningKey() []byte {
	if c.SigningKeyEnv == "" {
		return nil
	}
	v := os.Getenv(c.SigningKeyEnv)
	if v == "" {
		return nil
	}
	return []byte(v)
}

// StoreConfig describes case persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Store drivers.
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// WorkflowConfig describes the review workflow settings.
type WorkflowConfig struct {
	PolicyFile  string `yaml:"policy_file"`
	RosterFile  string `yaml:"roster_file"`
	WatchRoster bool   `yaml:"watch_roster"`

	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

// IdempotencyConfig describes replay of retried case actions.
type IdempotencyConfig struct {
	Driver      string        `yaml:"driver"`
	RedisURLEnv string        `yaml:"redis_url_env"`
	TTL         time.Duration `yaml:"ttl"`
}

// Idempotency drivers.
const (
	IdempotencyDriverNone   = "none"
	IdempotencyDriverMemory = "memory"
	IdempotencyDriverRedis  = "redis"
)

// RealtimeConfig describes connection fan-out settings.
type RealtimeConfig struct {
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	MaxParallelSends  int           `yaml:"max_parallel_sends"`
	DashboardInterval time.Duration `yaml:"dashboard_interval"`
	OriginPatterns    []string      `yaml:"origin_patterns"`
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
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			Algorithms:      []string{"HS256"},
			TokenQueryParam: "token",
		},
		Store: StoreConfig{
			Driver:          StoreDriverMemory,
			DSNEnv:          "CASEFLOW_DATABASE_URL",
			SQLitePath:      "caseflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Workflow: WorkflowConfig{
			WatchRoster: true,
			Idempotency: IdempotencyConfig{
				Driver:      IdempotencyDriverMemory,
				RedisURLEnv: "CASEFLOW_REDIS_URL",
				TTL:         24 * time.Hour,
			},
		},
		Realtime: RealtimeConfig{
			WriteTimeout:      5 * time.Second,
			PingInterval:      30 * time.Second,
			MaxMessageBytes:   64 * 1024,
			MaxParallelSends:  64,
			DashboardInterval: 0,
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
// and validates the result. An empty path skips the file and starts from
// Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

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
	switch c.Store.Driver {
	case StoreDriverMemory, StoreDriverPostgres:
	case StoreDriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres, sqlite)", c.Store.Driver))
	}
	switch c.Workflow.Idempotency.Driver {
	case "", IdempotencyDriverNone, IdempotencyDriverMemory:
	case IdempotencyDriverRedis:
		if c.Workflow.Idempotency.RedisURLEnv == "" {
			errs = append(errs, "workflow.idempotency.redis_url_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("workflow.idempotency.driver %q is not supported (none, memory, redis)", c.Workflow.Idempotency.Driver))
	}
	if c.Realtime.WriteTimeout <= 0 {
		errs = append(errs, "realtime.write_timeout must be positive")
	}
	if c.Realtime.MaxParallelSends < 1 {
		errs = append(errs, "realtime.max_parallel_sends must be at least 1")
	}
	if c.Realtime.MaxMessageBytes < 1 {
		errs = append(errs, "realtime.max_message_bytes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CASEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASEFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CASEFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CASEFLOW_STORE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("CASEFLOW_WORKFLOW_ROSTER_FILE"); v != "" {
		cfg.Workflow.RosterFile = v
	}
	if v := os.Getenv("CASEFLOW_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Workflow.Idempotency.Driver = v
	}
	if v := os.Getenv("CASEFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CASEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
