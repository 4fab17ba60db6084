// Package config loads the orchestrator's runtime configuration from a
// layered source set: compiled-in defaults, an optional YAML file, then
// environment variable overrides — in that precedence order, lowest to
// highest.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ValueSource records where a resolved config value ultimately came from,
// useful for a diagnostic dump of the resolved config.
type ValueSource int

const (
	SourceDefault ValueSource = iota
	SourceFile
	SourceEnv
)

func (s ValueSource) String() string {
	switch s {
	case SourceFile:
		return "file"
	case SourceEnv:
		return "env"
	default:
		return "default"
	}
}

// Default values, used when neither the file nor the environment supplies
// an override.
const (
	DefaultDatabaseURL       = "postgres://localhost:5432/ciflow?sslmode=disable"
	DefaultHTTPAddr          = ":8080"
	DefaultMetricsAddr       = ":9090"
	DefaultLeaseTTL          = 5 * time.Minute
	DefaultHeartbeatInterval = 90 * time.Second
	DefaultWorkerConcurrency = 8
	DefaultMaxAttempts       = 3
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	sources map[string]ValueSource
}

// Default returns a Config populated entirely from compiled-in defaults.
func Default() Config {
	return Config{
		DatabaseURL:       DefaultDatabaseURL,
		HTTPAddr:          DefaultHTTPAddr,
		MetricsAddr:       DefaultMetricsAddr,
		LeaseTTL:          DefaultLeaseTTL,
		HeartbeatInterval: DefaultHeartbeatInterval,
		WorkerConcurrency: DefaultWorkerConcurrency,
		MaxAttempts:       DefaultMaxAttempts,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		sources:           map[string]ValueSource{},
	}
}

// fileConfig mirrors Config's YAML-addressable fields as string-typed
// durations, since users write "5m" in YAML rather than a nanosecond count.
type fileConfig struct {
	DatabaseURL       *string `yaml:"database_url"`
	HTTPAddr          *string `yaml:"http_addr"`
	MetricsAddr       *string `yaml:"metrics_addr"`
	LeaseTTL          *string `yaml:"lease_ttl"`
	HeartbeatInterval *string `yaml:"heartbeat_interval"`
	WorkerConcurrency *int    `yaml:"worker_concurrency"`
	MaxAttempts       *int    `yaml:"max_attempts"`
	LogLevel          *string `yaml:"log_level"`
	LogFormat         *string `yaml:"log_format"`
}

// Load resolves Config from defaults, then path (if non-empty and present),
// then the CIFLOW_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
			if err := applyFile(&cfg, fc); err != nil {
				return Config{}, err
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) error {
	if fc.DatabaseURL != nil {
		cfg.DatabaseURL = *fc.DatabaseURL
		cfg.note("database_url", SourceFile)
	}
	if fc.HTTPAddr != nil {
		cfg.HTTPAddr = *fc.HTTPAddr
		cfg.note("http_addr", SourceFile)
	}
	if fc.MetricsAddr != nil {
		cfg.MetricsAddr = *fc.MetricsAddr
		cfg.note("metrics_addr", SourceFile)
	}
	if fc.LeaseTTL != nil {
		d, err := time.ParseDuration(*fc.LeaseTTL)
		if err != nil {
			return fmt.Errorf("config: lease_ttl: %w", err)
		}
		cfg.LeaseTTL = d
		cfg.note("lease_ttl", SourceFile)
	}
	if fc.HeartbeatInterval != nil {
		d, err := time.ParseDuration(*fc.HeartbeatInterval)
		if err != nil {
			return fmt.Errorf("config: heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
		cfg.note("heartbeat_interval", SourceFile)
	}
	if fc.WorkerConcurrency != nil {
		cfg.WorkerConcurrency = *fc.WorkerConcurrency
		cfg.note("worker_concurrency", SourceFile)
	}
	if fc.MaxAttempts != nil {
		cfg.MaxAttempts = *fc.MaxAttempts
		cfg.note("max_attempts", SourceFile)
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
		cfg.note("log_level", SourceFile)
	}
	if fc.LogFormat != nil {
		cfg.LogFormat = *fc.LogFormat
		cfg.note("log_format", SourceFile)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("CIFLOW_DATABASE_URL"); ok {
		cfg.DatabaseURL = v
		cfg.note("database_url", SourceEnv)
	}
	if v, ok := os.LookupEnv("CIFLOW_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
		cfg.note("http_addr", SourceEnv)
	}
	if v, ok := os.LookupEnv("CIFLOW_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
		cfg.note("metrics_addr", SourceEnv)
	}
	if v, ok := os.LookupEnv("CIFLOW_LEASE_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: CIFLOW_LEASE_TTL: %w", err)
		}
		cfg.LeaseTTL = d
		cfg.note("lease_ttl", SourceEnv)
	}
	if v, ok := os.LookupEnv("CIFLOW_HEARTBEAT_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: CIFLOW_HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = d
		cfg.note("heartbeat_interval", SourceEnv)
	}
	if v, ok := os.LookupEnv("CIFLOW_WORKER_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CIFLOW_WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = n
		cfg.note("worker_concurrency", SourceEnv)
	}
	if v, ok := os.LookupEnv("CIFLOW_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CIFLOW_MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
		cfg.note("max_attempts", SourceEnv)
	}
	if v, ok := os.LookupEnv("CIFLOW_LOG_LEVEL"); ok {
		cfg.LogLevel = v
		cfg.note("log_level", SourceEnv)
	}
	if v, ok := os.LookupEnv("CIFLOW_LOG_FORMAT"); ok {
		cfg.LogFormat = v
		cfg.note("log_format", SourceEnv)
	}
	return nil
}

func (c *Config) note(field string, src ValueSource) {
	if c.sources == nil {
		c.sources = map[string]ValueSource{}
	}
	c.sources[field] = src
}

// Source reports where field's resolved value came from. Unknown fields
// report SourceDefault.
func (c Config) Source(field string) ValueSource {
	if c.sources == nil {
		return SourceDefault
	}
	if src, ok := c.sources[field]; ok {
		return src
	}
	return SourceDefault
}
