// Package config provides configuration management for the analysis cache.
//
// Configuration is layered: built-in defaults, then an optional YAML file
// (with ${VAR} and ${VAR:-default} placeholders expanded from the
// environment), then plain environment variable overrides. A .env file in the
// working directory is loaded first and never overrides variables that are
// already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LogConfig     `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig selects and configures the backing store.
type StorageConfig struct {
	// Type is one of sqlite, postgresql, mongodb, redis
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
	Redis      RedisConfig      `yaml:"redis"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

// PostgreSQLConfig holds PostgreSQL settings
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// RedisConfig holds Redis settings
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// CacheConfig holds lifecycle and policy settings.
type CacheConfig struct {
	// TTL is how long a fresh or unsaved entry stays valid.
	TTL time.Duration `yaml:"ttl"`
	// SaveQuota is the maximum number of saved entries per user.
	SaveQuota int `yaml:"save_quota"`
	// ShiftThreshold is the baseline shift magnitude that invalidates a profile.
	ShiftThreshold float64 `yaml:"shift_threshold"`
	// StoreTimeout bounds a single store attempt.
	StoreTimeout time.Duration `yaml:"store_timeout"`
	Retry        RetryConfig   `yaml:"retry"`
	Sweep        SweepConfig   `yaml:"sweep"`
}

// RetryConfig bounds retries of transient store errors.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// SweepConfig controls physical removal of expired entries.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Grace is how long an expired entry stays readable by its owner.
	Grace time.Duration `yaml:"grace"`
}

// LogConfig holds logging settings
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is "text" (colorized, for terminals) or "json"
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path:          "data/analysiscache.db",
				BusyTimeoutMs: 5000,
			},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "analysiscache"},
			Redis:      RedisConfig{Prefix: "analysiscache:"},
		},
		Cache: CacheConfig{
			TTL:            24 * time.Hour,
			SaveQuota:      5,
			ShiftThreshold: 8,
			StoreTimeout:   3 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 50 * time.Millisecond,
				MaxDelay:     time.Second,
			},
			Sweep: SweepConfig{
				Interval: time.Hour,
				Grace:    24 * time.Hour,
			},
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Address:  ":9090",
			Endpoint: "/metrics",
		},
	}
}

// defaultPaths are tried in order when Load is called without a path.
var defaultPaths = []string{"config/config.yaml", "config.yaml"}

// Load reads configuration from an optional YAML file and the environment.
// An explicit path must exist; with an empty path the default locations are
// tried and silently skipped when absent.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := Defaults()

	raw, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		var doc yaml.Node
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if doc.Kind != 0 {
			expandNode(&doc)
			if err := doc.Decode(cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return data, nil
	}
	for _, p := range defaultPaths {
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", p, err)
		}
	}
	return nil, nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandNode expands placeholders in every scalar of the parsed document, so
// substituted values are never re-read as YAML syntax.
func expandNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		expanded := expandString(n.Value)
		if expanded != n.Value {
			n.Value = expanded
			// Plain placeholders resolve by their expanded value, e.g. "8" as an int.
			if n.Style == 0 {
				n.Tag = ""
			}
		}
		return
	}
	for _, child := range n.Content {
		expandNode(child)
	}
}

// expandString replaces ${VAR} and ${VAR:-default} placeholders.
// A placeholder whose variable is unset or empty and has no default is left untouched.
func expandString(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return m
	})
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"STORAGE_TYPE":     &cfg.Storage.Type,
		"SQLITE_PATH":      &cfg.Storage.SQLite.Path,
		"POSTGRES_URL":     &cfg.Storage.PostgreSQL.URL,
		"MONGODB_URL":      &cfg.Storage.MongoDB.URL,
		"MONGODB_DATABASE": &cfg.Storage.MongoDB.Database,
		"REDIS_URL":        &cfg.Storage.Redis.URL,
		"REDIS_PREFIX":     &cfg.Storage.Redis.Prefix,
		"LOG_LEVEL":        &cfg.Logging.Level,
		"LOG_FORMAT":       &cfg.Logging.Format,
		"METRICS_ADDRESS":  &cfg.Metrics.Address,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"POSTGRES_MAX_CONNS":               &cfg.Storage.PostgreSQL.MaxConns,
		"ANALYSISCACHE_SAVE_QUOTA":         &cfg.Cache.SaveQuota,
		"ANALYSISCACHE_RETRY_MAX_ATTEMPTS": &cfg.Cache.Retry.MaxAttempts,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"ANALYSISCACHE_TTL":            &cfg.Cache.TTL,
		"ANALYSISCACHE_STORE_TIMEOUT":  &cfg.Cache.StoreTimeout,
		"ANALYSISCACHE_SWEEP_INTERVAL": &cfg.Cache.Sweep.Interval,
		"ANALYSISCACHE_SWEEP_GRACE":    &cfg.Cache.Sweep.Grace,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("ANALYSISCACHE_SHIFT_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ANALYSISCACHE_SHIFT_THRESHOLD %q: %w", v, err)
		}
		cfg.Cache.ShiftThreshold = f
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid METRICS_ENABLED %q: %w", v, err)
		}
		cfg.Metrics.Enabled = b
	}
	return nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Storage.Type) {
	case "sqlite":
	case "postgresql":
		if c.Storage.PostgreSQL.URL == "" {
			errs = append(errs, fmt.Errorf("storage.postgresql.url is required"))
		}
	case "mongodb":
		if c.Storage.MongoDB.URL == "" {
			errs = append(errs, fmt.Errorf("storage.mongodb.url is required"))
		}
	case "redis":
		if c.Storage.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("storage.redis.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive"))
	}
	if c.Cache.SaveQuota <= 0 {
		errs = append(errs, fmt.Errorf("cache.save_quota must be positive"))
	}
	if c.Cache.ShiftThreshold <= 0 {
		errs = append(errs, fmt.Errorf("cache.shift_threshold must be positive"))
	}
	if c.Cache.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("cache.store_timeout must be positive"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
