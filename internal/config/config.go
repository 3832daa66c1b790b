// Package config loads the wipd daemon configuration from a YAML file and
// WIP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers accepted by StorageConfig.Driver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete daemon configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	HTTP      HTTPConfig      `yaml:"http"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects the backend of the task store. Every store not moved
// to Redis or MongoDB lives here as well.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig moves the signal and thread stores to Redis when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// MongoConfig moves the server and event stores to MongoDB when URI is set.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type SchedulerConfig struct {
	Hostnames       []string      `yaml:"hostnames"`
	Capacity        int           `yaml:"capacity"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	PruneAfter      time.Duration `yaml:"prune_after"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{Driver: DriverSQLite, DSN: "wip.db"},
		Redis:   RedisConfig{Prefix: "wip"},
		Mongo:   MongoConfig{Database: "wip"},
		Scheduler: SchedulerConfig{
			Capacity:        4,
			PollInterval:    500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
			CleanupInterval: time.Minute,
		},
		HTTP:    HTTPConfig{Addr: ":9090"},
		Tracing: TracingConfig{Exporter: "none", SampleRatio: 1},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from WIP_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("WIP_LOG_LEVEL", &c.Log.Level)
	str("WIP_LOG_FORMAT", &c.Log.Format)
	str("WIP_STORAGE_DRIVER", &c.Storage.Driver)
	str("WIP_STORAGE_DSN", &c.Storage.DSN)
	str("WIP_REDIS_ADDR", &c.Redis.Addr)
	str("WIP_REDIS_PASSWORD", &c.Redis.Password)
	integer("WIP_REDIS_DB", &c.Redis.DB)
	str("WIP_REDIS_PREFIX", &c.Redis.Prefix)
	str("WIP_MONGO_URI", &c.Mongo.URI)
	str("WIP_MONGO_DATABASE", &c.Mongo.Database)
	integer("WIP_CAPACITY", &c.Scheduler.Capacity)
	duration("WIP_POLL_INTERVAL", &c.Scheduler.PollInterval)
	duration("WIP_MAX_BACKOFF", &c.Scheduler.MaxBackoff)
	duration("WIP_CLEANUP_INTERVAL", &c.Scheduler.CleanupInterval)
	duration("WIP_PRUNE_AFTER", &c.Scheduler.PruneAfter)
	str("WIP_HTTP_ADDR", &c.HTTP.Addr)
	str("WIP_TRACE_EXPORTER", &c.Tracing.Exporter)

	if v, ok := lookup("WIP_HOSTNAMES"); ok && strings.TrimSpace(v) != "" {
		c.Scheduler.Hostnames = nil
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				c.Scheduler.Hostnames = append(c.Scheduler.Hostnames, h)
			}
		}
	}
	return errors.Join(errs...)
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("config: storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log.level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log.format %q", c.Log.Format))
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		errs = append(errs, errors.New("config: mongo.database is required with mongo.uri"))
	}
	if c.Scheduler.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("config: scheduler.capacity must be positive, got %d", c.Scheduler.Capacity))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("config: scheduler.poll_interval must be positive"))
	}
	if c.Scheduler.MaxBackoff < 0 || c.Scheduler.CleanupInterval < 0 || c.Scheduler.PruneAfter < 0 {
		errs = append(errs, errors.New("config: scheduler durations must not be negative"))
	}
	for _, h := range c.Scheduler.Hostnames {
		if strings.TrimSpace(h) == "" {
			errs = append(errs, errors.New("config: scheduler.hostnames contains an empty entry"))
			break
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("config: tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}
