// Package server wires the HTTP surface: router, authentication gate,
// request coordinator, and result assembly.
package server

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// HTTPConfig groups listener and request-budget parameters.
type HTTPConfig struct {
	Addr           string        `yaml:"addr"`            // listen address (default :8080)
	RequestTimeout time.Duration `yaml:"request_timeout"` // wall budget per compute request (default 30s)
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`  // drain window on SIGTERM (default 15s)
}

// ComputeConfig groups worker pool and expansion bounds.
type ComputeConfig struct {
	Workers       int           `yaml:"workers"`        // worker count (default max(2, NumCPU-1))
	QueueFactor   int           `yaml:"queue_factor"`   // queue capacity = factor * workers (default 4)
	KernelTimeout time.Duration `yaml:"kernel_timeout"` // per-kernel budget (default 10s)
	MaxPoints     int           `yaml:"max_points"`     // expansion ceiling per request (default 10000)
}

// CacheConfig groups result-cache bounds.
type CacheConfig struct {
	MaxEntries  int           `yaml:"max_entries"`  // resolved-entry capacity (default 10000)
	MaxAge      time.Duration `yaml:"max_age"`      // Ready entry lifetime (default 300s)
	NegativeTTL time.Duration `yaml:"negative_ttl"` // Failed entry lifetime (default 30s)
}

// BreakerConfig groups the admission controller knobs that are worth
// exposing; the transition thresholds themselves stay at the tuned
// defaults.
type BreakerConfig struct {
	MemoryLimitBytes uint64 `yaml:"memory_limit_bytes"` // 0 = machine total
	BaselineCost     int64  `yaml:"baseline_cost"`      // half-open threshold baseline (default 40000)
}

// StorageConfig groups persistence parameters.
type StorageConfig struct {
	Path      string        `yaml:"path"`      // bbolt file (default epcalc.db); "memory" selects the ephemeral backend
	Retention time.Duration `yaml:"retention"` // usage-event retention (default 2160h)
}

// AdminConfig carries the Basic-Auth pair for /admin. Environment only,
// never YAML, so credentials stay out of config files.
type AdminConfig struct {
	User     string `yaml:"-"`
	Password string `yaml:"-"`
}

// LogConfig groups logging parameters.
type LogConfig struct {
	Level string `yaml:"level"` // logrus level name (default "info")
}

// Config is the full service configuration.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Compute ComputeConfig `yaml:"compute"`
	Cache   CacheConfig   `yaml:"cache"`
	Breaker BreakerConfig `yaml:"breaker"`
	Storage StorageConfig `yaml:"storage"`
	Admin   AdminConfig   `yaml:"-"`
	Log     LogConfig     `yaml:"log"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:           ":8080",
			RequestTimeout: 30 * time.Second,
			ShutdownGrace:  15 * time.Second,
		},
		Compute: ComputeConfig{
			KernelTimeout: 10 * time.Second,
			MaxPoints:     10000,
		},
		Cache: CacheConfig{
			MaxEntries:  10000,
			MaxAge:      300 * time.Second,
			NegativeTTL: 30 * time.Second,
		},
		Storage: StorageConfig{
			Path:      "epcalc.db",
			Retention: 90 * 24 * time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig builds the effective configuration: defaults, then the
// optional YAML file, then environment overrides. A .env file in the
// working directory is folded into the environment first.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("EPCALC_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("EPCALC_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("EPCALC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	cfg.Admin.User = os.Getenv("EPCALC_ADMIN_USER")
	cfg.Admin.Password = os.Getenv("EPCALC_ADMIN_PASSWORD")

	return cfg, nil
}

// ConfigureLogging applies the configured level to the process logger.
func (c Config) ConfigureLogging() {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
