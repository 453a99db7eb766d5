// internal/config/config.go

// Package config loads lendingd configuration from an optional config file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon settings. Environment variables use the
// mapstructure names.
type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"APP_ENV"`
	StoreDriver          string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	LoanPeriod           time.Duration `mapstructure:"LOAN_PERIOD"`
	FineRatePerDay       int           `mapstructure:"FINE_RATE_PER_DAY"`
	NotifyQueueSize      int           `mapstructure:"NOTIFY_QUEUE_SIZE"`
	NotifySink           string        `mapstructure:"NOTIFY_SINK"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	RequestRatePerMinute int           `mapstructure:"REQUEST_RATE_PER_MINUTE"`
	ReconcileInterval    time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	TracingEnabled       bool          `mapstructure:"TRACING_ENABLED"`
	TracingExporter      string        `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint         string        `mapstructure:"OTLP_ENDPOINT"`

	// Drill settings, read by lenddrill. An empty target runs the drill
	// in-process against the configured stores.
	DrillTargetURL   string `mapstructure:"DRILL_TARGET_URL"`
	DrillConcurrency int    `mapstructure:"DRILL_CONCURRENCY"`
}

var defaults = map[string]any{
	"PORT":                    "8082",
	"APP_ENV":                 "development",
	"STORE_DRIVER":            "memory",
	"DATABASE_URL":            "",
	"LOAN_PERIOD":             "168h",
	"FINE_RATE_PER_DAY":       10,
	"NOTIFY_QUEUE_SIZE":       256,
	"NOTIFY_SINK":             "log",
	"REDIS_URL":               "redis://localhost:6379/0",
	"REQUEST_RATE_PER_MINUTE": 5,
	"RECONCILE_INTERVAL":      "5m",
	"LOG_LEVEL":               "info",
	"TRACING_ENABLED":         false,
	"TRACING_EXPORTER":        "otlp",
	"OTLP_ENDPOINT":           "localhost:4318",
	"DRILL_TARGET_URL":        "",
	"DRILL_CONCURRENCY":       50,
}

// Load reads config.yml from the working directory if present, then
// applies environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AddConfigPath(".")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.NotifySink = strings.ToLower(strings.TrimSpace(c.NotifySink))
	c.TracingExporter = strings.ToLower(strings.TrimSpace(c.TracingExporter))
}

// Validate checks that the settings can start a daemon.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be memory or postgres, got %q", c.StoreDriver)
	}
	switch c.NotifySink {
	case "log":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when NOTIFY_SINK is redis")
		}
	default:
		return fmt.Errorf("NOTIFY_SINK must be log or redis, got %q", c.NotifySink)
	}
	if c.LoanPeriod <= 0 {
		return errors.New("LOAN_PERIOD must be positive")
	}
	if c.FineRatePerDay < 0 {
		return errors.New("FINE_RATE_PER_DAY must not be negative")
	}
	if c.RequestRatePerMinute < 0 {
		return errors.New("REQUEST_RATE_PER_MINUTE must not be negative")
	}
	if c.DrillConcurrency < 1 {
		return errors.New("DRILL_CONCURRENCY must be at least 1")
	}
	if c.TracingEnabled && c.TracingExporter != "otlp" && c.TracingExporter != "stdout" {
		return fmt.Errorf("TRACING_EXPORTER must be otlp or stdout, got %q", c.TracingExporter)
	}
	return nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}
