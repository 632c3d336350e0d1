// Package config loads process settings from the environment and the rules
// document (layers, merge rules, declarative subsystems) from YAML.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/observability"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ACTORCORE_"

// Config holds process configuration.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	RulesFile string `env:"RULES_FILE"`

	SnapshotTTL      time.Duration `env:"SNAPSHOT_TTL" envDefault:"300s"`
	SubsystemTimeout time.Duration `env:"SUBSYSTEM_TIMEOUT" envDefault:"2s"`
	BatchConcurrency int           `env:"BATCH_CONCURRENCY" envDefault:"100"`
	StrictCaps       bool          `env:"STRICT_CAPS" envDefault:"false"`
	Extensions       bool          `env:"EXTENSION_BUCKETS" envDefault:"false"`

	MemoryMaxEntries int           `env:"CACHE_MEMORY_MAX_ENTRIES" envDefault:"10000"`
	MemoryTTL        time.Duration `env:"CACHE_MEMORY_TTL" envDefault:"60s"`
	RedisAddr        string        `env:"REDIS_ADDR"`
	RedisPassword    string        `env:"REDIS_PASSWORD"`
	RedisDB          int           `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix      string        `env:"REDIS_PREFIX" envDefault:"actorcore:"`
	SQLitePath       string        `env:"SQLITE_PATH"`
	PostgresDSN      string        `env:"DATABASE_URL"`

	RateLimit float64 `env:"RATE_LIMIT" envDefault:"200"`
	RateBurst int     `env:"RATE_BURST" envDefault:"400"`

	OTelEnabled  bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint string  `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Environment  string  `env:"ENVIRONMENT" envDefault:"development"`
	SampleRate   float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads ACTORCORE_* variables from the process environment.
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadFrom reads configuration from environ. A nil map reads the process
// environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.BatchConcurrency <= 0 {
		return nil, fmt.Errorf("parse env: %sBATCH_CONCURRENCY must be positive, got %d", EnvPrefix, cfg.BatchConcurrency)
	}
	return &cfg, nil
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", "actorcore")
}

// Observability returns the telemetry settings.
func (c *Config) Observability(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.OTelEnabled
	oc.OTLPEndpoint = c.OTLPEndpoint
	oc.Environment = c.Environment
	oc.SampleRate = c.SampleRate
	if version != "" {
		oc.ServiceVersion = version
	}
	return oc
}
