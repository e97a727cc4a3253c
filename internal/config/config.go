// Package config loads daemon configuration from .env files and environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Priority: ENV vars > .env file > defaults.
type Config struct {
	// Server basics
	Addr    string `env:"STEPSEQ_ADDR" envDefault:":8080"`
	DataDir string `env:"STEPSEQ_DATA_DIR" envDefault:"./data"`

	// Cold store (redis)
	RedisAddr     string `env:"STEPSEQ_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"STEPSEQ_REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"STEPSEQ_REDIS_DB" envDefault:"0"`

	// Lifecycle event bus (optional; disabled when empty)
	NATSURL string `env:"STEPSEQ_NATS_URL" envDefault:""`

	// Capacity
	MaxConnections int `env:"STEPSEQ_MAX_CONNECTIONS" envDefault:"2000"`

	// Connection rate limiting (DoS protection)
	ConnRateLimitEnabled     bool    `env:"STEPSEQ_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst     int     `env:"STEPSEQ_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"STEPSEQ_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"STEPSEQ_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"STEPSEQ_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// CPU safety thresholds, relative to container allocation
	CPURejectThreshold float64 `env:"STEPSEQ_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MemoryLimit        int64   `env:"STEPSEQ_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Mutation policy
	// "strict": a parameter lock with any invalid field is rejected whole.
	// "clamp": valid fields are clamped, invalid ones dropped.
	LockPolicy string `env:"STEPSEQ_LOCK_POLICY" envDefault:"strict"`

	// Monitoring
	MetricsInterval time.Duration `env:"STEPSEQ_METRICS_INTERVAL" envDefault:"15s"`

	// Shutdown
	ShutdownGrace time.Duration `env:"STEPSEQ_SHUTDOWN_GRACE" envDefault:"30s"`

	// HTTP timeouts
	HTTPReadTimeout  time.Duration `env:"STEPSEQ_HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"STEPSEQ_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	HTTPIdleTimeout  time.Duration `env:"STEPSEQ_HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment
	// is set directly, so a missing file is fine.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("STEPSEQ_ADDR is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("STEPSEQ_DATA_DIR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("STEPSEQ_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("STEPSEQ_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	validLockPolicies := map[string]bool{"strict": true, "clamp": true}
	if !validLockPolicies[c.LockPolicy] {
		return fmt.Errorf("STEPSEQ_LOCK_POLICY must be strict or clamp (got: %s)", c.LockPolicy)
	}
	return nil
}

// LogConfig logs the loaded configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("data_dir", c.DataDir).
		Str("redis_addr", c.RedisAddr).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Bool("conn_rate_limit", c.ConnRateLimitEnabled).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Str("lock_policy", c.LockPolicy).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
