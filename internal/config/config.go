// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// ErrSessionIDRequired is returned when JIMENG_SESSION_IDS is not set.
var ErrSessionIDRequired = errors.New("config: JIMENG_SESSION_IDS is required")

// Config holds all configuration for the client and CLI.
type Config struct {
	// Account settings. SessionIDs holds one or more session tokens;
	// tokens for the international site carry a "us-" prefix.
	SessionIDs []string `env:"JIMENG_SESSION_IDS" json:"-"` // Masked in JSON, comma-separated

	// HTTP settings
	HTTPTimeout time.Duration `env:"JIMENG_HTTP_TIMEOUT, default=45s" json:"http_timeout"`
	MaxRetries  int           `env:"JIMENG_MAX_RETRIES, default=1" json:"max_retries"`
	RetryDelay  time.Duration `env:"JIMENG_RETRY_DELAY, default=500ms" json:"retry_delay"`

	// Polling settings
	PollInterval time.Duration `env:"JIMENG_POLL_INTERVAL, default=2s" json:"poll_interval"`
	PollTimeout  time.Duration `env:"JIMENG_POLL_TIMEOUT, default=5m" json:"poll_timeout"`
	MaxPollCount int           `env:"JIMENG_MAX_POLL_COUNT, default=30" json:"max_poll_count"`
	StableRounds int           `env:"JIMENG_STABLE_ROUNDS, default=3" json:"stable_rounds"`

	// Output settings
	OutputDir string `env:"JIMENG_OUTPUT_DIR, default=output" json:"output_dir"`

	// Optional S3 settings for exported media
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Prefix           string `env:"S3_PREFIX" json:"s3_prefix,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 export configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Empty entries from trailing commas are dropped.
	tokens := cfg.SessionIDs[:0]
	for _, t := range cfg.SessionIDs {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	cfg.SessionIDs = tokens

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if len(c.SessionIDs) == 0 {
		return ErrSessionIDRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Sessions: %d, HTTPTimeout: %s, MaxRetries: %d, PollInterval: %s, PollTimeout: %s, MaxPollCount: %d, StableRounds: %d, OutputDir: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		len(c.SessionIDs),
		c.HTTPTimeout,
		c.MaxRetries,
		c.PollInterval,
		c.PollTimeout,
		c.MaxPollCount,
		c.StableRounds,
		c.OutputDir,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
