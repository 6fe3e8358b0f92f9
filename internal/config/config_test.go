package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JIMENG_SESSION_IDS", "token-a")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"token-a"}, cfg.SessionIDs)
	assert.Equal(t, 45*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.PollTimeout)
	assert.Equal(t, 30, cfg.MaxPollCount)
	assert.Equal(t, 3, cfg.StableRounds)
	assert.Equal(t, "output", cfg.OutputDir)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_MultipleSessions(t *testing.T) {
	t.Setenv("JIMENG_SESSION_IDS", "token-a, us-token-b,,token-c,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"token-a", "us-token-b", "token-c"}, cfg.SessionIDs)
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("JIMENG_SESSION_IDS", "tok")
	t.Setenv("JIMENG_HTTP_TIMEOUT", "90s")
	t.Setenv("JIMENG_MAX_RETRIES", "3")
	t.Setenv("JIMENG_POLL_INTERVAL", "5s")
	t.Setenv("JIMENG_POLL_TIMEOUT", "10m")
	t.Setenv("JIMENG_MAX_POLL_COUNT", "60")
	t.Setenv("JIMENG_STABLE_ROUNDS", "5")
	t.Setenv("JIMENG_OUTPUT_DIR", "/data/media")
	t.Setenv("S3_BUCKET", "my-bucket")
	t.Setenv("S3_REGION", "us-east-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "access-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret-key")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.PollTimeout)
	assert.Equal(t, 60, cfg.MaxPollCount)
	assert.Equal(t, 5, cfg.StableRounds)
	assert.Equal(t, "/data/media", cfg.OutputDir)
	assert.Equal(t, "my-bucket", cfg.S3Bucket)
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.Equal(t, "access-key", cfg.AWSAccessKeyID)
	assert.Equal(t, "secret-key", cfg.AWSSecretAccessKey)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("JIMENG_SESSION_IDS", "tok")
	t.Setenv("JIMENG_POLL_INTERVAL", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
}

func TestConfig_S3Enabled(t *testing.T) {
	tests := []struct {
		name     string
		bucket   string
		region   string
		expected bool
	}{
		{"both set", "bucket", "region", true},
		{"only bucket", "bucket", "", false},
		{"only region", "", "region", false},
		{"neither set", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				S3Bucket: tt.bucket,
				S3Region: tt.region,
			}
			assert.Equal(t, tt.expected, cfg.S3Enabled())
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		SessionIDs:         []string{"secret-session-token"},
		HTTPTimeout:        45 * time.Second,
		OutputDir:          "/tmp/out",
		S3Bucket:           "bucket",
		AWSSecretAccessKey: "secret-key",
		LogFormat:          "json",
		LogLevel:           "info",
	}

	str := cfg.String()

	assert.Contains(t, str, "/tmp/out")
	assert.Contains(t, str, "bucket")

	// Sensitive values never appear.
	assert.NotContains(t, str, "secret-session-token")
	assert.NotContains(t, str, "secret-key")
}

func TestConfig_NewLogger(t *testing.T) {
	jsonLogger := (&Config{LogFormat: "json", LogLevel: "info"}).NewLogger()
	require.NotNil(t, jsonLogger)

	textLogger := (&Config{LogFormat: "text", LogLevel: "debug"}).NewLogger()
	require.NotNil(t, textLogger)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := &Config{SessionIDs: []string{"tok"}}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing sessions", func(t *testing.T) {
		cfg := &Config{}
		assert.ErrorIs(t, cfg.Validate(), ErrSessionIDRequired)
	})
}
