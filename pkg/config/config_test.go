package config_test

import (
	"testing"
	"time"

	"github.com/sentrywatch/core/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SIGNING_KEY", "")
	t.Setenv("EVENT_STALE_SECONDS", "")

	cfg := config.Load()

	assert.Equal(t, "8443", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, 600, cfg.EventStaleSeconds)
	assert.Equal(t, 120, cfg.EventFutureSeconds)
	assert.Equal(t, 20, cfg.BaselineWindowSize)
	assert.Equal(t, 3.0, cfg.AnomalyDeviationMult)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, "localhost:4317", cfg.OTelEndpoint)
	assert.Equal(t, "development", cfg.ServiceEnvironment)
	assert.Equal(t, 300*time.Second, cfg.PresenceThreshold)
	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Equal(t, 100, cfg.RateLimitBurst)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("EVENT_STALE_SECONDS", "30")
	t.Setenv("TELEMETRY_ANOMALY_DEVIATION", "2.5")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, 30, cfg.EventStaleSeconds)
	assert.Equal(t, 2.5, cfg.AnomalyDeviationMult)
}

func TestLoad_OTelOverrides(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_SAMPLE_RATE", "0.25")
	t.Setenv("OTEL_INSECURE", "false")
	t.Setenv("SERVICE_ENVIRONMENT", "production")

	cfg := config.Load()

	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, "collector:4317", cfg.OTelEndpoint)
	assert.Equal(t, 0.25, cfg.OTelSampleRate)
	assert.False(t, cfg.OTelInsecure)
	assert.Equal(t, "production", cfg.ServiceEnvironment)
}
