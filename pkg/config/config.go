package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds core server configuration, loaded once at process start.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	// SigningKey is the shared HMAC key used by SigVerify. In production
	// this is provisioned per-tenant; this value is the fallback/dev key.
	SigningKey string

	// ServiceTokenKey signs and verifies the auxiliary bearer token
	// service-to-service callers attach alongside mTLS headers.
	ServiceTokenKey string

	SignatureTTL time.Duration

	EventStaleSeconds   int
	EventFutureSeconds  int
	ClockDriftThreshold time.Duration

	TelemetryMaxSamples  int
	TelemetryStaleSecs   int
	TelemetryFutureSecs  int
	BaselineWindowSize   int
	AnomalyDeviationMult float64

	// PresenceThreshold is how recently an asset's last_seen_at must fall
	// to be reported online rather than offline.
	PresenceThreshold time.Duration

	TaskDefaultTTLSeconds int
	TaskMaxTTLSeconds     int

	RequestDeadline time.Duration

	// RateLimitRPS/RateLimitBurst bound the Gateway's per-IP request rate.
	RateLimitRPS   int
	RateLimitBurst int

	// OTel* configure the observability provider's trace/metric export.
	OTelEnabled        bool
	OTelEndpoint       string
	OTelSampleRate     float64
	OTelInsecure       bool
	ServiceEnvironment string
}

// Load loads configuration from environment variables, applying the same
// documented defaults in every environment that doesn't override them.
func Load() *Config {
	return &Config{
		Port:            envOr("PORT", "8443"),
		LogLevel:        envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:     envOr("DATABASE_URL", "postgres://sentrywatch@localhost:5432/sentrywatch?sslmode=disable"),
		RedisURL:        envOr("REDIS_URL", "redis://localhost:6379/0"),
		SigningKey:      os.Getenv("SIGNING_KEY"),
		ServiceTokenKey: os.Getenv("SERVICE_TOKEN_KEY"),

		SignatureTTL: envDuration("SIGNATURE_TTL_SECONDS", 120*time.Second),

		EventStaleSeconds:   envInt("EVENT_STALE_SECONDS", 600),
		EventFutureSeconds:  envInt("EVENT_FUTURE_SECONDS", 120),
		ClockDriftThreshold: envDuration("CLOCK_DRIFT_THRESHOLD_SECONDS", 300*time.Second),

		TelemetryMaxSamples:  envInt("TELEMETRY_MAX_SAMPLES", 500),
		TelemetryStaleSecs:   envInt("TELEMETRY_STALE_SECONDS", 600),
		TelemetryFutureSecs:  envInt("TELEMETRY_FUTURE_SECONDS", 120),
		BaselineWindowSize:   envInt("TELEMETRY_BASELINE_WINDOW", 20),
		AnomalyDeviationMult: envFloat("TELEMETRY_ANOMALY_DEVIATION", 3.0),

		PresenceThreshold: envDuration("PRESENCE_THRESHOLD_SECONDS", 300*time.Second),

		TaskDefaultTTLSeconds: envInt("TASK_DEFAULT_TTL_SECONDS", 900),
		TaskMaxTTLSeconds:     envInt("TASK_MAX_TTL_SECONDS", 3600),

		RequestDeadline: envDuration("REQUEST_DEADLINE_SECONDS", 5*time.Second),

		RateLimitRPS:   envInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 100),

		OTelEnabled:        envBool("OTEL_ENABLED", false),
		OTelEndpoint:       envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelSampleRate:     envFloat("OTEL_SAMPLE_RATE", 1.0),
		OTelInsecure:       envBool("OTEL_INSECURE", true),
		ServiceEnvironment: envOr("SERVICE_ENVIRONMENT", "development"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
