// Package config loads server and worker configuration from the
// environment. Business code never reads env vars directly.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything the server and workers need at boot.
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	// Outbound webhook defaults.
	WebhookMaxAttempts    int
	WebhookConnectTimeout time.Duration
	WebhookTotalTimeout   time.Duration
	WebhookBackoff        []time.Duration

	WorkerConcurrency int
	PolicyCacheTTL    time.Duration

	IngestRequestTimeout time.Duration
	RateLimitRPS         int
	RateLimitBurst       int

	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load loads configuration from environment variables with defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		DatabaseURL: getenv("DATABASE_URL", "postgres://leadgen@localhost:5432/leadgen?sslmode=disable"),
		RedisURL:    getenv("REDIS_URL", "redis://localhost:6379/0"),

		WebhookMaxAttempts:    getint("WEBHOOK_MAX_ATTEMPTS", 3),
		WebhookConnectTimeout: getdur("WEBHOOK_CONNECT_TIMEOUT", 5*time.Second),
		WebhookTotalTimeout:   getdur("WEBHOOK_TOTAL_TIMEOUT", 10*time.Second),
		WebhookBackoff:        []time.Duration{0, 5 * time.Second, 15 * time.Second},

		WorkerConcurrency: getint("WORKER_CONCURRENCY", 4),
		PolicyCacheTTL:    getdur("POLICY_CACHE_TTL", 30*time.Second),

		IngestRequestTimeout: getdur("INGEST_REQUEST_TIMEOUT", 15*time.Second),
		RateLimitRPS:         getint("RATE_LIMIT_RPS", 50),
		RateLimitBurst:       getint("RATE_LIMIT_BURST", 100),

		OTLPEndpoint:     getenv("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

// VisibilityWindow is how long a dequeued delivery job stays invisible
// before another worker may reclaim it. Always covers a full attempt
// plus a safety margin.
func (c *Config) VisibilityWindow() time.Duration {
	return c.WebhookConnectTimeout + c.WebhookTotalTimeout + 30*time.Second
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
