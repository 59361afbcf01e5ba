// Package config reads the runtime configuration from FG_* environment
// variables. Command line flags override these values.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath string
	Port   int
	// AdminToken guards the admin routes. Empty disables them.
	AdminToken string
	// Tenant is the default tenant for CLI commands and for requests
	// without an X-Tenant-ID header.
	Tenant string

	BounceWindow   time.Duration
	AbandonTimeout time.Duration
	RollupInterval time.Duration
	RollupPeriod   string

	OutboxMaxAttempts int
	OutboxBackoff     time.Duration
	// WebhookRPS throttles webhook deliveries; zero means unlimited.
	WebhookRPS float64

	LogLevel  string
	LogFormat string
}

// LoadDotEnv loads a .env file from the working directory if one exists.
// Variables already set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func Load() *Config {
	return &Config{
		DBPath:            getEnvOrDefault("FG_DB_PATH", "./fgt.db"),
		Port:              getIntOrDefault("FG_PORT", 8080),
		AdminToken:        os.Getenv("FG_ADMIN_TOKEN"),
		Tenant:            getEnvOrDefault("FG_TENANT", "default"),
		BounceWindow:      getDurationOrDefault("FG_BOUNCE_WINDOW", 30*time.Minute),
		AbandonTimeout:    getDurationOrDefault("FG_ABANDON_TIMEOUT", 30*time.Minute),
		RollupInterval:    getDurationOrDefault("FG_ROLLUP_INTERVAL", time.Hour),
		RollupPeriod:      getEnvOrDefault("FG_ROLLUP_PERIOD", "hour"),
		OutboxMaxAttempts: getIntOrDefault("FG_OUTBOX_MAX_ATTEMPTS", 5),
		OutboxBackoff:     getDurationOrDefault("FG_OUTBOX_BACKOFF", 30*time.Second),
		WebhookRPS:        getFloatOrDefault("FG_WEBHOOK_RPS", 5),
		LogLevel:          getEnvOrDefault("FG_LOG_LEVEL", "info"),
		LogFormat:         getEnvOrDefault("FG_LOG_FORMAT", "text"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		slog.Warn("ignoring invalid integer", "key", key, "value", v)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
		slog.Warn("ignoring invalid number", "key", key, "value", v)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			return parsed
		}
		slog.Warn("ignoring invalid duration", "key", key, "value", v)
	}
	return defaultValue
}
