// Package config loads gateway configuration from the environment, following
// the teacher's getEnv/getEnvAsInt/Load/Validate split.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-sourced setting the gateway reads (§6.5).
type Config struct {
	// Streaming proxy endpoint as configured. Nothing binds to it: the
	// streaming WebSocket is served at /ws on the HTTP server's Port.
	WebsocketHost string
	WebsocketPort int

	// Internal pub/sub bus endpoint as configured. Nothing binds to it: the
	// bus is in-process.
	BusHost string
	BusPort int

	// Rate limiting. Each is a raw "N per <unit>" string from the
	// environment; internal/ratelimit parses it into a window/limit pair.
	OrderRateLimit      string
	SmartOrderRateLimit string
	APIRateLimit        string
	LoginRateLimitMin   string
	LoginRateLimitHour  string

	// SessionExpiryTime is HH:MM in SessionTimezone, the daily cutoff new
	// BrokerSessions are issued against.
	SessionExpiryTime string
	SessionTimezone   string

	// Secrets. Both MUST be present; Validate checks only presence, and no
	// code checks their length (internal/crypto rejects only an empty APP_KEY).
	APIKeyPepper string
	AppKey       string

	// Database paths, one per logical store (§6.4).
	DatabaseURL        string
	SandboxDatabaseURL string
	LatencyDatabaseURL string
	LogsDatabaseURL    string

	// HTTP server (health check, WS upgrade, Action Center endpoints).
	Port int

	// SandboxSeedCapital is read from SANDBOX_SEED_CAPITAL. The sandbox engine
	// does not use it: seeding and weekly resets use sandbox.DefaultConfig's
	// seed capital.
	SandboxSeedCapital string

	LogLevel string
	DevMode  bool
}

// Load reads configuration from the environment, optionally from a .env
// file first, and validates required fields.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		WebsocketHost: getEnv("WEBSOCKET_HOST", "0.0.0.0"),
		WebsocketPort: getEnvAsInt("WEBSOCKET_PORT", 8900),

		BusHost: getEnv("BUS_HOST", "127.0.0.1"),
		BusPort: getEnvAsInt("BUS_PORT", 8901),

		OrderRateLimit:      getEnv("ORDER_RATE_LIMIT", "10 per second"),
		SmartOrderRateLimit: getEnv("SMART_ORDER_RATE_LIMIT", "2 per second"),
		APIRateLimit:        getEnv("API_RATE_LIMIT", "50 per second"),
		LoginRateLimitMin:   getEnv("LOGIN_RATE_LIMIT_MIN", "5 per minute"),
		LoginRateLimitHour:  getEnv("LOGIN_RATE_LIMIT_HOUR", "25 per hour"),

		SessionExpiryTime: getEnv("SESSION_EXPIRY_TIME", "03:00"),
		SessionTimezone:   getEnv("SESSION_TIMEZONE", "Asia/Kolkata"),

		APIKeyPepper: getEnv("API_KEY_PEPPER", ""),
		AppKey:       getEnv("APP_KEY", ""),

		DatabaseURL:        getEnv("DATABASE_URL", "./data/gateway.db"),
		SandboxDatabaseURL: getEnv("SANDBOX_DATABASE_URL", "./data/sandbox.db"),
		LatencyDatabaseURL: getEnv("LATENCY_DATABASE_URL", "./data/latency.db"),
		LogsDatabaseURL:    getEnv("LOGS_DATABASE_URL", "./data/logs.db"),

		Port: getEnvAsInt("GO_PORT", 8000),

		SandboxSeedCapital: getEnv("SANDBOX_SEED_CAPITAL", "10000000"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and well-formed.
func (c *Config) Validate() error {
	if c.APIKeyPepper == "" {
		return fmt.Errorf("API_KEY_PEPPER is required")
	}
	if c.AppKey == "" {
		return fmt.Errorf("APP_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SandboxDatabaseURL == "" {
		return fmt.Errorf("SANDBOX_DATABASE_URL is required")
	}
	if _, _, err := ParseClockTime(c.SessionExpiryTime); err != nil {
		return fmt.Errorf("SESSION_EXPIRY_TIME: %w", err)
	}
	if _, err := time.LoadLocation(c.SessionTimezone); err != nil {
		return fmt.Errorf("SESSION_TIMEZONE: %w", err)
	}
	return nil
}

// ParseClockTime parses an "HH:MM" string into hour and minute.
func ParseClockTime(hhmm string) (hour, minute int, err error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", hhmm)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", hhmm)
	}
	return h, m, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
