package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth0 (optional; SKIP_AUTH enables anonymous/guest mode)
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Tracing (optional)
	OTLPEndpoint string

	// Realtime engine tunables
	ApprovalTimeout   time.Duration // deadline for private-room join approval
	GracePeriod       time.Duration // reconnect window after unintended disconnect
	BatchInterval     time.Duration // coalescing batcher flush cadence
	MaxQueueSize      int           // batcher queue cap per room
	MaxConnections    int           // hard cap on concurrent websocket connections
	HeartbeatInterval time.Duration // websocket ping cadence
	DefaultBPM        int           // metronome default for new rooms
	SendBufferSize    int           // per-subscriber outbound buffer (messages)
	RoomSettleDelay   time.Duration // delay before an empty room is garbage collected

	// Rate Limits
	RateLimitAPIGlobal string
	RateLimitWsIP      string
	RateLimitWsUser    string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// Realtime engine tunables, all in milliseconds on the wire
	cfg.ApprovalTimeout = envMillis(&errs, "APPROVAL_TIMEOUT_MS", 30000)
	cfg.GracePeriod = envMillis(&errs, "GRACE_PERIOD_MS", 30000)
	cfg.BatchInterval = envMillis(&errs, "BATCH_INTERVAL_MS", 16)
	cfg.HeartbeatInterval = envMillis(&errs, "HEARTBEAT_INTERVAL_MS", 30000)
	cfg.RoomSettleDelay = envMillis(&errs, "ROOM_SETTLE_DELAY_MS", 5000)
	cfg.MaxQueueSize = envInt(&errs, "MAX_QUEUE_SIZE", 50)
	cfg.MaxConnections = envInt(&errs, "MAX_CONCURRENT_CONNECTIONS", 1000)
	cfg.SendBufferSize = envInt(&errs, "SEND_BUFFER_SIZE", 256)

	cfg.DefaultBPM = envInt(&errs, "DEFAULT_BPM", 120)
	if cfg.DefaultBPM < 20 || cfg.DefaultBPM > 300 {
		errs = append(errs, fmt.Sprintf("DEFAULT_BPM must be between 20 and 300 (got %d)", cfg.DefaultBPM))
	}

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// If there are validation errors, return them
	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	// Log validated configuration
	logValidatedConfig(cfg)

	return cfg, nil
}

// envMillis reads a duration env var expressed in milliseconds.
func envMillis(errs *[]string, key string, def int) time.Duration {
	n := envInt(errs, key, def)
	return time.Duration(n) * time.Millisecond
}

// envInt reads a non-negative integer env var.
func envInt(errs *[]string, key string, def int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, raw))
		return def
	}
	return n
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"approval_timeout", cfg.ApprovalTimeout,
		"grace_period", cfg.GracePeriod,
		"batch_interval", cfg.BatchInterval,
		"max_queue_size", cfg.MaxQueueSize,
		"default_bpm", cfg.DefaultBPM,
		"send_buffer_size", cfg.SendBufferSize,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
