package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the chat core.
type Config struct {
	// Required variables
	Port          string
	JWTCookieName string

	// Auth
	AuthDomain      string
	AuthAudience    string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	PostgresDSN   string
	WSPath        string

	// Message limits
	MaxContentLength int

	// Sessions
	MaxSocketsPerSession int

	// Heartbeat
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Presence
	PresenceOfflineGrace time.Duration

	// Generic per-socket rate limiter
	RateLimitWindow           time.Duration
	RateLimitMaxMessages      int
	RateLimitWarningThreshold float64
	ViolationsBeforeThrottle  int
	ViolationsBeforeClose     int

	// Send-only limiter (MESSAGE_SEND / ROOM_MESSAGE)
	SendWindow      time.Duration
	SendMaxMessages int

	// Typing limiter
	TypingWindow    time.Duration
	TypingMaxEvents int

	// Per-user router limits (ulule/limiter formatted rates)
	RateLimitUser          string
	RateLimitUserSensitive string

	// Outbound backpressure
	BackpressureThreshold     int
	MaxQueueSize              int
	MaxQueueOverflows         int
	BufferedAmountThreshold   int64
	DBFailuresBeforeClose     int
	DBFailureWindow           time.Duration

	// Inbound payload cap
	MaxPayloadSize int64

	// Rooms
	RoomsAutoCreate      bool
	RoomsAutoDeleteEmpty bool
	MaxRooms             int
	MaxMembersPerRoom    int

	// Replay
	ReplayDefaultLimit int
	ReplayMaxLimit     int
	ResumeTimeout      time.Duration

	// Protocol
	ProtocolVersion string

	// Server
	MaxConnections  int
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	// Tracing
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a Config
// object. Returns an error if any required variable is missing or invalid.
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

	cfg.JWTCookieName = getEnvOrDefault("JWT_COOKIE_NAME", "chat_token")
	cfg.WSPath = getEnvOrDefault("WS_PATH", "/ws")

	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

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

	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")

	cfg.MaxContentLength = getEnvIntOrDefault("MAX_CONTENT_LENGTH", 4096, &errs)
	cfg.MaxSocketsPerSession = getEnvIntOrDefault("MAX_SOCKETS_PER_SESSION", 3, &errs)

	cfg.HeartbeatInterval = getEnvDurationOrDefault("HEARTBEAT_INTERVAL_MS", 30*time.Second, &errs)
	cfg.HeartbeatTimeout = getEnvDurationOrDefault("HEARTBEAT_TIMEOUT_MS", 10*time.Second, &errs)
	cfg.PresenceOfflineGrace = getEnvDurationOrDefault("PRESENCE_OFFLINE_GRACE_MS", 5*time.Second, &errs)

	cfg.RateLimitWindow = getEnvDurationOrDefault("RATE_LIMIT_WINDOW_MS", 10*time.Second, &errs)
	cfg.RateLimitMaxMessages = getEnvIntOrDefault("RATE_LIMIT_MAX_MESSAGES", 100, &errs)
	cfg.RateLimitWarningThreshold = getEnvFloatOrDefault("RATE_LIMIT_WARNING_THRESHOLD", 0.8, &errs)
	cfg.ViolationsBeforeThrottle = getEnvIntOrDefault("RATE_LIMIT_VIOLATIONS_BEFORE_THROTTLE", 3, &errs)
	cfg.ViolationsBeforeClose = getEnvIntOrDefault("RATE_LIMIT_VIOLATIONS_BEFORE_CLOSE", 10, &errs)

	cfg.SendWindow = getEnvDurationOrDefault("SEND_RATE_WINDOW_MS", 5*time.Second, &errs)
	cfg.SendMaxMessages = getEnvIntOrDefault("SEND_RATE_MAX_MESSAGES", 60, &errs)

	cfg.TypingWindow = getEnvDurationOrDefault("TYPING_RATE_WINDOW_MS", 2*time.Second, &errs)
	cfg.TypingMaxEvents = getEnvIntOrDefault("TYPING_RATE_MAX_EVENTS", 4, &errs)

	cfg.RateLimitUser = getEnvOrDefault("RATE_LIMIT_USER", "300-M")
	cfg.RateLimitUserSensitive = getEnvOrDefault("RATE_LIMIT_USER_SENSITIVE", "20-M")

	cfg.BackpressureThreshold = getEnvIntOrDefault("BACKPRESSURE_THRESHOLD", 64, &errs)
	cfg.MaxQueueSize = getEnvIntOrDefault("BACKPRESSURE_MAX_QUEUE_SIZE", 256, &errs)
	cfg.MaxQueueOverflows = getEnvIntOrDefault("BACKPRESSURE_MAX_QUEUE_OVERFLOWS", 3, &errs)
	cfg.BufferedAmountThreshold = int64(getEnvIntOrDefault("BACKPRESSURE_BUFFERED_AMOUNT_THRESHOLD", 1<<20, &errs))
	cfg.DBFailuresBeforeClose = getEnvIntOrDefault("DB_FAILURES_BEFORE_CLOSE", 10, &errs)
	cfg.DBFailureWindow = getEnvDurationOrDefault("DB_FAILURE_WINDOW_MS", 60*time.Second, &errs)

	cfg.MaxPayloadSize = int64(getEnvIntOrDefault("PAYLOAD_MAX_SIZE", 64*1024, &errs))

	cfg.RoomsAutoCreate = getEnvOrDefault("ROOMS_AUTO_CREATE", "true") == "true"
	cfg.RoomsAutoDeleteEmpty = getEnvOrDefault("ROOMS_AUTO_DELETE_EMPTY", "true") == "true"
	cfg.MaxRooms = getEnvIntOrDefault("ROOMS_MAX_ROOMS", 10000, &errs)
	cfg.MaxMembersPerRoom = getEnvIntOrDefault("ROOMS_MAX_MEMBERS", 256, &errs)

	cfg.ReplayDefaultLimit = getEnvIntOrDefault("REPLAY_DEFAULT_LIMIT", 100, &errs)
	cfg.ReplayMaxLimit = getEnvIntOrDefault("REPLAY_MAX_LIMIT", 500, &errs)
	cfg.ResumeTimeout = getEnvDurationOrDefault("RESUME_TIMEOUT_MS", 8*time.Second, &errs)

	cfg.ProtocolVersion = getEnvOrDefault("PROTOCOL_VERSION", "1")

	cfg.MaxConnections = getEnvIntOrDefault("SERVER_MAX_CONNECTIONS", 10000, &errs)
	cfg.ShutdownTimeout = getEnvDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT_MS", 30*time.Second, &errs)
	cfg.DrainTimeout = getEnvDurationOrDefault("SERVER_DRAIN_TIMEOUT_MS", 3*time.Second, &errs)

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	// Dev-only token query parameter must never be reachable in production.
	if cfg.SkipAuth && cfg.GoEnv == "production" && !cfg.DevelopmentMode {
		errs = append(errs, "SKIP_AUTH=true is forbidden when GO_ENV=production")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"ws_path", cfg.WSPath,
		"jwt_cookie", cfg.JWTCookieName,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"postgres", cfg.PostgresDSN != "",
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
		"max_sockets_per_session", cfg.MaxSocketsPerSession,
		"rate_limit_user", cfg.RateLimitUser,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

func getEnvFloatOrDefault(key string, defaultValue float64, errs *[]string) float64 {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f <= 0 || f > 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be a fraction in (0,1] (got '%s')", key, value))
		return defaultValue
	}
	return f
}

// Millisecond-valued keys, matching the _MS suffix convention.
func getEnvDurationOrDefault(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative millisecond count (got '%s')", key, value))
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

// Default returns a Config populated with production defaults, without reading
// the environment. Used by tests and by dev-mode bootstrapping.
func Default() *Config {
	return &Config{
		Port:                      "8080",
		JWTCookieName:             "chat_token",
		WSPath:                    "/ws",
		GoEnv:                     "development",
		LogLevel:                  "info",
		MaxContentLength:          4096,
		MaxSocketsPerSession:      3,
		HeartbeatInterval:         30 * time.Second,
		HeartbeatTimeout:          10 * time.Second,
		PresenceOfflineGrace:      5 * time.Second,
		RateLimitWindow:           10 * time.Second,
		RateLimitMaxMessages:      100,
		RateLimitWarningThreshold: 0.8,
		ViolationsBeforeThrottle:  3,
		ViolationsBeforeClose:     10,
		SendWindow:                5 * time.Second,
		SendMaxMessages:           60,
		TypingWindow:              2 * time.Second,
		TypingMaxEvents:           4,
		RateLimitUser:             "300-M",
		RateLimitUserSensitive:    "20-M",
		BackpressureThreshold:     64,
		MaxQueueSize:              256,
		MaxQueueOverflows:         3,
		BufferedAmountThreshold:   1 << 20,
		DBFailuresBeforeClose:     10,
		DBFailureWindow:           60 * time.Second,
		MaxPayloadSize:            64 * 1024,
		RoomsAutoCreate:           true,
		RoomsAutoDeleteEmpty:      true,
		MaxRooms:                  10000,
		MaxMembersPerRoom:         256,
		ReplayDefaultLimit:        100,
		ReplayMaxLimit:            500,
		ResumeTimeout:             8 * time.Second,
		ProtocolVersion:           "1",
		MaxConnections:            10000,
		ShutdownTimeout:           30 * time.Second,
		DrainTimeout:              3 * time.Second,
	}
}
