// Package config loads and validates process configuration from the
// environment. Comet, Logic, and Job each call Load with their own role so
// only the variables that role needs are required.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Role selects which variables Load requires.
type Role string

const (
	RoleComet Role = "comet"
	RoleLogic Role = "logic"
	RoleJob   Role = "job"
)

// Config holds validated environment configuration shared across processes.
// Fields irrelevant to a Role are left at their zero value.
type Config struct {
	Role Role

	GoEnv    string
	LogLevel string

	// Comet
	HTTPPort      string
	GRPCPort      string
	MetricsPort   string
	MaxFrameBytes int
	// CometID is this node's dialable gRPC address (host:port), stored
	// verbatim as the comet_id field in connection:info so Job can dial it
	// directly without a separate address lookup.
	CometID       string
	RoomSeed      []string
	IdleTimeout   time.Duration
	LogicURL      string

	// Logic
	LogicHTTPPort string

	// Redis (comet, job)
	RedisAddr     string
	RedisPassword string

	// Kafka (logic produces, job consumes)
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Postgres (comet: users, persister, history reader fallback)
	DatabaseURL string

	// Session / dedup / cooldown / lock tuning, all with spec defaults.
	SessionTTL  time.Duration
	DedupTTL    time.Duration
	CooldownTTL time.Duration
	LockTTL     time.Duration

	PersistBatchSize int
	PersistInterval  time.Duration
	PersistFirstFire time.Duration

	// Rate limits (donor idiom: "<limit>-<period>" strings consumed by
	// limiter.NewRateFromFormatted).
	RateLimitAPIGlobal   string
	RateLimitAPIAuth     string
	RateLimitWsIP        string
}

// Load validates all environment variables required by role and returns a
// Config. It accumulates every validation failure into one error so an
// operator sees the whole list of problems at once, not one at a time.
func Load(role Role) (*Config, error) {
	cfg := &Config{Role: role}
	var errs []string

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	switch role {
	case RoleComet:
		cfg.HTTPPort = requirePort("COMET_HTTP_PORT", &errs)
		cfg.GRPCPort = requirePort("COMET_GRPC_PORT", &errs)
		cfg.MetricsPort = getEnvOrDefault("COMET_METRICS_PORT", "9101")
		cfg.MaxFrameBytes = getEnvIntOrDefault("COMET_MAX_FRAME_BYTES", 1<<20)
		cfg.CometID = requireNonEmpty("COMET_ID", &errs)
		cfg.RoomSeed = splitCSVOrEmpty("ROOM_SEED_IDS")
		cfg.IdleTimeout = getEnvDurationOrDefault("COMET_IDLE_TIMEOUT", 60*time.Second)
		cfg.LogicURL = getEnvOrDefault("LOGIC_URL", "http://localhost:8090/logic/send")
		cfg.RedisAddr = requireHostPort("REDIS_ADDR", &errs)
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
		cfg.DatabaseURL = requireNonEmpty("DATABASE_URL", &errs)
		cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
		cfg.RateLimitAPIAuth = getEnvOrDefault("RATE_LIMIT_API_AUTH", "20-M")
		cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	case RoleLogic:
		cfg.LogicHTTPPort = requirePort("LOGIC_HTTP_PORT", &errs)
		cfg.KafkaBrokers = requireCSV("KAFKA_BROKERS", &errs)
		cfg.KafkaTopic = getEnvOrDefault("KAFKA_TOPIC", "my-topic")
		cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "2000-M")
		cfg.RateLimitAPIAuth = getEnvOrDefault("RATE_LIMIT_API_AUTH", "20-M")
		cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	case RoleJob:
		cfg.KafkaBrokers = requireCSV("KAFKA_BROKERS", &errs)
		cfg.KafkaTopic = getEnvOrDefault("KAFKA_TOPIC", "my-topic")
		cfg.KafkaGroupID = getEnvOrDefault("KAFKA_GROUP_ID", "job-service-group")
		cfg.RedisAddr = requireHostPort("REDIS_ADDR", &errs)
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
		cfg.MetricsPort = getEnvOrDefault("JOB_METRICS_PORT", "9102")

	default:
		errs = append(errs, fmt.Sprintf("unknown role %q", role))
	}

	cfg.SessionTTL = getEnvDurationOrDefault("SESSION_TTL", 24*time.Hour)
	cfg.DedupTTL = getEnvDurationOrDefault("DEDUP_TTL", 60*time.Second)
	cfg.CooldownTTL = getEnvDurationOrDefault("COOLDOWN_TTL", 1*time.Second)
	cfg.LockTTL = getEnvDurationOrDefault("LOCK_TTL", 5*time.Second)

	cfg.PersistBatchSize = getEnvIntOrDefault("PERSIST_BATCH_SIZE", 100)
	cfg.PersistInterval = getEnvDurationOrDefault("PERSIST_INTERVAL", 10*time.Second)
	cfg.PersistFirstFire = getEnvDurationOrDefault("PERSIST_FIRST_FIRE", 5*time.Second)

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func requireNonEmpty(key string, errs *[]string) string {
	v := os.Getenv(key)
	if v == "" {
		*errs = append(*errs, fmt.Sprintf("%s is required", key))
	}
	return v
}

func requirePort(key string, errs *[]string) string {
	v := os.Getenv(key)
	if v == "" {
		*errs = append(*errs, fmt.Sprintf("%s is required", key))
		return v
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s must be a valid port number between 1 and 65535 (got %q)", key, v))
	}
	return v
}

func requireHostPort(key string, errs *[]string) string {
	v := os.Getenv(key)
	if v == "" {
		*errs = append(*errs, fmt.Sprintf("%s is required", key))
		return v
	}
	if !isValidHostPort(v) {
		*errs = append(*errs, fmt.Sprintf("%s must be in format 'host:port' (got %q)", key, v))
	}
	return v
}

func requireCSV(key string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		*errs = append(*errs, fmt.Sprintf("%s is required", key))
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		*errs = append(*errs, fmt.Sprintf("%s must contain at least one broker", key))
	}
	return out
}

func splitCSVOrEmpty(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

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

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"role", cfg.Role,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"database_url", redactSecret(cfg.DatabaseURL),
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("invalid integer env var, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("invalid duration env var, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

// redactSecret shows only the first 8 characters of a secret-bearing value.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
