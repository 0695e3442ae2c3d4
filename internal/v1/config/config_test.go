package config

import (
	"os"
	"strings"
	"testing"
)

var allKeys = []string{
	"GO_ENV", "LOG_LEVEL",
	"COMET_HTTP_PORT", "COMET_GRPC_PORT", "COMET_METRICS_PORT", "COMET_MAX_FRAME_BYTES", "COMET_ID",
	"REDIS_ADDR", "REDIS_PASSWORD", "DATABASE_URL",
	"LOGIC_HTTP_PORT", "KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID",
	"SESSION_TTL", "DEDUP_TTL", "COOLDOWN_TTL", "LOCK_TTL",
	"PERSIST_BATCH_SIZE", "PERSIST_INTERVAL", "PERSIST_FIRST_FIRE",
	"RATE_LIMIT_API_GLOBAL", "RATE_LIMIT_API_AUTH", "RATE_LIMIT_WS_IP",
}

func setupTestEnv(t *testing.T) func() {
	orig := make(map[string]string, len(allKeys))
	for _, k := range allKeys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func TestLoad_CometValid(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("COMET_HTTP_PORT", "8081")
	os.Setenv("COMET_GRPC_PORT", "9081")
	os.Setenv("REDIS_ADDR", "localhost:6379")
	os.Setenv("DATABASE_URL", "postgres://localhost/chat")
	os.Setenv("COMET_ID", "localhost:9081")

	cfg, err := Load(RoleComet)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.HTTPPort != "8081" {
		t.Errorf("expected HTTPPort 8081, got %s", cfg.HTTPPort)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to production, got %s", cfg.GoEnv)
	}
	if cfg.SessionTTL.Hours() != 24 {
		t.Errorf("expected default session TTL of 24h, got %v", cfg.SessionTTL)
	}
}

func TestLoad_CometMissingRedis(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("COMET_HTTP_PORT", "8081")
	os.Setenv("COMET_GRPC_PORT", "9081")
	os.Setenv("DATABASE_URL", "postgres://localhost/chat")

	_, err := Load(RoleComet)
	if err == nil {
		t.Fatal("expected error for missing REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR is required") {
		t.Errorf("expected error about REDIS_ADDR, got: %v", err)
	}
}

func TestLoad_CometInvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("COMET_HTTP_PORT", "99999")
	os.Setenv("COMET_GRPC_PORT", "9081")
	os.Setenv("REDIS_ADDR", "localhost:6379")
	os.Setenv("DATABASE_URL", "postgres://localhost/chat")

	_, err := Load(RoleComet)
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
	if !strings.Contains(err.Error(), "must be a valid port number") {
		t.Errorf("expected error about port range, got: %v", err)
	}
}

func TestLoad_LogicValid(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("LOGIC_HTTP_PORT", "8090")
	os.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")

	cfg, err := Load(RoleLogic)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "broker2:9092" {
		t.Errorf("expected trimmed broker list, got %v", cfg.KafkaBrokers)
	}
	if cfg.KafkaTopic != "my-topic" {
		t.Errorf("expected default topic 'my-topic', got %s", cfg.KafkaTopic)
	}
}

func TestLoad_JobMissingBrokers(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("REDIS_ADDR", "localhost:6379")

	_, err := Load(RoleJob)
	if err == nil {
		t.Fatal("expected error for missing KAFKA_BROKERS, got nil")
	}
	if !strings.Contains(err.Error(), "KAFKA_BROKERS is required") {
		t.Errorf("expected error about KAFKA_BROKERS, got: %v", err)
	}
}

func TestLoad_JobValid(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("KAFKA_BROKERS", "broker1:9092")
	os.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(RoleJob)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.KafkaGroupID != "job-service-group" {
		t.Errorf("expected default group id, got %s", cfg.KafkaGroupID)
	}
	if cfg.DedupTTL.Seconds() != 60 {
		t.Errorf("expected dedup TTL default of 60s, got %v", cfg.DedupTTL)
	}
	if cfg.CooldownTTL.Seconds() != 1 {
		t.Errorf("expected cooldown TTL default of 1s, got %v", cfg.CooldownTTL)
	}
	if cfg.LockTTL.Seconds() != 5 {
		t.Errorf("expected lock TTL default of 5s, got %v", cfg.LockTTL)
	}
	if cfg.PersistBatchSize != 100 {
		t.Errorf("expected default persist batch size 100, got %d", cfg.PersistBatchSize)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"Short secret", "short", "***"},
		{"Exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactSecret(tt.secret)
			if result != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHostPort(tt.addr)
			if result != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, result, tt.expected)
			}
		})
	}
}
