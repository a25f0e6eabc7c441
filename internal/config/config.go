package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the settings of both binaries: the relay server reads the
// server and Redis fields, the terminal client the SYNC_* fields.
type Config struct {
	ServerPort string
	ServerHost string

	// Observability
	JaegerEndpoint   string
	TraceSampleRatio float64

	// Cross-instance fan-out; empty RedisAddr keeps the relay in-process
	RedisAddr          string
	RedisChannelPrefix string

	// Per-session inbound limit on the relay
	RelayMessageRate  float64
	RelayMessageBurst int

	// Sync client
	SyncEndpoint         string
	SyncDocID            string
	SyncUserID           string
	SyncUserName         string
	SyncFlushInterval    time.Duration
	SyncRetryInitial     time.Duration
	SyncRetryMax         time.Duration
	SyncRetryAttempts    int
	SyncResyncOnConnect  bool
	SyncSnapshotTimeout  time.Duration
	SyncTransformPending bool
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "textsync:doc:"),

		RelayMessageRate:  getEnvFloat("RELAY_MESSAGE_RATE", 20),
		RelayMessageBurst: getEnvInt("RELAY_MESSAGE_BURST", 40),

		SyncEndpoint:         getEnv("SYNC_ENDPOINT", "ws://localhost:8080"),
		SyncDocID:            getEnv("SYNC_DOC_ID", ""),
		SyncUserID:           getEnv("SYNC_USER_ID", ""),
		SyncUserName:         getEnv("SYNC_USER_NAME", ""),
		SyncFlushInterval:    getEnvDuration("SYNC_FLUSH_INTERVAL", 7*time.Second),
		SyncRetryInitial:     getEnvDuration("SYNC_RETRY_INITIAL", 100*time.Millisecond),
		SyncRetryMax:         getEnvDuration("SYNC_RETRY_MAX", 5*time.Second),
		SyncRetryAttempts:    getEnvInt("SYNC_RETRY_ATTEMPTS", 50),
		SyncResyncOnConnect:  getEnvBool("SYNC_RESYNC_ON_CONNECT", true),
		SyncSnapshotTimeout:  getEnvDuration("SYNC_SNAPSHOT_TIMEOUT", 3*time.Second),
		SyncTransformPending: getEnvBool("SYNC_TRANSFORM_PENDING", false),
	}

	if cfg.RelayMessageRate < 0 {
		return nil, fmt.Errorf("RELAY_MESSAGE_RATE must not be negative")
	}

	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		return nil, fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}

	return cfg, nil
}

// Address is the host:port the relay listens on
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

// ValidateClient checks the settings the sync client cannot default
func (c *Config) ValidateClient() error {
	if c.SyncDocID == "" {
		return fmt.Errorf("SYNC_DOC_ID is required")
	}
	if c.SyncEndpoint == "" {
		return fmt.Errorf("SYNC_ENDPOINT is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("7s", "250ms")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
