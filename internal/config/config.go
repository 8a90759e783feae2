// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. Empty DatabaseURL runs the core fully in memory.
	DatabaseURL string

	// Auth. API keys are verified against this Argon2id hash.
	APIKeyHash string

	// Orchestration settings.
	DiscoverLimit   int
	DefaultRetryCap int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	CallTimeout     time.Duration

	// Default tenant quotas, applied when a run's policy does not set its own.
	QuotaDiscovery int64
	QuotaProfile   int64
	QuotaContact   int64
	QuotaDraft     int64
	MaxConcurrent  int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	EventStreamBuffer   int
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("RENRAKU_PORT", 8080),
		ReadTimeout:         envDuration("RENRAKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("RENRAKU_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		APIKeyHash:          envStr("RENRAKU_API_KEY_HASH", ""),
		DiscoverLimit:       envInt("RENRAKU_DISCOVER_LIMIT", 10),
		DefaultRetryCap:     envInt("RENRAKU_RETRY_CAP", 3),
		BackoffBase:         envDuration("RENRAKU_BACKOFF_BASE", 500*time.Millisecond),
		BackoffMax:          envDuration("RENRAKU_BACKOFF_MAX", 30*time.Second),
		CallTimeout:         envDuration("RENRAKU_CALL_TIMEOUT", 60*time.Second),
		QuotaDiscovery:      int64(envInt("RENRAKU_QUOTA_DISCOVERY", 100)),
		QuotaProfile:        int64(envInt("RENRAKU_QUOTA_PROFILE", 100)),
		QuotaContact:        int64(envInt("RENRAKU_QUOTA_CONTACT", 100)),
		QuotaDraft:          int64(envInt("RENRAKU_QUOTA_DRAFT", 100)),
		MaxConcurrent:       envInt("RENRAKU_MAX_CONCURRENT_RUNS", 8),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "renraku"),
		LogLevel:            envStr("RENRAKU_LOG_LEVEL", "info"),
		EventStreamBuffer:   envInt("RENRAKU_EVENT_STREAM_BUFFER", 256),
		MaxRequestBodyBytes: int64(envInt("RENRAKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DiscoverLimit <= 0 {
		return fmt.Errorf("config: RENRAKU_DISCOVER_LIMIT must be positive")
	}
	if c.DefaultRetryCap <= 0 {
		return fmt.Errorf("config: RENRAKU_RETRY_CAP must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("config: backoff window must satisfy 0 < base <= max")
	}
	if c.QuotaDiscovery < int64(c.DiscoverLimit) {
		return fmt.Errorf("config: RENRAKU_QUOTA_DISCOVERY (%d) below the discovery limit (%d), no run could ever be admitted",
			c.QuotaDiscovery, c.DiscoverLimit)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: RENRAKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
