// Package config holds the environment bootstrap and the configuration
// store for models, routing, A/B tests, budgets, and tiers.
package config

import (
	"os"
	"strconv"
	"time"
)

// Env is the process bootstrap read once at startup. Everything else is
// managed through the configuration store.
type Env struct {
	LogLevel        string
	SecretStoreKind string
	AWSRegion       string
	VaultAddr       string
	EncryptionKey   string
	SecretsFile     string
	ConfigFile      string
	RedisURL        string
	DatabaseURL     string
	UsageQueueURL   string
	AlertTopicARN   string
	OTLPEndpoint    string

	CacheCapacity       int
	CacheDefaultTTL     time.Duration
	HealthCheckInterval time.Duration
	RequestTimeout      time.Duration
	UsageFlushBatch     int
}

func Load() (*Env, error) {
	env := &Env{
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		SecretStoreKind:     getEnv("SECRET_STORE_KIND", "local-env"),
		AWSRegion:           getEnv("AWS_REGION", ""),
		VaultAddr:           getEnv("VAULT_ADDR", ""),
		EncryptionKey:       getEnv("ENCRYPTION_KEY", ""),
		SecretsFile:         getEnv("SECRETS_FILE", ""),
		ConfigFile:          getEnv("CONFIG_FILE", ""),
		RedisURL:            getEnv("REDIS_URL", ""),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		UsageQueueURL:       getEnv("USAGE_QUEUE_URL", ""),
		AlertTopicARN:       getEnv("ALERT_TOPIC_ARN", ""),
		OTLPEndpoint:        getEnv("OTLP_ENDPOINT", ""),
		CacheCapacity:       getIntEnv("CACHE_CAPACITY", 10000),
		CacheDefaultTTL:     getSecondsEnv("CACHE_DEFAULT_TTL", time.Hour),
		HealthCheckInterval: getSecondsEnv("HEALTH_CHECK_INTERVAL", 60*time.Second),
		RequestTimeout:      getMillisEnv("REQUEST_TIMEOUT_MS", 30*time.Second),
		UsageFlushBatch:     getIntEnv("USAGE_FLUSH_BATCH", 100),
	}

	return env, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if millis, err := strconv.Atoi(value); err == nil && millis > 0 {
			return time.Duration(millis) * time.Millisecond
		}
	}
	return defaultValue
}
