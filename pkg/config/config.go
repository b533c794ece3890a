// Package config loads the service configuration from the environment and
// cluster provisioning files from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/narval-xyz/armory-sub000/pkg/retry"
)

// Config holds worker configuration.
type Config struct {
	LogLevel string

	DatabaseDriver string
	DatabaseURL    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	QueueName          string
	QueueConcurrency   int
	QueueMaxAttempts   int
	QueueBackoffBaseMs int64

	NodeTimeout time.Duration
	NodeRPS     float64

	// AdminAPIKeys maps a node URL to the admin key used to provision it.
	AdminAPIKeys map[string]string

	// FeedSigningKey is a hex Ed25519 seed. Feeds go unsigned when empty.
	FeedSigningKey string

	OTelEnabled  bool
	OTelEndpoint string
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		DatabaseDriver: getenv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    getenv("DATABASE_URL", "postgres://armory@localhost:5432/armory?sslmode=disable"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		QueueName:      getenv("QUEUE_NAME", "authorization-request"),
		FeedSigningKey: os.Getenv("FEED_SIGNING_KEY"),
		OTelEnabled:    os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:   getenv("OTEL_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.QueueConcurrency, err = intEnv("QUEUE_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.QueueMaxAttempts, err = intEnv("QUEUE_MAX_ATTEMPTS", retry.DefaultPolicy.MaxAttempts); err != nil {
		return nil, err
	}
	base, err := intEnv("QUEUE_BACKOFF_BASE_MS", int(retry.DefaultPolicy.BaseMs))
	if err != nil {
		return nil, err
	}
	cfg.QueueBackoffBaseMs = int64(base)

	timeoutMs, err := intEnv("NODE_TIMEOUT_MS", 10000)
	if err != nil {
		return nil, err
	}
	cfg.NodeTimeout = time.Duration(timeoutMs) * time.Millisecond

	if raw := os.Getenv("NODE_RPS"); raw != "" {
		if cfg.NodeRPS, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("config: NODE_RPS: %w", err)
		}
	}

	if cfg.AdminAPIKeys, err = ParseAdminAPIKeys(os.Getenv("ADMIN_API_KEYS")); err != nil {
		return nil, err
	}

	if cfg.QueueConcurrency < 1 || cfg.QueueMaxAttempts < 1 {
		return nil, fmt.Errorf("config: QUEUE_CONCURRENCY and QUEUE_MAX_ATTEMPTS must be positive")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("config: unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	return cfg, nil
}

// RetryPolicy is the queue retry policy derived from the config.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy
	p.MaxAttempts = c.QueueMaxAttempts
	p.BaseMs = c.QueueBackoffBaseMs
	return p
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseAdminAPIKeys parses "url=key,url=key".
func ParseAdminAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		// URLs may carry '=' in a query string; the key never does.
		i := strings.LastIndex(pair, "=")
		if i <= 0 || i == len(pair)-1 {
			return nil, fmt.Errorf("config: ADMIN_API_KEYS entry %q is not url=key", pair)
		}
		keys[strings.TrimSuffix(pair[:i], "/")] = pair[i+1:]
	}
	return keys, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
