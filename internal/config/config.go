// Package config centralizes process-wide settings as a single struct
// injected at construction time, rather than read from module-level
// globals scattered across packages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every setting the scheduler, job runner, event stream and
// archivist need. It is built once at process start by Load and passed
// down explicitly.
type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (event stream + progress channel)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Event stream
	EventsStreamName    string
	EventsStreamMaxLen  int64
	EventsConsumerGroup string

	// Archivist
	ArchivistIndexName   string
	ArchivistBulkSize    int
	ArchivistStorageURL  string
	ArchivistStorageUser string
	ArchivistStoragePass string
	ArchivistVerifyCert  bool

	// Worker queue (River)
	JobTimeout        time.Duration
	FetchPollInterval time.Duration
	RiverSchema       string

	// Telemetry
	PostHogAPIKey string
	PostHogHost   string

	LogLevel string
}

// Default returns a Config with the same defaults the scheduler ships
// with out of the box; Load overrides individual fields from environment
// variables.
func Default() Config {
	return Config{
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "grimoirelab",
		DBPassword: "grimoirelab",
		DBName:     "grimoirelab",
		DBSSLMode:  "disable",

		RedisAddr: "localhost:6379",
		RedisDB:   0,

		EventsStreamName:    "events",
		EventsStreamMaxLen:  10000,
		EventsConsumerGroup: "archivist",

		ArchivistIndexName:  "events",
		ArchivistBulkSize:   100,
		ArchivistVerifyCert: true,

		JobTimeout:        30 * time.Minute,
		FetchPollInterval: time.Second,
		RiverSchema:       "public",

		PostHogHost: "https://app.posthog.com",

		LogLevel: "info",
	}
}

// Load builds a Config from defaults overridden by GRIMOIRELAB_* environment
// variables.
func Load() (Config, error) {
	cfg := Default()

	cfg.DBHost = envOr("GRIMOIRELAB_DB_HOST", cfg.DBHost)
	cfg.DBUser = envOr("GRIMOIRELAB_DB_USER", cfg.DBUser)
	cfg.DBPassword = envOr("GRIMOIRELAB_DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envOr("GRIMOIRELAB_DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envOr("GRIMOIRELAB_DB_SSLMODE", cfg.DBSSLMode)
	if v, err := envIntOr("GRIMOIRELAB_DB_PORT", cfg.DBPort); err != nil {
		return cfg, err
	} else {
		cfg.DBPort = v
	}

	cfg.RedisAddr = envOr("GRIMOIRELAB_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envOr("GRIMOIRELAB_REDIS_PASSWORD", cfg.RedisPassword)
	if v, err := envIntOr("GRIMOIRELAB_REDIS_DB", cfg.RedisDB); err != nil {
		return cfg, err
	} else {
		cfg.RedisDB = v
	}

	cfg.EventsStreamName = envOr("GRIMOIRELAB_EVENTS_STREAM_NAME", cfg.EventsStreamName)
	cfg.EventsConsumerGroup = envOr("GRIMOIRELAB_EVENTS_CONSUMER_GROUP", cfg.EventsConsumerGroup)
	if v, err := envInt64Or("GRIMOIRELAB_EVENTS_STREAM_MAX_LENGTH", cfg.EventsStreamMaxLen); err != nil {
		return cfg, err
	} else {
		cfg.EventsStreamMaxLen = v
	}

	cfg.ArchivistIndexName = envOr("GRIMOIRELAB_ARCHIVIST_INDEX", cfg.ArchivistIndexName)
	cfg.ArchivistStorageURL = envOr("GRIMOIRELAB_ARCHIVIST_STORAGE_URL", cfg.ArchivistStorageURL)
	cfg.ArchivistStorageUser = envOr("GRIMOIRELAB_ARCHIVIST_STORAGE_USERNAME", cfg.ArchivistStorageUser)
	cfg.ArchivistStoragePass = envOr("GRIMOIRELAB_ARCHIVIST_STORAGE_PASSWORD", cfg.ArchivistStoragePass)
	if v, err := envIntOr("GRIMOIRELAB_ARCHIVIST_BULK_SIZE", cfg.ArchivistBulkSize); err != nil {
		return cfg, err
	} else {
		cfg.ArchivistBulkSize = v
	}
	if v, err := envBoolOr("GRIMOIRELAB_ARCHIVIST_VERIFY_CERT", cfg.ArchivistVerifyCert); err != nil {
		return cfg, err
	} else {
		cfg.ArchivistVerifyCert = v
	}

	cfg.PostHogAPIKey = envOr("GRIMOIRELAB_POSTHOG_API_KEY", cfg.PostHogAPIKey)
	cfg.PostHogHost = envOr("GRIMOIRELAB_POSTHOG_HOST", cfg.PostHogHost)

	cfg.LogLevel = envOr("GRIMOIRELAB_LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid int for %s: %w", key, err)
	}
	return n, nil
}

func envInt64Or(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid int64 for %s: %w", key, err)
	}
	return n, nil
}

func envBoolOr(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: invalid bool for %s: %w", key, err)
	}
	return b, nil
}
