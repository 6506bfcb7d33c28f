// Package config loads service configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config is the full service configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// StoreDriver selects the storage backend.
	StoreDriver string

	// DatabaseURL is the SQLite path or Postgres DSN, per driver.
	DatabaseURL string

	// MongoURL and MongoDatabase configure the mongo driver.
	MongoURL      string
	MongoDatabase string

	// Usage log batching.
	UsageBatchSize     int
	UsageFlushInterval time.Duration

	// Retention windows for the pruning loop. Zero disables pruning of
	// that dataset.
	EventRetention time.Duration
	UsageRetention time.Duration

	LogLevel string
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first if present; real environment
// variables win over it.
func Load() (*Config, error) {
	// Best effort: absence of a .env file is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		StoreDriver:        getEnv("STORE_DRIVER", DriverSQLite),
		DatabaseURL:        getEnv("DATABASE_URL", "metering.db"),
		MongoURL:           getEnv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase:      getEnv("MONGO_DATABASE", "metering"),
		UsageBatchSize:     getEnvInt("USAGE_BATCH_SIZE", 100),
		UsageFlushInterval: getEnvDuration("USAGE_FLUSH_INTERVAL", 5*time.Second),
		EventRetention:     getEnvDuration("EVENT_RETENTION", 90*24*time.Hour),
		UsageRetention:     getEnvDuration("USAGE_RETENTION", 180*24*time.Hour),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	switch cfg.StoreDriver {
	case DriverMemory, DriverSQLite, DriverPostgres, DriverMongo:
	default:
		return nil, fmt.Errorf("config: unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.UsageBatchSize <= 0 {
		return nil, fmt.Errorf("config: USAGE_BATCH_SIZE must be positive")
	}
	if cfg.UsageFlushInterval <= 0 {
		return nil, fmt.Errorf("config: USAGE_FLUSH_INTERVAL must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
