package database

import (
	"os"
	"strconv"
)

// Config holds SQLite connection configuration.
type Config struct {
	// Path is the database file location.
	Path string

	// BusyTimeoutMS is how long a connection waits on a locked database
	// before failing.
	BusyTimeoutMS int

	// Connection pool settings. WAL mode allows concurrent readers
	// alongside the single writer.
	MaxOpenConns int
	MaxIdleConns int
}

// LoadConfigFromEnv loads the nerve store configuration from environment
// variables.
func LoadConfigFromEnv() Config {
	return Config{
		Path:          getEnvOrDefault("NERVE_DB_PATH", "nerve.db"),
		BusyTimeoutMS: getEnvIntOrDefault("DB_BUSY_TIMEOUT_MS", 5000),
		MaxOpenConns:  getEnvIntOrDefault("DB_MAX_OPEN_CONNS", 4),
		MaxIdleConns:  getEnvIntOrDefault("DB_MAX_IDLE_CONNS", 2),
	}
}

// DefaultConfig returns a config for the given path with standard pool
// settings. Used by tests and the observability store.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		BusyTimeoutMS: 5000,
		MaxOpenConns:  4,
		MaxIdleConns:  2,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
