package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// getEnv returns the value of the environment variable or the default.
func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable, falling back to the
// default (with a warning) on parse failure.
func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default",
			"key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return n
}

// getEnvInt64 parses a 64-bit integer environment variable.
func getEnvInt64(key string, defaultValue int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default",
			"key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return n
}

// getEnvBool parses a boolean environment variable ("true"/"1"/"false"/"0").
func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default",
			"key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return b
}

// getEnvSeconds reads an integer number of seconds and returns it as a
// duration. All interval knobs are configured in seconds.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		slog.Warn("Invalid seconds value in environment, using default",
			"key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return time.Duration(n) * time.Second
}
