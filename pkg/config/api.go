package config

import (
	"os"
	"time"
)

// APIConfig configures the HTTP gateway.
type APIConfig struct {
	// Token guards every endpoint except health and metrics when set.
	// Requests carry it in the X-Agent-API-Token header.
	Token string

	// MessageWait caps how long POST /message blocks for a correlated
	// outbound response.
	MessageWait time.Duration
}

func loadAPIConfig() APIConfig {
	wait := getEnvSeconds("API_MESSAGE_WAIT_SECONDS", 0)
	if wait == 0 {
		// Legacy deployments used the prefixed name.
		if os.Getenv("ALPHONSE_API_MESSAGE_WAIT_SECONDS") != "" {
			wait = getEnvSeconds("ALPHONSE_API_MESSAGE_WAIT_SECONDS", 15*time.Second)
		} else {
			wait = 15 * time.Second
		}
	}
	return APIConfig{
		Token:       getEnv("API_TOKEN", ""),
		MessageWait: wait,
	}
}
