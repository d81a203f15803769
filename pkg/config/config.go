package config

import (
	"fmt"
	"time"
)

// Config is the umbrella configuration object loaded once at boot and
// passed down to every component. Store paths are loaded separately by
// the database and observe packages.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// HTTPPort the gateway listens on (bound to localhost).
	HTTPPort string

	// InitialState is the FSM boot state key.
	InitialState string

	// SignalTimeout is the per-signal action deadline.
	SignalTimeout time.Duration

	// ShutdownGrace bounds how long shutdown waits for in-flight work.
	ShutdownGrace time.Duration

	API       APIConfig
	Bus       BusConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Slice     SliceConfig
	Plan      PlanConfig
	Cleanup   CleanupConfig
	LLM       LLMConfig

	// WebhookURL, when set, enables the webhook extremity.
	WebhookURL string

	// CLISenseEnabled starts the stdin sense.
	CLISenseEnabled bool
}

// Load builds the configuration from the environment. Call after
// godotenv has populated the process environment.
func Load() *Config {
	return &Config{
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		HTTPPort:        getEnv("HTTP_PORT", "8787"),
		InitialState:    getEnv("FSM_INITIAL_STATE", "idle"),
		SignalTimeout:   getEnvSeconds("FSM_SIGNAL_TIMEOUT_SECONDS", 60*time.Second),
		ShutdownGrace:   getEnvSeconds("SHUTDOWN_GRACE_SECONDS", 10*time.Second),
		API:             loadAPIConfig(),
		Bus:             loadBusConfig(),
		Queue:           loadQueueConfig(),
		Scheduler:       loadSchedulerConfig(),
		Slice:           loadSliceConfig(),
		Plan:            loadPlanConfig(),
		Cleanup:         loadCleanupConfig(),
		LLM:             loadLLMConfig(),
		WebhookURL:      getEnv("EXTREMITY_WEBHOOK_URL", ""),
		CLISenseEnabled: getEnvBool("SENSE_CLI_ENABLED", false),
	}
}

// Validate checks cross-field constraints that defaults alone cannot
// guarantee (operators can still set nonsense explicitly).
func (c *Config) Validate() error {
	if c.InitialState == "" {
		return fmt.Errorf("FSM_INITIAL_STATE must not be empty")
	}
	if c.SignalTimeout <= 0 {
		return fmt.Errorf("FSM_SIGNAL_TIMEOUT_SECONDS must be positive")
	}
	if c.Bus.Capacity < 1 {
		return fmt.Errorf("BUS_CAPACITY must be at least 1")
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("SCHEDULER_TICK_SECONDS must be positive")
	}
	if c.Scheduler.Lease <= c.Scheduler.Tick {
		return fmt.Errorf("SCHEDULER_LEASE_SECONDS must exceed the tick interval")
	}
	if c.Slice.DefaultCycles < 1 {
		return fmt.Errorf("SLICE_DEFAULT_CYCLES must be at least 1")
	}
	if c.Slice.Workers < 1 {
		return fmt.Errorf("SLICE_WORKERS must be at least 1")
	}
	if c.Plan.Workers < 1 {
		return fmt.Errorf("PLAN_WORKERS must be at least 1")
	}
	return nil
}

// String renders the config for the boot log with secrets redacted.
func (c *Config) String() string {
	token := "unset"
	if c.API.Token != "" {
		token = "set"
	}
	return fmt.Sprintf(
		"log_level=%s http_port=%s initial_state=%s api_token=%s llm_provider=%s bus_capacity=%d slice_workers=%d plan_workers=%d",
		c.LogLevel, c.HTTPPort, c.InitialState, token, c.LLM.Provider,
		c.Bus.Capacity, c.Slice.Workers, c.Plan.Workers)
}
