package config

import "time"

// PlanConfig configures the plan executor pool.
type PlanConfig struct {
	// Workers is the number of concurrent plan executors.
	Workers int

	// PollInterval is how often a worker looks for queued plans when
	// not woken by a plan.run signal.
	PollInterval time.Duration

	// Stale is the age after which a running instance is assumed
	// orphaned and re-queued. Executors must be idempotent.
	Stale time.Duration
}

func loadPlanConfig() PlanConfig {
	return PlanConfig{
		Workers:      getEnvInt("PLAN_WORKERS", 2),
		PollInterval: getEnvSeconds("PLAN_POLL_SECONDS", 5*time.Second),
		Stale:        getEnvSeconds("PLAN_STALE_SECONDS", 10*time.Minute),
	}
}

// CleanupConfig configures the background retention service.
type CleanupConfig struct {
	// Interval between cleanup passes.
	Interval time.Duration
}

func loadCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval: getEnvSeconds("CLEANUP_INTERVAL_SECONDS", time.Hour),
	}
}
