package config

import "time"

// SchedulerConfig configures the timed-signal scheduler.
type SchedulerConfig struct {
	// Tick is the wake interval of the single ticker worker.
	Tick time.Duration

	// Lease is how long a claimed (processing) row is protected before
	// another pass may reclaim it after a crash.
	Lease time.Duration

	// LateWindow is the baseline catch-up lag for overdue rows. The
	// effective window for recurring rows is max(LateWindow, 5% of the
	// recurrence period).
	LateWindow time.Duration
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Tick:       getEnvSeconds("SCHEDULER_TICK_SECONDS", time.Second),
		Lease:      getEnvSeconds("SCHEDULER_LEASE_SECONDS", 5*time.Minute),
		LateWindow: getEnvSeconds("SCHEDULER_LATE_WINDOW_SECONDS", 30*time.Minute),
	}
}
