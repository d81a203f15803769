package config

import "time"

// SliceConfig configures the cooperative slice executor.
type SliceConfig struct {
	// Workers is the pool size. One lease per task regardless.
	Workers int

	// DefaultCycles is the per-slice cycle budget when a task does not
	// carry its own.
	DefaultCycles int

	// MaxRuntime is the per-slice wall clock budget.
	MaxRuntime time.Duration

	// Lease protects a running slice; a stale lease may be stolen.
	Lease time.Duration

	// YieldDelay is how far next_run_at is pushed when a task yields.
	YieldDelay time.Duration

	// MaxCycles is the hard lifetime cycle cap per task.
	MaxCycles int

	// NoProgressCycles parks a task that made no net progress for this
	// many consecutive cycles.
	NoProgressCycles int

	// TokenBudget is the initial token allowance for new tasks.
	TokenBudget int

	// FailureStreakLimit fails a task after this many consecutive
	// failing slices.
	FailureStreakLimit int
}

func loadSliceConfig() SliceConfig {
	return SliceConfig{
		Workers:            getEnvInt("SLICE_WORKERS", 2),
		DefaultCycles:      getEnvInt("SLICE_DEFAULT_CYCLES", 5),
		MaxRuntime:         getEnvSeconds("SLICE_MAX_RUNTIME_SECONDS", 5*time.Minute),
		Lease:              getEnvSeconds("SLICE_LEASE_SECONDS", 2*time.Minute),
		YieldDelay:         getEnvSeconds("SLICE_YIELD_SECONDS", 5*time.Second),
		MaxCycles:          getEnvInt("SLICE_MAX_CYCLES", 50),
		NoProgressCycles:   getEnvInt("SLICE_NO_PROGRESS_CYCLES", 3),
		TokenBudget:        getEnvInt("SLICE_TOKEN_BUDGET", 100000),
		FailureStreakLimit: getEnvInt("SLICE_FAILURE_STREAK_LIMIT", 3),
	}
}
