package config

import "time"

// BusConfig configures the in-process signal bus.
type BusConfig struct {
	// Capacity bounds the FSM consumer queue.
	Capacity int

	// FailFast makes Publish return an error when the queue is full
	// instead of blocking.
	FailFast bool

	// TapBuffer is the channel size handed to observer taps. Slow taps
	// lose messages rather than stall the main path.
	TapBuffer int
}

func loadBusConfig() BusConfig {
	return BusConfig{
		Capacity:  getEnvInt("BUS_CAPACITY", 256),
		FailFast:  getEnvBool("BUS_FAIL_FAST", false),
		TapBuffer: getEnvInt("BUS_TAP_BUFFER", 64),
	}
}

// QueueConfig configures the durable signal queue poller.
type QueueConfig struct {
	// PollInterval is how often the poller re-feeds stale rows.
	PollInterval time.Duration

	// Stale is the age after which a queued row is considered missed
	// (or a processing row orphaned) and re-fed to the bus.
	Stale time.Duration

	// DoneTTL is how long completed rows are kept for inspection.
	DoneTTL time.Duration
}

func loadQueueConfig() QueueConfig {
	return QueueConfig{
		PollInterval: getEnvSeconds("QUEUE_POLL_SECONDS", 10*time.Second),
		Stale:        getEnvSeconds("QUEUE_STALE_SECONDS", 30*time.Second),
		DoneTTL:      time.Duration(getEnvInt("QUEUE_DONE_TTL_HOURS", 72)) * time.Hour,
	}
}
