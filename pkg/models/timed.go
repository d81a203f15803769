package models

import "time"

// TimedSignalStatus tracks a scheduled signal through its lifecycle.
// A single scheduler claims a row by flipping pending → processing.
type TimedSignalStatus string

const (
	TimedPending    TimedSignalStatus = "pending"
	TimedProcessing TimedSignalStatus = "processing"
	TimedFired      TimedSignalStatus = "fired"
	TimedFailed     TimedSignalStatus = "failed"
	TimedCancelled  TimedSignalStatus = "cancelled"
	TimedSkipped    TimedSignalStatus = "skipped"
)

// TimedSignal is a persisted future emission. One-shot rows have an
// empty RRule and fire once; recurring rows carry an RFC 5545 RRULE and
// are rescheduled after each dispatch, interpreted in Timezone.
type TimedSignal struct {
	ID            int64             `json:"id"`
	TriggerAt     time.Time         `json:"trigger_at"`
	NextTriggerAt *time.Time        `json:"next_trigger_at,omitempty"`
	RRule         string            `json:"rrule,omitempty"`
	Timezone      string            `json:"timezone,omitempty"`
	Status        TimedSignalStatus `json:"status"`
	FiredAt       *time.Time        `json:"fired_at,omitempty"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	SignalType    string            `json:"signal_type"`
	Payload       map[string]any    `json:"payload,omitempty"`
	Target        string            `json:"target,omitempty"`
	Origin        string            `json:"origin,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	WorkerID      string            `json:"worker_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Recurring reports whether the row reschedules after firing.
func (t TimedSignal) Recurring() bool { return t.RRule != "" }

// TimedSignalSpec is the caller-facing shape for scheduling.
type TimedSignalSpec struct {
	TriggerAt     time.Time      `json:"trigger_at"`
	RRule         string         `json:"rrule,omitempty"`
	Timezone      string         `json:"timezone,omitempty"`
	SignalType    string         `json:"signal_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Target        string         `json:"target,omitempty"`
	Origin        string         `json:"origin,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}
