package models

import (
	"time"

	"github.com/google/uuid"
)

// SignalStatus tracks a durable signal through the queue lifecycle.
type SignalStatus string

const (
	SignalQueued     SignalStatus = "queued"
	SignalProcessing SignalStatus = "processing"
	SignalDone       SignalStatus = "done"
	SignalFailed     SignalStatus = "failed"
)

// Signal is the unit of work flowing through the nervous system.
// Durable signals are persisted to the queue before delivery and survive
// restarts; ephemeral signals are best-effort in-memory only.
type Signal struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Durable       bool           `json:"durable,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewSignal builds a signal with a fresh ID. The correlation ID defaults
// to the signal's own ID so every downstream trace line has one.
func NewSignal(signalType string, payload map[string]any) Signal {
	id := uuid.NewString()
	return Signal{
		ID:            id,
		Type:          signalType,
		Payload:       payload,
		CorrelationID: id,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewDurableSignal builds a durable signal with a fresh ID.
func NewDurableSignal(signalType string, payload map[string]any) Signal {
	s := NewSignal(signalType, payload)
	s.Durable = true
	return s
}

// QueuedSignal is a durable signal row as stored in the queue.
type QueuedSignal struct {
	Signal
	Status    SignalStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Canonical signal types. The set is extensible through the catalog;
// these are the ones the core itself emits or binds handlers to.
const (
	SignalAPIMessageReceived     = "api.message_received"
	SignalAPIStatusRequested     = "api.status_requested"
	SignalAPITimedSigsRequested  = "api.timed_signals_requested"
	SignalCLIMessageReceived     = "cli.message_received"
	SignalTimerFired             = "timer.fired"
	SignalTimedSignalFired       = "timed_signal.fired"
	SignalReminderDue            = "reminder.due"
	SignalActionSucceeded        = "action.succeeded"
	SignalActionFailed           = "action.failed"
	SignalShutdownRequested      = "shutdown_requested"
	SignalPlanRun                = "plan.run"
	SignalPlanFinished           = "plan.finished"
	SignalSliceRequested         = "pdca.slice_requested"
	SignalSliceDone              = "pdca.slice_done"
	SignalResumeRequested        = "pdca.resume_requested"
)
