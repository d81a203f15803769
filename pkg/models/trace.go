package models

import "time"

// StepResult is the recorded outcome of one FSM step.
type StepResult string

const (
	StepOK           StepResult = "ok"
	StepNoTransition StepResult = "no_transition"
	StepError        StepResult = "error"
)

// StepTrace is one row of the FSM audit trail: which signal arrived in
// which state, which transition fired, and where the machine ended up.
type StepTrace struct {
	ID            int64      `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	StateBefore   string     `json:"state_before"`
	SignalType    string     `json:"signal_type"`
	TransitionID  *int64     `json:"transition_id,omitempty"`
	ActionKey     string     `json:"action_key,omitempty"`
	StateAfter    string     `json:"state_after"`
	Result        StepResult `json:"result"`
	ErrorSummary  string     `json:"error_summary,omitempty"`
	At            time.Time  `json:"at"`
}

// Principal is a person the agent knows and talks to.
type Principal struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	ChannelType string    `json:"channel_type,omitempty"`
	Address     string    `json:"address,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Preference is one key/value household preference row. The dispatcher
// consults `dnd_until` here; preference-side do-not-disturb is
// authoritative.
type Preference struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location is a named household place usable by actions and tools.
type Location struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
