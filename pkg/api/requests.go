package api

// MessageRequest is the body for POST /message.
type MessageRequest struct {
	Text          string         `json:"text"`
	Channel       string         `json:"channel,omitempty"`
	ChannelTarget string         `json:"channel_target,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	UserName      string         `json:"user_name,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TimedSignalOpRequest is the body for POST /timed-signals. Op selects
// list, create or cancel; the remaining fields feed the chosen op.
type TimedSignalOpRequest struct {
	Op            string         `json:"op"`
	ID            int64          `json:"id,omitempty"`
	TriggerAt     string         `json:"trigger_at,omitempty"`
	RRule         string         `json:"rrule,omitempty"`
	Timezone      string         `json:"timezone,omitempty"`
	SignalType    string         `json:"signal_type,omitempty"`
	Target        string         `json:"target,omitempty"`
	Origin        string         `json:"origin,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// CreateTimedSignalRequest is the body for POST /api/v1/timed-signals.
type CreateTimedSignalRequest struct {
	TriggerAt     string         `json:"trigger_at"`
	RRule         string         `json:"rrule,omitempty"`
	Timezone      string         `json:"timezone,omitempty"`
	SignalType    string         `json:"signal_type"`
	Target        string         `json:"target,omitempty"`
	Origin        string         `json:"origin,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// CreateTaskRequest is the body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Goal              string `json:"goal"`
	OwnerID           string `json:"owner_id,omitempty"`
	ConversationKey   string `json:"conversation_key,omitempty"`
	Priority          int    `json:"priority,omitempty"`
	MaxCycles         int    `json:"max_cycles,omitempty"`
	MaxRuntimeSeconds int    `json:"max_runtime_seconds,omitempty"`
	TokenBudget       int    `json:"token_budget,omitempty"`
}

// StatusRequest is the body for POST /status. Channel routing fields are
// optional and flow through to the outbound response.
type StatusRequest struct {
	Channel       string `json:"channel,omitempty"`
	ChannelTarget string `json:"channel_target,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
