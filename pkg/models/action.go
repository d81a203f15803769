package models

// ResultCode is the outcome class an action handler reports.
type ResultCode string

const (
	ResultSucceeded   ResultCode = "succeeded"
	ResultFailed      ResultCode = "failed"
	ResultWaitingUser ResultCode = "waiting_user"
)

// SliceRequest asks the slice executor to enqueue (or nudge) a
// cooperative task. With Resume set it requeues an existing parked task
// instead of creating one.
type SliceRequest struct {
	TaskID          string         `json:"task_id,omitempty"`
	OwnerID         string         `json:"owner_id,omitempty"`
	ConversationKey string         `json:"conversation_key,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	Goal            string         `json:"goal,omitempty"`
	Priority        int            `json:"priority,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Resume          bool           `json:"resume,omitempty"`
}

// ActionResult is the declarative outcome of an action handler. Handlers
// never touch the bus or the store; the FSM transaction applies these
// effects atomically with the state change, then publishes the signals
// and outbound messages after commit.
type ActionResult struct {
	NextSignals      []Signal          `json:"next_signals,omitempty"`
	OutboundMessages []OutboundMessage `json:"outbound_messages,omitempty"`
	Plans            []PlanSpec        `json:"plans,omitempty"`
	TimedSignals     []TimedSignalSpec `json:"timed_signals,omitempty"`
	SliceRequests    []SliceRequest    `json:"slice_requests,omitempty"`
	ResultCode       ResultCode        `json:"result_code"`
	ErrorSummary     string            `json:"error_summary,omitempty"`
}

// Succeeded is the empty successful result.
func Succeeded() ActionResult {
	return ActionResult{ResultCode: ResultSucceeded}
}

// Failed builds a failed result with a summary.
func Failed(summary string) ActionResult {
	return ActionResult{ResultCode: ResultFailed, ErrorSummary: summary}
}
