package observe

import "time"

// Level classifies a trace event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// TraceEvent is one structured observability record. Events describe
// what the organism did (signals consumed, slices run, tools called,
// messages delivered), not log lines.
type TraceEvent struct {
	ID            int64          `json:"id,omitempty"`
	TS            time.Time      `json:"ts"`
	Level         Level          `json:"level"`
	Event         string         `json:"event"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Channel       string         `json:"channel,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Node          string         `json:"node,omitempty"`
	Cycle         int            `json:"cycle,omitempty"`
	Status        string         `json:"status,omitempty"`
	Tool          string         `json:"tool,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	LatencyMS     int64          `json:"latency_ms,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Rollup is one day's count for an (event, level) pair.
type Rollup struct {
	Day   string `json:"day"`
	Event string `json:"event"`
	Level Level  `json:"level"`
	Count int64  `json:"count"`
}

// QueryFilter narrows a trace query. Zero fields match everything.
type QueryFilter struct {
	Since         time.Time
	Until         time.Time
	Level         Level
	Event         string
	CorrelationID string
	Limit         int
}
