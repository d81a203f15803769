package api

import (
	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/observe"
)

// MessageResponse is returned by POST /message when a correlated
// outbound arrived inside the wait window.
type MessageResponse struct {
	Reply         string         `json:"reply"`
	CorrelationID string         `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// AcceptedResponse is returned when a signal was durably enqueued but no
// synchronous reply arrived. The caller can follow up over /events.
type AcceptedResponse struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

// HealthResponse aggregates component health for GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one component's health snapshot.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StateResponse is the machine snapshot for GET /api/v1/state.
type StateResponse struct {
	State       string             `json:"state"`
	QueueDepth  map[string]int     `json:"queue_depth"`
	RecentSteps []models.StepTrace `json:"recent_steps"`
}

// CatalogReloadResponse reports a catalog re-validation.
type CatalogReloadResponse struct {
	Valid       bool   `json:"valid"`
	Error       string `json:"error,omitempty"`
	States      int    `json:"states"`
	Signals     int    `json:"signals"`
	Transitions int    `json:"transitions"`
	Senses      int    `json:"senses"`
}

// TimedSignalCreatedResponse is returned by POST /api/v1/timed-signals.
type TimedSignalCreatedResponse struct {
	ID int64 `json:"id"`
}

// TaskCreatedResponse is returned by POST /api/v1/tasks.
type TaskCreatedResponse struct {
	TaskID string `json:"task_id"`
}

// TaskDetailResponse is the task plus its checkpoint and recent events.
type TaskDetailResponse struct {
	Task       models.Task        `json:"task"`
	Checkpoint *models.Checkpoint `json:"checkpoint,omitempty"`
	Events     []models.TaskEvent `json:"events,omitempty"`
}

// PlanDetailResponse is the plan instance plus its run history.
type PlanDetailResponse struct {
	Plan models.PlanInstance `json:"plan"`
	Runs []models.PlanRun    `json:"runs"`
}

// TraceStatsResponse summarises the trace store for GET /api/v1/traces/stats.
type TraceStatsResponse struct {
	TotalEvents int64                  `json:"total_events"`
	Health      *database.HealthStatus `json:"health,omitempty"`
	Dropped     int64                  `json:"dropped,omitempty"`
}

// TraceListResponse wraps a trace query result.
type TraceListResponse struct {
	Events []observe.TraceEvent `json:"events"`
}

// RollupResponse wraps daily rollup rows.
type RollupResponse struct {
	Rollups []observe.Rollup `json:"rollups"`
}
