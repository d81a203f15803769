package models

import (
	"encoding/json"
	"time"
)

// PlanStatus tracks a plan instance through its lifecycle.
type PlanStatus string

const (
	PlanQueued       PlanStatus = "queued"
	PlanRunning      PlanStatus = "running"
	PlanDone         PlanStatus = "done"
	PlanFailed       PlanStatus = "failed"
	PlanAwaitingUser PlanStatus = "awaiting_user"
	PlanCancelled    PlanStatus = "cancelled"
)

// PlanKind is a registered plan type. Versions are immutable once
// registered; LatestVersion tracks the highest non-deprecated one.
type PlanKind struct {
	Name          string    `json:"name"`
	Title         string    `json:"title,omitempty"`
	Description   string    `json:"description,omitempty"`
	LatestVersion int       `json:"latest_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// PlanKindVersion pins a payload schema and executor to one version of a
// kind. The schema is a JSON Schema document compiled at registration.
// Deprecated versions are readable but refused for new instances.
type PlanKindVersion struct {
	Kind         string          `json:"kind"`
	Version      int             `json:"version"`
	Schema       json.RawMessage `json:"schema"`
	Example      json.RawMessage `json:"example,omitempty"`
	ExecutorKey  string          `json:"executor_key"`
	IsDeprecated bool            `json:"is_deprecated,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PlanInstance is one typed plan. The payload must validate against the
// (kind, version) schema before an executor run is accepted.
type PlanInstance struct {
	ID               string         `json:"plan_id"`
	Kind             string         `json:"plan_kind"`
	Version          int            `json:"plan_version"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	Status           PlanStatus     `json:"status"`
	Payload          map[string]any `json:"payload,omitempty"`
	Actor            string         `json:"actor,omitempty"`
	SourceChannel    string         `json:"source_channel,omitempty"`
	IntentConfidence float64        `json:"intent_confidence,omitempty"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// PlanRun is one execution attempt of a plan instance.
type PlanRun struct {
	ID            string         `json:"run_id"`
	PlanID        string         `json:"plan_id"`
	Status        PlanStatus     `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	StateJSON     map[string]any `json:"state_json,omitempty"`
	ScheduledJSON map[string]any `json:"scheduled_json,omitempty"`
	Resolution    string         `json:"resolution,omitempty"`
}

// PlanSpec is the shape an action hands back when it wants a plan
// created. Version 0 means "latest registered version".
type PlanSpec struct {
	Kind             string         `json:"kind"`
	Version          int            `json:"version,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Actor            string         `json:"actor,omitempty"`
	SourceChannel    string         `json:"source_channel,omitempty"`
	IntentConfidence float64        `json:"intent_confidence,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
}
