package models

import "time"

// TaskStatus tracks a cooperative slice task through its lifecycle.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskRunning     TaskStatus = "running"
	TaskWaitingUser TaskStatus = "waiting_user"
	TaskDone        TaskStatus = "done"
	TaskFailed      TaskStatus = "failed"
	TaskPaused      TaskStatus = "paused"
)

// Terminal reports whether the task will never run again.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// Task is a long-running cooperative plan worked in bounded slices. A
// worker leases the task, runs at most SliceCycles PDCA cycles within
// the wall and token budgets, checkpoints, and yields; the task keeps
// its place across restarts.
type Task struct {
	ID                   string     `json:"task_id"`
	OwnerID              string     `json:"owner_id,omitempty"`
	ConversationKey      string     `json:"conversation_key,omitempty"`
	SessionID            string     `json:"session_id,omitempty"`
	Goal                 string     `json:"goal,omitempty"`
	Status               TaskStatus `json:"status"`
	Priority             int        `json:"priority"`
	NextRunAt            *time.Time `json:"next_run_at,omitempty"`
	LeaseUntil           *time.Time `json:"lease_until,omitempty"`
	WorkerID             string     `json:"worker_id,omitempty"`
	SliceCycles          int        `json:"slice_cycles"`
	MaxCycles            int        `json:"max_cycles"`
	MaxRuntimeSeconds    int        `json:"max_runtime_seconds"`
	TokenBudgetRemaining int        `json:"token_budget_remaining"`
	FailureStreak        int        `json:"failure_streak"`
	LastError            string     `json:"last_error,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Checkpoint is a task's durable working state. Writes are
// compare-and-swap on Version; Version is strictly monotonic per task.
type Checkpoint struct {
	TaskID        string         `json:"task_id"`
	StateJSON     map[string]any `json:"state_json,omitempty"`
	TaskStateJSON map[string]any `json:"task_state_json,omitempty"`
	Version       int64          `json:"version"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TaskEvent is one append-only history entry for a task.
type TaskEvent struct {
	ID     int64     `json:"id"`
	TaskID string    `json:"task_id"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
