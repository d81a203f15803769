package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/models"
)

// TaskStore is the repository for cooperative slice tasks, their
// versioned checkpoints, and their append-only history.
type TaskStore struct {
	q DBTX
}

// NewTaskStore creates a task store bound to the client.
func NewTaskStore(client *database.Client) *TaskStore {
	return &TaskStore{q: client.DB()}
}

// WithTx returns a copy bound to the transaction.
func (s *TaskStore) WithTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{q: tx}
}

// Enqueue inserts a new queued task. The caller fills the budget knobs;
// zero values fall back to the column defaults.
func (s *TaskStore) Enqueue(ctx context.Context, t models.Task) error {
	if t.ID == "" {
		return NewValidationError("task_id", "required")
	}
	if t.Status == "" {
		t.Status = models.TaskQueued
	}
	if t.SliceCycles <= 0 {
		t.SliceCycles = 5
	}
	if t.MaxCycles <= 0 {
		t.MaxCycles = 50
	}
	if t.MaxRuntimeSeconds <= 0 {
		t.MaxRuntimeSeconds = 300
	}
	if t.TokenBudgetRemaining <= 0 {
		t.TokenBudgetRemaining = 100000
	}
	now := toMillis(time.Now())
	res, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO pdca_tasks (task_id, owner_id, conversation_key, session_id, goal, status, priority,
			next_run_at, slice_cycles, max_cycles, max_runtime_seconds, token_budget_remaining, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.ConversationKey, t.SessionID, t.Goal, string(t.Status), t.Priority,
		nullMillis(t.NextRunAt), t.SliceCycles, t.MaxCycles, t.MaxRuntimeSeconds, t.TokenBudgetRemaining, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get returns one task.
func (s *TaskStore) Get(ctx context.Context, id string) (models.Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM pdca_tasks WHERE task_id = ?`, id)
	return scanTask(row)
}

// List returns tasks filtered by status (empty = all), most recently
// touched first.
func (s *TaskStore) List(ctx context.Context, status models.TaskStatus, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM pdca_tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// PickNext returns the runnable queued task a worker should take:
// highest priority first, then earliest next_run_at, then least
// recently touched. A NULL next_run_at means runnable immediately.
func (s *TaskStore) PickNext(ctx context.Context, now time.Time) (models.Task, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM pdca_tasks
		WHERE status = 'queued' AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY priority DESC, next_run_at ASC, updated_at ASC
		LIMIT 1`, toMillis(now))
	return scanTask(row)
}

// Lease flips a queued task to running for this worker. The conditional
// update makes the lease exclusive; losers get ErrNotClaimable.
func (s *TaskStore) Lease(ctx context.Context, id, workerID string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.q.ExecContext(ctx, `
		UPDATE pdca_tasks
		SET status = 'running', worker_id = ?, lease_until = ?, updated_at = ?
		WHERE task_id = ? AND status = 'queued'`,
		workerID, toMillis(now.Add(ttl)), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("failed to lease task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimable
	}
	return nil
}

// Heartbeat extends a running lease mid-slice.
func (s *TaskStore) Heartbeat(ctx context.Context, id, workerID string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.q.ExecContext(ctx, `
		UPDATE pdca_tasks SET lease_until = ?, updated_at = ?
		WHERE task_id = ? AND worker_id = ? AND status = 'running'`,
		toMillis(now.Add(ttl)), toMillis(now), id, workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimable
	}
	return nil
}

// SliceOutcome is what a worker writes back when it yields a slice.
type SliceOutcome struct {
	Status               models.TaskStatus
	NextRunAt            *time.Time
	TokenBudgetRemaining int
	FailureStreak        int
	LastError            string
}

// Yield releases the lease and records the slice outcome. Only the
// leasing worker may yield.
func (s *TaskStore) Yield(ctx context.Context, id, workerID string, out SliceOutcome) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE pdca_tasks
		SET status = ?, next_run_at = ?, lease_until = NULL, worker_id = '',
			token_budget_remaining = ?, failure_streak = ?, last_error = ?, updated_at = ?
		WHERE task_id = ? AND worker_id = ? AND status = 'running'`,
		string(out.Status), nullMillis(out.NextRunAt),
		out.TokenBudgetRemaining, out.FailureStreak, out.LastError, toMillis(time.Now()),
		id, workerID)
	if err != nil {
		return fmt.Errorf("failed to yield task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimable
	}
	return nil
}

// Resume flips a waiting_user or paused task back to queued so a worker
// picks it up again.
func (s *TaskStore) Resume(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE pdca_tasks SET status = 'queued', next_run_at = NULL, updated_at = ?
		WHERE task_id = ? AND status IN ('waiting_user', 'paused')`,
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to resume task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimable
	}
	return nil
}

// SetStatus forces a task into the given status, clearing any lease.
func (s *TaskStore) SetStatus(ctx context.Context, id string, status models.TaskStatus, lastError string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE pdca_tasks SET status = ?, lease_until = NULL, worker_id = '', last_error = ?, updated_at = ?
		WHERE task_id = ?`,
		string(status), lastError, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set task %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearExpiredLeases returns crashed-worker tasks to the queue. The
// checkpoint keeps their place, so re-running the slice is safe.
func (s *TaskStore) ClearExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE pdca_tasks
		SET status = 'queued', lease_until = NULL, worker_id = '', updated_at = ?
		WHERE status = 'running' AND lease_until IS NOT NULL AND lease_until <= ?`,
		toMillis(now), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired leases: %w", err)
	}
	return res.RowsAffected()
}

// GetCheckpoint returns a task's durable working state. A task with no
// checkpoint yet gets version 0 and empty state.
func (s *TaskStore) GetCheckpoint(ctx context.Context, taskID string) (models.Checkpoint, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT task_id, state_json, task_state_json, version, updated_at
		FROM pdca_checkpoints WHERE task_id = ?`, taskID)
	var cp models.Checkpoint
	var stateJSON, taskStateJSON string
	var updatedAt int64
	err := row.Scan(&cp.TaskID, &stateJSON, &taskStateJSON, &cp.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Checkpoint{TaskID: taskID}, nil
	}
	if err != nil {
		return cp, fmt.Errorf("failed to get checkpoint for %s: %w", taskID, err)
	}
	if cp.StateJSON, err = decodeJSON(stateJSON); err != nil {
		return cp, err
	}
	if cp.TaskStateJSON, err = decodeJSON(taskStateJSON); err != nil {
		return cp, err
	}
	cp.UpdatedAt = fromMillis(updatedAt)
	return cp, nil
}

// SaveCheckpoint writes working state with compare-and-swap on Version.
// The caller passes the version it read; a mismatch means another worker
// advanced the task and the write is rejected with
// ErrConcurrentModification.
func (s *TaskStore) SaveCheckpoint(ctx context.Context, cp models.Checkpoint, expectedVersion int64) error {
	stateJSON, err := encodeJSON(cp.StateJSON)
	if err != nil {
		return err
	}
	taskStateJSON, err := encodeJSON(cp.TaskStateJSON)
	if err != nil {
		return err
	}
	now := toMillis(time.Now())

	if expectedVersion == 0 {
		res, err := s.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO pdca_checkpoints (task_id, state_json, task_state_json, version, updated_at)
			VALUES (?, ?, ?, 1, ?)`,
			cp.TaskID, stateJSON, taskStateJSON, now)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint for %s: %w", cp.TaskID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConcurrentModification
		}
		return nil
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE pdca_checkpoints
		SET state_json = ?, task_state_json = ?, version = version + 1, updated_at = ?
		WHERE task_id = ? AND version = ?`,
		stateJSON, taskStateJSON, now, cp.TaskID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// AppendEvent records one history entry for a task.
func (s *TaskStore) AppendEvent(ctx context.Context, taskID, event, detail string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pdca_events (task_id, event, detail, at) VALUES (?, ?, ?, ?)`,
		taskID, event, detail, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append event for %s: %w", taskID, err)
	}
	return nil
}

// Events returns a task's history, oldest first.
func (s *TaskStore) Events(ctx context.Context, taskID string, limit int) ([]models.TaskEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, task_id, event, detail, at FROM pdca_events
		WHERE task_id = ? ORDER BY id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []models.TaskEvent
	for rows.Next() {
		var ev models.TaskEvent
		var at int64
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Event, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		ev.At = fromMillis(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

const taskColumns = `task_id, owner_id, conversation_key, session_id, goal, status, priority, next_run_at, lease_until, worker_id, slice_cycles, max_cycles, max_runtime_seconds, token_budget_remaining, failure_streak, last_error, created_at, updated_at`

func scanTask(sc rowScanner) (models.Task, error) {
	var t models.Task
	var status string
	var nextRunAt, leaseUntil sql.NullInt64
	var createdAt, updatedAt int64
	err := sc.Scan(&t.ID, &t.OwnerID, &t.ConversationKey, &t.SessionID, &t.Goal,
		&status, &t.Priority, &nextRunAt, &leaseUntil, &t.WorkerID,
		&t.SliceCycles, &t.MaxCycles, &t.MaxRuntimeSeconds, &t.TokenBudgetRemaining,
		&t.FailureStreak, &t.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Status = models.TaskStatus(status)
	t.NextRunAt = millisPtr(nextRunAt)
	t.LeaseUntil = millisPtr(leaseUntil)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
