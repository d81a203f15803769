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

// TimedStore is the repository for scheduled signal rows.
type TimedStore struct {
	q DBTX
}

// NewTimedStore creates a timed store bound to the client.
func NewTimedStore(client *database.Client) *TimedStore {
	return &TimedStore{q: client.DB()}
}

// WithTx returns a copy bound to the transaction.
func (s *TimedStore) WithTx(tx *sql.Tx) *TimedStore {
	return &TimedStore{q: tx}
}

// Create inserts a pending timed row from the spec.
func (s *TimedStore) Create(ctx context.Context, spec models.TimedSignalSpec) (int64, error) {
	if spec.SignalType == "" {
		return 0, NewValidationError("signal_type", "required")
	}
	if spec.TriggerAt.IsZero() {
		return 0, NewValidationError("trigger_at", "required")
	}
	payload, err := encodeJSON(spec.Payload)
	if err != nil {
		return 0, err
	}
	tz := spec.Timezone
	if tz == "" {
		tz = "UTC"
	}
	now := toMillis(time.Now())
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO timed_signals (trigger_at, rrule, timezone, status, signal_type, payload, target, origin, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(spec.TriggerAt), spec.RRule, tz, spec.SignalType, payload,
		spec.Target, spec.Origin, spec.CorrelationID, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create timed signal: %w", err)
	}
	return res.LastInsertId()
}

// Get returns one timed row.
func (s *TimedStore) Get(ctx context.Context, id int64) (models.TimedSignal, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+timedColumns+` FROM timed_signals WHERE id = ?`, id)
	return scanTimed(row)
}

// List returns rows filtered by status (empty = all), newest first.
func (s *TimedStore) List(ctx context.Context, status models.TimedSignalStatus, limit int) ([]models.TimedSignal, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + timedColumns + ` FROM timed_signals`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY trigger_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list timed signals: %w", err)
	}
	defer rows.Close()

	var out []models.TimedSignal
	for rows.Next() {
		ts, err := scanTimed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Due returns pending rows with trigger_at at or before now, soonest
// first.
func (s *TimedStore) Due(ctx context.Context, now time.Time, limit int) ([]models.TimedSignal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+timedColumns+` FROM timed_signals
		WHERE status = 'pending' AND trigger_at <= ?
		ORDER BY trigger_at ASC
		LIMIT ?`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due timed signals: %w", err)
	}
	defer rows.Close()

	var out []models.TimedSignal
	for rows.Next() {
		ts, err := scanTimed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Claim flips one due row from pending to processing for this worker.
// Only one scheduler wins; losers get ErrNotClaimable.
func (s *TimedStore) Claim(ctx context.Context, id int64, workerID string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE timed_signals
		SET status = 'processing', worker_id = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		workerID, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to claim timed signal %d: %w", id, err)
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

// MarkFired completes a claimed row.
func (s *TimedStore) MarkFired(ctx context.Context, id int64) error {
	now := toMillis(time.Now())
	_, err := s.q.ExecContext(ctx, `
		UPDATE timed_signals SET status = 'fired', fired_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark timed signal %d fired: %w", id, err)
	}
	return nil
}

// MarkFailed records a terminal failure (e.g. missed_dispatch_window).
func (s *TimedStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE timed_signals SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		reason, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark timed signal %d failed: %w", id, err)
	}
	return nil
}

// MarkSkipped records a recurring occurrence dropped by the catch-up
// window; NextTriggerAt points at the replacement occurrence.
func (s *TimedStore) MarkSkipped(ctx context.Context, id int64, next time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE timed_signals SET status = 'skipped', next_trigger_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(next), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark timed signal %d skipped: %w", id, err)
	}
	return nil
}

// Cancel withdraws a pending row.
func (s *TimedStore) Cancel(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE timed_signals SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'pending'`,
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to cancel timed signal %d: %w", id, err)
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

// ScheduleNext inserts the follow-up pending occurrence of a recurring
// row and records it on the parent.
func (s *TimedStore) ScheduleNext(ctx context.Context, parent models.TimedSignal, next time.Time) (int64, error) {
	payload, err := encodeJSON(parent.Payload)
	if err != nil {
		return 0, err
	}
	now := toMillis(time.Now())
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO timed_signals (trigger_at, rrule, timezone, status, signal_type, payload, target, origin, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(next), parent.RRule, parent.Timezone, parent.SignalType, payload,
		parent.Target, parent.Origin, parent.CorrelationID, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule next occurrence of %d: %w", parent.ID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE timed_signals SET next_trigger_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(next), now, parent.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to record next occurrence on %d: %w", parent.ID, err)
	}
	return id, nil
}

// ReclaimStale returns processing rows older than the lease to pending.
// A crash between claim and completion leaves such rows behind.
func (s *TimedStore) ReclaimStale(ctx context.Context, lease time.Duration) (int64, error) {
	cutoff := toMillis(time.Now().Add(-lease))
	res, err := s.q.ExecContext(ctx, `
		UPDATE timed_signals SET status = 'pending', worker_id = '', updated_at = ?
		WHERE status = 'processing' AND updated_at <= ?`,
		toMillis(time.Now()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale timed signals: %w", err)
	}
	return res.RowsAffected()
}

const timedColumns = `id, trigger_at, next_trigger_at, rrule, timezone, status, fired_at, attempts, last_error, signal_type, payload, target, origin, correlation_id, worker_id, created_at, updated_at`

func scanTimed(sc rowScanner) (models.TimedSignal, error) {
	var ts models.TimedSignal
	var triggerAt, createdAt, updatedAt int64
	var nextTriggerAt, firedAt sql.NullInt64
	var status, payload string
	err := sc.Scan(&ts.ID, &triggerAt, &nextTriggerAt, &ts.RRule, &ts.Timezone,
		&status, &firedAt, &ts.Attempts, &ts.LastError, &ts.SignalType,
		&payload, &ts.Target, &ts.Origin, &ts.CorrelationID, &ts.WorkerID,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ts, ErrNotFound
	}
	if err != nil {
		return ts, fmt.Errorf("failed to scan timed signal: %w", err)
	}
	ts.TriggerAt = fromMillis(triggerAt)
	ts.NextTriggerAt = millisPtr(nextTriggerAt)
	ts.FiredAt = millisPtr(firedAt)
	ts.Status = models.TimedSignalStatus(status)
	if ts.Payload, err = decodeJSON(payload); err != nil {
		return ts, err
	}
	ts.CreatedAt = fromMillis(createdAt)
	ts.UpdatedAt = fromMillis(updatedAt)
	return ts, nil
}
