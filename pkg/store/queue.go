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

// SignalQueueStore is the durable signal queue: at-least-once ingestion,
// idempotent on signal id.
type SignalQueueStore struct {
	q DBTX
}

// NewSignalQueueStore creates a queue store bound to the client.
func NewSignalQueueStore(client *database.Client) *SignalQueueStore {
	return &SignalQueueStore{q: client.DB()}
}

// WithTx returns a copy bound to the transaction.
func (s *SignalQueueStore) WithTx(tx *sql.Tx) *SignalQueueStore {
	return &SignalQueueStore{q: tx}
}

// Enqueue persists a durable signal. Re-enqueueing an id that already
// exists is a no-op; the returned bool reports whether a row was added.
func (s *SignalQueueStore) Enqueue(ctx context.Context, sig models.Signal) (bool, error) {
	payload, err := encodeJSON(sig.Payload)
	if err != nil {
		return false, err
	}
	now := toMillis(time.Now())
	res, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO signal_queue (id, type, source, payload, correlation_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		sig.ID, sig.Type, sig.Source, payload, sig.CorrelationID, toMillis(sig.CreatedAt), now)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue signal %s: %w", sig.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim flips one row from queued to processing. ErrNotClaimable means
// the row is gone, already claimed, or already complete; the caller
// drops the duplicate.
func (s *SignalQueueStore) Claim(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE signal_queue
		SET status = 'processing', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'queued'`,
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to claim signal %s: %w", id, err)
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

// Complete marks a claimed signal done or failed.
func (s *SignalQueueStore) Complete(ctx context.Context, id string, ok bool, errMsg string) error {
	status := models.SignalDone
	if !ok {
		status = models.SignalFailed
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE signal_queue SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to complete signal %s: %w", id, err)
	}
	return nil
}

// Get returns one queue row.
func (s *SignalQueueStore) Get(ctx context.Context, id string) (models.QueuedSignal, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, type, source, payload, correlation_id, status, attempts, error, created_at, updated_at
		FROM signal_queue WHERE id = ?`, id)
	return scanQueued(row)
}

// StaleQueued returns rows still queued and untouched for longer than
// the threshold: signals the in-memory hop lost (full bus, crash before
// consume). The poller re-feeds them.
func (s *SignalQueueStore) StaleQueued(ctx context.Context, olderThan time.Duration, limit int) ([]models.QueuedSignal, error) {
	cutoff := toMillis(time.Now().Add(-olderThan))
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, type, source, payload, correlation_id, status, attempts, error, created_at, updated_at
		FROM signal_queue
		WHERE status = 'queued' AND updated_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale signals: %w", err)
	}
	defer rows.Close()

	var out []models.QueuedSignal
	for rows.Next() {
		qs, err := scanQueuedRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qs)
	}
	return out, rows.Err()
}

// RequeueStaleProcessing flips processing rows older than the threshold
// back to queued; a crash mid-step leaves such orphans behind.
func (s *SignalQueueStore) RequeueStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := toMillis(time.Now().Add(-olderThan))
	res, err := s.q.ExecContext(ctx, `
		UPDATE signal_queue SET status = 'queued', updated_at = ?
		WHERE status = 'processing' AND updated_at <= ?`,
		toMillis(time.Now()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale processing signals: %w", err)
	}
	return res.RowsAffected()
}

// PurgeDone deletes completed rows past their retention.
func (s *SignalQueueStore) PurgeDone(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := toMillis(time.Now().Add(-olderThan))
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM signal_queue WHERE status = 'done' AND updated_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge done signals: %w", err)
	}
	return res.RowsAffected()
}

// Depth returns the number of rows per status for health reporting.
func (s *SignalQueueStore) Depth(ctx context.Context) (map[models.SignalStatus]int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM signal_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue depth: %w", err)
	}
	defer rows.Close()

	depth := map[models.SignalStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		depth[models.SignalStatus(status)] = n
	}
	return depth, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedFrom(sc rowScanner) (models.QueuedSignal, error) {
	var qs models.QueuedSignal
	var payload, status string
	var createdAt, updatedAt int64
	err := sc.Scan(&qs.ID, &qs.Type, &qs.Source, &payload, &qs.CorrelationID,
		&status, &qs.Attempts, &qs.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return qs, ErrNotFound
	}
	if err != nil {
		return qs, fmt.Errorf("failed to scan queued signal: %w", err)
	}
	if qs.Payload, err = decodeJSON(payload); err != nil {
		return qs, err
	}
	qs.Status = models.SignalStatus(status)
	qs.Durable = true
	qs.CreatedAt = fromMillis(createdAt)
	qs.UpdatedAt = fromMillis(updatedAt)
	return qs, nil
}

func scanQueued(row *sql.Row) (models.QueuedSignal, error) {
	return scanQueuedFrom(row)
}

func scanQueuedRows(rows *sql.Rows) (models.QueuedSignal, error) {
	return scanQueuedFrom(rows)
}
