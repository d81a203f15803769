package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/models"
)

// StepTraceStore is the repository for the FSM audit trail.
type StepTraceStore struct {
	q DBTX
}

// NewStepTraceStore creates a trace store bound to the client.
func NewStepTraceStore(client *database.Client) *StepTraceStore {
	return &StepTraceStore{q: client.DB()}
}

// WithTx returns a copy bound to the transaction.
func (s *StepTraceStore) WithTx(tx *sql.Tx) *StepTraceStore {
	return &StepTraceStore{q: tx}
}

// Append records one step. Called inside the step transaction so the
// trace row commits with the state change it describes.
func (s *StepTraceStore) Append(ctx context.Context, tr models.StepTrace) (int64, error) {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	var transitionID any
	if tr.TransitionID != nil {
		transitionID = *tr.TransitionID
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO fsm_trace (correlation_id, state_before, signal_type, transition_id, action_key, state_after, result, error_summary, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.CorrelationID, tr.StateBefore, tr.SignalType, transitionID,
		tr.ActionKey, tr.StateAfter, string(tr.Result), tr.ErrorSummary, toMillis(at))
	if err != nil {
		return 0, fmt.Errorf("failed to append step trace: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns the newest steps first.
func (s *StepTraceStore) Recent(ctx context.Context, limit int) ([]models.StepTrace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+stepTraceColumns+` FROM fsm_trace ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent steps: %w", err)
	}
	defer rows.Close()
	return collectStepTraces(rows)
}

// ByCorrelation returns every step of one flow, oldest first.
func (s *StepTraceStore) ByCorrelation(ctx context.Context, correlationID string) ([]models.StepTrace, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+stepTraceColumns+` FROM fsm_trace WHERE correlation_id = ? ORDER BY id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps for %s: %w", correlationID, err)
	}
	defer rows.Close()
	return collectStepTraces(rows)
}

// Purge deletes trace rows older than the cutoff and returns the count.
func (s *StepTraceStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM fsm_trace WHERE at <= ?`,
		toMillis(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("failed to purge step traces: %w", err)
	}
	return res.RowsAffected()
}

const stepTraceColumns = `id, correlation_id, state_before, signal_type, transition_id, action_key, state_after, result, error_summary, at`

func collectStepTraces(rows *sql.Rows) ([]models.StepTrace, error) {
	var out []models.StepTrace
	for rows.Next() {
		var tr models.StepTrace
		var result string
		var transitionID sql.NullInt64
		var at int64
		if err := rows.Scan(&tr.ID, &tr.CorrelationID, &tr.StateBefore, &tr.SignalType,
			&transitionID, &tr.ActionKey, &tr.StateAfter, &result, &tr.ErrorSummary, &at); err != nil {
			return nil, fmt.Errorf("failed to scan step trace: %w", err)
		}
		if transitionID.Valid {
			id := transitionID.Int64
			tr.TransitionID = &id
		}
		tr.Result = models.StepResult(result)
		tr.At = fromMillis(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}
