package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/models"
)

// PlanStore is the repository for plan kinds, their versioned schemas,
// plan instances, and run history.
type PlanStore struct {
	q DBTX
}

// NewPlanStore creates a plan store bound to the client.
func NewPlanStore(client *database.Client) *PlanStore {
	return &PlanStore{q: client.DB()}
}

// WithTx returns a copy bound to the transaction.
func (s *PlanStore) WithTx(tx *sql.Tx) *PlanStore {
	return &PlanStore{q: tx}
}

// EnsureKind registers a plan kind if absent.
func (s *PlanStore) EnsureKind(ctx context.Context, name, title, description string) error {
	if name == "" {
		return NewValidationError("name", "required")
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO plan_kinds (name, title, description, created_at)
		VALUES (?, ?, ?, ?)`,
		name, title, description, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to ensure plan kind %s: %w", name, err)
	}
	return nil
}

// RegisterVersion pins a schema and executor to (kind, version) and
// bumps the kind's latest version when it advances. Versions are
// immutable: re-registering an existing pair returns ErrAlreadyExists.
func (s *PlanStore) RegisterVersion(ctx context.Context, v models.PlanKindVersion) error {
	if v.Kind == "" {
		return NewValidationError("kind", "required")
	}
	if v.Version <= 0 {
		return NewValidationError("version", "must be positive")
	}
	if len(v.Schema) == 0 {
		return NewValidationError("schema", "required")
	}
	if v.ExecutorKey == "" {
		return NewValidationError("executor_key", "required")
	}
	now := toMillis(time.Now())
	res, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO plan_kind_versions (kind, version, schema, example, executor_key, is_deprecated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.Kind, v.Version, string(v.Schema), string(v.Example), v.ExecutorKey, boolToInt(v.IsDeprecated), now)
	if err != nil {
		return fmt.Errorf("failed to register plan version %s/%d: %w", v.Kind, v.Version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	if !v.IsDeprecated {
		_, err = s.q.ExecContext(ctx, `
			UPDATE plan_kinds SET latest_version = ? WHERE name = ? AND latest_version < ?`,
			v.Version, v.Kind, v.Version)
		if err != nil {
			return fmt.Errorf("failed to bump latest version for %s: %w", v.Kind, err)
		}
	}
	return nil
}

// DeprecateVersion marks a (kind, version) pair refused for new
// instances. Existing instances still resolve it.
func (s *PlanStore) DeprecateVersion(ctx context.Context, kind string, version int) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE plan_kind_versions SET is_deprecated = 1 WHERE kind = ? AND version = ?`,
		kind, version)
	if err != nil {
		return fmt.Errorf("failed to deprecate %s/%d: %w", kind, version, err)
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

// GetKind returns one plan kind.
func (s *PlanStore) GetKind(ctx context.Context, name string) (models.PlanKind, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT name, title, description, latest_version, created_at FROM plan_kinds WHERE name = ?`, name)
	var k models.PlanKind
	var createdAt int64
	err := row.Scan(&k.Name, &k.Title, &k.Description, &k.LatestVersion, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return k, ErrNotFound
	}
	if err != nil {
		return k, fmt.Errorf("failed to get plan kind %s: %w", name, err)
	}
	k.CreatedAt = fromMillis(createdAt)
	return k, nil
}

// ListKinds returns all registered kinds.
func (s *PlanStore) ListKinds(ctx context.Context) ([]models.PlanKind, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT name, title, description, latest_version, created_at FROM plan_kinds ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan kinds: %w", err)
	}
	defer rows.Close()

	var out []models.PlanKind
	for rows.Next() {
		var k models.PlanKind
		var createdAt int64
		if err := rows.Scan(&k.Name, &k.Title, &k.Description, &k.LatestVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan kind: %w", err)
		}
		k.CreatedAt = fromMillis(createdAt)
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetVersion returns the schema record for (kind, version). Version 0
// resolves the kind's latest registered version.
func (s *PlanStore) GetVersion(ctx context.Context, kind string, version int) (models.PlanKindVersion, error) {
	var v models.PlanKindVersion
	if version == 0 {
		k, err := s.GetKind(ctx, kind)
		if err != nil {
			return v, err
		}
		version = k.LatestVersion
	}
	row := s.q.QueryRowContext(ctx, `
		SELECT kind, version, schema, example, executor_key, is_deprecated, created_at
		FROM plan_kind_versions WHERE kind = ? AND version = ?`, kind, version)
	var schema, example string
	var deprecated int
	var createdAt int64
	err := row.Scan(&v.Kind, &v.Version, &schema, &example, &v.ExecutorKey, &deprecated, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, fmt.Errorf("failed to get plan version %s/%d: %w", kind, version, err)
	}
	v.Schema = json.RawMessage(schema)
	if example != "" {
		v.Example = json.RawMessage(example)
	}
	v.IsDeprecated = deprecated != 0
	v.CreatedAt = fromMillis(createdAt)
	return v, nil
}

// ListVersions returns all versions of a kind, oldest first.
func (s *PlanStore) ListVersions(ctx context.Context, kind string) ([]models.PlanKindVersion, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT kind, version, schema, example, executor_key, is_deprecated, created_at
		FROM plan_kind_versions WHERE kind = ? ORDER BY version ASC`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for %s: %w", kind, err)
	}
	defer rows.Close()

	var out []models.PlanKindVersion
	for rows.Next() {
		var v models.PlanKindVersion
		var schema, example string
		var deprecated int
		var createdAt int64
		if err := rows.Scan(&v.Kind, &v.Version, &schema, &example, &v.ExecutorKey, &deprecated, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan version: %w", err)
		}
		v.Schema = json.RawMessage(schema)
		if example != "" {
			v.Example = json.RawMessage(example)
		}
		v.IsDeprecated = deprecated != 0
		v.CreatedAt = fromMillis(createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// CreateInstance inserts a queued plan instance.
func (s *PlanStore) CreateInstance(ctx context.Context, p models.PlanInstance) error {
	if p.ID == "" {
		return NewValidationError("plan_id", "required")
	}
	if p.Status == "" {
		p.Status = models.PlanQueued
	}
	payload, err := encodeJSON(p.Payload)
	if err != nil {
		return err
	}
	now := toMillis(time.Now())
	res, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO plan_instances (plan_id, plan_kind, plan_version, correlation_id, status, payload,
			actor, source_channel, intent_confidence, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Kind, p.Version, p.CorrelationID, string(p.Status), payload,
		p.Actor, p.SourceChannel, p.IntentConfidence, p.Error, now, now)
	if err != nil {
		return fmt.Errorf("failed to create plan instance %s: %w", p.ID, err)
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

// GetInstance returns one plan instance.
func (s *PlanStore) GetInstance(ctx context.Context, id string) (models.PlanInstance, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+planInstanceColumns+` FROM plan_instances WHERE plan_id = ?`, id)
	return scanPlanInstance(row)
}

// ListInstances returns instances filtered by status (empty = all),
// newest first.
func (s *PlanStore) ListInstances(ctx context.Context, status models.PlanStatus, limit int) ([]models.PlanInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + planInstanceColumns + ` FROM plan_instances`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan instances: %w", err)
	}
	defer rows.Close()

	var out []models.PlanInstance
	for rows.Next() {
		p, err := scanPlanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimQueued flips a queued instance to running. Only one executor
// wins; losers get ErrNotClaimable.
func (s *PlanStore) ClaimQueued(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE plan_instances SET status = 'running', updated_at = ? WHERE plan_id = ? AND status = 'queued'`,
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to claim plan %s: %w", id, err)
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

// SetInstanceStatus records the outcome of an instance.
func (s *PlanStore) SetInstanceStatus(ctx context.Context, id string, status models.PlanStatus, errMsg string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE plan_instances SET status = ?, error = ?, updated_at = ? WHERE plan_id = ?`,
		string(status), errMsg, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set plan %s status: %w", id, err)
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

// CancelInstance withdraws a plan that has not finished.
func (s *PlanStore) CancelInstance(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE plan_instances SET status = 'cancelled', updated_at = ?
		WHERE plan_id = ? AND status IN ('queued', 'running', 'awaiting_user')`,
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to cancel plan %s: %w", id, err)
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

// RequeueStaleRunning returns running instances older than the cutoff to
// queued so a restarted executor picks them up.
func (s *PlanStore) RequeueStaleRunning(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := toMillis(time.Now().Add(-olderThan))
	res, err := s.q.ExecContext(ctx, `
		UPDATE plan_instances SET status = 'queued', updated_at = ?
		WHERE status = 'running' AND updated_at <= ?`,
		toMillis(time.Now()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale plans: %w", err)
	}
	return res.RowsAffected()
}

// StartRun records the beginning of one execution attempt.
func (s *PlanStore) StartRun(ctx context.Context, runID, planID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO plan_runs (run_id, plan_id, status, started_at) VALUES (?, ?, 'running', ?)`,
		runID, planID, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun closes an execution attempt with its outcome.
func (s *PlanStore) FinishRun(ctx context.Context, runID string, status models.PlanStatus, state, scheduled map[string]any, resolution string) error {
	stateJSON, err := encodeJSON(state)
	if err != nil {
		return err
	}
	scheduledJSON, err := encodeJSON(scheduled)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE plan_runs SET status = ?, ended_at = ?, state_json = ?, scheduled_json = ?, resolution = ?
		WHERE run_id = ?`,
		string(status), toMillis(time.Now()), stateJSON, scheduledJSON, resolution, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
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

// Runs returns the execution history of a plan, oldest first.
func (s *PlanStore) Runs(ctx context.Context, planID string) ([]models.PlanRun, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT run_id, plan_id, status, started_at, ended_at, state_json, scheduled_json, resolution
		FROM plan_runs WHERE plan_id = ? ORDER BY started_at ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for %s: %w", planID, err)
	}
	defer rows.Close()

	var out []models.PlanRun
	for rows.Next() {
		var r models.PlanRun
		var status, stateJSON, scheduledJSON string
		var startedAt int64
		var endedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.PlanID, &status, &startedAt, &endedAt, &stateJSON, &scheduledJSON, &r.Resolution); err != nil {
			return nil, fmt.Errorf("failed to scan plan run: %w", err)
		}
		r.Status = models.PlanStatus(status)
		r.StartedAt = fromMillis(startedAt)
		r.EndedAt = millisPtr(endedAt)
		if r.StateJSON, err = decodeJSON(stateJSON); err != nil {
			return nil, err
		}
		if r.ScheduledJSON, err = decodeJSON(scheduledJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const planInstanceColumns = `plan_id, plan_kind, plan_version, correlation_id, status, payload, actor, source_channel, intent_confidence, error, created_at, updated_at`

func scanPlanInstance(sc rowScanner) (models.PlanInstance, error) {
	var p models.PlanInstance
	var status, payload string
	var createdAt, updatedAt int64
	err := sc.Scan(&p.ID, &p.Kind, &p.Version, &p.CorrelationID, &status, &payload,
		&p.Actor, &p.SourceChannel, &p.IntentConfidence, &p.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("failed to scan plan instance: %w", err)
	}
	p.Status = models.PlanStatus(status)
	if p.Payload, err = decodeJSON(payload); err != nil {
		return p, err
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
