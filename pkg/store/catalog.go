package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/models"
)

// CatalogStore reads and seeds the persistent FSM catalog: states,
// signals, transitions, and senses.
type CatalogStore struct {
	q DBTX
}

// NewCatalogStore creates a catalog store bound to the client.
func NewCatalogStore(client *database.Client) *CatalogStore {
	return &CatalogStore{q: client.DB()}
}

// WithTx returns a copy bound to the transaction.
func (s *CatalogStore) WithTx(tx *sql.Tx) *CatalogStore {
	return &CatalogStore{q: tx}
}

// EnsureState inserts the state if its key is not present. Operator
// edits to existing rows survive reseeding.
func (s *CatalogStore) EnsureState(ctx context.Context, st models.State) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO states (key, name, is_terminal, is_enabled) VALUES (?, ?, ?, ?)`,
		st.Key, st.Name, st.IsTerminal, st.IsEnabled)
	if err != nil {
		return fmt.Errorf("failed to ensure state %s: %w", st.Key, err)
	}
	return nil
}

// EnsureSignal inserts the signal type if its key is not present.
func (s *CatalogStore) EnsureSignal(ctx context.Context, sig models.SignalDef) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO signals (key, description) VALUES (?, ?)`,
		sig.Key, sig.Description)
	if err != nil {
		return fmt.Errorf("failed to ensure signal %s: %w", sig.Key, err)
	}
	return nil
}

// EnsureSense inserts the sense if its key is not present.
func (s *CatalogStore) EnsureSense(ctx context.Context, sense models.Sense) error {
	signals, err := encodeStrings(sense.Signals)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO senses (key, signals, is_enabled) VALUES (?, ?, ?)`,
		sense.Key, signals, sense.IsEnabled)
	if err != nil {
		return fmt.Errorf("failed to ensure sense %s: %w", sense.Key, err)
	}
	return nil
}

// EnsureTransition inserts the transition unless an identical edge
// already exists. StateKey may be empty only for wildcard transitions.
func (s *CatalogStore) EnsureTransition(ctx context.Context, t models.Transition) error {
	if t.StateKey == "" && !t.MatchAnyState {
		return NewValidationError("state_key", "required unless match_any_state is set")
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO transitions (state_id, signal_id, next_state_id, priority, is_enabled, guard_key, action_key, match_any_state)
		SELECT src.id, sig.id, dst.id, ?, ?, ?, ?, ?
		FROM signals sig
		JOIN states dst ON dst.key = ?
		LEFT JOIN states src ON src.key = ?
		WHERE sig.key = ?
		  AND NOT EXISTS (
			SELECT 1 FROM transitions x
			WHERE x.signal_id = sig.id
			  AND x.next_state_id = dst.id
			  AND x.state_id IS src.id
			  AND x.action_key = ?
			  AND x.guard_key = ?
			  AND x.match_any_state = ?
		  )`,
		t.Priority, t.IsEnabled, t.GuardKey, t.ActionKey, t.MatchAnyState,
		t.NextStateKey, t.StateKey, t.SignalKey,
		t.ActionKey, t.GuardKey, t.MatchAnyState)
	if err != nil {
		return fmt.Errorf("failed to ensure transition %s -[%s]-> %s: %w",
			t.StateKey, t.SignalKey, t.NextStateKey, err)
	}
	return nil
}

// AddTransition inserts a new transition row and returns its id.
func (s *CatalogStore) AddTransition(ctx context.Context, t models.Transition) (int64, error) {
	if t.StateKey == "" && !t.MatchAnyState {
		return 0, NewValidationError("state_key", "required unless match_any_state is set")
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO transitions (state_id, signal_id, next_state_id, priority, is_enabled, guard_key, action_key, match_any_state)
		SELECT src.id, sig.id, dst.id, ?, ?, ?, ?, ?
		FROM signals sig
		JOIN states dst ON dst.key = ?
		LEFT JOIN states src ON src.key = ?
		WHERE sig.key = ?`,
		t.Priority, t.IsEnabled, t.GuardKey, t.ActionKey, t.MatchAnyState,
		t.NextStateKey, t.StateKey, t.SignalKey)
	if err != nil {
		return 0, fmt.Errorf("failed to add transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: unknown signal or state key", ErrInvalidInput)
	}
	return res.LastInsertId()
}

// SetTransitionEnabled flips one transition without a redeploy.
func (s *CatalogStore) SetTransitionEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE transitions SET is_enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update transition %d: %w", id, err)
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

// GetState returns one state by key.
func (s *CatalogStore) GetState(ctx context.Context, key string) (models.State, error) {
	var st models.State
	err := s.q.QueryRowContext(ctx,
		`SELECT id, key, name, is_terminal, is_enabled FROM states WHERE key = ?`, key,
	).Scan(&st.ID, &st.Key, &st.Name, &st.IsTerminal, &st.IsEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return models.State{}, ErrNotFound
	}
	if err != nil {
		return models.State{}, fmt.Errorf("failed to load state %s: %w", key, err)
	}
	return st, nil
}

// CandidateTransitions returns the enabled transitions for (state,
// signal) in resolution order: lowest priority first, explicit source
// before wildcard on ties, then id. Transitions into disabled states
// are skipped as if absent.
func (s *CatalogStore) CandidateTransitions(ctx context.Context, stateKey, signalKey string) ([]models.Transition, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT t.id, COALESCE(src.key, ''), sig.key, dst.key, t.priority, t.is_enabled, t.guard_key, t.action_key, t.match_any_state
		FROM transitions t
		JOIN signals sig ON sig.id = t.signal_id
		JOIN states dst ON dst.id = t.next_state_id
		LEFT JOIN states src ON src.id = t.state_id
		WHERE sig.key = ?
		  AND t.is_enabled = 1
		  AND dst.is_enabled = 1
		  AND (t.match_any_state = 1 OR src.key = ?)
		ORDER BY t.priority ASC, t.match_any_state ASC, t.id ASC`,
		signalKey, stateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var t models.Transition
		if err := rows.Scan(&t.ID, &t.StateKey, &t.SignalKey, &t.NextStateKey,
			&t.Priority, &t.IsEnabled, &t.GuardKey, &t.ActionKey, &t.MatchAnyState); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Load reads the entire catalog for validation and the gateway surface.
func (s *CatalogStore) Load(ctx context.Context) (models.Catalog, error) {
	var cat models.Catalog

	rows, err := s.q.QueryContext(ctx,
		`SELECT id, key, name, is_terminal, is_enabled FROM states ORDER BY id`)
	if err != nil {
		return cat, fmt.Errorf("failed to load states: %w", err)
	}
	for rows.Next() {
		var st models.State
		if err := rows.Scan(&st.ID, &st.Key, &st.Name, &st.IsTerminal, &st.IsEnabled); err != nil {
			rows.Close()
			return cat, err
		}
		cat.States = append(cat.States, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return cat, err
	}
	rows.Close()

	rows, err = s.q.QueryContext(ctx, `SELECT id, key, description FROM signals ORDER BY id`)
	if err != nil {
		return cat, fmt.Errorf("failed to load signals: %w", err)
	}
	for rows.Next() {
		var sig models.SignalDef
		if err := rows.Scan(&sig.ID, &sig.Key, &sig.Description); err != nil {
			rows.Close()
			return cat, err
		}
		cat.Signals = append(cat.Signals, sig)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return cat, err
	}
	rows.Close()

	rows, err = s.q.QueryContext(ctx, `
		SELECT t.id, COALESCE(src.key, ''), sig.key, dst.key, t.priority, t.is_enabled, t.guard_key, t.action_key, t.match_any_state
		FROM transitions t
		JOIN signals sig ON sig.id = t.signal_id
		JOIN states dst ON dst.id = t.next_state_id
		LEFT JOIN states src ON src.id = t.state_id
		ORDER BY t.id`)
	if err != nil {
		return cat, fmt.Errorf("failed to load transitions: %w", err)
	}
	for rows.Next() {
		var t models.Transition
		if err := rows.Scan(&t.ID, &t.StateKey, &t.SignalKey, &t.NextStateKey,
			&t.Priority, &t.IsEnabled, &t.GuardKey, &t.ActionKey, &t.MatchAnyState); err != nil {
			rows.Close()
			return cat, err
		}
		cat.Transitions = append(cat.Transitions, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return cat, err
	}
	rows.Close()

	rows, err = s.q.QueryContext(ctx, `SELECT id, key, signals, is_enabled FROM senses ORDER BY id`)
	if err != nil {
		return cat, fmt.Errorf("failed to load senses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sense models.Sense
		var signals string
		if err := rows.Scan(&sense.ID, &sense.Key, &signals, &sense.IsEnabled); err != nil {
			return cat, err
		}
		if sense.Signals, err = decodeStrings(signals); err != nil {
			return cat, err
		}
		cat.Senses = append(cat.Senses, sense)
	}
	return cat, rows.Err()
}
