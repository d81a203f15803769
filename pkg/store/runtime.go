package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alphonse-agent/nerve/pkg/database"
)

// fsmStateKey is the runtime_state marker holding the active state key.
// It is the only process-wide mutable marker; it is read-modify-written
// exclusively inside the FSM step transaction.
const fsmStateKey = "fsm_state"

// RuntimeStore reads and writes the process-wide runtime markers.
type RuntimeStore struct {
	q DBTX
}

// NewRuntimeStore creates a runtime store bound to the client.
func NewRuntimeStore(client *database.Client) *RuntimeStore {
	return &RuntimeStore{q: client.DB()}
}

// WithTx returns a copy bound to the transaction.
func (s *RuntimeStore) WithTx(tx *sql.Tx) *RuntimeStore {
	return &RuntimeStore{q: tx}
}

// CurrentState returns the active FSM state key.
func (s *RuntimeStore) CurrentState(ctx context.Context) (string, error) {
	return s.Get(ctx, fsmStateKey)
}

// SetCurrentState writes the active FSM state key.
func (s *RuntimeStore) SetCurrentState(ctx context.Context, key string) error {
	return s.Set(ctx, fsmStateKey, key)
}

// InitCurrentState writes the boot state only when no marker exists yet,
// so a restart resumes from the persisted state.
func (s *RuntimeStore) InitCurrentState(ctx context.Context, key string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO runtime_state (key, value, updated_at) VALUES (?, ?, ?)`,
		fsmStateKey, key, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to init current state: %w", err)
	}
	return nil
}

// Get returns one marker value.
func (s *RuntimeStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q.QueryRowContext(ctx,
		`SELECT value FROM runtime_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read runtime marker %s: %w", key, err)
	}
	return value, nil
}

// Set upserts one marker value.
func (s *RuntimeStore) Set(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO runtime_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write runtime marker %s: %w", key, err)
	}
	return nil
}
