package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alphonse-agent/nerve/pkg/database"
)

// TemplateStore is the repository for response templates keyed by
// response key (e.g. "clarify.intent", "system.unavailable.storage").
type TemplateStore struct {
	q DBTX
}

// NewTemplateStore creates a template store bound to the client.
func NewTemplateStore(client *database.Client) *TemplateStore {
	return &TemplateStore{q: client.DB()}
}

// WithTx returns a copy bound to the transaction.
func (s *TemplateStore) WithTx(tx *sql.Tx) *TemplateStore {
	return &TemplateStore{q: tx}
}

// Set upserts one template.
func (s *TemplateStore) Set(ctx context.Context, key, template string) error {
	if key == "" {
		return NewValidationError("key", "required")
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO response_templates (key, template, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET template = excluded.template, updated_at = excluded.updated_at`,
		key, template, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set template %s: %w", key, err)
	}
	return nil
}

// Ensure inserts a template only if the key is absent, so operator
// edits survive restarts.
func (s *TemplateStore) Ensure(ctx context.Context, key, template string) error {
	if key == "" {
		return NewValidationError("key", "required")
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO response_templates (key, template, updated_at) VALUES (?, ?, ?)`,
		key, template, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to ensure template %s: %w", key, err)
	}
	return nil
}

// Get returns one template body, or ErrNotFound.
func (s *TemplateStore) Get(ctx context.Context, key string) (string, error) {
	var template string
	err := s.q.QueryRowContext(ctx, `SELECT template FROM response_templates WHERE key = ?`, key).Scan(&template)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get template %s: %w", key, err)
	}
	return template, nil
}

// All returns every template keyed by response key.
func (s *TemplateStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT key, template FROM response_templates`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, template string
		if err := rows.Scan(&key, &template); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out[key] = template
	}
	return out, rows.Err()
}
