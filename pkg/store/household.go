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

// PrefDNDUntil is the preference key holding an RFC 3339 timestamp
// until which non-urgent outbound messages are held. The preference row
// is authoritative; delivery code must not cache it.
const PrefDNDUntil = "dnd_until"

// PrefTimezone is the household's IANA timezone, used when parsing
// wall-clock times in conversation.
const PrefTimezone = "timezone"

// HouseholdStore is the repository for principals, preferences, and
// locations.
type HouseholdStore struct {
	q DBTX
}

// NewHouseholdStore creates a household store bound to the client.
func NewHouseholdStore(client *database.Client) *HouseholdStore {
	return &HouseholdStore{q: client.DB()}
}

// WithTx returns a copy bound to the transaction.
func (s *HouseholdStore) WithTx(tx *sql.Tx) *HouseholdStore {
	return &HouseholdStore{q: tx}
}

// UpsertPrincipal inserts or updates a person by id.
func (s *HouseholdStore) UpsertPrincipal(ctx context.Context, p models.Principal) error {
	if p.ID == "" {
		return NewValidationError("id", "required")
	}
	if p.Name == "" {
		return NewValidationError("name", "required")
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO principals (id, name, display_name, channel_type, address, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, display_name = excluded.display_name,
			channel_type = excluded.channel_type, address = excluded.address`,
		p.ID, p.Name, p.DisplayName, p.ChannelType, p.Address, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert principal %s: %w", p.ID, err)
	}
	return nil
}

// GetPrincipal returns a person by id.
func (s *HouseholdStore) GetPrincipal(ctx context.Context, id string) (models.Principal, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, name, display_name, channel_type, address, created_at FROM principals WHERE id = ?`, id)
	return scanPrincipal(row)
}

// PrincipalByName returns a person by unique name.
func (s *HouseholdStore) PrincipalByName(ctx context.Context, name string) (models.Principal, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, name, display_name, channel_type, address, created_at FROM principals WHERE name = ?`, name)
	return scanPrincipal(row)
}

// ListPrincipals returns everyone the agent knows.
func (s *HouseholdStore) ListPrincipals(ctx context.Context) ([]models.Principal, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, display_name, channel_type, address, created_at FROM principals ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list principals: %w", err)
	}
	defer rows.Close()

	var out []models.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPreference upserts one preference key.
func (s *HouseholdStore) SetPreference(ctx context.Context, key, value string) error {
	if key == "" {
		return NewValidationError("key", "required")
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set preference %s: %w", key, err)
	}
	return nil
}

// GetPreference returns one preference value, or ErrNotFound.
func (s *HouseholdStore) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get preference %s: %w", key, err)
	}
	return value, nil
}

// DeletePreference removes one preference key.
func (s *HouseholdStore) DeletePreference(ctx context.Context, key string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete preference %s: %w", key, err)
	}
	return nil
}

// DNDUntil reads the do-not-disturb horizon. The zero time means not
// set (or expired garbage, which callers treat the same way).
func (s *HouseholdStore) DNDUntil(ctx context.Context) (time.Time, error) {
	raw, err := s.GetPreference(ctx, PrefDNDUntil)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	until, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, nil
	}
	return until, nil
}

// UpsertLocation inserts or updates a named place.
func (s *HouseholdStore) UpsertLocation(ctx context.Context, l models.Location) error {
	if l.Name == "" {
		return NewValidationError("name", "required")
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO locations (name, latitude, longitude, address, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET latitude = excluded.latitude, longitude = excluded.longitude,
			address = excluded.address`,
		l.Name, l.Latitude, l.Longitude, l.Address, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert location %s: %w", l.Name, err)
	}
	return nil
}

// LocationByName returns a place by unique name.
func (s *HouseholdStore) LocationByName(ctx context.Context, name string) (models.Location, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, name, latitude, longitude, address, created_at FROM locations WHERE name = ?`, name)
	var l models.Location
	var createdAt int64
	err := row.Scan(&l.ID, &l.Name, &l.Latitude, &l.Longitude, &l.Address, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, fmt.Errorf("failed to get location %s: %w", name, err)
	}
	l.CreatedAt = fromMillis(createdAt)
	return l, nil
}

// ListLocations returns all named places.
func (s *HouseholdStore) ListLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, latitude, longitude, address, created_at FROM locations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	var out []models.Location
	for rows.Next() {
		var l models.Location
		var createdAt int64
		if err := rows.Scan(&l.ID, &l.Name, &l.Latitude, &l.Longitude, &l.Address, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		l.CreatedAt = fromMillis(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanPrincipal(sc rowScanner) (models.Principal, error) {
	var p models.Principal
	var createdAt int64
	err := sc.Scan(&p.ID, &p.Name, &p.DisplayName, &p.ChannelType, &p.Address, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("failed to scan principal: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	return p, nil
}
