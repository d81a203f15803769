// Package observe is the organism's flight recorder: structured trace
// events in their own SQLite file, daily rollups, and retention.
package observe

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alphonse-agent/nerve/pkg/database"
)

//go:embed migrations
var migrationsFS embed.FS

// maxDetailBytes caps the serialized detail column. Oversized payloads
// are replaced, not clipped, so the stored JSON stays parseable.
const maxDetailBytes = 4096

// Config holds the observability store settings.
type Config struct {
	// Path is the trace database file, separate from the nerve store.
	Path string

	// Buffer is the writer's channel capacity; full buffers drop.
	Buffer int

	// FlushInterval bounds how long a buffered event waits for a batch.
	FlushInterval time.Duration

	// Retention for non-error and error events, and the hard row cap.
	RetentionDays      int
	ErrorRetentionDays int
	MaxRows            int64

	// MaintenanceInterval is how often rollups and retention run.
	MaintenanceInterval time.Duration
}

// LoadConfigFromEnv loads the observability configuration.
func LoadConfigFromEnv() Config {
	return Config{
		Path:                envOr("OBSERVABILITY_DB_PATH", "observability.db"),
		Buffer:              envIntOr("OBSERVABILITY_BUFFER", 256),
		FlushInterval:       time.Duration(envIntOr("OBSERVABILITY_FLUSH_MS", 250)) * time.Millisecond,
		RetentionDays:       envIntOr("OBSERVABILITY_NON_ERROR_TTL_DAYS", 14),
		ErrorRetentionDays:  envIntOr("OBSERVABILITY_ERROR_TTL_DAYS", 30),
		MaxRows:             int64(envIntOr("OBSERVABILITY_MAX_ROWS", 1_000_000)),
		MaintenanceInterval: time.Duration(envIntOr("OBSERVABILITY_MAINTENANCE_SECONDS", 21_600)) * time.Second,
	}
}

// Store is the trace repository over its own database file.
type Store struct {
	client *database.Client
}

// Open opens (and migrates) the observability database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := database.OpenWith(ctx, database.DefaultConfig(cfg.Path), migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open observability store: %w", err)
	}
	return &Store{client: client}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.client.Close()
}

// Health reports the underlying database health.
func (s *Store) Health(ctx context.Context) (*database.HealthStatus, error) {
	return database.Health(ctx, s.client.DB())
}

// InsertBatch writes events in one transaction. The writer calls this;
// other code should go through the Writer.
func (s *Store) InsertBatch(ctx context.Context, events []TraceEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin trace batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trace_events (ts, level, event, correlation_id, channel, user_id, node, cycle, status, tool, error_code, latency_ms, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare trace insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		ts := ev.TS
		if ts.IsZero() {
			ts = time.Now()
		}
		level := ev.Level
		if level == "" {
			level = LevelInfo
		}
		detail := "{}"
		if len(ev.Detail) > 0 {
			raw, err := json.Marshal(ev.Detail)
			if err != nil {
				return fmt.Errorf("failed to encode trace detail: %w", err)
			}
			if len(raw) > maxDetailBytes {
				raw, _ = json.Marshal(map[string]any{"truncated": true, "size": len(raw)})
			}
			detail = string(raw)
		}
		if _, err := stmt.ExecContext(ctx, ts.UnixMilli(), string(level), ev.Event,
			ev.CorrelationID, ev.Channel, ev.UserID, ev.Node, ev.Cycle,
			ev.Status, ev.Tool, ev.ErrorCode, ev.LatencyMS, detail); err != nil {
			return fmt.Errorf("failed to insert trace event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trace batch: %w", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, f QueryFilter) ([]TraceEvent, error) {
	var conds []string
	var args []any
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, string(f.Level))
	}
	if f.Event != "" {
		conds = append(conds, "event = ?")
		args = append(args, f.Event)
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	query := `SELECT id, ts, level, event, correlation_id, channel, user_id, node, cycle, status, tool, error_code, latency_ms, detail FROM trace_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace events: %w", err)
	}
	defer rows.Close()

	var out []TraceEvent
	for rows.Next() {
		var ev TraceEvent
		var ts int64
		var level, detail string
		if err := rows.Scan(&ev.ID, &ts, &level, &ev.Event, &ev.CorrelationID,
			&ev.Channel, &ev.UserID, &ev.Node, &ev.Cycle, &ev.Status,
			&ev.Tool, &ev.ErrorCode, &ev.LatencyMS, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		ev.TS = time.UnixMilli(ts).UTC()
		ev.Level = Level(level)
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode trace detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the total number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.client.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM trace_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count trace events: %w", err)
	}
	return n, nil
}

// ComputeRollups recomputes per-day (event, level) counts for events at
// or after since. Running it repeatedly converges: each affected day is
// overwritten with the full recount.
func (s *Store) ComputeRollups(ctx context.Context, since time.Time) error {
	_, err := s.client.DB().ExecContext(ctx, `
		INSERT INTO trace_rollups (day, event, level, count)
		SELECT date(ts/1000, 'unixepoch'), event, level, COUNT(*)
		FROM trace_events
		WHERE ts >= ?
		GROUP BY 1, 2, 3
		ON CONFLICT(day, event, level) DO UPDATE SET count = excluded.count`,
		startOfDay(since).UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to compute rollups: %w", err)
	}
	return nil
}

// Rollups returns daily counts from day (inclusive, "YYYY-MM-DD")
// onward, newest day first.
func (s *Store) Rollups(ctx context.Context, fromDay string) ([]Rollup, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT day, event, level, count FROM trace_rollups
		WHERE day >= ? ORDER BY day DESC, event, level`, fromDay)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollups: %w", err)
	}
	defer rows.Close()

	var out []Rollup
	for rows.Next() {
		var r Rollup
		var level string
		if err := rows.Scan(&r.Day, &r.Event, &level, &r.Count); err != nil {
			return nil, fmt.Errorf("failed to scan rollup: %w", err)
		}
		r.Level = Level(level)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeExpired deletes events past their retention window. Errors are
// kept longer than routine events; rollups keep the daily counts after
// the raw rows go.
func (s *Store) PurgeExpired(ctx context.Context, retention, errorRetention time.Duration) (int64, error) {
	now := time.Now()
	res, err := s.client.DB().ExecContext(ctx, `
		DELETE FROM trace_events WHERE level != 'error' AND ts <= ?`,
		now.Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	res, err = s.client.DB().ExecContext(ctx, `
		DELETE FROM trace_events WHERE level = 'error' AND ts <= ?`,
		now.Add(-errorRetention).UnixMilli())
	if err != nil {
		return n, fmt.Errorf("failed to purge expired error events: %w", err)
	}
	m, err := res.RowsAffected()
	if err != nil {
		return n, err
	}
	return n + m, nil
}

// EnforceCap deletes the oldest rows beyond the hard cap.
func (s *Store) EnforceCap(ctx context.Context, maxRows int64) (int64, error) {
	if maxRows <= 0 {
		return 0, nil
	}
	total, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	excess := total - maxRows
	if excess <= 0 {
		return 0, nil
	}
	res, err := s.client.DB().ExecContext(ctx, `
		DELETE FROM trace_events WHERE id IN (
			SELECT id FROM trace_events ORDER BY id ASC LIMIT ?)`, excess)
	if err != nil {
		return 0, fmt.Errorf("failed to enforce row cap: %w", err)
	}
	return res.RowsAffected()
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
