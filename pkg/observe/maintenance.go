package observe

import (
	"context"
	"log/slog"
	"time"
)

// Maintainer keeps the trace store bounded: it recomputes recent
// rollups, purges expired rows, and enforces the hard row cap.
type Maintainer struct {
	store  *Store
	cfg    Config
	logger *slog.Logger
}

// NewMaintainer wires the maintenance loop.
func NewMaintainer(store *Store, cfg Config, logger *slog.Logger) *Maintainer {
	return &Maintainer{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "trace_maintenance"),
	}
}

// Run performs one pass immediately and then on every interval until
// ctx ends.
func (m *Maintainer) Run(ctx context.Context) {
	interval := m.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	m.pass(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pass(ctx)
		}
	}
}

func (m *Maintainer) pass(ctx context.Context) {
	// Recount from the start of yesterday so late writes to a day
	// boundary still converge.
	if err := m.store.ComputeRollups(ctx, time.Now().Add(-48*time.Hour)); err != nil {
		m.logger.Error("rollup pass failed", "error", err)
	}

	retention := time.Duration(m.cfg.RetentionDays) * 24 * time.Hour
	errRetention := time.Duration(m.cfg.ErrorRetentionDays) * 24 * time.Hour
	purged, err := m.store.PurgeExpired(ctx, retention, errRetention)
	if err != nil {
		m.logger.Error("retention pass failed", "error", err)
	} else if purged > 0 {
		m.logger.Info("purged expired trace events", "count", purged)
	}

	capped, err := m.store.EnforceCap(ctx, m.cfg.MaxRows)
	if err != nil {
		m.logger.Error("cap pass failed", "error", err)
	} else if capped > 0 {
		m.logger.Warn("trace store over cap, dropped oldest", "count", capped)
	}
}
