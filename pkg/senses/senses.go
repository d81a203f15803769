// Package senses holds the intake adapters that watch the outside world
// and publish signals onto the bus. The catalog names every sense and can
// disable one without a redeploy; the registry only starts senses the
// catalog has enabled.
package senses

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// Sense is one intake adapter. Start must not block: senses spawn their
// own goroutines and Stop waits for them to finish.
type Sense interface {
	// Key is the catalog identifier for this sense.
	Key() string
	// Signals lists the signal types this sense may emit.
	Signals() []string
	// Start begins watching. The sense publishes until ctx is cancelled
	// or Stop is called.
	Start(ctx context.Context, pub bus.Publisher) error
	// Stop halts the sense and waits for its goroutines.
	Stop()
}

// Passive is a sense that emits through another component (the gateway
// emits on behalf of the api sense). It exists so the catalog row and its
// declared signals are accounted for.
type Passive struct {
	SenseKey     string
	SenseSignals []string
}

func (p Passive) Key() string       { return p.SenseKey }
func (p Passive) Signals() []string { return p.SenseSignals }

func (p Passive) Start(context.Context, bus.Publisher) error { return nil }

func (p Passive) Stop() {}

// Registry tracks registered senses and their running state.
type Registry struct {
	mu      sync.Mutex
	senses  map[string]Sense
	running []Sense
	logger  *slog.Logger
}

// NewRegistry creates an empty sense registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		senses: make(map[string]Sense),
		logger: logger.With("component", "senses"),
	}
}

// Register adds a sense. Keys must be unique and non-empty.
func (r *Registry) Register(s Sense) error {
	key := s.Key()
	if key == "" {
		return fmt.Errorf("sense has empty key")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.senses[key]; exists {
		return fmt.Errorf("sense already registered: %s", key)
	}
	r.senses[key] = s
	return nil
}

// Keys returns the registered sense keys.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.senses))
	for key := range r.senses {
		keys = append(keys, key)
	}
	return keys
}

// Seed makes sure every registered sense has a catalog row. Existing rows
// are left alone so an operator's enable/disable choices survive restarts.
func (r *Registry) Seed(ctx context.Context, catalog *store.CatalogStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.senses {
		err := catalog.EnsureSense(ctx, models.Sense{
			Key:       key,
			Signals:   s.Signals(),
			IsEnabled: true,
		})
		if err != nil {
			return fmt.Errorf("failed to seed sense %s: %w", key, err)
		}
	}
	return nil
}

// StartAll starts every registered sense the catalog has enabled. Senses
// missing from the catalog stay stopped; a start failure stops what was
// already started and returns the error.
func (r *Registry) StartAll(ctx context.Context, pub bus.Publisher, catalog []models.Sense) error {
	enabled := make(map[string]bool, len(catalog))
	for _, row := range catalog {
		enabled[row.Key] = row.IsEnabled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.senses {
		if !enabled[key] {
			r.logger.Info("sense disabled, not starting", "sense", key)
			continue
		}
		if err := s.Start(ctx, pub); err != nil {
			r.stopRunningLocked()
			return fmt.Errorf("failed to start sense %s: %w", key, err)
		}
		r.running = append(r.running, s)
		r.logger.Info("sense started", "sense", key)
	}
	return nil
}

// StopAll stops every running sense and waits for each to finish.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRunningLocked()
}

func (r *Registry) stopRunningLocked() {
	for _, s := range r.running {
		s.Stop()
		r.logger.Info("sense stopped", "sense", s.Key())
	}
	r.running = nil
}
