package fsm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alphonse-agent/nerve/pkg/models"
)

// Guard decides whether a candidate transition may fire for a signal.
// Guards must be fast, read-only predicates: false moves resolution to
// the next candidate, an error fails the step.
type Guard func(ctx context.Context, sig models.Signal, stateKey string) (bool, error)

// GuardRegistry maps catalog guard keys to code. Populated at boot;
// lookup is safe for concurrent use.
type GuardRegistry struct {
	mu     sync.RWMutex
	guards map[string]Guard
}

// NewGuardRegistry creates an empty guard registry.
func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{guards: make(map[string]Guard)}
}

// Register adds a guard under key.
func (r *GuardRegistry) Register(key string, g Guard) error {
	if key == "" {
		return fmt.Errorf("guard has empty key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.guards[key]; exists {
		return fmt.Errorf("guard already registered: %s", key)
	}
	r.guards[key] = g
	return nil
}

// Get looks up a guard by key.
func (r *GuardRegistry) Get(key string) (Guard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guards[key]
	return g, ok
}

// Keys returns the registered guard keys, sorted.
func (r *GuardRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.guards))
	for key := range r.guards {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RegisterDefaultGuards installs the guards the default catalog may
// reference.
func RegisterDefaultGuards(r *GuardRegistry) error {
	defaults := map[string]Guard{
		// always passes; useful to pin a transition explicit in the catalog.
		"always": func(context.Context, models.Signal, string) (bool, error) {
			return true, nil
		},
		// payload_has_text requires a non-empty text payload field.
		"payload_has_text": func(_ context.Context, sig models.Signal, _ string) (bool, error) {
			text, ok := sig.Payload["text"].(string)
			return ok && text != "", nil
		},
		// is_urgent passes only for urgency-flagged signals.
		"is_urgent": func(_ context.Context, sig models.Signal, _ string) (bool, error) {
			meta, ok := sig.Payload["metadata"].(map[string]any)
			if !ok {
				return false, nil
			}
			urgency, ok := meta["urgency"].(string)
			return ok && urgency == "urgent", nil
		},
	}

	for key, g := range defaults {
		if err := r.Register(key, g); err != nil {
			return err
		}
	}
	return nil
}
