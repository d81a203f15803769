package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alphonse-agent/nerve/pkg/llm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/render"
	"github.com/alphonse-agent/nerve/pkg/store"
	"github.com/alphonse-agent/nerve/pkg/tools"
)

// Runtime is the facade handed to action handlers. Handlers read through
// it and declare every effect in the ActionResult; they never write the
// store or touch the bus directly.
type Runtime struct {
	Stores   *store.Stores
	Tools    *tools.Registry
	Renderer *render.Renderer
	LLM      llm.Provider
	Logger   *slog.Logger
}

// Action handles one signal and declares its effects. Returning an error
// (or a ResultFailed code) fails the signal without advancing state.
type Action func(ctx context.Context, sig models.Signal, rt *Runtime) (models.ActionResult, error)

// ActionRegistry maps catalog action keys to handlers.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionRegistry creates an empty action registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

// Register adds a handler under key.
func (r *ActionRegistry) Register(key string, a Action) error {
	if key == "" {
		return fmt.Errorf("action has empty key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[key]; exists {
		return fmt.Errorf("action already registered: %s", key)
	}
	r.actions[key] = a
	return nil
}

// Get looks up a handler by key.
func (r *ActionRegistry) Get(key string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[key]
	return a, ok
}

// Keys returns the registered action keys, sorted.
func (r *ActionRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.actions))
	for key := range r.actions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
