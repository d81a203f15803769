// Package plans is the typed-plan layer: a registry of versioned plan
// kinds with JSON Schema payloads, and a worker pool that executes
// queued instances. Actions declare plans; the FSM transaction inserts
// them; the pool does the work.
package plans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// Built-in plan kinds. Executor keys match the kind names.
const (
	KindCreateReminder = "create_reminder"
	KindNotify         = "notify"
	KindStartPDCATask  = "start_pdca_task"
	KindLLMChat        = "llm_chat"
	KindNoop           = "noop"
)

// Definition describes one version of a plan kind: its payload schema,
// an example payload, and the executor that runs instances.
type Definition struct {
	Kind        string
	Version     int
	Title       string
	Description string
	Schema      json.RawMessage
	Example     json.RawMessage
	ExecutorKey string
}

// Executor runs one claimed plan instance and declares its effects the
// same way an action handler does. Executors must be idempotent: a
// stale instance can be re-queued and run again.
type Executor func(ctx context.Context, plan models.PlanInstance, rt *fsm.Runtime) (models.ActionResult, error)

// Registry indexes (kind, version) pairs to compiled schemas and
// executor keys to executors. The store holds the durable truth; the
// registry is the compiled, in-memory view.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	schemas   map[string]*jsonschema.Schema
	executors map[string]Executor
}

// NewRegistry creates an empty plan registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("component", "plans"),
		schemas:   make(map[string]*jsonschema.Schema),
		executors: make(map[string]Executor),
	}
}

// RegisterExecutor adds an executor under key.
func (r *Registry) RegisterExecutor(key string, ex Executor) error {
	if key == "" {
		return fmt.Errorf("executor has empty key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[key]; exists {
		return fmt.Errorf("executor already registered: %s", key)
	}
	r.executors[key] = ex
	return nil
}

// Executor looks up an executor by key.
func (r *Registry) Executor(key string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[key]
	return ex, ok
}

// ExecutorKeys returns the registered executor keys, sorted.
func (r *Registry) ExecutorKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.executors))
	for key := range r.executors {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Define persists a plan kind version and compiles its schema into the
// index. Re-defining an existing (kind, version) is a no-op for the
// store (versions are immutable) but still compiles the schema, so boot
// replays are cheap and idempotent.
func (r *Registry) Define(ctx context.Context, ps *store.PlanStore, def Definition) error {
	if err := ps.EnsureKind(ctx, def.Kind, def.Title, def.Description); err != nil {
		return err
	}
	err := ps.RegisterVersion(ctx, models.PlanKindVersion{
		Kind:        def.Kind,
		Version:     def.Version,
		Schema:      def.Schema,
		Example:     def.Example,
		ExecutorKey: def.ExecutorKey,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}

	sch, err := compileSchema(def.Kind, def.Version, def.Schema)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.schemas[schemaKey(def.Kind, def.Version)] = sch
	r.mu.Unlock()
	return nil
}

// Instantiate resolves the spec against the registered kinds and
// inserts a queued instance. Unknown kinds and deprecated versions are
// refused; version 0 resolves to the kind's latest. It implements the
// engine's plan creator, so it is called with the transaction-bound
// store from inside an FSM step.
func (r *Registry) Instantiate(ctx context.Context, ps *store.PlanStore, spec models.PlanSpec) (models.PlanInstance, error) {
	var inst models.PlanInstance

	v, err := ps.GetVersion(ctx, spec.Kind, spec.Version)
	if errors.Is(err, store.ErrNotFound) {
		return inst, fmt.Errorf("unknown plan kind %s (version %d): %w", spec.Kind, spec.Version, err)
	}
	if err != nil {
		return inst, err
	}
	if v.IsDeprecated {
		return inst, fmt.Errorf("plan version %s/%d is deprecated", v.Kind, v.Version)
	}

	inst = models.PlanInstance{
		ID:               uuid.NewString(),
		Kind:             v.Kind,
		Version:          v.Version,
		CorrelationID:    spec.CorrelationID,
		Status:           models.PlanQueued,
		Payload:          spec.Payload,
		Actor:            spec.Actor,
		SourceChannel:    spec.SourceChannel,
		IntentConfidence: spec.IntentConfidence,
	}
	if err := ps.CreateInstance(ctx, inst); err != nil {
		return inst, err
	}
	return inst, nil
}

// resolve returns the version record and its compiled schema, compiling
// from the stored document on a cache miss (versions registered by an
// earlier process run).
func (r *Registry) resolve(ctx context.Context, ps *store.PlanStore, kind string, version int) (models.PlanKindVersion, *jsonschema.Schema, error) {
	v, err := ps.GetVersion(ctx, kind, version)
	if err != nil {
		return v, nil, err
	}

	key := schemaKey(v.Kind, v.Version)
	r.mu.RLock()
	sch, ok := r.schemas[key]
	r.mu.RUnlock()
	if ok {
		return v, sch, nil
	}

	sch, err = compileSchema(v.Kind, v.Version, v.Schema)
	if err != nil {
		return v, nil, err
	}
	r.mu.Lock()
	r.schemas[key] = sch
	r.mu.Unlock()
	return v, sch, nil
}

func schemaKey(kind string, version int) string {
	return fmt.Sprintf("%s@%d", kind, version)
}

func compileSchema(kind string, version int, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid schema JSON for %s/%d: %w", kind, version, err)
	}
	c := jsonschema.NewCompiler()
	name := fmt.Sprintf("%s-%d.json", kind, version)
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema for %s/%d: %w", kind, version, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s/%d: %w", kind, version, err)
	}
	return sch, nil
}

// validatePayload checks an instance payload against its compiled
// schema. A nil payload validates as an empty object, not JSON null.
func validatePayload(sch *jsonschema.Schema, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	return sch.Validate(payload)
}

var _ fsm.PlanCreator = (*Registry)(nil)
