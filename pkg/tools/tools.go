// Package tools provides the registry of deterministic capabilities that
// action handlers and plan executors invoke by name. Tools own their own
// authorization and input validation; the registry only routes calls.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Result status values.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Result is the outcome of a single tool invocation. A failed invocation is
// a normal Result with StatusFailed, never a Go error: callers decide how to
// surface it (retry, escalate, fold into a reply).
type Result struct {
	Status   string         `json:"status"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OK wraps a payload in a successful Result.
func OK(payload any) Result {
	return Result{Status: StatusOK, Result: payload}
}

// Failed builds a failed Result with a formatted error message.
func Failed(format string, args ...any) Result {
	return Result{Status: StatusFailed, Error: fmt.Sprintf(format, args...)}
}

// Tool is a single invokable capability.
type Tool interface {
	// Name returns the stable identifier used in catalogs and plan bodies.
	Name() string
	// Description explains the tool for operators and LLM prompts.
	Description() string
	// Execute runs the tool. It must honor ctx cancellation and must not
	// panic; failures are reported through the Result, not an error.
	Execute(ctx context.Context, args map[string]any) Result
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Fn              func(ctx context.Context, args map[string]any) Result
}

func (f Func) Name() string        { return f.ToolName }
func (f Func) Description() string { return f.ToolDescription }

func (f Func) Execute(ctx context.Context, args map[string]any) Result {
	return f.Fn(ctx, args)
}

// Registry holds named tools. Registration happens at boot; Invoke is safe
// for concurrent use afterwards.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Names must be unique and non-empty.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = t
	r.logger.Debug("registered tool", "tool", name)
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named tool. An unknown name produces a failed Result so
// misconfigured callers degrade instead of crashing the step.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	t, ok := r.Get(name)
	if !ok {
		return Failed("unknown tool: %s", name)
	}

	res := t.Execute(ctx, args)
	if res.Status != StatusOK && res.Status != StatusFailed {
		// Tools must report a known status; anything else is a bug.
		return Failed("tool %s returned invalid status %q", name, res.Status)
	}
	return res
}
