// Package render turns response keys into user-facing text. Templates live
// in the response_templates table so operators can edit wording without a
// rebuild; a baked-in safe-fallback set keeps the agent able to speak even
// when storage or the catalog is unavailable.
package render

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/alphonse-agent/nerve/pkg/store"
)

// Safe-fallback response keys. These are always renderable, with or without
// a working database.
const (
	KeyCatalogUnavailable = "system.unavailable.catalog"
	KeyStorageUnavailable = "system.unavailable.storage"
	KeyClarifyIntent      = "clarify.intent"
	KeyGenericUnknown     = "generic.unknown"
	KeyInternalPause      = "system.internal_pause"
)

// Response keys the default handlers speak with. Unlike the safe
// fallbacks these may be missing from the table; callers degrade through
// RenderOrFallback.
const (
	KeyReminderScheduled = "reminder.scheduled"
	KeyReminderDue       = "reminder.due"
	KeyStatusReport      = "status.report"
	KeyShutdown          = "system.shutdown"
)

// DefaultTemplates is the baked-in wording for the seeded keys. Seed
// installs them with INSERT OR IGNORE semantics, so operator edits in
// the table win over these defaults.
var DefaultTemplates = map[string]string{
	KeyCatalogUnavailable: "I can't route requests right now because my behavior catalog is unavailable. Please try again in a little while.",
	KeyStorageUnavailable: "I'm having trouble reaching my memory right now. Nothing was lost; please try again in a moment.",
	KeyClarifyIntent:      "I didn't quite understand{{if .Text}} {{printf \"%q\" .Text}}{{end}}. Could you say that another way?",
	KeyGenericUnknown:     "Something went wrong on my side. I've made a note of it and will recover shortly.",
	KeyInternalPause:      "I've paused {{if .Task}}work on {{.Task}} {{else}}what I was doing {{end}}and will wait for your go-ahead.",
	KeyReminderScheduled:  "Got it. I'll remind you to {{.Task}} at {{.When}}.",
	KeyReminderDue:        "Reminder: {{.Task}}",
	KeyStatusReport:       "I'm {{.State}}. Signals queued: {{.QueueDepth}}; timers pending: {{.TimersPending}}; tasks in flight: {{.TasksActive}}.",
	KeyShutdown:           "Shutting down now. I'll pick everything back up when I return.",
}

// Renderer resolves response keys against the template table.
type Renderer struct {
	templates *store.TemplateStore
	logger    *slog.Logger
}

// New creates a renderer backed by the given template store.
func New(templates *store.TemplateStore, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		templates: templates,
		logger:    logger.With("component", "render"),
	}
}

// Seed installs the safe-fallback templates that are not already present.
func (r *Renderer) Seed(ctx context.Context) error {
	for key, text := range DefaultTemplates {
		if err := r.templates.Ensure(ctx, key, text); err != nil {
			return fmt.Errorf("failed to seed template %s: %w", key, err)
		}
	}
	return nil
}

// Render resolves key from the table and executes it with vars. Templates
// are parsed per call so operator edits take effect immediately.
func (r *Renderer) Render(ctx context.Context, key string, vars map[string]any) (string, error) {
	text, err := r.templates.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to load template %s: %w", key, err)
	}
	return execute(key, text, vars)
}

// Fallback renders key from the baked-in set alone. It never touches
// storage and never fails: an unknown key degrades to the generic message,
// and a template that will not execute is returned as raw text.
func (r *Renderer) Fallback(key string, vars map[string]any) string {
	text, ok := DefaultTemplates[key]
	if !ok {
		key = KeyGenericUnknown
		text = DefaultTemplates[KeyGenericUnknown]
	}

	out, err := execute(key, text, vars)
	if err != nil {
		return text
	}
	return out
}

// RenderOrFallback tries the table first and degrades to the baked-in
// fallbackKey when the table or template is unusable.
func (r *Renderer) RenderOrFallback(ctx context.Context, key string, vars map[string]any, fallbackKey string) string {
	out, err := r.Render(ctx, key, vars)
	if err != nil {
		r.logger.Warn("falling back to baked-in template",
			"key", key,
			"fallback", fallbackKey,
			"error", err)
		return r.Fallback(fallbackKey, vars)
	}
	return out
}

func execute(key, text string, vars map[string]any) (string, error) {
	tmpl, err := template.New(key).Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", key, err)
	}

	if vars == nil {
		vars = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", key, err)
	}
	return buf.String(), nil
}
