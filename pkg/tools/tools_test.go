package tools

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, RegisterBuiltins(r))
	return r
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Register(Func{ToolName: ToolEcho, Fn: echoTool})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	err = r.Register(Func{ToolName: "", Fn: echoTool})
	require.Error(t, err)
}

func TestRegistryNamesSorted(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, []string{ToolClockNow, ToolEcho, ToolReminderParse}, r.Names())
}

func TestInvokeUnknownToolFails(t *testing.T) {
	r := newTestRegistry(t)

	res := r.Invoke(context.Background(), "no.such.tool", nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestInvokeRejectsInvalidStatus(t *testing.T) {
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, r.Register(Func{
		ToolName: "broken",
		Fn: func(context.Context, map[string]any) Result {
			return Result{Status: "maybe"}
		},
	}))

	res := r.Invoke(context.Background(), "broken", nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "invalid status")
}

func TestEcho(t *testing.T) {
	r := newTestRegistry(t)

	res := r.Invoke(context.Background(), ToolEcho, map[string]any{"text": "hello"})
	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "hello", res.Result)
}

func TestClockNow(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	clock := NewClock(func() time.Time { return fixed })

	res := clock.Execute(context.Background(), map[string]any{"timezone": "Europe/Paris"})
	require.Equal(t, StatusOK, res.Status)

	payload, ok := res.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2026-03-14T10:26:53+01:00", payload["rfc3339"])
	assert.Equal(t, "Europe/Paris", payload["timezone"])
	assert.Equal(t, "Saturday", payload["weekday"])
	assert.Equal(t, fixed.UnixMilli(), payload["unix_ms"])

	res = clock.Execute(context.Background(), map[string]any{"timezone": "Atlantis/Nowhere"})
	assert.Equal(t, StatusFailed, res.Status)
}

func TestReminderParse(t *testing.T) {
	anchor := "2026-03-14T09:00:00Z"

	tests := []struct {
		name string
		when string
		want string
	}{
		{"relative duration", "in 10m", "2026-03-14T09:10:00Z"},
		{"compound duration", "in 1h30m", "2026-03-14T10:30:00Z"},
		{"wall clock later today", "18:30", "2026-03-14T18:30:00Z"},
		{"wall clock already passed rolls to tomorrow", "08:00", "2026-03-15T08:00:00Z"},
		{"tomorrow prefix", "tomorrow 07:45", "2026-03-15T07:45:00Z"},
		{"absolute rfc3339", "2026-04-01T12:00:00Z", "2026-04-01T12:00:00Z"},
	}

	r := newTestRegistry(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Invoke(context.Background(), ToolReminderParse, map[string]any{
				"when": tt.when,
				"now":  anchor,
			})
			require.Equal(t, StatusOK, res.Status, "error: %s", res.Error)

			payload, ok := res.Result.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.want, payload["trigger_at"])
		})
	}
}

func TestReminderParseRejectsBadInput(t *testing.T) {
	r := newTestRegistry(t)
	anchor := "2026-03-14T09:00:00Z"

	for _, when := range []string{"", "whenever", "in -5m", "in banana"} {
		res := r.Invoke(context.Background(), ToolReminderParse, map[string]any{
			"when": when,
			"now":  anchor,
		})
		assert.Equal(t, StatusFailed, res.Status, "when=%q", when)
	}

	// A past absolute time is rejected rather than silently scheduled.
	res := r.Invoke(context.Background(), ToolReminderParse, map[string]any{
		"when": "2020-01-01T00:00:00Z",
		"now":  anchor,
	})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "not in the future")
}
