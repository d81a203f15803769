package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Built-in tool names.
const (
	ToolClockNow      = "clock.now"
	ToolEcho          = "echo"
	ToolReminderParse = "reminder.parse"
)

// RegisterBuiltins installs the always-available tools into the registry.
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		NewClock(nil),
		Func{
			ToolName:        ToolEcho,
			ToolDescription: "Returns its text argument unchanged. Used for wiring checks.",
			Fn:              echoTool,
		},
		Func{
			ToolName:        ToolReminderParse,
			ToolDescription: "Parses a natural reminder time (\"in 10m\", \"18:30\", \"tomorrow 08:00\", RFC3339) into an absolute trigger time.",
			Fn:              reminderParse,
		},
	}

	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("failed to register builtin: %w", err)
		}
	}
	return nil
}

// Clock reports the current wall-clock time, optionally in a named timezone.
type Clock struct {
	now func() time.Time
}

// NewClock creates the clock tool. now may be nil, in which case time.Now
// is used; tests inject a fixed clock.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

func (c *Clock) Name() string { return ToolClockNow }

func (c *Clock) Description() string {
	return "Returns the current time. Optional arg: timezone (IANA name, default UTC)."
}

func (c *Clock) Execute(_ context.Context, args map[string]any) Result {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Failed("unknown timezone: %s", tz)
		}
	}

	now := c.now().In(loc)
	return OK(map[string]any{
		"rfc3339":  now.Format(time.RFC3339),
		"unix_ms":  now.UnixMilli(),
		"weekday":  now.Weekday().String(),
		"timezone": loc.String(),
	})
}

func echoTool(_ context.Context, args map[string]any) Result {
	if text, ok := args["text"].(string); ok {
		return OK(text)
	}
	return OK(args)
}

// reminderParse resolves a human reminder phrase to an absolute trigger
// time. Args: when (required), timezone (IANA, default UTC), now (RFC3339
// anchor for relative phrases; defaults to wall clock).
func reminderParse(_ context.Context, args map[string]any) Result {
	when, ok := args["when"].(string)
	if !ok || strings.TrimSpace(when) == "" {
		return Failed("reminder.parse requires a non-empty 'when' argument")
	}
	when = strings.TrimSpace(when)

	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Failed("unknown timezone: %s", tz)
		}
	}

	anchor := time.Now().In(loc)
	if raw, ok := args["now"].(string); ok && raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Failed("invalid 'now' anchor: %v", err)
		}
		anchor = parsed.In(loc)
	}

	trigger, err := resolveWhen(when, anchor, loc)
	if err != nil {
		return Failed("%v", err)
	}
	if !trigger.After(anchor) {
		return Failed("reminder time %s is not in the future", trigger.Format(time.RFC3339))
	}

	return OK(map[string]any{
		"trigger_at": trigger.Format(time.RFC3339),
		"timezone":   loc.String(),
	})
}

func resolveWhen(when string, anchor time.Time, loc *time.Location) (time.Time, error) {
	lower := strings.ToLower(when)

	// "in 10m", "in 1h30m"
	if rest, ok := strings.CutPrefix(lower, "in "); ok {
		d, err := time.ParseDuration(strings.ReplaceAll(rest, " ", ""))
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable duration %q", rest)
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("duration must be positive, got %s", d)
		}
		return anchor.Add(d), nil
	}

	// "tomorrow 08:00"
	if rest, ok := strings.CutPrefix(lower, "tomorrow "); ok {
		hh, mm, err := parseWallClock(rest)
		if err != nil {
			return time.Time{}, err
		}
		day := anchor.AddDate(0, 0, 1)
		return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc), nil
	}

	// "18:30" resolves to the next occurrence of that wall-clock time.
	if hh, mm, err := parseWallClock(lower); err == nil {
		at := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), hh, mm, 0, 0, loc)
		if !at.After(anchor) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}

	// Absolute timestamp.
	if at, err := time.Parse(time.RFC3339, when); err == nil {
		return at.In(loc), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized reminder time %q", when)
}

func parseWallClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("not a HH:MM time: %q", s)
	}
	if _, err := fmt.Sscanf(parts[0]+":"+parts[1], "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("not a HH:MM time: %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("wall-clock time out of range: %q", s)
	}
	return hour, minute, nil
}
