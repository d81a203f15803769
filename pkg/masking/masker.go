// Package masking scrubs credential-shaped values out of trace events
// before they reach the trace store or live observers. Action handlers
// and the slice executor put tool output and model text into trace
// detail maps, and that text can echo whatever a tool or template
// touched, so the scrub runs on every event rather than trusting
// emitters to sanitize.
package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPattern is the source form of a CompiledPattern.
type builtinPattern struct {
	name        string
	pattern     string
	replacement string
}

// builtinPatterns lists the shipped patterns in application order.
// More specific patterns run first: the api_key pattern also matches a
// bare "key" label, so private_key and secret_key must claim their
// matches before it sweeps.
func builtinPatterns() []builtinPattern {
	return []builtinPattern{
		{
			name:        "certificate",
			pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			replacement: `__MASKED_CERTIFICATE__`,
		},
		{
			name:        "private_key",
			pattern:     `(?i)(?:private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			replacement: `"private_key": "__MASKED_PRIVATE_KEY__"`,
		},
		{
			name:        "secret_key",
			pattern:     `(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			replacement: `"secret_key": "__MASKED_SECRET_KEY__"`,
		},
		{
			// Value must start alphanumeric so the sweep cannot re-match
			// the __MASKED_*__ markers earlier patterns left behind.
			name:        "api_key",
			pattern:     `(?i)(?:api[_-]?key|apikey|key)["']?\s*[:=]\s*["']?([A-Za-z0-9][A-Za-z0-9_\-]{19,})["']?`,
			replacement: `"api_key": "__MASKED_API_KEY__"`,
		},
		{
			name:        "token",
			pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			replacement: `"token": "__MASKED_TOKEN__"`,
		},
		{
			name:        "password",
			pattern:     `(?i)(?:password|pwd|pass)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			replacement: `"password": "__MASKED_PASSWORD__"`,
		},
	}
}

// Masker applies the compiled pattern set to strings and detail maps.
// Created once at startup; safe for concurrent use.
type Masker struct {
	patterns []*CompiledPattern
}

// New compiles the built-in patterns. Patterns that fail to compile are
// logged and skipped so one bad regex cannot take masking down with it.
func New(logger *slog.Logger) *Masker {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Masker{}
	for _, bp := range builtinPatterns() {
		compiled, err := regexp.Compile(bp.pattern)
		if err != nil {
			logger.Error("Failed to compile masking pattern, skipping",
				"pattern", bp.name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        bp.name,
			Regex:       compiled,
			Replacement: bp.replacement,
		})
	}
	return m
}

// Mask replaces every pattern match in s with its replacement.
func (m *Masker) Mask(s string) string {
	if s == "" {
		return s
	}
	for _, cp := range m.patterns {
		s = cp.Regex.ReplaceAllString(s, cp.Replacement)
	}
	return s
}

// MaskDetail returns a masked copy of a trace detail map. The input is
// never mutated: emitters reuse their maps after handing them off.
func (m *Masker) MaskDetail(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}
	masked := make(map[string]any, len(detail))
	for k, v := range detail {
		masked[k] = m.maskValue(v)
	}
	return masked
}

func (m *Masker) maskValue(v any) any {
	switch val := v.(type) {
	case string:
		return m.Mask(val)
	case map[string]any:
		return m.MaskDetail(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.maskValue(item)
		}
		return out
	default:
		return v
	}
}
