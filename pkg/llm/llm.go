// Package llm hides model providers behind a single completion
// contract. The core never sees provider SDK types.
package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alphonse-agent/nerve/pkg/config"
)

// Completion is one model answer with its token accounting. Token
// counts feed the slice executor's budget; providers that cannot report
// usage return zeros.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens is the budget decrement for this call.
func (c Completion) TotalTokens() int {
	return c.PromptTokens + c.CompletionTokens
}

// Provider completes a (system, user) prompt pair into text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, user string) (Completion, error)
}

// New builds the configured provider, wrapped with transient-failure
// retries.
func New(cfg config.LLMConfig, logger *slog.Logger) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case "ollama":
		p = newOllama(cfg)
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		p = newOpenAI(cfg)
	case "opencode":
		p = newOpencode(cfg)
	case "static":
		p = &Static{}
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
	return &retrying{
		inner:      p,
		maxRetries: cfg.MaxRetries,
		logger:     logger.With("component", "llm", "provider", p.Name()),
	}, nil
}
