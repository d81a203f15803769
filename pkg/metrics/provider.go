package metrics

import (
	"context"
	"time"

	"github.com/alphonse-agent/nerve/pkg/llm"
)

type instrumentedProvider struct {
	inner llm.Provider
	m     *Metrics
}

// InstrumentProvider wraps a model provider so every completion is
// counted and timed with its token usage. Wrapping a nil provider or
// passing nil metrics returns the provider unchanged.
func InstrumentProvider(inner llm.Provider, m *Metrics) llm.Provider {
	if inner == nil || m == nil {
		return inner
	}
	return &instrumentedProvider{inner: inner, m: m}
}

func (p *instrumentedProvider) Name() string {
	return p.inner.Name()
}

func (p *instrumentedProvider) Complete(ctx context.Context, system, user string) (llm.Completion, error) {
	start := time.Now()
	out, err := p.inner.Complete(ctx, system, user)
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.m.ObserveLLMRequest(p.inner.Name(), status, time.Since(start), out.PromptTokens, out.CompletionTokens)
	return out, err
}
