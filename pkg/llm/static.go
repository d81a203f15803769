package llm

import (
	"context"
	"sync"
)

// Static is a canned provider for tests and LLM-less deployments. With
// no scripted responses it echoes the user prompt.
type Static struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	next      int
	calls     []string
}

func (s *Static) Name() string { return "static" }

func (s *Static) Complete(ctx context.Context, system, user string) (Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, user)
	if s.Err != nil {
		return Completion{}, s.Err
	}
	if len(s.Responses) == 0 {
		return Completion{Text: user}, nil
	}
	text := s.Responses[s.next%len(s.Responses)]
	s.next++
	return Completion{Text: text, PromptTokens: len(system+user) / 4, CompletionTokens: len(text) / 4}, nil
}

// Calls returns the user prompts seen so far.
func (s *Static) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}
