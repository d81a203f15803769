package pdca

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/alphonse-agent/nerve/pkg/llm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/tools"
)

const sliceSystemPrompt = `You are Alphonse working through a long-running household task one small
step at a time. Each turn you see the goal, your saved working state,
and the tools you may call. Plan the next small step, optionally call
one tool, and record what you learned in the state so a later turn can
pick up where you left off.

Reply with a single JSON object and nothing else:
{
  "thought": "one sentence of reasoning",
  "action": {"tool": "<name>", "args": {...}} or null,
  "state": {...the full working state to save...},
  "status": "continue" | "done" | "waiting_user" | "failed",
  "message": "what to tell the household, required for done and waiting_user"
}`

// stateKeyLastTool is where a tool invocation's outcome lands in the
// working state so the next cycle's prompt can see it.
const stateKeyLastTool = "last_tool"

// LLMRunner is the default cycle runner: the model plans the step,
// optionally does one tool call, checks the result into the working
// state, and decides whether to keep going.
type LLMRunner struct {
	llm    llm.Provider
	tools  *tools.Registry
	logger *slog.Logger
}

// NewLLMRunner wires the default runner. The provider may be nil when
// the deployment has no model; every cycle then fails and the streak
// limit parks the task instead of spinning.
func NewLLMRunner(provider llm.Provider, registry *tools.Registry, logger *slog.Logger) *LLMRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMRunner{
		llm:    provider,
		tools:  registry,
		logger: logger.With("component", "slice_runner"),
	}
}

// decision is the JSON shape the model answers with.
type decision struct {
	Thought string         `json:"thought,omitempty"`
	Action  *toolCall      `json:"action,omitempty"`
	State   map[string]any `json:"state,omitempty"`
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
}

type toolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Cycle implements Runner.
func (r *LLMRunner) Cycle(ctx context.Context, task models.Task, state map[string]any, cycle int) (CycleResult, error) {
	if r.llm == nil {
		return CycleResult{}, fmt.Errorf("no model provider configured")
	}

	completion, err := r.llm.Complete(ctx, sliceSystemPrompt, r.userPrompt(task, state, cycle))
	tokens := completion.TotalTokens()
	if err != nil {
		return CycleResult{TokensUsed: tokens}, fmt.Errorf("model call failed: %w", err)
	}

	dec, err := parseDecision(completion.Text)
	if err != nil {
		return CycleResult{TokensUsed: tokens}, err
	}

	next := dec.State
	if next == nil {
		next = cloneState(state)
	}
	invoked := false
	if dec.Action != nil && dec.Action.Tool != "" {
		res := r.tools.Invoke(ctx, dec.Action.Tool, dec.Action.Args)
		invoked = res.Status == tools.StatusOK
		next[stateKeyLastTool] = map[string]any{
			"tool":   dec.Action.Tool,
			"status": res.Status,
			"result": res.Result,
			"error":  res.Error,
		}
		if res.Status != tools.StatusOK {
			r.logger.Warn("tool call failed inside slice",
				"task_id", task.ID,
				"tool", dec.Action.Tool,
				"error", res.Error)
		}
	}

	outcome, err := parseOutcome(dec.Status)
	if err != nil {
		return CycleResult{TokensUsed: tokens}, err
	}

	return CycleResult{
		State:      next,
		Outcome:    outcome,
		Message:    strings.TrimSpace(dec.Message),
		TokensUsed: tokens,
		// A successful tool call or any change to the working state
		// counts as progress; thinking in circles does not.
		Progress: invoked || !statesEqual(state, next),
	}, nil
}

func (r *LLMRunner) userPrompt(task models.Task, state map[string]any, cycle int) string {
	stateJSON, err := json.MarshalIndent(state, "", "  ")
	if err != nil || state == nil {
		stateJSON = []byte("{}")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", task.Goal)
	fmt.Fprintf(&b, "Cycle %d of this work session.\n\n", cycle)
	fmt.Fprintf(&b, "Working state:\n%s\n\n", stateJSON)
	b.WriteString("Available tools:\n")
	for _, name := range r.tools.Names() {
		if t, ok := r.tools.Get(name); ok {
			fmt.Fprintf(&b, "- %s: %s\n", name, t.Description())
		}
	}
	b.WriteString("\nAnswer with the JSON object only.")
	return b.String()
}

// parseDecision pulls the JSON object out of the completion, tolerating
// code fences and prose around it.
func parseDecision(text string) (decision, error) {
	var dec decision
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return dec, fmt.Errorf("no JSON decision in model answer")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &dec); err != nil {
		return dec, fmt.Errorf("unparseable cycle decision: %w", err)
	}
	return dec, nil
}

func parseOutcome(status string) (Outcome, error) {
	switch status {
	case "", string(OutcomeContinue):
		return OutcomeContinue, nil
	case string(OutcomeDone):
		return OutcomeDone, nil
	case string(OutcomeFailed):
		return OutcomeFailed, nil
	case string(OutcomeWaitUser):
		return OutcomeWaitUser, nil
	default:
		return OutcomeContinue, fmt.Errorf("model answered unknown status %q", status)
	}
}

// statesEqual treats a nil state and an empty one as the same thing.
func statesEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func cloneState(state map[string]any) map[string]any {
	next := make(map[string]any, len(state)+1)
	for k, v := range state {
		next[k] = v
	}
	return next
}
