// Package pdca drives long-running cooperative tasks in bounded slices.
// A worker leases a task, rehydrates its checkpoint, runs a handful of
// plan/do/check/act cycles under wall, token, and progress budgets,
// persists a new checkpoint with compare-and-swap, and yields so other
// tasks get their turn.
package pdca

import (
	"context"

	"github.com/alphonse-agent/nerve/pkg/models"
)

// Outcome is what one cycle decided about the task's future.
type Outcome string

const (
	// OutcomeContinue keeps cycling (within this slice, then later ones).
	OutcomeContinue Outcome = "continue"
	// OutcomeDone finishes the task.
	OutcomeDone Outcome = "done"
	// OutcomeFailed fails the task terminally.
	OutcomeFailed Outcome = "failed"
	// OutcomeWaitUser parks the task until the user answers.
	OutcomeWaitUser Outcome = "waiting_user"
)

// CycleResult is one cycle's verdict. State replaces the checkpoint's
// working state when non-nil; TokensUsed is charged against the task
// budget; Progress feeds the no-progress gate. Message is shown to the
// user when the task completes or parks.
type CycleResult struct {
	State      map[string]any
	Outcome    Outcome
	Message    string
	TokensUsed int
	Progress   bool
}

// Runner executes one PDCA cycle. The state map is the checkpoint's
// working state; runners treat it as read-only and return a replacement.
// Implementations must be safe for concurrent use across tasks.
type Runner interface {
	Cycle(ctx context.Context, task models.Task, state map[string]any, cycle int) (CycleResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task models.Task, state map[string]any, cycle int) (CycleResult, error)

// Cycle implements Runner.
func (f RunnerFunc) Cycle(ctx context.Context, task models.Task, state map[string]any, cycle int) (CycleResult, error) {
	return f(ctx, task, state, cycle)
}
