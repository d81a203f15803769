package pdca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/observe"
	"github.com/alphonse-agent/nerve/pkg/render"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// pollEvery is the fallback pick cadence. Yielded tasks come back with
// next_run_at a few seconds out, so the poll just needs to be in the
// same order of magnitude.
const pollEvery = 2 * time.Second

// Checkpoint bookkeeping keys. They live in task_state_json, next to
// the runner's working state but owned by the executor.
const (
	stateKeyTotalCycles      = "total_cycles"
	stateKeyNoProgressStreak = "no_progress_streak"
)

// Pool leases runnable tasks and advances each by one slice at a time.
// Workers wake on slice and resume signals and poll as a fallback.
// Slices are at-least-once: a crash under lease leaves a running row
// whose expired lease returns it to the queue, and the checkpoint keeps
// its place.
type Pool struct {
	runner Runner
	rt     *fsm.Runtime
	bus    *bus.Bus
	trace  fsm.TraceSink
	cfg    config.SliceConfig
	logger *slog.Logger

	kick chan struct{}
	done chan struct{}
}

// NewPool wires the slice executor. A nil runner gets the default
// LLM-driven one; trace may be nil in tests.
func NewPool(runner Runner, rt *fsm.Runtime, b *bus.Bus, trace fsm.TraceSink, cfg config.SliceConfig, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.YieldDelay <= 0 {
		cfg.YieldDelay = 5 * time.Second
	}
	if runner == nil {
		runner = NewLLMRunner(rt.LLM, rt.Tools, logger)
	}
	return &Pool{
		runner: runner,
		rt:     rt,
		bus:    b,
		trace:  trace,
		cfg:    cfg,
		logger: logger.With("component", "slice_pool"),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	defer close(p.done)
	p.logger.Info("slice pool started", "workers", p.cfg.Workers)

	p.reclaim(ctx)

	tap := p.bus.TapSignals(ctx)
	go func() {
		for sig := range tap {
			if sig.Type != models.SignalSliceRequested && sig.Type != models.SignalResumeRequested {
				continue
			}
			select {
			case p.kick <- struct{}{}:
			default:
			}
		}
	}()

	workerDone := make(chan struct{})
	for i := 0; i < p.cfg.Workers; i++ {
		go func(id int) {
			defer func() { workerDone <- struct{}{} }()
			p.worker(ctx, id)
		}(i)
	}
	for i := 0; i < p.cfg.Workers; i++ {
		<-workerDone
	}
	p.logger.Info("slice pool stopped")
}

// Done is closed when Run has returned.
func (p *Pool) Done() <-chan struct{} { return p.done }

func (p *Pool) worker(ctx context.Context, id int) {
	workerID := fmt.Sprintf("slice-%d-%s", id, uuid.NewString()[:8])
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		p.drain(ctx, workerID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reclaim(ctx)
		case <-p.kick:
		}
	}
}

// reclaim returns crashed-worker tasks to the queue. Their checkpoints
// survive, so re-running the interrupted slice is safe.
func (p *Pool) reclaim(ctx context.Context) {
	n, err := p.rt.Stores.Tasks.ClearExpiredLeases(ctx, time.Now())
	if err != nil {
		p.logger.Error("failed to clear expired task leases", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("requeued tasks with expired leases", "count", n)
	}
}

// drain leases and runs runnable tasks until none are left. PickNext
// and the conditional lease arbitrate between workers; losing a lease
// race just means another worker got there first.
func (p *Pool) drain(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.rt.Stores.Tasks.PickNext(ctx, time.Now())
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			p.logger.Error("failed to pick next task", "error", err)
			return
		}
		err = p.rt.Stores.Tasks.Lease(ctx, task.ID, workerID, p.cfg.Lease)
		if errors.Is(err, store.ErrNotClaimable) {
			continue
		}
		if err != nil {
			p.logger.Error("failed to lease task", "task_id", task.ID, "error", err)
			return
		}
		p.slice(ctx, task, workerID)
	}
}

// slice runs one bounded burst of cycles for a leased task: rehydrate
// the checkpoint, cycle until a budget or verdict stops the slice,
// persist the new checkpoint with compare-and-swap, then yield.
func (p *Pool) slice(ctx context.Context, task models.Task, workerID string) {
	start := time.Now()
	log := p.logger.With("task_id", task.ID, "worker_id", workerID)

	cp, err := p.rt.Stores.Tasks.GetCheckpoint(ctx, task.ID)
	if err != nil {
		log.Error("failed to load checkpoint", "error", err)
		p.requeue(ctx, task, workerID, task.TokenBudgetRemaining, task.FailureStreak, "checkpoint unavailable", 0, start)
		return
	}

	state := cp.StateJSON
	totalCycles := stateInt(cp.TaskStateJSON, stateKeyTotalCycles)
	noProgress := stateInt(cp.TaskStateJSON, stateKeyNoProgressStreak)
	tokens := task.TokenBudgetRemaining
	streak := task.FailureStreak

	sliceCycles := task.SliceCycles
	if sliceCycles <= 0 {
		sliceCycles = p.cfg.DefaultCycles
	}
	maxCycles := task.MaxCycles
	if maxCycles <= 0 {
		maxCycles = p.cfg.MaxCycles
	}
	wall := time.Duration(task.MaxRuntimeSeconds) * time.Second
	if wall <= 0 {
		wall = p.cfg.MaxRuntime
	}
	sliceCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	p.emit(task, observe.LevelInfo, "slice.started", string(models.TaskRunning), "", start, totalCycles, map[string]any{"goal": task.Goal})
	if err := p.rt.Stores.Tasks.AppendEvent(ctx, task.ID, "slice_started", workerID); err != nil {
		log.Warn("failed to append task event", "error", err)
	}

	verdict := OutcomeContinue
	var message, lastErr string
	var cyclesRun, tokensUsed int

	for cycle := 1; cycle <= sliceCycles; cycle++ {
		if sliceCtx.Err() != nil {
			break
		}
		if totalCycles >= maxCycles {
			verdict, lastErr = OutcomeFailed, "max_cycles_exhausted"
			break
		}
		if tokens <= 0 {
			verdict, lastErr = OutcomeFailed, "token_budget_exhausted"
			break
		}
		if p.cfg.NoProgressCycles > 0 && noProgress >= p.cfg.NoProgressCycles {
			verdict, lastErr = OutcomeWaitUser, "no_progress"
			break
		}

		res, err := p.runCycle(sliceCtx, task, state, cycle)
		cyclesRun++
		totalCycles++
		if err != nil {
			// A failing cycle always ends the slice; the streak decides
			// whether the task retries later or fails for good.
			streak++
			lastErr = err.Error()
			if p.cfg.FailureStreakLimit > 0 && streak >= p.cfg.FailureStreakLimit {
				verdict = OutcomeFailed
			}
			log.Warn("cycle failed", "cycle", totalCycles, "failure_streak", streak, "error", err)
			break
		}

		streak = 0
		tokensUsed += res.TokensUsed
		tokens -= res.TokensUsed
		if res.State != nil {
			state = res.State
		}
		if res.Progress {
			noProgress = 0
		} else {
			noProgress++
		}
		if res.Message != "" {
			message = res.Message
		}
		if res.Outcome != "" && res.Outcome != OutcomeContinue {
			verdict = res.Outcome
			break
		}

		if err := p.rt.Stores.Tasks.Heartbeat(ctx, task.ID, workerID, p.cfg.Lease); err != nil {
			if errors.Is(err, store.ErrNotClaimable) {
				// Lease stolen. The new owner reruns from the last
				// checkpoint; write nothing.
				log.Warn("lost task lease mid-slice", "error", err)
				return
			}
			// Shutdown or a storage hiccup. The lease is still ours,
			// so end the slice and persist what we have.
			log.Warn("heartbeat failed, ending slice early", "error", err)
			break
		}
	}
	if tokens < 0 {
		tokens = 0
	}

	// Persistence runs detached: cancellation mid-slice must not throw
	// away a finished slice's work. The lease bounds how stale these
	// writes can be.
	finCtx := context.WithoutCancel(ctx)

	cp.StateJSON = state
	if cp.TaskStateJSON == nil {
		cp.TaskStateJSON = map[string]any{}
	}
	cp.TaskStateJSON[stateKeyTotalCycles] = totalCycles
	cp.TaskStateJSON[stateKeyNoProgressStreak] = noProgress
	if err := p.rt.Stores.Tasks.SaveCheckpoint(finCtx, cp, cp.Version); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			// Someone advanced the checkpoint under our lease. Trust
			// nothing from this slice and let the queue sort it out.
			log.Error("checkpoint conflict, abandoning slice", "version", cp.Version)
			p.requeue(finCtx, task, workerID, task.TokenBudgetRemaining, task.FailureStreak, "checkpoint_conflict", cyclesRun, start)
			return
		}
		log.Error("failed to save checkpoint", "error", err)
		p.requeue(finCtx, task, workerID, task.TokenBudgetRemaining, task.FailureStreak, "checkpoint_write_failed", cyclesRun, start)
		return
	}
	p.emit(task, observe.LevelDebug, "slice.persisted", "", "", start, totalCycles, map[string]any{"version": cp.Version + 1})

	log = log.With("cycles", cyclesRun, "tokens_used", tokensUsed, "cycle_total", totalCycles)
	switch verdict {
	case OutcomeDone:
		p.finish(finCtx, task, workerID, models.TaskDone, tokens, message, "", totalCycles, start)
		log.Info("task done")
	case OutcomeFailed:
		p.finish(finCtx, task, workerID, models.TaskFailed, tokens, "", lastErr, totalCycles, start)
		log.Error("task failed", "error_summary", lastErr)
	case OutcomeWaitUser:
		p.park(finCtx, task, workerID, tokens, streak, message, lastErr, totalCycles, start)
		log.Info("task waiting on user", "reason", lastErr)
	default:
		p.requeue(finCtx, task, workerID, tokens, streak, lastErr, cyclesRun, start)
		log.Info("slice yielded", "failure_streak", streak)
	}
}

// runCycle contains panics to this one cycle.
func (p *Pool) runCycle(ctx context.Context, task models.Task, state map[string]any, cycle int) (res CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return p.runner.Cycle(ctx, task, state, cycle)
}

// finish makes the task terminal and commits the completion signal in
// the same transaction, then feeds the bus.
func (p *Pool) finish(ctx context.Context, task models.Task, workerID string, status models.TaskStatus, tokens int, message, lastErr string, totalCycles int, start time.Time) {
	doneSig := doneSignal(task, status, lastErr)

	err := p.rt.Stores.InTx(ctx, func(txs *store.Stores) error {
		out := store.SliceOutcome{
			Status:               status,
			TokenBudgetRemaining: tokens,
			LastError:            lastErr,
		}
		if err := txs.Tasks.Yield(ctx, task.ID, workerID, out); err != nil {
			return err
		}
		if _, err := txs.Queue.Enqueue(ctx, doneSig); err != nil {
			return fmt.Errorf("failed to enqueue slice_done: %w", err)
		}
		return nil
	})
	if err != nil {
		p.logger.Error("failed to finish task", "task_id", task.ID, "status", status, "error", err)
		return
	}

	if pubErr := p.bus.Publish(ctx, doneSig); pubErr != nil {
		p.logger.Warn("pdca.slice_done parked for poller", "error", pubErr)
	}

	event := "slice_done"
	if status == models.TaskFailed {
		event = "slice_failed"
		out := models.NewOutbound(p.rt.Renderer.Fallback(render.KeyInternalPause, map[string]any{"Task": task.Goal}), doneSig.CorrelationID)
		out.Metadata = map[string]any{"reason": "task_failed", "task_id": task.ID}
		if pubErr := p.bus.PublishOutbound(ctx, out); pubErr != nil {
			p.logger.Warn("failed to publish task failure notice", "error", pubErr)
		}
		p.emit(task, observe.LevelError, "slice.failed", string(status), lastErr, start, totalCycles, nil)
	} else {
		if message != "" {
			out := models.NewOutbound(message, doneSig.CorrelationID)
			out.Metadata = map[string]any{"task_id": task.ID}
			if pubErr := p.bus.PublishOutbound(ctx, out); pubErr != nil {
				p.logger.Warn("failed to publish task completion note", "error", pubErr)
			}
		}
		p.emit(task, observe.LevelInfo, "slice.completed", string(status), "", start, totalCycles, nil)
	}
	if err := p.rt.Stores.Tasks.AppendEvent(ctx, task.ID, event, lastErr); err != nil {
		p.logger.Warn("failed to append task event", "task_id", task.ID, "error", err)
	}
}

// park shelves the task until the user answers. The outbound message is
// the ask; pdca.resume_requested brings the task back.
func (p *Pool) park(ctx context.Context, task models.Task, workerID string, tokens, streak int, message, lastErr string, totalCycles int, start time.Time) {
	out := store.SliceOutcome{
		Status:               models.TaskWaitingUser,
		TokenBudgetRemaining: tokens,
		FailureStreak:        streak,
		LastError:            lastErr,
	}
	if err := p.rt.Stores.Tasks.Yield(ctx, task.ID, workerID, out); err != nil {
		p.logger.Error("failed to park task", "task_id", task.ID, "error", err)
		return
	}

	if message == "" {
		message = p.rt.Renderer.Fallback(render.KeyInternalPause, map[string]any{"Task": task.Goal})
	}
	msg := models.NewOutbound(message, task.SessionID)
	msg.Metadata = map[string]any{"reason": "task_waiting", "task_id": task.ID}
	if pubErr := p.bus.PublishOutbound(ctx, msg); pubErr != nil {
		p.logger.Warn("failed to publish waiting notice", "task_id", task.ID, "error", pubErr)
	}

	p.emit(task, observe.LevelInfo, "slice.completed", string(models.TaskWaitingUser), lastErr, start, totalCycles, nil)
	if err := p.rt.Stores.Tasks.AppendEvent(ctx, task.ID, "slice_waiting", message); err != nil {
		p.logger.Warn("failed to append task event", "task_id", task.ID, "error", err)
	}
}

// requeue puts the task back in line for its next slice.
func (p *Pool) requeue(ctx context.Context, task models.Task, workerID string, tokens, streak int, lastErr string, cyclesRun int, start time.Time) {
	next := time.Now().Add(p.cfg.YieldDelay)
	out := store.SliceOutcome{
		Status:               models.TaskQueued,
		NextRunAt:            &next,
		TokenBudgetRemaining: tokens,
		FailureStreak:        streak,
		LastError:            lastErr,
	}
	if err := p.rt.Stores.Tasks.Yield(ctx, task.ID, workerID, out); err != nil {
		p.logger.Error("failed to requeue task", "task_id", task.ID, "error", err)
		return
	}
	p.emit(task, observe.LevelInfo, "slice.completed", string(models.TaskQueued), lastErr, start, cyclesRun, nil)
	if err := p.rt.Stores.Tasks.AppendEvent(ctx, task.ID, "slice_yielded", fmt.Sprintf("%d cycles", cyclesRun)); err != nil {
		p.logger.Warn("failed to append task event", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) emit(task models.Task, level observe.Level, event, status, errCode string, start time.Time, cycle int, detail map[string]any) {
	if p.trace == nil {
		return
	}
	d := map[string]any{"task_id": task.ID}
	for k, v := range detail {
		d[k] = v
	}
	p.trace.Emit(observe.TraceEvent{
		Level:         level,
		Event:         event,
		CorrelationID: task.SessionID,
		UserID:        task.OwnerID,
		Cycle:         cycle,
		Status:        status,
		ErrorCode:     errCode,
		LatencyMS:     time.Since(start).Milliseconds(),
		Detail:        d,
	})
}

// doneSignal is the durable record that a task reached a terminal
// status. The catalog decides what, if anything, reacts to it.
func doneSignal(task models.Task, status models.TaskStatus, lastErr string) models.Signal {
	payload := map[string]any{
		"task_id": task.ID,
		"status":  string(status),
	}
	if task.Goal != "" {
		payload["goal"] = task.Goal
	}
	if task.OwnerID != "" {
		payload["owner_id"] = task.OwnerID
	}
	if lastErr != "" {
		payload["error_summary"] = lastErr
	}
	sig := models.NewDurableSignal(models.SignalSliceDone, payload)
	sig.CorrelationID = task.SessionID
	sig.Source = "task:" + task.ID
	return sig
}

func stateInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
