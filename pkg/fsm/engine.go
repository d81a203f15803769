// Package fsm runs the data-defined state machine at the core of the
// agent. One cooperative consumer takes signals off the bus, resolves a
// transition from the catalog, runs the bound action, and commits the
// state change together with every declared effect in one transaction.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/observe"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// PlanCreator inserts a queued plan instance from a spec inside the step
// transaction. The plan registry implements it; resolution refuses
// unknown kinds and deprecated versions.
type PlanCreator interface {
	Instantiate(ctx context.Context, ps *store.PlanStore, spec models.PlanSpec) (models.PlanInstance, error)
}

// TraceSink receives one observability event per step. *observe.Writer
// satisfies it.
type TraceSink interface {
	Emit(ev observe.TraceEvent)
}

// Deps bundles everything the engine needs. Plans and Trace may be nil
// in tests.
type Deps struct {
	Stores        *store.Stores
	Bus           *bus.Bus
	Guards        *GuardRegistry
	Actions       *ActionRegistry
	Runtime       *Runtime
	Plans         PlanCreator
	Trace         TraceSink
	SignalTimeout time.Duration
	Logger        *slog.Logger
}

// Engine is the single FSM consumer.
type Engine struct {
	stores        *store.Stores
	bus           *bus.Bus
	guards        *GuardRegistry
	actions       *ActionRegistry
	runtime       *Runtime
	plans         PlanCreator
	trace         TraceSink
	signalTimeout time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// New creates the engine.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := deps.SignalTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Engine{
		stores:        deps.Stores,
		bus:           deps.Bus,
		guards:        deps.Guards,
		actions:       deps.Actions,
		runtime:       deps.Runtime,
		plans:         deps.Plans,
		trace:         deps.Trace,
		signalTimeout: timeout,
		logger:        logger.With("component", "fsm"),
		done:          make(chan struct{}),
	}
}

// Run consumes signals until ctx is cancelled, the bus closes, or the
// machine reaches a terminal state. Durable signals left unprocessed stay
// in the queue table and are re-fed on the next boot.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	e.logger.Info("engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping", "reason", ctx.Err())
			return ctx.Err()
		case sig, ok := <-e.bus.Signals():
			if !ok {
				e.logger.Info("signal channel closed, engine stopping")
				return nil
			}

			tr, err := e.Step(ctx, sig)
			if err != nil {
				// Storage-level trouble. The durable row stays claimed and
				// the poller requeues it once the lease goes stale.
				e.logger.Error("step aborted",
					"signal_id", sig.ID,
					"signal_type", sig.Type,
					"error", err)
				continue
			}
			if tr.StateAfter != "" && e.isTerminal(ctx, tr.StateAfter) {
				e.logger.Info("terminal state reached, engine halting", "state", tr.StateAfter)
				return nil
			}
		}
	}
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Step processes one signal end to end. The returned error reports
// infrastructure failure only; semantic outcomes (no transition, action
// failure) land in the trace and the queue row. A duplicate durable feed
// returns a zero trace and no error.
func (e *Engine) Step(ctx context.Context, sig models.Signal) (models.StepTrace, error) {
	start := time.Now()

	if sig.Durable {
		err := e.stores.Queue.Claim(ctx, sig.ID)
		if errors.Is(err, store.ErrNotClaimable) || errors.Is(err, store.ErrNotFound) {
			e.logger.Debug("dropping duplicate signal", "signal_id", sig.ID)
			return models.StepTrace{}, nil
		}
		if err != nil {
			return models.StepTrace{}, fmt.Errorf("failed to claim signal %s: %w", sig.ID, err)
		}
	}

	stateBefore, err := e.stores.Runtime.CurrentState(ctx)
	if err != nil {
		return models.StepTrace{}, fmt.Errorf("failed to load current state: %w", err)
	}

	candidates, err := e.stores.Catalog.CandidateTransitions(ctx, stateBefore, sig.Type)
	if err != nil {
		return models.StepTrace{}, fmt.Errorf("failed to load transitions: %w", err)
	}

	chosen, err := e.selectTransition(ctx, sig, stateBefore, candidates)
	if err != nil {
		return e.failStep(ctx, sig, stateBefore, nil, err.Error(), start)
	}
	if chosen == nil {
		return e.noTransition(ctx, sig, stateBefore, start)
	}

	result, err := e.runAction(ctx, *chosen, sig)
	if err != nil {
		return e.failStep(ctx, sig, stateBefore, chosen, err.Error(), start)
	}
	if result.ResultCode == models.ResultFailed {
		summary := result.ErrorSummary
		if summary == "" {
			summary = "action reported failure"
		}
		return e.failStep(ctx, sig, stateBefore, chosen, summary, start)
	}

	return e.applyStep(ctx, sig, stateBefore, *chosen, result, start)
}

// selectTransition walks the ordered candidates and returns the first
// whose guard passes. nil means no transition handles the signal here.
func (e *Engine) selectTransition(ctx context.Context, sig models.Signal, stateKey string, candidates []models.Transition) (*models.Transition, error) {
	for i := range candidates {
		tr := candidates[i]
		if tr.GuardKey == "" {
			return &tr, nil
		}
		guard, ok := e.guards.Get(tr.GuardKey)
		if !ok {
			return nil, fmt.Errorf("unknown guard: %s", tr.GuardKey)
		}
		pass, err := guard(ctx, sig, stateKey)
		if err != nil {
			return nil, fmt.Errorf("guard %s failed: %v", tr.GuardKey, err)
		}
		if pass {
			return &tr, nil
		}
	}
	return nil, nil
}

// runAction executes the bound handler under the per-signal deadline.
// A transition without an action succeeds trivially. Panics become
// failures of this one step.
func (e *Engine) runAction(ctx context.Context, tr models.Transition, sig models.Signal) (result models.ActionResult, err error) {
	if tr.ActionKey == "" {
		return models.Succeeded(), nil
	}

	action, ok := e.actions.Get(tr.ActionKey)
	if !ok {
		return models.ActionResult{}, fmt.Errorf("unknown action: %s", tr.ActionKey)
	}

	actionCtx, cancel := context.WithTimeout(ctx, e.signalTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", tr.ActionKey, r)
		}
	}()

	result, err = action(actionCtx, sig, e.runtime)
	if err != nil {
		if errors.Is(actionCtx.Err(), context.DeadlineExceeded) {
			return models.ActionResult{}, fmt.Errorf("timeout after %s", e.signalTimeout)
		}
		return models.ActionResult{}, fmt.Errorf("action %s failed: %w", tr.ActionKey, err)
	}
	return result, nil
}

// applyStep commits the state change and every declared effect in one
// transaction, then feeds the bus.
func (e *Engine) applyStep(ctx context.Context, sig models.Signal, stateBefore string, tr models.Transition, result models.ActionResult, start time.Time) (models.StepTrace, error) {
	stateAfter := tr.NextStateKey
	trace := models.StepTrace{
		CorrelationID: sig.CorrelationID,
		StateBefore:   stateBefore,
		SignalType:    sig.Type,
		TransitionID:  &tr.ID,
		ActionKey:     tr.ActionKey,
		StateAfter:    stateAfter,
		Result:        models.StepOK,
	}

	publish := make([]models.Signal, 0, len(result.NextSignals)+len(result.Plans))

	err := e.stores.InTx(ctx, func(txs *store.Stores) error {
		for _, next := range result.NextSignals {
			if next.ID == "" {
				next.ID = uuid.NewString()
			}
			if next.CorrelationID == "" {
				next.CorrelationID = sig.CorrelationID
			}
			if next.Durable {
				if _, err := txs.Queue.Enqueue(ctx, next); err != nil {
					return fmt.Errorf("failed to enqueue next signal: %w", err)
				}
			}
			publish = append(publish, next)
		}

		for _, spec := range result.TimedSignals {
			if spec.CorrelationID == "" {
				spec.CorrelationID = sig.CorrelationID
			}
			if _, err := txs.Timed.Create(ctx, spec); err != nil {
				return fmt.Errorf("failed to create timed signal: %w", err)
			}
		}

		for _, planSpec := range result.Plans {
			if e.plans == nil {
				return fmt.Errorf("action declared a plan but no plan registry is wired")
			}
			if planSpec.CorrelationID == "" {
				planSpec.CorrelationID = sig.CorrelationID
			}
			inst, err := e.plans.Instantiate(ctx, txs.Plans, planSpec)
			if err != nil {
				return fmt.Errorf("failed to create plan %s: %w", planSpec.Kind, err)
			}

			run := models.NewDurableSignal(models.SignalPlanRun, map[string]any{
				"plan_id": inst.ID,
			})
			run.CorrelationID = inst.CorrelationID
			run.Source = "fsm"
			if _, err := txs.Queue.Enqueue(ctx, run); err != nil {
				return fmt.Errorf("failed to enqueue plan.run: %w", err)
			}
			publish = append(publish, run)
		}

		for _, req := range result.SliceRequests {
			if err := e.enqueueSlice(ctx, txs, req); err != nil {
				return err
			}
		}

		if err := txs.Runtime.SetCurrentState(ctx, stateAfter); err != nil {
			return fmt.Errorf("failed to set state: %w", err)
		}
		if _, err := txs.StepTrace.Append(ctx, trace); err != nil {
			return fmt.Errorf("failed to append trace: %w", err)
		}
		if sig.Durable {
			if err := txs.Queue.Complete(ctx, sig.ID, true, ""); err != nil {
				return fmt.Errorf("failed to complete signal: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return models.StepTrace{}, fmt.Errorf("step transaction failed: %w", err)
	}

	// Post-commit: the rows are the guarantee for durable signals; a full
	// bus only delays them until the poller sweeps.
	for _, next := range publish {
		if pubErr := e.bus.Publish(ctx, next); pubErr != nil && !next.Durable {
			e.logger.Warn("dropped ephemeral signal on full bus",
				"signal_type", next.Type,
				"error", pubErr)
		}
	}
	for _, msg := range result.OutboundMessages {
		if msg.CorrelationID == "" {
			msg.CorrelationID = sig.CorrelationID
		}
		if pubErr := e.bus.PublishOutbound(ctx, msg); pubErr != nil {
			e.logger.Warn("failed to publish outbound message",
				"message_id", msg.ID,
				"error", pubErr)
		}
	}

	e.logger.Info("step ok",
		"signal_type", sig.Type,
		"state_before", stateBefore,
		"state_after", stateAfter,
		"action", tr.ActionKey,
		"correlation_id", sig.CorrelationID)
	e.emitStepEvent(trace, observe.LevelInfo, start)
	return trace, nil
}

// enqueueSlice inserts (or nudges) a cooperative task. Re-requesting an
// existing task is a no-op; a payload seeds the initial checkpoint.
func (e *Engine) enqueueSlice(ctx context.Context, txs *store.Stores, req models.SliceRequest) error {
	if req.Resume {
		if req.TaskID == "" {
			return fmt.Errorf("resume request without task_id")
		}
		err := txs.Tasks.Resume(ctx, req.TaskID)
		if errors.Is(err, store.ErrNotClaimable) {
			// Already queued or running; the request is satisfied.
			return nil
		}
		return err
	}

	task := models.Task{
		ID:              req.TaskID,
		OwnerID:         req.OwnerID,
		ConversationKey: req.ConversationKey,
		SessionID:       req.SessionID,
		Goal:            req.Goal,
		Priority:        req.Priority,
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	err := txs.Tasks.Enqueue(ctx, task)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	if len(req.Payload) > 0 {
		cp := models.Checkpoint{TaskID: task.ID, StateJSON: req.Payload}
		if err := txs.Tasks.SaveCheckpoint(ctx, cp, 0); err != nil &&
			!errors.Is(err, store.ErrConcurrentModification) {
			return fmt.Errorf("failed to seed checkpoint: %w", err)
		}
	}
	return nil
}

// noTransition records that nothing handled the signal in this state.
// The durable row completes normally: an unhandled signal is an answer,
// not an error.
func (e *Engine) noTransition(ctx context.Context, sig models.Signal, stateBefore string, start time.Time) (models.StepTrace, error) {
	trace := models.StepTrace{
		CorrelationID: sig.CorrelationID,
		StateBefore:   stateBefore,
		SignalType:    sig.Type,
		StateAfter:    stateBefore,
		Result:        models.StepNoTransition,
	}

	err := e.stores.InTx(ctx, func(txs *store.Stores) error {
		if _, err := txs.StepTrace.Append(ctx, trace); err != nil {
			return err
		}
		if sig.Durable {
			return txs.Queue.Complete(ctx, sig.ID, true, "")
		}
		return nil
	})
	if err != nil {
		return models.StepTrace{}, fmt.Errorf("failed to record no_transition: %w", err)
	}

	e.logger.Debug("no transition",
		"signal_type", sig.Type,
		"state", stateBefore)
	e.emitStepEvent(trace, observe.LevelInfo, start)
	return trace, nil
}

// failStep marks the signal failed without advancing state and emits the
// synthetic action.failed signal. Failures while handling action.failed
// itself do not cascade.
func (e *Engine) failStep(ctx context.Context, sig models.Signal, stateBefore string, tr *models.Transition, summary string, start time.Time) (models.StepTrace, error) {
	trace := models.StepTrace{
		CorrelationID: sig.CorrelationID,
		StateBefore:   stateBefore,
		SignalType:    sig.Type,
		StateAfter:    stateBefore,
		Result:        models.StepError,
		ErrorSummary:  summary,
	}
	if tr != nil {
		trace.TransitionID = &tr.ID
		trace.ActionKey = tr.ActionKey
	}

	var synthetic *models.Signal
	if sig.Type != models.SignalActionFailed {
		s := models.NewDurableSignal(models.SignalActionFailed, map[string]any{
			"failed_signal_type": sig.Type,
			"failed_signal_id":   sig.ID,
			"error_summary":      summary,
		})
		s.CorrelationID = sig.CorrelationID
		s.Source = "fsm"
		synthetic = &s
	}

	err := e.stores.InTx(ctx, func(txs *store.Stores) error {
		if _, err := txs.StepTrace.Append(ctx, trace); err != nil {
			return err
		}
		if sig.Durable {
			if err := txs.Queue.Complete(ctx, sig.ID, false, summary); err != nil {
				return err
			}
		}
		if synthetic != nil {
			if _, err := txs.Queue.Enqueue(ctx, *synthetic); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.StepTrace{}, fmt.Errorf("failed to record step failure: %w", err)
	}

	if synthetic != nil {
		if pubErr := e.bus.Publish(ctx, *synthetic); pubErr != nil {
			e.logger.Warn("action.failed parked for poller", "error", pubErr)
		}
	}

	e.logger.Error("step failed",
		"signal_type", sig.Type,
		"state", stateBefore,
		"error_summary", summary,
		"correlation_id", sig.CorrelationID)
	e.emitStepEvent(trace, observe.LevelError, start)
	return trace, nil
}

func (e *Engine) isTerminal(ctx context.Context, stateKey string) bool {
	st, err := e.stores.Catalog.GetState(ctx, stateKey)
	if err != nil {
		e.logger.Warn("failed to check terminal state", "state", stateKey, "error", err)
		return false
	}
	return st.IsTerminal
}

func (e *Engine) emitStepEvent(trace models.StepTrace, level observe.Level, start time.Time) {
	if e.trace == nil {
		return
	}
	ev := observe.TraceEvent{
		Level:         level,
		Event:         "fsm.step",
		CorrelationID: trace.CorrelationID,
		Node:          trace.StateBefore,
		Status:        string(trace.Result),
		LatencyMS:     time.Since(start).Milliseconds(),
		Detail: map[string]any{
			"signal_type": trace.SignalType,
			"state_after": trace.StateAfter,
		},
	}
	if trace.ActionKey != "" {
		ev.Detail["action"] = trace.ActionKey
	}
	if trace.ErrorSummary != "" {
		ev.ErrorCode = trace.ErrorSummary
	}
	e.trace.Emit(ev)
}
