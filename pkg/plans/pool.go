package plans

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

// claimBatch is how many queued instances one pass lists. Claims
// arbitrate between workers, so overlap is harmless.
const claimBatch = 25

// Pool claims queued plan instances and runs them through their
// registered executors. Workers wake on plan.run signals and poll as a
// fallback. Execution is at-least-once: a crash between claim and
// commit leaves a running row the cleanup service re-queues.
type Pool struct {
	registry *Registry
	rt       *fsm.Runtime
	bus      *bus.Bus
	trace    fsm.TraceSink
	cfg      config.PlanConfig
	logger   *slog.Logger

	kick chan struct{}
	done chan struct{}
}

// NewPool wires the executor pool. Trace may be nil in tests.
func NewPool(registry *Registry, rt *fsm.Runtime, b *bus.Bus, trace fsm.TraceSink, cfg config.PlanConfig, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Pool{
		registry: registry,
		rt:       rt,
		bus:      b,
		trace:    trace,
		cfg:      cfg,
		logger:   logger.With("component", "plan_pool"),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	defer close(p.done)
	p.logger.Info("plan pool started", "workers", p.cfg.Workers)

	tap := p.bus.TapSignals(ctx)
	go func() {
		for sig := range tap {
			if sig.Type != models.SignalPlanRun {
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
	p.logger.Info("plan pool stopped")
}

// Done is closed when Run has returned.
func (p *Pool) Done() <-chan struct{} { return p.done }

func (p *Pool) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
	}
}

// drain claims and executes queued instances until none are left.
// ListInstances returns newest first; workers take the oldest so plans
// finish roughly in arrival order.
func (p *Pool) drain(ctx context.Context) {
	for {
		queued, err := p.rt.Stores.Plans.ListInstances(ctx, models.PlanQueued, claimBatch)
		if err != nil {
			p.logger.Error("failed to list queued plans", "error", err)
			return
		}
		if len(queued) == 0 {
			return
		}

		claimed := false
		for i := len(queued) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				return
			}
			inst := queued[i]
			err := p.rt.Stores.Plans.ClaimQueued(ctx, inst.ID)
			if errors.Is(err, store.ErrNotClaimable) {
				continue
			}
			if err != nil {
				p.logger.Error("failed to claim plan", "plan_id", inst.ID, "error", err)
				return
			}
			claimed = true
			p.execute(ctx, inst.ID)
		}
		if !claimed {
			return
		}
	}
}

// execute runs one claimed instance end to end: validate the payload
// against the pinned schema, dispatch by executor key, apply the
// declared effects with the outcome in one transaction.
func (p *Pool) execute(ctx context.Context, planID string) {
	start := time.Now()

	plan, err := p.rt.Stores.Plans.GetInstance(ctx, planID)
	if err != nil {
		p.logger.Error("claimed plan vanished", "plan_id", planID, "error", err)
		return
	}

	runID := uuid.NewString()
	if err := p.rt.Stores.Plans.StartRun(ctx, runID, planID); err != nil {
		p.logger.Error("failed to start plan run", "plan_id", planID, "error", err)
		return
	}
	p.emit(plan, observe.LevelInfo, "plan.started", string(models.PlanRunning), "", start)

	v, sch, err := p.registry.resolve(ctx, p.rt.Stores.Plans, plan.Kind, plan.Version)
	if err != nil {
		p.fail(ctx, plan, runID, fmt.Sprintf("unresolvable plan version %s/%d: %v", plan.Kind, plan.Version, err), start)
		return
	}
	if err := validatePayload(sch, plan.Payload); err != nil {
		p.fail(ctx, plan, runID, fmt.Sprintf("payload rejected by schema: %v", err), start)
		return
	}
	exec, ok := p.registry.Executor(v.ExecutorKey)
	if !ok {
		p.fail(ctx, plan, runID, fmt.Sprintf("no executor registered: %s", v.ExecutorKey), start)
		return
	}

	result, err := p.runExecutor(ctx, exec, plan)
	if err != nil {
		p.fail(ctx, plan, runID, err.Error(), start)
		return
	}
	if result.ResultCode == models.ResultFailed {
		summary := result.ErrorSummary
		if summary == "" {
			summary = "executor reported failure"
		}
		p.fail(ctx, plan, runID, summary, start)
		return
	}

	if err := p.complete(ctx, plan, runID, result); err != nil {
		p.fail(ctx, plan, runID, fmt.Sprintf("failed to apply plan effects: %v", err), start)
		return
	}
	p.emit(plan, observe.LevelInfo, "plan.completed", string(planStatus(result)), "", start)
	p.logger.Info("plan done",
		"plan_id", plan.ID,
		"kind", plan.Kind,
		"status", planStatus(result),
		"correlation_id", plan.CorrelationID)
}

// runExecutor contains panics to this one plan.
func (p *Pool) runExecutor(ctx context.Context, exec Executor, plan models.PlanInstance) (result models.ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return exec(ctx, plan, p.rt)
}

// complete commits the declared effects, the instance status, the run
// record, and the plan.finished signal together, then feeds the bus.
func (p *Pool) complete(ctx context.Context, plan models.PlanInstance, runID string, result models.ActionResult) error {
	status := planStatus(result)
	publish := make([]models.Signal, 0, len(result.NextSignals)+len(result.SliceRequests)+len(result.Plans)+1)

	err := p.rt.Stores.InTx(ctx, func(txs *store.Stores) error {
		for _, next := range result.NextSignals {
			if next.ID == "" {
				next.ID = uuid.NewString()
			}
			if next.CorrelationID == "" {
				next.CorrelationID = plan.CorrelationID
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
				spec.CorrelationID = plan.CorrelationID
			}
			if _, err := txs.Timed.Create(ctx, spec); err != nil {
				return fmt.Errorf("failed to create timed signal: %w", err)
			}
		}

		// Nested plans and slice requests re-enter through the bus so
		// the FSM stays the one place that admits work.
		for _, spec := range result.Plans {
			if spec.CorrelationID == "" {
				spec.CorrelationID = plan.CorrelationID
			}
			inst, err := p.registry.Instantiate(ctx, txs.Plans, spec)
			if err != nil {
				return fmt.Errorf("failed to create nested plan %s: %w", spec.Kind, err)
			}
			run := models.NewDurableSignal(models.SignalPlanRun, map[string]any{"plan_id": inst.ID})
			run.CorrelationID = inst.CorrelationID
			run.Source = "plan:" + plan.ID
			if _, err := txs.Queue.Enqueue(ctx, run); err != nil {
				return fmt.Errorf("failed to enqueue plan.run: %w", err)
			}
			publish = append(publish, run)
		}

		for _, req := range result.SliceRequests {
			sig := sliceSignal(req, plan)
			if _, err := txs.Queue.Enqueue(ctx, sig); err != nil {
				return fmt.Errorf("failed to enqueue slice request: %w", err)
			}
			publish = append(publish, sig)
		}

		if status == models.PlanDone {
			finished := finishedSignal(plan, status, "")
			if _, err := txs.Queue.Enqueue(ctx, finished); err != nil {
				return fmt.Errorf("failed to enqueue plan.finished: %w", err)
			}
			publish = append(publish, finished)
		}

		if err := txs.Plans.SetInstanceStatus(ctx, plan.ID, status, ""); err != nil {
			return err
		}
		return txs.Plans.FinishRun(ctx, runID, status, nil, effectSummary(result), "completed")
	})
	if err != nil {
		return err
	}

	for _, next := range publish {
		if pubErr := p.bus.Publish(ctx, next); pubErr != nil && !next.Durable {
			p.logger.Warn("dropped ephemeral signal on full bus", "signal_type", next.Type, "error", pubErr)
		}
	}
	for _, msg := range result.OutboundMessages {
		if msg.CorrelationID == "" {
			msg.CorrelationID = plan.CorrelationID
		}
		if pubErr := p.bus.PublishOutbound(ctx, msg); pubErr != nil {
			p.logger.Warn("failed to publish outbound message", "message_id", msg.ID, "error", pubErr)
		}
	}
	return nil
}

// fail marks the instance failed with a structured error and tells the
// user something went quiet instead of leaving silence.
func (p *Pool) fail(ctx context.Context, plan models.PlanInstance, runID, summary string, start time.Time) {
	finished := finishedSignal(plan, models.PlanFailed, summary)

	err := p.rt.Stores.InTx(ctx, func(txs *store.Stores) error {
		if err := txs.Plans.SetInstanceStatus(ctx, plan.ID, models.PlanFailed, summary); err != nil {
			return err
		}
		if err := txs.Plans.FinishRun(ctx, runID, models.PlanFailed, map[string]any{"error": summary}, nil, summary); err != nil {
			return err
		}
		_, err := txs.Queue.Enqueue(ctx, finished)
		return err
	})
	if err != nil {
		p.logger.Error("failed to record plan failure", "plan_id", plan.ID, "error", err)
		return
	}

	if pubErr := p.bus.Publish(ctx, finished); pubErr != nil {
		p.logger.Warn("plan.finished parked for poller", "error", pubErr)
	}

	out := models.NewOutbound(p.rt.Renderer.Fallback(render.KeyInternalPause, nil), plan.CorrelationID)
	out.ChannelType = plan.SourceChannel
	out.ChannelTarget = payloadString(plan.Payload, "target")
	out.Metadata = map[string]any{"reason": "plan_failed", "plan_kind": plan.Kind}
	if pubErr := p.bus.PublishOutbound(ctx, out); pubErr != nil {
		p.logger.Warn("failed to publish plan failure notice", "error", pubErr)
	}

	p.emit(plan, observe.LevelError, "plan.failed", string(models.PlanFailed), summary, start)
	p.logger.Error("plan failed",
		"plan_id", plan.ID,
		"kind", plan.Kind,
		"error_summary", summary,
		"correlation_id", plan.CorrelationID)
}

func (p *Pool) emit(plan models.PlanInstance, level observe.Level, event, status, errCode string, start time.Time) {
	if p.trace == nil {
		return
	}
	p.trace.Emit(observe.TraceEvent{
		Level:         level,
		Event:         event,
		CorrelationID: plan.CorrelationID,
		Status:        status,
		ErrorCode:     errCode,
		LatencyMS:     time.Since(start).Milliseconds(),
		Detail: map[string]any{
			"plan_id":      plan.ID,
			"plan_kind":    plan.Kind,
			"plan_version": plan.Version,
		},
	})
}

func planStatus(result models.ActionResult) models.PlanStatus {
	if result.ResultCode == models.ResultWaitingUser {
		return models.PlanAwaitingUser
	}
	return models.PlanDone
}

func finishedSignal(plan models.PlanInstance, status models.PlanStatus, summary string) models.Signal {
	payload := map[string]any{
		"plan_id":   plan.ID,
		"plan_kind": plan.Kind,
		"status":    string(status),
	}
	if summary != "" {
		payload["error_summary"] = summary
	}
	sig := models.NewDurableSignal(models.SignalPlanFinished, payload)
	sig.CorrelationID = plan.CorrelationID
	sig.Source = "plan:" + plan.ID
	return sig
}

// sliceSignal converts a declared slice request into the signal shape
// the slice-request action parses.
func sliceSignal(req models.SliceRequest, plan models.PlanInstance) models.Signal {
	payload := map[string]any{}
	if req.TaskID != "" {
		payload["task_id"] = req.TaskID
	}
	if req.OwnerID != "" {
		payload["owner_id"] = req.OwnerID
	}
	if req.ConversationKey != "" {
		payload["conversation_key"] = req.ConversationKey
	}
	if req.SessionID != "" {
		payload["session_id"] = req.SessionID
	}
	if req.Goal != "" {
		payload["goal"] = req.Goal
	}
	if req.Priority != 0 {
		payload["priority"] = req.Priority
	}
	if len(req.Payload) > 0 {
		payload["payload"] = req.Payload
	}

	sig := models.NewDurableSignal(models.SignalSliceRequested, payload)
	sig.CorrelationID = plan.CorrelationID
	sig.Source = "plan:" + plan.ID
	return sig
}

func effectSummary(result models.ActionResult) map[string]any {
	summary := map[string]any{}
	if n := len(result.NextSignals); n > 0 {
		summary["signals"] = n
	}
	if n := len(result.TimedSignals); n > 0 {
		summary["timed_signals"] = n
	}
	if n := len(result.Plans); n > 0 {
		summary["plans"] = n
	}
	if n := len(result.SliceRequests); n > 0 {
		summary["slice_requests"] = n
	}
	if n := len(result.OutboundMessages); n > 0 {
		summary["outbound"] = n
	}
	if len(summary) == 0 {
		return nil
	}
	return summary
}
