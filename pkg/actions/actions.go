// Package actions implements the handlers the default catalog binds to
// transitions. Handlers read through the fsm.Runtime facade and declare
// every effect in the ActionResult; the engine commits effects atomically
// with the state change.
package actions

import (
	"context"
	"fmt"

	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/render"
)

// Register installs every built-in handler into the registry.
func Register(reg *fsm.ActionRegistry) error {
	handlers := map[string]fsm.Action{
		fsm.ActionShutdown:        handleShutdown,
		fsm.ActionIncomingMessage: handleIncomingMessage,
		fsm.ActionTimerFired:      handleTimerFired,
		fsm.ActionFailure:         handleActionFailure,
		fsm.ActionStatus:          handleStatus,
		fsm.ActionTimedSignals:    handleTimedSignals,
		fsm.ActionSliceRequest:    handleSliceRequest,
		fsm.ActionPlanRun:         handlePlanRun,
		fsm.ActionResume:          handleResume,
	}
	for key, h := range handlers {
		if err := reg.Register(key, h); err != nil {
			return fmt.Errorf("failed to register actions: %w", err)
		}
	}
	return nil
}

// handleShutdown acknowledges the orderly stop. The engine halts by
// itself once the machine lands in the terminal state.
func handleShutdown(ctx context.Context, sig models.Signal, rt *fsm.Runtime) (models.ActionResult, error) {
	res := models.Succeeded()
	msg := models.NewOutbound(rt.Renderer.RenderOrFallback(ctx, render.KeyShutdown, nil, render.KeyGenericUnknown), sig.CorrelationID)
	applyChannel(&msg, sig.Payload)
	res.OutboundMessages = []models.OutboundMessage{msg}
	return res, nil
}

// handleActionFailure runs in the error path with no LLM and no lookups
// that can fail. Its one job is making sure whoever asked hears back
// instead of timing out.
func handleActionFailure(_ context.Context, sig models.Signal, rt *fsm.Runtime) (models.ActionResult, error) {
	res := models.Succeeded()
	msg := models.NewOutbound(rt.Renderer.Fallback(render.KeyGenericUnknown, nil), sig.CorrelationID)
	msg.Metadata = map[string]any{"reason": "action_failed"}
	if summary, ok := sig.Payload["error_summary"].(string); ok && summary != "" {
		msg.Metadata["error_summary"] = summary
	}
	res.OutboundMessages = []models.OutboundMessage{msg}
	return res, nil
}

// handleSliceRequest turns a slice-request signal into the declared
// task enqueue the engine applies transactionally.
func handleSliceRequest(_ context.Context, sig models.Signal, _ *fsm.Runtime) (models.ActionResult, error) {
	req := models.SliceRequest{
		TaskID:          stringField(sig.Payload, "task_id"),
		OwnerID:         stringField(sig.Payload, "owner_id"),
		ConversationKey: stringField(sig.Payload, "conversation_key"),
		SessionID:       stringField(sig.Payload, "session_id"),
		Goal:            stringField(sig.Payload, "goal"),
		Priority:        intField(sig.Payload, "priority"),
	}
	if payload, ok := sig.Payload["payload"].(map[string]any); ok {
		req.Payload = payload
	}
	if req.Goal == "" && req.TaskID == "" {
		return models.Failed("slice request carries neither goal nor task_id"), nil
	}

	res := models.Succeeded()
	res.SliceRequests = []models.SliceRequest{req}
	return res, nil
}

// handlePlanRun verifies the referenced plan instance exists. The plan
// executor pool polls for queued instances; the signal is the wake-up
// record, not the unit of work.
func handlePlanRun(ctx context.Context, sig models.Signal, rt *fsm.Runtime) (models.ActionResult, error) {
	planID := stringField(sig.Payload, "plan_id")
	if planID == "" {
		return models.Failed("plan.run signal without plan_id"), nil
	}
	if _, err := rt.Stores.Plans.GetInstance(ctx, planID); err != nil {
		return models.Failed(fmt.Sprintf("plan %s not found", planID)), nil
	}
	return models.Succeeded(), nil
}

// handleResume requeues a parked task. A request carrying a checkpoint
// version older than the stored one is stale and ignored: the user
// answered an earlier question, not the current one.
func handleResume(ctx context.Context, sig models.Signal, rt *fsm.Runtime) (models.ActionResult, error) {
	taskID := stringField(sig.Payload, "task_id")
	if taskID == "" {
		return models.Failed("resume request without task_id"), nil
	}
	if _, err := rt.Stores.Tasks.Get(ctx, taskID); err != nil {
		return models.Failed(fmt.Sprintf("task %s not found", taskID)), nil
	}

	if raw, ok := sig.Payload["checkpoint_version"]; ok {
		requested := int64(asFloat(raw))
		cp, err := rt.Stores.Tasks.GetCheckpoint(ctx, taskID)
		if err != nil {
			return models.ActionResult{}, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if requested < cp.Version {
			rt.Logger.Info("ignoring stale resume request",
				"task_id", taskID,
				"requested_version", requested,
				"current_version", cp.Version)
			return models.Succeeded(), nil
		}
	}

	res := models.Succeeded()
	res.SliceRequests = []models.SliceRequest{{TaskID: taskID, Resume: true}}
	return res, nil
}

// handleStatus assembles a human status line plus a structured snapshot
// in the outbound metadata.
func handleStatus(ctx context.Context, sig models.Signal, rt *fsm.Runtime) (models.ActionResult, error) {
	state, err := rt.Stores.Runtime.CurrentState(ctx)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to read state: %w", err)
	}
	depth, err := rt.Stores.Queue.Depth(ctx)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	pendingTimers, err := rt.Stores.Timed.List(ctx, models.TimedPending, 500)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to list timed signals: %w", err)
	}

	active := 0
	byStatus := map[string]int{}
	for _, status := range []models.TaskStatus{models.TaskQueued, models.TaskRunning, models.TaskWaitingUser} {
		tasks, err := rt.Stores.Tasks.List(ctx, status, 500)
		if err != nil {
			return models.ActionResult{}, fmt.Errorf("failed to list tasks: %w", err)
		}
		byStatus[string(status)] = len(tasks)
		active += len(tasks)
	}

	vars := map[string]any{
		"State":         state,
		"QueueDepth":    depth[models.SignalQueued],
		"TimersPending": len(pendingTimers),
		"TasksActive":   active,
	}
	body := rt.Renderer.RenderOrFallback(ctx, render.KeyStatusReport, vars, render.KeyGenericUnknown)

	msg := models.NewOutbound(body, sig.CorrelationID)
	applyChannel(&msg, sig.Payload)
	msg.Metadata = map[string]any{
		"status": map[string]any{
			"state":          state,
			"queue":          depthCounts(depth),
			"timers_pending": len(pendingTimers),
			"tasks":          byStatus,
		},
	}

	res := models.Succeeded()
	res.OutboundMessages = []models.OutboundMessage{msg}
	return res, nil
}

func depthCounts(depth map[models.SignalStatus]int) map[string]int {
	out := make(map[string]int, len(depth))
	for status, n := range depth {
		out[string(status)] = n
	}
	return out
}

// applyChannel copies reply-routing fields from a signal payload onto an
// outbound message so the answer lands where the question came from.
func applyChannel(msg *models.OutboundMessage, payload map[string]any) {
	if v := stringField(payload, "channel_type"); v != "" {
		msg.ChannelType = v
	}
	if v := stringField(payload, "channel_target"); v != "" {
		msg.ChannelTarget = v
	}
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// intField reads a numeric payload field. JSON decoding produces
// float64; native ints appear when signals are built in process.
func intField(payload map[string]any, key string) int {
	return int(asFloat(payload[key]))
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
