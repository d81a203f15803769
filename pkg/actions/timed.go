package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/render"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// handleTimerFired unwraps a scheduler dispatch. The scheduler wraps the
// scheduled signal in an envelope so a single transition can route every
// timer; the inner signal_type decides what actually happens.
func handleTimerFired(ctx context.Context, sig models.Signal, rt *fsm.Runtime) (models.ActionResult, error) {
	inner := stringField(sig.Payload, "signal_type")
	innerPayload, _ := sig.Payload["payload"].(map[string]any)
	target := stringField(sig.Payload, "target")

	switch inner {
	case models.SignalReminderDue:
		task := stringField(innerPayload, "task")
		body := rt.Renderer.RenderOrFallback(ctx, render.KeyReminderDue,
			map[string]any{"Task": task}, render.KeyGenericUnknown)

		out := models.NewOutbound(body, sig.CorrelationID)
		out.ChannelType = stringField(innerPayload, "channel_type")
		out.ChannelTarget = target
		out.Metadata = map[string]any{"urgency": "urgent"}

		res := models.Succeeded()
		res.OutboundMessages = []models.OutboundMessage{out}
		return res, nil

	case "":
		// A bare tick. Nothing to route; the trace row is the record.
		return models.Succeeded(), nil

	default:
		next := models.NewDurableSignal(inner, innerPayload)
		next.Source = "timer"
		next.CorrelationID = sig.CorrelationID

		res := models.Succeeded()
		res.NextSignals = []models.Signal{next}
		return res, nil
	}
}

// handleTimedSignals serves the schedule management surface: list,
// create, cancel. Create is declared on the result so it commits with
// the step; cancel writes through the store directly because
// cancellation must take effect even if the step later fails.
func handleTimedSignals(ctx context.Context, sig models.Signal, rt *fsm.Runtime) (models.ActionResult, error) {
	op := stringField(sig.Payload, "op")
	if op == "" {
		op = "list"
	}

	switch op {
	case "list":
		return listTimedSignals(ctx, sig, rt)
	case "create":
		return createTimedSignal(sig)
	case "cancel":
		return cancelTimedSignal(ctx, sig, rt)
	default:
		return models.Failed(fmt.Sprintf("unknown timed-signal op: %s", op)), nil
	}
}

func listTimedSignals(ctx context.Context, sig models.Signal, rt *fsm.Runtime) (models.ActionResult, error) {
	rows, err := rt.Stores.Timed.List(ctx, models.TimedPending, 50)
	if err != nil {
		return models.Failed("schedule unavailable"), nil
	}

	body := fmt.Sprintf("%d timed signals pending.", len(rows))
	if len(rows) > 0 {
		// List comes back newest first; the one the user cares about
		// is the soonest.
		soonest := rows[len(rows)-1]
		body = fmt.Sprintf("%d timed signals pending; next is %s at %s.",
			len(rows), soonest.SignalType, soonest.TriggerAt.Local().Format("Mon Jan 2 15:04"))
	}

	out := models.NewOutbound(body, sig.CorrelationID)
	applyChannel(&out, sig.Payload)
	out.Metadata = map[string]any{"timed_signals": rows}

	res := models.Succeeded()
	res.OutboundMessages = []models.OutboundMessage{out}
	return res, nil
}

func createTimedSignal(sig models.Signal) (models.ActionResult, error) {
	rawTrigger := stringField(sig.Payload, "trigger_at")
	triggerAt, err := time.Parse(time.RFC3339, rawTrigger)
	if err != nil {
		return models.Failed(fmt.Sprintf("invalid trigger_at %q", rawTrigger)), nil
	}

	spec := models.TimedSignalSpec{
		TriggerAt:     triggerAt,
		RRule:         stringField(sig.Payload, "rrule"),
		Timezone:      stringField(sig.Payload, "timezone"),
		SignalType:    stringField(sig.Payload, "signal_type"),
		Target:        stringField(sig.Payload, "target"),
		Origin:        stringField(sig.Payload, "origin"),
		CorrelationID: sig.CorrelationID,
	}
	if spec.SignalType == "" {
		spec.SignalType = models.SignalReminderDue
	}
	if spec.Origin == "" {
		spec.Origin = sig.Source
	}
	if inner, ok := sig.Payload["payload"].(map[string]any); ok {
		spec.Payload = inner
	}

	out := models.NewOutbound(fmt.Sprintf("Scheduled %s for %s.",
		spec.SignalType, triggerAt.Local().Format("Mon Jan 2 15:04")), sig.CorrelationID)
	applyChannel(&out, sig.Payload)

	res := models.Succeeded()
	res.TimedSignals = []models.TimedSignalSpec{spec}
	res.OutboundMessages = []models.OutboundMessage{out}
	return res, nil
}

func cancelTimedSignal(ctx context.Context, sig models.Signal, rt *fsm.Runtime) (models.ActionResult, error) {
	id := int64(asFloat(sig.Payload["id"]))
	if id == 0 {
		return models.Failed("cancel requires an id"), nil
	}

	err := rt.Stores.Timed.Cancel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Failed(fmt.Sprintf("timed signal %d is not pending", id)), nil
	}
	if err != nil {
		return models.Failed("schedule unavailable"), nil
	}

	out := models.NewOutbound(fmt.Sprintf("Cancelled timed signal %d.", id), sig.CorrelationID)
	applyChannel(&out, sig.Payload)

	res := models.Succeeded()
	res.OutboundMessages = []models.OutboundMessage{out}
	return res, nil
}
