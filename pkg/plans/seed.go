package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/store"
)

const chatDefaultSystem = `You are Alphonse, the household's resident agent. Answer in one or two
warm, plain sentences.`

// BuiltinDefinitions returns version 1 of every built-in plan kind.
func BuiltinDefinitions() []Definition {
	return []Definition{
		{
			Kind:        KindCreateReminder,
			Version:     1,
			Title:       "Create reminder",
			Description: "Schedules a one-shot or recurring reminder as a timed signal.",
			ExecutorKey: KindCreateReminder,
			Schema: json.RawMessage(`{
				"$schema": "https://json-schema.org/draft/2020-12/schema",
				"type": "object",
				"required": ["task", "trigger_at"],
				"properties": {
					"task": {"type": "string", "minLength": 1},
					"trigger_at": {"type": "string"},
					"timezone": {"type": "string"},
					"rrule": {"type": "string"},
					"target": {"type": "string"},
					"channel_type": {"type": "string"}
				},
				"additionalProperties": false
			}`),
			Example: json.RawMessage(`{"task": "water the plants", "trigger_at": "2026-03-14T18:30:00Z", "target": "local"}`),
		},
		{
			Kind:        KindNotify,
			Version:     1,
			Title:       "Notify",
			Description: "Sends one outbound message through the extremities.",
			ExecutorKey: KindNotify,
			Schema: json.RawMessage(`{
				"$schema": "https://json-schema.org/draft/2020-12/schema",
				"type": "object",
				"required": ["message"],
				"properties": {
					"message": {"type": "string", "minLength": 1},
					"target": {"type": "string"},
					"channel_type": {"type": "string"},
					"urgency": {"type": "string", "enum": ["normal", "urgent"]}
				},
				"additionalProperties": false
			}`),
			Example: json.RawMessage(`{"message": "The wash cycle finished.", "target": "local"}`),
		},
		{
			Kind:        KindStartPDCATask,
			Version:     1,
			Title:       "Start task",
			Description: "Enqueues a cooperative task for the slice executor.",
			ExecutorKey: KindStartPDCATask,
			Schema: json.RawMessage(`{
				"$schema": "https://json-schema.org/draft/2020-12/schema",
				"type": "object",
				"required": ["goal"],
				"properties": {
					"goal": {"type": "string", "minLength": 1},
					"priority": {"type": "integer"},
					"owner_id": {"type": "string"},
					"conversation_key": {"type": "string"},
					"payload": {"type": "object"}
				},
				"additionalProperties": false
			}`),
			Example: json.RawMessage(`{"goal": "plan the week's meals", "priority": 5}`),
		},
		{
			Kind:        KindLLMChat,
			Version:     1,
			Title:       "LLM chat",
			Description: "Completes a prompt and sends the answer as an outbound message.",
			ExecutorKey: KindLLMChat,
			Schema: json.RawMessage(`{
				"$schema": "https://json-schema.org/draft/2020-12/schema",
				"type": "object",
				"required": ["prompt"],
				"properties": {
					"prompt": {"type": "string", "minLength": 1},
					"system": {"type": "string"},
					"target": {"type": "string"},
					"channel_type": {"type": "string"}
				},
				"additionalProperties": false
			}`),
			Example: json.RawMessage(`{"prompt": "Suggest a simple dinner for tonight."}`),
		},
		{
			Kind:        KindNoop,
			Version:     1,
			Title:       "No-op",
			Description: "Does nothing. Exercises the plan pipeline end to end.",
			ExecutorKey: KindNoop,
			Schema: json.RawMessage(`{
				"$schema": "https://json-schema.org/draft/2020-12/schema",
				"type": "object"
			}`),
			Example: json.RawMessage(`{}`),
		},
	}
}

// SeedBuiltins registers every built-in definition. Safe to call on
// every boot.
func SeedBuiltins(ctx context.Context, ps *store.PlanStore, r *Registry) error {
	for _, def := range BuiltinDefinitions() {
		if err := r.Define(ctx, ps, def); err != nil {
			return fmt.Errorf("failed to define plan kind %s/%d: %w", def.Kind, def.Version, err)
		}
	}
	return nil
}

// RegisterBuiltinExecutors installs the executors for the built-in
// kinds.
func RegisterBuiltinExecutors(r *Registry) error {
	executors := map[string]Executor{
		KindCreateReminder: execCreateReminder,
		KindNotify:         execNotify,
		KindStartPDCATask:  execStartTask,
		KindLLMChat:        execLLMChat,
		KindNoop:           execNoop,
	}
	for key, ex := range executors {
		if err := r.RegisterExecutor(key, ex); err != nil {
			return err
		}
	}
	return nil
}

func execCreateReminder(_ context.Context, plan models.PlanInstance, _ *fsm.Runtime) (models.ActionResult, error) {
	rawTrigger := payloadString(plan.Payload, "trigger_at")
	triggerAt, err := time.Parse(time.RFC3339, rawTrigger)
	if err != nil {
		return models.Failed(fmt.Sprintf("invalid trigger_at %q", rawTrigger)), nil
	}

	spec := models.TimedSignalSpec{
		TriggerAt:  triggerAt.UTC(),
		RRule:      payloadString(plan.Payload, "rrule"),
		Timezone:   payloadString(plan.Payload, "timezone"),
		SignalType: models.SignalReminderDue,
		Payload: map[string]any{
			"task":         payloadString(plan.Payload, "task"),
			"channel_type": payloadString(plan.Payload, "channel_type"),
		},
		Target:        payloadString(plan.Payload, "target"),
		Origin:        "plan:" + plan.ID,
		CorrelationID: plan.CorrelationID,
	}

	res := models.Succeeded()
	res.TimedSignals = []models.TimedSignalSpec{spec}
	return res, nil
}

func execNotify(_ context.Context, plan models.PlanInstance, _ *fsm.Runtime) (models.ActionResult, error) {
	out := models.NewOutbound(payloadString(plan.Payload, "message"), plan.CorrelationID)
	out.ChannelType = payloadString(plan.Payload, "channel_type")
	out.ChannelTarget = payloadString(plan.Payload, "target")
	if urgency := payloadString(plan.Payload, "urgency"); urgency != "" {
		out.Metadata = map[string]any{"urgency": urgency}
	}

	res := models.Succeeded()
	res.OutboundMessages = []models.OutboundMessage{out}
	return res, nil
}

func execStartTask(_ context.Context, plan models.PlanInstance, _ *fsm.Runtime) (models.ActionResult, error) {
	req := models.SliceRequest{
		OwnerID:         payloadString(plan.Payload, "owner_id"),
		ConversationKey: payloadString(plan.Payload, "conversation_key"),
		Goal:            payloadString(plan.Payload, "goal"),
		Priority:        payloadInt(plan.Payload, "priority"),
	}
	if req.OwnerID == "" {
		req.OwnerID = plan.Actor
	}
	if inner, ok := plan.Payload["payload"].(map[string]any); ok {
		req.Payload = inner
	}

	res := models.Succeeded()
	res.SliceRequests = []models.SliceRequest{req}
	return res, nil
}

func execLLMChat(ctx context.Context, plan models.PlanInstance, rt *fsm.Runtime) (models.ActionResult, error) {
	if rt.LLM == nil {
		return models.Failed("no LLM provider configured"), nil
	}
	system := payloadString(plan.Payload, "system")
	if system == "" {
		system = chatDefaultSystem
	}

	completion, err := rt.LLM.Complete(ctx, system, payloadString(plan.Payload, "prompt"))
	if err != nil {
		return models.Failed(fmt.Sprintf("completion failed: %v", err)), nil
	}

	out := models.NewOutbound(completion.Text, plan.CorrelationID)
	out.ChannelType = payloadString(plan.Payload, "channel_type")
	out.ChannelTarget = payloadString(plan.Payload, "target")

	res := models.Succeeded()
	res.OutboundMessages = []models.OutboundMessage{out}
	return res, nil
}

func execNoop(_ context.Context, _ models.PlanInstance, _ *fsm.Runtime) (models.ActionResult, error) {
	return models.Succeeded(), nil
}

func payloadString(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}
