package actions

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/plans"
	"github.com/alphonse-agent/nerve/pkg/render"
	"github.com/alphonse-agent/nerve/pkg/store"
	"github.com/alphonse-agent/nerve/pkg/tools"
)

const chatSystemPrompt = `You are Alphonse, the household's resident agent. You live in this home,
you remember what its people tell you, and you help with reminders,
schedules, and small questions. Answer in one or two warm, plain
sentences. If you cannot help, say so directly and suggest what you can
do instead.`

// reminderPattern matches the deterministic reminder intent:
// "remind me to <task> in 10m | at 18:30 | tomorrow 08:00".
var reminderPattern = regexp.MustCompile(`(?i)^remind me to (.+?)\s+((?:in|at)\s+\S.*|tomorrow\s+\S.*)$`)

// handleIncomingMessage is the conversational front door. Reminder
// intents are parsed deterministically and become typed plans; anything
// else goes to the LLM, degrading to a calm pause when the provider is
// down or answers nothing usable.
func handleIncomingMessage(ctx context.Context, sig models.Signal, rt *fsm.Runtime) (models.ActionResult, error) {
	msg := models.InboundFromPayload(sig.Payload)
	text := strings.TrimSpace(msg.Text)

	if text == "" {
		return clarify(ctx, rt, sig, msg, ""), nil
	}
	if task, when, ok := parseReminderIntent(text); ok {
		return scheduleReminder(ctx, rt, sig, msg, task, when), nil
	}
	return chat(ctx, rt, sig, msg, text), nil
}

func parseReminderIntent(text string) (task, when string, ok bool) {
	m := reminderPattern.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	task = strings.TrimRight(strings.TrimSpace(m[1]), ".!?")
	when = strings.TrimSpace(m[2])
	if rest, found := strings.CutPrefix(strings.ToLower(when), "at "); found {
		when = rest
	}
	return task, when, task != "" && when != ""
}

func scheduleReminder(ctx context.Context, rt *fsm.Runtime, sig models.Signal, msg models.InboundMessage, task, when string) models.ActionResult {
	args := map[string]any{"when": when}
	if tz, err := rt.Stores.Household.GetPreference(ctx, store.PrefTimezone); err == nil && tz != "" {
		args["timezone"] = tz
	}

	parsed := rt.Tools.Invoke(ctx, tools.ToolReminderParse, args)
	if parsed.Status != tools.StatusOK {
		rt.Logger.Info("reminder time not parseable", "when", when, "error", parsed.Error)
		return clarify(ctx, rt, sig, msg, when)
	}

	fields, ok := parsed.Result.(map[string]any)
	if !ok {
		return clarify(ctx, rt, sig, msg, when)
	}
	triggerAt, _ := fields["trigger_at"].(string)
	timezone, _ := fields["timezone"].(string)

	plan := models.PlanSpec{
		Kind: plans.KindCreateReminder,
		Payload: map[string]any{
			"task":         task,
			"trigger_at":   triggerAt,
			"timezone":     timezone,
			"target":       msg.ChannelTarget,
			"channel_type": msg.ChannelType,
		},
		Actor:            msg.UserID,
		SourceChannel:    msg.ChannelType,
		IntentConfidence: 1,
		CorrelationID:    sig.CorrelationID,
	}

	ack := rt.Renderer.RenderOrFallback(ctx, render.KeyReminderScheduled, map[string]any{
		"Task": task,
		"When": humanTime(triggerAt),
	}, render.KeyGenericUnknown)

	out := models.NewOutbound(ack, sig.CorrelationID)
	out.ChannelType = msg.ChannelType
	out.ChannelTarget = msg.ChannelTarget

	res := models.Succeeded()
	res.Plans = []models.PlanSpec{plan}
	res.OutboundMessages = []models.OutboundMessage{out}
	return res
}

func chat(ctx context.Context, rt *fsm.Runtime, sig models.Signal, msg models.InboundMessage, text string) models.ActionResult {
	if rt.LLM == nil {
		return pause(rt, sig, msg, "llm_not_configured")
	}

	completion, err := rt.LLM.Complete(ctx, chatSystemPrompt, text)
	if err != nil {
		rt.Logger.Warn("completion failed, degrading", "error", err)
		return pause(rt, sig, msg, "llm_unavailable")
	}
	reply := strings.TrimSpace(completion.Text)
	if reply == "" {
		return pause(rt, sig, msg, "next_step_parse_failed")
	}

	out := models.NewOutbound(reply, sig.CorrelationID)
	out.ChannelType = msg.ChannelType
	out.ChannelTarget = msg.ChannelTarget

	res := models.Succeeded()
	res.OutboundMessages = []models.OutboundMessage{out}
	return res
}

// pause answers with the calm internal-pause message instead of failing
// the step: the user hears back, the reason lands in metadata for the
// trace readers.
func pause(rt *fsm.Runtime, sig models.Signal, msg models.InboundMessage, reason string) models.ActionResult {
	out := models.NewOutbound(rt.Renderer.Fallback(render.KeyInternalPause, nil), sig.CorrelationID)
	out.ChannelType = msg.ChannelType
	out.ChannelTarget = msg.ChannelTarget
	out.Metadata = map[string]any{"reason": reason}

	res := models.ActionResult{ResultCode: models.ResultWaitingUser}
	res.OutboundMessages = []models.OutboundMessage{out}
	return res
}

func clarify(ctx context.Context, rt *fsm.Runtime, sig models.Signal, msg models.InboundMessage, snippet string) models.ActionResult {
	vars := map[string]any{}
	if snippet != "" {
		vars["Text"] = snippet
	}
	out := models.NewOutbound(rt.Renderer.RenderOrFallback(ctx, render.KeyClarifyIntent, vars, render.KeyClarifyIntent), sig.CorrelationID)
	out.ChannelType = msg.ChannelType
	out.ChannelTarget = msg.ChannelTarget

	res := models.Succeeded()
	res.OutboundMessages = []models.OutboundMessage{out}
	return res
}

func humanTime(rfc3339 string) string {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return fmt.Sprintf("%s at %s", t.Format("Mon Jan 2"), t.Format("15:04"))
}
