package actions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/llm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/plans"
	"github.com/alphonse-agent/nerve/pkg/render"
	"github.com/alphonse-agent/nerve/pkg/store"
	"github.com/alphonse-agent/nerve/pkg/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRuntime builds a real runtime: sqlite-backed stores, seeded
// renderer, tool builtins, and a static LLM.
func newRuntime(t *testing.T, provider llm.Provider) *fsm.Runtime {
	t.Helper()
	ctx := context.Background()

	cfg := database.DefaultConfig(filepath.Join(t.TempDir(), "nerve.db"))
	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	stores := store.New(client)
	renderer := render.New(stores.Templates, testLogger())
	require.NoError(t, renderer.Seed(ctx))

	registry := tools.NewRegistry(testLogger())
	require.NoError(t, tools.RegisterBuiltins(registry))

	return &fsm.Runtime{
		Stores:   stores,
		Tools:    registry,
		Renderer: renderer,
		LLM:      provider,
		Logger:   testLogger(),
	}
}

func inboundSignal(text string) models.Signal {
	return models.NewDurableSignal(models.SignalCLIMessageReceived, map[string]any{
		"text":           text,
		"channel_type":   "cli",
		"channel_target": "local",
	})
}

func TestRegisterInstallsAllHandlers(t *testing.T) {
	reg := fsm.NewActionRegistry()
	require.NoError(t, Register(reg))

	for _, key := range []string{
		fsm.ActionShutdown,
		fsm.ActionIncomingMessage,
		fsm.ActionTimerFired,
		fsm.ActionFailure,
		fsm.ActionStatus,
		fsm.ActionTimedSignals,
		fsm.ActionSliceRequest,
		fsm.ActionPlanRun,
		fsm.ActionResume,
	} {
		_, ok := reg.Get(key)
		assert.True(t, ok, "missing handler for %s", key)
	}
}

func TestIncomingMessageReminderIntent(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := inboundSignal("remind me to water the plants in 2h")

	res, err := handleIncomingMessage(context.Background(), sig, rt)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSucceeded, res.ResultCode)

	require.Len(t, res.Plans, 1)
	plan := res.Plans[0]
	assert.Equal(t, plans.KindCreateReminder, plan.Kind)
	assert.Equal(t, "water the plants", plan.Payload["task"])
	assert.Equal(t, "local", plan.Payload["target"])
	assert.Equal(t, "cli", plan.Payload["channel_type"])

	trigger, parseErr := time.Parse(time.RFC3339, plan.Payload["trigger_at"].(string))
	require.NoError(t, parseErr)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), trigger, time.Minute)

	require.Len(t, res.OutboundMessages, 1)
	ack := res.OutboundMessages[0]
	assert.Contains(t, ack.Message, "water the plants")
	assert.Equal(t, "cli", ack.ChannelType)
	assert.Equal(t, "local", ack.ChannelTarget)
}

func TestIncomingMessageReminderIntentAtWallClock(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := inboundSignal("remind me to take the roast out at 18:30")

	res, err := handleIncomingMessage(context.Background(), sig, rt)
	require.NoError(t, err)

	require.Len(t, res.Plans, 1)
	assert.Equal(t, "take the roast out", res.Plans[0].Payload["task"])

	trigger, parseErr := time.Parse(time.RFC3339, res.Plans[0].Payload["trigger_at"].(string))
	require.NoError(t, parseErr)
	assert.True(t, trigger.After(time.Now()), "wall-clock reminder must land in the future")
}

func TestIncomingMessageUnparseableTimeAsksToClarify(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := inboundSignal("remind me to stretch in banana")

	res, err := handleIncomingMessage(context.Background(), sig, rt)
	require.NoError(t, err)

	assert.Empty(t, res.Plans)
	require.Len(t, res.OutboundMessages, 1)
	assert.NotEmpty(t, res.OutboundMessages[0].Message)
	assert.NotContains(t, res.OutboundMessages[0].Message, "<no value>")
}

func TestIncomingMessageChatGoesThroughLLM(t *testing.T) {
	provider := &llm.Static{Responses: []string{"Soup sounds right for tonight."}}
	rt := newRuntime(t, provider)
	sig := inboundSignal("what should we cook tonight?")

	res, err := handleIncomingMessage(context.Background(), sig, rt)
	require.NoError(t, err)

	assert.Empty(t, res.Plans)
	require.Len(t, res.OutboundMessages, 1)
	assert.Equal(t, "Soup sounds right for tonight.", res.OutboundMessages[0].Message)
	assert.Equal(t, []string{"what should we cook tonight?"}, provider.Calls())
}

func TestIncomingMessageLLMFailurePausesCalmly(t *testing.T) {
	rt := newRuntime(t, &llm.Static{Err: errors.New("connection refused")})
	sig := inboundSignal("tell me something nice")

	res, err := handleIncomingMessage(context.Background(), sig, rt)
	require.NoError(t, err)

	assert.Equal(t, models.ResultWaitingUser, res.ResultCode)
	require.Len(t, res.OutboundMessages, 1)
	msg := res.OutboundMessages[0]
	assert.NotEmpty(t, msg.Message)
	assert.Equal(t, "llm_unavailable", msg.Metadata["reason"])
	assert.Equal(t, "local", msg.ChannelTarget)
}

func TestIncomingMessageNoProviderPauses(t *testing.T) {
	rt := newRuntime(t, nil)
	sig := inboundSignal("hello there")

	res, err := handleIncomingMessage(context.Background(), sig, rt)
	require.NoError(t, err)

	require.Len(t, res.OutboundMessages, 1)
	assert.Equal(t, "llm_not_configured", res.OutboundMessages[0].Metadata["reason"])
}

func TestIncomingMessageEmptyTextAsksToClarify(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := inboundSignal("   ")

	res, err := handleIncomingMessage(context.Background(), sig, rt)
	require.NoError(t, err)

	assert.Empty(t, res.Plans)
	require.Len(t, res.OutboundMessages, 1)
	assert.NotEmpty(t, res.OutboundMessages[0].Message)
}

func TestParseReminderIntent(t *testing.T) {
	tests := []struct {
		text     string
		wantTask string
		wantWhen string
		wantOK   bool
	}{
		{"remind me to water the plants in 10m", "water the plants", "in 10m", true},
		{"Remind me to call mum at 18:30", "call mum", "18:30", true},
		{"remind me to stretch tomorrow 08:00", "stretch", "tomorrow 08:00", true},
		{"remind me to breathe.", "", "", false},
		{"what's the weather like", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		task, when, ok := parseReminderIntent(tt.text)
		assert.Equal(t, tt.wantOK, ok, "text %q", tt.text)
		if tt.wantOK {
			assert.Equal(t, tt.wantTask, task, "text %q", tt.text)
			assert.Equal(t, tt.wantWhen, when, "text %q", tt.text)
		}
	}
}

func TestTimerFiredReminderDue(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := models.NewDurableSignal(models.SignalTimedSignalFired, map[string]any{
		"signal_type": models.SignalReminderDue,
		"payload":     map[string]any{"task": "stretch", "channel_type": "cli"},
		"target":      "local",
	})

	res, err := handleTimerFired(context.Background(), sig, rt)
	require.NoError(t, err)

	require.Len(t, res.OutboundMessages, 1)
	msg := res.OutboundMessages[0]
	assert.Contains(t, msg.Message, "stretch")
	assert.Equal(t, "local", msg.ChannelTarget)
	assert.Equal(t, "cli", msg.ChannelType)
	assert.True(t, msg.Urgent(), "reminders bypass do-not-disturb")
}

func TestTimerFiredReemitsInnerSignal(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := models.NewDurableSignal(models.SignalTimedSignalFired, map[string]any{
		"signal_type": "garden.check_moisture",
		"payload":     map[string]any{"bed": "north"},
	})
	sig.CorrelationID = "corr-g"

	res, err := handleTimerFired(context.Background(), sig, rt)
	require.NoError(t, err)

	assert.Empty(t, res.OutboundMessages)
	require.Len(t, res.NextSignals, 1)
	next := res.NextSignals[0]
	assert.Equal(t, "garden.check_moisture", next.Type)
	assert.Equal(t, "north", next.Payload["bed"])
	assert.Equal(t, "corr-g", next.CorrelationID)
	assert.True(t, next.Durable)
}

func TestTimerFiredBareTick(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := models.NewDurableSignal(models.SignalTimerFired, nil)

	res, err := handleTimerFired(context.Background(), sig, rt)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSucceeded, res.ResultCode)
	assert.Empty(t, res.NextSignals)
	assert.Empty(t, res.OutboundMessages)
}

func TestTimedSignalsCreateDeclaresRow(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	trigger := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	sig := models.NewDurableSignal(models.SignalAPITimedSigsRequested, map[string]any{
		"op":             "create",
		"trigger_at":     trigger,
		"payload":        map[string]any{"task": "bins"},
		"target":         "local",
		"channel_type":   "api",
		"channel_target": "local",
	})

	res, err := handleTimedSignals(context.Background(), sig, rt)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSucceeded, res.ResultCode)

	require.Len(t, res.TimedSignals, 1)
	spec := res.TimedSignals[0]
	assert.Equal(t, models.SignalReminderDue, spec.SignalType)
	assert.Equal(t, "local", spec.Target)
	assert.Equal(t, "bins", spec.Payload["task"])
	require.Len(t, res.OutboundMessages, 1)
}

func TestTimedSignalsCreateRejectsBadTrigger(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := models.NewDurableSignal(models.SignalAPITimedSigsRequested, map[string]any{
		"op":         "create",
		"trigger_at": "half past whenever",
	})

	res, err := handleTimedSignals(context.Background(), sig, rt)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, res.ResultCode)
	assert.Contains(t, res.ErrorSummary, "invalid trigger_at")
}

func TestTimedSignalsListAndCancel(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	ctx := context.Background()

	id, err := rt.Stores.Timed.Create(ctx, models.TimedSignalSpec{
		TriggerAt:  time.Now().Add(time.Hour),
		SignalType: models.SignalReminderDue,
		Payload:    map[string]any{"task": "bins"},
	})
	require.NoError(t, err)

	listSig := models.NewDurableSignal(models.SignalAPITimedSigsRequested, map[string]any{"op": "list"})
	res, err := handleTimedSignals(ctx, listSig, rt)
	require.NoError(t, err)
	require.Len(t, res.OutboundMessages, 1)
	assert.Contains(t, res.OutboundMessages[0].Message, "1 timed signals pending")

	cancelSig := models.NewDurableSignal(models.SignalAPITimedSigsRequested, map[string]any{"op": "cancel", "id": id})
	res, err = handleTimedSignals(ctx, cancelSig, rt)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSucceeded, res.ResultCode)

	row, err := rt.Stores.Timed.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TimedCancelled, row.Status)

	res, err = handleTimedSignals(ctx, cancelSig, rt)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, res.ResultCode)
	assert.Contains(t, res.ErrorSummary, "not pending")
}

func TestTimedSignalsUnknownOpFails(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := models.NewDurableSignal(models.SignalAPITimedSigsRequested, map[string]any{"op": "defenestrate"})

	res, err := handleTimedSignals(context.Background(), sig, rt)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, res.ResultCode)
}

func TestStatusReportsCounts(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	ctx := context.Background()
	require.NoError(t, rt.Stores.Runtime.InitCurrentState(ctx, "idle"))

	_, err := rt.Stores.Queue.Enqueue(ctx, models.NewDurableSignal("noop", nil))
	require.NoError(t, err)
	_, err = rt.Stores.Timed.Create(ctx, models.TimedSignalSpec{
		TriggerAt:  time.Now().Add(time.Hour),
		SignalType: models.SignalReminderDue,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Stores.Tasks.Enqueue(ctx, models.Task{ID: "t1", Goal: "sort the post"}))

	sig := models.NewDurableSignal(models.SignalAPIStatusRequested, map[string]any{"channel_target": "local"})
	res, err := handleStatus(ctx, sig, rt)
	require.NoError(t, err)

	require.Len(t, res.OutboundMessages, 1)
	msg := res.OutboundMessages[0]
	assert.Contains(t, msg.Message, "idle")
	assert.Equal(t, "local", msg.ChannelTarget)

	status, ok := msg.Metadata["status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, status["timers_pending"])
}

func TestResumeStaleCheckpointIgnored(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	ctx := context.Background()

	require.NoError(t, rt.Stores.Tasks.Enqueue(ctx, models.Task{ID: "t-res", Goal: "sort shelves"}))
	require.NoError(t, rt.Stores.Tasks.SaveCheckpoint(ctx, models.Checkpoint{
		TaskID:    "t-res",
		StateJSON: map[string]any{"step": 3},
	}, 0))
	require.NoError(t, rt.Stores.Tasks.SaveCheckpoint(ctx, models.Checkpoint{
		TaskID:    "t-res",
		StateJSON: map[string]any{"step": 4},
	}, 1))

	stale := models.NewDurableSignal(models.SignalResumeRequested, map[string]any{
		"task_id":            "t-res",
		"checkpoint_version": 1,
	})
	res, err := handleResume(ctx, stale, rt)
	require.NoError(t, err)
	assert.Empty(t, res.SliceRequests, "stale resume must not requeue")

	fresh := models.NewDurableSignal(models.SignalResumeRequested, map[string]any{
		"task_id":            "t-res",
		"checkpoint_version": 2,
	})
	res, err = handleResume(ctx, fresh, rt)
	require.NoError(t, err)
	require.Len(t, res.SliceRequests, 1)
	assert.True(t, res.SliceRequests[0].Resume)
	assert.Equal(t, "t-res", res.SliceRequests[0].TaskID)
}

func TestResumeUnknownTaskFails(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := models.NewDurableSignal(models.SignalResumeRequested, map[string]any{"task_id": "ghost"})

	res, err := handleResume(context.Background(), sig, rt)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, res.ResultCode)
}

func TestActionFailureAlwaysAnswers(t *testing.T) {
	rt := newRuntime(t, &llm.Static{})
	sig := models.NewDurableSignal(models.SignalActionFailed, map[string]any{
		"failed_signal_type": "cli.message_received",
		"error_summary":      "timeout after 5s",
	})

	res, err := handleActionFailure(context.Background(), sig, rt)
	require.NoError(t, err)

	require.Len(t, res.OutboundMessages, 1)
	msg := res.OutboundMessages[0]
	assert.NotEmpty(t, msg.Message)
	assert.Equal(t, "action_failed", msg.Metadata["reason"])
	assert.Equal(t, "timeout after 5s", msg.Metadata["error_summary"])
}
