package plans

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/llm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/render"
	"github.com/alphonse-agent/nerve/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type rig struct {
	stores   *store.Stores
	bus      *bus.Bus
	registry *Registry
	rt       *fsm.Runtime
	pool     *Pool
}

func newRig(t *testing.T) *rig {
	t.Helper()

	cfg := database.DefaultConfig(filepath.Join(t.TempDir(), "nerve.db"))
	client, err := database.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	stores := store.New(client)
	b := bus.New(config.BusConfig{Capacity: 16, TapBuffer: 8}, testLogger())
	t.Cleanup(b.Shutdown)

	registry := NewRegistry(testLogger())
	rt := &fsm.Runtime{
		Stores:   stores,
		Renderer: render.New(stores.Templates, testLogger()),
		LLM:      &llm.Static{Responses: []string{"a light pasta tonight"}},
		Logger:   testLogger(),
	}
	pool := NewPool(registry, rt, b, nil, config.PlanConfig{Workers: 1, PollInterval: 50 * time.Millisecond}, testLogger())
	return &rig{stores: stores, bus: b, registry: registry, rt: rt, pool: pool}
}

func (r *rig) seedBuiltins(t *testing.T) {
	t.Helper()
	require.NoError(t, SeedBuiltins(context.Background(), r.stores.Plans, r.registry))
	require.NoError(t, RegisterBuiltinExecutors(r.registry))
}

func recvSignal(t *testing.T, ch <-chan models.Signal, want string) models.Signal {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sig, ok := <-ch:
			require.True(t, ok, "tap closed while waiting for %s", want)
			if sig.Type == want {
				return sig
			}
		case <-deadline:
			t.Fatalf("timed out waiting for signal %s", want)
		}
	}
}

func recvOutbound(t *testing.T, ch <-chan models.OutboundMessage) models.OutboundMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "outbound tap closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return models.OutboundMessage{}
	}
}

func TestSeedBuiltinsIsIdempotent(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, SeedBuiltins(ctx, r.stores.Plans, r.registry))
	require.NoError(t, SeedBuiltins(ctx, r.stores.Plans, r.registry))

	kinds, err := r.stores.Plans.ListKinds(ctx)
	require.NoError(t, err)
	assert.Len(t, kinds, 5)

	v, err := r.stores.Plans.GetVersion(ctx, KindCreateReminder, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, KindCreateReminder, v.ExecutorKey)
}

func TestRegisterExecutorRejectsDuplicate(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.registry.RegisterExecutor("burn_toast", execNoop))
	assert.Error(t, r.registry.RegisterExecutor("burn_toast", execNoop))
	assert.Error(t, r.registry.RegisterExecutor("", execNoop))
}

func TestInstantiateResolvesLatestVersion(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	for version := 1; version <= 2; version++ {
		require.NoError(t, r.registry.Define(ctx, r.stores.Plans, Definition{
			Kind:        "water_plants",
			Version:     version,
			ExecutorKey: KindNoop,
			Schema:      json.RawMessage(`{"type": "object"}`),
		}))
	}

	inst, err := r.registry.Instantiate(ctx, r.stores.Plans, models.PlanSpec{
		Kind:          "water_plants",
		CorrelationID: "corr-7",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inst.Version)
	assert.Equal(t, models.PlanQueued, inst.Status)

	stored, err := r.stores.Plans.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "corr-7", stored.CorrelationID)
}

func TestInstantiateRefusesUnknownKind(t *testing.T) {
	r := newRig(t)

	_, err := r.registry.Instantiate(context.Background(), r.stores.Plans, models.PlanSpec{Kind: "summon_demon"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInstantiateRefusesDeprecatedVersion(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.registry.Define(ctx, r.stores.Plans, Definition{
		Kind:        "old_ritual",
		Version:     1,
		ExecutorKey: KindNoop,
		Schema:      json.RawMessage(`{"type": "object"}`),
	}))
	require.NoError(t, r.stores.Plans.DeprecateVersion(ctx, "old_ritual", 1))

	_, err := r.registry.Instantiate(ctx, r.stores.Plans, models.PlanSpec{Kind: "old_ritual", Version: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deprecated")
}

func TestPoolExecutesNotifyPlan(t *testing.T) {
	r := newRig(t)
	r.seedBuiltins(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigTap := r.bus.TapSignals(ctx)
	outTap := r.bus.TapOutbound(ctx)

	inst, err := r.registry.Instantiate(ctx, r.stores.Plans, models.PlanSpec{
		Kind:          KindNotify,
		Payload:       map[string]any{"message": "Dinner is ready.", "target": "kitchen"},
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	r.pool.drain(ctx)

	stored, err := r.stores.Plans.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanDone, stored.Status)

	runs, err := r.stores.Plans.Runs(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.PlanDone, runs[0].Status)
	assert.Equal(t, "completed", runs[0].Resolution)
	require.NotNil(t, runs[0].EndedAt)

	msg := recvOutbound(t, outTap)
	assert.Equal(t, "Dinner is ready.", msg.Message)
	assert.Equal(t, "kitchen", msg.ChannelTarget)
	assert.Equal(t, "corr-1", msg.CorrelationID)

	finished := recvSignal(t, sigTap, models.SignalPlanFinished)
	assert.Equal(t, inst.ID, finished.Payload["plan_id"])
	assert.Equal(t, string(models.PlanDone), finished.Payload["status"])
	assert.Equal(t, "corr-1", finished.CorrelationID)

	row, err := r.stores.Queue.Get(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SignalPlanFinished, row.Type)
}

func TestPoolFailsSchemaValidation(t *testing.T) {
	r := newRig(t)
	r.seedBuiltins(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigTap := r.bus.TapSignals(ctx)
	outTap := r.bus.TapOutbound(ctx)

	// Missing required trigger_at: instantiation accepts it, the
	// executor run rejects it.
	inst, err := r.registry.Instantiate(ctx, r.stores.Plans, models.PlanSpec{
		Kind:    KindCreateReminder,
		Payload: map[string]any{"task": "water the plants"},
	})
	require.NoError(t, err)

	r.pool.drain(ctx)

	stored, err := r.stores.Plans.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFailed, stored.Status)
	assert.Contains(t, stored.Error, "payload rejected by schema")

	runs, err := r.stores.Plans.Runs(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.PlanFailed, runs[0].Status)

	finished := recvSignal(t, sigTap, models.SignalPlanFinished)
	assert.Equal(t, string(models.PlanFailed), finished.Payload["status"])
	assert.NotEmpty(t, finished.Payload["error_summary"])

	notice := recvOutbound(t, outTap)
	assert.NotEmpty(t, notice.Message)
	assert.Equal(t, "plan_failed", notice.Metadata["reason"])
}

func TestPoolCreateReminderWritesTimedRow(t *testing.T) {
	r := newRig(t)
	r.seedBuiltins(t)
	ctx := context.Background()

	trigger := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	inst, err := r.registry.Instantiate(ctx, r.stores.Plans, models.PlanSpec{
		Kind: KindCreateReminder,
		Payload: map[string]any{
			"task":         "take out the bins",
			"trigger_at":   trigger.Format(time.RFC3339),
			"target":       "local",
			"channel_type": "cli",
		},
		CorrelationID: "corr-rem",
	})
	require.NoError(t, err)

	r.pool.drain(ctx)

	stored, err := r.stores.Plans.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, models.PlanDone, stored.Status)

	rows, err := r.stores.Timed.List(ctx, models.TimedPending, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.SignalReminderDue, rows[0].SignalType)
	assert.WithinDuration(t, trigger, rows[0].TriggerAt, time.Second)
	assert.Equal(t, "local", rows[0].Target)
	assert.Equal(t, "take out the bins", rows[0].Payload["task"])
	assert.Equal(t, "corr-rem", rows[0].CorrelationID)
}

func TestPoolStartTaskEnqueuesSliceSignal(t *testing.T) {
	r := newRig(t)
	r.seedBuiltins(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigTap := r.bus.TapSignals(ctx)

	_, err := r.registry.Instantiate(ctx, r.stores.Plans, models.PlanSpec{
		Kind:    KindStartPDCATask,
		Payload: map[string]any{"goal": "plan the week's meals", "priority": 5},
		Actor:   "marie",
	})
	require.NoError(t, err)

	r.pool.drain(ctx)

	sliced := recvSignal(t, sigTap, models.SignalSliceRequested)
	assert.Equal(t, "plan the week's meals", sliced.Payload["goal"])
	assert.Equal(t, 5, sliced.Payload["priority"])
	assert.Equal(t, "marie", sliced.Payload["owner_id"])
	assert.True(t, sliced.Durable)

	row, err := r.stores.Queue.Get(ctx, sliced.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SignalSliceRequested, row.Type)
}

func TestPoolLLMChatSendsCompletion(t *testing.T) {
	r := newRig(t)
	r.seedBuiltins(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outTap := r.bus.TapOutbound(ctx)

	_, err := r.registry.Instantiate(ctx, r.stores.Plans, models.PlanSpec{
		Kind:    KindLLMChat,
		Payload: map[string]any{"prompt": "What should we cook?", "target": "local"},
	})
	require.NoError(t, err)

	r.pool.drain(ctx)

	msg := recvOutbound(t, outTap)
	assert.Equal(t, "a light pasta tonight", msg.Message)
	assert.Equal(t, "local", msg.ChannelTarget)
}

func TestPoolUnknownExecutorFails(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.registry.Define(ctx, r.stores.Plans, Definition{
		Kind:        "haunted",
		Version:     1,
		ExecutorKey: "ghost",
		Schema:      json.RawMessage(`{"type": "object"}`),
	}))
	inst, err := r.registry.Instantiate(ctx, r.stores.Plans, models.PlanSpec{Kind: "haunted"})
	require.NoError(t, err)

	r.pool.drain(ctx)

	stored, err := r.stores.Plans.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFailed, stored.Status)
	assert.Contains(t, stored.Error, "no executor registered")
}

func TestPoolRunWakesOnPlanRunSignal(t *testing.T) {
	r := newRig(t)
	r.seedBuiltins(t)

	// A long poll interval proves the wake path does the work.
	r.pool.cfg.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.pool.Run(ctx)

	inst, err := r.registry.Instantiate(ctx, r.stores.Plans, models.PlanSpec{Kind: KindNoop})
	require.NoError(t, err)
	require.NoError(t, r.bus.Publish(ctx, models.NewSignal(models.SignalPlanRun, map[string]any{"plan_id": inst.ID})))

	require.Eventually(t, func() bool {
		stored, err := r.stores.Plans.GetInstance(context.Background(), inst.ID)
		return err == nil && stored.Status == models.PlanDone
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-r.pool.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
