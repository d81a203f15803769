package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/llm"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/observe"
	"github.com/alphonse-agent/nerve/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	events []observe.TraceEvent
}

func (r *recordingSink) Emit(ev observe.TraceEvent) {
	r.events = append(r.events, ev)
}

func TestMustNewAdoptsExistingCollectors(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	first := MustNew(reg)
	second := MustNew(reg)

	first.IncTimedDispatch("fired")

	// Both instances share the registered collectors.
	assert.Equal(t, float64(1), testutil.ToFloat64(second.timedDispatches.WithLabelValues("fired")))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.ObserveStep("ok", time.Millisecond)
	m.ObserveSliceRun("done", time.Second)
	m.IncTimedDispatch("fired")
	m.IncPlanRun("completed")
	m.ObserveDelivery("log", "delivered", 0)
	m.ObserveLLMRequest("static", "ok", 0, 10, 10)
}

func TestSinkDerivesInstrumentsAndForwards(t *testing.T) {
	m := MustNew(prometheus.NewPedanticRegistry())
	inner := &recordingSink{}
	sink := NewSink(inner, m)

	sink.Emit(observe.TraceEvent{Event: "fsm.step", Status: "ok", LatencyMS: 12})
	sink.Emit(observe.TraceEvent{Event: "fsm.step", Status: "no_transition"})
	sink.Emit(observe.TraceEvent{Event: "slice.completed", Status: "done", LatencyMS: 900})
	sink.Emit(observe.TraceEvent{Event: "slice.failed", Status: "failed", LatencyMS: 40})
	sink.Emit(observe.TraceEvent{Event: "timed.dispatched", Status: "fired"})
	sink.Emit(observe.TraceEvent{Event: "timed.skipped", Status: "skipped"})
	sink.Emit(observe.TraceEvent{Event: "plan.completed", Status: "completed"})
	sink.Emit(observe.TraceEvent{Event: "delivery_receipt", Channel: "log", Status: "delivered", LatencyMS: 3})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.steps.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.steps.WithLabelValues("no_transition")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sliceRuns.WithLabelValues("done")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sliceRuns.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.timedDispatches.WithLabelValues("fired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.timedDispatches.WithLabelValues("skipped")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.planRuns.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deliveries.WithLabelValues("log", "delivered")))

	// Every event still reaches the wrapped sink, mapped or not.
	require.Len(t, inner.events, 8)
	assert.Equal(t, "fsm.step", inner.events[0].Event)
}

func TestSinkIgnoresUnmappedEvents(t *testing.T) {
	m := MustNew(prometheus.NewPedanticRegistry())
	inner := &recordingSink{}
	sink := NewSink(inner, m)

	sink.Emit(observe.TraceEvent{Event: "slice.persisted", Status: "", LatencyMS: 1})
	sink.Emit(observe.TraceEvent{Event: "slice.started", Status: "running"})

	assert.Equal(t, 0, testutil.CollectAndCount(m.sliceRuns))
	assert.Len(t, inner.events, 2)
}

func TestSinkWithoutNextStillRecords(t *testing.T) {
	m := MustNew(prometheus.NewPedanticRegistry())
	sink := NewSink(nil, m)

	sink.Emit(observe.TraceEvent{Event: "plan.started", Status: "running"})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.planRuns.WithLabelValues("running")))
}

func TestLiveCollectorReportsDepths(t *testing.T) {
	ctx := context.Background()

	dbCfg := database.DefaultConfig(filepath.Join(t.TempDir(), "nerve.db"))
	client, err := database.NewClient(ctx, dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	stores := store.New(client)

	b := bus.New(config.BusConfig{Capacity: 8, TapBuffer: 1}, testLogger())
	t.Cleanup(b.Shutdown)

	require.NoError(t, b.Publish(ctx, models.NewSignal("one", nil)))
	require.NoError(t, b.Publish(ctx, models.NewSignal("two", nil)))
	_, err = stores.Queue.Enqueue(ctx, models.NewDurableSignal("durable", nil))
	require.NoError(t, err)

	live := NewLive(b, stores.Queue, nil, testLogger())

	expected := `
# HELP nerve_bus_signal_depth Signals buffered on the bus awaiting the engine.
# TYPE nerve_bus_signal_depth gauge
nerve_bus_signal_depth 2
# HELP nerve_queue_depth Durable signals by queue status.
# TYPE nerve_queue_depth gauge
nerve_queue_depth{status="queued"} 1
`
	require.NoError(t, testutil.CollectAndCompare(live, strings.NewReader(expected),
		"nerve_bus_signal_depth", "nerve_queue_depth"))
}

func TestLiveCollectorCountsTapDrops(t *testing.T) {
	b := bus.New(config.BusConfig{Capacity: 8, TapBuffer: 1}, testLogger())
	t.Cleanup(b.Shutdown)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.TapSignals(ctx)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, models.NewSignal("burst", nil)))
	}

	live := NewLive(b, nil, nil, testLogger())

	expected := `
# HELP nerve_bus_tap_drops_total Copies lost to full observer taps since startup.
# TYPE nerve_bus_tap_drops_total counter
nerve_bus_tap_drops_total{stream="outbound"} 0
nerve_bus_tap_drops_total{stream="signals"} 2
`
	require.NoError(t, testutil.CollectAndCompare(live, strings.NewReader(expected),
		"nerve_bus_tap_drops_total"))
}

func TestInstrumentProviderCountsTokens(t *testing.T) {
	m := MustNew(prometheus.NewPedanticRegistry())
	inner := &llm.Static{Responses: []string{"the kettle is on"}}
	p := InstrumentProvider(inner, m)

	system, user := "you are the house", "put the kettle on"
	out, err := p.Complete(context.Background(), system, user)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.llmRequests.WithLabelValues("static", "ok")))
	assert.Equal(t, float64(len(system+user)/4), testutil.ToFloat64(m.llmTokens.WithLabelValues("static", "prompt")))
	assert.Equal(t, float64(out.CompletionTokens), testutil.ToFloat64(m.llmTokens.WithLabelValues("static", "completion")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.llmLatency))
}

func TestInstrumentProviderCountsFailures(t *testing.T) {
	m := MustNew(prometheus.NewPedanticRegistry())
	inner := &llm.Static{Err: errors.New("overloaded")}
	p := InstrumentProvider(inner, m)

	_, err := p.Complete(context.Background(), "sys", "user")
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.llmRequests.WithLabelValues("static", "error")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.llmTokens))
}
