package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []TraceEvent
}

func (r *recordingSink) Emit(ev TraceEvent) {
	r.events = append(r.events, ev)
}

func TestFanoutDeliversToAll(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	f := NewFanout(a, nil, b)

	require.Len(t, f, 2, "nil sinks should be dropped at construction")

	f.Emit(TraceEvent{Event: "fsm.step", Status: "ok"})
	f.Emit(TraceEvent{Event: "timed.dispatched"})

	require.Len(t, a.events, 2)
	require.Len(t, b.events, 2)
	assert.Equal(t, "fsm.step", a.events[0].Event)
	assert.Equal(t, "timed.dispatched", b.events[1].Event)
}

func TestFanoutEmpty(t *testing.T) {
	f := NewFanout()
	assert.NotPanics(t, func() {
		f.Emit(TraceEvent{Event: "fsm.step"})
	})
}
