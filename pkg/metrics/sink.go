package metrics

import (
	"time"

	"github.com/alphonse-agent/nerve/pkg/observe"
)

// eventSink is the forwarding target. *observe.Writer satisfies it.
type eventSink interface {
	Emit(ev observe.TraceEvent)
}

// Sink derives instrument updates from trace events on their way to
// storage. Components already emit one event per step, slice, dispatch,
// and delivery, so decorating the writer instruments all of them
// without touching their code.
type Sink struct {
	next eventSink
	m    *Metrics
}

// NewSink wraps next. A nil next keeps the derivation without storage,
// which tests use.
func NewSink(next eventSink, m *Metrics) *Sink {
	return &Sink{next: next, m: m}
}

// Emit records the event's instruments and forwards it.
func (s *Sink) Emit(ev observe.TraceEvent) {
	s.record(ev)
	if s.next != nil {
		s.next.Emit(ev)
	}
}

func (s *Sink) record(ev observe.TraceEvent) {
	latency := time.Duration(ev.LatencyMS) * time.Millisecond
	switch ev.Event {
	case "fsm.step":
		s.m.ObserveStep(ev.Status, latency)
	case "slice.completed", "slice.failed":
		s.m.ObserveSliceRun(ev.Status, latency)
	case "timed.dispatched", "timed.missed", "timed.skipped":
		s.m.IncTimedDispatch(ev.Status)
	case "plan.started", "plan.completed", "plan.failed":
		s.m.IncPlanRun(ev.Status)
	case "delivery_receipt":
		s.m.ObserveDelivery(ev.Channel, ev.Status, latency)
	}
}
