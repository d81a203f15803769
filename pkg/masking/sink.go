package masking

import (
	"github.com/alphonse-agent/nerve/pkg/observe"
)

// eventSink is the forwarding target. Any stage of the trace sink
// chain satisfies it.
type eventSink interface {
	Emit(ev observe.TraceEvent)
}

// Sink scrubs the free-text fields of a trace event and forwards it.
// It sits outermost in the sink chain so no downstream stage, storage
// or live, ever sees an unmasked event.
type Sink struct {
	next   eventSink
	masker *Masker
}

// NewSink wraps next with masking.
func NewSink(next eventSink, m *Masker) *Sink {
	return &Sink{next: next, masker: m}
}

// Emit masks the event's error text and detail map, then forwards.
// TraceEvent is passed by value, so the emitter's copy stays intact.
func (s *Sink) Emit(ev observe.TraceEvent) {
	ev.ErrorCode = s.masker.Mask(ev.ErrorCode)
	ev.Detail = s.masker.MaskDetail(ev.Detail)
	if s.next != nil {
		s.next.Emit(ev)
	}
}
