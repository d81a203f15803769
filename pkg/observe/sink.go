package observe

// Sink receives trace events. The Writer satisfies it, as does every
// decorator stage layered in front of it.
type Sink interface {
	Emit(ev TraceEvent)
}

// Fanout forwards each event to every sink in order. The trace chain
// uses it to feed storage and live websocket observers from the same
// stream.
type Fanout []Sink

// NewFanout builds a fanout, dropping nil sinks so optional stages can
// be wired unconditionally.
func NewFanout(sinks ...Sink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Emit delivers ev to every sink. Each sink gets its own copy of the
// event value; sinks that retain the detail map must not mutate it.
func (f Fanout) Emit(ev TraceEvent) {
	for _, s := range f {
		s.Emit(ev)
	}
}
