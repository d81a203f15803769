package observe

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const maxBatch = 64

// Writer batches trace events into the store off the hot path. Emit
// never blocks: when the buffer is full the event is dropped and
// counted, because observability must not stall the organism.
type Writer struct {
	store   *Store
	ch      chan TraceEvent
	flush   time.Duration
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewWriter creates a writer; call Run to start draining.
func NewWriter(store *Store, cfg Config, logger *slog.Logger) *Writer {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 250 * time.Millisecond
	}
	return &Writer{
		store:  store,
		ch:     make(chan TraceEvent, buffer),
		flush:  flush,
		logger: logger.With("component", "trace_writer"),
	}
}

// Emit queues one event.
func (w *Writer) Emit(ev TraceEvent) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	select {
	case w.ch <- ev:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns how many events were lost to a full buffer.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Run drains the buffer until ctx ends, then flushes what remains.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.flush)
	defer ticker.Stop()

	batch := make([]TraceEvent, 0, maxBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.store.InsertBatch(context.Background(), batch); err != nil {
			w.logger.Error("failed to flush trace batch", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever made it into the buffer before the stop.
			for {
				select {
				case ev := <-w.ch:
					batch = append(batch, ev)
					if len(batch) >= maxBatch {
						flush()
					}
				default:
					flush()
					if n := w.dropped.Load(); n > 0 {
						w.logger.Warn("trace events dropped during run", "count", n)
					}
					return
				}
			}
		case ev := <-w.ch:
			batch = append(batch, ev)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
