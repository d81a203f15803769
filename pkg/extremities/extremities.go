// Package extremities delivers outbound messages to the outside world.
// The dispatcher fans every message from the bus to the registered channel
// adapters; adapters own formatting and transport for their channel.
// Delivery is best-effort: failures are traced, never retried across
// restarts.
package extremities

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/observe"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// Delivery receipt statuses recorded in the observability trace.
const (
	ReceiptDelivered = "delivered"
	ReceiptFailed    = "failed"
	ReceiptHeldDND   = "held_dnd"
)

// deliverTimeout bounds a single adapter delivery.
const deliverTimeout = 10 * time.Second

// Adapter is one delivery channel.
type Adapter interface {
	// Key identifies the adapter in receipts and logs.
	Key() string
	// External reports whether deliveries leave the house. External
	// adapters are subject to do-not-disturb holds.
	External() bool
	// Deliver sends one message. Implementations must honor ctx.
	Deliver(ctx context.Context, msg models.OutboundMessage) error
}

// TraceSink receives delivery receipts. *observe.Writer satisfies it.
type TraceSink interface {
	Emit(ev observe.TraceEvent)
}

// Dispatcher consumes the bus outbound channel and fans each message to
// every adapter. The dnd_until preference is read per delivery so an
// operator change takes effect immediately.
type Dispatcher struct {
	outbound  <-chan models.OutboundMessage
	household *store.HouseholdStore
	trace     TraceSink
	logger    *slog.Logger

	mu       sync.Mutex
	adapters map[string]Adapter
	done     chan struct{}
}

// NewDispatcher creates a dispatcher reading from outbound. household and
// trace may be nil (no DND holds, no receipts) in tests.
func NewDispatcher(outbound <-chan models.OutboundMessage, household *store.HouseholdStore, trace TraceSink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		outbound:  outbound,
		household: household,
		trace:     trace,
		logger:    logger.With("component", "extremities"),
		adapters:  make(map[string]Adapter),
		done:      make(chan struct{}),
	}
}

// Register adds an adapter. Later registrations with the same key replace
// earlier ones, which tests use to stub channels.
func (d *Dispatcher) Register(a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.Key()] = a
}

// Run consumes outbound messages until ctx is cancelled or the channel
// closes. It drains whatever the bus still holds before returning, so a
// shutdown flushes pending replies.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case msg, ok := <-d.outbound:
			if !ok {
				return
			}
			d.dispatch(ctx, msg)
		}
	}
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) drain() {
	for {
		select {
		case msg, ok := <-d.outbound:
			if !ok {
				return
			}
			d.dispatch(context.Background(), msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg models.OutboundMessage) {
	dndActive := d.dndActive(ctx)

	for _, a := range d.sortedAdapters() {
		if dndActive && a.External() && !msg.Urgent() {
			d.logger.Info("delivery held by do-not-disturb",
				"adapter", a.Key(),
				"message_id", msg.ID)
			d.receipt(msg, a.Key(), ReceiptHeldDND, 0, "")
			continue
		}

		start := time.Now()
		deliverCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := a.Deliver(deliverCtx, msg)
		cancel()

		latency := time.Since(start)
		if err != nil {
			d.logger.Warn("delivery failed",
				"adapter", a.Key(),
				"message_id", msg.ID,
				"error", err)
			d.receipt(msg, a.Key(), ReceiptFailed, latency, err.Error())
			continue
		}
		d.receipt(msg, a.Key(), ReceiptDelivered, latency, "")
	}
}

// dndActive reads the dnd_until preference. Storage trouble means no
// hold: a broken preference table must not silence the agent.
func (d *Dispatcher) dndActive(ctx context.Context) bool {
	if d.household == nil {
		return false
	}
	until, err := d.household.DNDUntil(ctx)
	if err != nil {
		d.logger.Warn("failed to read dnd_until, ignoring", "error", err)
		return false
	}
	return time.Now().Before(until)
}

func (d *Dispatcher) sortedAdapters() []Adapter {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.adapters))
	for key := range d.adapters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Adapter, 0, len(keys))
	for _, key := range keys {
		out = append(out, d.adapters[key])
	}
	return out
}

func (d *Dispatcher) receipt(msg models.OutboundMessage, adapter, status string, latency time.Duration, errMsg string) {
	if d.trace == nil {
		return
	}
	level := observe.LevelInfo
	if status == ReceiptFailed {
		level = observe.LevelWarn
	}
	ev := observe.TraceEvent{
		Level:         level,
		Event:         "delivery_receipt",
		CorrelationID: msg.CorrelationID,
		Channel:       adapter,
		Status:        status,
		LatencyMS:     latency.Milliseconds(),
		Detail: map[string]any{
			"message_id":     msg.ID,
			"channel_target": msg.ChannelTarget,
		},
	}
	if errMsg != "" {
		ev.Detail["error"] = errMsg
	}
	d.trace.Emit(ev)
}
