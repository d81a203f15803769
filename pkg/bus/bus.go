// Package bus is the in-process nervous pathway: a bounded signal
// queue with a single consumer (the FSM engine), an outbound message
// channel consumed by the extremities dispatcher, and observer taps.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/models"
)

var (
	// ErrClosed is returned for publishes after Shutdown.
	ErrClosed = errors.New("bus is shut down")

	// ErrFull is returned in fail-fast mode when the buffer is full.
	ErrFull = errors.New("bus buffer full")
)

// Bus carries signals to the engine and outbound messages to the
// dispatcher. Publishers block while the buffer is full unless the bus
// runs in fail-fast mode.
type Bus struct {
	signals  chan models.Signal
	outbound chan models.OutboundMessage
	done     chan struct{}

	failFast bool
	tapBuf   int
	logger   *slog.Logger

	sigTapDrops atomic.Int64
	outTapDrops atomic.Int64

	mu      sync.Mutex
	closed  bool
	nextTap uint64
	sigTaps map[uint64]chan models.Signal
	outTaps map[uint64]chan models.OutboundMessage
}

// New creates the bus.
func New(cfg config.BusConfig, logger *slog.Logger) *Bus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.TapBuffer <= 0 {
		cfg.TapBuffer = 64
	}
	return &Bus{
		signals:  make(chan models.Signal, cfg.Capacity),
		outbound: make(chan models.OutboundMessage, cfg.Capacity),
		done:     make(chan struct{}),
		failFast: cfg.FailFast,
		tapBuf:   cfg.TapBuffer,
		logger:   logger.With("component", "bus"),
		sigTaps:  make(map[uint64]chan models.Signal),
		outTaps:  make(map[uint64]chan models.OutboundMessage),
	}
}

// Publish hands a signal to the engine. In blocking mode it waits for
// buffer space; in fail-fast mode a full buffer returns ErrFull. After
// Shutdown every publish returns ErrClosed.
func (b *Bus) Publish(ctx context.Context, sig models.Signal) error {
	if b.isClosed() {
		return ErrClosed
	}
	if b.failFast {
		select {
		case b.signals <- sig:
		default:
			return ErrFull
		}
	} else {
		select {
		case b.signals <- sig:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	b.fanOutSignal(sig)
	return nil
}

// PublishOutbound hands a message to the extremities dispatcher, with
// the same blocking and shutdown semantics as Publish.
func (b *Bus) PublishOutbound(ctx context.Context, msg models.OutboundMessage) error {
	if b.isClosed() {
		return ErrClosed
	}
	if b.failFast {
		select {
		case b.outbound <- msg:
		default:
			return ErrFull
		}
	} else {
		select {
		case b.outbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	b.fanOutOutbound(msg)
	return nil
}

// Signals is the engine's intake. Exactly one consumer reads it.
func (b *Bus) Signals() <-chan models.Signal {
	return b.signals
}

// Outbound is the dispatcher's intake. Exactly one consumer reads it.
func (b *Bus) Outbound() <-chan models.OutboundMessage {
	return b.outbound
}

// SignalDepth reports buffered signals awaiting the engine.
func (b *Bus) SignalDepth() int {
	return len(b.signals)
}

// OutboundDepth reports buffered messages awaiting the dispatcher.
func (b *Bus) OutboundDepth() int {
	return len(b.outbound)
}

// TapDrops reports how many signals and outbound messages were lost to
// full taps since startup. The main path is never affected.
func (b *Bus) TapDrops() (signals, outbound int64) {
	return b.sigTapDrops.Load(), b.outTapDrops.Load()
}

// TapSignals returns a read-only copy stream of published signals. The
// tap is buffered; a slow reader loses signals rather than stalling the
// main path. The tap is removed when ctx ends.
func (b *Bus) TapSignals(ctx context.Context) <-chan models.Signal {
	ch := make(chan models.Signal, b.tapBuf)
	b.mu.Lock()
	b.nextTap++
	id := b.nextTap
	b.sigTaps[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if tap, ok := b.sigTaps[id]; ok {
			delete(b.sigTaps, id)
			close(tap)
		}
		b.mu.Unlock()
	}()
	return ch
}

// TapOutbound returns a read-only copy stream of outbound messages,
// with the same drop-when-slow semantics as TapSignals.
func (b *Bus) TapOutbound(ctx context.Context) <-chan models.OutboundMessage {
	ch := make(chan models.OutboundMessage, b.tapBuf)
	b.mu.Lock()
	b.nextTap++
	id := b.nextTap
	b.outTaps[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if tap, ok := b.outTaps[id]; ok {
			delete(b.outTaps, id)
			close(tap)
		}
		b.mu.Unlock()
	}()
	return ch
}

// Shutdown refuses further publishes and unblocks waiting ones. Already
// buffered signals stay readable so the engine can drain them.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) fanOutSignal(sig models.Signal) {
	b.mu.Lock()
	taps := make([]chan models.Signal, 0, len(b.sigTaps))
	for _, tap := range b.sigTaps {
		taps = append(taps, tap)
	}
	b.mu.Unlock()

	for _, tap := range taps {
		if !safeSend(tap, sig) {
			b.sigTapDrops.Add(1)
			b.logger.Warn("signal tap full, dropping", "signal_type", sig.Type)
		}
	}
}

func (b *Bus) fanOutOutbound(msg models.OutboundMessage) {
	b.mu.Lock()
	taps := make([]chan models.OutboundMessage, 0, len(b.outTaps))
	for _, tap := range b.outTaps {
		taps = append(taps, tap)
	}
	b.mu.Unlock()

	for _, tap := range taps {
		if !safeSend(tap, msg) {
			b.outTapDrops.Add(1)
			b.logger.Warn("outbound tap full, dropping", "channel_target", msg.ChannelTarget)
		}
	}
}

// safeSend is a non-blocking send that tolerates the tap being closed
// between the snapshot and the send.
func safeSend[T any](ch chan T, v T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = true // closed tap, nothing to warn about
		}
	}()
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}
