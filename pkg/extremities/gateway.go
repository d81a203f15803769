package extremities

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alphonse-agent/nerve/pkg/models"
)

const (
	// recentCap bounds the catchup buffer handed to new websocket and
	// event-stream clients.
	recentCap = 64
	// subBuffer is the per-subscriber channel depth; slow readers drop.
	subBuffer = 16
)

// Gateway buffers outbound messages for the HTTP surface: synchronous
// reply waits on POST /message, the NDJSON event stream, and websocket
// catchup. It is an in-house adapter, so do-not-disturb never holds it.
type Gateway struct {
	logger *slog.Logger

	mu      sync.Mutex
	recent  []models.OutboundMessage
	waiters map[string][]chan models.OutboundMessage
	subs    map[int64]*subscriber
	nextSub int64
}

type subscriber struct {
	target string
	ch     chan models.OutboundMessage
}

// NewGateway creates the gateway buffer adapter.
func NewGateway(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		logger:  logger.With("component", "extremities", "adapter", "gateway"),
		waiters: make(map[string][]chan models.OutboundMessage),
		subs:    make(map[int64]*subscriber),
	}
}

func (g *Gateway) Key() string    { return "gateway" }
func (g *Gateway) External() bool { return false }

// Deliver records the message for catchup, wakes any reply waiters on its
// correlation id, and fans it to matching stream subscribers. It never
// blocks: waiter channels hold one message and slow subscribers drop.
func (g *Gateway) Deliver(_ context.Context, msg models.OutboundMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.recent = append(g.recent, msg)
	if len(g.recent) > recentCap {
		g.recent = g.recent[len(g.recent)-recentCap:]
	}

	if chans, ok := g.waiters[msg.CorrelationID]; ok {
		for _, ch := range chans {
			ch <- msg // buffered size 1, registered once per waiter
		}
		delete(g.waiters, msg.CorrelationID)
	}

	for id, sub := range g.subs {
		if sub.target != "" && sub.target != msg.ChannelTarget {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			g.logger.Warn("dropping message for slow subscriber",
				"subscriber", id,
				"message_id", msg.ID)
		}
	}
	return nil
}

// AwaitReply blocks until an outbound message correlated to correlationID
// arrives or ctx expires. A reply that landed before the call is served
// from the catchup buffer.
func (g *Gateway) AwaitReply(ctx context.Context, correlationID string) (models.OutboundMessage, error) {
	g.mu.Lock()
	for i := len(g.recent) - 1; i >= 0; i-- {
		if g.recent[i].CorrelationID == correlationID {
			msg := g.recent[i]
			g.mu.Unlock()
			return msg, nil
		}
	}
	ch := make(chan models.OutboundMessage, 1)
	g.waiters[correlationID] = append(g.waiters[correlationID], ch)
	g.mu.Unlock()

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		g.removeWaiter(correlationID, ch)
		return models.OutboundMessage{}, ctx.Err()
	}
}

// Subscribe returns a stream of outbound messages, filtered to a
// channel target when target is non-empty. The channel closes when ctx
// is cancelled.
func (g *Gateway) Subscribe(ctx context.Context, target string) <-chan models.OutboundMessage {
	sub := &subscriber{target: target, ch: make(chan models.OutboundMessage, subBuffer)}

	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = sub
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

// Recent returns up to limit buffered messages, oldest first.
func (g *Gateway) Recent(limit int) []models.OutboundMessage {
	g.mu.Lock()
	defer g.mu.Unlock()

	if limit <= 0 || limit > len(g.recent) {
		limit = len(g.recent)
	}
	out := make([]models.OutboundMessage, limit)
	copy(out, g.recent[len(g.recent)-limit:])
	return out
}

func (g *Gateway) removeWaiter(correlationID string, ch chan models.OutboundMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()

	chans := g.waiters[correlationID]
	for i, c := range chans {
		if c == ch {
			g.waiters[correlationID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(g.waiters[correlationID]) == 0 {
		delete(g.waiters, correlationID)
	}
}
