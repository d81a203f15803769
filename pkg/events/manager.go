// Package events fans live activity out to websocket clients: outbound
// messages as the agent speaks and trace events as it works. Clients
// subscribe per stream; new outbound subscribers are caught up from the
// gateway's recent buffer.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/observe"
)

const (
	// writeTimeout bounds one websocket send so a stalled client cannot
	// hold a broadcast.
	writeTimeout = 5 * time.Second

	// catchupLimit caps the recent outbound messages replayed to a new
	// subscriber.
	catchupLimit = 64
)

// RecentSource supplies the outbound catchup for late subscribers. The
// extremities gateway satisfies it.
type RecentSource interface {
	Recent(limit int) []models.OutboundMessage
}

// Manager owns the websocket connections and their stream
// subscriptions. One instance serves the whole process.
type Manager struct {
	recent RecentSource
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[string]*conn
	streams map[string]map[string]bool
}

// conn is one websocket client. subscriptions is touched only by the
// goroutine running HandleConnection's read loop and its deferred
// cleanup, so it needs no lock.
type conn struct {
	id            string
	ws            *websocket.Conn
	ctx           context.Context
	cancel        context.CancelFunc
	subscriptions map[string]bool
}

// NewManager creates the connection manager. recent may be nil, which
// disables outbound catchup.
func NewManager(recent RecentSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		recent:  recent,
		logger:  logger.With("component", "events"),
		conns:   make(map[string]*conn),
		streams: make(map[string]map[string]bool),
	}
}

// Run feeds the outbound stream from a bus tap until ctx ends. Trace
// events arrive through Emit instead; they never cross the bus.
func (m *Manager) Run(ctx context.Context, b *bus.Bus) {
	for msg := range b.TapOutbound(ctx) {
		m.BroadcastOutbound(msg)
	}
}

// HandleConnection runs one client's session. The HTTP handler calls
// it after the upgrade; it blocks until the connection closes.
func (m *Manager) HandleConnection(parentCtx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &conn{
		id:            uuid.NewString(),
		ws:            ws,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]bool),
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("unreadable websocket frame", "connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(c, msg)
	}
}

// BroadcastOutbound sends one outbound message to every subscriber of
// the outbound stream.
func (m *Manager) BroadcastOutbound(msg models.OutboundMessage) {
	data, err := json.Marshal(outboundFrame{Type: "outbound.message", Message: msg})
	if err != nil {
		m.logger.Warn("failed to encode outbound frame", "message_id", msg.ID, "error", err)
		return
	}
	m.broadcast(StreamOutbound, data)
}

// Emit sends one trace event to every subscriber of the trace stream.
// It satisfies the engine's trace sink shape so it can sit in the sink
// fanout next to the writer.
func (m *Manager) Emit(ev observe.TraceEvent) {
	data, err := json.Marshal(traceFrame{Type: "trace.event", Event: ev})
	if err != nil {
		m.logger.Warn("failed to encode trace frame", "event", ev.Event, "error", err)
		return
	}
	m.broadcast(StreamTrace, data)
}

// ActiveConnections reports connected clients.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// subscriberCount lets tests poll instead of sleeping.
func (m *Manager) subscriberCount(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[stream])
}

func (m *Manager) handleClientMessage(c *conn, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Stream != StreamOutbound && msg.Stream != StreamTrace {
			m.sendJSON(c, map[string]string{
				"type":    "error",
				"message": "unknown stream; expected outbound or trace",
			})
			return
		}
		m.subscribe(c, msg.Stream)
		m.sendJSON(c, map[string]string{
			"type":   "subscription.confirmed",
			"stream": msg.Stream,
		})
		if msg.Stream == StreamOutbound {
			m.replayRecent(c)
		}

	case "unsubscribe":
		m.unsubscribe(c, msg.Stream)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendJSON(c, map[string]string{
			"type":    "error",
			"message": "unknown action; expected subscribe, unsubscribe, or ping",
		})
	}
}

// replayRecent catches a new subscriber up on what the agent said
// before they connected.
func (m *Manager) replayRecent(c *conn) {
	if m.recent == nil {
		return
	}
	for _, msg := range m.recent.Recent(catchupLimit) {
		data, err := json.Marshal(outboundFrame{Type: "outbound.message", Message: msg})
		if err != nil {
			continue
		}
		if err := m.send(c, data); err != nil {
			m.logger.Warn("catchup send failed", "connection_id", c.id, "error", err)
			return
		}
	}
}

func (m *Manager) subscribe(c *conn, stream string) {
	m.mu.Lock()
	if _, ok := m.streams[stream]; !ok {
		m.streams[stream] = make(map[string]bool)
	}
	m.streams[stream][c.id] = true
	m.mu.Unlock()

	c.subscriptions[stream] = true
}

func (m *Manager) unsubscribe(c *conn, stream string) {
	m.mu.Lock()
	if subs, ok := m.streams[stream]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.streams, stream)
		}
	}
	m.mu.Unlock()

	delete(c.subscriptions, stream)
}

// broadcast snapshots the subscriber set under the lock and sends
// outside it, so one slow client's writeTimeout never stalls
// register or unregister.
func (m *Manager) broadcast(stream string, data []byte) {
	m.mu.Lock()
	targets := make([]*conn, 0, len(m.streams[stream]))
	for id := range m.streams[stream] {
		if c, ok := m.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		if err := m.send(c, data); err != nil {
			m.logger.Warn("websocket send failed", "connection_id", c.id, "error", err)
		}
	}
}

func (m *Manager) register(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.id] = c
}

func (m *Manager) unregister(c *conn) {
	for stream := range c.subscriptions {
		m.unsubscribe(c, stream)
	}

	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

func (m *Manager) sendJSON(c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("failed to encode websocket frame", "connection_id", c.id, "error", err)
		return
	}
	if err := m.send(c, data); err != nil {
		m.logger.Warn("websocket send failed", "connection_id", c.id, "error", err)
	}
}

func (m *Manager) send(c *conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}
