package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/observe"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRecent struct {
	messages []models.OutboundMessage
}

func (s *stubRecent) Recent(limit int) []models.OutboundMessage {
	if limit > 0 && len(s.messages) > limit {
		return s.messages[len(s.messages)-limit:]
	}
	return s.messages
}

func setupManager(t *testing.T, recent RecentSource) (*Manager, *httptest.Server) {
	t.Helper()

	manager := NewManager(recent, testLogger())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("websocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), ws)
	}))
	t.Cleanup(server.Close)
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
}

// subscribe drives the handshake and consumes the confirmation frame.
func subscribe(t *testing.T, ws *websocket.Conn, stream string) {
	t.Helper()
	writeJSON(t, ws, ClientMessage{Action: "subscribe", Stream: stream})
	msg := readJSON(t, ws)
	require.Equal(t, "subscription.confirmed", msg["type"])
	require.Equal(t, stream, msg["stream"])
}

func TestManagerConnectionEstablished(t *testing.T) {
	manager, server := setupManager(t, nil)
	ws := connectWS(t, server)

	msg := readJSON(t, ws)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerSubscribeOutboundReplaysRecent(t *testing.T) {
	recent := &stubRecent{messages: []models.OutboundMessage{
		models.NewOutbound("dinner is ready", "corr-1"),
		models.NewOutbound("door is locked", "corr-2"),
	}}
	_, server := setupManager(t, recent)
	ws := connectWS(t, server)
	readJSON(t, ws) // connection.established

	subscribe(t, ws, StreamOutbound)

	first := readJSON(t, ws)
	assert.Equal(t, "outbound.message", first["type"])
	assert.Equal(t, "dinner is ready", first["message"].(map[string]any)["message"])

	second := readJSON(t, ws)
	assert.Equal(t, "door is locked", second["message"].(map[string]any)["message"])
}

func TestManagerBroadcastOutboundReachesSubscribers(t *testing.T) {
	manager, server := setupManager(t, nil)

	ws1 := connectWS(t, server)
	ws2 := connectWS(t, server)
	readJSON(t, ws1)
	readJSON(t, ws2)

	subscribe(t, ws1, StreamOutbound)
	subscribe(t, ws2, StreamOutbound)
	require.Eventually(t, func() bool {
		return manager.subscriberCount(StreamOutbound) == 2
	}, 2*time.Second, 10*time.Millisecond)

	manager.BroadcastOutbound(models.NewOutbound("kettle is on", "corr-3"))

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		msg := readJSON(t, ws)
		assert.Equal(t, "outbound.message", msg["type"])
		assert.Equal(t, "kettle is on", msg["message"].(map[string]any)["message"])
	}
}

func TestManagerEmitBroadcastsTraces(t *testing.T) {
	manager, server := setupManager(t, nil)
	ws := connectWS(t, server)
	readJSON(t, ws)

	subscribe(t, ws, StreamTrace)
	require.Eventually(t, func() bool {
		return manager.subscriberCount(StreamTrace) == 1
	}, 2*time.Second, 10*time.Millisecond)

	manager.Emit(observe.TraceEvent{
		Level:         observe.LevelInfo,
		Event:         "fsm.step",
		CorrelationID: "corr-4",
		Status:        "ok",
	})

	msg := readJSON(t, ws)
	assert.Equal(t, "trace.event", msg["type"])
	event := msg["event"].(map[string]any)
	assert.Equal(t, "fsm.step", event["event"])
	assert.Equal(t, "corr-4", event["correlation_id"])
}

func TestManagerTraceSubscriberSkipsOutbound(t *testing.T) {
	manager, server := setupManager(t, nil)
	ws := connectWS(t, server)
	readJSON(t, ws)

	subscribe(t, ws, StreamTrace)
	require.Eventually(t, func() bool {
		return manager.subscriberCount(StreamTrace) == 1
	}, 2*time.Second, 10*time.Millisecond)

	manager.BroadcastOutbound(models.NewOutbound("not for you", "corr-5"))

	// The next frame the client sees must be the pong, not the
	// outbound message.
	writeJSON(t, ws, ClientMessage{Action: "ping"})
	msg := readJSON(t, ws)
	assert.Equal(t, "pong", msg["type"])
}

func TestManagerRejectsUnknownStream(t *testing.T) {
	_, server := setupManager(t, nil)
	ws := connectWS(t, server)
	readJSON(t, ws)

	writeJSON(t, ws, ClientMessage{Action: "subscribe", Stream: "gossip"})
	msg := readJSON(t, ws)
	assert.Equal(t, "error", msg["type"])
}

func TestManagerUnsubscribeStopsDelivery(t *testing.T) {
	manager, server := setupManager(t, nil)
	ws := connectWS(t, server)
	readJSON(t, ws)

	subscribe(t, ws, StreamOutbound)
	writeJSON(t, ws, ClientMessage{Action: "unsubscribe", Stream: StreamOutbound})
	require.Eventually(t, func() bool {
		return manager.subscriberCount(StreamOutbound) == 0
	}, 2*time.Second, 10*time.Millisecond)

	manager.BroadcastOutbound(models.NewOutbound("into the void", "corr-6"))

	writeJSON(t, ws, ClientMessage{Action: "ping"})
	msg := readJSON(t, ws)
	assert.Equal(t, "pong", msg["type"])
}

func TestManagerRunFeedsFromBusTap(t *testing.T) {
	manager, server := setupManager(t, nil)
	b := bus.New(config.BusConfig{Capacity: 8, TapBuffer: 8}, testLogger())
	t.Cleanup(b.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx, b)

	ws := connectWS(t, server)
	readJSON(t, ws)
	subscribe(t, ws, StreamOutbound)
	require.Eventually(t, func() bool {
		return manager.subscriberCount(StreamOutbound) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.PublishOutbound(ctx, models.NewOutbound("tea time", "corr-7")))

	msg := readJSON(t, ws)
	assert.Equal(t, "outbound.message", msg["type"])
	assert.Equal(t, "tea time", msg["message"].(map[string]any)["message"])
}

func TestManagerUnregistersClosedConnections(t *testing.T) {
	manager, server := setupManager(t, nil)
	ws := connectWS(t, server)
	readJSON(t, ws)
	subscribe(t, ws, StreamOutbound)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0 && manager.subscriberCount(StreamOutbound) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
