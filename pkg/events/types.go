package events

import (
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/observe"
)

// Streams a websocket client can subscribe to.
const (
	// StreamOutbound carries every message the agent says, as the
	// dispatcher hands it to the channel adapters.
	StreamOutbound = "outbound"

	// StreamTrace carries trace events as components emit them.
	StreamTrace = "trace"
)

// ClientMessage is one inbound websocket frame.
type ClientMessage struct {
	Action string `json:"action"`
	Stream string `json:"stream,omitempty"`
}

type outboundFrame struct {
	Type    string                 `json:"type"`
	Message models.OutboundMessage `json:"message"`
}

type traceFrame struct {
	Type  string             `json:"type"`
	Event observe.TraceEvent `json:"event"`
}
