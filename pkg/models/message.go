package models

import (
	"time"

	"github.com/google/uuid"
)

// Audience identifies who an outbound message is for.
type Audience struct {
	Kind string `json:"kind,omitempty"`
	ID   string `json:"id,omitempty"`
}

// InboundMessage is the normalized shape every sense produces. Unknown
// channel-specific fields live in Metadata; the core never branches on
// Metadata.
type InboundMessage struct {
	Text          string         `json:"text"`
	ChannelType   string         `json:"channel_type"`
	ChannelTarget string         `json:"channel_target,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	UserName      string         `json:"user_name,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// OutboundMessage is the normalized shape every extremity consumes.
// Metadata carries hints only (tone, locale, urgency); adapters own the
// channel-specific formatting.
type OutboundMessage struct {
	ID            string         `json:"id"`
	Message       string         `json:"message"`
	ChannelType   string         `json:"channel_type,omitempty"`
	ChannelTarget string         `json:"channel_target,omitempty"`
	Audience      Audience       `json:"audience,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewOutbound builds an outbound message correlated to the step that
// produced it.
func NewOutbound(message, correlationID string) OutboundMessage {
	return OutboundMessage{
		ID:            uuid.NewString(),
		Message:       message,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}
}

// Urgent reports whether the message should bypass do-not-disturb.
func (m OutboundMessage) Urgent() bool {
	v, ok := m.Metadata["urgency"].(string)
	return ok && v == "urgent"
}

// InboundFromPayload rebuilds the normalized inbound message a sense
// packed into a signal payload. Missing fields stay zero.
func InboundFromPayload(payload map[string]any) InboundMessage {
	msg := InboundMessage{Metadata: map[string]any{}}
	if v, ok := payload["text"].(string); ok {
		msg.Text = v
	}
	if v, ok := payload["channel_type"].(string); ok {
		msg.ChannelType = v
	}
	if v, ok := payload["channel_target"].(string); ok {
		msg.ChannelTarget = v
	}
	if v, ok := payload["user_id"].(string); ok {
		msg.UserID = v
	}
	if v, ok := payload["user_name"].(string); ok {
		msg.UserName = v
	}
	if v, ok := payload["correlation_id"].(string); ok {
		msg.CorrelationID = v
	}
	if v, ok := payload["metadata"].(map[string]any); ok {
		msg.Metadata = v
	}
	return msg
}

// ToPayload packs the message into a signal payload.
func (m InboundMessage) ToPayload() map[string]any {
	p := map[string]any{
		"text":         m.Text,
		"channel_type": m.ChannelType,
	}
	if m.ChannelTarget != "" {
		p["channel_target"] = m.ChannelTarget
	}
	if m.UserID != "" {
		p["user_id"] = m.UserID
	}
	if m.UserName != "" {
		p["user_name"] = m.UserName
	}
	if m.CorrelationID != "" {
		p["correlation_id"] = m.CorrelationID
	}
	if len(m.Metadata) > 0 {
		p["metadata"] = m.Metadata
	}
	return p
}
