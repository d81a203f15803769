package extremities

import (
	"context"
	"log/slog"

	"github.com/alphonse-agent/nerve/pkg/models"
)

// Log is the always-on journal adapter: every outbound message lands in
// the structured log whatever other channels exist.
type Log struct {
	logger *slog.Logger
}

// NewLog creates the journal adapter.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "extremities", "adapter", "log")}
}

func (l *Log) Key() string    { return "log" }
func (l *Log) External() bool { return false }

func (l *Log) Deliver(_ context.Context, msg models.OutboundMessage) error {
	l.logger.Info("outbound message",
		"message_id", msg.ID,
		"correlation_id", msg.CorrelationID,
		"channel_type", msg.ChannelType,
		"channel_target", msg.ChannelTarget,
		"text", msg.Message)
	return nil
}
