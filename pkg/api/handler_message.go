package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/alphonse-agent/nerve/pkg/models"
)

// messageHandler handles POST /message.
// Persists an api.message_received signal and blocks up to the configured
// wait window for an outbound reply carrying the same correlation id.
func (s *Server) messageHandler(c *echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	if len(req.Text) > 100_000 {
		return echo.NewHTTPError(http.StatusBadRequest, "text exceeds maximum length of 100,000 characters")
	}

	channel := req.Channel
	if channel == "" {
		channel = "api"
	}

	// Without a caller-supplied correlation id the signal's own id
	// correlates the reply, matching the signal constructor's default.
	sig := models.NewDurableSignal(models.SignalAPIMessageReceived, nil)
	sig.Source = "api"
	if req.CorrelationID != "" {
		sig.CorrelationID = req.CorrelationID
	}

	inbound := models.InboundMessage{
		Text:          req.Text,
		ChannelType:   channel,
		ChannelTarget: req.ChannelTarget,
		UserID:        req.UserID,
		UserName:      req.UserName,
		Timestamp:     time.Now().UTC(),
		CorrelationID: sig.CorrelationID,
		Metadata:      req.Metadata,
	}
	sig.Payload = inbound.ToPayload()

	return s.emitAndAwait(c, sig)
}

// emitAndAwait publishes a signal and blocks for a correlated outbound.
// A reply inside the wait window yields 200; otherwise the caller gets
// 202 and can pick the reply up over /events.
func (s *Server) emitAndAwait(c *echo.Context, sig models.Signal) error {
	if err := s.publisher.Publish(c.Request().Context(), sig); err != nil {
		return mapPublishError(err)
	}

	waitCtx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.API.MessageWait)
	defer cancel()

	reply, err := s.gateway.AwaitReply(waitCtx, sig.CorrelationID)
	if err != nil {
		return c.JSON(http.StatusAccepted, AcceptedResponse{
			Status:        "accepted",
			CorrelationID: sig.CorrelationID,
		})
	}

	return c.JSON(http.StatusOK, MessageResponse{
		Reply:         reply.Message,
		CorrelationID: sig.CorrelationID,
		Metadata:      reply.Metadata,
	})
}

// eventsHandler handles GET /events.
// Streams outbound messages as server-sent events, optionally filtered
// to one channel target. The stream stays open until the client leaves.
func (s *Server) eventsHandler(c *echo.Context) error {
	target := c.QueryParam("channel_target")

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	rc := http.NewResponseController(c.Response())
	ctx := c.Request().Context()
	sub := s.gateway.Subscribe(ctx, target)

	// Comment frame confirms the subscription before any data arrives.
	if _, err := fmt.Fprintf(c.Response(), ": connected\n\n"); err != nil {
		return nil
	}
	if err := rc.Flush(); err != nil {
		return nil
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := fmt.Fprintf(c.Response(), ": keepalive\n\n"); err != nil {
				return nil
			}
			if err := rc.Flush(); err != nil {
				return nil
			}
		case msg, ok := <-sub:
			if !ok {
				return nil
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("dropping unencodable outbound message", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
				return nil
			}
			if err := rc.Flush(); err != nil {
				return nil
			}
		}
	}
}
