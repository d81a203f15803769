package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/alphonse-agent/nerve/pkg/models"
)

// statusHandler handles POST /status.
// Emits api.status_requested and returns the rendered status reply.
func (s *Server) statusHandler(c *echo.Context) error {
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	payload := map[string]any{}
	if req.Channel != "" {
		payload["channel_type"] = req.Channel
	}
	if req.ChannelTarget != "" {
		payload["channel_target"] = req.ChannelTarget
	}

	sig := models.NewSignal(models.SignalAPIStatusRequested, payload)
	sig.Source = "api"
	if req.CorrelationID != "" {
		sig.CorrelationID = req.CorrelationID
	}

	return s.emitAndAwait(c, sig)
}

// timedSignalOpHandler handles POST /timed-signals.
// The op field selects list, create or cancel; the reply is the
// conversational rendering, with structured rows in metadata.
func (s *Server) timedSignalOpHandler(c *echo.Context) error {
	var req TimedSignalOpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	switch req.Op {
	case "", "list", "create", "cancel":
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "op must be one of list, create, cancel")
	}
	if req.Op == "cancel" && req.ID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "cancel requires an id")
	}
	if req.Op == "create" && req.TriggerAt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "create requires trigger_at")
	}

	payload := map[string]any{"op": req.Op}
	if req.ID != 0 {
		payload["id"] = req.ID
	}
	if req.TriggerAt != "" {
		payload["trigger_at"] = req.TriggerAt
	}
	if req.RRule != "" {
		payload["rrule"] = req.RRule
	}
	if req.Timezone != "" {
		payload["timezone"] = req.Timezone
	}
	if req.SignalType != "" {
		payload["signal_type"] = req.SignalType
	}
	if req.Target != "" {
		payload["target"] = req.Target
	}
	if req.Origin != "" {
		payload["origin"] = req.Origin
	}
	if req.Payload != nil {
		payload["payload"] = req.Payload
	}

	sig := models.NewSignal(models.SignalAPITimedSigsRequested, payload)
	sig.Source = "api"
	if req.CorrelationID != "" {
		sig.CorrelationID = req.CorrelationID
	}

	return s.emitAndAwait(c, sig)
}
