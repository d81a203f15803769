package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/alphonse-agent/nerve/pkg/models"
)

// listTimedSignalsHandler handles GET /api/v1/timed-signals.
// Filters on status (default pending) and caps the page with limit.
func (s *Server) listTimedSignalsHandler(c *echo.Context) error {
	status := models.TimedPending
	if raw := c.QueryParam("status"); raw != "" {
		switch models.TimedSignalStatus(raw) {
		case models.TimedPending, models.TimedProcessing, models.TimedFired,
			models.TimedFailed, models.TimedCancelled, models.TimedSkipped:
			status = models.TimedSignalStatus(raw)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+raw)
		}
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = n
	}

	rows, err := s.stores.Timed.List(c.Request().Context(), status, limit)
	if err != nil {
		return mapStoreError(err)
	}
	if rows == nil {
		rows = []models.TimedSignal{}
	}
	return c.JSON(http.StatusOK, rows)
}

// createTimedSignalHandler handles POST /api/v1/timed-signals.
func (s *Server) createTimedSignalHandler(c *echo.Context) error {
	var req CreateTimedSignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TriggerAt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "trigger_at is required")
	}
	triggerAt, err := time.Parse(time.RFC3339, req.TriggerAt)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "trigger_at must be RFC3339")
	}
	if req.SignalType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "signal_type is required")
	}

	origin := req.Origin
	if origin == "" {
		origin = "api"
	}

	id, err := s.stores.Timed.Create(c.Request().Context(), models.TimedSignalSpec{
		TriggerAt:     triggerAt,
		RRule:         req.RRule,
		Timezone:      req.Timezone,
		SignalType:    req.SignalType,
		Payload:       req.Payload,
		Target:        req.Target,
		Origin:        origin,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, TimedSignalCreatedResponse{ID: id})
}

// cancelTimedSignalHandler handles DELETE /api/v1/timed-signals/:id.
// Only pending rows are cancellable; anything else is 404.
func (s *Server) cancelTimedSignalHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a positive integer")
	}
	if err := s.stores.Timed.Cancel(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "status": string(models.TimedCancelled)})
}
