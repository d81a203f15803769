package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/alphonse-agent/nerve/pkg/observe"
)

// listTracesHandler handles GET /api/v1/traces.
// Supports since/until (RFC3339), level, event, correlation_id and limit.
func (s *Server) listTracesHandler(c *echo.Context) error {
	if s.obs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trace store not available")
	}

	var f observe.QueryFilter

	if raw := c.QueryParam("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since: must be RFC3339")
		}
		f.Since = t
	}
	if raw := c.QueryParam("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid until: must be RFC3339")
		}
		f.Until = t
	}
	if raw := c.QueryParam("level"); raw != "" {
		switch observe.Level(raw) {
		case observe.LevelDebug, observe.LevelInfo, observe.LevelWarn, observe.LevelError:
			f.Level = observe.Level(raw)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid level: "+raw)
		}
	}
	f.Event = c.QueryParam("event")
	f.CorrelationID = c.QueryParam("correlation_id")

	f.Limit = 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		f.Limit = n
	}

	events, err := s.obs.Query(c.Request().Context(), f)
	if err != nil {
		return mapStoreError(err)
	}
	if events == nil {
		events = []observe.TraceEvent{}
	}
	return c.JSON(http.StatusOK, TraceListResponse{Events: events})
}

// traceRollupsHandler handles GET /api/v1/traces/rollups.
// from_day narrows to rollups on or after that day (YYYY-MM-DD).
func (s *Server) traceRollupsHandler(c *echo.Context) error {
	if s.obs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trace store not available")
	}

	fromDay := c.QueryParam("from_day")
	if fromDay != "" {
		if _, err := time.Parse("2006-01-02", fromDay); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from_day: must be YYYY-MM-DD")
		}
	}

	rollups, err := s.obs.Rollups(c.Request().Context(), fromDay)
	if err != nil {
		return mapStoreError(err)
	}
	if rollups == nil {
		rollups = []observe.Rollup{}
	}
	return c.JSON(http.StatusOK, RollupResponse{Rollups: rollups})
}

// traceStatsHandler handles GET /api/v1/traces/stats.
func (s *Server) traceStatsHandler(c *echo.Context) error {
	if s.obs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trace store not available")
	}
	ctx := c.Request().Context()

	total, err := s.obs.Count(ctx)
	if err != nil {
		return mapStoreError(err)
	}

	resp := TraceStatsResponse{TotalEvents: total}
	if health, err := s.obs.Health(ctx); err == nil {
		resp.Health = health
	}
	if s.writer != nil {
		resp.Dropped = s.writer.Dropped()
	}
	return c.JSON(http.StatusOK, resp)
}
