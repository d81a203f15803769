package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/alphonse-agent/nerve/pkg/fsm"
)

// ─────────────────────────────────────────────────────────────────────
// Machine snapshot
// ─────────────────────────────────────────────────────────────────────

// stateHandler handles GET /api/v1/state.
// Reports the durable current state, signal-queue depth by status and
// the most recent step traces.
func (s *Server) stateHandler(c *echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 200")
		}
		limit = n
	}

	ctx := c.Request().Context()

	state, err := s.stores.Runtime.CurrentState(ctx)
	if err != nil {
		return mapStoreError(err)
	}
	depth, err := s.stores.Queue.Depth(ctx)
	if err != nil {
		return mapStoreError(err)
	}
	steps, err := s.stores.StepTrace.Recent(ctx, limit)
	if err != nil {
		return mapStoreError(err)
	}

	byStatus := make(map[string]int, len(depth))
	for status, n := range depth {
		byStatus[string(status)] = n
	}

	return c.JSON(http.StatusOK, StateResponse{
		State:       state,
		QueueDepth:  byStatus,
		RecentSteps: steps,
	})
}

// ─────────────────────────────────────────────────────────────────────
// Catalog
// ─────────────────────────────────────────────────────────────────────

// catalogHandler handles GET /api/v1/catalog.
func (s *Server) catalogHandler(c *echo.Context) error {
	cat, err := s.stores.Catalog.Load(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, cat)
}

// catalogReloadHandler handles POST /api/v1/catalog/reload.
// Re-reads the catalog rows and re-validates them against the registered
// guards and actions, so operators can sanity-check live edits. The
// machine itself reads the catalog per step and needs no restart.
func (s *Server) catalogReloadHandler(c *echo.Context) error {
	cat, err := s.stores.Catalog.Load(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}

	resp := CatalogReloadResponse{
		Valid:       true,
		States:      len(cat.States),
		Signals:     len(cat.Signals),
		Transitions: len(cat.Transitions),
		Senses:      len(cat.Senses),
	}
	if err := fsm.ValidateCatalog(cat, s.guards, s.actions); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
