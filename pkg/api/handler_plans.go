package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/alphonse-agent/nerve/pkg/models"
)

// planKindsHandler handles GET /api/v1/plans/kinds.
func (s *Server) planKindsHandler(c *echo.Context) error {
	kinds, err := s.stores.Plans.ListKinds(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	if kinds == nil {
		kinds = []models.PlanKind{}
	}
	return c.JSON(http.StatusOK, kinds)
}

// getPlanHandler handles GET /api/v1/plans/:id.
func (s *Server) getPlanHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "plan id is required")
	}
	ctx := c.Request().Context()

	plan, err := s.stores.Plans.GetInstance(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}
	runs, err := s.stores.Plans.Runs(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}
	if runs == nil {
		runs = []models.PlanRun{}
	}
	return c.JSON(http.StatusOK, PlanDetailResponse{Plan: plan, Runs: runs})
}

// cancelPlanHandler handles POST /api/v1/plans/:id/cancel.
// Only queued or running plans can be cancelled; a terminal plan is 409.
func (s *Server) cancelPlanHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "plan id is required")
	}
	ctx := c.Request().Context()
	if _, err := s.stores.Plans.GetInstance(ctx, id); err != nil {
		return mapStoreError(err)
	}
	if err := s.stores.Plans.CancelInstance(ctx, id); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"plan_id": id, "status": string(models.PlanCancelled)})
}
