package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz. The response stays minimal because
// the endpoint is reachable without a token.
// A broken trace store only degrades: the agent keeps working without
// its diary, so the supervisor should not restart it for that.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	_, err := database.Health(reqCtx, s.db.DB())
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.obs != nil {
		if _, err := s.obs.Health(reqCtx); err != nil {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["trace_store"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["trace_store"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// metricsHandler handles GET /metrics in the Prometheus text format.
func (s *Server) metricsHandler(c *echo.Context) error {
	if s.gatherer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "metrics not available")
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).
		ServeHTTP(c.Response(), c.Request())
	return nil
}
