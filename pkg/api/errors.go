package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// mapStoreError maps storage-layer errors to HTTP error responses.
func mapStoreError(err error) *echo.HTTPError {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, store.ErrInvalidInput) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, store.ErrNotClaimable) {
		return echo.NewHTTPError(http.StatusConflict, "resource is not in an eligible state")
	}
	if errors.Is(err, store.ErrConcurrentModification) {
		return echo.NewHTTPError(http.StatusConflict, "resource was modified concurrently")
	}

	// Unexpected error
	slog.Error("Unexpected store error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapPublishError handles bus refusals before falling back to the
// storage mapping. A saturated or closed bus is a temporary condition.
func mapPublishError(err error) *echo.HTTPError {
	if errors.Is(err, bus.ErrClosed) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "agent is shutting down")
	}
	if errors.Is(err, bus.ErrFull) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "signal bus is saturated")
	}
	return mapStoreError(err)
}
