package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/runtime"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/services"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if errors.Is(err, services.ErrSessionTerminal) {
		return echo.NewHTTPError(http.StatusConflict, "session is in a terminal state")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, runtime.ErrRateLimited) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "session creation rate limit exceeded")
	}
	if errors.Is(err, runtime.ErrCapacity) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session capacity reached")
	}
	if errors.Is(err, runtime.ErrDraining) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
