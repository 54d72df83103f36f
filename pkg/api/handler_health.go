package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/database"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /api/health.
// Checks only components this process owns: the store ping and the
// runtime's session/connection gauges. External dependencies (the LLM
// endpoint, MCP servers) are excluded so an upstream outage cannot make
// an orchestrator restart a healthy pod.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.dbClient != nil {
		if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	resp := &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	}
	if s.runtime != nil {
		resp.ActiveSessions = s.runtime.ActiveCount()
	}
	if s.transport != nil {
		resp.ActiveConnections = s.transport.ActiveConnections()
	}

	return c.JSON(httpStatus, resp)
}

// versionHandler handles GET /api/version.
func (s *Server) versionHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &VersionResponse{
		App:    version.AppName,
		Commit: version.GitCommit,
	})
}
