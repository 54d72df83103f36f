package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/services"
)

// StartChatRequest is the HTTP request body for POST /api/chats/:tenant/:workflow/start.
// ChatID may be supplied for idempotent retries; empty means mint a new one.
type StartChatRequest struct {
	ChatID string `json:"chat_id,omitempty"`
	UserID string `json:"user_id"`
}

// startChatHandler handles POST /api/chats/:tenant/:workflow/start.
// Creates the session row and launches the orchestration run; returns the
// existing row unchanged when the supplied chat_id is already known.
func (s *Server) startChatHandler(c *echo.Context) error {
	tenantID := c.Param("tenant")
	workflowName := c.Param("workflow")
	if tenantID == "" || workflowName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant and workflow are required")
	}

	var req StartChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sess, existing, err := s.runtime.StartSession(c.Request().Context(), models.CreateSessionRequest{
		ChatID:       req.ChatID,
		TenantID:     tenantID,
		UserID:       req.UserID,
		WorkflowName: workflowName,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &models.CreateSessionResponse{
		ChatID:    sess.ChatID,
		CacheSeed: sess.CacheSeed,
		Existing:  existing,
	})
}

// listChatsHandler handles GET /api/chats/:tenant/:workflow.
func (s *Server) listChatsHandler(c *echo.Context) error {
	tenantID := c.Param("tenant")
	workflowName := c.Param("workflow")
	if tenantID == "" || workflowName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant and workflow are required")
	}

	filters := models.SessionFilters{
		WorkflowName: workflowName,
		Limit:        25,
	}

	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			filters.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}
	if v := c.QueryParam("status"); v != "" {
		switch models.SessionStatus(v) {
		case models.StatusRunning, models.StatusWaitingForInput, models.StatusCompleted, models.StatusFailed:
			filters.Status = v
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
	}
	if v := c.QueryParam("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid created_after: must be RFC3339")
		}
		filters.CreatedAfter = &t
	}

	result, err := s.sessions.ListSessions(c.Request().Context(), tenantID, filters)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, result)
}

// chatExistsHandler handles GET /api/chats/exists/:tenant/:workflow/:chat_id.
// A chat created under a different workflow does not exist under this path.
func (s *Server) chatExistsHandler(c *echo.Context) error {
	tenantID := c.Param("tenant")
	workflowName := c.Param("workflow")
	chatID := c.Param("chat_id")
	if tenantID == "" || workflowName == "" || chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant, workflow, and chat_id are required")
	}

	sess, err := s.sessions.GetSession(c.Request().Context(), tenantID, chatID)
	if errors.Is(err, services.ErrNotFound) {
		return c.JSON(http.StatusOK, &ExistsResponse{ChatID: chatID, Exists: false})
	}
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &ExistsResponse{
		ChatID: chatID,
		Exists: sess.WorkflowName == workflowName,
	})
}

// chatMetaHandler handles GET /api/chats/meta/:tenant/:workflow/:chat_id.
func (s *Server) chatMetaHandler(c *echo.Context) error {
	tenantID := c.Param("tenant")
	workflowName := c.Param("workflow")
	chatID := c.Param("chat_id")
	if tenantID == "" || workflowName == "" || chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant, workflow, and chat_id are required")
	}

	sess, err := s.sessions.GetSession(c.Request().Context(), tenantID, chatID)
	if err != nil {
		return mapServiceError(err)
	}
	if sess.WorkflowName != workflowName {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	return c.JSON(http.StatusOK, sess)
}
