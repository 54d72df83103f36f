package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/transport"
)

// wsHandler upgrades GET /ws/:workflow/:tenant/:chat_id/:user to a
// WebSocket and hands the connection to the transport manager.
// HandleConnection blocks until the socket closes, so the route's
// goroutine is the connection's read loop.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.transport == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	params := transport.ConnParams{
		WorkflowName: c.Param("workflow"),
		TenantID:     c.Param("tenant"),
		ChatID:       c.Param("chat_id"),
		UserID:       c.Param("user"),
	}
	if params.WorkflowName == "" || params.TenantID == "" || params.ChatID == "" || params.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow, tenant, chat_id, and user are required")
	}

	// Same-host upgrades always pass; cross-origin ones must match the
	// configured allowlist.
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	s.transport.HandleConnection(c.Request().Context(), conn, params)
	return nil
}
