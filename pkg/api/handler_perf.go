package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
)

// perfAggregateHandler handles GET /metrics/perf/aggregate.
// Sums usage over every registered tenant schema.
func (s *Server) perfAggregateHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	tenants, err := s.dbClient.ListTenants(ctx)
	if err != nil {
		return mapServiceError(err)
	}

	resp := &PerfAggregateResponse{
		PerTenant: make(map[string]models.PlatformUsage, len(tenants)),
	}
	for tenantID := range tenants {
		agg, err := s.usage.AggregateUsage(ctx, tenantID)
		if err != nil {
			return mapServiceError(err)
		}
		resp.PerTenant[tenantID] = *agg
		resp.Totals.Sessions += agg.Sessions
		resp.Totals.PromptTokens += agg.PromptTokens
		resp.Totals.CompletionTokens += agg.CompletionTokens
		resp.Totals.TotalTokens += agg.TotalTokens
		resp.Totals.CostUSD += agg.CostUSD
	}

	return c.JSON(http.StatusOK, resp)
}

// perfChatsHandler handles GET /metrics/perf/chats?tenant=X.
func (s *Server) perfChatsHandler(c *echo.Context) error {
	tenantID := c.QueryParam("tenant")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant query parameter is required")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	chats, err := s.usage.ListUsage(c.Request().Context(), tenantID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	if chats == nil {
		chats = []models.UsageTotals{}
	}

	return c.JSON(http.StatusOK, &PerfChatsResponse{TenantID: tenantID, Chats: chats})
}

// perfChatHandler handles GET /metrics/perf/chats/:chat_id?tenant=X.
func (s *Server) perfChatHandler(c *echo.Context) error {
	tenantID := c.QueryParam("tenant")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant query parameter is required")
	}
	chatID := c.Param("chat_id")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat_id is required")
	}

	totals, latencies, err := s.usage.GetUsage(c.Request().Context(), tenantID, chatID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &PerfChatResponse{
		TenantID:  tenantID,
		Usage:     totals,
		Latencies: latencies,
	})
}
