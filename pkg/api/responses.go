package api

import (
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
)

// ExistsResponse is returned by GET /api/chats/exists/:tenant/:workflow/:chat_id.
type ExistsResponse struct {
	ChatID string `json:"chat_id"`
	Exists bool   `json:"exists"`
}

// HealthCheck is one named component check inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status            string                 `json:"status"`
	Version           string                 `json:"version"`
	Checks            map[string]HealthCheck `json:"checks"`
	ActiveSessions    int                    `json:"active_sessions"`
	ActiveConnections int                    `json:"active_connections"`
}

// VersionResponse is returned by GET /api/version.
type VersionResponse struct {
	App    string `json:"app"`
	Commit string `json:"commit"`
}

// PerfAggregateResponse is returned by GET /metrics/perf/aggregate.
// Totals span all registered tenants; PerTenant breaks the same numbers
// down by tenant id.
type PerfAggregateResponse struct {
	Totals    models.PlatformUsage            `json:"totals"`
	PerTenant map[string]models.PlatformUsage `json:"per_tenant"`
}

// PerfChatsResponse is returned by GET /metrics/perf/chats.
type PerfChatsResponse struct {
	TenantID string               `json:"tenant_id"`
	Chats    []models.UsageTotals `json:"chats"`
}

// PerfChatResponse is returned by GET /metrics/perf/chats/:chat_id.
type PerfChatResponse struct {
	TenantID  string                         `json:"tenant_id"`
	Usage     *models.UsageTotals            `json:"usage"`
	Latencies map[string]models.AgentLatency `json:"agent_latencies"`
}
