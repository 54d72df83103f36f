package models

import "time"

// UsageDelta is one LLM call's token accounting, attributed to an agent.
type UsageDelta struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cached           bool    `json:"cached"`
	DurationSec      float64 `json:"duration_sec"`
	Agent            string  `json:"agent"`
	Model            string  `json:"model"`
	CostUSD          float64 `json:"cost_usd"`
}

// UsageTotals is the accumulated usage for one session. The final_* fields
// are written once at run completion and are authoritative for billing;
// the running totals are telemetry.
type UsageTotals struct {
	ChatID                string    `json:"chat_id"`
	PromptTokens          int       `json:"prompt_tokens"`
	CompletionTokens      int       `json:"completion_tokens"`
	TotalTokens           int       `json:"total_tokens"`
	CostUSD               float64   `json:"cost_usd"`
	LastModel             string    `json:"last_model"`
	LastBilledTotalTokens int       `json:"last_billed_total_tokens"`
	FinalPromptTokens     int       `json:"final_prompt_tokens"`
	FinalCompletionTokens int       `json:"final_completion_tokens"`
	FinalTotalTokens      int       `json:"final_total_tokens"`
	FinalCostUSD          float64   `json:"final_cost_usd"`
	Finalized             bool      `json:"finalized"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// AgentLatency is one agent's call-latency aggregate within a session.
type AgentLatency struct {
	Agent       string  `json:"agent"`
	Calls       int     `json:"calls"`
	TotalSec    float64 `json:"total_sec"`
	MaxSec      float64 `json:"max_sec"`
	LastCallSec float64 `json:"last_call_sec"`
}

// PlatformUsage is the cross-session aggregate served by the perf endpoints.
type PlatformUsage struct {
	Sessions         int     `json:"sessions"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}
