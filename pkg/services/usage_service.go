package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/database"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
)

// UsageService accumulates per-session token and cost accounting. Running
// totals update on every usage delta from the engine; the final_* columns
// are written exactly once at run completion and are the billing source
// of truth.
type UsageService struct {
	client *database.Client
}

// NewUsageService creates a new UsageService.
func NewUsageService(client *database.Client) *UsageService {
	return &UsageService{client: client}
}

// RecordUsage folds one delta into the running totals, updates the
// per-agent latency aggregate, and advances last_billed_total_tokens.
func (s *UsageService) RecordUsage(httpCtx context.Context, tenantID, chatID string, delta models.UsageDelta) error {
	schema, err := s.client.EnsureTenant(httpCtx, tenantID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latenciesJSON []byte
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.usage_totals (chat_id, prompt_tokens, completion_tokens, total_tokens, cost, last_model, last_billed_total_tokens)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $4)
		 ON CONFLICT (chat_id) DO UPDATE SET
		     prompt_tokens = %[1]s.usage_totals.prompt_tokens + EXCLUDED.prompt_tokens,
		     completion_tokens = %[1]s.usage_totals.completion_tokens + EXCLUDED.completion_tokens,
		     total_tokens = %[1]s.usage_totals.total_tokens + EXCLUDED.total_tokens,
		     cost = %[1]s.usage_totals.cost + EXCLUDED.cost,
		     last_model = COALESCE(EXCLUDED.last_model, %[1]s.usage_totals.last_model),
		     last_billed_total_tokens = %[1]s.usage_totals.total_tokens + EXCLUDED.total_tokens,
		     updated_at = now()
		 RETURNING agent_latencies`, schema),
		chatID, delta.PromptTokens, delta.CompletionTokens, delta.TotalTokens,
		delta.CostUSD, delta.Model,
	).Scan(&latenciesJSON)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	if delta.Agent != "" {
		merged, err := mergeLatency(latenciesJSON, delta)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s.usage_totals SET agent_latencies = $2 WHERE chat_id = $1`, schema),
			chatID, merged,
		)
		if err != nil {
			return fmt.Errorf("failed to update agent latencies: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage delta: %w", err)
	}
	return nil
}

// mergeLatency folds one call's duration into the stored per-agent
// aggregate.
func mergeLatency(stored []byte, delta models.UsageDelta) ([]byte, error) {
	latencies := make(map[string]models.AgentLatency)
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &latencies); err != nil {
			return nil, fmt.Errorf("failed to decode agent latencies: %w", err)
		}
	}
	agg := latencies[delta.Agent]
	agg.Agent = delta.Agent
	agg.Calls++
	agg.TotalSec += delta.DurationSec
	agg.LastCallSec = delta.DurationSec
	if delta.DurationSec > agg.MaxSec {
		agg.MaxSec = delta.DurationSec
	}
	latencies[delta.Agent] = agg

	merged, err := json.Marshal(latencies)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent latencies: %w", err)
	}
	return merged, nil
}

// RecordFinalUsage writes the authoritative final_* totals at run
// completion. Idempotent: a second call for an already-finalized session
// is a no-op, so a crash between completion and acknowledgment cannot
// double-bill.
func (s *UsageService) RecordFinalUsage(httpCtx context.Context, tenantID, chatID string, totals models.UsageTotals) error {
	schema, err := s.client.EnsureTenant(httpCtx, tenantID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = s.client.DB().ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.usage_totals (chat_id, final_prompt_tokens, final_completion_tokens, final_total_tokens, final_cost, finalized)
		 VALUES ($1, $2, $3, $4, $5, TRUE)
		 ON CONFLICT (chat_id) DO UPDATE SET
		     final_prompt_tokens = EXCLUDED.final_prompt_tokens,
		     final_completion_tokens = EXCLUDED.final_completion_tokens,
		     final_total_tokens = EXCLUDED.final_total_tokens,
		     final_cost = EXCLUDED.final_cost,
		     finalized = TRUE,
		     updated_at = now()
		 WHERE NOT %s.usage_totals.finalized`, schema, schema),
		chatID, totals.FinalPromptTokens, totals.FinalCompletionTokens,
		totals.FinalTotalTokens, totals.FinalCostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to record final usage: %w", err)
	}
	return nil
}

// AggregateUsage sums usage across every session in one tenant schema.
// Finalized sessions contribute their final_* totals, in-flight sessions
// their running totals, so the aggregate never double-counts a session
// that finalizes mid-query.
func (s *UsageService) AggregateUsage(ctx context.Context, tenantID string) (*models.PlatformUsage, error) {
	schema, err := s.client.EnsureTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var agg models.PlatformUsage
	err = s.client.DB().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN finalized THEN final_prompt_tokens ELSE prompt_tokens END), 0),
		        COALESCE(SUM(CASE WHEN finalized THEN final_completion_tokens ELSE completion_tokens END), 0),
		        COALESCE(SUM(CASE WHEN finalized THEN final_total_tokens ELSE total_tokens END), 0),
		        COALESCE(SUM(CASE WHEN finalized THEN final_cost ELSE cost END), 0)
		 FROM %s.usage_totals`, schema)).Scan(
		&agg.Sessions, &agg.PromptTokens, &agg.CompletionTokens, &agg.TotalTokens, &agg.CostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return &agg, nil
}

// ListUsage returns per-session usage rows for a tenant, most recently
// updated first. Agent latencies are omitted; GetUsage serves the
// per-session drill-down.
func (s *UsageService) ListUsage(ctx context.Context, tenantID string, limit int) ([]models.UsageTotals, error) {
	schema, err := s.client.EnsureTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.client.DB().QueryContext(ctx, fmt.Sprintf(
		`SELECT chat_id, prompt_tokens, completion_tokens, total_tokens, cost, last_model,
		        last_billed_total_tokens,
		        final_prompt_tokens, final_completion_tokens, final_total_tokens, final_cost,
		        finalized, updated_at
		 FROM %s.usage_totals ORDER BY updated_at DESC LIMIT $1`, schema), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.UsageTotals
	for rows.Next() {
		var (
			totals      models.UsageTotals
			lastModel   sql.NullString
			finalPrompt sql.NullInt64
			finalComp   sql.NullInt64
			finalTotal  sql.NullInt64
			finalCost   sql.NullFloat64
		)
		if err := rows.Scan(
			&totals.ChatID, &totals.PromptTokens, &totals.CompletionTokens, &totals.TotalTokens,
			&totals.CostUSD, &lastModel, &totals.LastBilledTotalTokens,
			&finalPrompt, &finalComp, &finalTotal, &finalCost, &totals.Finalized, &totals.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		totals.LastModel = lastModel.String
		totals.FinalPromptTokens = int(finalPrompt.Int64)
		totals.FinalCompletionTokens = int(finalComp.Int64)
		totals.FinalTotalTokens = int(finalTotal.Int64)
		totals.FinalCostUSD = finalCost.Float64
		out = append(out, totals)
	}
	return out, rows.Err()
}

// GetUsage returns the accumulated usage for a session.
func (s *UsageService) GetUsage(ctx context.Context, tenantID, chatID string) (*models.UsageTotals, map[string]models.AgentLatency, error) {
	schema, err := s.client.EnsureTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	var (
		totals        models.UsageTotals
		latenciesJSON []byte
		lastModel     sql.NullString
		finalPrompt   sql.NullInt64
		finalComp     sql.NullInt64
		finalTotal    sql.NullInt64
		finalCost     sql.NullFloat64
	)
	err = s.client.DB().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT chat_id, prompt_tokens, completion_tokens, total_tokens, cost, last_model,
		        last_billed_total_tokens, agent_latencies,
		        final_prompt_tokens, final_completion_tokens, final_total_tokens, final_cost,
		        finalized, updated_at
		 FROM %s.usage_totals WHERE chat_id = $1`, schema), chatID).Scan(
		&totals.ChatID, &totals.PromptTokens, &totals.CompletionTokens, &totals.TotalTokens,
		&totals.CostUSD, &lastModel, &totals.LastBilledTotalTokens, &latenciesJSON,
		&finalPrompt, &finalComp, &finalTotal, &finalCost, &totals.Finalized, &totals.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load usage: %w", err)
	}

	totals.LastModel = lastModel.String
	totals.FinalPromptTokens = int(finalPrompt.Int64)
	totals.FinalCompletionTokens = int(finalComp.Int64)
	totals.FinalTotalTokens = int(finalTotal.Int64)
	totals.FinalCostUSD = finalCost.Float64

	latencies := make(map[string]models.AgentLatency)
	if len(latenciesJSON) > 0 {
		if err := json.Unmarshal(latenciesJSON, &latencies); err != nil {
			return nil, nil, fmt.Errorf("failed to decode agent latencies: %w", err)
		}
	}
	return &totals, latencies, nil
}
