package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TenantSchema derives the Postgres schema name for a tenant. The name is
// a closed function of the tenant id, so a query built against one
// tenant's schema can never read another tenant's rows.
func TenantSchema(tenantID string) string {
	sum := sha256.Sum256([]byte(tenantID))
	return "t_" + hex.EncodeToString(sum[:4])
}

// tenantSchemas remembers which schemas this process has already ensured,
// so the hot path skips the DDL round trips after the first session of a
// tenant.
type tenantSchemas struct {
	mu      sync.Mutex
	ensured map[string]bool
}

// tenantDDL creates the per-tenant tables. Every statement is idempotent;
// concurrent EnsureTenant calls for the same tenant are harmless. The %s
// placeholder is the schema name, which is derived (hex digits only) and
// never raw input.
var tenantDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS %s`,

	`CREATE TABLE IF NOT EXISTS %s.sessions (
		chat_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		workflow_name TEXT NOT NULL,
		cache_seed BIGINT NOT NULL,
		status TEXT NOT NULL,
		sequence_counter INT NOT NULL DEFAULT 0,
		epoch INT NOT NULL DEFAULT 0,
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_status_updated ON %s.sessions (status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS %s.events (
		id BIGSERIAL PRIMARY KEY,
		chat_id TEXT NOT NULL,
		epoch INT NOT NULL,
		seq INT NOT NULL,
		kind TEXT NOT NULL,
		agent TEXT,
		content JSONB NOT NULL,
		corr TEXT,
		hidden BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// Hidden rows all carry seq 0, so uniqueness holds only for delivered
	// events. Plain CREATE UNIQUE INDEX because a table constraint cannot
	// carry a WHERE clause.
	`CREATE UNIQUE INDEX IF NOT EXISTS events_chat_epoch_seq ON %s.events (chat_id, epoch, seq) WHERE NOT hidden`,
	`CREATE INDEX IF NOT EXISTS events_chat_id_id ON %s.events (chat_id, id)`,

	`CREATE TABLE IF NOT EXISTS %s.usage_totals (
		chat_id TEXT PRIMARY KEY,
		prompt_tokens BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		cost NUMERIC(14,6) NOT NULL DEFAULT 0,
		last_model TEXT,
		last_billed_total_tokens BIGINT NOT NULL DEFAULT 0,
		agent_latencies JSONB NOT NULL DEFAULT '{}'::jsonb,
		final_prompt_tokens BIGINT,
		final_completion_tokens BIGINT,
		final_total_tokens BIGINT,
		final_cost NUMERIC(14,6),
		finalized BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS %s.conversation_state (
		chat_id TEXT PRIMARY KEY,
		state JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureTenant creates the tenant's schema and tables if they do not
// exist yet and returns the schema name. Safe to call on every request;
// after the first call per process it is a map lookup.
func (c *Client) EnsureTenant(ctx context.Context, tenantID string) (string, error) {
	schema := TenantSchema(tenantID)

	c.tenants.mu.Lock()
	defer c.tenants.mu.Unlock()
	if c.tenants.ensured[schema] {
		return schema, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, stmt := range tenantDDL {
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf(stmt, schema)); err != nil {
			return "", fmt.Errorf("failed to ensure tenant schema %s: %w", schema, err)
		}
	}
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, schema_name) VALUES ($1, $2) ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, schema,
	); err != nil {
		return "", fmt.Errorf("failed to register tenant: %w", err)
	}

	if c.tenants.ensured == nil {
		c.tenants.ensured = make(map[string]bool)
	}
	c.tenants.ensured[schema] = true
	return schema, nil
}

// ListTenants returns all registered tenants with their schema names.
func (c *Client) ListTenants(ctx context.Context) (map[string]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT tenant_id, schema_name FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var tenantID, schema string
		if err := rows.Scan(&tenantID, &schema); err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		out[tenantID] = schema
	}
	return out, rows.Err()
}
