package services

import (
	"context"
	"fmt"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/database"
)

// TenantQueryRunner runs manifest-declared context variable queries inside
// one tenant's schema. The search_path is pinned with SET LOCAL inside a
// transaction, so an unqualified table name in a manifest query can only
// resolve to that tenant's tables.
type TenantQueryRunner struct {
	client   *database.Client
	tenantID string
}

// NewTenantQueryRunner binds a query runner to a tenant.
func NewTenantQueryRunner(client *database.Client, tenantID string) *TenantQueryRunner {
	return &TenantQueryRunner{client: client, tenantID: tenantID}
}

// QueryValue runs the query and returns the first column of the first
// row. Implements contextstore.QueryRunner.
func (r *TenantQueryRunner) QueryValue(ctx context.Context, query string) (any, error) {
	schema, err := r.client.EnsureTenant(ctx, r.tenantID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Schema name is derived hex, not raw input; SET LOCAL cannot take a
	// bind parameter.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL search_path TO %s`, schema)); err != nil {
		return nil, fmt.Errorf("failed to set search path: %w", err)
	}

	var value any
	if err := tx.QueryRowContext(ctx, query).Scan(&value); err != nil {
		return nil, fmt.Errorf("context variable query failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit variable query: %w", err)
	}

	// Text columns surface as []byte through database/sql.
	if b, ok := value.([]byte); ok {
		return string(b), nil
	}
	return value, nil
}
