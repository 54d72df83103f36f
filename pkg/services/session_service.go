// Package services implements the persistence operations over per-tenant
// schemas: sessions, the append-only event log, usage accounting, and
// conversation state. Every service holds the shared database client and
// resolves the tenant schema per call; SQL never crosses schemas.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/database"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
)

// SessionService manages chat session lifecycle.
type SessionService struct {
	client *database.Client
}

// NewSessionService creates a new SessionService.
func NewSessionService(client *database.Client) *SessionService {
	return &SessionService{client: client}
}

const sessionColumns = `chat_id, tenant_id, user_id, workflow_name, cache_seed, status,
	sequence_counter, epoch, COALESCE(failure_reason, ''), created_at, updated_at`

// CreateSession creates a session, idempotently: re-posting the same
// chat_id returns the existing session with Existing=true instead of
// failing.
func (s *SessionService) CreateSession(httpCtx context.Context, req models.CreateSessionRequest) (*models.Session, bool, error) {
	if req.TenantID == "" {
		return nil, false, NewValidationError("tenant_id", "required")
	}
	if req.UserID == "" {
		return nil, false, NewValidationError("user_id", "required")
	}
	if req.WorkflowName == "" {
		return nil, false, NewValidationError("workflow_name", "required")
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = uuid.New().String()
	}

	schema, err := s.client.EnsureTenant(httpCtx, req.TenantID)
	if err != nil {
		return nil, false, err
	}

	// Background context with timeout for the critical write.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seed := models.ComputeCacheSeed(req.TenantID, chatID)
	res, err := s.client.DB().ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.sessions (chat_id, tenant_id, user_id, workflow_name, cache_seed, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (chat_id) DO NOTHING`, schema),
		chatID, req.TenantID, req.UserID, req.WorkflowName, int64(seed), string(models.StatusRunning),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}

	session, err := s.getSession(ctx, schema, chatID)
	if err != nil {
		return nil, false, err
	}
	return session, inserted == 0, nil
}

// GetSession returns the session for chat_id.
func (s *SessionService) GetSession(ctx context.Context, tenantID, chatID string) (*models.Session, error) {
	schema, err := s.client.EnsureTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.getSession(ctx, schema, chatID)
}

func (s *SessionService) getSession(ctx context.Context, schema, chatID string) (*models.Session, error) {
	row := s.client.DB().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.sessions WHERE chat_id = $1`, sessionColumns, schema), chatID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var sess models.Session
	var seed int64
	err := row.Scan(&sess.ChatID, &sess.TenantID, &sess.UserID, &sess.WorkflowName, &seed,
		&sess.Status, &sess.SequenceCounter, &sess.Epoch, &sess.FailureReason,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.CacheSeed = uint32(seed)
	return &sess, nil
}

// ListSessions returns sessions matching the filters, newest first.
func (s *SessionService) ListSessions(ctx context.Context, tenantID string, filters models.SessionFilters) (*models.SessionListResponse, error) {
	schema, err := s.client.EnsureTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	where := []string{"TRUE"}
	var args []any
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.WorkflowName != "" {
		args = append(args, filters.WorkflowName)
		where = append(where, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if filters.CreatedAfter != nil {
		args = append(args, *filters.CreatedAfter)
		where = append(where, fmt.Sprintf("created_at > $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	err = s.client.DB().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s.sessions WHERE %s`, schema, cond), args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, filters.Offset)
	rows, err := s.client.DB().QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.sessions WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		sessionColumns, schema, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var sess models.Session
		var seed int64
		if err := rows.Scan(&sess.ChatID, &sess.TenantID, &sess.UserID, &sess.WorkflowName, &seed,
			&sess.Status, &sess.SequenceCounter, &sess.Epoch, &sess.FailureReason,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sess.CacheSeed = uint32(seed)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return &models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: total,
		Limit:      limit,
		Offset:     filters.Offset,
	}, nil
}

// UpdateStatus transitions a session's status. Transitions out of a
// terminal status are rejected with ErrSessionTerminal.
func (s *SessionService) UpdateStatus(httpCtx context.Context, tenantID, chatID string, status models.SessionStatus, failureReason string) error {
	schema, err := s.client.EnsureTenant(httpCtx, tenantID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.client.DB().ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s.sessions
		 SET status = $2, failure_reason = NULLIF($3, ''), updated_at = now()
		 WHERE chat_id = $1 AND status NOT IN ($4, $5)`, schema),
		chatID, string(status), failureReason,
		string(models.StatusCompleted), string(models.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		// Either unknown or already terminal; one more read to tell them apart.
		if _, err := s.getSession(ctx, schema, chatID); err != nil {
			return err
		}
		return ErrSessionTerminal
	}
	return nil
}

// BumpEpoch increments the session's epoch and zeroes the sequence
// counter. Called when a resume boundary is emitted; live events after the
// boundary restart at seq 1.
func (s *SessionService) BumpEpoch(httpCtx context.Context, tenantID, chatID string) (int, error) {
	schema, err := s.client.EnsureTenant(httpCtx, tenantID)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var epoch int
	err = s.client.DB().QueryRowContext(ctx, fmt.Sprintf(
		`UPDATE %s.sessions
		 SET epoch = epoch + 1, sequence_counter = 0, updated_at = now()
		 WHERE chat_id = $1
		 RETURNING epoch`, schema), chatID).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump session epoch: %w", err)
	}
	return epoch, nil
}

// ListRunning returns sessions in a non-terminal status, oldest first.
// Used by orphan recovery at startup and by the retention sweeper.
func (s *SessionService) ListRunning(ctx context.Context, tenantID string) ([]*models.Session, error) {
	resp, err := s.ListSessions(ctx, tenantID, models.SessionFilters{Limit: 200})
	if err != nil {
		return nil, err
	}
	var running []*models.Session
	for _, sess := range resp.Sessions {
		if !sess.Status.Terminal() {
			running = append(running, sess)
		}
	}
	return running, nil
}
