package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/database"
)

// StateService stores the opaque conversation state blob the engine needs
// to resume a session: serialized agent messages plus the context
// variable snapshot. The blob is JSON but this layer never looks inside.
type StateService struct {
	client *database.Client
}

// NewStateService creates a new StateService.
func NewStateService(client *database.Client) *StateService {
	return &StateService{client: client}
}

// SaveConversationState upserts the session's state blob.
func (s *StateService) SaveConversationState(httpCtx context.Context, tenantID, chatID string, state []byte) error {
	if len(state) == 0 {
		return NewValidationError("state", "required")
	}
	schema, err := s.client.EnsureTenant(httpCtx, tenantID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = s.client.DB().ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.conversation_state (chat_id, state)
		 VALUES ($1, $2)
		 ON CONFLICT (chat_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`, schema),
		chatID, state,
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	return nil
}

// LoadConversationState returns the session's state blob, or ErrNotFound
// when the session has none saved yet.
func (s *StateService) LoadConversationState(ctx context.Context, tenantID, chatID string) ([]byte, error) {
	schema, err := s.client.EnsureTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var state []byte
	err = s.client.DB().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT state FROM %s.conversation_state WHERE chat_id = $1`, schema), chatID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}
	return state, nil
}
