package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/services"
)

// conversationState is the blob persisted per session: enough to seed a
// later run with the same conversation and to inspect what happened.
type conversationState struct {
	Transcript []engine.Turn  `json:"transcript"`
	Context    map[string]any `json:"context,omitempty"`
	SavedAt    time.Time      `json:"saved_at"`
}

// saveState persists the transcript and a context snapshot. A failed
// save is reported to the client as recoverable; the run outcome stands
// either way.
func (s *Session) saveState(ctx context.Context, transcript []engine.Turn) {
	blob, err := json.Marshal(conversationState{
		Transcript: transcript,
		Context:    s.store.Snapshot(),
		SavedAt:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to encode conversation state", "error", err)
		return
	}
	if err := s.orc.stores.State.SaveConversationState(ctx, s.meta.TenantID, s.meta.ChatID, blob); err != nil {
		s.logger.Error("failed to save conversation state", "error", err)
		s.publish(ctx, events.Error{
			Message:     "failed to save conversation state",
			Code:        events.CodePersistenceError,
			Details:     err.Error(),
			Recoverable: true,
		})
	}
}

// loadState restores a previously saved conversation, if any. The
// context snapshot is written back to the store and the transcript
// becomes the engine's seed history.
func (s *Session) loadState(ctx context.Context) ([]engine.Turn, bool) {
	blob, err := s.orc.stores.State.LoadConversationState(ctx, s.meta.TenantID, s.meta.ChatID)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			s.logger.Warn("failed to load conversation state, starting fresh", "error", err)
		}
		return nil, false
	}
	if len(blob) == 0 {
		return nil, false
	}
	var st conversationState
	if err := json.Unmarshal(blob, &st); err != nil {
		s.logger.Warn("saved conversation state is unreadable, starting fresh", "error", err)
		return nil, false
	}
	s.store.Restore(st.Context)
	s.logger.Info("conversation state restored", "turns", len(st.Transcript))
	return st.Transcript, true
}
