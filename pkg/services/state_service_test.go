package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/BlocUnited-LLC/mozaiks-ai-sub002/test/util"
)

func TestStateService_SaveAndLoad(t *testing.T) {
	client := testutil.NewTestClient(t)
	sessions := NewSessionService(client)
	states := NewStateService(client)
	ctx := context.Background()
	tenant := testutil.UniqueTenantID(t)
	sess := newTestSession(t, sessions, tenant)

	blob := []byte(`{"messages":[{"role":"user","content":"hi"}],"context":{"approved":true}}`)
	require.NoError(t, states.SaveConversationState(ctx, tenant, sess.ChatID, blob))

	loaded, err := states.LoadConversationState(ctx, tenant, sess.ChatID)
	require.NoError(t, err)
	assert.JSONEq(t, string(blob), string(loaded))

	t.Run("save overwrites", func(t *testing.T) {
		next := []byte(`{"messages":[],"context":{"approved":false}}`)
		require.NoError(t, states.SaveConversationState(ctx, tenant, sess.ChatID, next))

		loaded, err := states.LoadConversationState(ctx, tenant, sess.ChatID)
		require.NoError(t, err)
		assert.JSONEq(t, string(next), string(loaded))

		var decoded map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(loaded, &decoded))
		assert.Contains(t, decoded, "context")
	})
}

func TestStateService_LoadMissing(t *testing.T) {
	client := testutil.NewTestClient(t)
	states := NewStateService(client)
	tenant := testutil.UniqueTenantID(t)

	_, err := states.LoadConversationState(context.Background(), tenant, "no-such-chat")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateService_SaveEmptyRejected(t *testing.T) {
	client := testutil.NewTestClient(t)
	states := NewStateService(client)
	tenant := testutil.UniqueTenantID(t)

	err := states.SaveConversationState(context.Background(), tenant, "chat-1", nil)
	assert.True(t, IsValidationError(err))
}
