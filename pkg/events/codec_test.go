package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("tool call wire form survives the log", func(t *testing.T) {
		original := ToolCall{
			Agent:            "planner",
			CallID:           "tc-9",
			ToolName:         "approve",
			ComponentType:    "ApprovalCard",
			AwaitingResponse: true,
			Payload:          map[string]any{"question": "ship it?"},
			Display:          DisplayArtifact,
		}
		raw, err := Encode(original)
		require.NoError(t, err)

		decoded, err := Decode(KindToolCall, raw)
		require.NoError(t, err)
		call, ok := decoded.(ToolCall)
		require.True(t, ok)

		assert.Equal(t, "approve", call.ToolName)
		assert.Equal(t, DisplayArtifact, call.Display)
		assert.True(t, call.AwaitingResponse)
		// Agent and CallID ride the event row, not the content blob.
		assert.Empty(t, call.Agent)
		assert.Empty(t, call.CallID)
	})

	t.Run("resume boundary decodes from empty content", func(t *testing.T) {
		decoded, err := Decode(KindResumeBoundary, nil)
		require.NoError(t, err)
		assert.Equal(t, KindResumeBoundary, decoded.Kind())
	})

	t.Run("unknown kind is rejected", func(t *testing.T) {
		_, err := Decode(Kind("bogus"), []byte(`{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown event kind")
	})

	t.Run("lifecycle is not decodable", func(t *testing.T) {
		// Lifecycle events never persist, so the codec rejects them.
		_, err := Decode(KindLifecycle, []byte(`{}`))
		require.Error(t, err)
	})
}

func TestMetaOf(t *testing.T) {
	require.Equal(t, Meta{Agent: "a"}, MetaOf(Text{Agent: "a", Content: "x"}))
	require.Equal(t, Meta{Agent: "a", Hidden: true}, MetaOf(Text{Agent: "a", Hidden: true}))
	require.Equal(t, Meta{Agent: "a", Corr: "r1"}, MetaOf(InputRequest{Agent: "a", RequestID: "r1"}))
	require.Equal(t, Meta{Corr: "r1"}, MetaOf(InputTimeout{RequestID: "r1"}))
	require.Equal(t, Meta{}, MetaOf(RunComplete{Reason: "terminate"}))
}
