package e2e

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
)

// TestInlineComponentRoundTrip has the model call a UI tool, answers it
// from the client, and checks the payload lands back in the agent's turn.
func TestInlineComponentRoundTrip(t *testing.T) {
	provider := llm.NewScriptedProvider()
	provider.Script("stylist",
		llm.ScriptedReply{ToolCalls: []llm.ToolCall{{
			ID:        "call-palette-1",
			Name:      "choose_palette",
			Arguments: `{"options": ["warm", "cool"]}`,
		}}},
		llm.ScriptedReply{Content: "Warm palette locked in."},
	)

	app := NewTestApp(t,
		WithProvider(provider),
		WithWorkflow("styler", map[string]string{
			"agents.json": `{"agents": [{"name": "stylist", "system_message": "Style the brand.", "tools": ["choose_palette"]}]}`,
			"tools.json": `{"tools": [
				{"name": "choose_palette", "type": "ui", "auto_invoke": false, "ui": {"component": "palette_picker", "mode": "inline"}}
			]}`,
			"orchestrator.json": `{"startup_mode": "AgentDriven", "visual_agents": [], "initial_message": "Pick the brand palette."}`,
		}),
	)

	chatID := uuid.NewString()
	ws := app.Connect(t, app.TenantID, "styler", chatID, "designer")
	app.StartChat(t, app.TenantID, "styler", chatID, "designer")

	call, err := ws.WaitForType("chat.tool_call", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "choose_palette", call.Data["tool_name"])
	assert.Equal(t, "palette_picker", call.Data["component_type"])
	assert.Equal(t, true, call.Data["awaiting_response"])
	assert.Equal(t, "inline", call.Data["display"])
	require.NotEmpty(t, call.Corr, "awaiting tool_call must carry its call id")
	payload, _ := call.Data["payload"].(map[string]any)
	require.NotNil(t, payload)
	assert.Contains(t, payload, "options")

	require.NoError(t, ws.SendComponentResult(chatID, call.Corr, map[string]any{"choice": "warm"}))

	result, err := ws.WaitForType("chat.tool_response", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "choose_palette", result.Data["tool_name"])
	assert.Equal(t, true, result.Data["success"])
	content, _ := result.Data["content"].(map[string]any)
	require.NotNil(t, content, "tool_response should echo the component payload")
	assert.Equal(t, "warm", content["choice"])

	done, err := ws.WaitForType("chat.run_complete", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "terminate", done.Data["reason"])

	final, err := ws.WaitForType("chat.text", time.Second)
	require.NoError(t, err)
	assert.Contains(t, final.Data["content"], "Warm palette")
	AssertMonotonicSeq(t, ws.Events())
}

// TestArtifactPatchResolvesCall routes an artifact_patch message to the
// pending editor call and hands the operations to the agent.
func TestArtifactPatchResolvesCall(t *testing.T) {
	provider := llm.NewScriptedProvider()
	provider.Script("editor",
		llm.ScriptedReply{ToolCalls: []llm.ToolCall{{
			ID:        "call-edit-1",
			Name:      "edit_document",
			Arguments: `{"document": "draft-1"}`,
		}}},
		llm.ScriptedReply{Content: "Applied your edits to the draft."},
	)

	app := NewTestApp(t,
		WithProvider(provider),
		WithWorkflow("drafting", map[string]string{
			"agents.json": `{"agents": [{"name": "editor", "system_message": "Edit documents.", "tools": ["edit_document"]}]}`,
			"tools.json": `{"tools": [
				{"name": "edit_document", "type": "ui", "auto_invoke": false, "ui": {"component": "document_editor", "mode": "artifact"}}
			]}`,
			"orchestrator.json": `{"startup_mode": "AgentDriven", "visual_agents": [], "initial_message": "Revise the draft."}`,
		}),
	)

	chatID := uuid.NewString()
	ws := app.Connect(t, app.TenantID, "drafting", chatID, "writer")
	app.StartChat(t, app.TenantID, "drafting", chatID, "writer")

	call, err := ws.WaitForType("chat.tool_call", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "artifact", call.Data["display"])

	patch := []any{
		map[string]any{"op": "replace", "path": "/title", "value": "Final Draft"},
	}
	require.NoError(t, ws.SendArtifactPatch(chatID, call.Corr, patch))

	result, err := ws.WaitForType("chat.tool_response", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, result.Data["success"])
	content, _ := result.Data["content"].(map[string]any)
	require.NotNil(t, content)
	ops, _ := content["patch"].([]any)
	require.Len(t, ops, 1)
	op, _ := ops[0].(map[string]any)
	assert.Equal(t, "replace", op["op"])

	done, err := ws.WaitForType("chat.run_complete", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "terminate", done.Data["reason"])
}

// TestUnansweredUIToolTimesOut abandons a component call and checks the
// run survives with a placeholder result instead of hanging.
func TestUnansweredUIToolTimesOut(t *testing.T) {
	provider := llm.NewScriptedProvider()
	provider.Script("stylist",
		llm.ScriptedReply{ToolCalls: []llm.ToolCall{{
			ID:        "call-palette-2",
			Name:      "choose_palette",
			Arguments: `{"options": ["warm", "cool"]}`,
		}}},
		llm.ScriptedReply{Content: "No preference given, defaulting to warm."},
	)

	app := NewTestApp(t,
		WithProvider(provider),
		WithUIToolTimeout(1*time.Second),
		WithWorkflow("styler", map[string]string{
			"agents.json": `{"agents": [{"name": "stylist", "system_message": "Style the brand.", "tools": ["choose_palette"]}]}`,
			"tools.json": `{"tools": [
				{"name": "choose_palette", "type": "ui", "auto_invoke": false, "ui": {"component": "palette_picker", "mode": "inline"}}
			]}`,
			"orchestrator.json": `{"startup_mode": "AgentDriven", "visual_agents": [], "initial_message": "Pick the brand palette."}`,
		}),
	)

	chatID := uuid.NewString()
	ws := app.Connect(t, app.TenantID, "styler", chatID, "designer")
	app.StartChat(t, app.TenantID, "styler", chatID, "designer")

	call, err := ws.WaitForType("chat.tool_call", 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, true, call.Data["awaiting_response"])

	// Never answer: the coordinator expires the call and reports it.
	errEv, err := ws.WaitForType("chat.error", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "UI_TOOL_TIMEOUT", errEv.Data["error_code"])
	assert.Equal(t, true, errEv.Data["recoverable"])

	done, err := ws.WaitForType("chat.run_complete", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "terminate", done.Data["reason"])
	assert.Zero(t, provider.Remaining("stylist"))
}
