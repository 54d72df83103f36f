package e2e

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
)

// TestUserInputRoundTrip opens a user-driven chat, answers the agent's
// follow-up question, and watches the wrapup trigger terminate the run.
func TestUserInputRoundTrip(t *testing.T) {
	provider := llm.NewScriptedProvider()
	provider.Script("guide",
		llm.ScriptedReply{Content: "Happy to help. Where are you headed?"},
		llm.ScriptedReply{Content: "FINAL plan: three days in Tokyo, museums first."},
	)

	app := NewTestApp(t,
		WithProvider(provider),
		WithWorkflow("concierge", map[string]string{
			"agents.json": `{"agents": [{"name": "guide", "system_message": "Help plan trips."}]}`,
			"handoffs.json": `{"handoffs": [
				{"source_agent": "guide", "target_agent": "TERMINATE", "handoff_type": "condition", "condition_type": "expression", "condition": "${wrapup} == \"yes\"", "condition_scope": "pre"},
				{"source_agent": "guide", "target_agent": "user", "handoff_type": "after_work"}
			]}`,
			"context_variables.json": `{"variables": [
				{"name": "wrapup", "type": "derived", "triggers": [
					{"kind": "agent_text", "agent": "guide", "match": "contains", "pattern": "FINAL", "value": "yes"}
				]}
			]}`,
			"orchestrator.json": `{"startup_mode": "UserDriven", "visual_agents": [], "initial_message_to_user": "Hi, where would you like to go?"}`,
		}),
	)

	chatID := uuid.NewString()
	ws := app.Connect(t, app.TenantID, "concierge", chatID, "traveler")
	app.StartChat(t, app.TenantID, "concierge", chatID, "traveler")

	// The greeting goes out and the chat parks until the user opens.
	greeting, err := ws.WaitForType("chat.text", 15*time.Second)
	require.NoError(t, err)
	assert.Contains(t, greeting.Data["content"], "where would you like to go")
	app.WaitForChatStatus(t, app.TenantID, "concierge", chatID, "waiting_for_input")

	require.NoError(t, ws.SendInput(chatID, "", "Somewhere with good museums."))

	req, err := ws.WaitForType("chat.input_request", 15*time.Second)
	require.NoError(t, err)
	requestID, _ := req.Data["request_id"].(string)
	require.NotEmpty(t, requestID)
	assert.Equal(t, requestID, req.Corr, "input_request must correlate by request_id")

	require.NoError(t, ws.SendInput(chatID, requestID, "Tokyo, three days."))

	ack, err := ws.WaitForType("chat.input_ack", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, requestID, ack.Data["request_id"])

	done, err := ws.WaitForType("chat.run_complete", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "terminate", done.Data["reason"])

	AssertEventsInOrder(t, ws.Events(), []ExpectedEvent{
		{Type: "chat.text", Content: "where would you like to go"},
		{Type: "chat.text", Agent: "guide", Content: "Where are you headed"},
		{Type: "chat.input_request"},
		{Type: "chat.input_ack"},
		{Type: "chat.text", Agent: "guide", Content: "FINAL plan"},
		{Type: "chat.run_complete"},
	})
	AssertMonotonicSeq(t, ws.Events())

	// The user's reply reached the model verbatim.
	var sawReply bool
	for _, call := range provider.Calls() {
		for _, msg := range call.Messages {
			if strings.Contains(msg.Content, "Tokyo, three days.") {
				sawReply = true
			}
		}
	}
	assert.True(t, sawReply, "user reply never reached the provider")
	assert.Zero(t, provider.Remaining("guide"))
}

// TestUnansweredInputTimesOut lets an input request expire and verifies
// the placeholder reply keeps the conversation moving to completion.
func TestUnansweredInputTimesOut(t *testing.T) {
	provider := llm.NewScriptedProvider()
	provider.Script("clerk",
		llm.ScriptedReply{Content: "Anything else before I close the ticket?"},
		llm.ScriptedReply{Content: "CLOSING the ticket now."},
	)

	app := NewTestApp(t,
		WithProvider(provider),
		WithInputTimeout(1*time.Second),
		WithWorkflow("helpdesk", map[string]string{
			"agents.json": `{"agents": [{"name": "clerk", "system_message": "Run the desk."}]}`,
			"handoffs.json": `{"handoffs": [
				{"source_agent": "clerk", "target_agent": "TERMINATE", "handoff_type": "condition", "condition_type": "expression", "condition": "${done} == \"yes\"", "condition_scope": "pre"},
				{"source_agent": "clerk", "target_agent": "user", "handoff_type": "after_work"}
			]}`,
			"context_variables.json": `{"variables": [
				{"name": "done", "type": "derived", "triggers": [
					{"kind": "agent_text", "agent": "clerk", "match": "contains", "pattern": "CLOSING", "value": "yes"}
				]}
			]}`,
			"orchestrator.json": `{"startup_mode": "AgentDriven", "visual_agents": [], "initial_message": "Ticket 4411 is resolved."}`,
		}),
	)

	chatID := uuid.NewString()
	ws := app.Connect(t, app.TenantID, "helpdesk", chatID, "customer")
	app.StartChat(t, app.TenantID, "helpdesk", chatID, "customer")

	req, err := ws.WaitForType("chat.input_request", 15*time.Second)
	require.NoError(t, err)

	// Say nothing; the request expires on its own.
	timeoutEv, err := ws.WaitForType("chat.input_timeout", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.Data["request_id"], timeoutEv.Data["request_id"])
	assert.Equal(t, 1, toInt(timeoutEv.Data["timeout_seconds"]))

	done, err := ws.WaitForType("chat.run_complete", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "terminate", done.Data["reason"])

	// The placeholder stood in for the user on the next model call.
	var sawPlaceholder bool
	for _, call := range provider.Calls() {
		for _, msg := range call.Messages {
			if strings.Contains(msg.Content, "[TIMEOUT]") {
				sawPlaceholder = true
			}
		}
	}
	assert.True(t, sawPlaceholder, "timeout placeholder never reached the provider")

	// A late answer to the expired request is rejected, not mismatched.
	requestID, _ := req.Data["request_id"].(string)
	require.NoError(t, ws.SendInput(chatID, requestID, "wait, one more thing"))
	late, err := ws.WaitForType("chat.error", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "INPUT_REQUEST_NOT_FOUND", late.Data["error_code"])
}
