package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
)

// completedRelayRun drives a two-agent chain to completion over a live
// socket and returns the delivered frames in order, ready for replay
// comparisons. On return the socket is closed and the full log is
// durable.
func completedRelayRun(t *testing.T) (*TestApp, string, []WSEvent) {
	t.Helper()

	provider := llm.NewScriptedProvider()
	provider.Script("courier", llm.ScriptedReply{Content: "Package picked up."})
	provider.Script("closer", llm.ScriptedReply{Content: "Package delivered, signing off."})

	app := NewTestApp(t,
		WithProvider(provider),
		WithWorkflow("relay", map[string]string{
			"agents.json": `{"agents": [
				{"name": "courier", "system_message": "Carry the package."},
				{"name": "closer", "system_message": "Close out the delivery."}
			]}`,
			"handoffs.json": `{"handoffs": [
				{"source_agent": "courier", "target_agent": "closer", "handoff_type": "after_work"}
			]}`,
			"orchestrator.json": `{"startup_mode": "AgentDriven", "visual_agents": [], "initial_message": "Start the relay."}`,
		}),
	)

	chatID := uuid.NewString()
	ws := app.Connect(t, app.TenantID, "relay", chatID, "user-1")
	app.StartChat(t, app.TenantID, "relay", chatID, "user-1")

	_, err := ws.WaitForType("chat.run_complete", 15*time.Second)
	require.NoError(t, err)
	app.WaitForChatStatus(t, app.TenantID, "relay", chatID, "completed")

	var live []WSEvent
	maxSeq := 0
	for _, e := range ws.Events() {
		if e.Seq > 0 {
			live = append(live, e)
			if e.Seq > maxSeq {
				maxSeq = e.Seq
			}
		}
	}
	require.NotEmpty(t, live)
	app.WaitForPersistedSeq(t, app.TenantID, "relay", chatID, maxSeq)
	ws.Close()

	return app, chatID, live
}

// waitForEpoch polls the session row until its epoch reaches want. The
// boundary frame goes out before the epoch bump commits, so a reader
// can observe the boundary slightly ahead of the durable reset.
func waitForEpoch(t *testing.T, app *TestApp, tenantID, workflowName, chatID string, want int) {
	t.Helper()
	var last int
	url := fmt.Sprintf("%s/api/chats/meta/%s/%s/%s", app.BaseURL, tenantID, workflowName, chatID)
	require.Eventually(t, func() bool {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var sess map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
			return false
		}
		last = toInt(sess["epoch"])
		return last == want
	}, 10*time.Second, 100*time.Millisecond,
		"chat %s epoch stuck at %d, want %d", chatID, last, want)
}

// TestResumeReplaysFullHistory reconnects to a finished chat and asks
// for everything from the beginning. The whole delivered stream comes
// back marked replay with its original numbering before the boundary
// closes the handshake and the durable counters restart under a new
// epoch.
func TestResumeReplaysFullHistory(t *testing.T) {
	app, chatID, live := completedRelayRun(t)

	before := app.GetChatMeta(t, app.TenantID, "relay", chatID)
	epochBefore := toInt(before["epoch"])
	require.Equal(t, len(live), toInt(before["sequence_counter"]))

	ws := app.Connect(t, app.TenantID, "relay", chatID, "user-2")
	require.NoError(t, ws.SendResume(chatID, 0))

	boundary, err := ws.WaitForType("chat.resume_boundary", 10*time.Second)
	require.NoError(t, err)
	assert.Zero(t, boundary.Seq)
	assert.False(t, boundary.Replay)

	var replayed []WSEvent
	for _, e := range ws.Events() {
		if e.Replay {
			replayed = append(replayed, e)
		}
	}
	require.Len(t, replayed, len(live))
	for i, r := range replayed {
		assert.Equal(t, live[i].Type, r.Type, "replay frame %d", i)
		assert.Equal(t, live[i].Seq, r.Seq, "replay frame %d", i)
	}
	AssertFramesScoped(t, replayed, chatID)

	// The hidden seed stays off the wire, in replay too.
	for _, e := range ws.Events() {
		assert.NotContains(t, string(e.Raw), "Start the relay.")
	}

	// The handshake restarts numbering under a fresh epoch.
	waitForEpoch(t, app, app.TenantID, "relay", chatID, epochBefore+1)
	after := app.GetChatMeta(t, app.TenantID, "relay", chatID)
	assert.Zero(t, toInt(after["sequence_counter"]))

	// History survives the bump: a later client still gets all of it.
	ws2 := app.Connect(t, app.TenantID, "relay", chatID, "user-3")
	require.NoError(t, ws2.SendResume(chatID, 0))
	_, err = ws2.WaitForType("chat.resume_boundary", 10*time.Second)
	require.NoError(t, err)
	secondPass := 0
	for _, e := range ws2.Events() {
		if e.Replay {
			secondPass++
		}
	}
	assert.Equal(t, len(live), secondPass)
}

// TestResumeFromIndexReplaysTail resumes with the client already
// holding the first two frames. Only the tail past that index comes
// back, in order, with the original numbering.
func TestResumeFromIndexReplaysTail(t *testing.T) {
	app, chatID, live := completedRelayRun(t)
	require.Greater(t, len(live), 3, "fixture run too short to have a tail")

	ws := app.Connect(t, app.TenantID, "relay", chatID, "user-2")
	require.NoError(t, ws.SendResume(chatID, 2))

	_, err := ws.WaitForType("chat.resume_boundary", 10*time.Second)
	require.NoError(t, err)

	evs := ws.Events()
	var replayed []WSEvent
	for _, e := range evs {
		if e.Replay {
			replayed = append(replayed, e)
		}
	}
	require.Len(t, replayed, len(live)-2)
	for i, r := range replayed {
		want := live[i+2]
		assert.Equal(t, want.Type, r.Type, "tail frame %d", i)
		assert.Equal(t, want.Seq, r.Seq, "tail frame %d", i)
	}

	// The boundary closes the handshake after the last replayed frame.
	assert.Equal(t, "chat.resume_boundary", evs[len(evs)-1].Type)
}

// TestResumeBeyondStreamFails asks for a resume point past everything
// the chat ever delivered. The server rejects it without touching the
// durable counters, and the same connection can immediately retry with
// a valid index.
func TestResumeBeyondStreamFails(t *testing.T) {
	app, chatID, live := completedRelayRun(t)
	n := len(live)

	before := app.GetChatMeta(t, app.TenantID, "relay", chatID)
	epochBefore := toInt(before["epoch"])

	ws := app.Connect(t, app.TenantID, "relay", chatID, "user-2")
	require.NoError(t, ws.SendResume(chatID, n+50))

	errFrame, err := ws.WaitForType("chat.error", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "RESUME_FAILED", errFrame.Data["error_code"])
	msg, _ := errFrame.Data["message"].(string)
	assert.Contains(t, msg, "beyond the stream")
	assert.Equal(t, true, errFrame.Data["recoverable"])
	assert.Zero(t, errFrame.Seq)

	// The rejection left the durable counters alone.
	meta := app.GetChatMeta(t, app.TenantID, "relay", chatID)
	assert.Equal(t, epochBefore, toInt(meta["epoch"]))
	assert.Equal(t, n, toInt(meta["sequence_counter"]))

	// A caught-up client on the same connection gets a clean handshake:
	// no replay, just the boundary.
	require.NoError(t, ws.SendResume(chatID, n))
	_, err = ws.WaitForType("chat.resume_boundary", 10*time.Second)
	require.NoError(t, err)
	for _, e := range ws.Events() {
		assert.False(t, e.Replay, "unexpected replayed frame %s seq %d", e.Type, e.Seq)
	}
	waitForEpoch(t, app, app.TenantID, "relay", chatID, epochBefore+1)
}
