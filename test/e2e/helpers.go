package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// StartChat creates a chat with a client-minted id and launches its run.
func (app *TestApp) StartChat(t *testing.T, tenantID, workflowName, chatID, userID string) map[string]any {
	t.Helper()
	body := map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}
	return app.postJSON(t, fmt.Sprintf("/api/chats/%s/%s/start", tenantID, workflowName), body, http.StatusOK)
}

// GetChatMeta fetches the chat's session row.
func (app *TestApp) GetChatMeta(t *testing.T, tenantID, workflowName, chatID string) map[string]any {
	t.Helper()
	return app.getJSON(t, fmt.Sprintf("/api/chats/meta/%s/%s/%s", tenantID, workflowName, chatID), http.StatusOK)
}

// ChatExists checks the existence endpoint under the given workflow.
func (app *TestApp) ChatExists(t *testing.T, tenantID, workflowName, chatID string) bool {
	t.Helper()
	resp := app.getJSON(t, fmt.Sprintf("/api/chats/exists/%s/%s/%s", tenantID, workflowName, chatID), http.StatusOK)
	exists, _ := resp["exists"].(bool)
	return exists
}

// ListChats lists the tenant's chats for a workflow. queryParams is a
// raw query string ("status=completed&limit=10") or empty.
func (app *TestApp) ListChats(t *testing.T, tenantID, workflowName, queryParams string) map[string]any {
	t.Helper()
	path := fmt.Sprintf("/api/chats/%s/%s", tenantID, workflowName)
	if queryParams != "" {
		path += "?" + queryParams
	}
	return app.getJSON(t, path, http.StatusOK)
}

// GetPerfChat fetches one chat's usage rollup.
func (app *TestApp) GetPerfChat(t *testing.T, tenantID, chatID string) map[string]any {
	t.Helper()
	return app.getJSON(t, fmt.Sprintf("/metrics/perf/chats/%s?tenant=%s", chatID, tenantID), http.StatusOK)
}

// GetPerfChats fetches the tenant's per-chat usage list.
func (app *TestApp) GetPerfChats(t *testing.T, tenantID string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/metrics/perf/chats?tenant="+tenantID, http.StatusOK)
}

// GetPerfAggregate fetches the cross-tenant usage rollup.
func (app *TestApp) GetPerfAggregate(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, "/metrics/perf/aggregate", http.StatusOK)
}

// GetHealth fetches the health report.
func (app *TestApp) GetHealth(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/health", http.StatusOK)
}

// GetMetricsText fetches the raw Prometheus exposition.
func (app *TestApp) GetMetricsText(t *testing.T) string {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+"/metrics", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// ────────────────────────────────────────────────────────────
// Stream Helpers
// ────────────────────────────────────────────────────────────

// Connect dials the chat's stream endpoint.
func (app *TestApp) Connect(t *testing.T, tenantID, workflowName, chatID, userID string) *WSClient {
	t.Helper()
	url := fmt.Sprintf("%s/ws/%s/%s/%s/%s", app.WSURL, workflowName, tenantID, chatID, userID)
	ws, err := WSConnect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(ws.Close)
	return ws
}

// WaitForChatStatus polls the meta endpoint until the chat reaches one
// of the expected statuses. The request is inlined so transient errors
// retry instead of aborting the test.
func (app *TestApp) WaitForChatStatus(t *testing.T, tenantID, workflowName, chatID string, expected ...string) string {
	t.Helper()
	var last string
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
		last, _ = sess["status"].(string)
		for _, exp := range expected {
			if last == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"chat %s did not reach status %v (last: %s)", chatID, expected, last)
	return last
}

// WaitForPersistedSeq polls the meta endpoint until the durable sequence
// counter reaches n, proving the event log holds everything up to it.
func (app *TestApp) WaitForPersistedSeq(t *testing.T, tenantID, workflowName, chatID string, n int) {
	t.Helper()
	var last int
	require.Eventually(t, func() bool {
		meta := app.GetChatMeta(t, tenantID, workflowName, chatID)
		last = toInt(meta["sequence_counter"])
		return last >= n
	}, 30*time.Second, 100*time.Millisecond,
		"chat %s sequence_counter stuck at %d, want %d", chatID, last, n)
}

// ────────────────────────────────────────────────────────────
// Stream Assertions
// ────────────────────────────────────────────────────────────

// AssertMonotonicSeq verifies live frames are numbered 1..n with no gap
// or duplicate. Replayed frames and seq-0 control frames are skipped.
func AssertMonotonicSeq(t *testing.T, evs []WSEvent) {
	t.Helper()
	next := 1
	for i, e := range evs {
		if e.Seq == 0 || e.Replay {
			continue
		}
		assert.Equalf(t, next, e.Seq, "frame %d (%s) out of sequence", i, e.Type)
		next = e.Seq + 1
	}
}

// AssertFramesScoped verifies every frame carries the chat's id. The
// frontend routes frames by chat_id, so a missing or foreign id means a
// silently lost or leaked event.
func AssertFramesScoped(t *testing.T, evs []WSEvent, chatID string) {
	t.Helper()
	for i, e := range evs {
		assert.Equalf(t, chatID, e.ChatID, "frame %d (%s) has wrong chat_id", i, e.Type)
	}
}

// ExpectedEvent matches one frame by wire type plus optional data fields.
// Agent matches data.agent exactly; Content is a substring of data.content.
type ExpectedEvent struct {
	Type    string
	Agent   string
	Content string
}

// AssertEventsInOrder verifies each expected frame appears in the stream
// in relative order. Frames between matches are tolerated.
func AssertEventsInOrder(t *testing.T, actual []WSEvent, expected []ExpectedEvent) {
	t.Helper()
	idx := 0
	for _, e := range actual {
		if idx >= len(expected) {
			break
		}
		if matchesExpected(e, expected[idx]) {
			idx++
		}
	}
	if !assert.Equal(t, len(expected), idx,
		"not all expected frames found in order (matched %d/%d)", idx, len(expected)) {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("Expected frames (unmatched from index %d):\n", idx))
		for i := idx; i < len(expected); i++ {
			sb.WriteString(fmt.Sprintf("  [%d] %s\n", i, formatExpected(expected[i])))
		}
		sb.WriteString("Frames received:\n")
		for i, e := range actual {
			sb.WriteString(fmt.Sprintf("  [%d] seq=%d type=%s", i, e.Seq, e.Type))
			if agent, ok := e.Data["agent"].(string); ok && agent != "" {
				sb.WriteString(" agent=" + agent)
			}
			if content, ok := e.Data["content"].(string); ok && content != "" {
				if len(content) > 60 {
					content = content[:57] + "..."
				}
				sb.WriteString(fmt.Sprintf(" content=%q", content))
			}
			sb.WriteString("\n")
		}
		t.Log(sb.String())
	}
}

func matchesExpected(e WSEvent, exp ExpectedEvent) bool {
	if e.Type != exp.Type {
		return false
	}
	if exp.Agent != "" {
		if agent, _ := e.Data["agent"].(string); agent != exp.Agent {
			return false
		}
	}
	if exp.Content != "" {
		content, _ := e.Data["content"].(string)
		if !strings.Contains(content, exp.Content) {
			return false
		}
	}
	return true
}

func formatExpected(e ExpectedEvent) string {
	s := "type=" + e.Type
	if e.Agent != "" {
		s += " agent=" + e.Agent
	}
	if e.Content != "" {
		s += fmt.Sprintf(" content~%q", e.Content)
	}
	return s
}

// toInt converts a JSON-decoded numeric value (typically float64) to int.
func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case float32:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
