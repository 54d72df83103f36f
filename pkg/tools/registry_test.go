package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

func loadFixture(t *testing.T) *workflow.WorkflowConfig {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "support_flow")
	files := map[string]string{
		"agents.json": `[
			{"name": "planner", "system_message": "Plan the work.",
			 "tools": ["approve", "echo_args", "clock", "search"]}
		]`,
		"tools.json": `[
			{"name": "approve", "type": "ui",
			 "ui": {"component": "approval_card", "mode": "inline"}},
			{"name": "echo_args", "type": "backend",
			 "impl": {"kind": "builtin", "name": "echo"}},
			{"name": "clock", "type": "backend", "auto_invoke": true,
			 "impl": {"kind": "builtin", "name": "current_time"}},
			{"name": "search", "type": "backend",
			 "impl": {"kind": "mcp", "server": "docs", "tool": "search_docs"}}
		]`,
		"handoffs.json":           `[]`,
		"context_variables.json":  `[]`,
		"structured_outputs.json": `[]`,
		"orchestrator.json": `{
			"startup_mode": "UserDriven",
			"visual_agents": ["planner"]
		}`,
		"tools/mcp_servers.json": `[
			{"id": "docs", "transport": "stdio", "command": "mock-mcp-server"}
		]`,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	cfg, err := workflow.Load(dir)
	require.NoError(t, err)
	return cfg
}

func newFixtureRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(loadFixture(t), Builtins())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

type fakeUIResponder struct {
	lastRequest UIRequest
	payload     map[string]any
	err         error
}

func (f *fakeUIResponder) RequestUIResponse(_ context.Context, req UIRequest) (map[string]any, error) {
	f.lastRequest = req
	return f.payload, f.err
}

func TestRegistryInvokeBuiltin(t *testing.T) {
	r := newFixtureRegistry(t)
	ctx := context.Background()
	session := Session{TenantID: "acme", ChatID: "chat-1", Agent: "planner"}

	result, err := r.Invoke(ctx, "echo_args", map[string]any{"k": "v"}, session)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, result)

	result, err = r.Invoke(ctx, "clock", nil, session)
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, result.(string))
	assert.NoError(t, err)
}

func TestRegistryInvokeUnknownTool(t *testing.T) {
	r := newFixtureRegistry(t)
	_, err := r.Invoke(context.Background(), "nope", nil, Session{})
	assert.ErrorContains(t, err, `unknown tool "nope"`)
}

func TestRegistryAutoInvokeDefaults(t *testing.T) {
	r := newFixtureRegistry(t)

	assert.True(t, r.AutoInvoke("approve"), "ui tools auto-invoke by default")
	assert.False(t, r.AutoInvoke("search"), "backend tools do not auto-invoke by default")
	assert.True(t, r.AutoInvoke("clock"), "explicit auto_invoke overrides the backend default")
	assert.False(t, r.AutoInvoke("nope"))
}

func TestRegistryInvokeUITool(t *testing.T) {
	r := newFixtureRegistry(t)
	ctx := context.Background()

	t.Run("suspends on the responder and returns its payload", func(t *testing.T) {
		ui := &fakeUIResponder{payload: map[string]any{"approved": true}}
		session := Session{TenantID: "acme", ChatID: "chat-1", Agent: "planner", UI: ui}

		result, err := r.Invoke(ctx, "approve", map[string]any{"summary": "ship it?"}, session)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"approved": true}, result)

		assert.Equal(t, "approve", ui.lastRequest.Tool)
		assert.Equal(t, "planner", ui.lastRequest.Agent)
		assert.Equal(t, "approval_card", ui.lastRequest.Component)
		assert.Equal(t, workflow.UIInline, ui.lastRequest.Display)
		assert.Equal(t, map[string]any{"summary": "ship it?"}, ui.lastRequest.Payload)
		assert.NotEmpty(t, ui.lastRequest.CallID, "registry fills the call id when the session has none")
	})

	t.Run("session call id rides the request", func(t *testing.T) {
		ui := &fakeUIResponder{payload: map[string]any{}}
		session := Session{Agent: "planner", CallID: "call-7", UI: ui}

		_, err := r.Invoke(ctx, "approve", nil, session)
		require.NoError(t, err)
		assert.Equal(t, "call-7", ui.lastRequest.CallID)
	})

	t.Run("responder errors surface", func(t *testing.T) {
		ui := &fakeUIResponder{err: errors.New("session failed")}
		_, err := r.Invoke(ctx, "approve", nil, Session{Agent: "planner", UI: ui})
		assert.ErrorContains(t, err, `ui tool "approve": session failed`)
	})

	t.Run("no transport attached", func(t *testing.T) {
		_, err := r.Invoke(ctx, "approve", nil, Session{Agent: "planner"})
		assert.ErrorContains(t, err, "no client transport attached")
	})
}

func TestRegistryDefinitions(t *testing.T) {
	r := newFixtureRegistry(t)
	agent, ok := r.cfg.Agent("planner")
	require.True(t, ok)

	defs := r.Definitions(context.Background(), agent)
	require.Len(t, defs, 4)

	byName := make(map[string]Definition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	assert.Equal(t, map[string]any{"type": "object", "additionalProperties": true},
		byName["approve"].Parameters, "ui tools carry the generic payload schema")
	assert.Equal(t, map[string]any{"type": "object", "additionalProperties": true},
		byName["echo_args"].Parameters, "builtin schema comes from the registration")
	// The docs server is not connected in this test, so the MCP-bound
	// tool falls back to the generic schema instead of failing.
	assert.Equal(t, map[string]any{"type": "object", "additionalProperties": true},
		byName["search"].Parameters)
	props, ok := byName["clock"].Parameters["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "format")
}
