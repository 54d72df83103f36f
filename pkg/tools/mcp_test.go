package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var searchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"query": {"type": "string"}},
	"required": ["query"]
}`)

// startDocsServer runs an in-memory MCP server exposing search_docs and
// injects a connected session into the registry under server id "docs".
func startDocsServer(t *testing.T, r *Registry, handler mcpsdk.ToolHandler) {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "docs", Version: "test"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "search_docs",
		Description: "Searches the documentation index.",
		InputSchema: searchSchema,
	}, handler)

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Run(ctx, serverTransport) }()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "mozaiks-test", Version: "test"}, nil)
	session, err := sdkClient.Connect(context.Background(), clientTransport, nil)
	require.NoError(t, err)

	require.NotNil(t, r.mcp, "fixture workflow declares the docs server")
	r.mcp.injectSession("docs", session)
}

func echoArgumentsHandler(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return nil, err
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}, nil
}

func TestRegistryInvokeMCP(t *testing.T) {
	r := newFixtureRegistry(t)
	startDocsServer(t, r, echoArgumentsHandler)

	result, err := r.Invoke(context.Background(), "search",
		map[string]any{"query": "handoffs"}, Session{Agent: "planner"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"query": "handoffs"}`, result.(string))
}

func TestRegistryInvokeMCPToolError(t *testing.T) {
	r := newFixtureRegistry(t)
	startDocsServer(t, r, func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "index unavailable"}},
		}, nil
	})

	_, err := r.Invoke(context.Background(), "search", map[string]any{"query": "x"}, Session{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tool "search" failed: index unavailable`)
}

func TestRegistryDefinitionsResolveMCPSchema(t *testing.T) {
	r := newFixtureRegistry(t)
	startDocsServer(t, r, echoArgumentsHandler)

	agent, ok := r.cfg.Agent("planner")
	require.True(t, ok)

	defs := r.Definitions(context.Background(), agent)
	var search *Definition
	for i := range defs {
		if defs[i].Name == "search" {
			search = &defs[i]
		}
	}
	require.NotNil(t, search)

	props, ok := search.Parameters["properties"].(map[string]any)
	require.True(t, ok, "schema resolved from the server's tool listing")
	assert.Contains(t, props, "query")
}

func TestExtractTextContent(t *testing.T) {
	result := &mcpsdk.CallToolResult{Content: []mcpsdk.Content{
		&mcpsdk.TextContent{Text: "first"},
		&mcpsdk.TextContent{Text: "second"},
	}}
	assert.Equal(t, "first\nsecond", extractTextContent(result))

	assert.Empty(t, extractTextContent(&mcpsdk.CallToolResult{}))
}

func TestRetryableTransportError(t *testing.T) {
	assert.False(t, retryableTransportError(context.Canceled))
	assert.False(t, retryableTransportError(context.DeadlineExceeded))
	assert.False(t, retryableTransportError(errors.New("invalid params")))
	assert.True(t, retryableTransportError(io.EOF))
	assert.True(t, retryableTransportError(errors.New("read tcp: connection reset by peer")))
	assert.True(t, retryableTransportError(errors.New("session closed")))
}

func TestSchemaToMap(t *testing.T) {
	m, err := schemaToMap(json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.Equal(t, "object", m["type"])

	m, err = schemaToMap(nil)
	require.NoError(t, err)
	assert.Equal(t, "object", m["type"])

	m, err = schemaToMap(map[string]any{"type": "object", "required": []any{"query"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"query"}, m["required"])
}
