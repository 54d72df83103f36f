package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/version"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

const (
	mcpInitTimeout      = 30 * time.Second
	mcpOperationTimeout = 90 * time.Second
	mcpBackoffMin       = 250 * time.Millisecond
	mcpBackoffMax       = 750 * time.Millisecond
)

// mcpConnector manages SDK sessions for one workflow's MCP servers.
// Thread-safe: sessions are shared across concurrent tool calls.
type mcpConnector struct {
	specs map[string]*workflow.MCPServerSpec

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
	failed   map[string]string // serverID → last error message

	toolCacheMu sync.RWMutex
	toolCache   map[string][]*mcpsdk.Tool

	// Per-server mutex serializes (re)connection attempts.
	connectMu sync.Map // serverID → *sync.Mutex

	logger *slog.Logger
}

func newMCPConnector(servers []*workflow.MCPServerSpec, logger *slog.Logger) *mcpConnector {
	specs := make(map[string]*workflow.MCPServerSpec, len(servers))
	for _, s := range servers {
		specs[s.ID] = s
	}
	return &mcpConnector{
		specs:     specs,
		sessions:  make(map[string]*mcpsdk.ClientSession),
		failed:    make(map[string]string),
		toolCache: make(map[string][]*mcpsdk.Tool),
		logger:    logger,
	}
}

// connectAll dials every configured server. Failures are recorded so
// invoke-time calls can retry lazily.
func (c *mcpConnector) connectAll(ctx context.Context) {
	for id := range c.specs {
		if err := c.connect(ctx, id); err != nil {
			c.logger.Warn("MCP server failed to connect", "server", id, "error", err)
		}
	}
}

func (c *mcpConnector) connect(ctx context.Context, serverID string) error {
	muI, _ := c.connectMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return c.connectLocked(ctx, serverID)
}

func (c *mcpConnector) connectLocked(ctx context.Context, serverID string) error {
	c.mu.RLock()
	_, connected := c.sessions[serverID]
	c.mu.RUnlock()
	if connected {
		return nil
	}

	spec, ok := c.specs[serverID]
	if !ok {
		return fmt.Errorf("unknown MCP server %q", serverID)
	}

	transport, err := createTransport(spec)
	if err != nil {
		c.recordFailure(serverID, err)
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, mcpInitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		err = fmt.Errorf("failed to connect to %q: %w", serverID, err)
		c.recordFailure(serverID, err)
		return err
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	delete(c.failed, serverID)
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "server", serverID)
	return nil
}

func (c *mcpConnector) recordFailure(serverID string, err error) {
	c.mu.Lock()
	c.failed[serverID] = err.Error()
	c.mu.Unlock()
}

// injectSession wires a pre-connected session, bypassing transport
// creation. Test infrastructure uses it with in-memory transports.
func (c *mcpConnector) injectSession(serverID string, session *mcpsdk.ClientSession) {
	c.mu.Lock()
	c.sessions[serverID] = session
	delete(c.failed, serverID)
	c.mu.Unlock()
}

// callTool executes one tool call, reconnecting and retrying once on
// transport failure.
func (c *mcpConnector) callTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{Name: toolName, Arguments: args}

	result, err := c.callToolOnce(ctx, serverID, params)
	if err == nil {
		return result, nil
	}
	if !retryableTransportError(err) {
		return nil, err
	}

	c.logger.Info("MCP call failed, reconnecting and retrying",
		"server", serverID, "tool", toolName, "error", err)

	backoff := mcpBackoffMin + time.Duration(rand.Int64N(int64(mcpBackoffMax-mcpBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := c.reconnect(ctx, serverID); err != nil {
		return nil, fmt.Errorf("reconnect failed for %q: %w", serverID, err)
	}

	result, err = c.callToolOnce(ctx, serverID, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %q.%s: %w", serverID, toolName, err)
	}
	return result, nil
}

func (c *mcpConnector) callToolOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, err := c.session(ctx, serverID)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, mcpOperationTimeout)
	defer cancel()
	return session.CallTool(opCtx, params)
}

// session returns the live session, connecting lazily when the startup
// dial failed.
func (c *mcpConnector) session(ctx context.Context, serverID string) (*mcpsdk.ClientSession, error) {
	c.mu.RLock()
	session, ok := c.sessions[serverID]
	c.mu.RUnlock()
	if ok {
		return session, nil
	}
	if err := c.connect(ctx, serverID); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[serverID], nil
}

func (c *mcpConnector) reconnect(ctx context.Context, serverID string) error {
	muI, _ := c.connectMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if session, ok := c.sessions[serverID]; ok {
		_ = session.Close()
		delete(c.sessions, serverID)
	}
	c.mu.Unlock()

	c.toolCacheMu.Lock()
	delete(c.toolCache, serverID)
	c.toolCacheMu.Unlock()

	return c.connectLocked(ctx, serverID)
}

// listTools returns the server's tools, cached after the first call.
func (c *mcpConnector) listTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	c.toolCacheMu.RLock()
	if cached, ok := c.toolCache[serverID]; ok {
		c.toolCacheMu.RUnlock()
		return cached, nil
	}
	c.toolCacheMu.RUnlock()

	session, err := c.session(ctx, serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, mcpOperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}

	c.toolCacheMu.Lock()
	c.toolCache[serverID] = tools
	c.toolCacheMu.Unlock()
	return tools, nil
}

// toolSchema resolves one tool's input schema as a generic map.
func (c *mcpConnector) toolSchema(ctx context.Context, serverID, toolName string) (map[string]any, error) {
	tools, err := c.listTools(ctx, serverID)
	if err != nil {
		return nil, err
	}
	for _, tool := range tools {
		if tool.Name != toolName {
			continue
		}
		return schemaToMap(tool.InputSchema)
	}
	return nil, fmt.Errorf("tool %q not found on server %q", toolName, serverID)
}

func (c *mcpConnector) failedServerErrors() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.failed))
	for k, v := range c.failed {
		out[k] = v
	}
	return out
}

func (c *mcpConnector) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", id, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

// createTransport builds the SDK transport declared by the server spec.
func createTransport(spec *workflow.MCPServerSpec) (mcpsdk.Transport, error) {
	switch spec.Transport {
	case "stdio":
		if spec.Command == "" {
			return nil, fmt.Errorf("stdio transport requires command")
		}
		cmd := exec.Command(spec.Command, spec.Args...)
		cmd.Env = os.Environ()
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case "http":
		if spec.URL == "" {
			return nil, fmt.Errorf("http transport requires url")
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: spec.URL}, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", spec.Transport)
	}
}

// retryableTransportError reports whether an error looks like a broken
// connection worth one reconnect attempt. Context errors and tool-level
// failures are not retried.
func retryableTransportError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"connection reset", "connection refused", "broken pipe", "session closed", "transport closed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// extractTextContent concatenates the text parts of a tool result.
// Non-text content is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts the SDK's schema representation (raw JSON or a
// structured schema value) into a plain map for the LLM tool definition.
func schemaToMap(schema any) (map[string]any, error) {
	if schema == nil {
		return genericObjectSchema(), nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode tool schema: %w", err)
	}
	return out, nil
}
