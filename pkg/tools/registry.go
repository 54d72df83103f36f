// Package tools resolves workflow tool declarations to executable
// implementations. Backend tools bind to builtin Go functions or to
// tools served by MCP servers (stdio subprocess or streamable HTTP);
// UI tools suspend the run until the client component answers.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// Definition describes one tool as offered to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// UIRequest is a UI tool invocation handed to the client.
type UIRequest struct {
	Tool      string
	CallID    string
	Agent     string
	Component string
	Display   workflow.UIMode
	Payload   map[string]any
}

// ErrUITimeout marks a UI tool call that expired before the client
// answered. Responders return it (possibly wrapped) so the engine can
// hand the agent the timeout sentinel instead of a generic error.
var ErrUITimeout = errors.New("ui response timed out")

// UIResponder suspends a UI tool until the client answers or the
// session fails. The coordinator implements it for live sessions.
type UIResponder interface {
	RequestUIResponse(ctx context.Context, req UIRequest) (map[string]any, error)
}

// Session carries the per-invocation capabilities a tool may use.
type Session struct {
	TenantID string
	ChatID   string
	Agent    string

	// CallID correlates the client-facing tool events of this invocation.
	// The engine sets it to the model's tool call id; when empty the
	// registry generates one.
	CallID string

	// UI is nil when no client transport is attached; UI tools then fail.
	UI UIResponder
}

// BuiltinFunc is an in-process backend tool implementation.
type BuiltinFunc func(ctx context.Context, args map[string]any, session Session) (any, error)

// Builtin registers one in-process tool implementation with its schema.
type Builtin struct {
	Name        string
	Description string
	Parameters  map[string]any
	Fn          BuiltinFunc
}

// Registry is the per-workflow tool table. Built once per loaded
// workflow; safe for concurrent Invoke calls.
type Registry struct {
	cfg      *workflow.WorkflowConfig
	builtins map[string]Builtin
	mcp      *mcpConnector
	logger   *slog.Logger
}

// NewRegistry builds the registry for one workflow. The builtin set is
// supplied by the caller; Builtins() provides the stock functions.
func NewRegistry(cfg *workflow.WorkflowConfig, builtins []Builtin) *Registry {
	table := make(map[string]Builtin, len(builtins))
	for _, b := range builtins {
		table[b.Name] = b
	}
	r := &Registry{
		cfg:      cfg,
		builtins: table,
		logger:   slog.With("component", "tool_registry", "workflow", cfg.Name),
	}
	if len(cfg.MCPServers) > 0 {
		r.mcp = newMCPConnector(cfg.MCPServers, r.logger)
	}
	return r
}

// Init connects to the workflow's MCP servers. Connection failures are
// recorded and logged, not fatal: the affected tools fail at invoke
// time with a clear error while the rest of the workflow runs.
func (r *Registry) Init(ctx context.Context) error {
	if r.mcp == nil {
		return nil
	}
	r.mcp.connectAll(ctx)
	return nil
}

// Close releases MCP transports and subprocesses.
func (r *Registry) Close() error {
	if r.mcp == nil {
		return nil
	}
	return r.mcp.close()
}

// FailedServers reports MCP servers that could not be reached, for
// health surfaces.
func (r *Registry) FailedServers() map[string]string {
	if r.mcp == nil {
		return nil
	}
	return r.mcp.failedServerErrors()
}

// AutoInvoke reports whether a structured-output designation of this
// tool runs it without asking the agent first.
func (r *Registry) AutoInvoke(name string) bool {
	spec, ok := r.cfg.Tool(name)
	if !ok {
		return false
	}
	return spec.AutoInvokeEnabled()
}

// Definitions returns the tool definitions visible to one agent, with
// parameter schemas resolved from builtins or the MCP server.
func (r *Registry) Definitions(ctx context.Context, agent *workflow.AgentSpec) []Definition {
	var defs []Definition
	for _, name := range agent.Tools {
		spec, ok := r.cfg.Tool(name)
		if !ok {
			continue
		}
		defs = append(defs, Definition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  r.parameterSchema(ctx, spec),
		})
	}
	return defs
}

func (r *Registry) parameterSchema(ctx context.Context, spec *workflow.ToolSpec) map[string]any {
	switch {
	case spec.Type == workflow.ToolUI:
		return genericObjectSchema()
	case spec.Impl.Kind == "builtin":
		if b, ok := r.builtins[spec.Impl.Name]; ok && b.Parameters != nil {
			return b.Parameters
		}
	case spec.Impl.Kind == "mcp":
		if schema, err := r.mcp.toolSchema(ctx, spec.Impl.Server, mcpToolName(spec)); err == nil {
			return schema
		} else {
			r.logger.Warn("failed to resolve MCP tool schema",
				"tool", spec.Name, "server", spec.Impl.Server, "error", err)
		}
	}
	return genericObjectSchema()
}

// Invoke runs one tool call. UI tools block on the session's responder;
// backend tools dispatch to the builtin table or the bound MCP server.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, session Session) (any, error) {
	spec, ok := r.cfg.Tool(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	if spec.Type == workflow.ToolUI {
		return r.invokeUI(ctx, spec, args, session)
	}

	switch spec.Impl.Kind {
	case "builtin":
		b, ok := r.builtins[spec.Impl.Name]
		if !ok {
			return nil, fmt.Errorf("tool %q: builtin %q is not registered", name, spec.Impl.Name)
		}
		return b.Fn(ctx, args, session)
	case "mcp":
		return r.invokeMCP(ctx, spec, args)
	default:
		return nil, fmt.Errorf("tool %q: unsupported impl kind %q", name, spec.Impl.Kind)
	}
}

func (r *Registry) invokeUI(ctx context.Context, spec *workflow.ToolSpec, args map[string]any, session Session) (any, error) {
	if session.UI == nil {
		return nil, fmt.Errorf("ui tool %q: no client transport attached", spec.Name)
	}
	req := UIRequest{
		Tool:    spec.Name,
		CallID:  session.CallID,
		Agent:   session.Agent,
		Display: workflow.UIInline,
		Payload: args,
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	if spec.UI != nil {
		req.Component = spec.UI.Component
		if spec.UI.Mode != "" {
			req.Display = spec.UI.Mode
		}
	}
	payload, err := session.UI.RequestUIResponse(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ui tool %q: %w", spec.Name, err)
	}
	return payload, nil
}

func (r *Registry) invokeMCP(ctx context.Context, spec *workflow.ToolSpec, args map[string]any) (any, error) {
	if r.mcp == nil {
		return nil, fmt.Errorf("tool %q: no MCP servers configured", spec.Name)
	}
	result, err := r.mcp.callTool(ctx, spec.Impl.Server, mcpToolName(spec), args)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", spec.Name, err)
	}
	content := extractTextContent(result)
	if result.IsError {
		return nil, fmt.Errorf("tool %q failed: %s", spec.Name, content)
	}
	return content, nil
}

// mcpToolName resolves the remote tool name; the binding may rename it.
func mcpToolName(spec *workflow.ToolSpec) string {
	if spec.Impl.Tool != "" {
		return spec.Impl.Tool
	}
	return spec.Name
}

func genericObjectSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": true,
	}
}
