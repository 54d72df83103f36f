// Package llm abstracts the language-model boundary behind a small
// Provider interface. The production implementation speaks the OpenAI
// Chat Completions API; tests use ScriptedProvider for deterministic
// conversations.
package llm

import "context"

// Message roles, matching the Chat Completions wire values.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of conversation history.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages only
	ToolCallID string     // tool result messages only
	ToolName   string     // tool result messages only
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// ResponseSchema asks the model for a JSON reply conforming to a schema.
type ResponseSchema struct {
	Name   string
	Schema map[string]any
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
}

// Request is one model call.
type Request struct {
	// Agent is the calling agent's name. Providers may ignore it; the
	// scripted provider keys replies on it.
	Agent string

	// Model overrides the provider's default model when non-empty.
	Model string

	Messages []Message
	Tools    []ToolDefinition

	// ResponseFormat, when set, constrains the reply to the given JSON
	// schema (structured outputs).
	ResponseFormat *ResponseSchema

	// Seed, when set, requests deterministic sampling so identical
	// sessions can hit provider-side caches.
	Seed *int64

	Temperature *float64
	MaxTokens   int

	// OnDelta, when set, streams text fragments as they arrive. The
	// full reply is still returned in Response.Content.
	OnDelta func(delta string)
}

// Response is the model's reply to one Request.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// Provider is the minimal surface the engine needs from a model backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
