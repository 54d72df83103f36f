// Package events defines the runtime event stream: the typed variants an
// agent run produces, and the dispatcher that routes them to persistence,
// observability, and the client transport.
//
// ════════════════════════════════════════════════════════════════
// Event Classes
// ════════════════════════════════════════════════════════════════
//
// Every event belongs to exactly one class, which fixes its sinks:
//
//	runtime:  conversation progress (select_speaker, print, text,
//	          input_request/ack/timeout, tool_response, tool_progress,
//	          usage_delta, usage_summary, structured_output_ready,
//	          attachment_uploaded, run_complete, error, resume_boundary).
//	          Routed to persistence AND transport.
//	ui_tool:  a tool_call whose AwaitingResponse flag is set. Routed to
//	          transport with corr = the tool call ID; the coordinator
//	          already holds the pending record by the time the event is
//	          dispatched (the UI tool registers before emitting).
//	business: internal bookkeeping (Lifecycle). Routed to the
//	          observability sink only; never persisted, never delivered.
//
// ════════════════════════════════════════════════════════════════
// Ordering
// ════════════════════════════════════════════════════════════════
//
// The dispatcher is stateless and safe for concurrent use, but events for
// one chat_id must be dispatched from a single goroutine (the session's
// run loop). That discipline, not locking, is what gives downstream
// sinks strict emission order per session. Events for different chat_ids
// are independent and carry no cross-session ordering guarantees.
//
// Hidden events (the AgentDriven seed message) are persisted for state
// reconstruction but are never delivered, live or on replay.
// ════════════════════════════════════════════════════════════════
package events

import "time"

// Kind identifies an event variant on the wire. The outbound envelope
// type is "chat." + Kind.
type Kind string

const (
	KindSelectSpeaker         Kind = "select_speaker"
	KindPrint                 Kind = "print"
	KindText                  Kind = "text"
	KindInputRequest          Kind = "input_request"
	KindInputAck              Kind = "input_ack"
	KindInputTimeout          Kind = "input_timeout"
	KindToolCall              Kind = "tool_call"
	KindToolResponse          Kind = "tool_response"
	KindToolProgress          Kind = "tool_progress"
	KindUsageDelta            Kind = "usage_delta"
	KindUsageSummary          Kind = "usage_summary"
	KindRunComplete           Kind = "run_complete"
	KindError                 Kind = "error"
	KindResumeBoundary        Kind = "resume_boundary"
	KindStructuredOutputReady Kind = "structured_output_ready"
	KindAttachmentUploaded    Kind = "attachment_uploaded"

	// KindLifecycle is internal bookkeeping. It never reaches the wire
	// and is not part of the persisted event log.
	KindLifecycle Kind = "lifecycle"
)

// Display selects how the client renders a UI tool call.
type Display string

const (
	DisplayInline   Display = "inline"
	DisplayArtifact Display = "artifact"
)

// Event is the sealed union of runtime event variants. Construct the
// concrete structs directly; consume with a type switch or via Meta.
type Event interface {
	Kind() Kind
	isEvent()
}

// SelectSpeaker announces which agent takes the next turn.
type SelectSpeaker struct {
	Agent string `json:"agent"`
}

// Print is a partial text fragment emitted while an agent turn streams.
type Print struct {
	Agent   string `json:"agent"`
	Content string `json:"content"` // partial text
}

// Text is an agent's finalized turn.
type Text struct {
	Agent   string `json:"agent"`
	Content string `json:"content"`
	Hidden  bool   `json:"-"` // seed messages; persisted but never delivered
}

// InputRequest suspends the run until the user replies (or the deadline fires).
type InputRequest struct {
	Agent          string `json:"-"` // requesting agent, not part of the wire data
	RequestID      string `json:"request_id"`
	Prompt         string `json:"prompt"`
	TimeoutSeconds int    `json:"-"`
}

// InputAck confirms a user reply was matched to its request.
type InputAck struct {
	RequestID string `json:"request_id"`
}

// InputTimeout reports that an input request expired unanswered.
type InputTimeout struct {
	RequestID      string `json:"request_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ToolCall is a tool invocation. When AwaitingResponse is set the call is a
// UI tool: the client must answer (inline_component.result / artifact_patch)
// before the agent resumes, correlated by CallID.
type ToolCall struct {
	Agent            string         `json:"-"`
	CallID           string         `json:"-"` // becomes the envelope corr
	ToolName         string         `json:"tool_name"`
	ComponentType    string         `json:"component_type,omitempty"`
	AwaitingResponse bool           `json:"awaiting_response"`
	Payload          map[string]any `json:"payload,omitempty"`
	Display          Display        `json:"display,omitempty"` // inline or artifact
}

// ToolResponse carries a tool result back to the client.
type ToolResponse struct {
	Agent    string `json:"-"`
	CallID   string `json:"-"`
	ToolName string `json:"tool_name"`
	Content  any    `json:"content"`
	Success  bool   `json:"success"`
}

// ToolProgress reports long-running backend tool progress.
type ToolProgress struct {
	CallID          string  `json:"-"`
	ToolName        string  `json:"tool_name"`
	ProgressPercent float64 `json:"progress_percent"`
	StatusMessage   string  `json:"status_message,omitempty"`
}

// UsageDelta is one LLM call's token accounting.
type UsageDelta struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cached           bool    `json:"cached"`
	DurationSec      float64 `json:"duration_sec"`
	Agent            string  `json:"agent"`
	Model            string  `json:"model"`
}

// UsageSummary is the session's final token/cost totals.
type UsageSummary struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// RunComplete terminates the session's event stream.
type RunComplete struct {
	Reason string `json:"reason"` // terminate, max_turns, context_trigger, max_auto_replies, engine_error, cancelled
}

// Error is a client-visible error. Code is always one of the closed
// error-code set (see codes.go).
type Error struct {
	Message     string `json:"message"`
	Code        string `json:"error_code"`
	Details     string `json:"details,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// ResumeBoundary marks the end of replay on a reconnected session. The
// sequence counter resets immediately after it is delivered.
type ResumeBoundary struct{}

// StructuredOutputReady reports that an agent produced schema-conforming
// structured output (which may designate an auto-invoked UI tool).
type StructuredOutputReady struct {
	Agent  string         `json:"agent"`
	Output map[string]any `json:"output"`
}

// AttachmentUploaded reports a file produced during the run.
type AttachmentUploaded struct {
	Agent       string `json:"agent,omitempty"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// Lifecycle is internal bookkeeping (session started, workflow loaded,
// shutdown). Observability sink only.
type Lifecycle struct {
	Op     string         `json:"op"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (SelectSpeaker) Kind() Kind         { return KindSelectSpeaker }
func (Print) Kind() Kind                 { return KindPrint }
func (Text) Kind() Kind                  { return KindText }
func (InputRequest) Kind() Kind          { return KindInputRequest }
func (InputAck) Kind() Kind              { return KindInputAck }
func (InputTimeout) Kind() Kind          { return KindInputTimeout }
func (ToolCall) Kind() Kind              { return KindToolCall }
func (ToolResponse) Kind() Kind          { return KindToolResponse }
func (ToolProgress) Kind() Kind          { return KindToolProgress }
func (UsageDelta) Kind() Kind            { return KindUsageDelta }
func (UsageSummary) Kind() Kind          { return KindUsageSummary }
func (RunComplete) Kind() Kind           { return KindRunComplete }
func (Error) Kind() Kind                 { return KindError }
func (ResumeBoundary) Kind() Kind        { return KindResumeBoundary }
func (StructuredOutputReady) Kind() Kind { return KindStructuredOutputReady }
func (AttachmentUploaded) Kind() Kind    { return KindAttachmentUploaded }
func (Lifecycle) Kind() Kind             { return KindLifecycle }

func (SelectSpeaker) isEvent()         {}
func (Print) isEvent()                 {}
func (Text) isEvent()                  {}
func (InputRequest) isEvent()          {}
func (InputAck) isEvent()              {}
func (InputTimeout) isEvent()          {}
func (ToolCall) isEvent()              {}
func (ToolResponse) isEvent()          {}
func (ToolProgress) isEvent()          {}
func (UsageDelta) isEvent()            {}
func (UsageSummary) isEvent()          {}
func (RunComplete) isEvent()           {}
func (Error) isEvent()                 {}
func (ResumeBoundary) isEvent()        {}
func (StructuredOutputReady) isEvent() {}
func (AttachmentUploaded) isEvent()    {}
func (Lifecycle) isEvent()             {}

// Meta is the routing/filtering view of an event: the fields the
// dispatcher and transport need without a full type switch.
type Meta struct {
	Agent  string // emitting agent ("" for system events)
	Corr   string // request/tool-call correlation ID ("" if none)
	Hidden bool   // persisted but never delivered
}

// MetaOf extracts routing metadata. The switch is exhaustive over the
// sealed union; new variants must be added here.
func MetaOf(e Event) Meta {
	switch v := e.(type) {
	case SelectSpeaker:
		return Meta{Agent: v.Agent}
	case Print:
		return Meta{Agent: v.Agent}
	case Text:
		return Meta{Agent: v.Agent, Hidden: v.Hidden}
	case InputRequest:
		return Meta{Agent: v.Agent, Corr: v.RequestID}
	case InputAck:
		return Meta{Corr: v.RequestID}
	case InputTimeout:
		return Meta{Corr: v.RequestID}
	case ToolCall:
		return Meta{Agent: v.Agent, Corr: v.CallID}
	case ToolResponse:
		return Meta{Agent: v.Agent, Corr: v.CallID}
	case ToolProgress:
		return Meta{Corr: v.CallID}
	case UsageDelta:
		return Meta{Agent: v.Agent}
	case StructuredOutputReady:
		return Meta{Agent: v.Agent}
	case AttachmentUploaded:
		return Meta{Agent: v.Agent}
	default:
		return Meta{}
	}
}

// Envelope is the outbound wire frame. Data is the marshaled variant.
type Envelope struct {
	Type   string `json:"type"` // "chat.<kind>"
	Data   any    `json:"data"`
	Seq    int    `json:"seq"`
	ChatID string `json:"chat_id"`
	Corr   string `json:"corr,omitempty"`
	Replay bool   `json:"replay,omitempty"`
	TS     string `json:"ts"` // RFC3339Nano
}

// WireType returns the envelope type string for a kind.
func WireType(k Kind) string { return "chat." + string(k) }

// Now returns the envelope timestamp format for the current instant.
func Now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
