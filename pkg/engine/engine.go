// Package engine runs a multi-agent conversation to completion. It is
// deliberately small: the engine knows models, tools, and turn order,
// and nothing else. Workflow manifests, context variables, handoff
// rules, and wire events live with the caller, which projects them into
// this package's contract types (Agent, ToolBinding, Hooks) and
// consumes the run as a stream of Message values.
package engine

import (
	"context"
	"log/slog"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/metrics"
)

// Run completion reasons carried by RunComplete.
const (
	ReasonTerminate      = "terminate"
	ReasonMaxTurns       = "max_turns"
	ReasonContextTrigger = "context_trigger"
	ReasonMaxAutoReplies = "max_auto_replies"
	ReasonEngineError    = "engine_error"

	// ReasonCancelled is never produced by the engine itself. A
	// cancelled run closes its stream silently and the caller records
	// the reason.
	ReasonCancelled = "cancelled"
)

// Reserved SelectNext targets.
const (
	TargetUser      = "user"
	TargetTerminate = "TERMINATE"
)

// Message is one item on a run's output stream. The concrete types
// below are the only implementations.
type Message interface{ isMessage() }

// SelectSpeaker announces which agent takes the next turn.
type SelectSpeaker struct {
	Agent string
}

// Print is a streamed fragment of the speaking agent's reply.
type Print struct {
	Agent string
	Delta string
}

// Text is an agent's finalized message.
type Text struct {
	Agent   string
	Content string
}

// ToolCall announces a backend tool invocation. UI tools are absent
// here: their responder owns the client-facing announcement.
type ToolCall struct {
	Agent  string
	CallID string
	Tool   string
	Args   map[string]any
}

// ToolResult reports a finished tool invocation, UI tools included.
type ToolResult struct {
	Agent   string
	CallID  string
	Tool    string
	Content any
	Success bool
}

// StructuredOutput carries the parsed JSON envelope of an agent whose
// replies are schema-constrained.
type StructuredOutput struct {
	Agent  string
	Output map[string]any
}

// Usage reports one model call's token consumption.
type Usage struct {
	Agent            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	DurationSec      float64
}

// Failure reports the error that is about to end the run. It always
// precedes a RunComplete with ReasonEngineError.
type Failure struct {
	Err error
}

// RunComplete is the last message of every run the engine ends itself.
// Transcript is the full conversation including restored history.
type RunComplete struct {
	Reason     string
	Transcript []Turn
}

func (SelectSpeaker) isMessage()    {}
func (Print) isMessage()            {}
func (Text) isMessage()             {}
func (ToolCall) isMessage()         {}
func (ToolResult) isMessage()       {}
func (StructuredOutput) isMessage() {}
func (Usage) isMessage()            {}
func (Failure) isMessage()          {}
func (RunComplete) isMessage()      {}

// Turn is one finalized transcript entry. Agent is empty for turns the
// human user contributed.
type Turn struct {
	Agent   string `json:"agent,omitempty"`
	Content string `json:"content"`
}

// HandoffPhase tells SelectNext where in the turn the question is asked.
type HandoffPhase string

const (
	// PhaseText fires immediately after the agent's final text, before
	// any structured-output UI tool runs.
	PhaseText HandoffPhase = "text"

	// PhaseAfterWork fires once the turn's work is fully done. It is
	// consulted only when PhaseText named no target.
	PhaseAfterWork HandoffPhase = "after_work"
)

// Hooks are the caller's levers over a run. Any of them may be nil.
type Hooks struct {
	// BeforeReply returns the agent's effective system message for its
	// next model call, typically after substituting live context
	// values. Empty keeps the agent's declared message.
	BeforeReply func(agent string) string

	// SelectNext names the next speaker once a turn finishes: an agent
	// name, TargetUser to hand the floor to the human, or
	// TargetTerminate to end the run. ok=false means no rule fired in
	// this phase.
	SelectNext func(agent, lastText string, phase HandoffPhase) (next string, ok bool)

	// OnText fires synchronously with every agent text, before any
	// handoff evaluation that could read state derived from it.
	OnText func(agent, text string)

	// RequestInput blocks until the human answers. An expired request
	// resolves to a sentinel reply rather than an error, so a non-nil
	// error here ends the run. prompt is the text the agent addressed
	// to the user.
	RequestInput func(ctx context.Context, agent, prompt string) (string, error)

	// TerminationTrigger reports whether the workflow's terminating
	// context condition holds. Checked after every turn; true ends the
	// run with ReasonContextTrigger.
	TerminationTrigger func() bool
}

// ToolBinding attaches an executable implementation to a tool offered
// to the model.
type ToolBinding struct {
	// Def is the declaration sent with every model call.
	Def llm.ToolDefinition

	// UI marks a tool whose invocation suspends on a client response.
	UI bool

	// AutoInvoke permits the engine to run this tool when a structured
	// envelope designates it. Model-issued calls ignore it.
	AutoInvoke bool

	// Invoke executes the tool. callID correlates the invocation's
	// client-facing events; args is the parsed argument object.
	Invoke func(ctx context.Context, callID string, args map[string]any) (any, error)
}

// StructuredSpec constrains an agent's replies to a JSON schema.
type StructuredSpec struct {
	Name   string
	Schema map[string]any
}

// Agent is one conversational participant.
type Agent struct {
	Name          string
	SystemMessage string

	// Model overrides the provider default when non-empty.
	Model string

	Tools      []ToolBinding
	Structured *StructuredSpec

	// MaxConsecutiveAutoReplies caps how many turns this agent may
	// take without a human reply in between. Zero means no cap.
	MaxConsecutiveAutoReplies int
}

func (a *Agent) binding(name string) *ToolBinding {
	for i := range a.Tools {
		if a.Tools[i].Def.Name == name {
			return &a.Tools[i]
		}
	}
	return nil
}

func (a *Agent) definitions() []llm.ToolDefinition {
	if len(a.Tools) == 0 {
		return nil
	}
	defs := make([]llm.ToolDefinition, len(a.Tools))
	for i, t := range a.Tools {
		defs[i] = t.Def
	}
	return defs
}

// Config bounds every run the engine starts.
type Config struct {
	// MaxTurns is the default agent-turn cap for runs that do not set
	// their own.
	MaxTurns int

	// MaxToolIterations caps model round-trips inside a single turn.
	// An agent still calling tools at the cap gets one final chance to
	// answer without tools on offer.
	MaxToolIterations int
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 20
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 8
	}
	return c
}

// RunSpec describes one conversation run.
type RunSpec struct {
	Agents []*Agent

	// First names the agent that opens the conversation.
	First string

	// History seeds the transcript: restored turns on resume, or the
	// opening message of an agent-driven workflow.
	History []Turn

	// MaxTurns overrides Config.MaxTurns when positive.
	MaxTurns int

	// Seed, when set, rides every model call for deterministic
	// sampling.
	Seed *int64

	Hooks Hooks
}

// Engine turns RunSpecs into message streams.
type Engine struct {
	provider llm.Provider
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger
}

// New creates an engine. m may be nil.
func New(provider llm.Provider, m *metrics.Metrics, cfg Config) *Engine {
	return &Engine{
		provider: provider,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		logger:   slog.With("component", "engine"),
	}
}

// Run starts the conversation and returns its message stream. The
// stream closes when the run ends; every ending the engine decides is
// preceded by a RunComplete, while cancellation closes the stream with
// no final message so the caller can record its own reason. Run never
// blocks the caller: a dedicated goroutine produces into a buffered
// channel.
func (e *Engine) Run(ctx context.Context, spec RunSpec) <-chan Message {
	ch := make(chan Message, 64)
	agents := make(map[string]*Agent, len(spec.Agents))
	for _, a := range spec.Agents {
		agents[a.Name] = a
	}
	r := &run{
		engine:      e,
		spec:        spec,
		agents:      agents,
		ch:          ch,
		transcript:  append([]Turn(nil), spec.History...),
		consecutive: make(map[string]int),
		logger:      e.logger,
	}
	go r.loop(ctx)
	return ch
}
