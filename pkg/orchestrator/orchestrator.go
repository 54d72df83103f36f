// Package orchestrator drives a workflow session end to end. It projects
// the manifest's agents into engine participants, evaluates handoff rules
// between turns, translates engine output into client events, and owns
// the session's status, usage, and saved-state records.
//
// One Session corresponds to one chat and its run loop executes on a
// single goroutine, which keeps event dispatch ordered. Client replies
// (input text, UI tool payloads) arrive concurrently from transport
// goroutines and meet the run through the coordinator.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/contextstore"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/coordinator"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/metrics"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/tools"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// ErrUnknownRequest reports a client reply whose request or call id
// matches nothing pending. Re-exported so transport code can map it to a
// client error without reaching into the coordinator.
var ErrUnknownRequest = coordinator.ErrUnknownRequest

// Publisher is the slice of the event dispatcher the orchestrator needs.
type Publisher interface {
	Dispatch(ctx context.Context, tenantID, chatID string, e events.Event)
}

// SessionStore records session status transitions.
type SessionStore interface {
	UpdateStatus(ctx context.Context, tenantID, chatID string, status models.SessionStatus, failureReason string) error
}

// UsageStore accumulates per-call usage and records the authoritative
// final totals at run completion.
type UsageStore interface {
	RecordUsage(ctx context.Context, tenantID, chatID string, delta models.UsageDelta) error
	RecordFinalUsage(ctx context.Context, tenantID, chatID string, totals models.UsageTotals) error
}

// StateStore persists the opaque conversation-state blob.
type StateStore interface {
	SaveConversationState(ctx context.Context, tenantID, chatID string, state []byte) error
	LoadConversationState(ctx context.Context, tenantID, chatID string) ([]byte, error)
}

// Stores bundles the persistence surfaces a session writes through.
// Queries, when set, yields the tenant-scoped runner that database-backed
// context variables read from at session start.
type Stores struct {
	Sessions SessionStore
	Usage    UsageStore
	State    StateStore
	Queries  func(tenantID string) contextstore.QueryRunner
}

// ModelPrice is per-million-token pricing for one model.
type ModelPrice struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Pricing maps model names to prices. Models missing from the table cost
// zero, so an empty table degrades to token-only accounting.
type Pricing map[string]ModelPrice

// Cost converts a call's token counts to dollars.
func (p Pricing) Cost(model string, promptTokens, completionTokens int) float64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)*price.InputPerMTok/1e6 +
		float64(completionTokens)*price.OutputPerMTok/1e6
}

// Config carries the orchestrator's tunables.
type Config struct {
	Engine      engine.Config
	Coordinator coordinator.Config

	// Models maps a manifest llm_config profile name to the provider
	// model it selects. An agent whose profile is absent uses the
	// provider default.
	Models map[string]string

	Pricing Pricing
}

// Orchestrator builds sessions. It is immutable after New and safe to
// share across sessions.
type Orchestrator struct {
	provider  llm.Provider
	publisher Publisher
	stores    Stores
	metrics   *metrics.Metrics
	engine    *engine.Engine
	cfg       Config
	logger    *slog.Logger
}

// New wires an orchestrator. The metrics handle may be nil.
func New(provider llm.Provider, publisher Publisher, stores Stores, m *metrics.Metrics, cfg Config) *Orchestrator {
	return &Orchestrator{
		provider:  provider,
		publisher: publisher,
		stores:    stores,
		metrics:   m,
		engine:    engine.New(provider, m, cfg.Engine),
		cfg:       cfg,
		logger:    slog.With("component", "orchestrator"),
	}
}

// NewSession assembles the per-chat state for one run: context store,
// coordinator, and the engine projection of every manifest agent. The
// registry is the workflow's shared tool registry; sessions borrow it
// and never close it.
func (o *Orchestrator) NewSession(ctx context.Context, meta *models.Session, wf *workflow.WorkflowConfig, registry *tools.Registry) *Session {
	store := contextstore.New(wf)
	coord := coordinator.New(meta.TenantID, meta.ChatID, o.publisher, store, o.metrics, o.cfg.Coordinator)

	s := &Session{
		orc:      o,
		meta:     meta,
		wf:       wf,
		registry: registry,
		store:    store,
		coord:    coord,
		first:    make(chan string, 1),
		gate:     make(chan loopCall),
		logger: o.logger.With(
			"tenant_id", meta.TenantID,
			"chat_id", meta.ChatID,
			"workflow", meta.WorkflowName,
		),
	}
	if wf.Orchestrator.StartupMode == workflow.StartupUserDriven {
		s.awaitingFirst.Store(true)
	}
	s.agents = o.projectAgents(ctx, s)
	return s
}

// projectAgents turns each manifest agent into an engine participant
// with its tool bindings, structured-output schema, and effective
// auto-reply cap resolved.
func (o *Orchestrator) projectAgents(ctx context.Context, s *Session) []*engine.Agent {
	agents := make([]*engine.Agent, 0, len(s.wf.Agents))
	for _, spec := range s.wf.Agents {
		var bindings []engine.ToolBinding
		for _, def := range s.registry.Definitions(ctx, spec) {
			toolSpec, ok := s.wf.Tool(def.Name)
			if !ok {
				continue
			}
			bindings = append(bindings, engine.ToolBinding{
				Def: llm.ToolDefinition{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  def.Parameters,
				},
				UI:         toolSpec.Type == workflow.ToolUI,
				AutoInvoke: toolSpec.AutoInvokeEnabled(),
				Invoke:     s.toolInvoker(def.Name, spec.Name),
			})
		}

		var structured *engine.StructuredSpec
		if spec.StructuredOutputsRequired {
			if so, ok := s.wf.StructuredOutput(spec.Name); ok {
				structured = &engine.StructuredSpec{
					Name:   spec.Name + "_output",
					Schema: so.Schema,
				}
			}
		}

		maxAuto := spec.MaxConsecutiveAutoReply
		if maxAuto == 0 {
			maxAuto = s.wf.Orchestrator.Termination.MaxConsecutiveAutoReplies
		}

		agents = append(agents, &engine.Agent{
			Name:                      spec.Name,
			SystemMessage:             spec.SystemMessage,
			Model:                     o.cfg.Models[spec.LLMConfig],
			Tools:                     bindings,
			Structured:                structured,
			MaxConsecutiveAutoReplies: maxAuto,
		})
	}
	return agents
}
