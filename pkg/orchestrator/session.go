package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/contextstore"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/coordinator"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/tools"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// shutdownFlushTimeout bounds the persistence and event flush that still
// has to happen after the session's own context is gone.
const shutdownFlushTimeout = 10 * time.Second

// cancelledReason is the failure_reason recorded for sessions ended by
// cancellation rather than by the conversation itself.
const cancelledReason = "cancelled"

// Session is one chat's live run state. Run executes on a single
// goroutine; HandleInput and HandleUIResponse are called concurrently
// from transport goroutines.
type Session struct {
	orc      *Orchestrator
	meta     *models.Session
	wf       *workflow.WorkflowConfig
	registry *tools.Registry
	store    *contextstore.Store
	coord    *coordinator.Coordinator
	agents   []*engine.Agent
	logger   *slog.Logger

	// first carries the opening message of a user-driven session from
	// the transport to the run loop.
	first         chan string
	awaitingFirst atomic.Bool

	// gate hands blocking client interactions from the engine goroutine
	// to the run loop; see blockOnLoop.
	gate chan loopCall

	// turns mirrors the conversation as it happens, so a cancelled run
	// still has a transcript to save. Completed runs persist the
	// engine's authoritative copy instead.
	mu    sync.Mutex
	turns []engine.Turn

	totals models.UsageTotals
}

// loopCall is a blocking interaction queued for the run loop. The loop
// drains already-emitted stream events before starting it, so the
// interaction's own events cannot overtake them on the wire.
type loopCall struct {
	run   func() (any, error)
	reply chan loopReply
}

type loopReply struct {
	value any
	err   error
}

// TenantID returns the owning tenant.
func (s *Session) TenantID() string { return s.meta.TenantID }

// ChatID returns the session's chat id.
func (s *Session) ChatID() string { return s.meta.ChatID }

// HandleInput routes a submitted user message. An empty requestID is the
// opening message of a user-driven session; anything else must match a
// pending input request.
func (s *Session) HandleInput(ctx context.Context, requestID, text string) error {
	if requestID == "" {
		if !s.awaitingFirst.CompareAndSwap(true, false) {
			return fmt.Errorf("no opening message expected: %w", coordinator.ErrUnknownRequest)
		}
		s.first <- text
		return nil
	}
	return s.coord.ResolveInput(ctx, requestID, text)
}

// HandleUIResponse routes an inline component result or artifact patch
// to its suspended UI tool call.
func (s *Session) HandleUIResponse(ctx context.Context, callID string, payload map[string]any) error {
	return s.coord.ResolveUITool(ctx, callID, payload)
}

// Run executes the session to completion. The returned error is the
// engine failure for failed runs and nil otherwise, cancellation
// included.
func (s *Session) Run(ctx context.Context) error {
	var runner contextstore.QueryRunner
	if s.orc.stores.Queries != nil {
		runner = s.orc.stores.Queries(s.meta.TenantID)
	}
	s.store.Init(ctx, runner)

	history, restored := s.loadState(ctx)
	if restored {
		s.awaitingFirst.Store(false)
	} else {
		var err error
		if history, err = s.openingTurns(ctx); err != nil {
			return s.finishCancelled(ctx)
		}
	}
	s.mu.Lock()
	s.turns = slices.Clone(history)
	s.mu.Unlock()

	s.logger.Info("session run starting",
		"startup_mode", string(s.wf.Orchestrator.StartupMode),
		"agents", len(s.agents),
		"restored", restored,
	)

	stream := s.orc.engine.Run(ctx, engine.RunSpec{
		Agents:   s.agents,
		First:    s.wf.Agents[0].Name,
		History:  history,
		MaxTurns: s.wf.Orchestrator.MaxTurns,
		Seed:     s.seed(),
		Hooks:    s.hooks(ctx),
	})

	var out runOutcome
	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				return s.finishRun(ctx, out)
			}
			s.handleMessage(ctx, msg, &out)
		case call := <-s.gate:
			s.drainStream(ctx, stream, &out)
			go func() {
				v, err := call.run()
				call.reply <- loopReply{value: v, err: err}
			}()
		}
	}
}

// runOutcome is what the stream reported by the time it closed. An
// empty reason means the engine shut down silently, which only
// cancellation produces.
type runOutcome struct {
	reason     string
	runErr     error
	transcript []engine.Turn
}

// openingTurns produces the seed history for a fresh session per the
// manifest's startup mode. For user-driven workflows it blocks until the
// client submits the opening message.
func (s *Session) openingTurns(ctx context.Context) ([]engine.Turn, error) {
	switch s.wf.Orchestrator.StartupMode {
	case workflow.StartupUserDriven:
		if greeting := s.wf.Orchestrator.InitialMessageToUser; greeting != "" {
			// Shown to the client only; the model never sees it.
			s.publish(ctx, events.Text{Content: greeting})
		}
		s.setStatus(ctx, models.StatusWaitingForInput, "")
		select {
		case text := <-s.first:
			s.setStatus(ctx, models.StatusRunning, "")
			return []engine.Turn{{Content: text}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		if opening := s.wf.Orchestrator.InitialMessage; opening != "" {
			// Persisted for replay completeness but never delivered;
			// the first agent treats it as the user's opening turn.
			s.publish(ctx, events.Text{Content: opening, Hidden: true})
			return []engine.Turn{{Content: opening}}, nil
		}
		return nil, nil
	}
}

// blockOnLoop runs fn via the run loop's gate and waits for its result.
// fn itself blocks on the client, so it runs on its own goroutine; the
// rendezvous only guarantees that stream events emitted before this
// interaction are dispatched first.
func (s *Session) blockOnLoop(ctx context.Context, fn func() (any, error)) (any, error) {
	call := loopCall{run: fn, reply: make(chan loopReply, 1)}
	select {
	case s.gate <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// fn observes ctx itself, so the reply always arrives.
	r := <-call.reply
	return r.value, r.err
}

// drainStream consumes every engine message already buffered. Called
// with the engine goroutine parked in blockOnLoop, so nothing new can
// arrive mid-drain.
func (s *Session) drainStream(ctx context.Context, stream <-chan engine.Message, out *runOutcome) {
	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				return
			}
			s.handleMessage(ctx, msg, out)
		default:
			return
		}
	}
}

// handleMessage translates one engine message into its client event and
// side effects.
func (s *Session) handleMessage(ctx context.Context, msg engine.Message, out *runOutcome) {
	switch m := msg.(type) {
	case engine.SelectSpeaker:
		s.publish(ctx, events.SelectSpeaker{Agent: m.Agent})
	case engine.Print:
		s.publish(ctx, events.Print{Agent: m.Agent, Content: m.Delta})
	case engine.Text:
		s.appendTurn(engine.Turn{Agent: m.Agent, Content: m.Content})
		s.publish(ctx, events.Text{Agent: m.Agent, Content: m.Content})
	case engine.ToolCall:
		s.publish(ctx, events.ToolCall{
			Agent:            m.Agent,
			CallID:           m.CallID,
			ToolName:         m.Tool,
			AwaitingResponse: false,
			Payload:          m.Args,
		})
	case engine.ToolResult:
		s.publish(ctx, events.ToolResponse{
			Agent:    m.Agent,
			CallID:   m.CallID,
			ToolName: m.Tool,
			Content:  m.Content,
			Success:  m.Success,
		})
	case engine.StructuredOutput:
		s.publish(ctx, events.StructuredOutputReady{Agent: m.Agent, Output: m.Output})
	case engine.Usage:
		s.recordUsage(ctx, m)
	case engine.Failure:
		out.runErr = m.Err
		s.publish(ctx, events.Error{
			Message:     m.Err.Error(),
			Code:        events.CodeAgentInitFailed,
			Recoverable: false,
		})
	case engine.RunComplete:
		out.reason = m.Reason
		out.transcript = m.Transcript
	}
}

// recordUsage prices one model call, accumulates the session totals, and
// forwards the delta to persistence and the client.
func (s *Session) recordUsage(ctx context.Context, u engine.Usage) {
	cost := s.orc.cfg.Pricing.Cost(u.Model, u.PromptTokens, u.CompletionTokens)

	s.totals.PromptTokens += u.PromptTokens
	s.totals.CompletionTokens += u.CompletionTokens
	s.totals.TotalTokens += u.TotalTokens
	s.totals.CostUSD += cost
	s.totals.LastModel = u.Model

	delta := models.UsageDelta{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		DurationSec:      u.DurationSec,
		Agent:            u.Agent,
		Model:            u.Model,
		CostUSD:          cost,
	}
	if err := s.orc.stores.Usage.RecordUsage(ctx, s.meta.TenantID, s.meta.ChatID, delta); err != nil {
		s.logger.Warn("failed to record usage delta", "error", err)
	}
	s.publish(ctx, events.UsageDelta{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		DurationSec:      u.DurationSec,
		Agent:            u.Agent,
		Model:            u.Model,
	})
}

// finishRun closes out a session whose engine stream ended. The silent
// close of a cancelled run is distinguished by the missing completion
// reason.
func (s *Session) finishRun(ctx context.Context, out runOutcome) error {
	if out.reason == "" {
		return s.finishCancelled(ctx)
	}

	// Late client replies from here on find nothing pending.
	s.coord.Abort("run complete")

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()

	s.saveState(fctx, out.transcript)
	s.recordFinalUsage(fctx)

	s.publish(fctx, events.UsageSummary{
		PromptTokens:     s.totals.PromptTokens,
		CompletionTokens: s.totals.CompletionTokens,
		TotalTokens:      s.totals.TotalTokens,
		CostUSD:          s.totals.CostUSD,
	})
	s.publish(fctx, events.RunComplete{Reason: out.reason})

	if out.reason == engine.ReasonEngineError {
		reason := ""
		if out.runErr != nil {
			reason = out.runErr.Error()
		}
		s.setStatus(fctx, models.StatusFailed, reason)
	} else {
		s.setStatus(fctx, models.StatusCompleted, "")
	}

	s.logger.Info("session run finished",
		"reason", out.reason,
		"total_tokens", s.totals.TotalTokens,
	)
	return out.runErr
}

// finishCancelled closes out a session whose context was cancelled
// mid-run: pending requests drain, the client gets a terminal error and
// run_complete, and whatever transcript accumulated is kept for
// inspection.
func (s *Session) finishCancelled(ctx context.Context) error {
	s.coord.Abort(cancelledReason)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()

	s.mu.Lock()
	transcript := slices.Clone(s.turns)
	s.mu.Unlock()
	s.saveState(fctx, transcript)
	s.recordFinalUsage(fctx)

	s.publish(fctx, events.Error{
		Message:     "session cancelled",
		Code:        events.CodeTransportError,
		Recoverable: false,
	})
	s.publish(fctx, events.RunComplete{Reason: engine.ReasonCancelled})
	s.setStatus(fctx, models.StatusFailed, cancelledReason)

	s.logger.Info("session run cancelled", "total_tokens", s.totals.TotalTokens)
	return nil
}

func (s *Session) recordFinalUsage(ctx context.Context) {
	finals := models.UsageTotals{
		ChatID:                s.meta.ChatID,
		FinalPromptTokens:     s.totals.PromptTokens,
		FinalCompletionTokens: s.totals.CompletionTokens,
		FinalTotalTokens:      s.totals.TotalTokens,
		FinalCostUSD:          s.totals.CostUSD,
		Finalized:             true,
	}
	if err := s.orc.stores.Usage.RecordFinalUsage(ctx, s.meta.TenantID, s.meta.ChatID, finals); err != nil {
		s.logger.Error("failed to record final usage", "error", err)
	}
}

// hooks wires the engine's extension points to the manifest's rules and
// the client coordination machinery. The captured ctx is the run
// context; hooks execute on the engine goroutine.
func (s *Session) hooks(ctx context.Context) engine.Hooks {
	return engine.Hooks{
		BeforeReply: s.effectiveSystemMessage,
		OnText: func(agent, text string) {
			if written := s.store.ApplyAgentText(agent, text); len(written) > 0 {
				s.logger.Debug("agent text wrote context variables",
					"agent", agent, "variables", written)
			}
		},
		SelectNext: func(agent, lastText string, phase engine.HandoffPhase) (string, bool) {
			return s.selectNext(ctx, agent, lastText, phase)
		},
		RequestInput: func(ctx context.Context, agent, prompt string) (string, error) {
			v, err := s.blockOnLoop(ctx, func() (any, error) {
				s.setStatus(ctx, models.StatusWaitingForInput, "")
				reply, err := s.coord.AwaitInput(ctx, agent, prompt)
				if err != nil {
					return nil, err
				}
				s.setStatus(ctx, models.StatusRunning, "")
				return reply, nil
			})
			if err != nil {
				return "", err
			}
			reply := v.(string)
			s.appendTurn(engine.Turn{Content: reply})
			return reply, nil
		},
		TerminationTrigger: func() bool {
			trigger := s.wf.Orchestrator.Termination.ContextVariableTrigger
			if trigger == "" {
				return false
			}
			return s.store.EvaluateExpression(trigger, nil)
		},
	}
}

// toolInvoker closes over one tool binding for one agent. UI tools
// announce themselves through the coordinator from inside Invoke, so
// they are routed through the run loop's gate; backend tools are
// announced by the engine's own stream and need no rendezvous.
func (s *Session) toolInvoker(tool, agent string) func(ctx context.Context, callID string, args map[string]any) (any, error) {
	toolSpec, _ := s.wf.Tool(tool)
	ui := toolSpec != nil && toolSpec.Type == workflow.ToolUI
	return func(ctx context.Context, callID string, args map[string]any) (any, error) {
		sess := tools.Session{
			TenantID: s.meta.TenantID,
			ChatID:   s.meta.ChatID,
			Agent:    agent,
			CallID:   callID,
			UI:       s.coord,
		}
		if !ui {
			return s.registry.Invoke(ctx, tool, args, sess)
		}
		return s.blockOnLoop(ctx, func() (any, error) {
			return s.registry.Invoke(ctx, tool, args, sess)
		})
	}
}

// effectiveSystemMessage appends the agent's exposed context variables
// to its declared system message.
func (s *Session) effectiveSystemMessage(agent string) string {
	spec, ok := s.wf.Agent(agent)
	if !ok {
		return ""
	}
	exposed := s.store.ExposeFor(agent)
	if len(exposed) == 0 {
		return spec.SystemMessage
	}
	var b strings.Builder
	b.WriteString(spec.SystemMessage)
	b.WriteString("\n\nCurrent context:\n")
	for _, name := range slices.Sorted(maps.Keys(exposed)) {
		fmt.Fprintf(&b, "- %s: %v\n", name, exposed[name])
	}
	return b.String()
}

// seed converts the session's cache seed for deterministic sampling.
func (s *Session) seed() *int64 {
	v := int64(s.meta.CacheSeed)
	return &v
}

func (s *Session) appendTurn(t engine.Turn) {
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
}

func (s *Session) publish(ctx context.Context, e events.Event) {
	s.orc.publisher.Dispatch(ctx, s.meta.TenantID, s.meta.ChatID, e)
}

func (s *Session) setStatus(ctx context.Context, status models.SessionStatus, failureReason string) {
	if err := s.orc.stores.Sessions.UpdateStatus(ctx, s.meta.TenantID, s.meta.ChatID, status, failureReason); err != nil {
		s.logger.Warn("failed to update session status",
			"status", string(status), "error", err)
	}
}
