package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/tools"
)

// timeoutToolResult is what the model sees in a tool-return slot when
// the client never answered a UI tool call.
const timeoutToolResult = "[TIMEOUT]"

// forceConclusionPrompt asks for a final reply once a turn's tool
// budget is spent.
const forceConclusionPrompt = "You have reached the tool call limit. Provide your final response now, without calling further tools."

// run is the mutable state of one conversation.
type run struct {
	engine      *Engine
	spec        RunSpec
	agents      map[string]*Agent
	ch          chan Message
	transcript  []Turn
	consecutive map[string]int
	logger      *slog.Logger
}

// turnResult reports how a finished turn wants the conversation to
// proceed. next=="" means no handoff rule fired.
type turnResult struct {
	next string
	text string
}

func (r *run) loop(ctx context.Context) {
	defer close(r.ch)

	maxTurns := r.spec.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.engine.cfg.MaxTurns
	}

	current := r.spec.First
	for turns := 0; ; {
		if ctx.Err() != nil {
			return
		}
		agent, ok := r.agents[current]
		if !ok {
			r.fail(ctx, fmt.Errorf("handoff to unknown agent %q", current))
			return
		}
		if turns >= maxTurns {
			r.complete(ctx, ReasonMaxTurns)
			return
		}
		if agent.MaxConsecutiveAutoReplies > 0 && r.consecutive[agent.Name] >= agent.MaxConsecutiveAutoReplies {
			r.complete(ctx, ReasonMaxAutoReplies)
			return
		}
		turns++

		res, err := r.takeTurn(ctx, agent)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.fail(ctx, err)
			return
		}
		r.consecutive[agent.Name]++

		if trigger := r.spec.Hooks.TerminationTrigger; trigger != nil && trigger() {
			r.complete(ctx, ReasonContextTrigger)
			return
		}

		switch res.next {
		case TargetTerminate, "":
			r.complete(ctx, ReasonTerminate)
			return
		case TargetUser:
			reply, err := r.awaitUser(ctx, agent, res.text)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.fail(ctx, err)
				return
			}
			r.transcript = append(r.transcript, Turn{Content: reply})
			// A human reply resets every agent's auto-reply streak.
			clear(r.consecutive)
			// The same agent answers the user.
		default:
			current = res.next
		}
	}
}

func (r *run) awaitUser(ctx context.Context, agent *Agent, prompt string) (string, error) {
	if r.spec.Hooks.RequestInput == nil {
		return "", fmt.Errorf("agent %q handed off to the user but no input hook is wired", agent.Name)
	}
	reply, err := r.spec.Hooks.RequestInput(ctx, agent.Name, prompt)
	if err != nil {
		return "", fmt.Errorf("input request for agent %q: %w", agent.Name, err)
	}
	return reply, nil
}

// takeTurn runs one agent turn: the announcement, the tool loop, and
// the handoff decision. A returned error ends the run.
func (r *run) takeTurn(ctx context.Context, agent *Agent) (turnResult, error) {
	if !r.emit(ctx, SelectSpeaker{Agent: agent.Name}) {
		return turnResult{}, ctx.Err()
	}

	msgs := r.history(agent)
	defs := agent.definitions()

	var lastErr error
	for iter := 0; iter < r.engine.cfg.MaxToolIterations; iter++ {
		resp, err := r.callModel(ctx, agent, msgs, defs)
		if err != nil {
			if ctx.Err() != nil {
				return turnResult{}, ctx.Err()
			}
			lastErr = err
			r.logger.Warn("model call failed, retrying with error context",
				"agent", agent.Name, "error", err)
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("Error from previous attempt: %s. Please try again.", err),
			})
			continue
		}
		lastErr = nil

		if len(resp.ToolCalls) == 0 {
			return r.finishTurn(ctx, agent, resp.Content), nil
		}
		msgs = r.runToolCalls(ctx, agent, msgs, resp)
		if ctx.Err() != nil {
			return turnResult{}, ctx.Err()
		}
	}

	if lastErr != nil {
		return turnResult{}, fmt.Errorf("agent %q: model call failed after retries: %w", agent.Name, lastErr)
	}

	// Tool budget spent with calls still coming. One last chance to
	// answer, without tools on offer.
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: forceConclusionPrompt})
	resp, err := r.callModel(ctx, agent, msgs, nil)
	if err != nil {
		if ctx.Err() != nil {
			return turnResult{}, ctx.Err()
		}
		return turnResult{}, fmt.Errorf("agent %q: forced conclusion failed: %w", agent.Name, err)
	}
	return r.finishTurn(ctx, agent, resp.Content), nil
}

// history renders the shared transcript from the agent's point of
// view: its own turns as assistant messages, everyone else's as user
// messages prefixed with the speaker's name.
func (r *run) history(agent *Agent) []llm.Message {
	system := agent.SystemMessage
	if hook := r.spec.Hooks.BeforeReply; hook != nil {
		if s := hook(agent.Name); s != "" {
			system = s
		}
	}
	msgs := make([]llm.Message, 0, len(r.transcript)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, t := range r.transcript {
		switch t.Agent {
		case "":
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Content})
		case agent.Name:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
		default:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Agent + ": " + t.Content})
		}
	}
	return msgs
}

func (r *run) callModel(ctx context.Context, agent *Agent, msgs []llm.Message, defs []llm.ToolDefinition) (*llm.Response, error) {
	req := llm.Request{
		Agent:    agent.Name,
		Model:    agent.Model,
		Messages: msgs,
		Tools:    defs,
		Seed:     r.spec.Seed,
	}
	if agent.Structured != nil {
		req.ResponseFormat = &llm.ResponseSchema{
			Name:   agent.Structured.Name,
			Schema: agent.Structured.Schema,
		}
	} else {
		// Schema-constrained replies are not streamed; a raw JSON
		// envelope is not meant for incremental display.
		req.OnDelta = func(delta string) {
			r.emit(ctx, Print{Agent: agent.Name, Delta: delta})
		}
	}

	start := time.Now()
	resp, err := r.engine.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	r.recordUsage(ctx, agent, resp.Usage, time.Since(start))
	return resp, nil
}

func (r *run) recordUsage(ctx context.Context, agent *Agent, u llm.Usage, elapsed time.Duration) {
	sec := elapsed.Seconds()
	r.emit(ctx, Usage{
		Agent:            agent.Name,
		Model:            u.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		DurationSec:      sec,
	})
	if m := r.engine.metrics; m != nil {
		m.LLMCallDuration.WithLabelValues(u.Model).Observe(sec)
		m.LLMTokens.WithLabelValues(u.Model, "prompt").Add(float64(u.PromptTokens))
		m.LLMTokens.WithLabelValues(u.Model, "completion").Add(float64(u.CompletionTokens))
	}
}

// runToolCalls executes every call in the model's reply and extends
// the local exchange with the assistant turn plus one tool message per
// call. A failed tool does not abort the turn: the model sees the
// error text and decides how to proceed.
func (r *run) runToolCalls(ctx context.Context, agent *Agent, msgs []llm.Message, resp *llm.Response) []llm.Message {
	if resp.Content != "" {
		r.emitText(ctx, agent, resp.Content)
	}
	msgs = append(msgs, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	for _, tc := range resp.ToolCalls {
		if ctx.Err() != nil {
			return msgs
		}
		content := r.invokeTool(ctx, agent, tc)
		msgs = append(msgs, llm.Message{
			Role:       llm.RoleTool,
			Content:    stringify(content),
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
		})
	}
	return msgs
}

// invokeTool runs one model-issued call and reports it on the stream.
// The returned content goes back to the model verbatim.
func (r *run) invokeTool(ctx context.Context, agent *Agent, tc llm.ToolCall) any {
	var args map[string]any
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			content := fmt.Sprintf("Error executing tool: invalid arguments: %s", err)
			r.finishToolCall(ctx, agent, tc.ID, tc.Name, content, false)
			return content
		}
	}

	binding := agent.binding(tc.Name)
	if binding == nil {
		content := fmt.Sprintf("Error executing tool: %q is not bound to this agent", tc.Name)
		r.emit(ctx, ToolCall{Agent: agent.Name, CallID: tc.ID, Tool: tc.Name, Args: args})
		r.finishToolCall(ctx, agent, tc.ID, tc.Name, content, false)
		return content
	}
	// UI calls announce themselves through the responder; a second
	// announcement here would duplicate them client-side.
	if !binding.UI {
		r.emit(ctx, ToolCall{Agent: agent.Name, CallID: tc.ID, Tool: tc.Name, Args: args})
	}

	out, err := binding.Invoke(ctx, tc.ID, args)
	if err != nil {
		r.logger.Warn("tool execution failed",
			"agent", agent.Name, "tool", tc.Name, "error", err)
		var content any = fmt.Sprintf("Error executing tool: %s", err)
		if errors.Is(err, tools.ErrUITimeout) {
			content = timeoutToolResult
		}
		r.finishToolCall(ctx, agent, tc.ID, tc.Name, content, false)
		return content
	}
	r.finishToolCall(ctx, agent, tc.ID, tc.Name, out, true)
	return out
}

func (r *run) finishToolCall(ctx context.Context, agent *Agent, callID, tool string, content any, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	if m := r.engine.metrics; m != nil {
		m.ToolExecutions.WithLabelValues(tool, status).Inc()
	}
	r.emit(ctx, ToolResult{
		Agent:   agent.Name,
		CallID:  callID,
		Tool:    tool,
		Content: content,
		Success: success,
	})
}

// finishTurn handles an agent's final tool-free reply: structured
// envelope parsing, the transcript append, and both handoff phases.
func (r *run) finishTurn(ctx context.Context, agent *Agent, raw string) turnResult {
	text := raw
	var envelope map[string]any
	if agent.Structured != nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			r.logger.Warn("structured reply is not valid JSON, passing it through as text",
				"agent", agent.Name, "error", err)
			envelope = nil
		} else {
			r.emit(ctx, StructuredOutput{Agent: agent.Name, Output: envelope})
			if s, ok := envelope["response"].(string); ok && s != "" {
				text = s
			}
		}
	}

	if text != "" {
		r.emitText(ctx, agent, text)
		r.transcript = append(r.transcript, Turn{Agent: agent.Name, Content: text})
	}

	sel := r.spec.Hooks.SelectNext
	next, ok := "", false
	if sel != nil {
		next, ok = sel(agent.Name, text, PhaseText)
	}

	if envelope != nil {
		r.autoInvoke(ctx, agent, envelope)
	}

	if !ok && sel != nil {
		next, ok = sel(agent.Name, text, PhaseAfterWork)
	}
	if !ok {
		next = ""
	}
	return turnResult{next: next, text: text}
}

// autoInvoke runs the UI tool a structured envelope designates. A
// missing or unknown designation is the model's problem to correct on
// a later turn, not a run-ending failure.
func (r *run) autoInvoke(ctx context.Context, agent *Agent, envelope map[string]any) {
	name, _ := envelope["ui_tool"].(string)
	if name == "" {
		return
	}
	binding := agent.binding(name)
	if binding == nil || !binding.UI {
		r.logger.Warn("structured reply designates an unknown ui tool",
			"agent", agent.Name, "tool", name)
		return
	}
	if !binding.AutoInvoke {
		return
	}
	payload, _ := envelope["ui_payload"].(map[string]any)
	callID := uuid.NewString()
	out, err := binding.Invoke(ctx, callID, payload)
	if err != nil {
		r.logger.Warn("auto-invoked ui tool failed",
			"agent", agent.Name, "tool", name, "error", err)
		var content any = fmt.Sprintf("Error executing tool: %s", err)
		if errors.Is(err, tools.ErrUITimeout) {
			content = timeoutToolResult
		}
		r.finishToolCall(ctx, agent, callID, name, content, false)
		return
	}
	r.finishToolCall(ctx, agent, callID, name, out, true)
}

// emitText runs the text hook before the message leaves, so derived
// state is in place when the handoff phases read it.
func (r *run) emitText(ctx context.Context, agent *Agent, text string) {
	if hook := r.spec.Hooks.OnText; hook != nil {
		hook(agent.Name, text)
	}
	r.emit(ctx, Text{Agent: agent.Name, Content: text})
}

// emit delivers m unless the run is cancelled. Mid-turn callers ignore
// the result; cancellation is re-checked at loop boundaries.
func (r *run) emit(ctx context.Context, m Message) bool {
	select {
	case r.ch <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *run) complete(ctx context.Context, reason string) {
	transcript := make([]Turn, len(r.transcript))
	copy(transcript, r.transcript)
	r.emit(ctx, RunComplete{Reason: reason, Transcript: transcript})
}

func (r *run) fail(ctx context.Context, err error) {
	r.logger.Error("run failed", "error", err)
	r.emit(ctx, Failure{Err: err})
	r.complete(ctx, ReasonEngineError)
}

// stringify renders tool output for the model's tool-return slot.
func stringify(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
