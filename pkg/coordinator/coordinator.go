// Package coordinator is the rendezvous point between a running session
// and the human on the other side of the transport. Input requests and
// UI tool calls suspend the requesting agent here until the client
// replies, the deadline fires, or the session fails.
//
// Each request moves through exactly one terminal state:
//
//	pending ──client reply──▶ resolved
//	        ──deadline─────▶ timed out
//	        ──session fail─▶ aborted
//
// Terminal states remove the pending record, so every request resolves
// exactly once no matter how the resolver goroutines race.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/contextstore"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/metrics"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/tools"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// TimeoutReply is the text an agent receives when an input request
// expires unanswered. It lands in the conversation as a normal user
// turn so the agent can decide how to proceed.
const TimeoutReply = "[TIMEOUT]"

var (
	// ErrUnknownRequest reports a client reply whose request_id matches
	// no pending record. Transport maps it to INPUT_REQUEST_NOT_FOUND.
	ErrUnknownRequest = errors.New("no pending request matches that id")

	// ErrTimedOut reports a UI tool call that expired before the client
	// answered. Unlike input requests, which resolve to TimeoutReply
	// text, a UI tool surfaces the timeout as an error so the engine
	// fills the tool-return slot itself. It is the tools package
	// sentinel so callers outside this package can match it without
	// importing the coordinator.
	ErrTimedOut = tools.ErrUITimeout

	// ErrAborted unblocks waiters when the session fails or shuts down
	// while their request is still pending.
	ErrAborted = errors.New("session aborted while a request was pending")
)

// Publisher is the slice of the dispatcher the coordinator needs.
type Publisher interface {
	Dispatch(ctx context.Context, tenantID, chatID string, e events.Event)
}

// Config carries the per-request deadlines. A zero duration disables
// that deadline entirely.
type Config struct {
	InputTimeout  time.Duration
	UIToolTimeout time.Duration
}

const (
	kindInput  = "input"
	kindUITool = "ui_tool"
)

// resolution is what a waiter receives: reply text for inputs, a client
// payload for UI tools, or a terminal error.
type resolution struct {
	text    string
	payload map[string]any
	err     error
}

type pendingRequest struct {
	id             string
	kind           string
	tool           string // UI tool name, empty for inputs
	agent          string
	timeoutSeconds int
	timer          *time.Timer // nil when no deadline
	done           chan resolution
}

// Coordinator tracks the pending requests of a single session. The
// requesting agent's goroutine blocks in AwaitInput or RequestUIResponse
// while the transport's reader goroutine (or a deadline timer) resolves
// from the other side.
type Coordinator struct {
	tenantID string
	chatID   string
	sink     Publisher
	store    *contextstore.Store
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// New creates the coordinator for one session. metrics may be nil.
func New(tenantID, chatID string, sink Publisher, store *contextstore.Store, m *metrics.Metrics, cfg Config) *Coordinator {
	return &Coordinator{
		tenantID: tenantID,
		chatID:   chatID,
		sink:     sink,
		store:    store,
		metrics:  m,
		cfg:      cfg,
		logger:   slog.With("component", "coordinator", "chat_id", chatID),
		pending:  make(map[string]*pendingRequest),
	}
}

// AwaitInput suspends the calling agent until the user replies to an
// input request. It allocates the request id, registers the pending
// record, emits input_request with corr set, and blocks. The returned
// text is the user's reply, or TimeoutReply when the deadline fired.
func (c *Coordinator) AwaitInput(ctx context.Context, agent, prompt string) (string, error) {
	id := uuid.NewString()
	p, err := c.register(id, kindInput, "", agent, c.cfg.InputTimeout)
	if err != nil {
		return "", err
	}

	// The record is registered before the event goes out, so a client
	// that answers instantly still finds it.
	c.sink.Dispatch(ctx, c.tenantID, c.chatID, events.InputRequest{
		Agent:          agent,
		RequestID:      id,
		Prompt:         prompt,
		TimeoutSeconds: p.timeoutSeconds,
	})
	c.logger.Info("input request pending", "request_id", id, "agent", agent)

	res, err := c.wait(ctx, p)
	if err != nil {
		return "", err
	}
	return res.text, nil
}

// ResolveInput matches a user.input.submit to its pending record,
// emits input_ack, and resumes the waiting agent with the reply text.
func (c *Coordinator) ResolveInput(ctx context.Context, requestID, text string) error {
	p := c.take(requestID, kindInput)
	if p == nil {
		return fmt.Errorf("input %q: %w", requestID, ErrUnknownRequest)
	}

	// Ack goes out before the waiter resumes; the agent's next events
	// therefore always trail the ack on the wire.
	c.sink.Dispatch(ctx, c.tenantID, c.chatID, events.InputAck{RequestID: requestID})
	c.logger.Info("input request resolved", "request_id", requestID, "agent", p.agent)
	p.done <- resolution{text: text}
	return nil
}

// RequestUIResponse suspends a UI tool call until the client answers the
// rendered component. It satisfies the tool registry's responder
// contract: the tool call event carries corr = tool call id, and the
// returned payload becomes the tool result.
func (c *Coordinator) RequestUIResponse(ctx context.Context, req tools.UIRequest) (map[string]any, error) {
	p, err := c.register(req.CallID, kindUITool, req.Tool, req.Agent, c.cfg.UIToolTimeout)
	if err != nil {
		return nil, err
	}

	display := events.DisplayInline
	if req.Display == workflow.UIArtifact {
		display = events.DisplayArtifact
	}
	c.sink.Dispatch(ctx, c.tenantID, c.chatID, events.ToolCall{
		Agent:            req.Agent,
		CallID:           req.CallID,
		ToolName:         req.Tool,
		ComponentType:    req.Component,
		AwaitingResponse: true,
		Payload:          req.Payload,
		Display:          display,
	})
	c.logger.Info("ui tool pending", "call_id", req.CallID, "tool", req.Tool, "agent", req.Agent)

	res, err := c.wait(ctx, p)
	if err != nil {
		return nil, err
	}
	return res.payload, nil
}

// ResolveUITool matches an inline_component.result (or artifact patch)
// to its pending UI tool call. Context variables declared with
// ui_response triggers are written before the waiter resumes, so
// handoff conditions evaluated right after the tool returns see the
// values the user just submitted.
func (c *Coordinator) ResolveUITool(ctx context.Context, callID string, payload map[string]any) error {
	p := c.take(callID, kindUITool)
	if p == nil {
		return fmt.Errorf("ui tool call %q: %w", callID, ErrUnknownRequest)
	}

	if written := c.store.ApplyUIResponse(p.tool, payload); len(written) > 0 {
		c.logger.Debug("ui response wrote context variables",
			"call_id", callID, "tool", p.tool, "variables", written)
	}
	c.logger.Info("ui tool resolved", "call_id", callID, "tool", p.tool)
	p.done <- resolution{payload: payload}
	return nil
}

// Abort drains every pending request with ErrAborted and rejects new
// ones. Called when the session fails or the runtime shuts down; safe
// to call more than once.
func (c *Coordinator) Abort(reason string) {
	c.mu.Lock()
	c.closed = true
	drained := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		delete(c.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
		c.gaugeDec()
		drained = append(drained, p)
	}
	c.mu.Unlock()

	if len(drained) == 0 {
		return
	}
	c.logger.Warn("aborting pending requests", "count", len(drained), "reason", reason)
	for _, p := range drained {
		p.done <- resolution{err: ErrAborted}
	}
}

// PendingCount reports how many requests are currently awaiting a reply.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// register creates the pending record and arms its deadline.
func (c *Coordinator) register(id, kind, tool, agent string, timeout time.Duration) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrAborted
	}
	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("request id %q is already pending", id)
	}
	p := &pendingRequest{
		id:             id,
		kind:           kind,
		tool:           tool,
		agent:          agent,
		timeoutSeconds: int(timeout / time.Second),
		done:           make(chan resolution, 1),
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	}
	c.pending[id] = p
	c.gaugeInc()
	return p, nil
}

// take removes and returns the pending record, or nil when the id is
// absent or bound to a different request kind. The caller that gets a
// non-nil record owns its (single) resolution.
func (c *Coordinator) take(id, kind string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.kind != kind {
		return nil
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	c.gaugeDec()
	return p
}

// wait blocks until the record resolves or ctx ends. On ctx expiry the
// record is withdrawn; if a resolver won that race its outcome is
// honored instead, because the resolution side effects (ack, context
// writes) already happened.
func (c *Coordinator) wait(ctx context.Context, p *pendingRequest) (resolution, error) {
	select {
	case res := <-p.done:
		if res.err != nil {
			return resolution{}, res.err
		}
		return res, nil
	case <-ctx.Done():
		if c.take(p.id, p.kind) == nil {
			res := <-p.done
			if res.err != nil {
				return resolution{}, res.err
			}
			return res, nil
		}
		return resolution{}, ctx.Err()
	}
}

// expire is the deadline timer's path. Inputs resolve to the timeout
// sentinel text; UI tools surface an error event plus ErrTimedOut.
func (c *Coordinator) expire(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.gaugeDec()
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	switch p.kind {
	case kindInput:
		c.logger.Warn("input request timed out", "request_id", id, "agent", p.agent, "timeout_seconds", p.timeoutSeconds)
		c.sink.Dispatch(context.Background(), c.tenantID, c.chatID, events.InputTimeout{
			RequestID:      id,
			TimeoutSeconds: p.timeoutSeconds,
		})
		p.done <- resolution{text: TimeoutReply}
	case kindUITool:
		c.logger.Warn("ui tool timed out", "call_id", id, "tool", p.tool, "timeout_seconds", p.timeoutSeconds)
		c.sink.Dispatch(context.Background(), c.tenantID, c.chatID, events.Error{
			Message:     fmt.Sprintf("ui tool %q received no client response within %ds", p.tool, p.timeoutSeconds),
			Code:        events.CodeUIToolTimeout,
			Recoverable: true,
		})
		p.done <- resolution{err: ErrTimedOut}
	}
}

func (c *Coordinator) gaugeInc() {
	if c.metrics != nil {
		c.metrics.PendingInputs.Inc()
	}
}

func (c *Coordinator) gaugeDec() {
	if c.metrics != nil {
		c.metrics.PendingInputs.Dec()
	}
}
