package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedReply is one canned model turn.
type ScriptedReply struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage // zero value = synthesized from content length
	Err       error // when set, the call fails with this error
}

// ScriptedProvider replays canned replies keyed by agent name, in
// order. Tests script each agent's turns up front; an unscripted call
// is an error so a drifting conversation fails loudly instead of
// hanging.
type ScriptedProvider struct {
	mu      sync.Mutex
	replies map[string][]ScriptedReply
	turn    map[string]int
	calls   []Request
}

// NewScriptedProvider creates an empty scripted provider.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{
		replies: make(map[string][]ScriptedReply),
		turn:    make(map[string]int),
	}
}

// Script appends replies to the agent's queue.
func (p *ScriptedProvider) Script(agent string, replies ...ScriptedReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[agent] = append(p.replies[agent], replies...)
}

// Complete pops the next reply scripted for req.Agent.
func (p *ScriptedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.calls = append(p.calls, req)
	queue := p.replies[req.Agent]
	turn := p.turn[req.Agent]
	if turn >= len(queue) {
		p.mu.Unlock()
		return nil, fmt.Errorf("no scripted reply for agent %q turn %d", req.Agent, turn)
	}
	p.turn[req.Agent] = turn + 1
	reply := queue[turn]
	p.mu.Unlock()

	if reply.Err != nil {
		return nil, reply.Err
	}
	if req.OnDelta != nil && reply.Content != "" {
		req.OnDelta(reply.Content)
	}

	usage := reply.Usage
	if usage == (Usage{}) {
		usage = syntheticUsage(req, reply)
	}
	resp := &Response{
		Content:      reply.Content,
		ToolCalls:    reply.ToolCalls,
		Usage:        usage,
		FinishReason: "stop",
	}
	if len(reply.ToolCalls) > 0 {
		resp.FinishReason = "tool_calls"
	}
	return resp, nil
}

// Calls returns a copy of every request seen so far, in order.
func (p *ScriptedProvider) Calls() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// Remaining reports how many scripted replies the agent has not yet
// consumed. Tests assert zero to prove the conversation ran to plan.
func (p *ScriptedProvider) Remaining(agent string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.replies[agent]) - p.turn[agent]
}

func syntheticUsage(req Request, reply ScriptedReply) Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	completion := len(reply.Content) / 4
	// Floor of 1 keeps accounting assertions meaningful for tiny fixtures.
	if prompt == 0 {
		prompt = 1
	}
	if completion == 0 {
		completion = 1
	}
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Model:            "scripted",
	}
}
