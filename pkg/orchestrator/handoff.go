package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// conditionSystemPrompt frames a natural-language handoff check. The
// reply is matched against the rule's truthy_match.
const conditionSystemPrompt = "You judge a condition about a conversation. Answer yes or no, nothing else."

// conditionMaxTokens keeps yes/no judgments cheap.
const conditionMaxTokens = 8

// selectNext evaluates the agent's handoff rules for one engine phase in
// manifest order; the first rule that fires names the next speaker.
func (s *Session) selectNext(ctx context.Context, agent, lastText string, phase engine.HandoffPhase) (string, bool) {
	for _, rule := range s.wf.HandoffsFrom(agent) {
		if rulePhase(rule) != phase {
			continue
		}
		if !s.ruleFires(ctx, rule, lastText) {
			continue
		}
		s.logger.Debug("handoff rule fired",
			"source", rule.SourceAgent,
			"target", rule.TargetAgent,
			"phase", string(phase),
		)
		return rule.TargetAgent, true
	}
	return "", false
}

// rulePhase places a rule in the engine phase where it is evaluated.
// Condition rules run right after the agent's text unless scoped "pre",
// which defers them until the turn's tool work is done; after_work rules
// always wait for the full turn.
func rulePhase(rule *workflow.HandoffRule) engine.HandoffPhase {
	if rule.HandoffType == workflow.HandoffCondition && rule.ConditionScope != "pre" {
		return engine.PhaseText
	}
	return engine.PhaseAfterWork
}

// ruleFires decides one rule. Expression conditions read declared
// context variables only; string_llm prompts additionally see the
// agent's reply as ${last_message}.
func (s *Session) ruleFires(ctx context.Context, rule *workflow.HandoffRule, lastText string) bool {
	if rule.Unconditional() {
		return true
	}
	if rule.ConditionType == workflow.ConditionStringLLM {
		return s.askCondition(ctx, rule, map[string]any{"last_message": lastText})
	}
	return s.store.EvaluateExpression(rule.Condition, nil)
}

// askCondition resolves a string_llm rule. The judgment call runs
// through the run loop's gate like any other blocking interaction, so
// its usage accounting stays ordered with the stream.
func (s *Session) askCondition(ctx context.Context, rule *workflow.HandoffRule, bindings map[string]any) bool {
	v, err := s.blockOnLoop(ctx, func() (any, error) {
		return s.judgeCondition(ctx, rule, bindings), nil
	})
	if err != nil {
		return false
	}
	return v.(bool)
}

// judgeCondition substitutes current values into the rule's prompt, asks
// the model, and matches the reply against truthy_match
// (case-insensitive substring, default "yes"). Call failures fail safe
// to not-fired.
func (s *Session) judgeCondition(ctx context.Context, rule *workflow.HandoffRule, bindings map[string]any) bool {
	question := s.store.SubstituteTemplate(rule.Condition, bindings)
	start := time.Now()
	resp, err := s.orc.provider.Complete(ctx, llm.Request{
		Agent: rule.SourceAgent,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: conditionSystemPrompt},
			{Role: llm.RoleUser, Content: question},
		},
		MaxTokens: conditionMaxTokens,
	})
	if err != nil {
		s.logger.Warn("handoff condition call failed, treating as not fired",
			"source", rule.SourceAgent, "target", rule.TargetAgent, "error", err)
		return false
	}
	s.recordUsage(ctx, engine.Usage{
		Agent:            rule.SourceAgent,
		Model:            resp.Usage.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		DurationSec:      time.Since(start).Seconds(),
	})

	truthy := rule.TruthyMatch
	if truthy == "" {
		truthy = "yes"
	}
	return strings.Contains(strings.ToLower(resp.Content), strings.ToLower(truthy))
}
