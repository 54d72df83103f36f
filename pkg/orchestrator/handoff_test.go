package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// serveGate stands in for the run loop when selectNext is exercised
// directly: it answers n gated interactions and returns.
func serveGate(s *Session, n int) {
	for range n {
		call := <-s.gate
		v, err := call.run()
		call.reply <- loopReply{value: v, err: err}
	}
}

func TestRulePhase(t *testing.T) {
	tests := []struct {
		name string
		rule *workflow.HandoffRule
		want engine.HandoffPhase
	}{
		{
			name: "condition rules fire on the final text",
			rule: &workflow.HandoffRule{
				HandoffType:   workflow.HandoffCondition,
				ConditionType: workflow.ConditionExpression,
				Condition:     `${phase} == "go"`,
			},
			want: engine.PhaseText,
		},
		{
			name: "pre scope defers a condition until tool work is done",
			rule: &workflow.HandoffRule{
				HandoffType:    workflow.HandoffCondition,
				ConditionType:  workflow.ConditionExpression,
				Condition:      `${phase} == "go"`,
				ConditionScope: "pre",
			},
			want: engine.PhaseAfterWork,
		},
		{
			name: "after_work rules wait for the full turn",
			rule: &workflow.HandoffRule{
				HandoffType: workflow.HandoffAfterWork,
			},
			want: engine.PhaseAfterWork,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, rulePhase(tc.rule))
		})
	}
}

func TestSelectNext(t *testing.T) {
	ctx := context.Background()

	t.Run("first matching rule wins in manifest order", func(t *testing.T) {
		wf := loadWorkflow(t, map[string]string{
			"agents.json": `{
  "agents": [
    {"name": "planner", "system_message": "You plan."},
    {"name": "writer", "system_message": "You write."},
    {"name": "reviewer", "system_message": "You review."}
  ]
}`,
			"context_variables.json": `{
  "variables": [{"name": "phase", "type": "static", "value": ""}]
}`,
			"handoffs.json": `{
  "handoffs": [
    {"source_agent": "planner", "target_agent": "writer", "handoff_type": "condition", "condition": "${phase} == \"go\""},
    {"source_agent": "planner", "target_agent": "reviewer", "handoff_type": "condition", "condition": "${phase} == \"go\""}
  ]
}`,
		})

		h := newHarness(Config{})
		sess := h.newSession(t, wf)
		sess.store.Set("phase", "go")

		next, ok := sess.selectNext(ctx, "planner", "planning done", engine.PhaseText)
		require.True(t, ok)
		assert.Equal(t, "writer", next)
	})

	t.Run("phase filters rules", func(t *testing.T) {
		wf := loadWorkflow(t, map[string]string{
			"agents.json": `{"agents": [{"name": "planner", "system_message": "You plan."}]}`,
			"handoffs.json": `{
  "handoffs": [
    {"source_agent": "planner", "target_agent": "TERMINATE", "handoff_type": "after_work"}
  ]
}`,
		})

		h := newHarness(Config{})
		sess := h.newSession(t, wf)

		_, ok := sess.selectNext(ctx, "planner", "done", engine.PhaseText)
		assert.False(t, ok)

		next, ok := sess.selectNext(ctx, "planner", "done", engine.PhaseAfterWork)
		require.True(t, ok)
		assert.Equal(t, engine.TargetTerminate, next)
	})

	t.Run("unmatched expression does not fire", func(t *testing.T) {
		wf := loadWorkflow(t, map[string]string{
			"agents.json": `{
  "agents": [
    {"name": "planner", "system_message": "You plan."},
    {"name": "writer", "system_message": "You write."}
  ]
}`,
			"context_variables.json": `{
  "variables": [{"name": "phase", "type": "static", "value": ""}]
}`,
			"handoffs.json": `{
  "handoffs": [
    {"source_agent": "planner", "target_agent": "writer", "handoff_type": "condition", "condition": "${phase} == \"go\""}
  ]
}`,
		})

		h := newHarness(Config{})
		sess := h.newSession(t, wf)
		sess.store.Set("phase", "hold")

		_, ok := sess.selectNext(ctx, "planner", "planning done", engine.PhaseText)
		assert.False(t, ok)
	})

	stringLLMWorkflow := func(t *testing.T, truthyMatch string) *workflow.WorkflowConfig {
		handoffs := `{
  "handoffs": [
    {"source_agent": "planner", "target_agent": "writer", "handoff_type": "condition", "condition_type": "string_llm", "condition": "Is the draft approved? Reply: ${last_message}"`
		if truthyMatch != "" {
			handoffs += `, "truthy_match": "` + truthyMatch + `"`
		}
		handoffs += `}
  ]
}`
		return loadWorkflow(t, map[string]string{
			"agents.json": `{
  "agents": [
    {"name": "planner", "system_message": "You plan."},
    {"name": "writer", "system_message": "You write."}
  ]
}`,
			"handoffs.json": handoffs,
		})
	}

	t.Run("string_llm asks the model and matches truthy", func(t *testing.T) {
		h := newHarness(Config{})
		h.provider.Script("planner", llm.ScriptedReply{Content: "APPROVED, ship it."})

		sess := h.newSession(t, stringLLMWorkflow(t, "APPROVED"))
		go serveGate(sess, 1)

		next, ok := sess.selectNext(ctx, "planner", "The draft looks great.", engine.PhaseText)
		require.True(t, ok)
		assert.Equal(t, "writer", next)

		calls := h.provider.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "planner", calls[0].Agent)
		assert.Equal(t, conditionMaxTokens, calls[0].MaxTokens)
		require.Len(t, calls[0].Messages, 2)
		assert.Equal(t, llm.RoleSystem, calls[0].Messages[0].Role)
		assert.Equal(t, conditionSystemPrompt, calls[0].Messages[0].Content)
		assert.Equal(t, llm.RoleUser, calls[0].Messages[1].Role)
		assert.Equal(t, "Is the draft approved? Reply: The draft looks great.", calls[0].Messages[1].Content)

		// The judgment call is billed like any other model call.
		deltas, _ := h.usage.list()
		require.Len(t, deltas, 1)
		assert.Equal(t, "planner", deltas[0].Agent)
		assert.Equal(t, "scripted", deltas[0].Model)
		assert.Len(t, h.pub.byKind(events.KindUsageDelta), 1)
	})

	t.Run("string_llm mismatch does not fire", func(t *testing.T) {
		h := newHarness(Config{})
		h.provider.Script("planner", llm.ScriptedReply{Content: "no, it needs work"})

		sess := h.newSession(t, stringLLMWorkflow(t, "APPROVED"))
		go serveGate(sess, 1)

		_, ok := sess.selectNext(ctx, "planner", "Draft attached.", engine.PhaseText)
		assert.False(t, ok)
	})

	t.Run("condition call failure fails safe", func(t *testing.T) {
		h := newHarness(Config{})
		h.provider.Script("planner", llm.ScriptedReply{Err: errors.New("model backend unavailable")})

		sess := h.newSession(t, stringLLMWorkflow(t, "APPROVED"))
		go serveGate(sess, 1)

		_, ok := sess.selectNext(ctx, "planner", "Draft attached.", engine.PhaseText)
		assert.False(t, ok)

		deltas, _ := h.usage.list()
		assert.Empty(t, deltas)
	})

	t.Run("default truthy marker is yes", func(t *testing.T) {
		h := newHarness(Config{})
		h.provider.Script("planner", llm.ScriptedReply{Content: "Yes."})

		sess := h.newSession(t, stringLLMWorkflow(t, ""))
		go serveGate(sess, 1)

		next, ok := sess.selectNext(ctx, "planner", "Draft attached.", engine.PhaseText)
		require.True(t, ok)
		assert.Equal(t, "writer", next)
	})
}
