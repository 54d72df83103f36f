package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/services"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/tools"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// loadWorkflow writes a manifest directory and loads it. overrides
// replace the minimal defaults file by file.
func loadWorkflow(t *testing.T, overrides map[string]string) *workflow.WorkflowConfig {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "wf")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	files := map[string]string{
		"agents.json":             `{"agents": [{"name": "solo", "system_message": "Assist."}]}`,
		"tools.json":              `{"tools": []}`,
		"handoffs.json":           `{"handoffs": []}`,
		"context_variables.json":  `{"variables": []}`,
		"structured_outputs.json": `{"outputs": []}`,
		"orchestrator.json":       `{"startup_mode": "AgentDriven", "visual_agents": [], "initial_message": "Begin."}`,
	}
	for name, content := range overrides {
		files[name] = content
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	cfg, err := workflow.Load(dir)
	require.NoError(t, err)
	return cfg
}

// recordingPublisher captures dispatched events in order. Resolvers and
// the finish path emit from different goroutines, so access is locked.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Dispatch(_ context.Context, _, _ string, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind()
	}
	return out
}

func (p *recordingPublisher) byKind(k events.Kind) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}

type statusChange struct {
	status models.SessionStatus
	reason string
}

type fakeSessions struct {
	mu      sync.Mutex
	changes []statusChange
}

func (f *fakeSessions) UpdateStatus(_ context.Context, _, _ string, status models.SessionStatus, failureReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, statusChange{status: status, reason: failureReason})
	return nil
}

func (f *fakeSessions) list() []statusChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]statusChange, len(f.changes))
	copy(out, f.changes)
	return out
}

type fakeUsage struct {
	mu     sync.Mutex
	deltas []models.UsageDelta
	finals []models.UsageTotals
}

func (f *fakeUsage) RecordUsage(_ context.Context, _, _ string, delta models.UsageDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, delta)
	return nil
}

func (f *fakeUsage) RecordFinalUsage(_ context.Context, _, _ string, totals models.UsageTotals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals = append(f.finals, totals)
	return nil
}

func (f *fakeUsage) list() ([]models.UsageDelta, []models.UsageTotals) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deltas := make([]models.UsageDelta, len(f.deltas))
	copy(deltas, f.deltas)
	finals := make([]models.UsageTotals, len(f.finals))
	copy(finals, f.finals)
	return deltas, finals
}

type fakeState struct {
	mu   sync.Mutex
	blob []byte
}

func (f *fakeState) SaveConversationState(_ context.Context, _, _ string, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blob = append([]byte(nil), state...)
	return nil
}

func (f *fakeState) LoadConversationState(_ context.Context, _, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blob == nil {
		return nil, services.ErrNotFound
	}
	return append([]byte(nil), f.blob...), nil
}

func (f *fakeState) saved(t *testing.T) conversationState {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(t, f.blob, "no conversation state was saved")
	var st conversationState
	require.NoError(t, json.Unmarshal(f.blob, &st))
	return st
}

func (f *fakeState) seed(t *testing.T, st conversationState) {
	t.Helper()
	blob, err := json.Marshal(st)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blob = blob
}

type harness struct {
	provider *llm.ScriptedProvider
	pub      *recordingPublisher
	sessions *fakeSessions
	usage    *fakeUsage
	state    *fakeState
	orc      *Orchestrator
}

func newHarness(cfg Config) *harness {
	h := &harness{
		provider: llm.NewScriptedProvider(),
		pub:      &recordingPublisher{},
		sessions: &fakeSessions{},
		usage:    &fakeUsage{},
		state:    &fakeState{},
	}
	h.orc = New(h.provider, h.pub, Stores{
		Sessions: h.sessions,
		Usage:    h.usage,
		State:    h.state,
	}, nil, cfg)
	return h
}

func (h *harness) newSession(t *testing.T, wf *workflow.WorkflowConfig, builtins ...tools.Builtin) *Session {
	t.Helper()
	meta := &models.Session{
		ChatID:       "chat-1",
		TenantID:     "tenant-a",
		UserID:       "user-1",
		WorkflowName: wf.Name,
		CacheSeed:    models.ComputeCacheSeed("tenant-a", "chat-1"),
		Status:       models.StatusRunning,
	}
	return h.orc.NewSession(context.Background(), meta, wf, tools.NewRegistry(wf, builtins))
}

func startRun(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session run did not finish")
		return nil
	}
}

// waitEvent polls until exactly one event of the kind has been
// published and returns it.
func waitEvent(t *testing.T, pub *recordingPublisher, k events.Kind) events.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(pub.byKind(k)) >= 1 },
		3*time.Second, 5*time.Millisecond, "no %s event arrived", k)
	return pub.byKind(k)[0]
}

func TestRun(t *testing.T) {
	t.Run("agent driven conversation end to end", func(t *testing.T) {
		wf := loadWorkflow(t, map[string]string{
			"agents.json": `{
  "agents": [
    {"name": "planner", "system_message": "You plan."},
    {"name": "writer", "system_message": "You write."}
  ]
}`,
			"handoffs.json": `{
  "handoffs": [
    {"source_agent": "planner", "target_agent": "writer", "handoff_type": "after_work"}
  ]
}`,
			"orchestrator.json": `{
  "startup_mode": "AgentDriven",
  "visual_agents": ["planner", "writer"],
  "initial_message": "Start the plan.",
  "max_turns": 8
}`,
		})

		h := newHarness(Config{
			Pricing: Pricing{"scripted": {InputPerMTok: 1e6, OutputPerMTok: 2e6}},
		})
		h.provider.Script("planner", llm.ScriptedReply{Content: "Here is the plan."})
		h.provider.Script("writer", llm.ScriptedReply{Content: "Written."})

		sess := h.newSession(t, wf)
		require.NoError(t, waitDone(t, startRun(context.Background(), sess)))

		assert.Equal(t, []events.Kind{
			events.KindText, // hidden opening seed
			events.KindSelectSpeaker, events.KindPrint, events.KindUsageDelta, events.KindText,
			events.KindSelectSpeaker, events.KindPrint, events.KindUsageDelta, events.KindText,
			events.KindUsageSummary, events.KindRunComplete,
		}, h.pub.kinds())

		all := h.pub.snapshot()
		opening := all[0].(events.Text)
		assert.True(t, opening.Hidden)
		assert.Empty(t, opening.Agent)
		assert.Equal(t, "Start the plan.", opening.Content)
		assert.Equal(t, "terminate", all[len(all)-1].(events.RunComplete).Reason)

		deltas, finals := h.usage.list()
		require.Len(t, deltas, 2)
		assert.Equal(t, "planner", deltas[0].Agent)
		assert.Equal(t, "writer", deltas[1].Agent)
		wantCost := 0.0
		wantTokens := 0
		for _, d := range deltas {
			assert.Equal(t, "scripted", d.Model)
			assert.Equal(t, float64(d.PromptTokens)+2*float64(d.CompletionTokens), d.CostUSD)
			wantCost += d.CostUSD
			wantTokens += d.TotalTokens
		}
		require.Len(t, finals, 1)
		assert.True(t, finals[0].Finalized)
		assert.Equal(t, wantTokens, finals[0].FinalTotalTokens)
		assert.Equal(t, wantCost, finals[0].FinalCostUSD)

		summary := h.pub.byKind(events.KindUsageSummary)[0].(events.UsageSummary)
		assert.Equal(t, wantTokens, summary.TotalTokens)
		assert.Equal(t, wantCost, summary.CostUSD)

		assert.Equal(t, []statusChange{{status: models.StatusCompleted}}, h.sessions.list())

		st := h.state.saved(t)
		assert.Equal(t, []engine.Turn{
			{Content: "Start the plan."},
			{Agent: "planner", Content: "Here is the plan."},
			{Agent: "writer", Content: "Written."},
		}, st.Transcript)
		assert.False(t, st.SavedAt.IsZero())

		calls := h.provider.Calls()
		require.NotEmpty(t, calls)
		require.NotNil(t, calls[0].Seed)
		assert.EqualValues(t, models.ComputeCacheSeed("tenant-a", "chat-1"), *calls[0].Seed)
		assert.Zero(t, h.provider.Remaining("planner"))
		assert.Zero(t, h.provider.Remaining("writer"))
	})

	t.Run("user driven startup waits for the opening message", func(t *testing.T) {
		wf := loadWorkflow(t, map[string]string{
			"agents.json": `{"agents": [{"name": "planner", "system_message": "You assist."}]}`,
			"handoffs.json": `{
  "handoffs": [
    {"source_agent": "planner", "target_agent": "user", "handoff_type": "after_work"}
  ]
}`,
			"context_variables.json": `{
  "variables": [
    {
      "name": "done",
      "type": "derived",
      "triggers": [{"kind": "agent_text", "agent": "planner", "match": "contains", "pattern": "DONE", "value": "true"}]
    }
  ]
}`,
			"orchestrator.json": `{
  "startup_mode": "UserDriven",
  "visual_agents": ["planner"],
  "initial_message_to_user": "Hi! What do you need?",
  "termination_conditions": {"context_variable_trigger": "${done} == \"true\""}
}`,
		})

		h := newHarness(Config{})
		h.provider.Script("planner",
			llm.ScriptedReply{Content: "What pages do you need?"},
			llm.ScriptedReply{Content: "DONE. A landing page it is."},
		)

		sess := h.newSession(t, wf)
		done := startRun(context.Background(), sess)

		greeting := waitEvent(t, h.pub, events.KindText).(events.Text)
		assert.Equal(t, "Hi! What do you need?", greeting.Content)
		assert.Empty(t, greeting.Agent)
		assert.False(t, greeting.Hidden)

		require.NoError(t, sess.HandleInput(context.Background(), "", "Build me a site."))

		req := waitEvent(t, h.pub, events.KindInputRequest).(events.InputRequest)
		assert.Equal(t, "planner", req.Agent)
		assert.Equal(t, "What pages do you need?", req.Prompt)

		err := sess.HandleInput(context.Background(), "", "a second opening")
		assert.ErrorIs(t, err, ErrUnknownRequest)

		require.NoError(t, sess.HandleInput(context.Background(), req.RequestID, "Just a landing page."))
		require.NoError(t, waitDone(t, done))

		assert.Equal(t, engine.ReasonContextTrigger,
			h.pub.byKind(events.KindRunComplete)[0].(events.RunComplete).Reason)
		assert.Len(t, h.pub.byKind(events.KindInputAck), 1)

		assert.Equal(t, []statusChange{
			{status: models.StatusWaitingForInput},
			{status: models.StatusRunning},
			{status: models.StatusWaitingForInput},
			{status: models.StatusRunning},
			{status: models.StatusCompleted},
		}, h.sessions.list())

		st := h.state.saved(t)
		assert.Equal(t, []engine.Turn{
			{Content: "Build me a site."},
			{Agent: "planner", Content: "What pages do you need?"},
			{Content: "Just a landing page."},
			{Agent: "planner", Content: "DONE. A landing page it is."},
		}, st.Transcript)

		calls := h.provider.Calls()
		require.Len(t, calls, 2)
		last := calls[1].Messages[len(calls[1].Messages)-1]
		assert.Equal(t, llm.RoleUser, last.Role)
		assert.Equal(t, "Just a landing page.", last.Content)
	})

	t.Run("engine failure fails the session", func(t *testing.T) {
		wf := loadWorkflow(t, map[string]string{
			"agents.json": `{"agents": [{"name": "planner", "system_message": "You plan."}]}`,
			"orchestrator.json": `{
  "startup_mode": "AgentDriven",
  "visual_agents": ["planner"],
  "initial_message": "Go."
}`,
		})

		h := newHarness(Config{Engine: engine.Config{MaxToolIterations: 2}})
		// Nothing scripted: every model call fails.
		sess := h.newSession(t, wf)

		err := waitDone(t, startRun(context.Background(), sess))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model call failed after retries")

		assert.Equal(t, []events.Kind{
			events.KindText, events.KindSelectSpeaker,
			events.KindError,
			events.KindUsageSummary, events.KindRunComplete,
		}, h.pub.kinds())

		errEvent := h.pub.byKind(events.KindError)[0].(events.Error)
		assert.Equal(t, events.CodeAgentInitFailed, errEvent.Code)
		assert.False(t, errEvent.Recoverable)
		assert.Equal(t, engine.ReasonEngineError,
			h.pub.byKind(events.KindRunComplete)[0].(events.RunComplete).Reason)

		statuses := h.sessions.list()
		require.Len(t, statuses, 1)
		assert.Equal(t, models.StatusFailed, statuses[0].status)
		assert.Contains(t, statuses[0].reason, "model call failed after retries")

		_, finals := h.usage.list()
		require.Len(t, finals, 1)
		assert.True(t, finals[0].Finalized)
		assert.Zero(t, finals[0].FinalTotalTokens)
	})

	t.Run("cancellation drains pending input and fails the session", func(t *testing.T) {
		wf := loadWorkflow(t, map[string]string{
			"agents.json": `{"agents": [{"name": "planner", "system_message": "You plan."}]}`,
			"handoffs.json": `{
  "handoffs": [
    {"source_agent": "planner", "target_agent": "user", "handoff_type": "after_work"}
  ]
}`,
			"orchestrator.json": `{
  "startup_mode": "AgentDriven",
  "visual_agents": ["planner"],
  "initial_message": "Go."
}`,
		})

		h := newHarness(Config{})
		h.provider.Script("planner", llm.ScriptedReply{Content: "What next?"})

		ctx, cancel := context.WithCancel(context.Background())
		sess := h.newSession(t, wf)
		done := startRun(ctx, sess)

		waitEvent(t, h.pub, events.KindInputRequest)
		cancel()
		require.NoError(t, waitDone(t, done))

		all := h.pub.snapshot()
		require.GreaterOrEqual(t, len(all), 2)
		errEvent := all[len(all)-2].(events.Error)
		assert.Equal(t, events.CodeTransportError, errEvent.Code)
		assert.Equal(t, "session cancelled", errEvent.Message)
		assert.False(t, errEvent.Recoverable)
		assert.Equal(t, engine.ReasonCancelled, all[len(all)-1].(events.RunComplete).Reason)

		statuses := h.sessions.list()
		require.NotEmpty(t, statuses)
		assert.Equal(t, models.StatusWaitingForInput, statuses[0].status)
		assert.Equal(t, statusChange{status: models.StatusFailed, reason: "cancelled"},
			statuses[len(statuses)-1])

		// Best-effort transcript up to the cancellation point.
		st := h.state.saved(t)
		assert.Equal(t, []engine.Turn{
			{Content: "Go."},
			{Agent: "planner", Content: "What next?"},
		}, st.Transcript)
	})

	t.Run("saved state seeds a later run", func(t *testing.T) {
		wf := loadWorkflow(t, map[string]string{
			"agents.json": `{"agents": [{"name": "planner", "system_message": "You plan."}]}`,
			"context_variables.json": `{
  "variables": [
    {"name": "phase", "type": "static", "value": "", "exposed_to": ["planner"]}
  ]
}`,
			"orchestrator.json": `{
  "startup_mode": "AgentDriven",
  "visual_agents": ["planner"],
  "initial_message": "Start over."
}`,
		})

		h := newHarness(Config{})
		h.state.seed(t, conversationState{
			Transcript: []engine.Turn{
				{Content: "earlier question"},
				{Agent: "planner", Content: "earlier answer"},
			},
			Context: map[string]any{"phase": "build"},
		})
		h.provider.Script("planner", llm.ScriptedReply{Content: "Resuming."})

		sess := h.newSession(t, wf)
		require.NoError(t, waitDone(t, startRun(context.Background(), sess)))

		// The restored transcript replaces the startup seeding entirely.
		kinds := h.pub.kinds()
		require.NotEmpty(t, kinds)
		assert.Equal(t, events.KindSelectSpeaker, kinds[0])

		calls := h.provider.Calls()
		require.Len(t, calls, 1)
		msgs := calls[0].Messages
		require.Len(t, msgs, 3)
		assert.Contains(t, msgs[0].Content, "Current context:\n- phase: build")
		assert.Equal(t, llm.RoleUser, msgs[1].Role)
		assert.Equal(t, "earlier question", msgs[1].Content)
		assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
		assert.Equal(t, "earlier answer", msgs[2].Content)

		st := h.state.saved(t)
		assert.Equal(t, []engine.Turn{
			{Content: "earlier question"},
			{Agent: "planner", Content: "earlier answer"},
			{Agent: "planner", Content: "Resuming."},
		}, st.Transcript)
		assert.Equal(t, "build", st.Context["phase"])
	})
}

func TestRunUITool(t *testing.T) {
	wf := loadWorkflow(t, map[string]string{
		"agents.json": `{
  "agents": [
    {"name": "planner", "system_message": "You plan.", "structured_outputs_required": true, "tools": ["pick_color"]},
    {"name": "writer", "system_message": "You write."}
  ]
}`,
		"tools.json": `{
  "tools": [
    {"name": "pick_color", "type": "ui", "ui": {"component": "ColorPicker", "mode": "inline"}}
  ]
}`,
		"structured_outputs.json": `{
  "outputs": [
    {
      "agent": "planner",
      "schema": {"type": "object", "required": ["response"], "properties": {"response": {"type": "string"}, "ui_tool": {"type": "string"}, "ui_payload": {"type": "object"}}},
      "ui_tools": ["pick_color"]
    }
  ]
}`,
		"context_variables.json": `{
  "variables": [
    {
      "name": "color",
      "type": "derived",
      "exposed_to": ["writer"],
      "triggers": [{"kind": "ui_response", "tool": "pick_color", "response_key": "choice.color"}]
    }
  ]
}`,
		"handoffs.json": `{
  "handoffs": [
    {"source_agent": "planner", "target_agent": "writer", "handoff_type": "condition", "condition_type": "expression", "condition": "${color} == \"red\"", "condition_scope": "pre"}
  ]
}`,
		"orchestrator.json": `{
  "startup_mode": "AgentDriven",
  "visual_agents": ["planner", "writer"],
  "initial_message": "Pick."
}`,
	})

	t.Run("structured envelope drives the ui tool and the deferred condition", func(t *testing.T) {
		h := newHarness(Config{})
		h.provider.Script("planner", llm.ScriptedReply{
			Content: `{"response": "Choose a color.", "ui_tool": "pick_color", "ui_payload": {"options": ["red", "blue"]}}`,
		})
		h.provider.Script("writer", llm.ScriptedReply{Content: "Red it is."})

		sess := h.newSession(t, wf)
		done := startRun(context.Background(), sess)

		call := waitEvent(t, h.pub, events.KindToolCall).(events.ToolCall)
		assert.Equal(t, "pick_color", call.ToolName)
		assert.Equal(t, "planner", call.Agent)
		assert.True(t, call.AwaitingResponse)
		assert.Equal(t, "ColorPicker", call.ComponentType)
		assert.Equal(t, events.DisplayInline, call.Display)
		assert.Equal(t, []any{"red", "blue"}, call.Payload["options"])
		require.NotEmpty(t, call.CallID)

		answer := map[string]any{"choice": map[string]any{"color": "red"}}
		require.NoError(t, sess.HandleUIResponse(context.Background(), call.CallID, answer))
		require.NoError(t, waitDone(t, done))

		assert.Equal(t, []events.Kind{
			events.KindText, // hidden opening seed
			events.KindSelectSpeaker, events.KindUsageDelta,
			events.KindStructuredOutputReady, events.KindText,
			events.KindToolCall, events.KindToolResponse,
			events.KindSelectSpeaker, events.KindPrint, events.KindUsageDelta, events.KindText,
			events.KindUsageSummary, events.KindRunComplete,
		}, h.pub.kinds())

		structured := h.pub.byKind(events.KindStructuredOutputReady)[0].(events.StructuredOutputReady)
		assert.Equal(t, "pick_color", structured.Output["ui_tool"])

		resp := h.pub.byKind(events.KindToolResponse)[0].(events.ToolResponse)
		assert.True(t, resp.Success)
		assert.Equal(t, "pick_color", resp.ToolName)
		assert.Equal(t, answer, resp.Content)

		// The writer only speaks because the scoped condition was held
		// back until the client's choice landed in the context store.
		texts := h.pub.byKind(events.KindText)
		assert.Equal(t, "Red it is.", texts[len(texts)-1].(events.Text).Content)

		calls := h.provider.Calls()
		require.Len(t, calls, 2)
		assert.Contains(t, calls[1].Messages[0].Content, "Current context:\n- color: red")
		require.NotNil(t, calls[0].ResponseFormat)
		assert.Equal(t, "planner_output", calls[0].ResponseFormat.Name)

		st := h.state.saved(t)
		assert.Equal(t, []engine.Turn{
			{Content: "Pick."},
			{Agent: "planner", Content: "Choose a color."},
			{Agent: "writer", Content: "Red it is."},
		}, st.Transcript)
	})

	t.Run("unknown ui response call id is rejected", func(t *testing.T) {
		h := newHarness(Config{})
		sess := h.newSession(t, wf)
		err := sess.HandleUIResponse(context.Background(), "no-such-call", map[string]any{"x": 1})
		assert.ErrorIs(t, err, ErrUnknownRequest)
	})
}

func TestHandleInput(t *testing.T) {
	t.Run("unknown request id is rejected", func(t *testing.T) {
		h := newHarness(Config{})
		sess := h.newSession(t, loadWorkflow(t, nil))
		err := sess.HandleInput(context.Background(), "no-such-request", "hello")
		assert.ErrorIs(t, err, ErrUnknownRequest)
	})

	t.Run("agent driven sessions expect no opening message", func(t *testing.T) {
		h := newHarness(Config{})
		sess := h.newSession(t, loadWorkflow(t, nil))
		err := sess.HandleInput(context.Background(), "", "hello")
		assert.ErrorIs(t, err, ErrUnknownRequest)
	})
}
