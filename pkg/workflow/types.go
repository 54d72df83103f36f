// Package workflow loads declarative workflow manifests (agents, tools,
// handoffs, context variables, structured outputs, and orchestration
// policy) into validated, immutable in-memory configs.
//
// A workflow is a directory:
//
//	<root>/<name>/
//	    agents.json
//	    tools.json
//	    handoffs.json
//	    context_variables.json
//	    structured_outputs.json
//	    orchestrator.json
//	    tools/               (optional; mcp_servers.json lives here)
//
// Every file is validated against an embedded JSON Schema (unknown fields
// rejected), then cross-references are checked with all failures collected
// into one ConfigInvalidError. Loaded configs are cached by the Registry
// and never mutated; running sessions hold the snapshot they started with.
package workflow

import "regexp"

// StartupMode selects who produces the first turn of a session.
type StartupMode string

const (
	// StartupAgentDriven injects a hidden seed message so the first agent
	// responds immediately.
	StartupAgentDriven StartupMode = "AgentDriven"
	// StartupUserDriven waits for the first user.input.submit.
	StartupUserDriven StartupMode = "UserDriven"
)

// ToolType distinguishes server-executed tools from client-rendered ones.
type ToolType string

const (
	ToolBackend ToolType = "backend"
	ToolUI      ToolType = "ui"
)

// UIMode selects where the client renders a UI tool.
type UIMode string

const (
	UIInline   UIMode = "inline"
	UIArtifact UIMode = "artifact"
)

// HandoffType fixes when a handoff rule is evaluated.
type HandoffType string

const (
	// HandoffAfterWork evaluates after the agent's tool invocations have
	// fully completed. Required for conditions that read context variables
	// set by UI tool responses.
	HandoffAfterWork HandoffType = "after_work"
	// HandoffCondition evaluates immediately after the agent's text turn.
	HandoffCondition HandoffType = "condition"
)

// ConditionType selects how a handoff condition is decided.
type ConditionType string

const (
	ConditionExpression ConditionType = "expression"
	ConditionStringLLM  ConditionType = "string_llm"
)

// VariableType is a context variable's value source.
type VariableType string

const (
	VarStatic      VariableType = "static"
	VarEnvironment VariableType = "environment"
	VarDatabase    VariableType = "database"
	VarDerived     VariableType = "derived"
)

// TriggerKind identifies what fires a derived-variable write.
type TriggerKind string

const (
	TriggerAgentText  TriggerKind = "agent_text"
	TriggerUIResponse TriggerKind = "ui_response"
)

// MatchKind is the agent_text trigger's matching strategy.
type MatchKind string

const (
	MatchRegex    MatchKind = "regex"
	MatchEquals   MatchKind = "equals"
	MatchContains MatchKind = "contains"
)

// Reserved handoff targets.
const (
	TargetUser      = "user"
	TargetTerminate = "TERMINATE"
)

// AgentSpec declares one conversational role.
type AgentSpec struct {
	Name                      string   `json:"name"`
	SystemMessage             string   `json:"system_message"`
	MaxConsecutiveAutoReply   int      `json:"max_consecutive_auto_reply,omitempty"`
	AutoToolMode              bool     `json:"auto_tool_mode,omitempty"`
	StructuredOutputsRequired bool     `json:"structured_outputs_required,omitempty"`
	Tools                     []string `json:"tools,omitempty"`
	LLMConfig                 string   `json:"llm_config,omitempty"` // named LLM profile; empty = server default
}

// UIBinding names the client component a UI tool renders into.
type UIBinding struct {
	Component string `json:"component"`
	Mode      UIMode `json:"mode"`
}

// ImplBinding routes a backend tool to its implementation.
type ImplBinding struct {
	Kind   string `json:"kind"`             // builtin | mcp
	Name   string `json:"name,omitempty"`   // builtin function name
	Server string `json:"server,omitempty"` // mcp server id
	Tool   string `json:"tool,omitempty"`   // mcp tool name (defaults to the declared tool name)
}

// ToolSpec declares one tool.
type ToolSpec struct {
	Name        string       `json:"name"`
	Type        ToolType     `json:"type"`
	Description string       `json:"description,omitempty"`
	AutoInvoke  *bool        `json:"auto_invoke,omitempty"` // nil → default by type
	UI          *UIBinding   `json:"ui,omitempty"`
	Impl        *ImplBinding `json:"impl,omitempty"`
}

// AutoInvokeEnabled resolves the auto_invoke default: true for UI tools,
// false for backend tools.
func (t *ToolSpec) AutoInvokeEnabled() bool {
	if t.AutoInvoke != nil {
		return *t.AutoInvoke
	}
	return t.Type == ToolUI
}

// TriggerSpec is one rule that writes a derived context variable.
type TriggerSpec struct {
	Kind TriggerKind `json:"kind"`

	// agent_text fields
	Agent   string    `json:"agent,omitempty"`
	Match   MatchKind `json:"match,omitempty"`
	Pattern string    `json:"pattern,omitempty"`
	Value   string    `json:"value,omitempty"` // constant, or $1..$9 to use a regex capture group

	// ui_response fields
	Tool        string `json:"tool,omitempty"`
	ResponseKey string `json:"response_key,omitempty"` // dotted path into the response payload

	// compiled is set during validation for regex matches.
	compiled *regexp.Regexp
}

// Regexp returns the precompiled pattern for regex triggers, nil otherwise.
func (t *TriggerSpec) Regexp() *regexp.Regexp {
	return t.compiled
}

// ContextVariableSpec declares one typed per-session variable.
type ContextVariableSpec struct {
	Name      string        `json:"name"`
	Type      VariableType  `json:"type"`
	Value     any           `json:"value,omitempty"` // static
	Env       string        `json:"env,omitempty"`   // environment
	Query     string        `json:"query,omitempty"` // database
	Triggers  []TriggerSpec `json:"triggers,omitempty"`
	ExposedTo []string      `json:"exposed_to,omitempty"` // empty = no agent reads it via prompt injection
}

// HandoffRule routes the conversation after a source agent's turn.
type HandoffRule struct {
	SourceAgent    string        `json:"source_agent"`
	TargetAgent    string        `json:"target_agent"` // agent name, "user", or "TERMINATE"
	HandoffType    HandoffType   `json:"handoff_type"`
	ConditionType  ConditionType `json:"condition_type,omitempty"`
	Condition      string        `json:"condition,omitempty"`
	ConditionScope string        `json:"condition_scope,omitempty"` // "pre" = evaluate after tool completion
	TruthyMatch    string        `json:"truthy_match,omitempty"`    // string_llm: substring marking a yes
}

// Unconditional reports whether the rule fires without evaluating anything.
func (h *HandoffRule) Unconditional() bool {
	return h.ConditionType == "" && h.Condition == ""
}

// StructuredOutputSpec binds an agent to its output schema. When the
// produced output designates a UI tool, it must be one of UITools.
type StructuredOutputSpec struct {
	Agent   string         `json:"agent"`
	Schema  map[string]any `json:"schema"`
	UITools []string       `json:"ui_tools,omitempty"`
}

// TerminationConditions are the orchestrator's run guards.
type TerminationConditions struct {
	MaxConsecutiveAutoReplies int    `json:"max_consecutive_auto_replies,omitempty"`
	ContextVariableTrigger    string `json:"context_variable_trigger,omitempty"`
}

// OrchestratorConfig is the workflow's orchestration policy.
type OrchestratorConfig struct {
	StartupMode          StartupMode           `json:"startup_mode"`
	MaxTurns             int                   `json:"max_turns,omitempty"`
	VisualAgents         []string              `json:"visual_agents"`
	InitialMessage       string                `json:"initial_message,omitempty"`
	InitialMessageToUser string                `json:"initial_message_to_user,omitempty"`
	Termination          TerminationConditions `json:"termination_conditions,omitempty"`
}

// MCPServerSpec declares one MCP server backend tools may route to.
type MCPServerSpec struct {
	ID        string   `json:"id"`
	Transport string   `json:"transport"` // stdio | http
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// WorkflowConfig is one fully loaded, validated workflow. Immutable after
// Load; safe for concurrent reads.
type WorkflowConfig struct {
	Name string
	Dir  string

	Agents            []*AgentSpec
	Tools             []*ToolSpec
	Handoffs          []*HandoffRule
	ContextVariables  []*ContextVariableSpec
	StructuredOutputs []*StructuredOutputSpec
	Orchestrator      *OrchestratorConfig
	MCPServers        []*MCPServerSpec

	// Warnings are advisory findings from validation (the workflow still
	// loads). The registry logs them at discovery time.
	Warnings []string

	agentIndex  map[string]*AgentSpec
	toolIndex   map[string]*ToolSpec
	varIndex    map[string]*ContextVariableSpec
	outputIndex map[string]*StructuredOutputSpec
	visualSet   map[string]bool
}

// buildIndexes populates the lookup maps. Called once at the end of Load,
// after validation has guaranteed name uniqueness.
func (w *WorkflowConfig) buildIndexes() {
	w.agentIndex = make(map[string]*AgentSpec, len(w.Agents))
	for _, a := range w.Agents {
		w.agentIndex[a.Name] = a
	}
	w.toolIndex = make(map[string]*ToolSpec, len(w.Tools))
	for _, t := range w.Tools {
		w.toolIndex[t.Name] = t
	}
	w.varIndex = make(map[string]*ContextVariableSpec, len(w.ContextVariables))
	for _, v := range w.ContextVariables {
		w.varIndex[v.Name] = v
	}
	w.outputIndex = make(map[string]*StructuredOutputSpec, len(w.StructuredOutputs))
	for _, o := range w.StructuredOutputs {
		w.outputIndex[o.Agent] = o
	}
	w.visualSet = make(map[string]bool, len(w.Orchestrator.VisualAgents))
	for _, name := range w.Orchestrator.VisualAgents {
		w.visualSet[name] = true
	}
}

// Agent returns the agent spec by name.
func (w *WorkflowConfig) Agent(name string) (*AgentSpec, bool) {
	a, ok := w.agentIndex[name]
	return a, ok
}

// Tool returns the tool spec by name.
func (w *WorkflowConfig) Tool(name string) (*ToolSpec, bool) {
	t, ok := w.toolIndex[name]
	return t, ok
}

// ContextVariable returns the variable spec by name.
func (w *WorkflowConfig) ContextVariable(name string) (*ContextVariableSpec, bool) {
	v, ok := w.varIndex[name]
	return v, ok
}

// StructuredOutput returns the output spec for an agent, if declared.
func (w *WorkflowConfig) StructuredOutput(agent string) (*StructuredOutputSpec, bool) {
	o, ok := w.outputIndex[agent]
	return o, ok
}

// HandoffsFrom returns the rules whose source is the given agent, in
// manifest order. Order is the tie-breaker when several conditions hold.
func (w *WorkflowConfig) HandoffsFrom(agent string) []*HandoffRule {
	var rules []*HandoffRule
	for _, h := range w.Handoffs {
		if h.SourceAgent == agent {
			rules = append(rules, h)
		}
	}
	return rules
}

// Visible reports whether events from the named agent reach the client.
// Events without an agent attribution are always visible, and a workflow
// that declares no visual_agents shows every agent.
func (w *WorkflowConfig) Visible(agent string) bool {
	if agent == "" || len(w.visualSet) == 0 {
		return true
	}
	return w.visualSet[agent]
}

// DerivedVarsTriggeredBy returns variables with an agent_text trigger
// targeting the given agent, paired with the matching trigger.
func (w *WorkflowConfig) DerivedVarsTriggeredBy(agent string) []VarTrigger {
	var out []VarTrigger
	for _, v := range w.ContextVariables {
		if v.Type != VarDerived {
			continue
		}
		for i := range v.Triggers {
			tr := &v.Triggers[i]
			if tr.Kind == TriggerAgentText && tr.Agent == agent {
				out = append(out, VarTrigger{Variable: v, Trigger: tr})
			}
		}
	}
	return out
}

// UIResponseTriggersFor returns variables with a ui_response trigger bound
// to the given tool, paired with the matching trigger.
func (w *WorkflowConfig) UIResponseTriggersFor(tool string) []VarTrigger {
	var out []VarTrigger
	for _, v := range w.ContextVariables {
		if v.Type != VarDerived {
			continue
		}
		for i := range v.Triggers {
			tr := &v.Triggers[i]
			if tr.Kind == TriggerUIResponse && tr.Tool == tool {
				out = append(out, VarTrigger{Variable: v, Trigger: tr})
			}
		}
	}
	return out
}

// VarTrigger pairs a variable with one of its triggers.
type VarTrigger struct {
	Variable *ContextVariableSpec
	Trigger  *TriggerSpec
}
