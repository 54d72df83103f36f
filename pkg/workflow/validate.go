package workflow

import (
	"fmt"
	"regexp"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/contextstore/expr"
)

// validationResult collects every failure so authors see the full report
// at once instead of fixing errors one reload at a time.
type validationResult struct {
	errors   []error
	warnings []string
}

func (r *validationResult) add(file, entity, field string, err error) {
	r.errors = append(r.errors, NewValidationError(file, entity, field, err))
}

func (r *validationResult) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

// validateConfig cross-checks all manifests. Schema validation has
// already run per file; this layer checks references between files and
// the constraints a JSON Schema cannot express.
func validateConfig(cfg *WorkflowConfig) *validationResult {
	v := &validationResult{}

	agents := make(map[string]*AgentSpec)
	for _, a := range cfg.Agents {
		if _, dup := agents[a.Name]; dup {
			v.add(fileAgents, a.Name, "name", fmt.Errorf("%w: duplicate agent name", ErrInvalidValue))
			continue
		}
		agents[a.Name] = a
	}

	tools := make(map[string]*ToolSpec)
	for _, t := range cfg.Tools {
		if _, dup := tools[t.Name]; dup {
			v.add(fileTools, t.Name, "name", fmt.Errorf("%w: duplicate tool name", ErrInvalidValue))
			continue
		}
		tools[t.Name] = t
	}

	servers := make(map[string]*MCPServerSpec)
	for _, s := range cfg.MCPServers {
		if _, dup := servers[s.ID]; dup {
			v.add(fileMCPServers, s.ID, "id", fmt.Errorf("%w: duplicate server id", ErrInvalidValue))
			continue
		}
		servers[s.ID] = s
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				v.add(fileMCPServers, s.ID, "command", fmt.Errorf("%w: stdio transport requires a command", ErrMissingRequiredField))
			}
		case "http":
			if s.URL == "" {
				v.add(fileMCPServers, s.ID, "url", fmt.Errorf("%w: http transport requires a url", ErrMissingRequiredField))
			}
		}
	}

	vars := make(map[string]*ContextVariableSpec)
	for _, cv := range cfg.ContextVariables {
		if _, dup := vars[cv.Name]; dup {
			v.add(fileContextVariables, cv.Name, "name", fmt.Errorf("%w: duplicate variable name", ErrInvalidValue))
			continue
		}
		vars[cv.Name] = cv
	}

	v.checkTools(cfg, servers)
	v.checkAgents(cfg, tools)
	v.checkContextVariables(cfg, agents, tools)
	v.checkHandoffs(cfg, agents, vars)
	v.checkStructuredOutputs(cfg, agents, tools)
	v.checkOrchestrator(cfg, agents, vars)
	v.warnConditionTiming(cfg, agents, vars)

	return v
}

func (r *validationResult) checkAgents(cfg *WorkflowConfig, tools map[string]*ToolSpec) {
	for _, a := range cfg.Agents {
		for _, toolName := range a.Tools {
			if _, ok := tools[toolName]; !ok {
				r.add(fileAgents, a.Name, "tools", fmt.Errorf("%w: unknown tool %q", ErrInvalidReference, toolName))
			}
		}
	}
}

func (r *validationResult) checkTools(cfg *WorkflowConfig, servers map[string]*MCPServerSpec) {
	for _, t := range cfg.Tools {
		switch t.Type {
		case ToolUI:
			if t.UI == nil {
				r.add(fileTools, t.Name, "ui", fmt.Errorf("%w: ui tools need a component binding", ErrMissingRequiredField))
			}
			if t.Impl != nil {
				r.add(fileTools, t.Name, "impl", fmt.Errorf("%w: ui tools are client-rendered and take no impl", ErrInvalidValue))
			}
		case ToolBackend:
			if t.UI != nil {
				r.add(fileTools, t.Name, "ui", fmt.Errorf("%w: backend tools take no ui binding", ErrInvalidValue))
			}
			if t.Impl == nil {
				r.add(fileTools, t.Name, "impl", fmt.Errorf("%w: backend tools need an impl binding", ErrMissingRequiredField))
				continue
			}
			switch t.Impl.Kind {
			case "builtin":
				if t.Impl.Name == "" {
					r.add(fileTools, t.Name, "impl.name", fmt.Errorf("%w: builtin impl requires a function name", ErrMissingRequiredField))
				}
			case "mcp":
				if t.Impl.Server == "" {
					r.add(fileTools, t.Name, "impl.server", fmt.Errorf("%w: mcp impl requires a server id", ErrMissingRequiredField))
				} else if _, ok := servers[t.Impl.Server]; !ok {
					r.add(fileTools, t.Name, "impl.server", fmt.Errorf("%w: unknown mcp server %q", ErrInvalidReference, t.Impl.Server))
				}
			}
		}
	}
}

func (r *validationResult) checkContextVariables(cfg *WorkflowConfig, agents map[string]*AgentSpec, tools map[string]*ToolSpec) {
	for _, cv := range cfg.ContextVariables {
		switch cv.Type {
		case VarStatic:
			if cv.Value == nil {
				r.add(fileContextVariables, cv.Name, "value", fmt.Errorf("%w: static variables need a value", ErrMissingRequiredField))
			}
		case VarEnvironment:
			if cv.Env == "" {
				r.add(fileContextVariables, cv.Name, "env", fmt.Errorf("%w: environment variables need an env name", ErrMissingRequiredField))
			}
		case VarDatabase:
			if cv.Query == "" {
				r.add(fileContextVariables, cv.Name, "query", fmt.Errorf("%w: database variables need a query", ErrMissingRequiredField))
			}
		case VarDerived:
			if len(cv.Triggers) == 0 {
				r.add(fileContextVariables, cv.Name, "triggers", fmt.Errorf("%w: derived variables need at least one trigger", ErrMissingRequiredField))
			}
		}
		if cv.Type != VarDerived && len(cv.Triggers) > 0 {
			r.add(fileContextVariables, cv.Name, "triggers", fmt.Errorf("%w: only derived variables take triggers", ErrInvalidValue))
		}
		for i := range cv.Triggers {
			r.checkTrigger(cv, &cv.Triggers[i], agents, tools)
		}
		for _, agentName := range cv.ExposedTo {
			if _, ok := agents[agentName]; !ok {
				r.add(fileContextVariables, cv.Name, "exposed_to", fmt.Errorf("%w: unknown agent %q", ErrInvalidReference, agentName))
			}
		}
	}
}

func (r *validationResult) checkTrigger(cv *ContextVariableSpec, tr *TriggerSpec, agents map[string]*AgentSpec, tools map[string]*ToolSpec) {
	switch tr.Kind {
	case TriggerAgentText:
		if tr.Agent == "" {
			r.add(fileContextVariables, cv.Name, "triggers.agent", fmt.Errorf("%w: agent_text triggers name an agent", ErrMissingRequiredField))
		} else if _, ok := agents[tr.Agent]; !ok {
			r.add(fileContextVariables, cv.Name, "triggers.agent", fmt.Errorf("%w: unknown agent %q", ErrInvalidReference, tr.Agent))
		}
		if tr.Pattern == "" {
			r.add(fileContextVariables, cv.Name, "triggers.pattern", fmt.Errorf("%w: agent_text triggers need a pattern", ErrMissingRequiredField))
			return
		}
		switch tr.Match {
		case MatchRegex:
			compiled, err := regexp.Compile(tr.Pattern)
			if err != nil {
				r.add(fileContextVariables, cv.Name, "triggers.pattern", fmt.Errorf("%w: %v", ErrInvalidValue, err))
				return
			}
			tr.compiled = compiled
		case MatchEquals, MatchContains:
			if tr.Value == "" {
				r.add(fileContextVariables, cv.Name, "triggers.value", fmt.Errorf("%w: %s triggers need an explicit value", ErrMissingRequiredField, tr.Match))
			}
		case "":
			r.add(fileContextVariables, cv.Name, "triggers.match", fmt.Errorf("%w: agent_text triggers need a match strategy", ErrMissingRequiredField))
		}
	case TriggerUIResponse:
		if tr.Tool == "" {
			r.add(fileContextVariables, cv.Name, "triggers.tool", fmt.Errorf("%w: ui_response triggers name a tool", ErrMissingRequiredField))
		} else if spec, ok := tools[tr.Tool]; !ok {
			r.add(fileContextVariables, cv.Name, "triggers.tool", fmt.Errorf("%w: unknown tool %q", ErrInvalidReference, tr.Tool))
		} else if spec.Type != ToolUI {
			r.add(fileContextVariables, cv.Name, "triggers.tool", fmt.Errorf("%w: %q is not a ui tool", ErrInvalidValue, tr.Tool))
		}
		if tr.ResponseKey == "" {
			r.add(fileContextVariables, cv.Name, "triggers.response_key", fmt.Errorf("%w: ui_response triggers need a response_key", ErrMissingRequiredField))
		}
	}
}

func (r *validationResult) checkHandoffs(cfg *WorkflowConfig, agents map[string]*AgentSpec, vars map[string]*ContextVariableSpec) {
	for _, h := range cfg.Handoffs {
		entity := fmt.Sprintf("%s -> %s", h.SourceAgent, h.TargetAgent)
		if _, ok := agents[h.SourceAgent]; !ok {
			r.add(fileHandoffs, entity, "source_agent", fmt.Errorf("%w: unknown agent %q", ErrInvalidReference, h.SourceAgent))
		}
		if h.TargetAgent != TargetUser && h.TargetAgent != TargetTerminate {
			if _, ok := agents[h.TargetAgent]; !ok {
				r.add(fileHandoffs, entity, "target_agent", fmt.Errorf("%w: unknown agent %q", ErrInvalidReference, h.TargetAgent))
			}
		}

		// Normalize: a condition without a declared type is an expression;
		// string_llm defaults its truthy marker to "yes".
		if h.Condition != "" && h.ConditionType == "" {
			h.ConditionType = ConditionExpression
		}
		if h.ConditionType == ConditionStringLLM && h.TruthyMatch == "" {
			h.TruthyMatch = "yes"
		}
		if h.ConditionType != "" && h.Condition == "" {
			r.add(fileHandoffs, entity, "condition", fmt.Errorf("%w: condition_type %q requires a condition", ErrMissingRequiredField, h.ConditionType))
			continue
		}
		if h.ConditionType == ConditionExpression && h.Condition != "" {
			for _, name := range expr.Referenced(h.Condition) {
				if _, ok := vars[name]; !ok {
					r.add(fileHandoffs, entity, "condition", fmt.Errorf("%w: unknown context variable %q", ErrInvalidReference, name))
				}
			}
			if err := expr.Check(placeholderSubstitute(h.Condition)); err != nil {
				r.add(fileHandoffs, entity, "condition", fmt.Errorf("%w: %v", ErrInvalidValue, err))
			}
		}
	}
}

func (r *validationResult) checkStructuredOutputs(cfg *WorkflowConfig, agents map[string]*AgentSpec, tools map[string]*ToolSpec) {
	seen := make(map[string]bool)
	for _, o := range cfg.StructuredOutputs {
		if seen[o.Agent] {
			r.add(fileStructuredOutputs, o.Agent, "agent", fmt.Errorf("%w: duplicate output for agent", ErrInvalidValue))
			continue
		}
		seen[o.Agent] = true
		if _, ok := agents[o.Agent]; !ok {
			r.add(fileStructuredOutputs, o.Agent, "agent", fmt.Errorf("%w: unknown agent %q", ErrInvalidReference, o.Agent))
		}
		for _, toolName := range o.UITools {
			spec, ok := tools[toolName]
			if !ok {
				r.add(fileStructuredOutputs, o.Agent, "ui_tools", fmt.Errorf("%w: unknown tool %q", ErrInvalidReference, toolName))
			} else if spec.Type != ToolUI {
				r.add(fileStructuredOutputs, o.Agent, "ui_tools", fmt.Errorf("%w: %q is not a ui tool", ErrInvalidValue, toolName))
			}
		}
	}
	for _, a := range cfg.Agents {
		if a.StructuredOutputsRequired && !seen[a.Name] {
			r.add(fileAgents, a.Name, "structured_outputs_required", fmt.Errorf("%w: no entry in %s", ErrInvalidReference, fileStructuredOutputs))
		}
	}
}

func (r *validationResult) checkOrchestrator(cfg *WorkflowConfig, agents map[string]*AgentSpec, vars map[string]*ContextVariableSpec) {
	oc := cfg.Orchestrator
	for _, name := range oc.VisualAgents {
		if _, ok := agents[name]; !ok {
			r.add(fileOrchestrator, name, "visual_agents", fmt.Errorf("%w: unknown agent %q", ErrInvalidReference, name))
		}
	}
	if oc.StartupMode == StartupAgentDriven && oc.InitialMessage == "" {
		r.add(fileOrchestrator, string(oc.StartupMode), "initial_message", fmt.Errorf("%w: AgentDriven startup needs an initial_message", ErrMissingRequiredField))
	}
	if trigger := oc.Termination.ContextVariableTrigger; trigger != "" {
		for _, name := range expr.Referenced(trigger) {
			if _, ok := vars[name]; !ok {
				r.add(fileOrchestrator, "termination_conditions", "context_variable_trigger", fmt.Errorf("%w: unknown context variable %q", ErrInvalidReference, name))
			}
		}
		if err := expr.Check(placeholderSubstitute(trigger)); err != nil {
			r.add(fileOrchestrator, "termination_conditions", "context_variable_trigger", fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
	}
}

// warnConditionTiming flags the stale-read shape: a text-timed condition
// handoff reading a variable whose only writers are ui_response triggers
// from a tool the source agent owns. Such a condition sees the value from
// before the tool completed; the rule should be after_work (or carry
// condition_scope "pre").
func (r *validationResult) warnConditionTiming(cfg *WorkflowConfig, agents map[string]*AgentSpec, vars map[string]*ContextVariableSpec) {
	for _, h := range cfg.Handoffs {
		if h.HandoffType != HandoffCondition || h.ConditionScope == "pre" || h.Condition == "" {
			continue
		}
		source, ok := agents[h.SourceAgent]
		if !ok {
			continue
		}
		sourceTools := make(map[string]bool, len(source.Tools))
		for _, t := range source.Tools {
			sourceTools[t] = true
		}
		for _, name := range expr.Referenced(h.Condition) {
			cv, ok := vars[name]
			if !ok || cv.Type != VarDerived || len(cv.Triggers) == 0 {
				continue
			}
			onlyOwnUIResponses := true
			for _, tr := range cv.Triggers {
				if tr.Kind != TriggerUIResponse || !sourceTools[tr.Tool] {
					onlyOwnUIResponses = false
					break
				}
			}
			if onlyOwnUIResponses {
				r.warnf("handoff %s -> %s: condition reads %q, which is only written by a ui_response from a tool of %s; a condition handoff evaluates before the tool completes, declare it after_work",
					h.SourceAgent, h.TargetAgent, name, h.SourceAgent)
			}
		}
	}
}

// placeholderSubstitute swaps ${refs} for a bare identifier so the
// expression can be syntax-checked without live values.
func placeholderSubstitute(template string) string {
	return expr.Substitute(template, func(string) (string, bool) { return "_v", true })
}
