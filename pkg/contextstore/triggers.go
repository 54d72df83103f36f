package contextstore

import (
	"strings"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// ApplyAgentText evaluates agent_text triggers against a text turn the
// named agent just produced and writes every matching variable. It runs
// on the session goroutine, before the next event is dispatched, so a
// handoff condition evaluated right after the text sees the new values.
// Returns the names written, in manifest order.
func (s *Store) ApplyAgentText(agent, text string) []string {
	var written []string
	for _, vt := range s.cfg.DerivedVarsTriggeredBy(agent) {
		value, ok := matchAgentText(vt.Trigger, text)
		if !ok {
			continue
		}
		s.Set(vt.Variable.Name, value)
		s.logger.Debug("agent text trigger fired",
			"variable", vt.Variable.Name, "agent", agent, "match", vt.Trigger.Match)
		written = append(written, vt.Variable.Name)
	}
	return written
}

func matchAgentText(tr *workflow.TriggerSpec, text string) (string, bool) {
	switch tr.Match {
	case workflow.MatchRegex:
		re := tr.Regexp()
		if re == nil {
			return "", false
		}
		m := re.FindStringSubmatch(text)
		if m == nil {
			return "", false
		}
		return regexValue(tr.Value, m), true
	case workflow.MatchEquals:
		if strings.TrimSpace(text) == tr.Pattern {
			return tr.Value, true
		}
	case workflow.MatchContains:
		if strings.Contains(text, tr.Pattern) {
			return tr.Value, true
		}
	}
	return "", false
}

// regexValue resolves the written value for a regex trigger: "$1".."$9"
// reads a capture group, empty reads the first group (or the whole match
// when the pattern has none), anything else is a constant.
func regexValue(value string, m []string) string {
	if len(value) == 2 && value[0] == '$' && value[1] >= '1' && value[1] <= '9' {
		group := int(value[1] - '0')
		if group < len(m) {
			return m[group]
		}
		return ""
	}
	if value == "" {
		if len(m) > 1 {
			return m[1]
		}
		return m[0]
	}
	return value
}

// ApplyUIResponse evaluates ui_response triggers when the named UI tool
// resolves with a client payload. The coordinator calls this before it
// completes the pending tool call, so after_work handoff conditions see
// the values the user just submitted. Returns the names written.
func (s *Store) ApplyUIResponse(tool string, payload map[string]any) []string {
	var written []string
	for _, vt := range s.cfg.UIResponseTriggersFor(tool) {
		value, ok := lookupPath(payload, vt.Trigger.ResponseKey)
		if !ok {
			s.logger.Debug("ui response missing trigger key",
				"variable", vt.Variable.Name, "tool", tool, "response_key", vt.Trigger.ResponseKey)
			continue
		}
		s.Set(vt.Variable.Name, value)
		written = append(written, vt.Variable.Name)
	}
	return written
}

// lookupPath walks a dotted path ("review.approved") through nested JSON
// objects.
func lookupPath(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
