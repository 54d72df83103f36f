package contextstore

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// TestMatchAgentTextProperties checks the text-trigger matcher against
// stdlib semantics over generated inputs.
func TestMatchAgentTextProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genPad := gen.OneConstOf("", " ", "  ", "\t", "\n", " \t ")

	properties.Property("contains agrees with strings.Contains", prop.ForAll(
		func(text, pattern, value string) bool {
			tr := &workflow.TriggerSpec{Match: workflow.MatchContains, Pattern: pattern, Value: value}
			got, ok := matchAgentText(tr, text)
			if ok != strings.Contains(text, pattern) {
				return false
			}
			return !ok || got == value
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("an embedded pattern always matches", prop.ForAll(
		func(prefix, pattern, suffix, value string) bool {
			tr := &workflow.TriggerSpec{Match: workflow.MatchContains, Pattern: pattern, Value: value}
			got, ok := matchAgentText(tr, prefix+pattern+suffix)
			return ok && got == value
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("equals ignores surrounding whitespace", prop.ForAll(
		func(core, value, left, right string) bool {
			tr := &workflow.TriggerSpec{Match: workflow.MatchEquals, Pattern: core, Value: value}
			got, ok := matchAgentText(tr, left+core+right)
			return ok && got == value
		},
		gen.AlphaString(),
		gen.AlphaString(),
		genPad,
		genPad,
	))

	properties.Property("equals rejects different text", prop.ForAll(
		func(core, extra string) bool {
			if extra == "" {
				return true
			}
			tr := &workflow.TriggerSpec{Match: workflow.MatchEquals, Pattern: core, Value: "v"}
			_, ok := matchAgentText(tr, core+"X"+extra)
			return !ok
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("an uncompiled regex trigger never matches", prop.ForAll(
		func(text string) bool {
			tr := &workflow.TriggerSpec{Match: workflow.MatchRegex, Pattern: "(done)", Value: "$1"}
			_, ok := matchAgentText(tr, text)
			return !ok
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestLookupPathProperties checks dotted-path traversal over generated
// nesting depths.
func TestLookupPathProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// nest builds {"a": {"b": {"c": leaf}}} for segments [a b c].
	nest := func(segments []string, leaf any) map[string]any {
		root := make(map[string]any)
		current := root
		for i, seg := range segments {
			if i == len(segments)-1 {
				current[seg] = leaf
				break
			}
			child := make(map[string]any)
			current[seg] = child
			current = child
		}
		return root
	}

	properties.Property("a stored leaf is found by its dotted path", prop.ForAll(
		func(segments []string, leaf string) bool {
			payload := nest(segments, leaf)
			got, ok := lookupPath(payload, strings.Join(segments, "."))
			return ok && got == leaf
		},
		gen.SliceOfN(3, gen.Identifier()),
		gen.AlphaString(),
	))

	properties.Property("descending past a leaf fails", prop.ForAll(
		func(segments []string, extra string) bool {
			payload := nest(segments, "leaf")
			path := strings.Join(segments, ".") + "." + extra
			_, ok := lookupPath(payload, path)
			return !ok
		},
		gen.SliceOfN(2, gen.Identifier()),
		gen.Identifier(),
	))

	properties.Property("a missing first segment fails", prop.ForAll(
		func(name string) bool {
			_, ok := lookupPath(map[string]any{}, name)
			return !ok
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
