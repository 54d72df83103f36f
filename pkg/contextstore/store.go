// Package contextstore holds the per-session typed variable store that
// handoff conditions read and triggers write. Values live in memory for
// the session's lifetime; a snapshot rides along in the persisted
// conversation state so resume restores them.
package contextstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/contextstore/expr"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// QueryRunner resolves database-sourced variables at session start.
// Implementations run the configured query and return the first row's
// first column.
type QueryRunner interface {
	QueryValue(ctx context.Context, query string) (any, error)
}

type entry struct {
	value     any
	writtenAt time.Time
}

// Store is a per-session context variable store. All methods are safe for
// concurrent use; writes are atomic per key.
type Store struct {
	cfg    *workflow.WorkflowConfig
	logger *slog.Logger

	mu     sync.RWMutex
	values map[string]entry
}

// New creates an empty store bound to a workflow config. Call Init to
// populate static, environment, and database variables.
func New(cfg *workflow.WorkflowConfig) *Store {
	return &Store{
		cfg:    cfg,
		logger: slog.With("component", "context_store", "workflow", cfg.Name),
		values: make(map[string]entry),
	}
}

// Init populates source-backed variables. Derived variables start unset.
// A database variable whose query fails stays unset: conditions reading
// it evaluate false instead of failing the session.
func (s *Store) Init(ctx context.Context, db QueryRunner) {
	for _, v := range s.cfg.ContextVariables {
		switch v.Type {
		case workflow.VarStatic:
			s.Set(v.Name, v.Value)
		case workflow.VarEnvironment:
			s.Set(v.Name, os.Getenv(v.Env))
		case workflow.VarDatabase:
			if db == nil {
				s.logger.Warn("no query runner configured, database variable stays unset", "variable", v.Name)
				continue
			}
			value, err := db.QueryValue(ctx, v.Query)
			if err != nil {
				s.logger.Warn("database variable query failed, variable stays unset",
					"variable", v.Name, "error", err)
				continue
			}
			s.Set(v.Name, value)
		}
	}
}

// Get returns the current value for name.
func (s *Store) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.values[name]
	return e.value, ok
}

// Set writes value under name and records the write time.
func (s *Store) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = entry{value: value, writtenAt: time.Now().UTC()}
}

// WrittenAt returns when name was last written.
func (s *Store) WrittenAt(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.values[name]
	return e.writtenAt, ok
}

// ExposeFor returns the variables the named agent may see in its prompt,
// per each variable's exposed_to list. Unset variables are omitted.
func (s *Store) ExposeFor(agent string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any)
	for _, v := range s.cfg.ContextVariables {
		if !slices.Contains(v.ExposedTo, agent) {
			continue
		}
		if e, ok := s.values[v.Name]; ok {
			out[v.Name] = e.value
		}
	}
	return out
}

// EvaluateExpression substitutes ${name} references from bindings (first)
// and the store (second), then evaluates the result as a boolean
// condition. Unresolved references substitute as empty text; any parse or
// type error makes the condition false.
func (s *Store) EvaluateExpression(template string, bindings map[string]any) bool {
	substituted := s.SubstituteTemplate(template, bindings)
	result, err := expr.Eval(substituted)
	if err != nil {
		s.logger.Debug("condition did not evaluate, treating as false",
			"template", template, "error", err)
		return false
	}
	return result
}

// SubstituteTemplate resolves ${name} references from bindings (first) and
// the store (second) without evaluating the result. Natural-language
// handoff prompts use this to inline current values before the text is
// sent to a model.
func (s *Store) SubstituteTemplate(template string, bindings map[string]any) string {
	return expr.Substitute(template, func(name string) (string, bool) {
		if v, ok := bindings[name]; ok {
			return formatValue(v), true
		}
		if v, ok := s.Get(name); ok {
			return formatValue(v), true
		}
		return "", false
	})
}

// Snapshot copies the current values for inclusion in saved conversation
// state.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for name, e := range s.values {
		out[name] = e.value
	}
	return out
}

// Restore writes a snapshot back, keeping any value already present that
// the snapshot does not name.
func (s *Store) Restore(values map[string]any) {
	for name, value := range values {
		s.Set(name, value)
	}
}

// formatValue renders a value as expression text. Strings substitute
// verbatim; the expression grammar reads bare words as strings, so
// ${phase} == done works without quoting.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
