package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrWorkflowNotFound indicates the named workflow is not in the registry
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrManifestMissing indicates a required manifest file is absent
	ErrManifestMissing = errors.New("manifest file missing")

	// ErrInvalidJSON indicates JSON parsing failed
	ErrInvalidJSON = errors.New("invalid JSON syntax")

	// ErrSchemaViolation indicates a manifest failed its JSON Schema
	ErrSchemaViolation = errors.New("manifest schema violation")

	// ErrInvalidReference indicates an invalid cross-reference between manifests
	ErrInvalidReference = errors.New("invalid manifest reference")

	// ErrMissingRequiredField indicates a required field is missing
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError wraps one manifest validation failure with context
type ValidationError struct {
	File   string // Manifest file (agents.json, handoffs.json, ...)
	Entity string // Named entity being validated (agent, tool, variable name)
	Field  string // Field name (optional)
	Err    error  // Underlying error
}

// Error returns formatted error message
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: '%s': field '%s': %v", e.File, e.Entity, e.Field, e.Err)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s: '%s': %v", e.File, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(file, entity, field string, err error) *ValidationError {
	return &ValidationError{File: file, Entity: entity, Field: field, Err: err}
}

// LoadError wraps a manifest loading failure with file context
type LoadError struct {
	File string // Manifest file being loaded
	Err  error  // Underlying error
}

// Error returns formatted error message
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error
func (e *LoadError) Unwrap() error {
	return e.Err
}

// ConfigInvalidError aggregates every validation failure found in one
// workflow so authors fix them in a single pass rather than one at a time.
type ConfigInvalidError struct {
	Workflow string
	Errors   []error
	Warnings []string
}

// Error lists all collected failures.
func (e *ConfigInvalidError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %q invalid (%d error(s)):", e.Workflow, len(e.Errors))
	for _, err := range e.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is/As.
func (e *ConfigInvalidError) Unwrap() []error {
	return e.Errors
}
