package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Builtins returns the stock in-process tools every workflow may bind
// to. Deployments append their own before building the registry.
func Builtins() []Builtin {
	return []Builtin{
		{
			Name:        "current_time",
			Description: "Returns the current time in UTC. Optional 'format' argument accepts a Go layout string.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"format": map[string]any{"type": "string"},
				},
			},
			Fn: currentTime,
		},
		{
			Name:        "generate_uuid",
			Description: "Generates a random UUID.",
			Parameters:  map[string]any{"type": "object"},
			Fn: func(context.Context, map[string]any, Session) (any, error) {
				return uuid.NewString(), nil
			},
		},
		{
			Name:        "echo",
			Description: "Returns its arguments unchanged. Useful for passing structured data through a tool turn.",
			Parameters: map[string]any{
				"type":                 "object",
				"additionalProperties": true,
			},
			Fn: func(_ context.Context, args map[string]any, _ Session) (any, error) {
				return args, nil
			},
		},
	}
}

func currentTime(_ context.Context, args map[string]any, _ Session) (any, error) {
	layout := time.RFC3339
	if raw, ok := args["format"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("format must be a string")
		}
		if s != "" {
			layout = s
		}
	}
	return time.Now().UTC().Format(layout), nil
}
