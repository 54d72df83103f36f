package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, expands {{.VAR}}
// references, merges it over Default(), and validates the result.
//
// A missing file is not an error: the defaults apply unchanged, which
// is the normal development setup. A present file only needs the
// fields it wants to change.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = ExpandEnv(data)
		var user Config
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		// Non-zero user fields win; everything unset keeps its default.
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	case os.IsNotExist(err):
		slog.Info("No configuration file, using defaults", "path", path)
	default:
		return nil, NewLoadError(path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	slog.Info("Configuration loaded",
		"path", path,
		"server_port", cfg.Server.Port,
		"db_host", cfg.Database.Host,
		"workflow_root", cfg.Workflows.Root,
		"llm_model", cfg.LLM.Model,
	)
	return cfg, nil
}
