package config

import "fmt"

// Validate checks the merged configuration for values no subsystem can
// run with. The first problem found is returned, prefixed with its
// section.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		err  error
	}{
		{"database", c.Database.validate()},
		{"server", c.Server.validate()},
		{"transport", c.Transport.validate()},
		{"llm", c.LLM.validate()},
		{"workflows", c.Workflows.validate()},
		{"cleanup", c.Cleanup.validate()},
		{"engine", c.Engine.validate()},
		{"runtime", c.Runtime.validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			return fmt.Errorf("%s: %w", s.name, s.err)
		}
	}
	return nil
}

func (c DatabaseConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("max_open_conns must be at least 1, got %d", c.MaxOpenConns)
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns must be non-negative, got %d", c.MaxIdleConns)
	}
	return nil
}

func (c ServerConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

func (c TransportConfig) validate() error {
	if c.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.OutboundQueue < 1 {
		return fmt.Errorf("outbound_queue must be positive, got %d", c.OutboundQueue)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive, got %s", c.HeartbeatTimeout)
	}
	if c.ResumeTimeout <= 0 {
		return fmt.Errorf("resume_timeout must be positive, got %s", c.ResumeTimeout)
	}
	return nil
}

func (c LLMConfig) validate() error {
	if c.APIKeyEnv == "" {
		return fmt.Errorf("api_key_env is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

func (c WorkflowsConfig) validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	return nil
}

func (c CleanupConfig) validate() error {
	if c.Interval < 0 {
		return fmt.Errorf("interval must be non-negative, got %s", c.Interval)
	}
	if c.Interval > 0 && c.Retention <= 0 {
		return fmt.Errorf("retention must be positive when the sweep is enabled, got %s", c.Retention)
	}
	return nil
}

func (c EngineConfig) validate() error {
	if c.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be at least 1, got %d", c.MaxTurns)
	}
	if c.MaxToolIterations < 1 {
		return fmt.Errorf("max_tool_iterations must be at least 1, got %d", c.MaxToolIterations)
	}
	return nil
}

func (c RuntimeConfig) validate() error {
	if c.MaxConcurrentSessions < 0 {
		return fmt.Errorf("max_concurrent_sessions must be non-negative, got %d", c.MaxConcurrentSessions)
	}
	if c.StartsPerMinute < 0 {
		return fmt.Errorf("starts_per_minute must be non-negative, got %g", c.StartsPerMinute)
	}
	if c.StartsPerMinute > 0 && c.StartBurst < 1 {
		return fmt.Errorf("start_burst must be at least 1 when rate limiting is enabled, got %d", c.StartBurst)
	}
	return nil
}
