package config

import "time"

// Default returns the built-in configuration. Load merges the user's
// file over this, so every field here is the documented default.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "mozaiks",
			Database:        "mozaiks",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(time.Hour),
			ConnMaxIdleTime: Duration(15 * time.Minute),
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadHeaderTimeout: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(30 * time.Second),
		},
		Transport: TransportConfig{
			BufferSize:        256,
			OutboundQueue:     64,
			WriteTimeout:      Duration(10 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
			HeartbeatTimeout:  Duration(10 * time.Second),
			ResumeTimeout:     Duration(30 * time.Second),
		},
		Coordinator: CoordinatorConfig{
			InputTimeout:  Duration(30 * time.Minute),
			UIToolTimeout: Duration(10 * time.Minute),
		},
		LLM: LLMConfig{
			APIKeyEnv:   "OPENAI_API_KEY",
			Model:       "gpt-4o-mini",
			CallTimeout: Duration(2 * time.Minute),
		},
		Workflows: WorkflowsConfig{
			Root: "./workflows",
		},
		Cleanup: CleanupConfig{
			Retention: Duration(7 * 24 * time.Hour),
			Interval:  Duration(time.Hour),
		},
		Engine: EngineConfig{
			MaxTurns:          20,
			MaxToolIterations: 8,
		},
		Runtime: RuntimeConfig{
			MaxConcurrentSessions: 50,
			StartsPerMinute:       60,
			StartBurst:            20,
		},
	}
}
