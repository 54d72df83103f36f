// Package config loads the server configuration: one YAML file with
// {{.ENV_VAR}} template expansion, merged over built-in defaults so a
// partial file only has to name what it changes.
package config

// Config is the umbrella configuration object handed to main. Sections
// map one-to-one onto the subsystems they configure; main converts each
// into the subsystem's own config type at wiring time.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Server      ServerConfig      `yaml:"server"`
	Transport   TransportConfig   `yaml:"transport"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	LLM         LLMConfig         `yaml:"llm"`
	Workflows   WorkflowsConfig   `yaml:"workflows"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
	Engine      EngineConfig      `yaml:"engine"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
}

// DatabaseConfig carries PostgreSQL connection and pool settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// ServerConfig carries the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins are WebSocket origin patterns accepted on upgrade
	// in addition to same-host requests.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout bounds the whole graceful-shutdown sequence:
	// HTTP drain, session drain, and connection close.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// TransportConfig carries the WebSocket delivery settings.
type TransportConfig struct {
	// BufferSize bounds the pre-connect event buffer per chat. A chat
	// that overflows it is aborted.
	BufferSize int `yaml:"buffer_size"`

	// OutboundQueue bounds the per-connection write queue. A client
	// that falls this far behind is disconnected.
	OutboundQueue int `yaml:"outbound_queue"`

	WriteTimeout      Duration `yaml:"write_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
	ResumeTimeout     Duration `yaml:"resume_timeout"`
}

// CoordinatorConfig carries the deadlines for client interactions. A
// zero duration disables that deadline.
type CoordinatorConfig struct {
	// InputTimeout bounds how long an agent waits for user input.
	InputTimeout Duration `yaml:"input_timeout"`

	// UIToolTimeout bounds how long a UI tool call waits for the
	// client's component result.
	UIToolTimeout Duration `yaml:"ui_tool_timeout"`
}

// LLMConfig carries the model provider settings. The API key itself
// never appears in the file; APIKeyEnv names the environment variable
// that holds it.
type LLMConfig struct {
	APIKeyEnv   string   `yaml:"api_key_env"`
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	CallTimeout Duration `yaml:"call_timeout"`

	// Models maps a manifest llm_config profile name to the provider
	// model it selects.
	Models map[string]string `yaml:"models"`

	// Pricing maps model names to per-million-token prices for usage
	// accounting. Unlisted models cost zero.
	Pricing map[string]ModelPrice `yaml:"pricing"`
}

// ModelPrice is per-million-token pricing for one model.
type ModelPrice struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// WorkflowsConfig locates the workflow manifest tree.
type WorkflowsConfig struct {
	// Root is the directory whose subdirectories are workflows.
	Root string `yaml:"root"`

	// Watch enables manifest hot-reload via filesystem notifications.
	// Unset means enabled.
	Watch *bool `yaml:"watch"`
}

// WatchEnabled resolves the Watch tri-state.
func (w WorkflowsConfig) WatchEnabled() bool {
	if w.Watch == nil {
		return true
	}
	return *w.Watch
}

// CleanupConfig controls the terminal-session retention sweep. An
// Interval of zero disables the sweeper.
type CleanupConfig struct {
	// Retention is how long finished sessions stay before deletion.
	Retention Duration `yaml:"retention"`

	// Interval is how often the sweep runs.
	Interval Duration `yaml:"interval"`
}

// EngineConfig bounds conversation runs.
type EngineConfig struct {
	// MaxTurns is the default agent-turn cap for workflows that do not
	// set their own.
	MaxTurns int `yaml:"max_turns"`

	// MaxToolIterations caps model round-trips inside a single turn.
	MaxToolIterations int `yaml:"max_tool_iterations"`
}

// RuntimeConfig bounds session admission.
type RuntimeConfig struct {
	// MaxConcurrentSessions caps live sessions across all tenants.
	// Zero means unlimited.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// StartsPerMinute is the per-tenant session-start refill rate.
	// Zero disables rate limiting.
	StartsPerMinute float64 `yaml:"starts_per_minute"`

	// StartBurst is the per-tenant token bucket size.
	StartBurst int `yaml:"start_burst"`
}
