// Package e2e exercises the assembled service over real HTTP and
// WebSocket connections, with a scripted model provider standing in for
// the LLM backend and a real PostgreSQL database underneath.
package e2e

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/api"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/config"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/contextstore"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/coordinator"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/database"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/metrics"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/orchestrator"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/runtime"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/services"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/transport"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/test/util"
)

// testMetrics backs every TestApp in this package. Collectors register
// on the process-wide default registry exactly once, so the instance is
// shared across tests rather than rebuilt per app.
var testMetrics = metrics.New()

// scriptedPricing prices the scripted provider's synthetic model so the
// cost accounting path produces non-zero numbers.
var scriptedPricing = orchestrator.Pricing{
	"scripted": {InputPerMTok: 1.0, OutputPerMTok: 2.0},
}

// defaultWorkflowFiles is a minimal valid manifest set. Tests override
// individual files per workflow.
var defaultWorkflowFiles = map[string]string{
	"agents.json":             `{"agents": [{"name": "solo", "system_message": "Assist."}]}`,
	"tools.json":              `{"tools": []}`,
	"handoffs.json":           `{"handoffs": []}`,
	"context_variables.json":  `{"variables": []}`,
	"structured_outputs.json": `{"outputs": []}`,
	"orchestrator.json":       `{"startup_mode": "AgentDriven", "visual_agents": [], "initial_message": "Begin."}`,
}

// TestApp is the fully wired service under test.
type TestApp struct {
	t *testing.T

	DB        *database.Client
	Provider  *llm.ScriptedProvider
	Registry  *workflow.Registry
	Sessions  *services.SessionService
	Events    *services.EventService
	Usage     *services.UsageService
	Transport *transport.Manager
	Runtime   *runtime.Runtime
	Server    *api.Server

	// TenantID is a schema-safe tenant unique to this test.
	TenantID string
	BaseURL  string
	WSURL    string
}

type testAppConfig struct {
	workflows   map[string]map[string]string
	provider    *llm.ScriptedProvider
	coordinator coordinator.Config
}

// TestAppOption customizes the app under test.
type TestAppOption func(*testAppConfig)

// WithWorkflow adds a workflow assembled from the default manifest files
// plus the given per-file overrides.
func WithWorkflow(name string, overrides map[string]string) TestAppOption {
	return func(c *testAppConfig) { c.workflows[name] = overrides }
}

// WithProvider substitutes a pre-scripted model provider.
func WithProvider(p *llm.ScriptedProvider) TestAppOption {
	return func(c *testAppConfig) { c.provider = p }
}

// WithInputTimeout bounds how long agents wait for user replies.
func WithInputTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.coordinator.InputTimeout = d }
}

// WithUIToolTimeout bounds how long UI tool calls wait for the client.
func WithUIToolTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.coordinator.UIToolTimeout = d }
}

// NewTestApp assembles the full stack on a random local port. The
// database container is shared per package; every test gets its own
// tenant schema. Cleanup drains sessions, flushes the event log, and
// closes sockets in the same order the server's shutdown path does.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	cfg := &testAppConfig{workflows: map[string]map[string]string{}}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.provider == nil {
		cfg.provider = llm.NewScriptedProvider()
	}
	if len(cfg.workflows) == 0 {
		cfg.workflows["assist"] = nil
	}

	// 1. Database client with platform migrations applied.
	dbClient := util.NewTestClient(t)

	// 2. Workflow manifests on disk, discovered into a registry.
	root := t.TempDir()
	for name, overrides := range cfg.workflows {
		writeWorkflow(t, root, name, overrides)
	}
	registry := workflow.NewRegistry(root)
	require.NoError(t, registry.Discover())

	// 3. Domain services.
	sessionService := services.NewSessionService(dbClient)
	eventService := services.NewEventService(dbClient)
	usageService := services.NewUsageService(dbClient)
	stateService := services.NewStateService(dbClient)

	// 4. Transport manager and event dispatcher. The runtime is bound to
	// the transport once both exist.
	tm := transport.NewManager(nil, sessionService, eventService, testMetrics, transport.Config{})
	dispatcher := events.NewDispatcher(tm, eventService, testMetrics.Observer())

	// 5. Orchestrator over the scripted provider.
	orc := orchestrator.New(cfg.provider, dispatcher, orchestrator.Stores{
		Sessions: sessionService,
		Usage:    usageService,
		State:    stateService,
		Queries: func(tenantID string) contextstore.QueryRunner {
			return services.NewTenantQueryRunner(dbClient, tenantID)
		},
	}, testMetrics, orchestrator.Config{
		Coordinator: cfg.coordinator,
		Pricing:     scriptedPricing,
	})

	// 6. Session runtime, bound back to the transport.
	rt := runtime.New(orc, registry, sessionService, dbClient, tm, testMetrics, runtime.Config{})
	tm.BindControl(rt)

	// 7. HTTP server on a random port.
	server := api.NewServer(config.ServerConfig{}, dbClient, sessionService, usageService, rt, registry, tm)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.StartWithListener(ln) }()

	app := &TestApp{
		t:         t,
		DB:        dbClient,
		Provider:  cfg.provider,
		Registry:  registry,
		Sessions:  sessionService,
		Events:    eventService,
		Usage:     usageService,
		Transport: tm,
		Runtime:   rt,
		Server:    server,
		TenantID:  util.UniqueTenantID(t),
		BaseURL:   "http://" + ln.Addr().String(),
		WSURL:     "ws://" + ln.Addr().String(),
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = rt.Stop(shutdownCtx)
		_ = dispatcher.Close(shutdownCtx)
		tm.Shutdown()
		_ = server.Shutdown(shutdownCtx)
	})
	return app
}

func writeWorkflow(t *testing.T, root, name string, overrides map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for file, content := range defaultWorkflowFiles {
		if override, ok := overrides[file]; ok {
			content = override
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	}
}
