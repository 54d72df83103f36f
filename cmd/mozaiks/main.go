// Mozaiks runtime server: serves the session HTTP API, streams session
// events over WebSocket, and orchestrates multi-agent workflow runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/api"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/cleanup"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/config"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/contextstore"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/coordinator"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/database"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/llm"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/metrics"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/orchestrator"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/runtime"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/services"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/transport"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/version"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_PATH", "./config.yaml"),
		"Path to configuration file")
	flag.Parse()

	// Load .env if present; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting mozaiks runtime",
		"version", version.Full(),
		"config", *configPath)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to PostgreSQL and run platform migrations
	dbClient, err := database.NewClient(ctx, databaseConfig(cfg.Database))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Discover workflow manifests
	registry := workflow.NewRegistry(cfg.Workflows.Root)
	if err := registry.Discover(); err != nil {
		slog.Error("Failed to discover workflows", "root", cfg.Workflows.Root, "error", err)
		os.Exit(1)
	}
	slog.Info("Workflows discovered", "count", len(registry.List()), "root", cfg.Workflows.Root)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if cfg.Workflows.WatchEnabled() {
		go func() {
			if err := registry.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
				slog.Error("Workflow watcher stopped", "error", err)
			}
		}()
		slog.Info("Workflow hot reload enabled")
	}

	// 4. Domain services and metrics
	m := metrics.New()
	sessionService := services.NewSessionService(dbClient)
	eventService := services.NewEventService(dbClient)
	usageService := services.NewUsageService(dbClient)
	stateService := services.NewStateService(dbClient)
	slog.Info("Services initialized")

	// 5. LLM provider
	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	provider, err := llm.NewOpenAIProvider(llm.Config{
		APIKey:      apiKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		CallTimeout: cfg.LLM.CallTimeout.Std(),
	})
	if err != nil {
		slog.Error("Failed to initialize LLM provider", "key_env", cfg.LLM.APIKeyEnv, "error", err)
		os.Exit(1)
	}
	slog.Info("LLM provider initialized", "model", cfg.LLM.Model)

	// 6. Streaming infrastructure: transport manager + event dispatcher.
	// The runtime is bound to the transport below, after both exist.
	tm := transport.NewManager(nil, sessionService, eventService, m, transport.Config{
		BufferSize:        cfg.Transport.BufferSize,
		OutboundQueue:     cfg.Transport.OutboundQueue,
		WriteTimeout:      cfg.Transport.WriteTimeout.Std(),
		HeartbeatInterval: cfg.Transport.HeartbeatInterval.Std(),
		HeartbeatTimeout:  cfg.Transport.HeartbeatTimeout.Std(),
		ResumeTimeout:     cfg.Transport.ResumeTimeout.Std(),
	})
	dispatcher := events.NewDispatcher(tm, eventService, m.Observer())

	// 7. Orchestrator and session runtime
	orc := orchestrator.New(provider, dispatcher, orchestrator.Stores{
		Sessions: sessionService,
		Usage:    usageService,
		State:    stateService,
		Queries: func(tenantID string) contextstore.QueryRunner {
			return services.NewTenantQueryRunner(dbClient, tenantID)
		},
	}, m, orchestrator.Config{
		Engine: engine.Config{
			MaxTurns:          cfg.Engine.MaxTurns,
			MaxToolIterations: cfg.Engine.MaxToolIterations,
		},
		Coordinator: coordinator.Config{
			InputTimeout:  cfg.Coordinator.InputTimeout.Std(),
			UIToolTimeout: cfg.Coordinator.UIToolTimeout.Std(),
		},
		Models:  cfg.LLM.Models,
		Pricing: pricing(cfg.LLM.Pricing),
	})

	rt := runtime.New(orc, registry, sessionService, dbClient, tm, m, runtime.Config{
		MaxConcurrent:   cfg.Runtime.MaxConcurrentSessions,
		StartsPerMinute: cfg.Runtime.StartsPerMinute,
		StartBurst:      cfg.Runtime.StartBurst,
	})
	tm.BindControl(rt)
	slog.Info("Session runtime initialized")

	// 8. Mark sessions orphaned by the previous process
	if count, err := rt.RecoverOrphans(ctx); err != nil {
		slog.Error("Orphan recovery failed", "error", err)
		// Non-fatal; continue
	} else if count > 0 {
		slog.Info("Recovered orphaned sessions", "count", count)
	}

	// 9. Retention cleanup
	cleanupService := cleanup.NewService(cfg.Cleanup, dbClient, eventService)
	cleanupService.Start(ctx)

	// 10. Start HTTP server (non-blocking)
	httpServer := api.NewServer(cfg.Server, dbClient, sessionService, usageService, rt, registry, tm)
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Mozaiks runtime started", "port", cfg.Server.Port)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: cancel sessions and let their final events
	// flush, close sockets with a going-away code, then drain HTTP.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	cleanupService.Stop()

	if err := rt.Stop(shutdownCtx); err != nil {
		slog.Warn("Session drain incomplete; remaining sessions will be orphan-recovered", "error", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		slog.Warn("Event persistence drain incomplete", "error", err)
	}
	tm.Shutdown()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// databaseConfig maps the YAML section onto the database client's config.
func databaseConfig(c config.DatabaseConfig) database.Config {
	return database.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Database:        c.Database,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: c.ConnMaxIdleTime.Std(),
	}
}

// pricing maps the YAML pricing table onto the orchestrator's.
func pricing(table map[string]config.ModelPrice) orchestrator.Pricing {
	out := make(orchestrator.Pricing, len(table))
	for model, price := range table {
		out[model] = orchestrator.ModelPrice{
			InputPerMTok:  price.InputPerMTok,
			OutputPerMTok: price.OutputPerMTok,
		}
	}
	return out
}
