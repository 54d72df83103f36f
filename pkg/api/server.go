package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/config"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/database"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/runtime"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/services"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/transport"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// Server is the HTTP/WebSocket front of the runtime. It owns the Echo
// router and the underlying http.Server; everything stateful lives in
// the injected services.
type Server struct {
	echo   *echo.Echo
	server *http.Server
	cfg    config.ServerConfig

	dbClient  *database.Client
	sessions  *services.SessionService
	usage     *services.UsageService
	runtime   *runtime.Runtime
	workflows *workflow.Registry
	transport *transport.Manager
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg config.ServerConfig,
	dbClient *database.Client,
	sessions *services.SessionService,
	usage *services.UsageService,
	rt *runtime.Runtime,
	workflows *workflow.Registry,
	tm *transport.Manager,
) *Server {
	e := echo.New()
	e.Use(requestLogger())
	e.Use(securityHeaders())

	s := &Server{
		echo:      e,
		cfg:       cfg,
		dbClient:  dbClient,
		sessions:  sessions,
		usage:     usage,
		runtime:   rt,
		workflows: workflows,
		transport: tm,
	}
	s.registerRoutes()

	s.server = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout.Std(),
	}
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo

	// Session lifecycle.
	e.POST("/api/chats/:tenant/:workflow/start", s.startChatHandler)
	e.GET("/api/chats/:tenant/:workflow", s.listChatsHandler)
	e.GET("/api/chats/exists/:tenant/:workflow/:chat_id", s.chatExistsHandler)
	e.GET("/api/chats/meta/:tenant/:workflow/:chat_id", s.chatMetaHandler)

	// Operational surface.
	e.GET("/api/health", s.healthHandler)
	e.GET("/api/version", s.versionHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})
	e.GET("/metrics/perf/aggregate", s.perfAggregateHandler)
	e.GET("/metrics/perf/chats", s.perfChatsHandler)
	e.GET("/metrics/perf/chats/:chat_id", s.perfChatHandler)

	// Event streaming.
	e.GET("/ws/:workflow/:tenant/:chat_id/:user", s.wsHandler)
}

// Start begins serving on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.server.Addr = addr
	slog.Info("HTTP server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// StartWithListener serves on an existing listener. Tests use this to
// bind a random port before the server goroutine starts.
func (s *Server) StartWithListener(ln net.Listener) error {
	return s.server.Serve(ln)
}

// Shutdown drains in-flight requests. Open WebSocket connections are
// closed by the transport manager, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
