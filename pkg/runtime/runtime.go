// Package runtime owns the live-session table: it launches a goroutine
// per chat session, registers the session with the transport so events
// reach clients, exposes the handler the transport routes client input
// through, and cancels sessions on abort or shutdown. At startup it
// sweeps sessions a previous process left non-terminal.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/metrics"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/orchestrator"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/tools"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/transport"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

var (
	// ErrRateLimited rejects a session start that exceeds the tenant's
	// start budget.
	ErrRateLimited = errors.New("session start rate limit exceeded")

	// ErrDraining rejects session starts after Stop has begun.
	ErrDraining = errors.New("runtime is draining")

	// ErrCapacity rejects session starts beyond the concurrent-session cap.
	ErrCapacity = errors.New("concurrent session capacity reached")
)

// Workflows resolves workflow names to loaded configurations.
type Workflows interface {
	Get(name string) (*workflow.WorkflowConfig, error)
}

// SessionService is the slice of the session service the runtime needs.
type SessionService interface {
	CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, bool, error)
	GetSession(ctx context.Context, tenantID, chatID string) (*models.Session, error)
	UpdateStatus(ctx context.Context, tenantID, chatID string, status models.SessionStatus, failureReason string) error
	ListRunning(ctx context.Context, tenantID string) ([]*models.Session, error)
}

// Tenants enumerates known tenants for the startup orphan sweep.
type Tenants interface {
	ListTenants(ctx context.Context) (map[string]string, error)
}

// Transport is the slice of the transport manager the runtime drives:
// sessions are registered before the first event is delivered and
// unregistered when the run goroutine exits.
type Transport interface {
	Register(chatID, tenantID string, wf *workflow.WorkflowConfig, epoch, seq int)
	Unregister(chatID string)
}

// Config bounds session admission.
type Config struct {
	// MaxConcurrent caps live sessions across all tenants. Zero means
	// unlimited.
	MaxConcurrent int

	// StartsPerMinute is the per-tenant session-start refill rate.
	// Zero disables rate limiting.
	StartsPerMinute float64

	// StartBurst is the per-tenant token bucket size.
	StartBurst int
}

// activeSession is one row of the live-session table. session is nil
// between slot reservation and orchestrator construction; LiveSession
// treats that window as not yet live.
type activeSession struct {
	chatID   string
	tenantID string
	session  *orchestrator.Session
	cancel   context.CancelFunc
}

// Runtime launches and tracks live sessions. It implements
// transport.SessionControl.
type Runtime struct {
	orc       *orchestrator.Orchestrator
	workflows Workflows
	sessions  SessionService
	tenants   Tenants
	transport Transport
	metrics   *metrics.Metrics
	limiter   *tenantLimiter
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	active   map[string]*activeSession
	draining bool
	wg       sync.WaitGroup
}

// New assembles the runtime. metrics may be nil in tests.
func New(orc *orchestrator.Orchestrator, workflows Workflows, sessions SessionService, tenants Tenants, tr Transport, m *metrics.Metrics, cfg Config) *Runtime {
	return &Runtime{
		orc:       orc,
		workflows: workflows,
		sessions:  sessions,
		tenants:   tenants,
		transport: tr,
		metrics:   m,
		limiter:   newTenantLimiter(cfg.StartsPerMinute, cfg.StartBurst),
		cfg:       cfg,
		logger:    slog.With("component", "runtime"),
		active:    make(map[string]*activeSession),
	}
}

// StartSession creates or revives a session and launches its run
// goroutine. The call is idempotent on (tenant, chat): re-posting an
// in-flight or terminal chat returns the stored row with existing=true
// and does not launch a second run. A non-terminal stored session with
// no live goroutine (a prior process died mid-run, or the orphan sweep
// has not caught it yet) is relaunched from its persisted state.
func (r *Runtime) StartSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, bool, error) {
	if !r.limiter.allow(req.TenantID) {
		return nil, false, fmt.Errorf("tenant %s: %w", req.TenantID, ErrRateLimited)
	}

	wf, err := r.workflows.Get(req.WorkflowName)
	if err != nil {
		return nil, false, err
	}

	sess, existing, err := r.sessions.CreateSession(ctx, req)
	if err != nil {
		return nil, false, err
	}

	if existing {
		if r.isActive(sess.ChatID) {
			return sess, true, nil
		}
		if sess.Terminal() {
			return sess, true, nil
		}
		r.logger.Info("Relaunching detached session",
			"tenant_id", sess.TenantID, "chat_id", sess.ChatID, "status", sess.Status)
	}

	if err := r.launch(sess, wf); err != nil {
		return nil, existing, err
	}
	return sess, existing, nil
}

func (r *Runtime) isActive(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[chatID]
	return ok
}

// launch reserves a table slot, wires the transport, and starts the run
// goroutine. The slot is reserved before the orchestrator session is
// built so a concurrent start of the same chat loses cleanly.
func (r *Runtime) launch(sess *models.Session, wf *workflow.WorkflowConfig) error {
	runCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		cancel()
		return ErrDraining
	}
	if r.cfg.MaxConcurrent > 0 && len(r.active) >= r.cfg.MaxConcurrent {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("%w (%d live)", ErrCapacity, r.cfg.MaxConcurrent)
	}
	if _, ok := r.active[sess.ChatID]; ok {
		// Lost the race to another start of the same chat; that run wins.
		r.mu.Unlock()
		cancel()
		return nil
	}
	entry := &activeSession{chatID: sess.ChatID, tenantID: sess.TenantID, cancel: cancel}
	r.active[sess.ChatID] = entry
	r.mu.Unlock()

	registry := tools.NewRegistry(wf, tools.Builtins())
	if err := registry.Init(runCtx); err != nil {
		r.logger.Warn("Tool registry init reported errors",
			"chat_id", sess.ChatID, "error", err)
	}

	// Registered before the first event so nothing is delivered into a
	// missing transport entry.
	r.transport.Register(sess.ChatID, sess.TenantID, wf, sess.Epoch, sess.SequenceCounter)

	s := r.orc.NewSession(runCtx, sess, wf, registry)

	r.mu.Lock()
	entry.session = s
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
	}
	r.logger.Info("Session launched",
		"tenant_id", sess.TenantID, "chat_id", sess.ChatID,
		"workflow", wf.Name, "epoch", sess.Epoch)

	r.wg.Add(1)
	go r.run(runCtx, s, registry, cancel)
	return nil
}

// run executes one session to completion and tears its row down.
func (r *Runtime) run(ctx context.Context, s *orchestrator.Session, registry *tools.Registry, cancel context.CancelFunc) {
	defer r.wg.Done()

	err := s.Run(ctx)
	if err != nil {
		r.logger.Error("Session run failed",
			"tenant_id", s.TenantID(), "chat_id", s.ChatID(), "error", err)
	}

	r.mu.Lock()
	delete(r.active, s.ChatID())
	r.mu.Unlock()

	r.transport.Unregister(s.ChatID())
	if cerr := registry.Close(); cerr != nil {
		r.logger.Warn("Tool registry close failed", "chat_id", s.ChatID(), "error", cerr)
	}
	cancel()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
	}
	r.logger.Info("Session run finished", "tenant_id", s.TenantID(), "chat_id", s.ChatID())
}

// LiveSession returns the input handler for a running session.
// Implements transport.SessionControl.
func (r *Runtime) LiveSession(chatID string) (transport.SessionHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[chatID]
	if !ok || a.session == nil {
		return nil, false
	}
	return a.session, true
}

// Abort marks the session failed with the transport's reason, then
// cancels it. The status write lands first: the run goroutine's own
// finish path writes a generic cancelled failure, and the session
// service ignores status writes into terminal rows, so the specific
// reason recorded here survives. Implements transport.SessionControl.
func (r *Runtime) Abort(chatID, reason string) {
	r.mu.Lock()
	a, ok := r.active[chatID]
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWrite()
	if err := r.sessions.UpdateStatus(ctx, a.tenantID, chatID, models.StatusFailed, reason); err != nil {
		r.logger.Error("Abort status write failed",
			"tenant_id", a.tenantID, "chat_id", chatID, "error", err)
	}

	a.cancel()
	r.logger.Warn("Session aborted", "tenant_id", a.tenantID, "chat_id", chatID, "reason", reason)
}

// Cancel triggers context cancellation for a live session. Returns true
// if the session was found on this process. Unlike Abort, the session's
// own finish path decides the terminal status.
func (r *Runtime) Cancel(chatID string) bool {
	r.mu.Lock()
	a, ok := r.active[chatID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	a.cancel()
	r.logger.Info("Session cancellation requested", "chat_id", chatID)
	return true
}

// ActiveCount reports live-session table size, for health surfaces.
func (r *Runtime) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Stop refuses new starts, cancels every live session, and waits for
// run goroutines to finish. Returns an error if sessions are still
// draining when ctx expires.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	entries := make([]*activeSession, 0, len(r.active))
	chatIDs := make([]string, 0, len(r.active))
	for _, a := range r.active {
		entries = append(entries, a)
		chatIDs = append(chatIDs, a.chatID)
	}
	r.mu.Unlock()

	if len(entries) > 0 {
		r.logger.Info("Stopping runtime, cancelling live sessions",
			"count", len(entries), "chat_ids", chatIDs)
	}
	for _, a := range entries {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("Runtime stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runtime stop: %d sessions still draining: %w", r.ActiveCount(), ctx.Err())
	}
}
