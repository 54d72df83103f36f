// Package cleanup provides data retention enforcement.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/config"
)

// Tenants lists the registered tenants to sweep.
type Tenants interface {
	ListTenants(ctx context.Context) (map[string]string, error)
}

// Purger removes one tenant's expired terminal sessions and their
// events, usage, and state rows.
type Purger interface {
	CleanupTerminalSessions(ctx context.Context, tenantID string, ttl time.Duration) (int, error)
}

// Service periodically purges terminal sessions older than the retention
// window, tenant by tenant. Deletion is idempotent and safe to run from
// multiple pods.
type Service struct {
	cfg     config.CleanupConfig
	tenants Tenants
	purger  Purger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg config.CleanupConfig, tenants Tenants, purger Purger) *Service {
	return &Service{
		cfg:     cfg,
		tenants: tenants,
		purger:  purger,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"retention", s.cfg.Retention.Std(),
		"interval", s.cfg.Interval.Std())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep purges every tenant once. A failing tenant is logged and skipped
// so one broken schema cannot stall retention for the rest.
func (s *Service) sweep(ctx context.Context) {
	tenants, err := s.tenants.ListTenants(ctx)
	if err != nil {
		slog.Error("Retention: tenant listing failed", "error", err)
		return
	}

	for tenantID := range tenants {
		count, err := s.purger.CleanupTerminalSessions(ctx, tenantID, s.cfg.Retention.Std())
		if err != nil {
			slog.Error("Retention: session purge failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if count > 0 {
			slog.Info("Retention: purged terminal sessions", "tenant_id", tenantID, "count", count)
		}
	}
}
