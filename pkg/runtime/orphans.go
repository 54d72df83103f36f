package runtime

import (
	"context"
	"fmt"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
)

// orphanReason is the failure reason stamped on sessions a previous
// process left non-terminal. Clients polling such a chat see a failed
// session rather than one that hangs forever.
const orphanReason = "orphaned_by_restart"

// RecoverOrphans marks every non-terminal session as failed. Call once
// at startup, before any session launches: with a single process, any
// session found running or waiting for input at boot belongs to a dead
// predecessor and will never make progress again. Returns the number of
// sessions recovered.
func (r *Runtime) RecoverOrphans(ctx context.Context) (int, error) {
	tenants, err := r.tenants.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tenants: %w", err)
	}

	recovered := 0
	for tenantID := range tenants {
		sessions, err := r.sessions.ListRunning(ctx, tenantID)
		if err != nil {
			r.logger.Error("Orphan scan failed for tenant",
				"tenant_id", tenantID, "error", err)
			continue
		}
		for _, sess := range sessions {
			if err := r.sessions.UpdateStatus(ctx, tenantID, sess.ChatID, models.StatusFailed, orphanReason); err != nil {
				r.logger.Error("Failed to recover orphaned session",
					"tenant_id", tenantID, "chat_id", sess.ChatID, "error", err)
				continue
			}
			r.logger.Warn("Recovered orphaned session",
				"tenant_id", tenantID, "chat_id", sess.ChatID,
				"previous_status", sess.Status)
			recovered++
		}
	}

	if recovered > 0 {
		r.logger.Info("Orphan recovery complete", "recovered", recovered)
	}
	return recovered, nil
}
