package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
)

// resume runs the replay handshake for one client.resume message: load
// the persisted tail past the client's last applied sequence number,
// replay it with the original envelope types marked replay, emit the
// boundary frame, then restart live numbering from 1 under a fresh
// epoch.
//
// The entry lock is held for the whole handshake, so live deliveries
// park until the boundary is out and pick up post-boundary numbers. A
// lastClientIndex of 0 means full history, every epoch in order.
func (m *Manager) resume(c *conn, lastClientIndex int) {
	entry := c.entry
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, m.cfg.ResumeTimeout)
	defer cancel()

	outcome := "failed"
	if m.metrics != nil {
		defer func() { m.metrics.ResumeReplays.WithLabelValues(outcome).Inc() }()
	}

	sess, err := m.sessions.GetSession(ctx, c.params.TenantID, c.params.ChatID)
	if err != nil {
		m.logger.Error("resume failed to read session",
			"chat_id", c.params.ChatID, "error", err)
		c.sendError(events.CodeResumeFailed, "session lookup failed", "", true)
		return
	}
	if lastClientIndex > sess.SequenceCounter {
		c.sendError(events.CodeResumeFailed,
			fmt.Sprintf("last applied seq %d is beyond the stream (highest %d)",
				lastClientIndex, sess.SequenceCounter), "", true)
		return
	}

	stored, err := m.log.LoadEventsSince(ctx, c.params.TenantID, c.params.ChatID, lastClientIndex)
	if err != nil {
		m.logger.Error("resume failed to load events",
			"chat_id", c.params.ChatID, "error", err)
		c.sendError(events.CodeResumeFailed, "event log read failed", "", true)
		return
	}

	for _, st := range stored {
		ok := c.send(ctx, events.Envelope{
			Type:   events.WireType(st.Event.Kind()),
			Data:   st.Event,
			Seq:    st.Seq,
			ChatID: c.params.ChatID,
			Corr:   st.Corr,
			Replay: true,
			TS:     st.TS.UTC().Format(time.RFC3339Nano),
		})
		if !ok {
			return
		}
	}

	// Boundary: the stream restarts after this frame. Seq 0 keeps it
	// outside both the old and the new numbering.
	ok := c.send(ctx, events.Envelope{
		Type:   events.WireType(events.KindResumeBoundary),
		Data:   events.ResumeBoundary{},
		ChatID: c.params.ChatID,
		TS:     events.Now(),
	})
	if !ok {
		return
	}

	epoch, err := m.sessions.BumpEpoch(ctx, c.params.TenantID, c.params.ChatID)
	if err != nil {
		// The boundary is on the wire but the durable counter did not
		// reset. The client must treat this stream as broken and
		// re-handshake.
		m.logger.Error("resume failed to reset sequence counter",
			"chat_id", c.params.ChatID, "error", err)
		c.sendError(events.CodeResumeFailed, "sequence reset failed", "", true)
		return
	}
	entry.epoch = epoch
	entry.seq = 0

	if len(stored) > 0 {
		outcome = "replayed"
	} else {
		outcome = "empty"
	}
	m.logger.Info("resume replay complete", "chat_id", c.params.ChatID,
		"since", lastClientIndex, "replayed", len(stored), "epoch", epoch)
}
