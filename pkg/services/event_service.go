package services

import (
	"context"
	"fmt"
	"time"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/database"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
)

// EventService manages the per-tenant append-only event log. It is the
// dispatcher's EventStore: appends run on the dispatcher's writer
// goroutine, after the event has already been delivered.
type EventService struct {
	client *database.Client
}

// NewEventService creates a new EventService.
func NewEventService(client *database.Client) *EventService {
	return &EventService{client: client}
}

// StoredEvent is one replayable row from the event log. Corr and TS come
// from the row, not the content blob: correlation IDs are envelope
// metadata and never part of the wire data.
type StoredEvent struct {
	Epoch int
	Seq   int
	Corr  string
	TS    time.Time
	Event events.Event
}

// AppendEvent persists one dispatched event and advances the session's
// durable counters in the same transaction. Hidden events arrive with
// seq 0 and never move the counter.
func (s *EventService) AppendEvent(ctx context.Context, tenantID, chatID string, epoch, seq int, e events.Event) error {
	schema, err := s.client.EnsureTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	content, err := events.Encode(e)
	if err != nil {
		return err
	}
	meta := events.MetaOf(e)

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.events (chat_id, epoch, seq, kind, agent, content, corr, hidden)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8)`, schema),
		chatID, epoch, seq, string(e.Kind()), meta.Agent, content, meta.Corr, meta.Hidden,
	)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	// The counter only advances for the session's current epoch: persist
	// writes run behind delivery, so a leftover write from the previous
	// epoch can land after a resume bumped the epoch and must not taint
	// the fresh counter. Epoch itself moves only via BumpEpoch.
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s.sessions
		 SET sequence_counter = CASE WHEN epoch = $3 THEN GREATEST(sequence_counter, $2) ELSE sequence_counter END,
		     updated_at = now()
		 WHERE chat_id = $1`, schema),
		chatID, seq, epoch,
	)
	if err != nil {
		return fmt.Errorf("failed to advance session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event append: %w", err)
	}
	return nil
}

// LoadEventsSince returns replayable (non-hidden) events with seq >
// sinceSeq from the session's current epoch, in seq order. sinceSeq 0 is
// the full-history case: every epoch, ordered by (epoch, seq). Ordering
// by seq rather than row id matters because appends are asynchronous and
// row ids can interleave.
func (s *EventService) LoadEventsSince(ctx context.Context, tenantID, chatID string, sinceSeq int) ([]StoredEvent, error) {
	schema, err := s.client.EnsureTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT epoch, seq, kind, content, COALESCE(corr, ''), created_at FROM %s.events
		 WHERE chat_id = $1 AND NOT hidden
		   AND epoch = (SELECT epoch FROM %s.sessions WHERE chat_id = $1)
		   AND seq > $2
		 ORDER BY seq`, schema, schema)
	args := []any{chatID, sinceSeq}
	if sinceSeq == 0 {
		query = fmt.Sprintf(
			`SELECT epoch, seq, kind, content, COALESCE(corr, ''), created_at FROM %s.events
			 WHERE chat_id = $1 AND NOT hidden
			 ORDER BY epoch, seq`, schema)
		args = []any{chatID}
	}

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			epoch, seq int
			kind, corr string
			content    []byte
			ts         time.Time
		)
		if err := rows.Scan(&epoch, &seq, &kind, &content, &corr, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e, err := events.Decode(events.Kind(kind), content)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored event seq=%d: %w", seq, err)
		}
		out = append(out, StoredEvent{Epoch: epoch, Seq: seq, Corr: corr, TS: ts, Event: e})
	}
	return out, rows.Err()
}

// CleanupTerminalSessions deletes events, usage, state, and session rows
// for terminal sessions whose last update is older than the TTL. Returns
// the number of sessions purged.
func (s *EventService) CleanupTerminalSessions(ctx context.Context, tenantID string, ttl time.Duration) (int, error) {
	schema, err := s.client.EnsureTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-ttl)

	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.client.DB().BeginTx(writeCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	expired := fmt.Sprintf(
		`SELECT chat_id FROM %s.sessions
		 WHERE status IN ('completed', 'failed') AND updated_at < $1`, schema)

	for _, table := range []string{"events", "usage_totals", "conversation_state"} {
		_, err = tx.ExecContext(writeCtx, fmt.Sprintf(
			`DELETE FROM %s.%s WHERE chat_id IN (%s)`, schema, table, expired), cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(writeCtx, fmt.Sprintf(
		`DELETE FROM %s.sessions WHERE chat_id IN (%s)`, schema, expired), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return int(purged), nil
}
