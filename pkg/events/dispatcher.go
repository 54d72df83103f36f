package events

import (
	"context"
	"log/slog"
	"time"
)

// TransportSink is the outbound side of the dispatcher: it applies
// visibility filters, assigns the sequence number, and enqueues the
// envelope (or buffers it pre-connect). Implemented by transport.Manager.
type TransportSink interface {
	Deliver(ctx context.Context, chatID string, e Event) Assignment
}

// Assignment is the transport's verdict on one event.
type Assignment struct {
	Epoch     int
	Seq       int  // 0 when not delivered
	Delivered bool // false when a visibility filter dropped the event
}

// EventStore is the persistence side. Implemented by services.EventService.
type EventStore interface {
	AppendEvent(ctx context.Context, tenantID, chatID string, epoch, seq int, e Event) error
}

// Observer receives every dispatched event for logging/metrics. It must
// not block.
type Observer interface {
	Observe(tenantID, chatID string, e Event, delivered bool)
}

// Dispatcher is the single entry point for events produced by a session's
// run loop. It classifies each event and fans out:
//
//	runtime  → transport (seq assignment + delivery) then persistence
//	ui_tool  → same as runtime; corr rides the envelope
//	business → observer only
//
// Delivery is synchronous; persistence is decoupled through a single
// writer goroutine so a slow or failing store never blocks the stream.
// A lost persistence write is logged and accepted (the client may observe
// a gap on replay and re-handshake from 0).
//
// Dispatch calls for one chat_id must never be concurrent: they come
// from the session's run loop, or from a resolver goroutine the loop is
// parked on, whose dispatches are ordered against the loop's by that
// parking. The per-session ordering is what makes the stream FIFO per
// chat_id.
type Dispatcher struct {
	transport TransportSink
	store     EventStore
	observer  Observer
	logger    *slog.Logger

	persistCh chan persistJob
	doneCh    chan struct{}
}

type persistJob struct {
	tenantID string
	chatID   string
	epoch    int
	seq      int
	event    Event
}

// persistQueueSize bounds the persistence backlog. On overflow the write
// is dropped and logged; delivery has already happened.
const persistQueueSize = 1024

// persistWriteTimeout caps one event append. Writes run behind the
// delivery path, so a generous budget costs latency only in the log.
const persistWriteTimeout = 10 * time.Second

// NewDispatcher creates a dispatcher and starts its persistence writer.
// observer may be nil.
func NewDispatcher(transport TransportSink, store EventStore, observer Observer) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		store:     store,
		observer:  observer,
		logger:    slog.With("component", "dispatcher"),
		persistCh: make(chan persistJob, persistQueueSize),
		doneCh:    make(chan struct{}),
	}
	go d.persistLoop()
	return d
}

// Dispatch routes one event for the given session.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, chatID string, e Event) {
	if e.Kind() == KindLifecycle {
		if d.observer != nil {
			d.observer.Observe(tenantID, chatID, e, false)
		}
		return
	}

	asn := d.transport.Deliver(ctx, chatID, e)
	if d.observer != nil {
		d.observer.Observe(tenantID, chatID, e, asn.Delivered)
	}

	// Hidden events persist (seq 0) without delivery; events dropped by a
	// visibility filter are not persisted at all. The persisted log is the
	// post-filter stream.
	if !asn.Delivered && !MetaOf(e).Hidden {
		return
	}

	select {
	case d.persistCh <- persistJob{tenantID: tenantID, chatID: chatID, epoch: asn.Epoch, seq: asn.Seq, event: e}:
	default:
		d.logger.Error("persistence queue full, dropping event write",
			"chat_id", chatID, "kind", e.Kind(), "seq", asn.Seq)
	}
}

func (d *Dispatcher) persistLoop() {
	defer close(d.doneCh)
	for job := range d.persistCh {
		// Fresh timeout per write; the session context may already be gone.
		ctx, cancel := context.WithTimeout(context.Background(), persistWriteTimeout)
		if err := d.store.AppendEvent(ctx, job.tenantID, job.chatID, job.epoch, job.seq, job.event); err != nil {
			d.logger.Error("event append failed",
				"chat_id", job.chatID, "kind", job.event.Kind(), "seq", job.seq, "error", err)
		}
		cancel()
	}
}

// Close stops the persistence writer after draining queued writes, or
// returns early when ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	close(d.persistCh)
	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
