// Package transport owns the WebSocket side of a session: the outbound
// stream (visibility filters, sequence assignment, pre-connect buffering,
// per-connection write queues) and the inbound messages a client sends
// (input submissions, UI tool results, resume handshakes).
//
// One Manager serves the whole process. It implements events.TransportSink,
// so the dispatcher hands it every runtime event. Deliver runs on the
// session's dispatch path and never blocks on socket I/O: frames go
// through a bounded per-connection queue drained by a single writer
// goroutine, and a full queue closes the connection (the client recovers
// everything it missed through the resume handshake).
package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/metrics"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/models"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/services"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/workflow"
)

// Config tunes the transport. Zero values fall back to the documented
// defaults.
type Config struct {
	// BufferSize bounds the pre-connect event buffer per session.
	// Overflow fails the session. Default 256.
	BufferSize int

	// OutboundQueue is the per-connection write queue capacity. Live
	// delivery into a full queue closes the connection. Default 64.
	OutboundQueue int

	// WriteTimeout caps one WebSocket write. Default 10s.
	WriteTimeout time.Duration

	// HeartbeatInterval is the server ping cadence. Default 30s.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout bounds the wait for a pong before the connection
	// is declared dead. Default 10s.
	HeartbeatTimeout time.Duration

	// ResumeTimeout bounds one resume handshake end to end, persistence
	// reads included. Default 30s.
	ResumeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.ResumeTimeout <= 0 {
		c.ResumeTimeout = 30 * time.Second
	}
	return c
}

// SessionHandler is the inbound face of a live session.
type SessionHandler interface {
	HandleInput(ctx context.Context, requestID, text string) error
	HandleUIResponse(ctx context.Context, callID string, payload map[string]any) error
}

// SessionControl resolves live sessions for inbound routing and aborts
// sessions the transport can no longer serve. Implemented by the runtime
// session table.
type SessionControl interface {
	LiveSession(chatID string) (SessionHandler, bool)
	Abort(chatID, reason string)
}

// SessionStore is the slice of the session service the resume handshake
// needs.
type SessionStore interface {
	GetSession(ctx context.Context, tenantID, chatID string) (*models.Session, error)
	BumpEpoch(ctx context.Context, tenantID, chatID string) (int, error)
}

// EventLog loads persisted events for replay.
type EventLog interface {
	LoadEventsSince(ctx context.Context, tenantID, chatID string, sinceSeq int) ([]services.StoredEvent, error)
}

// Manager is the process-wide transport: the connection table, the
// outbound delivery sink, and the inbound router.
type Manager struct {
	control  SessionControl
	sessions SessionStore
	log      EventLog
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*sessionEntry
}

// NewManager creates the transport manager. metrics may be nil.
func NewManager(control SessionControl, sessions SessionStore, log EventLog, m *metrics.Metrics, cfg Config) *Manager {
	return &Manager{
		control:  control,
		sessions: sessions,
		log:      log,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		logger:   slog.With("component", "transport"),
		entries:  make(map[string]*sessionEntry),
	}
}

// BindControl attaches the session control after construction. The
// runtime and the transport reference each other, so main constructs the
// transport first and binds the runtime before serving traffic.
func (m *Manager) BindControl(control SessionControl) {
	m.control = control
}

// sessionEntry is the per-session transport state. mu orders everything
// that touches the outbound stream: sequence assignment, buffering,
// connection attach/detach, and the resume handshake. Holding it across
// the whole handshake is what parks live deliveries until the boundary
// frame is out.
type sessionEntry struct {
	chatID   string
	tenantID string

	mu       sync.Mutex
	wf       *workflow.WorkflowConfig // nil while no live session is registered
	epoch    int
	seq      int // last assigned sequence number
	conn     *conn
	buffer   []events.Envelope // pre-connect FIFO, bounded by Config.BufferSize
	overflow bool              // buffer overflowed; the session is being aborted
}

// visible applies the visual_agents allowlist.
func (e *sessionEntry) visible(agent string) bool {
	return e.wf.Visible(agent)
}

// autoToolText reports whether a text event from this agent duplicates
// its imminent tool call. Agents running in auto tool mode always follow
// their text with the designated component call, so the text never
// reaches the wire.
func (e *sessionEntry) autoToolText(agent string) bool {
	if agent == "" {
		return false
	}
	spec, ok := e.wf.Agent(agent)
	return ok && spec.AutoToolMode
}

// entryFor returns the session's entry, creating a detached one (no
// workflow, no counters) for connections to sessions that are not live.
func (m *Manager) entryFor(chatID, tenantID string) *sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[chatID]
	if !ok {
		e = &sessionEntry{chatID: chatID, tenantID: tenantID}
		m.entries[chatID] = e
	}
	return e
}

// Register announces a live session. The workflow drives the visibility
// filters; epoch and seq seed the counters from the session row. A
// connection attached before registration keeps streaming seamlessly.
func (m *Manager) Register(chatID, tenantID string, wf *workflow.WorkflowConfig, epoch, seq int) {
	e := m.entryFor(chatID, tenantID)
	e.mu.Lock()
	e.wf = wf
	e.epoch = epoch
	e.seq = seq
	e.overflow = false
	e.mu.Unlock()
}

// Unregister drops a session's entry once its run has fully finished. An
// attached connection keeps its pointer and can still resume from the
// persisted log; later connects get a fresh detached entry.
func (m *Manager) Unregister(chatID string) {
	m.mu.Lock()
	delete(m.entries, chatID)
	m.mu.Unlock()
}

// Deliver implements events.TransportSink. It applies the visibility
// filters in order (allowlist, auto-tool text dedup, hidden), assigns the
// next sequence number to anything that passes, and hands the envelope to
// the connection's write queue, or the pre-connect buffer when no client
// is attached. Buffer overflow fails the session; later events still get
// sequence numbers so the persisted log stays complete.
func (m *Manager) Deliver(ctx context.Context, chatID string, e events.Event) events.Assignment {
	m.mu.RLock()
	entry := m.entries[chatID]
	m.mu.RUnlock()
	if entry == nil {
		m.logger.Warn("event for unknown session dropped", "chat_id", chatID, "kind", e.Kind())
		return events.Assignment{}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.wf == nil {
		m.logger.Warn("event for unregistered session dropped", "chat_id", chatID, "kind", e.Kind())
		return events.Assignment{Epoch: entry.epoch}
	}

	meta := events.MetaOf(e)
	if !entry.visible(meta.Agent) {
		return events.Assignment{Epoch: entry.epoch}
	}
	if e.Kind() == events.KindText && entry.autoToolText(meta.Agent) {
		return events.Assignment{Epoch: entry.epoch}
	}
	if meta.Hidden {
		// Persisted with seq 0, never delivered.
		return events.Assignment{Epoch: entry.epoch}
	}

	entry.seq++
	env := events.Envelope{
		Type:   events.WireType(e.Kind()),
		Data:   e,
		Seq:    entry.seq,
		ChatID: chatID,
		Corr:   meta.Corr,
		TS:     events.Now(),
	}
	asn := events.Assignment{Epoch: entry.epoch, Seq: entry.seq, Delivered: true}

	if entry.conn != nil {
		if !entry.conn.enqueue(env) {
			// The queue overflow closed the connection. The event is in
			// the log, so the client recovers it on resume.
			entry.conn = nil
		}
		return asn
	}

	if entry.overflow {
		return asn
	}
	if len(entry.buffer) >= m.cfg.BufferSize {
		entry.overflow = true
		m.logger.Error("pre-connect buffer overflow, aborting session",
			"chat_id", chatID, "limit", m.cfg.BufferSize)
		m.control.Abort(chatID, "transport buffer overflow")
		return asn
	}
	entry.buffer = append(entry.buffer, env)
	return asn
}

// attach makes c the session's connection, superseding any prior one and
// handing it the buffered backlog. Returns the superseded connection, if
// any; the caller closes it outside the entry lock.
func (m *Manager) attach(entry *sessionEntry, c *conn) *conn {
	entry.mu.Lock()
	prev := entry.conn
	entry.conn = c
	c.backlog = entry.buffer
	entry.buffer = nil
	entry.mu.Unlock()
	return prev
}

// detach clears the connection slot if c still owns it.
func (m *Manager) detach(entry *sessionEntry, c *conn) {
	entry.mu.Lock()
	if entry.conn == c {
		entry.conn = nil
	}
	entry.mu.Unlock()
}

// ActiveConnections returns the number of attached WebSocket connections.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		e.mu.Lock()
		if e.conn != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Shutdown closes every connection with a going-away code. Session
// entries and their buffers stay intact; clients reconnect and resume
// after the restart.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		c := e.conn
		e.conn = nil
		e.mu.Unlock()
		if c != nil {
			c.close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}
