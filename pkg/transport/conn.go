package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
)

// ConnParams identify one accepted WebSocket connection, straight from
// the endpoint path /ws/{workflow}/{tenant}/{chat_id}/{user}.
type ConnParams struct {
	WorkflowName string
	TenantID     string
	ChatID       string
	UserID       string
}

// conn wraps one WebSocket connection. Every frame leaves through a
// single writer goroutine: the backlog (pre-connect buffer handed over at
// attach) first, then the outbound queue, preserving emission order.
type conn struct {
	ws     *websocket.Conn
	params ConnParams
	entry  *sessionEntry

	ctx    context.Context
	cancel context.CancelFunc

	backlog  []events.Envelope
	outbound chan events.Envelope

	writeTimeout time.Duration
	logger       *slog.Logger

	closeOnce sync.Once
}

func newConn(ctx context.Context, ws *websocket.Conn, params ConnParams, entry *sessionEntry, cfg Config) *conn {
	cctx, cancel := context.WithCancel(ctx)
	return &conn{
		ws:           ws,
		params:       params,
		entry:        entry,
		ctx:          cctx,
		cancel:       cancel,
		outbound:     make(chan events.Envelope, cfg.OutboundQueue),
		writeTimeout: cfg.WriteTimeout,
		logger:       slog.With("component", "transport", "chat_id", params.ChatID),
	}
}

// enqueue queues an envelope without blocking. A full queue means the
// client cannot keep up: the connection closes and the envelope is
// dropped here; it is already persisted and comes back on resume.
func (c *conn) enqueue(env events.Envelope) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.outbound <- env:
		return true
	default:
		c.logger.Warn("outbound queue full, closing slow connection", "queue", cap(c.outbound))
		c.close(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

// send queues an envelope, waiting for space. Replay uses it so a long
// backlog flows at the client's read pace; ctx bounds the wait.
func (c *conn) send(ctx context.Context, env events.Envelope) bool {
	select {
	case c.outbound <- env:
		return true
	case <-c.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// sendError emits a connection-scoped chat.error frame. Seq 0 marks it
// as outside the session stream; it is never persisted.
func (c *conn) sendError(code, message, details string, recoverable bool) {
	c.enqueue(events.Envelope{
		Type:   events.WireType(events.KindError),
		Data:   events.Error{Message: message, Code: code, Details: details, Recoverable: recoverable},
		ChatID: c.params.ChatID,
		TS:     events.Now(),
	})
}

// writeLoop is the only goroutine that writes frames.
func (c *conn) writeLoop() {
	for _, env := range c.backlog {
		if !c.write(env) {
			return
		}
	}
	c.backlog = nil
	for {
		select {
		case env := <-c.outbound:
			if !c.write(env) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) write(env events.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal envelope", "type", env.Type, "error", err)
		return true
	}
	wctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, data); err != nil {
		if c.ctx.Err() == nil {
			c.logger.Debug("websocket write failed", "type", env.Type, "error", err)
		}
		c.close(websocket.StatusNormalClosure, "")
		return false
	}
	return true
}

// heartbeat pings on an interval and closes the connection when the pong
// does not arrive within the timeout. Pongs are only processed while the
// read loop is active, which holds for the connection's whole life.
func (c *conn) heartbeat(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(c.ctx, timeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Info("heartbeat missed, closing connection", "error", err)
				}
				c.close(websocket.StatusPolicyViolation, "heartbeat missed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// close shuts the connection down exactly once and wakes every goroutine
// parked on its context.
func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}
