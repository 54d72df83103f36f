package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSEvent is one decoded stream frame with its envelope fields lifted
// out for assertions. Raw keeps the original bytes for debugging.
type WSEvent struct {
	Type     string
	Seq      int
	ChatID   string
	Corr     string
	Replay   bool
	Data     map[string]any
	Raw      []byte
	Received time.Time
}

// WSClient is a test WebSocket client that records every frame a
// connection receives, so tests can assert on the stream after the fact.
type WSClient struct {
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	doneCh    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	events []WSEvent
}

// WSConnect dials a stream endpoint and starts collecting frames.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var frame struct {
			Type   string         `json:"type"`
			Data   map[string]any `json:"data"`
			Seq    int            `json:"seq"`
			ChatID string         `json:"chat_id"`
			Corr   string         `json:"corr"`
			Replay bool           `json:"replay"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		c.mu.Lock()
		c.events = append(c.events, WSEvent{
			Type:     frame.Type,
			Seq:      frame.Seq,
			ChatID:   frame.ChatID,
			Corr:     frame.Corr,
			Replay:   frame.Replay,
			Data:     frame.Data,
			Raw:      data,
			Received: time.Now(),
		})
		c.mu.Unlock()
	}
}

// Events returns a snapshot of everything received so far.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WSEvent, len(c.events))
	copy(out, c.events)
	return out
}

// EventsOfType returns the received frames of one wire type, in order.
func (c *WSClient) EventsOfType(eventType string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []WSEvent
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until a received frame satisfies the predicate, or the
// timeout passes. Frames are scanned in arrival order, each at most once.
func (c *WSClient) WaitFor(predicate func(WSEvent) bool, timeout time.Duration) (WSEvent, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	scanned := 0
	for {
		select {
		case <-deadline:
			return WSEvent{}, fmt.Errorf("no matching frame within %s (%d received)", timeout, scanned)
		case <-ticker.C:
			c.mu.Lock()
			for ; scanned < len(c.events); scanned++ {
				if predicate(c.events[scanned]) {
					e := c.events[scanned]
					c.mu.Unlock()
					return e, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForType waits for the first frame of the given wire type.
func (c *WSClient) WaitForType(eventType string, timeout time.Duration) (WSEvent, error) {
	e, err := c.WaitFor(func(e WSEvent) bool { return e.Type == eventType }, timeout)
	if err != nil {
		return WSEvent{}, fmt.Errorf("waiting for %s: %w", eventType, err)
	}
	return e, nil
}

func (c *WSClient) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// SendInput submits a user reply. An empty requestID is the opening
// message of a user-driven chat.
func (c *WSClient) SendInput(chatID, requestID, text string) error {
	return c.send(map[string]any{
		"type":       "user.input.submit",
		"chat_id":    chatID,
		"request_id": requestID,
		"text":       text,
	})
}

// SendComponentResult answers a pending inline component call.
func (c *WSClient) SendComponentResult(chatID, corr string, data map[string]any) error {
	return c.send(map[string]any{
		"type":    "inline_component.result",
		"chat_id": chatID,
		"corr":    corr,
		"data":    data,
	})
}

// SendArtifactPatch answers a pending artifact call with patch operations.
func (c *WSClient) SendArtifactPatch(chatID, corr string, patch []any) error {
	return c.send(map[string]any{
		"type":    "artifact_patch",
		"chat_id": chatID,
		"corr":    corr,
		"patch":   patch,
	})
}

// SendResume asks the server to replay every frame after lastClientIndex.
func (c *WSClient) SendResume(chatID string, lastClientIndex int) error {
	return c.send(map[string]any{
		"type":            "client.resume",
		"chat_id":         chatID,
		"lastClientIndex": lastClientIndex,
	})
}

// Close tears the connection down and waits for the read loop to exit.
// Safe to call more than once; per-test closes overlap with t.Cleanup.
func (c *WSClient) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.CloseNow()
	})
	<-c.doneCh
}
