package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/events"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub002/pkg/orchestrator"
)

// Inbound message types.
const (
	msgInputSubmit   = "user.input.submit"
	msgInlineResult  = "inline_component.result"
	msgArtifactPatch = "artifact_patch"
	msgResume        = "client.resume"
)

type inputSubmitMsg struct {
	Type          string `json:"type"`
	ChatID        string `json:"chat_id"`
	RequestID     string `json:"request_id"`
	Text          string `json:"text"`
	LastClientSeq int    `json:"last_client_seq"`
}

type inlineResultMsg struct {
	Type   string         `json:"type"`
	ChatID string         `json:"chat_id"`
	Corr   string         `json:"corr"`
	Data   map[string]any `json:"data"`
}

type artifactPatchMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Corr   string `json:"corr"`
	Patch  []any  `json:"patch"`
}

type resumeMsg struct {
	Type            string `json:"type"`
	ChatID          string `json:"chat_id"`
	LastClientIndex int    `json:"lastClientIndex"`
}

// HandleConnection serves one accepted WebSocket until it closes. The
// caller has already upgraded the connection and checked that the
// session exists; a new connection for a chat that already has one
// supersedes it.
func (m *Manager) HandleConnection(ctx context.Context, ws *websocket.Conn, params ConnParams) {
	entry := m.entryFor(params.ChatID, params.TenantID)
	c := newConn(ctx, ws, params, entry, m.cfg)

	prev := m.attach(entry, c)
	if prev != nil {
		prev.close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
	if m.metrics != nil {
		m.metrics.Connections.Inc()
	}
	m.logger.Info("client connected",
		"chat_id", params.ChatID, "tenant_id", params.TenantID, "user_id", params.UserID)

	go c.writeLoop()
	go c.heartbeat(m.cfg.HeartbeatInterval, m.cfg.HeartbeatTimeout)

	m.readLoop(c)

	m.detach(entry, c)
	c.close(websocket.StatusNormalClosure, "")
	if m.metrics != nil {
		m.metrics.Connections.Dec()
	}
	m.logger.Info("client disconnected", "chat_id", params.ChatID)
}

// readLoop processes inbound frames in arrival order until the
// connection closes.
func (m *Manager) readLoop(c *conn) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}
		m.handleInbound(c, data)
	}
}

func (m *Manager) handleInbound(c *conn, data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.sendError(events.CodeSchemaValidationFailed, "malformed message", err.Error(), true)
		return
	}

	schema, err := inboundSchema(probe.Type)
	if err != nil {
		c.sendError(events.CodeSchemaValidationFailed, "schema registry unavailable", err.Error(), false)
		return
	}
	if schema == nil {
		c.sendError(events.CodeSchemaValidationFailed,
			fmt.Sprintf("unknown message type %q", probe.Type), "", true)
		return
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		c.sendError(events.CodeSchemaValidationFailed, "malformed message", err.Error(), true)
		return
	}
	if err := schema.Validate(doc); err != nil {
		c.sendError(events.CodeSchemaValidationFailed,
			fmt.Sprintf("invalid %s message", probe.Type), validationDetail(err), true)
		return
	}

	switch probe.Type {
	case msgInputSubmit:
		var msg inputSubmitMsg
		_ = json.Unmarshal(data, &msg)
		if !m.checkChatID(c, msg.ChatID) {
			return
		}
		m.routeInput(c, msg)
	case msgInlineResult:
		var msg inlineResultMsg
		_ = json.Unmarshal(data, &msg)
		if !m.checkChatID(c, msg.ChatID) {
			return
		}
		m.routeUIResponse(c, msg.Corr, msg.Data)
	case msgArtifactPatch:
		var msg artifactPatchMsg
		_ = json.Unmarshal(data, &msg)
		if !m.checkChatID(c, msg.ChatID) {
			return
		}
		m.routeUIResponse(c, msg.Corr, map[string]any{"patch": msg.Patch})
	case msgResume:
		var msg resumeMsg
		_ = json.Unmarshal(data, &msg)
		if !m.checkChatID(c, msg.ChatID) {
			return
		}
		m.resume(c, msg.LastClientIndex)
	}
}

// checkChatID rejects messages addressed to a different session than the
// connection's path. One connection serves exactly one chat.
func (m *Manager) checkChatID(c *conn, chatID string) bool {
	if chatID == c.params.ChatID {
		return true
	}
	c.sendError(events.CodeSchemaValidationFailed, "chat_id does not match connection", chatID, true)
	return false
}

func (m *Manager) routeInput(c *conn, msg inputSubmitMsg) {
	sess, ok := m.control.LiveSession(c.params.ChatID)
	if !ok {
		c.sendError(events.CodeInputRequestNotFound, "session is not running", "", false)
		return
	}
	if err := sess.HandleInput(c.ctx, msg.RequestID, msg.Text); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownRequest) {
			c.sendError(events.CodeInputRequestNotFound, "no pending input request matches", msg.RequestID, true)
			return
		}
		c.sendError(events.CodeTransportError, "failed to deliver input", err.Error(), true)
	}
}

func (m *Manager) routeUIResponse(c *conn, corr string, payload map[string]any) {
	sess, ok := m.control.LiveSession(c.params.ChatID)
	if !ok {
		c.sendError(events.CodeInputRequestNotFound, "session is not running", "", false)
		return
	}
	if err := sess.HandleUIResponse(c.ctx, corr, payload); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownRequest) {
			c.sendError(events.CodeInputRequestNotFound, "no pending tool call matches", corr, true)
			return
		}
		c.sendError(events.CodeToolExecutionError, "failed to resolve tool call", err.Error(), true)
	}
}

// inboundSchemaRegistry holds the compiled schemas for the four inbound
// message types, built once on first use.
type inboundSchemaRegistry struct {
	once    sync.Once
	initErr error
	byType  map[string]*jsonschema.Schema
}

var inboundSchemas inboundSchemaRegistry

func initInboundSchemas() error {
	inboundSchemas.once.Do(func() {
		sources := map[string]string{
			msgInputSubmit:   inputSubmitSchema,
			msgInlineResult:  inlineResultSchema,
			msgArtifactPatch: artifactPatchSchema,
			msgResume:        resumeSchema,
		}
		inboundSchemas.byType = make(map[string]*jsonschema.Schema, len(sources))
		for msgType, src := range sources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				inboundSchemas.initErr = fmt.Errorf("parsing schema for %s: %w", msgType, err)
				return
			}
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(msgType, doc); err != nil {
				inboundSchemas.initErr = fmt.Errorf("adding schema resource for %s: %w", msgType, err)
				return
			}
			compiled, err := compiler.Compile(msgType)
			if err != nil {
				inboundSchemas.initErr = fmt.Errorf("compiling schema for %s: %w", msgType, err)
				return
			}
			inboundSchemas.byType[msgType] = compiled
		}
	})
	return inboundSchemas.initErr
}

// inboundSchema returns the compiled schema for a message type, or nil
// for an unknown type.
func inboundSchema(msgType string) (*jsonschema.Schema, error) {
	if err := initInboundSchemas(); err != nil {
		return nil, err
	}
	return inboundSchemas.byType[msgType], nil
}

func validationDetail(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	return err.Error()
}

// request_id may be empty: a UserDriven session's opening message is
// submitted before any input_request exists.
const inputSubmitSchema = `{
  "type": "object",
  "required": ["type", "chat_id", "request_id", "text"],
  "additionalProperties": false,
  "properties": {
    "type": {"const": "user.input.submit"},
    "chat_id": {"type": "string", "minLength": 1},
    "request_id": {"type": "string"},
    "text": {"type": "string"},
    "last_client_seq": {"type": "integer", "minimum": 0}
  }
}`

const inlineResultSchema = `{
  "type": "object",
  "required": ["type", "chat_id", "corr", "data"],
  "additionalProperties": false,
  "properties": {
    "type": {"const": "inline_component.result"},
    "chat_id": {"type": "string", "minLength": 1},
    "corr": {"type": "string", "minLength": 1},
    "data": {"type": "object"}
  }
}`

const artifactPatchSchema = `{
  "type": "object",
  "required": ["type", "chat_id", "corr", "patch"],
  "additionalProperties": false,
  "properties": {
    "type": {"const": "artifact_patch"},
    "chat_id": {"type": "string", "minLength": 1},
    "corr": {"type": "string", "minLength": 1},
    "patch": {"type": "array"}
  }
}`

const resumeSchema = `{
  "type": "object",
  "required": ["type", "chat_id"],
  "additionalProperties": false,
  "properties": {
    "type": {"const": "client.resume"},
    "chat_id": {"type": "string", "minLength": 1},
    "lastClientIndex": {"type": "integer", "minimum": 0}
  }
}`
