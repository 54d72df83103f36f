// Package models contains request/response models and business domain types.
package models

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	StatusRunning         SessionStatus = "running"
	StatusWaitingForInput SessionStatus = "waiting_for_input"
	StatusCompleted       SessionStatus = "completed"
	StatusFailed          SessionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is the persisted record of one conversation.
type Session struct {
	ChatID       string        `json:"chat_id"`
	TenantID     string        `json:"tenant_id"`
	UserID       string        `json:"user_id"`
	WorkflowName string        `json:"workflow_name"`
	CacheSeed    uint32        `json:"cache_seed"`
	Status       SessionStatus `json:"status"`

	// SequenceCounter is the last seq handed out in the current epoch.
	// Epoch increments each time a resume boundary is emitted; live events
	// after a boundary restart at seq=1.
	SequenceCounter int `json:"sequence_counter"`
	Epoch           int `json:"epoch"`

	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateSessionRequest contains fields for creating a new chat session.
// ChatID may be supplied by the caller for idempotent retries; empty means
// the server allocates one.
type CreateSessionRequest struct {
	ChatID       string `json:"chat_id,omitempty"`
	TenantID     string `json:"tenant_id"`
	UserID       string `json:"user_id"`
	WorkflowName string `json:"workflow_name"`
}

// CreateSessionResponse is returned by the session start endpoint.
type CreateSessionResponse struct {
	ChatID    string `json:"chat_id"`
	CacheSeed uint32 `json:"cache_seed"`
	Existing  bool   `json:"existing"`
}

// SessionFilters contains filtering options for listing sessions.
type SessionFilters struct {
	WorkflowName string     `json:"workflow_name,omitempty"`
	Status       string     `json:"status,omitempty"`
	CreatedAfter *time.Time `json:"created_after,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// SessionListResponse contains a paginated session list.
type SessionListResponse struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"total_count"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}

// ComputeCacheSeed derives the per-session UI component isolation seed:
// the first four bytes of SHA-256("<tenant_id>:<chat_id>") read big-endian.
// Deterministic so a client can re-derive it after reconnect.
func ComputeCacheSeed(tenantID, chatID string) uint32 {
	sum := sha256.Sum256([]byte(tenantID + ":" + chatID))
	return binary.BigEndian.Uint32(sum[:4])
}
