// Package wire defines the type-tagged JSON envelope exchanged over the
// collaboration WebSocket, and the payload structs for every message type the
// core understands. Both the server dispatcher and the client session decode
// payloads with the same helpers, so the two sides cannot drift.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope types
const (
	TypeJoinSession       = "join-session"
	TypeLeaveSession      = "leave-session"
	TypeUsersList         = "users-list"
	TypeUserJoined        = "user-joined"
	TypeUserLeft          = "user-left"
	TypeUserActivity      = "user-activity"
	TypeCursorUpdate      = "cursor-update"
	TypeSelectionUpdate   = "selection-update"
	TypeLockRequest       = "lock-request"
	TypeLockResponse      = "lock-response"
	TypeUnlockRequest     = "unlock-request"
	TypeEventLocked       = "event-locked"
	TypeEventUnlocked     = "event-unlocked"
	TypeChangeProposal    = "change-proposal"
	TypeChangeApplied     = "change-applied"
	TypeChangeRejected    = "change-rejected"
	TypeConflictDetected  = "conflict-detected"
	TypeConflictResolved  = "conflict-resolved"
	TypeResolveConflict   = "resolve-conflict"
	TypeAcknowledgeChange = "acknowledge-change"
	TypeChatMessage       = "chat-message"
	TypeMessageReaction   = "message-reaction"
	TypeMessageRead       = "message-read"
	TypeBulkOperation     = "bulk-operation"
	TypeBulkResult        = "bulk-result"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeError             = "error"
)

// Error codes carried in Error payloads
const (
	ErrCodeInvalidEnvelope = 4000
	ErrCodeNotJoined       = 4001
	ErrCodeRateLimited     = 4002
	ErrCodeServerError     = 4003
	ErrCodeUnknownType     = 4004
	ErrCodePermissionDenied = 4005
	ErrCodeLockHeld        = 4006
	ErrCodeConflict        = 4008
)

// Envelope is the frame every collaboration message travels in. Payload is
// decoded lazily against the struct matching Type; unknown types are carried
// opaquely so intermediaries can forward what they do not understand.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope of the given type around a payload. The
// timestamp is assigned here; the server overwrites it on receipt so conflict
// ordering uses server-assigned time.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal
func MustEnvelope(msgType string, payload interface{}) *Envelope {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodePayload decodes the envelope payload into dst
func (e *Envelope) DecodePayload(dst interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Error is the payload of an error envelope
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// RequestID echoes the envelope ID the error responds to, when known
	RequestID string `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Message)
}
