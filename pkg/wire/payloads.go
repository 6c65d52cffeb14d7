package wire

import (
	"time"

	"github.com/slotboard/collab/pkg/models"
)

// JoinSession is sent by a client after the transport connects. Identity and
// role come from the auth layer; the core does not re-validate them.
type JoinSession struct {
	ParticipantID string      `json:"participant_id"`
	DisplayName   string      `json:"display_name"`
	Role          models.Role `json:"role"`
}

// LeaveSession announces an orderly departure
type LeaveSession struct {
	ParticipantID string `json:"participant_id"`
}

// UsersList is the full roster snapshot sent to a joining client
type UsersList struct {
	Participants []*models.Participant `json:"participants"`
}

// UserJoined announces a new participant to the room
type UserJoined struct {
	Participant *models.Participant `json:"participant"`
}

// UserLeft announces a departure, explicit or by timeout
type UserLeft struct {
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason,omitempty"` // "left", "timeout", "disconnected"
}

// UserActivity updates a participant's activity state
type UserActivity struct {
	ParticipantID string          `json:"participant_id"`
	Activity      models.Activity `json:"activity"`
}

// CursorUpdate carries a throttled cursor position
type CursorUpdate struct {
	ParticipantID string                `json:"participant_id"`
	Cursor        models.CursorPosition `json:"cursor"`
}

// SelectionUpdate replaces a participant's selected event set
type SelectionUpdate struct {
	ParticipantID string   `json:"participant_id"`
	EventIDs      []string `json:"event_ids"`
}

// LockRequest asks the server for an exclusive edit lock on one event
type LockRequest struct {
	EventID       string `json:"event_id"`
	ParticipantID string `json:"participant_id"`
}

// LockResponse answers a LockRequest. RequestID echoes the request envelope
// so the client can pair the bounded wait with its answer.
type LockResponse struct {
	RequestID string `json:"request_id"`
	EventID   string `json:"event_id"`
	Granted   bool   `json:"granted"`
	HolderID  string `json:"holder_id,omitempty"`
}

// UnlockRequest releases a lock the sender holds
type UnlockRequest struct {
	EventID       string `json:"event_id"`
	ParticipantID string `json:"participant_id"`
}

// EventLocked is broadcast when a lock is granted
type EventLocked struct {
	Lock models.EventLock `json:"lock"`
}

// EventUnlocked is broadcast when a lock is released, expires idle, or its
// holder disconnects
type EventUnlocked struct {
	EventID  string `json:"event_id"`
	HolderID string `json:"holder_id"`
	Reason   string `json:"reason,omitempty"` // "released", "expired", "disconnected", "abandoned"
}

// ChangeProposalMsg submits a proposal for an event the sender holds the lock on
type ChangeProposalMsg struct {
	Proposal *models.ChangeProposal `json:"proposal"`
}

// ChangeApplied is broadcast when a proposal reaches applied
type ChangeApplied struct {
	Proposal   *models.ChangeProposal `json:"proposal"`
	FinalState models.EventState      `json:"final_state,omitempty"`
}

// ChangeRejected is broadcast when a proposal reaches rejected
type ChangeRejected struct {
	Proposal *models.ChangeProposal `json:"proposal"`
	Reason   string                 `json:"reason,omitempty"`
}

// ConflictDetected is broadcast when two pending proposals collide
type ConflictDetected struct {
	Conflict *models.Conflict `json:"conflict"`
}

// ConflictResolved is broadcast when a conflict reaches a final state
type ConflictResolved struct {
	Conflict *models.Conflict `json:"conflict"`
}

// ResolveConflict is an admin's manual resolution of a conflict in review
type ResolveConflict struct {
	ConflictID       string            `json:"conflict_id"`
	WinnerProposalID string            `json:"winner_proposal_id"`
	FinalState       models.EventState `json:"final_state,omitempty"`
}

// AcknowledgeChange records that a participant has seen a change broadcast.
// Re-sending the same (change, participant) pair is a no-op.
type AcknowledgeChange struct {
	ChangeID      string `json:"change_id"`
	ParticipantID string `json:"participant_id"`
}

// ChatMessageMsg carries one chat entry
type ChatMessageMsg struct {
	Message *models.ChatMessage `json:"message"`
}

// MessageReaction toggles an emoji reaction on a message
type MessageReaction struct {
	MessageID     string `json:"message_id"`
	ParticipantID string `json:"participant_id"`
	Emoji         string `json:"emoji"`
}

// MessageRead moves the sender's read cursor to the given time
type MessageRead struct {
	ParticipantID string    `json:"participant_id"`
	ReadAt        time.Time `json:"read_at"`
}

// BulkOperation requests a batched action on many events
type BulkOperation struct {
	Action     models.BulkAction      `json:"action"`
	EventIDs   []string               `json:"event_ids"`
	ActionData map[string]interface{} `json:"action_data,omitempty"`
}

// BulkResult returns the per-event outcomes of a bulk operation
type BulkResult struct {
	RequestID string                  `json:"request_id"`
	Action    models.BulkAction       `json:"action"`
	Results   []models.BulkItemResult `json:"results"`
}

// Ping is the heartbeat probe; the server answers with a Pong echoing Nonce
type Ping struct {
	Nonce string `json:"nonce"`
}

// Pong answers a Ping
type Pong struct {
	Nonce string `json:"nonce"`
}
