package websocket

import (
	"context"

	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/wire"
)

// handleJoinSession attaches the connection to a session. Identity and role
// come from the auth layer via the payload and are trusted as-is. The joining
// client receives the roster, every held lock, and recent chat history before
// the room learns about it.
func (s *Server) handleJoinSession(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var join wire.JoinSession
	if err := env.DecodePayload(&join); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	if join.ParticipantID == "" || env.SessionID == "" {
		conn.sendError(env, wire.ErrCodeInvalidEnvelope, "join-session requires participant_id and session_id")
		return
	}

	// joining from a connection already attached elsewhere implies leaving
	// the previous session first
	if conn.SessionID != "" && conn.SessionID != env.SessionID {
		s.rooms.remove(conn)
		s.Locks.ReleaseAllHeldBy(conn.SessionID, conn.ParticipantID)
		s.Presence.Leave(ctx, conn.SessionID, conn.ParticipantID, "left")
	}

	conn.ParticipantID = join.ParticipantID
	conn.DisplayName = join.DisplayName
	conn.Role = join.Role
	conn.SessionID = env.SessionID
	s.rooms.add(conn)

	roster := s.Presence.LastKnown(ctx, conn.SessionID)
	conn.Enqueue(wire.MustEnvelope(wire.TypeUsersList, &wire.UsersList{Participants: roster}))
	for _, lock := range s.Locks.Snapshot(conn.SessionID) {
		conn.Enqueue(wire.MustEnvelope(wire.TypeEventLocked, &wire.EventLocked{Lock: lock}))
	}
	for _, msg := range s.Chat.History(conn.SessionID, s.config.ChatHistoryOnJoin) {
		conn.Enqueue(wire.MustEnvelope(wire.TypeChatMessage, &wire.ChatMessageMsg{Message: msg}))
	}

	s.Presence.Join(ctx, conn.SessionID, &models.Participant{
		ID:          join.ParticipantID,
		DisplayName: join.DisplayName,
		Role:        join.Role,
	})
}

func (s *Server) handleLeaveSession(ctx context.Context, conn *Connection, env *wire.Envelope) {
	s.rooms.remove(conn)
	s.Locks.ReleaseAllHeldBy(conn.SessionID, conn.ParticipantID)
	s.Presence.Leave(ctx, conn.SessionID, conn.ParticipantID, "left")
	conn.SessionID = ""
}

func (s *Server) handleUserActivity(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var activity wire.UserActivity
	if err := env.DecodePayload(&activity); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	s.Presence.UpdateActivity(ctx, conn.SessionID, conn.ParticipantID, activity.Activity)
}

func (s *Server) handleCursorUpdate(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var cursor wire.CursorUpdate
	if err := env.DecodePayload(&cursor); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	s.Presence.UpdateCursor(conn.SessionID, conn.ParticipantID, cursor.Cursor)
}

func (s *Server) handleSelectionUpdate(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var selection wire.SelectionUpdate
	if err := env.DecodePayload(&selection); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	s.Presence.UpdateSelection(conn.SessionID, conn.ParticipantID, selection.EventIDs)
}

// handleLockRequest answers directly to the requester; the grant broadcast to
// the room happens inside the lock manager. Denials are final: the manager
// never retries on the caller's behalf.
func (s *Server) handleLockRequest(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var req wire.LockRequest
	if err := env.DecodePayload(&req); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	if !models.PermissionsForRole(conn.Role).CanEdit {
		conn.sendError(env, wire.ErrCodePermissionDenied, "role cannot edit events")
		return
	}

	granted, lock := s.Locks.Request(conn.SessionID, req.EventID, conn.ParticipantID, conn.DisplayName)
	resp := &wire.LockResponse{
		RequestID: env.ID,
		EventID:   req.EventID,
		Granted:   granted,
	}
	if !granted {
		resp.HolderID = lock.HolderID
	}
	conn.Enqueue(wire.MustEnvelope(wire.TypeLockResponse, resp))
}

func (s *Server) handleUnlockRequest(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var req wire.UnlockRequest
	if err := env.DecodePayload(&req); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	s.Locks.Release(conn.SessionID, req.EventID, conn.ParticipantID, "released")
}

// handleChangeProposal coordinates the lock protocol with the resolver: the
// sender must hold the lock for any mutation of an existing event. The
// resolver itself does not re-check ownership, keeping the two protocols
// separately auditable.
func (s *Server) handleChangeProposal(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var msg wire.ChangeProposalMsg
	if err := env.DecodePayload(&msg); err != nil || msg.Proposal == nil {
		s.dropMalformed(conn, env, err)
		return
	}
	proposal := msg.Proposal

	perms := models.PermissionsForRole(conn.Role)
	if !perms.CanEdit {
		conn.sendError(env, wire.ErrCodePermissionDenied, "role cannot edit events")
		return
	}
	if proposal.Kind == models.ProposalDelete && !perms.CanDelete {
		conn.sendError(env, wire.ErrCodePermissionDenied, "role cannot delete events")
		return
	}
	if proposal.Kind == models.ProposalCreate && !perms.CanCreateEvents {
		conn.sendError(env, wire.ErrCodePermissionDenied, "role cannot create events")
		return
	}

	if proposal.Kind != models.ProposalCreate {
		holder, held := s.Locks.Holder(conn.SessionID, proposal.EventID)
		if !held || holder.HolderID != conn.ParticipantID {
			conn.sendError(env, wire.ErrCodeLockHeld, "proposal requires holding the event lock")
			return
		}
		s.Locks.TouchActivity(conn.SessionID, proposal.EventID)
	}

	proposal.ProposerID = conn.ParticipantID
	proposal.ProposerName = conn.DisplayName
	s.Resolver.Submit(conn.SessionID, proposal)
}

func (s *Server) handleAcknowledgeChange(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var ack wire.AcknowledgeChange
	if err := env.DecodePayload(&ack); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	s.Resolver.Acknowledge(ack.ChangeID, conn.ParticipantID)
}

func (s *Server) handleResolveConflict(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var req wire.ResolveConflict
	if err := env.DecodePayload(&req); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	if conn.Role != models.RoleAdmin {
		conn.sendError(env, wire.ErrCodePermissionDenied, "manual resolution requires the admin role")
		return
	}
	if err := s.Resolver.ResolveManual(conn.SessionID, req.ConflictID, conn.ParticipantID, req.WinnerProposalID, req.FinalState); err != nil {
		conn.sendError(env, wire.ErrCodeConflict, err.Error())
	}
}

func (s *Server) handleChatMessage(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var msg wire.ChatMessageMsg
	if err := env.DecodePayload(&msg); err != nil || msg.Message == nil {
		s.dropMalformed(conn, env, err)
		return
	}
	if msg.Message.Type == models.ChatTypeAnnouncement && conn.Role != models.RoleAdmin {
		conn.sendError(env, wire.ErrCodePermissionDenied, "announcements require the admin role")
		return
	}
	msg.Message.SenderID = conn.ParticipantID
	msg.Message.SenderName = conn.DisplayName
	s.Chat.Append(conn.SessionID, msg.Message)
}

func (s *Server) handleMessageReaction(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var reaction wire.MessageReaction
	if err := env.DecodePayload(&reaction); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	if err := s.Chat.ToggleReaction(conn.SessionID, reaction.MessageID, conn.ParticipantID, reaction.Emoji); err != nil {
		conn.sendError(env, wire.ErrCodeInvalidEnvelope, err.Error())
	}
}

func (s *Server) handleMessageRead(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var read wire.MessageRead
	if err := env.DecodePayload(&read); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	s.Chat.MarkRead(conn.SessionID, conn.ParticipantID, read.ReadAt)
}

// handleBulkOperation runs the batch off the connection's processing loop so
// a large batch cannot stall presence or lock traffic, and answers with the
// per-event result list when it finishes.
func (s *Server) handleBulkOperation(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var op wire.BulkOperation
	if err := env.DecodePayload(&op); err != nil {
		s.dropMalformed(conn, env, err)
		return
	}
	perms := models.PermissionsForRole(conn.Role)
	if !perms.CanEdit {
		conn.sendError(env, wire.ErrCodePermissionDenied, "role cannot run bulk operations")
		return
	}
	if op.Action == models.BulkDelete && !perms.CanDelete {
		conn.sendError(env, wire.ErrCodePermissionDenied, "role cannot delete events")
		return
	}

	requestID := env.ID
	go func() {
		results := s.Bulk.Execute(ctx, op.Action, op.EventIDs, op.ActionData)
		conn.Enqueue(wire.MustEnvelope(wire.TypeBulkResult, &wire.BulkResult{
			RequestID: requestID,
			Action:    op.Action,
			Results:   results,
		}))
	}()
}

func (s *Server) handlePing(ctx context.Context, conn *Connection, env *wire.Envelope) {
	var ping wire.Ping
	_ = env.DecodePayload(&ping)
	if conn.SessionID != "" {
		s.Presence.Touch(conn.SessionID, conn.ParticipantID)
	}
	conn.Enqueue(wire.MustEnvelope(wire.TypePong, &wire.Pong{Nonce: ping.Nonce}))
}

func (s *Server) dropMalformed(conn *Connection, env *wire.Envelope, err error) {
	fields := map[string]interface{}{
		"type":          env.Type,
		"connection_id": conn.ID,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger.Warn("malformed envelope dropped", fields)
	s.metrics.IncrementCounter("envelopes_malformed", 1)
	conn.sendError(env, wire.ErrCodeInvalidEnvelope, "malformed payload")
}
