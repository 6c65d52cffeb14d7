package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/wire"
)

// SessionConfig configures a client session
type SessionConfig struct {
	SessionID     string
	ParticipantID string
	DisplayName   string
	Role          models.Role

	// LockWait bounds the wait for a lock response
	LockWait time.Duration
	// BulkWait bounds the wait for a bulk result
	BulkWait time.Duration
	// CursorRate caps outbound cursor updates per second
	CursorRate rate.Limit

	Transport TransportConfig
	Queue     QueueConfig
}

// DefaultSessionConfig returns session defaults for the given identity
func DefaultSessionConfig(sessionID, participantID, displayName string, role models.Role) SessionConfig {
	return SessionConfig{
		SessionID:     sessionID,
		ParticipantID: participantID,
		DisplayName:   displayName,
		Role:          role,
		LockWait:      5 * time.Second,
		BulkWait:      60 * time.Second,
		CursorRate:    20,
		Transport:     DefaultTransportConfig(),
		Queue:         DefaultQueueConfig(),
	}
}

// Handlers are the optional callbacks the UI layer registers to observe
// session state. All callbacks fire on the session's processing goroutine;
// handlers must not block.
type Handlers struct {
	OnStatus           func(Status)
	OnRoster           func([]*models.Participant)
	OnEventLocked      func(models.EventLock)
	OnEventUnlocked    func(eventID, holderID, reason string)
	OnChangeApplied    func(*models.ChangeProposal, models.EventState)
	OnChangeRejected   func(*models.ChangeProposal, string)
	OnConflict         func(*models.Conflict)
	OnConflictResolved func(*models.Conflict)
	OnChat             func(*models.ChatMessage)
	OnBulkResult       func(*wire.BulkResult)
	OnError            func(*wire.Error)
}

// Session composes the transport and the offline buffer into the client-side
// collaboration core. It consumes inbound envelopes strictly sequentially, so
// a lock grant and a conflict notification for the same event can never race,
// and maintains the cached views (roster, locks, proposals, chat) the UI
// renders from.
type Session struct {
	config   SessionConfig
	handlers Handlers
	logger   observability.Logger
	metrics  observability.MetricsClient

	transport *Transport
	queue     *OfflineQueue
	// deliver hands an envelope to the transport. Tests substitute a recorder.
	deliver func(ctx context.Context, env *wire.Envelope) bool

	mu           sync.RWMutex
	joined       bool
	participants map[string]*models.Participant
	locks        map[string]models.EventLock
	proposals    map[string]*models.ChangeProposal
	conflicts    map[string]*models.Conflict
	messages     []*models.ChatMessage
	lastReadAt   time.Time

	waiterMu    sync.Mutex
	lockWaiters map[string]chan *wire.LockResponse
	bulkWaiters map[string]chan *wire.BulkResult

	cursorLimiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session around its own transport and offline buffer
func NewSession(config SessionConfig, handlers Handlers, logger observability.Logger, metrics observability.MetricsClient) *Session {
	if config.LockWait <= 0 {
		config.LockWait = 5 * time.Second
	}
	if config.BulkWait <= 0 {
		config.BulkWait = 60 * time.Second
	}
	if config.CursorRate <= 0 {
		config.CursorRate = 20
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	s := &Session{
		config:        config,
		handlers:      handlers,
		logger:        logger.WithPrefix("session"),
		metrics:       metrics,
		transport:     NewTransport(config.Transport, logger, metrics),
		queue:         NewOfflineQueue(config.Queue, logger, metrics),
		participants:  make(map[string]*models.Participant),
		locks:         make(map[string]models.EventLock),
		proposals:     make(map[string]*models.ChangeProposal),
		conflicts:     make(map[string]*models.Conflict),
		lockWaiters:   make(map[string]chan *wire.LockResponse),
		bulkWaiters:   make(map[string]chan *wire.BulkResult),
		cursorLimiter: rate.NewLimiter(config.CursorRate, 1),
		done:          make(chan struct{}),
	}
	s.deliver = s.transport.Send
	s.transport.OnStatusChange(s.onTransportStatus)
	return s
}

// Transport exposes the underlying transport for status and quality queries
func (s *Session) Transport() *Transport {
	return s.transport
}

// Queue exposes the offline buffer for drop-count inspection
func (s *Session) Queue() *OfflineQueue {
	return s.queue
}

// Connect dials the server, joins the session and starts the processing loop
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	go s.processLoop(ctx)
	return s.join(ctx)
}

// Close leaves the session and shuts the transport down
func (s *Session) Close() {
	if s.isJoined() {
		_ = s.send(context.Background(), wire.MustEnvelope(wire.TypeLeaveSession, &wire.LeaveSession{
			ParticipantID: s.config.ParticipantID,
		}), false)
	}
	s.transport.Close()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) join(ctx context.Context) error {
	env := wire.MustEnvelope(wire.TypeJoinSession, &wire.JoinSession{
		ParticipantID: s.config.ParticipantID,
		DisplayName:   s.config.DisplayName,
		Role:          s.config.Role,
	})
	env.SessionID = s.config.SessionID
	if !s.deliver(ctx, env) {
		return ErrNotJoined
	}
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	return nil
}

func (s *Session) isJoined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

// onTransportStatus reacts to transport transitions: a reconnect re-joins the
// session and drains the offline buffer in order before anything new is sent.
func (s *Session) onTransportStatus(status Status) {
	if s.handlers.OnStatus != nil {
		s.handlers.OnStatus(status)
	}
	switch status {
	case StatusConnected:
		go s.resume()
	case StatusDisconnected, StatusReconnecting, StatusError, StatusCircuitOpen:
		s.mu.Lock()
		s.joined = false
		s.mu.Unlock()
	}
}

func (s *Session) resume() {
	ctx := context.Background()
	if err := s.join(ctx); err != nil {
		s.logger.Warn("rejoin failed, transport will retry", nil)
		return
	}
	result := s.queue.Flush(ctx, func(ctx context.Context, env *wire.Envelope) error {
		if !s.deliver(ctx, env) {
			return ErrTransportClosed
		}
		return nil
	})
	if result.Delivered > 0 || len(result.Failed) > 0 {
		s.logger.Info("offline buffer drained", map[string]interface{}{
			"delivered": result.Delivered,
			"failed":    len(result.Failed),
		})
	}
}

// send delivers an envelope or buffers it when the transport is down. While
// the offline buffer still holds a backlog, new messages join the tail behind
// it so send order survives a reconnect; the flush drains them in the same
// pass. The critical flag marks messages that must never be evicted.
func (s *Session) send(ctx context.Context, env *wire.Envelope, critical bool) error {
	env.SessionID = s.config.SessionID
	env.SenderID = s.config.ParticipantID
	if s.queue.Len() > 0 {
		return s.queue.Enqueue(env, critical)
	}
	if s.deliver(ctx, env) {
		return nil
	}
	return s.queue.Enqueue(env, critical)
}

// processLoop consumes inbound envelopes one at a time in arrival order
func (s *Session) processLoop(ctx context.Context) {
	for {
		select {
		case env := <-s.transport.Inbound():
			s.dispatch(env)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) dispatch(env *wire.Envelope) {
	var err error
	switch env.Type {
	case wire.TypeUsersList:
		err = s.onUsersList(env)
	case wire.TypeUserJoined:
		err = s.onUserJoined(env)
	case wire.TypeUserLeft:
		err = s.onUserLeft(env)
	case wire.TypeUserActivity:
		err = s.onUserActivity(env)
	case wire.TypeCursorUpdate:
		err = s.onCursorUpdate(env)
	case wire.TypeSelectionUpdate:
		err = s.onSelectionUpdate(env)
	case wire.TypeLockResponse:
		err = s.onLockResponse(env)
	case wire.TypeEventLocked:
		err = s.onEventLocked(env)
	case wire.TypeEventUnlocked:
		err = s.onEventUnlocked(env)
	case wire.TypeChangeApplied:
		err = s.onChangeApplied(env)
	case wire.TypeChangeRejected:
		err = s.onChangeRejected(env)
	case wire.TypeConflictDetected:
		err = s.onConflictDetected(env)
	case wire.TypeConflictResolved:
		err = s.onConflictResolved(env)
	case wire.TypeChatMessage:
		err = s.onChatMessage(env)
	case wire.TypeMessageReaction:
		err = s.onMessageReaction(env)
	case wire.TypeBulkResult:
		err = s.onBulkResult(env)
	case wire.TypeError:
		err = s.onServerError(env)
	default:
		s.logger.Debug("ignoring unhandled envelope", map[string]interface{}{"type": env.Type})
	}
	if err != nil {
		// malformed payloads are dropped, never fatal to the loop
		s.metrics.IncrementCounter("session_malformed_envelopes", 1)
		s.logger.Warn("dropping malformed envelope", map[string]interface{}{
			"type":  env.Type,
			"error": err.Error(),
		})
	}
}

// --- presence ---

// Participants returns the cached roster sorted by join time
func (s *Session) Participants() []*models.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// UpdateActivity reports the local participant's activity
func (s *Session) UpdateActivity(ctx context.Context, activity models.Activity) error {
	return s.send(ctx, wire.MustEnvelope(wire.TypeUserActivity, &wire.UserActivity{
		ParticipantID: s.config.ParticipantID,
		Activity:      activity,
	}), false)
}

// UpdateCursor reports the local cursor position, coalesced to the configured
// rate. Dropped updates are fine: only the latest position matters.
func (s *Session) UpdateCursor(ctx context.Context, x, y float64) error {
	if !s.cursorLimiter.Allow() {
		return nil
	}
	return s.send(ctx, wire.MustEnvelope(wire.TypeCursorUpdate, &wire.CursorUpdate{
		ParticipantID: s.config.ParticipantID,
		Cursor:        models.CursorPosition{X: x, Y: y, Timestamp: time.Now().UTC()},
	}), false)
}

// UpdateSelection replaces the local participant's selected event set
func (s *Session) UpdateSelection(ctx context.Context, eventIDs []string) error {
	return s.send(ctx, wire.MustEnvelope(wire.TypeSelectionUpdate, &wire.SelectionUpdate{
		ParticipantID: s.config.ParticipantID,
		EventIDs:      eventIDs,
	}), false)
}

func (s *Session) onUsersList(env *wire.Envelope) error {
	var payload wire.UsersList
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.participants = make(map[string]*models.Participant, len(payload.Participants))
	for _, p := range payload.Participants {
		s.participants[p.ID] = p
	}
	s.mu.Unlock()
	s.notifyRoster()
	return nil
}

func (s *Session) onUserJoined(env *wire.Envelope) error {
	var payload wire.UserJoined
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.participants[payload.Participant.ID] = payload.Participant
	s.mu.Unlock()
	s.notifyRoster()
	return nil
}

func (s *Session) onUserLeft(env *wire.Envelope) error {
	var payload wire.UserLeft
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.participants, payload.ParticipantID)
	s.mu.Unlock()
	s.notifyRoster()
	return nil
}

func (s *Session) onUserActivity(env *wire.Envelope) error {
	var payload wire.UserActivity
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	if p, ok := s.participants[payload.ParticipantID]; ok {
		p.Activity = payload.Activity
		p.LastSeen = env.Timestamp
	}
	s.mu.Unlock()
	s.notifyRoster()
	return nil
}

func (s *Session) onCursorUpdate(env *wire.Envelope) error {
	var payload wire.CursorUpdate
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	if p, ok := s.participants[payload.ParticipantID]; ok {
		cursor := payload.Cursor
		p.Cursor = &cursor
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) onSelectionUpdate(env *wire.Envelope) error {
	var payload wire.SelectionUpdate
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	if p, ok := s.participants[payload.ParticipantID]; ok {
		p.SelectedEventIDs = payload.EventIDs
	}
	s.mu.Unlock()
	s.notifyRoster()
	return nil
}

func (s *Session) notifyRoster() {
	if s.handlers.OnRoster != nil {
		s.handlers.OnRoster(s.Participants())
	}
}

// --- locking ---

// LockHolder returns the cached holder of an event lock, if any
func (s *Session) LockHolder(eventID string) (models.EventLock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[eventID]
	return lock, ok
}

// RequestLock asks for the exclusive edit lock on an event and waits, bounded
// by LockWait, for the server's answer. A denial reports the current holder
// and is never retried here. On timeout the wait is abandoned; a grant that
// arrives afterwards is released immediately by the response handler.
func (s *Session) RequestLock(ctx context.Context, eventID string) (granted bool, holderID string, err error) {
	if !s.isJoined() {
		return false, "", ErrNotJoined
	}

	env := wire.MustEnvelope(wire.TypeLockRequest, &wire.LockRequest{
		EventID:       eventID,
		ParticipantID: s.config.ParticipantID,
	})

	ch := make(chan *wire.LockResponse, 1)
	s.waiterMu.Lock()
	s.lockWaiters[env.ID] = ch
	s.waiterMu.Unlock()

	if sendErr := s.send(ctx, env, true); sendErr != nil {
		s.waiterMu.Lock()
		delete(s.lockWaiters, env.ID)
		s.waiterMu.Unlock()
		return false, "", sendErr
	}

	timer := time.NewTimer(s.config.LockWait)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp.Granted, resp.HolderID, nil
	case <-timer.C:
		s.abandonLockWait(env.ID)
		return false, "", ErrLockTimeout
	case <-ctx.Done():
		s.abandonLockWait(env.ID)
		return false, "", ctx.Err()
	}
}

func (s *Session) abandonLockWait(requestID string) {
	s.waiterMu.Lock()
	delete(s.lockWaiters, requestID)
	s.waiterMu.Unlock()
	s.metrics.IncrementCounter("lock_requests_abandoned", 1)
}

// ReleaseLock gives up a lock the local participant holds
func (s *Session) ReleaseLock(ctx context.Context, eventID string) error {
	return s.send(ctx, wire.MustEnvelope(wire.TypeUnlockRequest, &wire.UnlockRequest{
		EventID:       eventID,
		ParticipantID: s.config.ParticipantID,
	}), false)
}

func (s *Session) onLockResponse(env *wire.Envelope) error {
	var payload wire.LockResponse
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}

	s.waiterMu.Lock()
	ch, waiting := s.lockWaiters[payload.RequestID]
	if waiting {
		delete(s.lockWaiters, payload.RequestID)
	}
	s.waiterMu.Unlock()

	if waiting {
		ch <- &payload
		return nil
	}

	// grant arrived after the caller abandoned the wait: release it at once
	// so the event is not held by a participant who gave up on editing it
	if payload.Granted {
		s.logger.Info("releasing late lock grant", map[string]interface{}{
			"event_id": payload.EventID,
		})
		_ = s.ReleaseLock(context.Background(), payload.EventID)
	}
	return nil
}

func (s *Session) onEventLocked(env *wire.Envelope) error {
	var payload wire.EventLocked
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.locks[payload.Lock.EventID] = payload.Lock
	s.mu.Unlock()
	if s.handlers.OnEventLocked != nil {
		s.handlers.OnEventLocked(payload.Lock)
	}
	return nil
}

func (s *Session) onEventUnlocked(env *wire.Envelope) error {
	var payload wire.EventUnlocked
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.locks, payload.EventID)
	s.mu.Unlock()
	if s.handlers.OnEventUnlocked != nil {
		s.handlers.OnEventUnlocked(payload.EventID, payload.HolderID, payload.Reason)
	}
	return nil
}

// --- proposals ---

// ProposeChange submits a mutation proposal for an event. The proposal is
// tracked locally as pending until the server broadcasts its terminal state.
func (s *Session) ProposeChange(ctx context.Context, kind models.ProposalKind, eventID string, before, after models.EventState) (*models.ChangeProposal, error) {
	if !s.isJoined() {
		return nil, ErrNotJoined
	}
	proposal := &models.ChangeProposal{
		ID:           uuid.New().String(),
		ProposerID:   s.config.ParticipantID,
		ProposerName: s.config.DisplayName,
		Timestamp:    time.Now().UTC(),
		Kind:         kind,
		EventID:      eventID,
		BeforeState:  before.Clone(),
		AfterState:   after.Clone(),
		Status:       models.ProposalPending,
	}

	s.mu.Lock()
	s.proposals[proposal.ID] = proposal
	s.mu.Unlock()

	env := wire.MustEnvelope(wire.TypeChangeProposal, &wire.ChangeProposalMsg{Proposal: proposal})
	if err := s.send(ctx, env, true); err != nil {
		s.mu.Lock()
		delete(s.proposals, proposal.ID)
		s.mu.Unlock()
		return nil, err
	}
	return proposal, nil
}

// Proposal returns the cached view of a proposal
func (s *Session) Proposal(id string) (*models.ChangeProposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	return p, ok
}

// PendingProposals returns locally-tracked proposals not yet terminal
func (s *Session) PendingProposals() []*models.ChangeProposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ChangeProposal
	for _, p := range s.proposals {
		if !p.Status.IsTerminal() {
			out = append(out, p)
		}
	}
	return out
}

// OpenConflicts returns cached unresolved conflicts
func (s *Session) OpenConflicts() []*models.Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Conflict
	for _, c := range s.conflicts {
		if !c.Resolved() {
			out = append(out, c)
		}
	}
	return out
}

// ResolveConflict submits a manual resolution; the server enforces that only
// admins may do this
func (s *Session) ResolveConflict(ctx context.Context, conflictID, winnerProposalID string, finalState models.EventState) error {
	return s.send(ctx, wire.MustEnvelope(wire.TypeResolveConflict, &wire.ResolveConflict{
		ConflictID:       conflictID,
		WinnerProposalID: winnerProposalID,
		FinalState:       finalState,
	}), true)
}

func (s *Session) onChangeApplied(env *wire.Envelope) error {
	var payload wire.ChangeApplied
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.proposals[payload.Proposal.ID] = payload.Proposal
	s.mu.Unlock()

	s.acknowledge(payload.Proposal.ID)
	if s.handlers.OnChangeApplied != nil {
		s.handlers.OnChangeApplied(payload.Proposal, payload.FinalState)
	}
	return nil
}

func (s *Session) onChangeRejected(env *wire.Envelope) error {
	var payload wire.ChangeRejected
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.proposals[payload.Proposal.ID] = payload.Proposal
	s.mu.Unlock()

	s.acknowledge(payload.Proposal.ID)
	if s.handlers.OnChangeRejected != nil {
		s.handlers.OnChangeRejected(payload.Proposal, payload.Reason)
	}
	return nil
}

func (s *Session) onConflictDetected(env *wire.Envelope) error {
	var payload wire.ConflictDetected
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.conflicts[payload.Conflict.ID] = payload.Conflict
	s.mu.Unlock()
	if s.handlers.OnConflict != nil {
		s.handlers.OnConflict(payload.Conflict)
	}
	return nil
}

func (s *Session) onConflictResolved(env *wire.Envelope) error {
	var payload wire.ConflictResolved
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.conflicts[payload.Conflict.ID] = payload.Conflict
	s.mu.Unlock()
	if s.handlers.OnConflictResolved != nil {
		s.handlers.OnConflictResolved(payload.Conflict)
	}
	return nil
}

// acknowledge tells the server this participant has seen a change outcome.
// The server deduplicates, so re-sends after a reconnect replay are harmless.
func (s *Session) acknowledge(changeID string) {
	_ = s.send(context.Background(), wire.MustEnvelope(wire.TypeAcknowledgeChange, &wire.AcknowledgeChange{
		ChangeID:      changeID,
		ParticipantID: s.config.ParticipantID,
	}), false)
}

// --- chat ---

// SendChat appends a chat message, optionally tied to an event
func (s *Session) SendChat(ctx context.Context, text, relatedEventID string) error {
	if !s.isJoined() {
		return ErrNotJoined
	}
	msg := &models.ChatMessage{
		ID:             uuid.New().String(),
		SenderID:       s.config.ParticipantID,
		SenderName:     s.config.DisplayName,
		Timestamp:      time.Now().UTC(),
		Text:           text,
		Type:           models.ChatTypeChat,
		RelatedEventID: relatedEventID,
	}
	return s.send(ctx, wire.MustEnvelope(wire.TypeChatMessage, &wire.ChatMessageMsg{Message: msg}), false)
}

// ToggleReaction toggles the local participant's emoji reaction on a message
func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return s.send(ctx, wire.MustEnvelope(wire.TypeMessageReaction, &wire.MessageReaction{
		MessageID:     messageID,
		ParticipantID: s.config.ParticipantID,
		Emoji:         emoji,
	}), false)
}

// MarkRead moves the local read cursor to now and reports it to the server
func (s *Session) MarkRead(ctx context.Context) error {
	now := time.Now().UTC()
	s.mu.Lock()
	if now.After(s.lastReadAt) {
		s.lastReadAt = now
	}
	s.mu.Unlock()
	return s.send(ctx, wire.MustEnvelope(wire.TypeMessageRead, &wire.MessageRead{
		ParticipantID: s.config.ParticipantID,
		ReadAt:        now,
	}), false)
}

// Messages returns the cached chat history in arrival order
func (s *Session) Messages() []*models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ChatMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Clone())
	}
	return out
}

// UnreadCount counts messages from other participants after the read cursor
func (s *Session) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.messages {
		if m.SenderID != s.config.ParticipantID && m.Timestamp.After(s.lastReadAt) {
			count++
		}
	}
	return count
}

func (s *Session) onChatMessage(env *wire.Envelope) error {
	var payload wire.ChatMessageMsg
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.messages = append(s.messages, payload.Message)
	s.mu.Unlock()
	if s.handlers.OnChat != nil {
		s.handlers.OnChat(payload.Message)
	}
	return nil
}

func (s *Session) onMessageReaction(env *wire.Envelope) error {
	var payload wire.MessageReaction
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID != payload.MessageID {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		who := m.Reactions[payload.Emoji]
		removed := false
		for i, id := range who {
			if id == payload.ParticipantID {
				m.Reactions[payload.Emoji] = append(who[:i], who[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			m.Reactions[payload.Emoji] = append(who, payload.ParticipantID)
		} else if len(m.Reactions[payload.Emoji]) == 0 {
			delete(m.Reactions, payload.Emoji)
		}
		break
	}
	return nil
}

// --- bulk ---

// ExecuteBulk requests a batched action on many events and waits, bounded by
// BulkWait, for the per-item results. The result list always covers every
// requested event; the operation never fails atomically.
func (s *Session) ExecuteBulk(ctx context.Context, action models.BulkAction, eventIDs []string, actionData map[string]interface{}) (*wire.BulkResult, error) {
	if !s.isJoined() {
		return nil, ErrNotJoined
	}

	env := wire.MustEnvelope(wire.TypeBulkOperation, &wire.BulkOperation{
		Action:     action,
		EventIDs:   eventIDs,
		ActionData: actionData,
	})

	ch := make(chan *wire.BulkResult, 1)
	s.waiterMu.Lock()
	s.bulkWaiters[env.ID] = ch
	s.waiterMu.Unlock()

	if err := s.send(ctx, env, true); err != nil {
		s.waiterMu.Lock()
		delete(s.bulkWaiters, env.ID)
		s.waiterMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(s.config.BulkWait)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		s.waiterMu.Lock()
		delete(s.bulkWaiters, env.ID)
		s.waiterMu.Unlock()
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		s.waiterMu.Lock()
		delete(s.bulkWaiters, env.ID)
		s.waiterMu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *Session) onBulkResult(env *wire.Envelope) error {
	var payload wire.BulkResult
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}

	s.waiterMu.Lock()
	ch, waiting := s.bulkWaiters[payload.RequestID]
	if waiting {
		delete(s.bulkWaiters, payload.RequestID)
	}
	s.waiterMu.Unlock()

	if waiting {
		ch <- &payload
	}
	if s.handlers.OnBulkResult != nil {
		s.handlers.OnBulkResult(&payload)
	}
	return nil
}

func (s *Session) onServerError(env *wire.Envelope) error {
	var payload wire.Error
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	s.logger.Warn("server reported error", map[string]interface{}{
		"code":    payload.Code,
		"message": payload.Message,
	})
	if s.handlers.OnError != nil {
		s.handlers.OnError(&payload)
	}
	return nil
}
