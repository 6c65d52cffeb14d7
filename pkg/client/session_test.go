package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/wire"
)

func newTestSession(t *testing.T, handlers Handlers) *Session {
	t.Helper()
	config := DefaultSessionConfig("sess-1", "alice", "Alice", models.RoleAdmin)
	config.LockWait = 200 * time.Millisecond
	config.BulkWait = 200 * time.Millisecond
	s := NewSession(config, handlers, nil, nil)
	// the transport never connects in these tests; outbound traffic lands in
	// the offline buffer and inbound envelopes are fed straight to dispatch
	s.joined = true
	return s
}

func serverEnvelope(t *testing.T, msgType string, payload interface{}) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	return env
}

func (s *Session) queuedTypes() []string {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	out := make([]string, len(s.queue.items))
	for i, item := range s.queue.items {
		out[i] = item.Envelope.Type
	}
	return out
}

func TestSessionRosterCache(t *testing.T) {
	s := newTestSession(t, Handlers{})

	s.dispatch(serverEnvelope(t, wire.TypeUsersList, &wire.UsersList{
		Participants: []*models.Participant{
			{ID: "alice", DisplayName: "Alice", JoinedAt: time.Now()},
			{ID: "bob", DisplayName: "Bob", JoinedAt: time.Now().Add(time.Second)},
		},
	}))
	require.Len(t, s.Participants(), 2)

	s.dispatch(serverEnvelope(t, wire.TypeUserJoined, &wire.UserJoined{
		Participant: &models.Participant{ID: "cara", JoinedAt: time.Now().Add(2 * time.Second)},
	}))
	roster := s.Participants()
	require.Len(t, roster, 3)
	assert.Equal(t, "alice", roster[0].ID, "roster sorted by join time")

	s.dispatch(serverEnvelope(t, wire.TypeUserLeft, &wire.UserLeft{ParticipantID: "bob", Reason: "timeout"}))
	assert.Len(t, s.Participants(), 2)
}

func TestSessionLockResponsePairsWithWaiter(t *testing.T) {
	s := newTestSession(t, Handlers{})

	type outcome struct {
		granted  bool
		holderID string
		err      error
	}
	results := make(chan outcome, 1)
	go func() {
		granted, holderID, err := s.RequestLock(context.Background(), "evt-1")
		results <- outcome{granted, holderID, err}
	}()

	// the request lands in the offline buffer; answer it by request ID
	require.Eventually(t, func() bool { return s.queue.Len() == 1 }, time.Second, time.Millisecond)
	s.queue.mu.Lock()
	requestID := s.queue.items[0].Envelope.ID
	s.queue.mu.Unlock()

	s.dispatch(serverEnvelope(t, wire.TypeLockResponse, &wire.LockResponse{
		RequestID: requestID,
		EventID:   "evt-1",
		Granted:   false,
		HolderID:  "bob",
	}))

	result := <-results
	require.NoError(t, result.err)
	assert.False(t, result.granted)
	assert.Equal(t, "bob", result.holderID, "denial reports the holder and is not retried")
}

func TestSessionLockRequestTimesOut(t *testing.T) {
	s := newTestSession(t, Handlers{})

	started := time.Now()
	granted, _, err := s.RequestLock(context.Background(), "evt-1")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, granted)
	assert.Less(t, time.Since(started), time.Second, "the wait is bounded")
}

func TestSessionLateLockGrantReleasedImmediately(t *testing.T) {
	s := newTestSession(t, Handlers{})

	// a grant with no registered waiter means the caller already gave up
	s.dispatch(serverEnvelope(t, wire.TypeLockResponse, &wire.LockResponse{
		RequestID: "abandoned-request",
		EventID:   "evt-9",
		Granted:   true,
	}))

	types := s.queuedTypes()
	require.Len(t, types, 1)
	assert.Equal(t, wire.TypeUnlockRequest, types[0], "late grant is released, not held")
}

func TestSessionLateDenialIsIgnored(t *testing.T) {
	s := newTestSession(t, Handlers{})

	s.dispatch(serverEnvelope(t, wire.TypeLockResponse, &wire.LockResponse{
		RequestID: "abandoned-request",
		EventID:   "evt-9",
		Granted:   false,
		HolderID:  "bob",
	}))
	assert.Empty(t, s.queuedTypes())
}

func TestSessionLockBroadcastsUpdateCache(t *testing.T) {
	s := newTestSession(t, Handlers{})

	s.dispatch(serverEnvelope(t, wire.TypeEventLocked, &wire.EventLocked{
		Lock: models.EventLock{EventID: "evt-1", HolderID: "bob", AcquiredAt: time.Now()},
	}))
	lock, held := s.LockHolder("evt-1")
	require.True(t, held)
	assert.Equal(t, "bob", lock.HolderID)

	s.dispatch(serverEnvelope(t, wire.TypeEventUnlocked, &wire.EventUnlocked{
		EventID: "evt-1", HolderID: "bob", Reason: "released",
	}))
	_, held = s.LockHolder("evt-1")
	assert.False(t, held)
}

func TestSessionProposalLifecycle(t *testing.T) {
	var rejectedReason string
	s := newTestSession(t, Handlers{
		OnChangeRejected: func(_ *models.ChangeProposal, reason string) { rejectedReason = reason },
	})

	p, err := s.ProposeChange(context.Background(), models.ProposalUpdate, "evt-1",
		models.EventState{"notes": "old"}, models.EventState{"notes": "new"})
	require.NoError(t, err)
	require.Len(t, s.PendingProposals(), 1)
	assert.Equal(t, []string{wire.TypeChangeProposal}, s.queuedTypes())

	applied := *p
	applied.Status = models.ProposalApplied
	s.dispatch(serverEnvelope(t, wire.TypeChangeApplied, &wire.ChangeApplied{
		Proposal:   &applied,
		FinalState: applied.AfterState,
	}))

	assert.Empty(t, s.PendingProposals(), "applied broadcast reconciles the optimistic pending set")
	got, ok := s.Proposal(p.ID)
	require.True(t, ok)
	assert.Equal(t, models.ProposalApplied, got.Status)
	assert.Equal(t, []string{wire.TypeChangeProposal, wire.TypeAcknowledgeChange}, s.queuedTypes(),
		"the outcome is acknowledged automatically")

	// a rejection for someone else's proposal still lands in the cache
	other := &models.ChangeProposal{ID: "p-other", EventID: "evt-2", Status: models.ProposalRejected}
	s.dispatch(serverEnvelope(t, wire.TypeChangeRejected, &wire.ChangeRejected{
		Proposal: other,
		Reason:   "superseded by a later change",
	}))
	assert.Equal(t, "superseded by a later change", rejectedReason)
}

func TestSessionConflictCache(t *testing.T) {
	var seen *models.Conflict
	s := newTestSession(t, Handlers{
		OnConflict: func(c *models.Conflict) { seen = c },
	})

	conflict := &models.Conflict{ID: "c1", EventID: "evt-1", Strategy: models.StrategyManualReview,
		CompetingProposals: []string{"p1", "p2"}}
	s.dispatch(serverEnvelope(t, wire.TypeConflictDetected, &wire.ConflictDetected{Conflict: conflict}))

	require.NotNil(t, seen)
	require.Len(t, s.OpenConflicts(), 1)

	resolvedAt := time.Now()
	resolved := *conflict
	resolved.ResolvedAt = &resolvedAt
	resolved.ResolvedBy = "admin-1"
	s.dispatch(serverEnvelope(t, wire.TypeConflictResolved, &wire.ConflictResolved{Conflict: &resolved}))
	assert.Empty(t, s.OpenConflicts())
}

func TestSessionChatAndUnread(t *testing.T) {
	s := newTestSession(t, Handlers{})

	s.dispatch(serverEnvelope(t, wire.TypeChatMessage, &wire.ChatMessageMsg{
		Message: &models.ChatMessage{ID: "m1", SenderID: "bob", Text: "hi", Timestamp: time.Now()},
	}))
	s.dispatch(serverEnvelope(t, wire.TypeChatMessage, &wire.ChatMessageMsg{
		Message: &models.ChatMessage{ID: "m2", SenderID: "alice", Text: "own message", Timestamp: time.Now()},
	}))

	assert.Len(t, s.Messages(), 2)
	assert.Equal(t, 1, s.UnreadCount(), "own messages are never unread")

	require.NoError(t, s.MarkRead(context.Background()))
	assert.Zero(t, s.UnreadCount())
}

func TestSessionReactionToggle(t *testing.T) {
	s := newTestSession(t, Handlers{})

	s.dispatch(serverEnvelope(t, wire.TypeChatMessage, &wire.ChatMessageMsg{
		Message: &models.ChatMessage{ID: "m1", SenderID: "bob", Text: "hi", Timestamp: time.Now()},
	}))

	reaction := &wire.MessageReaction{MessageID: "m1", ParticipantID: "cara", Emoji: "🎉"}
	s.dispatch(serverEnvelope(t, wire.TypeMessageReaction, reaction))
	assert.Equal(t, []string{"cara"}, s.Messages()[0].Reactions["🎉"])

	s.dispatch(serverEnvelope(t, wire.TypeMessageReaction, reaction))
	_, present := s.Messages()[0].Reactions["🎉"]
	assert.False(t, present, "second toggle removes the reaction")
}

func TestSessionCursorThrottle(t *testing.T) {
	s := newTestSession(t, Handlers{})

	for i := 0; i < 10; i++ {
		require.NoError(t, s.UpdateCursor(context.Background(), float64(i), float64(i)))
	}
	assert.Equal(t, 1, s.queue.Len(), "a burst of cursor moves coalesces to the rate limit")
}

func TestSessionMalformedEnvelopeDoesNotCrash(t *testing.T) {
	s := newTestSession(t, Handlers{})

	s.dispatch(&wire.Envelope{Type: wire.TypeUsersList, ID: "bad", Payload: []byte("{not json")})
	s.dispatch(&wire.Envelope{Type: "totally-unknown", ID: "odd"})

	assert.Empty(t, s.Participants())
}

func TestSessionBulkWaiterTimesOut(t *testing.T) {
	s := newTestSession(t, Handlers{})

	_, err := s.ExecuteBulk(context.Background(), models.BulkConfirm, []string{"evt-1"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionRequiresJoin(t *testing.T) {
	s := newTestSession(t, Handlers{})
	s.joined = false

	_, _, err := s.RequestLock(context.Background(), "evt-1")
	assert.ErrorIs(t, err, ErrNotJoined)
	_, err = s.ProposeChange(context.Background(), models.ProposalUpdate, "evt-1", nil, nil)
	assert.ErrorIs(t, err, ErrNotJoined)
	err = s.SendChat(context.Background(), "hello", "")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestSessionBacklogDrainsBeforeNewSends(t *testing.T) {
	s := newTestSession(t, Handlers{})
	var delivered []string
	s.deliver = func(_ context.Context, env *wire.Envelope) bool {
		delivered = append(delivered, env.Type)
		return true
	}

	require.NoError(t, s.queue.Enqueue(chatEnvelope("offline-1"), false))
	require.NoError(t, s.queue.Enqueue(chatEnvelope("offline-2"), false))

	// a live send while a backlog is pending joins the tail; it must not
	// overtake buffered messages
	require.NoError(t, s.UpdateActivity(context.Background(), models.ActivityEditing))
	assert.Empty(t, delivered)
	assert.Equal(t, 3, s.queue.Len())

	s.resume()
	assert.Equal(t, []string{
		wire.TypeJoinSession,
		wire.TypeChatMessage,
		wire.TypeChatMessage,
		wire.TypeUserActivity,
	}, delivered, "rejoin first, then the backlog in order, then the new message")
	assert.Zero(t, s.queue.Len())
}
