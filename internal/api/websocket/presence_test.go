package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotboard/collab/pkg/common/cache"
	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/wire"
)

func newTestPresence(t *testing.T) (*PresenceRegistry, *capturingPublisher) {
	t.Helper()
	pub := &capturingPublisher{}
	return NewPresenceRegistry(DefaultPresenceConfig(), pub, nil, nil, nil), pub
}

func TestPresenceJoinAndLeave(t *testing.T) {
	pr, pub := newTestPresence(t)
	ctx := context.Background()

	pr.Join(ctx, "sess-1", &models.Participant{ID: "alice", DisplayName: "Alice", Role: models.RoleAdmin})
	pr.Join(ctx, "sess-1", &models.Participant{ID: "bob", DisplayName: "Bob", Role: models.RoleViewer})

	roster := pr.ActiveParticipants("sess-1")
	assert.Len(t, roster, 2)

	alice := pr.Get("sess-1", "alice")
	require.NotNil(t, alice)
	assert.True(t, alice.Online)
	assert.Equal(t, models.ActivityViewing, alice.Activity)
	assert.True(t, alice.Permissions.CanManagePermissions, "admin permissions assigned on join")

	bob := pr.Get("sess-1", "bob")
	require.NotNil(t, bob)
	assert.False(t, bob.Permissions.CanEdit, "viewers cannot edit")

	pr.Leave(ctx, "sess-1", "bob", "left")
	assert.Len(t, pr.ActiveParticipants("sess-1"), 1)

	left := pub.byType(wire.TypeUserLeft)
	require.Len(t, left, 1)
	var payload wire.UserLeft
	require.NoError(t, left[0].DecodePayload(&payload))
	assert.Equal(t, "left", payload.Reason)

	// leaving twice announces nothing further
	pr.Leave(ctx, "sess-1", "bob", "left")
	assert.Len(t, pub.byType(wire.TypeUserLeft), 1)
}

func TestPresenceUpdates(t *testing.T) {
	pr, _ := newTestPresence(t)
	ctx := context.Background()

	pr.Join(ctx, "sess-1", &models.Participant{ID: "alice", Role: models.RoleTrainer})

	pr.UpdateActivity(ctx, "sess-1", "alice", models.ActivityDragging)
	pr.UpdateCursor("sess-1", "alice", models.CursorPosition{X: 10, Y: 20})
	pr.UpdateSelection("sess-1", "alice", []string{"evt-1", "evt-2"})

	alice := pr.Get("sess-1", "alice")
	require.NotNil(t, alice)
	assert.Equal(t, models.ActivityDragging, alice.Activity)
	require.NotNil(t, alice.Cursor)
	assert.Equal(t, 10.0, alice.Cursor.X)
	assert.Equal(t, []string{"evt-1", "evt-2"}, alice.SelectedEventIDs)

	// updates for an unknown participant are ignored
	pr.UpdateActivity(ctx, "sess-1", "ghost", models.ActivityEditing)
	assert.Nil(t, pr.Get("sess-1", "ghost"))
}

func TestPresenceSweepAwayAndEvict(t *testing.T) {
	pr, pub := newTestPresence(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	pr.now = func() time.Time { return now }

	pr.Join(ctx, "sess-1", &models.Participant{ID: "alice", Role: models.RoleTrainer})
	pr.Join(ctx, "sess-1", &models.Participant{ID: "bob", Role: models.RoleTrainer})
	pub.reset()

	// alice stays active, bob goes silent past the away threshold
	now = now.Add(3 * time.Minute)
	pr.Touch("sess-1", "alice")
	pr.sweep(ctx)

	bob := pr.Get("sess-1", "bob")
	require.NotNil(t, bob)
	assert.Equal(t, models.ActivityAway, bob.Activity)
	assert.Len(t, pub.byType(wire.TypeUserActivity), 1)

	// a touch revives bob from away
	pr.Touch("sess-1", "bob")
	assert.Equal(t, models.ActivityIdle, pr.Get("sess-1", "bob").Activity)

	// total silence past the eviction threshold removes bob entirely
	now = now.Add(11 * time.Minute)
	pr.Touch("sess-1", "alice")
	pr.sweep(ctx)

	assert.Nil(t, pr.Get("sess-1", "bob"))
	left := pub.byType(wire.TypeUserLeft)
	require.Len(t, left, 1)
	var payload wire.UserLeft
	require.NoError(t, left[0].DecodePayload(&payload))
	assert.Equal(t, "bob", payload.ParticipantID)
	assert.Equal(t, "timeout", payload.Reason)
}

func TestPresenceLastKnownServesMirroredSnapshot(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	pr := NewPresenceRegistry(DefaultPresenceConfig(), &capturingPublisher{}, store, nil, nil)
	pr.Join(ctx, "sess-1", &models.Participant{ID: "alice", DisplayName: "Alice", Role: models.RoleTrainer})

	// a fresh registry over the same cache stands in for a restarted server
	restarted := NewPresenceRegistry(DefaultPresenceConfig(), &capturingPublisher{}, store, nil, nil)
	require.Empty(t, restarted.ActiveParticipants("sess-1"))

	roster := restarted.LastKnown(ctx, "sess-1")
	require.Len(t, roster, 1)
	assert.Equal(t, "alice", roster[0].ID)
	assert.False(t, roster[0].Online, "mirrored participants are reported offline")

	// live state always wins over the mirror
	live := pr.LastKnown(ctx, "sess-1")
	require.Len(t, live, 1)
	assert.True(t, live[0].Online)
}

func TestPresenceLastKnownEmptyWithoutMirror(t *testing.T) {
	pr, _ := newTestPresence(t)
	assert.Empty(t, pr.LastKnown(context.Background(), "sess-unknown"))
}
