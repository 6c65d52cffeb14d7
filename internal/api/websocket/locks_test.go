package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotboard/collab/pkg/wire"
)

func newTestLockManager(t *testing.T) (*LockManager, *capturingPublisher) {
	t.Helper()
	pub := &capturingPublisher{}
	return NewLockManager(DefaultLockConfig(), pub, nil, nil), pub
}

func TestLockMutualExclusion(t *testing.T) {
	lm, _ := newTestLockManager(t)

	granted, lock := lm.Request("sess-1", "evt-1", "alice", "Alice")
	require.True(t, granted)
	assert.Equal(t, "alice", lock.HolderID)

	granted, lock = lm.Request("sess-1", "evt-1", "bob", "Bob")
	assert.False(t, granted)
	assert.Equal(t, "alice", lock.HolderID, "denial reports the current holder")

	// same event in a different session is independent
	granted, _ = lm.Request("sess-2", "evt-1", "bob", "Bob")
	assert.True(t, granted)
}

func TestLockReRequestByHolder(t *testing.T) {
	lm, pub := newTestLockManager(t)

	granted, _ := lm.Request("sess-1", "evt-1", "alice", "Alice")
	require.True(t, granted)
	granted, _ = lm.Request("sess-1", "evt-1", "alice", "Alice")
	assert.True(t, granted, "re-requesting a held lock succeeds")

	assert.Len(t, pub.byType(wire.TypeEventLocked), 1, "the refresh is not re-broadcast")
}

func TestLockRelease(t *testing.T) {
	lm, pub := newTestLockManager(t)

	lm.Request("sess-1", "evt-1", "alice", "Alice")

	assert.False(t, lm.Release("sess-1", "evt-1", "bob", "released"), "non-holder cannot release")
	assert.True(t, lm.Release("sess-1", "evt-1", "alice", "released"))
	assert.False(t, lm.Release("sess-1", "evt-1", "alice", "released"), "double release is a no-op")

	_, held := lm.Holder("sess-1", "evt-1")
	assert.False(t, held)

	unlocked := pub.byType(wire.TypeEventUnlocked)
	require.Len(t, unlocked, 1)
	var payload wire.EventUnlocked
	require.NoError(t, unlocked[0].DecodePayload(&payload))
	assert.Equal(t, "released", payload.Reason)
}

func TestReleaseAllHeldByOnDisconnect(t *testing.T) {
	lm, pub := newTestLockManager(t)

	lm.Request("sess-1", "evt-1", "alice", "Alice")
	lm.Request("sess-1", "evt-2", "alice", "Alice")
	lm.Request("sess-1", "evt-3", "bob", "Bob")

	released := lm.ReleaseAllHeldBy("sess-1", "alice")
	assert.ElementsMatch(t, []string{"evt-1", "evt-2"}, released)

	_, held := lm.Holder("sess-1", "evt-3")
	assert.True(t, held, "other holders are untouched")

	for _, env := range pub.byType(wire.TypeEventUnlocked) {
		var payload wire.EventUnlocked
		require.NoError(t, env.DecodePayload(&payload))
		assert.Equal(t, "disconnected", payload.Reason)
	}
}

func TestIdleLockExpiry(t *testing.T) {
	lm, pub := newTestLockManager(t)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lm.SetClock(func() time.Time { return now })

	lm.Request("sess-1", "evt-1", "alice", "Alice")
	lm.Request("sess-1", "evt-2", "alice", "Alice")

	// activity on evt-2 defers its expiry
	now = now.Add(60 * time.Second)
	lm.TouchActivity("sess-1", "evt-2")

	now = now.Add(45 * time.Second)
	lm.sweep()

	_, held := lm.Holder("sess-1", "evt-1")
	assert.False(t, held, "idle lock expires")
	_, held = lm.Holder("sess-1", "evt-2")
	assert.True(t, held, "recently active lock survives")

	unlocked := pub.byType(wire.TypeEventUnlocked)
	require.Len(t, unlocked, 1)
	var payload wire.EventUnlocked
	require.NoError(t, unlocked[0].DecodePayload(&payload))
	assert.Equal(t, "evt-1", payload.EventID)
	assert.Equal(t, "expired", payload.Reason)
}

func TestLockSnapshot(t *testing.T) {
	lm, _ := newTestLockManager(t)

	lm.Request("sess-1", "evt-1", "alice", "Alice")
	lm.Request("sess-1", "evt-2", "bob", "Bob")

	snapshot := lm.Snapshot("sess-1")
	assert.Len(t, snapshot, 2)
	assert.Empty(t, lm.Snapshot("sess-2"))
}
