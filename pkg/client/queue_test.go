package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotboard/collab/pkg/wire"
)

func chatEnvelope(text string) *wire.Envelope {
	return wire.MustEnvelope(wire.TypeChatMessage, map[string]string{"text": text})
}

func TestQueueFlushPreservesOrder(t *testing.T) {
	q := NewOfflineQueue(DefaultQueueConfig(), nil, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(chatEnvelope(fmt.Sprintf("msg-%d", i)), false))
	}
	require.Equal(t, 5, q.Len())

	var delivered []string
	result := q.Flush(context.Background(), func(_ context.Context, env *wire.Envelope) error {
		var payload map[string]string
		require.NoError(t, env.DecodePayload(&payload))
		delivered = append(delivered, payload["text"])
		return nil
	})

	assert.Equal(t, 5, result.Delivered)
	assert.Empty(t, result.Failed)
	assert.Zero(t, result.Remaining)
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2", "msg-3", "msg-4"}, delivered)
	assert.Zero(t, q.Len())
}

func TestQueueDropsOldestNonCriticalAtCapacity(t *testing.T) {
	q := NewOfflineQueue(QueueConfig{Capacity: 3, FlushTimeout: time.Second, MaxAttempts: 1}, nil, nil)

	require.NoError(t, q.Enqueue(chatEnvelope("oldest"), false))
	require.NoError(t, q.Enqueue(chatEnvelope("middle"), false))
	require.NoError(t, q.Enqueue(chatEnvelope("newest"), false))

	require.NoError(t, q.Enqueue(chatEnvelope("overflow"), false))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	var texts []string
	q.Flush(context.Background(), func(_ context.Context, env *wire.Envelope) error {
		var payload map[string]string
		require.NoError(t, env.DecodePayload(&payload))
		texts = append(texts, payload["text"])
		return nil
	})
	assert.Equal(t, []string{"middle", "newest", "overflow"}, texts)
}

func TestQueueCriticalNeverEvicted(t *testing.T) {
	q := NewOfflineQueue(QueueConfig{Capacity: 2, FlushTimeout: time.Second, MaxAttempts: 1}, nil, nil)

	lockReq := wire.MustEnvelope(wire.TypeLockRequest, &wire.LockRequest{EventID: "evt-1"})
	proposal := wire.MustEnvelope(wire.TypeChangeProposal, map[string]string{"id": "p1"})
	require.NoError(t, q.Enqueue(lockReq, true))
	require.NoError(t, q.Enqueue(proposal, true))

	// a full queue of criticals refuses another critical loudly
	err := q.Enqueue(wire.MustEnvelope(wire.TypeLockRequest, &wire.LockRequest{EventID: "evt-2"}), true)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	// a non-critical arrival is dropped and counted, never displacing a critical
	require.NoError(t, q.Enqueue(chatEnvelope("chatter"), false))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestQueueCriticalEvictsNonCritical(t *testing.T) {
	q := NewOfflineQueue(QueueConfig{Capacity: 2, FlushTimeout: time.Second, MaxAttempts: 1}, nil, nil)

	require.NoError(t, q.Enqueue(chatEnvelope("droppable"), false))
	lockReq := wire.MustEnvelope(wire.TypeLockRequest, &wire.LockRequest{EventID: "evt-1"})
	require.NoError(t, q.Enqueue(lockReq, true))

	require.NoError(t, q.Enqueue(wire.MustEnvelope(wire.TypeLockRequest, &wire.LockRequest{EventID: "evt-2"}), true))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped(), "the non-critical message made room")
}

func TestQueueFlushSurfacesExhaustedAttempts(t *testing.T) {
	q := NewOfflineQueue(QueueConfig{Capacity: 10, FlushTimeout: 50 * time.Millisecond, MaxAttempts: 3}, nil, nil)

	stuck := chatEnvelope("stuck")
	require.NoError(t, q.Enqueue(stuck, false))
	require.NoError(t, q.Enqueue(chatEnvelope("fine"), false))

	deliveries := map[string]int{}
	result := q.Flush(context.Background(), func(_ context.Context, env *wire.Envelope) error {
		deliveries[env.ID]++
		if env.ID == stuck.ID {
			return errors.New("no ack")
		}
		return nil
	})

	assert.Equal(t, 1, result.Delivered)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, stuck.ID, result.Failed[0].Message.ID)
	assert.Equal(t, 3, result.Failed[0].Message.Attempts, "attempts exhausted, not retried forever")
	assert.Equal(t, 3, deliveries[stuck.ID])
	assert.Zero(t, q.Len(), "a surfaced failure unblocks the rest of the queue")
}

func TestQueueClear(t *testing.T) {
	q := NewOfflineQueue(DefaultQueueConfig(), nil, nil)
	require.NoError(t, q.Enqueue(chatEnvelope("one"), false))
	require.NoError(t, q.Enqueue(chatEnvelope("two"), false))
	q.Clear()
	assert.Zero(t, q.Len())
}
