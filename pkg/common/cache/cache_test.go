package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	SessionID    string   `json:"session_id"`
	Participants []string `json:"participants"`
}

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return NewRedisCacheFromClient(client), srv
}

func TestCacheSetGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	stored := snapshot{SessionID: "sess-1", Participants: []string{"alice", "bob"}}
	require.NoError(t, c.Set(ctx, "presence:sess-1", stored, time.Minute))

	var loaded snapshot
	require.NoError(t, c.Get(ctx, "presence:sess-1", &loaded))
	assert.Equal(t, stored, loaded)

	exists, err := c.Exists(ctx, "presence:sess-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCacheMissReturnsNotFound(t *testing.T) {
	c, _ := newTestCache(t)

	var loaded snapshot
	err := c.Get(context.Background(), "presence:absent", &loaded)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "presence:sess-1", snapshot{SessionID: "sess-1"}, time.Minute))
	require.NoError(t, c.Delete(ctx, "presence:sess-1"))

	exists, err := c.Exists(ctx, "presence:sess-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCacheTTLExpiry(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "presence:sess-1", snapshot{SessionID: "sess-1"}, 30*time.Second))
	srv.FastForward(31 * time.Second)

	var loaded snapshot
	assert.ErrorIs(t, c.Get(ctx, "presence:sess-1", &loaded), ErrNotFound)
}
