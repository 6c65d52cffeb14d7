package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotboard/collab/internal/api/websocket"
	"github.com/slotboard/collab/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COLLAB_CONFIG_FILE", "does-not-exist.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.ListenAddress)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "localhost:6379", cfg.Cache.Address)

	defaults := websocket.DefaultServerConfig()
	assert.Equal(t, defaults.SendBuffer, cfg.Collab.SendBuffer)
	assert.Equal(t, defaults.Presence.AwayAfter, cfg.Collab.Presence.AwayAfter)
	assert.Equal(t, defaults.Locks.IdleExpiry, cfg.Collab.Locks.IdleExpiry)
	assert.Equal(t, models.StrategyLastWriteWins, cfg.Collab.Resolver.Strategy)
	assert.Equal(t, defaults.Bulk.BatchSize, cfg.Collab.Bulk.BatchSize)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("COLLAB_CONFIG_FILE", "does-not-exist.yaml")
	t.Setenv("COLLAB_API_LISTEN_ADDRESS", ":9999")
	t.Setenv("COLLAB_COLLAB_LOCKS_IDLE_EXPIRY", "2m")
	t.Setenv("COLLAB_COLLAB_RESOLVER_STRATEGY", "auto-merge")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.API.ListenAddress)
	assert.Equal(t, 2*time.Minute, cfg.Collab.Locks.IdleExpiry)
	assert.Equal(t, models.StrategyAutoMerge, cfg.Collab.Resolver.Strategy)
}
