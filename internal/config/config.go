// Package config loads the server configuration from a YAML file overlaid
// with COLLAB_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/slotboard/collab/internal/api/websocket"
	"github.com/slotboard/collab/pkg/common/cache"
)

// APIConfig holds the HTTP listener settings
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds the connection settings for the scheduling store
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MetricsConfig holds the Prometheus exposition settings
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
	Namespace     string `mapstructure:"namespace"`
}

// Config holds the complete application configuration
type Config struct {
	API      APIConfig              `mapstructure:"api"`
	Database DatabaseConfig         `mapstructure:"database"`
	Cache    cache.RedisConfig      `mapstructure:"cache"`
	Collab   websocket.ServerConfig `mapstructure:"collab"`
	Metrics  MetricsConfig          `mapstructure:"metrics"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("COLLAB_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// config file is optional when environment variables cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)

	// Database defaults
	v.SetDefault("database.dsn", "postgres://localhost/slotboard?sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Cache defaults
	v.SetDefault("cache.address", "localhost:6379")
	v.SetDefault("cache.database", 0)
	v.SetDefault("cache.dial_timeout", 5*time.Second)
	v.SetDefault("cache.read_timeout", 3*time.Second)
	v.SetDefault("cache.write_timeout", 3*time.Second)

	// Collaboration defaults mirror DefaultServerConfig
	defaults := websocket.DefaultServerConfig()
	v.SetDefault("collab.send_buffer", defaults.SendBuffer)
	v.SetDefault("collab.message_rate", defaults.MessageRate)
	v.SetDefault("collab.message_burst", defaults.MessageBurst)
	v.SetDefault("collab.write_timeout", defaults.WriteTimeout)
	v.SetDefault("collab.chat_history_on_join", defaults.ChatHistoryOnJoin)
	v.SetDefault("collab.presence.away_after", defaults.Presence.AwayAfter)
	v.SetDefault("collab.presence.evict_after", defaults.Presence.EvictAfter)
	v.SetDefault("collab.presence.sweep_interval", defaults.Presence.SweepInterval)
	v.SetDefault("collab.presence.snapshot_ttl", defaults.Presence.SnapshotTTL)
	v.SetDefault("collab.locks.idle_expiry", defaults.Locks.IdleExpiry)
	v.SetDefault("collab.locks.sweep_interval", defaults.Locks.SweepInterval)
	v.SetDefault("collab.resolver.strategy", string(defaults.Resolver.Strategy))
	v.SetDefault("collab.resolver.settle_window", defaults.Resolver.SettleWindow)
	v.SetDefault("collab.resolver.ack_window", defaults.Resolver.AckWindow)
	v.SetDefault("collab.resolver.archive_size", defaults.Resolver.ArchiveSize)
	v.SetDefault("collab.bulk.batch_size", defaults.Bulk.BatchSize)
	v.SetDefault("collab.bulk.item_timeout", defaults.Bulk.ItemTimeout)
	v.SetDefault("collab.chat.history_limit", defaults.Chat.HistoryLimit)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_address", ":9090")
	v.SetDefault("metrics.namespace", "collab")
}
