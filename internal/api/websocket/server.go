// Package websocket implements the server side of the collaborative
// scheduling core: the connection lifecycle, the presence registry, the event
// lock authority, the change-proposal resolver, the bulk operation executor
// and the chat channel, all fanned out over one WebSocket per client.
package websocket

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/slotboard/collab/pkg/common/cache"
	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/repository"
	"github.com/slotboard/collab/pkg/resilience"
	"github.com/slotboard/collab/pkg/wire"
)

// Publisher fans an envelope out to every connection in a session
type Publisher interface {
	Publish(sessionID string, env *wire.Envelope)
}

// ServerConfig configures the collaboration server
type ServerConfig struct {
	// SendBuffer is the per-connection outbound channel capacity
	SendBuffer int `mapstructure:"send_buffer"`
	// MessageRate and MessageBurst bound inbound envelopes per connection
	MessageRate  float64 `mapstructure:"message_rate"`
	MessageBurst float64 `mapstructure:"message_burst"`
	// WriteTimeout bounds a single socket write
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ChatHistoryOnJoin is how many recent messages a joining client receives
	ChatHistoryOnJoin int `mapstructure:"chat_history_on_join"`

	Presence PresenceConfig `mapstructure:"presence"`
	Locks    LockConfig     `mapstructure:"locks"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Bulk     BulkConfig     `mapstructure:"bulk"`
	Chat     ChatConfig     `mapstructure:"chat"`
}

// DefaultServerConfig returns the server defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SendBuffer:        256,
		MessageRate:       1000.0 / 60.0,
		MessageBurst:      100,
		WriteTimeout:      10 * time.Second,
		ChatHistoryOnJoin: 50,
		Presence:          DefaultPresenceConfig(),
		Locks:             DefaultLockConfig(),
		Resolver:          DefaultResolverConfig(),
		Bulk:              DefaultBulkConfig(),
		Chat:              DefaultChatConfig(),
	}
}

type handlerFunc func(ctx context.Context, conn *Connection, env *wire.Envelope)

// Server is the collaboration authority. It owns every component and routes
// inbound envelopes to them through a per-type dispatch table.
type Server struct {
	config  ServerConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	Presence *PresenceRegistry
	Locks    *LockManager
	Resolver *ProposalResolver
	Bulk     *BulkExecutor
	Chat     *ChatManager

	rooms    *roomIndex
	handlers map[string]handlerFunc
}

// NewServer wires up the collaboration server
func NewServer(config ServerConfig, repo repository.EventRepository, stateCache cache.Cache, breakers *resilience.BreakerRegistry, logger observability.Logger, metrics observability.MetricsClient) (*Server, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	s := &Server{
		config:  config,
		logger:  logger.WithPrefix("collab-server"),
		metrics: metrics,
		rooms:   newRoomIndex(),
	}

	s.Presence = NewPresenceRegistry(config.Presence, s, stateCache, logger, metrics)
	s.Locks = NewLockManager(config.Locks, s, logger, metrics)

	resolver, err := NewProposalResolver(config.Resolver, s, logger, metrics)
	if err != nil {
		return nil, err
	}
	s.Resolver = resolver

	s.Bulk = NewBulkExecutor(repo, breakers, config.Bulk, logger, metrics)
	s.Chat = NewChatManager(config.Chat, s, logger, metrics)

	s.handlers = map[string]handlerFunc{
		wire.TypeJoinSession:       s.handleJoinSession,
		wire.TypeLeaveSession:      s.handleLeaveSession,
		wire.TypeUserActivity:      s.handleUserActivity,
		wire.TypeCursorUpdate:      s.handleCursorUpdate,
		wire.TypeSelectionUpdate:   s.handleSelectionUpdate,
		wire.TypeLockRequest:       s.handleLockRequest,
		wire.TypeUnlockRequest:     s.handleUnlockRequest,
		wire.TypeChangeProposal:    s.handleChangeProposal,
		wire.TypeAcknowledgeChange: s.handleAcknowledgeChange,
		wire.TypeResolveConflict:   s.handleResolveConflict,
		wire.TypeChatMessage:       s.handleChatMessage,
		wire.TypeMessageReaction:   s.handleMessageReaction,
		wire.TypeMessageRead:       s.handleMessageRead,
		wire.TypeBulkOperation:     s.handleBulkOperation,
		wire.TypePing:              s.handlePing,
	}
	return s, nil
}

// Start launches the background sweeps
func (s *Server) Start(ctx context.Context) {
	s.Presence.Start(ctx)
	s.Locks.Start(ctx)
}

// Stop halts the background sweeps
func (s *Server) Stop() {
	s.Presence.Stop()
	s.Locks.Stop()
}

// RegisterRoutes attaches the collaboration endpoints to a gin router
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", s.HandleWebSocket)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// HandleWebSocket upgrades the request and runs the connection to completion
func (s *Server) HandleWebSocket(c *gin.Context) {
	sock, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", map[string]interface{}{"error": err.Error()})
		return
	}

	conn := newConnection(sock, s, s.config.SendBuffer)
	conn.ID = uuid.New().String()
	conn.SetState(ConnectionStateConnected)

	s.metrics.IncrementCounter("connections_accepted", 1)

	ctx := c.Request.Context()
	go conn.writePump(ctx)
	conn.readPump(ctx)
}

// Publish implements Publisher by fanning out to every connection in the session
func (s *Server) Publish(sessionID string, env *wire.Envelope) {
	for _, conn := range s.rooms.connections(sessionID) {
		conn.Enqueue(env)
	}
}

// dispatch routes one inbound envelope. The envelope timestamp is overwritten
// with server time on receipt so conflict ordering uses server-assigned time.
// A handler panic or decode failure drops the envelope; it never kills the
// connection's processing loop.
func (s *Server) dispatch(ctx context.Context, conn *Connection, env *wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", map[string]interface{}{
				"type":          env.Type,
				"connection_id": conn.ID,
				"panic":         r,
			})
			conn.sendError(env, wire.ErrCodeServerError, "internal error")
		}
	}()

	env.Timestamp = time.Now().UTC()

	handler, ok := s.handlers[env.Type]
	if !ok {
		s.logger.Debug("unknown envelope type dropped", map[string]interface{}{
			"type":          env.Type,
			"connection_id": conn.ID,
		})
		conn.sendError(env, wire.ErrCodeUnknownType, "unknown envelope type: "+env.Type)
		return
	}

	if env.Type != wire.TypeJoinSession && env.Type != wire.TypePing && conn.SessionID == "" {
		conn.sendError(env, wire.ErrCodeNotJoined, "join a session first")
		return
	}

	s.metrics.IncrementCounterWithLabels("envelopes_received", 1, map[string]string{"type": env.Type})
	handler(ctx, conn, env)
}

// removeConnection tears down a connection: room membership first, so no
// broadcast can reach it afterwards, then presence departure and release of
// every lock it held. The send channel stays open; the write pump exits via
// done, so a Publish racing the teardown can never hit a closed channel.
func (s *Server) removeConnection(ctx context.Context, conn *Connection) {
	conn.SetState(ConnectionStateClosed)
	if conn.SessionID != "" {
		s.rooms.remove(conn)
		s.Locks.ReleaseAllHeldBy(conn.SessionID, conn.ParticipantID)
		s.Presence.Leave(ctx, conn.SessionID, conn.ParticipantID, "disconnected")
	}
	conn.closeOnce.Do(func() { close(conn.done) })
	s.metrics.IncrementCounter("connections_closed", 1)
}

// SessionStats is a point-in-time summary of one session, for dashboards
type SessionStats struct {
	SessionID        string `json:"session_id"`
	Participants     int    `json:"participants"`
	HeldLocks        int    `json:"held_locks"`
	PendingProposals int    `json:"pending_proposals"`
	OpenConflicts    int    `json:"open_conflicts"`
}

// Stats returns the current summary for a session
func (s *Server) Stats(sessionID string) SessionStats {
	return SessionStats{
		SessionID:        sessionID,
		Participants:     len(s.Presence.ActiveParticipants(sessionID)),
		HeldLocks:        len(s.Locks.Snapshot(sessionID)),
		PendingProposals: len(s.Resolver.ProposalsByStatus(sessionID, models.ProposalPending)),
		OpenConflicts:    len(s.Resolver.OpenConflicts(sessionID)),
	}
}
