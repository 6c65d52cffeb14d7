package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/wire"
)

// ConnectionState represents the state of a server-side connection
type ConnectionState int

// Connection states
const (
	ConnectionStateConnecting ConnectionState = iota
	ConnectionStateConnected
	ConnectionStateClosing
	ConnectionStateClosed
)

// Connection is one client attached to the collaboration server
type Connection struct {
	ID            string
	ParticipantID string
	DisplayName   string
	Role          models.Role
	SessionID     string

	conn   *websocket.Conn
	server *Server
	// send is never closed: a broadcast racing teardown may still enqueue,
	// and the envelope simply never reaches the socket. done stops the
	// write pump instead.
	send      chan *wire.Envelope
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Value // ConnectionState
	lastSeen  atomic.Value // time.Time

	// dropped counts outbound envelopes discarded because the send buffer
	// was full; slow consumers must not block the room.
	dropped atomic.Uint64
}

func newConnection(conn *websocket.Conn, server *Server, sendBuffer int) *Connection {
	c := &Connection{
		conn:   conn,
		server: server,
		send:   make(chan *wire.Envelope, sendBuffer),
		done:   make(chan struct{}),
	}
	c.state.Store(ConnectionStateConnecting)
	c.lastSeen.Store(time.Now())
	return c
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	if s := c.state.Load(); s != nil {
		return s.(ConnectionState)
	}
	return ConnectionStateClosed
}

// SetState sets the connection state
func (c *Connection) SetState(state ConnectionState) {
	c.state.Store(state)
}

// IsActive reports whether the connection accepts traffic
func (c *Connection) IsActive() bool {
	state := c.State()
	return state == ConnectionStateConnected || state == ConnectionStateConnecting
}

// LastSeen returns the time of the last envelope received on this connection
func (c *Connection) LastSeen() time.Time {
	return c.lastSeen.Load().(time.Time)
}

// Enqueue queues an envelope for delivery. When the send buffer is full the
// envelope is dropped and counted rather than blocking the caller.
func (c *Connection) Enqueue(env *wire.Envelope) bool {
	if !c.IsActive() {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		c.dropped.Add(1)
		c.server.metrics.IncrementCounterWithLabels("connection_envelopes_dropped", 1, map[string]string{
			"session_id": c.SessionID,
		})
		return false
	}
}

// DroppedEnvelopes returns how many outbound envelopes were discarded
func (c *Connection) DroppedEnvelopes() uint64 {
	return c.dropped.Load()
}

// readPump reads envelopes from the socket and hands them to the server's
// dispatcher one at a time. Envelope handling for a connection is strictly
// sequential so a lock grant can never race a conflict notification.
func (c *Connection) readPump(ctx context.Context) {
	defer func() {
		c.SetState(ConnectionStateClosing)
		c.server.removeConnection(ctx, c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	limiter := newTokenBucket(c.server.config.MessageRate, c.server.config.MessageBurst)

	for {
		if !c.IsActive() {
			return
		}

		var env wire.Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.server.logger.Debug("read error", map[string]interface{}{
				"connection_id": c.ID,
				"error":         err.Error(),
			})
			return
		}

		c.lastSeen.Store(time.Now())

		if !limiter.Allow() {
			c.server.metrics.IncrementCounter("connection_rate_limited", 1)
			c.sendError(&env, wire.ErrCodeRateLimited, "rate limit exceeded")
			continue
		}

		c.server.dispatch(ctx, c, &env)
	}
}

// writePump drains the send channel onto the socket until teardown
func (c *Connection) writePump(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, c.server.config.WriteTimeout)
			err := wsjson.Write(writeCtx, c.conn, env)
			cancel()
			if err != nil {
				c.server.logger.Debug("write error", map[string]interface{}{
					"connection_id": c.ID,
					"error":         err.Error(),
				})
				return
			}
		}
	}
}

func (c *Connection) sendError(cause *wire.Envelope, code int, message string) {
	payload := &wire.Error{Code: code, Message: message}
	if cause != nil {
		payload.RequestID = cause.ID
	}
	c.Enqueue(wire.MustEnvelope(wire.TypeError, payload))
}

// tokenBucket implements the per-connection message rate limit
type tokenBucket struct {
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

func newTokenBucket(rate, capacity float64) *tokenBucket {
	return &tokenBucket{
		tokens:    capacity,
		capacity:  capacity,
		rate:      rate,
		lastCheck: time.Now(),
	}
}

func (b *tokenBucket) Allow() bool {
	now := time.Now()
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.lastCheck = now

	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}
