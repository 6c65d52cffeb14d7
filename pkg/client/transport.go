// Package client implements the client side of the collaborative scheduling
// core: the resilient transport, the offline message buffer, and the session
// orchestrator that composes them with cached presence, lock and proposal
// state for the UI layer.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/resilience"
	"github.com/slotboard/collab/pkg/wire"
)

// Status is the observable transport state
type Status string

// Transport statuses
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusCircuitOpen  Status = "circuit-open"
)

// Quality is the coarse connection-health indicator exposed to the UI
type Quality string

// Connection qualities
const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// TransportConfig configures the persistent connection
type TransportConfig struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	// StabilizationWindow is how long a connection must stay open before the
	// reconnect attempt counter resets
	StabilizationWindow time.Duration `mapstructure:"stabilization_window"`

	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	Breaker resilience.ConnectionBreakerConfig `mapstructure:"breaker"`
}

// DefaultTransportConfig returns the transport defaults
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:         10 * time.Second,
		HeartbeatInterval:   15 * time.Second,
		HeartbeatTimeout:    5 * time.Second,
		BackoffInitial:      500 * time.Millisecond,
		BackoffMax:          30 * time.Second,
		BackoffMultiplier:   2.0,
		StabilizationWindow: 30 * time.Second,
		WriteTimeout:        10 * time.Second,
		Breaker:             resilience.DefaultConnectionBreakerConfig(),
	}
}

// dialFunc dials a websocket. Tests substitute an in-process pipe.
type dialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// Transport maintains one persistent bidirectional connection, owning the
// reconnect policy, the circuit breaker and the heartbeat. Every status
// transition is delivered to registered listeners so dependent components can
// pause optimistic local mutations while disconnected.
type Transport struct {
	config  TransportConfig
	logger  observability.Logger
	metrics observability.MetricsClient
	breaker *resilience.ConnectionBreaker
	dial    dialFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	status    Status
	listeners []func(Status)
	attempt   int

	inbound chan *wire.Envelope
	pongs   chan string

	lastRTT        atomic.Int64 // nanoseconds
	recentFailures atomic.Int32

	closed    chan struct{}
	closeOnce sync.Once
	// generation guards against a stale read loop tearing down its successor
	generation atomic.Uint64
}

// NewTransport creates a transport. Connect must be called before Send.
func NewTransport(config TransportConfig, logger observability.Logger, metrics observability.MetricsClient) *Transport {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	t := &Transport{
		config:  config,
		logger:  logger.WithPrefix("transport"),
		metrics: metrics,
		breaker: resilience.NewConnectionBreaker(config.Breaker),
		status:  StatusDisconnected,
		inbound: make(chan *wire.Envelope, 256),
		pongs:   make(chan string, 8),
		closed:  make(chan struct{}),
	}
	t.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		return conn, err
	}
	return t
}

// Inbound is the stream of envelopes received from the server. The session
// consumes it sequentially; no other goroutine mutates local state.
func (t *Transport) Inbound() <-chan *wire.Envelope {
	return t.inbound
}

// Status returns the current transport status
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// OnStatusChange registers a listener invoked on every status transition
func (t *Transport) OnStatusChange(fn func(Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Quality derives the connection-health indicator from heartbeat RTT and the
// recent failure count
func (t *Transport) Quality() Quality {
	if t.Status() != StatusConnected {
		return QualityOffline
	}
	if t.recentFailures.Load() > 2 {
		return QualityPoor
	}
	rtt := time.Duration(t.lastRTT.Load())
	switch {
	case rtt <= 100*time.Millisecond:
		return QualityExcellent
	case rtt <= 400*time.Millisecond:
		return QualityGood
	default:
		return QualityPoor
	}
}

// Connect establishes the connection and starts the read and heartbeat loops.
// Failure is recorded against the circuit breaker and returned; the caller
// decides whether to enter the reconnect loop.
func (t *Transport) Connect(ctx context.Context) error {
	if !t.breaker.Allow() {
		t.setStatus(StatusCircuitOpen)
		return ErrCircuitOpen
	}
	t.setStatus(StatusConnecting)

	conn, err := t.dial(ctx, t.config.URL)
	if err != nil {
		t.recordDialFailure()
		return err
	}

	t.breaker.RecordSuccess()
	gen := t.generation.Add(1)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.setStatus(StatusConnected)
	t.metrics.IncrementCounter("transport_connects", 1)

	go t.readLoop(ctx, conn, gen)
	go t.heartbeatLoop(ctx, conn, gen)
	go t.stabilizationTimer(gen)
	return nil
}

// recordDialFailure charges a failed attempt to the breaker and surfaces the
// breaker state to observers the moment it trips, not on the next gated
// attempt.
func (t *Transport) recordDialFailure() {
	t.breaker.RecordFailure()
	t.recentFailures.Add(1)
	t.metrics.IncrementCounter("transport_connect_failures", 1)
	if t.breaker.State() == resilience.BreakerOpen {
		t.setStatus(StatusCircuitOpen)
	} else {
		t.setStatus(StatusError)
	}
}

// Disconnect closes the connection without scheduling a reconnect
func (t *Transport) Disconnect() {
	t.generation.Add(1) // orphan the running loops
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	t.setStatus(StatusDisconnected)
}

// Close permanently shuts the transport down
func (t *Transport) Close() {
	t.Disconnect()
	t.closeOnce.Do(func() { close(t.closed) })
}

// Reconnect runs the backoff loop until a connection is established, the
// context is cancelled, or the transport is closed. The delay between
// attempts is initial × multiplier^attempt capped at the configured maximum;
// the circuit breaker gates each attempt.
func (t *Transport) Reconnect(ctx context.Context) error {
	policy := resilience.NewReconnectBackOff(t.config.BackoffInitial, t.config.BackoffMax, t.config.BackoffMultiplier)
	t.mu.Lock()
	for i := 0; i < t.attempt; i++ {
		policy.NextBackOff() // advance to where the previous attempts left off
	}
	t.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return ErrTransportClosed
		default:
		}

		if !t.breaker.Allow() {
			t.setStatus(StatusCircuitOpen)
			select {
			case <-time.After(t.breaker.CoolDown()):
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-t.closed:
				return ErrTransportClosed
			}
		}

		t.setStatus(StatusReconnecting)
		t.mu.Lock()
		t.attempt++
		attempt := t.attempt
		t.mu.Unlock()

		if err := t.connectOnce(ctx); err != nil {
			delay := policy.NextBackOff()
			t.logger.Info("reconnect attempt failed", map[string]interface{}{
				"attempt":    attempt,
				"next_delay": delay.String(),
				"error":      err.Error(),
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-t.closed:
				return ErrTransportClosed
			}
			continue
		}
		return nil
	}
}

// connectOnce is Connect without the breaker Allow gate, which Reconnect
// already holds
func (t *Transport) connectOnce(ctx context.Context) error {
	conn, err := t.dial(ctx, t.config.URL)
	if err != nil {
		t.breaker.RecordFailure()
		t.recentFailures.Add(1)
		t.metrics.IncrementCounter("transport_connect_failures", 1)
		if t.breaker.State() == resilience.BreakerOpen {
			t.setStatus(StatusCircuitOpen)
		}
		return err
	}
	t.breaker.RecordSuccess()
	gen := t.generation.Add(1)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.setStatus(StatusConnected)
	t.metrics.IncrementCounter("transport_connects", 1)

	go t.readLoop(ctx, conn, gen)
	go t.heartbeatLoop(ctx, conn, gen)
	go t.stabilizationTimer(gen)
	return nil
}

// Send writes an envelope to the server, reporting delivery. A false return
// means the envelope was not handed to the socket; callers queue it instead.
func (t *Transport) Send(ctx context.Context, env *wire.Envelope) bool {
	t.mu.Lock()
	conn := t.conn
	status := t.status
	t.mu.Unlock()
	if conn == nil || status != StatusConnected {
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.config.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, env); err != nil {
		t.logger.Debug("send failed", map[string]interface{}{
			"type":  env.Type,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// readLoop receives envelopes until the connection fails. Pongs feed the
// heartbeat; everything else goes to the inbound stream. A failure from the
// current generation triggers the reconnect loop.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if t.generation.Load() == gen {
				t.connectionLost(ctx, "read: "+err.Error())
			}
			return
		}

		if env.Type == wire.TypePong {
			var pong wire.Pong
			if err := env.DecodePayload(&pong); err == nil {
				select {
				case t.pongs <- pong.Nonce:
				default:
				}
			}
			continue
		}

		select {
		case t.inbound <- &env:
		case <-t.closed:
			return
		}
	}
}

// heartbeatLoop sends a ping on the configured interval and treats a missing
// pong within the timeout as a connection failure.
func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-t.closed:
			return
		case <-ctx.Done():
			return
		}
		if t.generation.Load() != gen {
			return
		}

		nonce := uuid.New().String()
		sentAt := time.Now()
		if !t.Send(ctx, wire.MustEnvelope(wire.TypePing, &wire.Ping{Nonce: nonce})) {
			return
		}

		if !t.awaitPong(nonce) {
			if t.generation.Load() == gen {
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				t.connectionLost(ctx, "heartbeat timeout")
			}
			return
		}
		t.lastRTT.Store(int64(time.Since(sentAt)))
	}
}

func (t *Transport) awaitPong(nonce string) bool {
	deadline := time.After(t.config.HeartbeatTimeout)
	for {
		select {
		case got := <-t.pongs:
			if got == nonce {
				return true
			}
			// stale pong from a previous ping; keep waiting
		case <-deadline:
			return false
		case <-t.closed:
			return false
		}
	}
}

// stabilizationTimer resets the reconnect attempt counter once the connection
// has stayed open past the stabilization window
func (t *Transport) stabilizationTimer(gen uint64) {
	select {
	case <-time.After(t.config.StabilizationWindow):
	case <-t.closed:
		return
	}
	if t.generation.Load() != gen {
		return
	}
	t.mu.Lock()
	t.attempt = 0
	t.mu.Unlock()
	t.recentFailures.Store(0)
}

// connectionLost records the failure and starts the reconnect loop
func (t *Transport) connectionLost(ctx context.Context, reason string) {
	t.metrics.IncrementCounter("transport_connection_lost", 1)
	t.logger.Warn("connection lost", map[string]interface{}{"reason": reason})
	t.breaker.RecordFailure()
	t.recentFailures.Add(1)
	if t.breaker.State() == resilience.BreakerOpen {
		t.setStatus(StatusCircuitOpen)
	}

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()

	select {
	case <-t.closed:
		t.setStatus(StatusDisconnected)
		return
	default:
	}

	go func() {
		if err := t.Reconnect(ctx); err != nil {
			t.logger.Error("reconnect abandoned", map[string]interface{}{"error": err.Error()})
			t.setStatus(StatusError)
		}
	}()
}

func (t *Transport) setStatus(status Status) {
	t.mu.Lock()
	if t.status == status {
		t.mu.Unlock()
		return
	}
	t.status = status
	listeners := append([]func(Status){}, t.listeners...)
	t.mu.Unlock()

	t.metrics.IncrementCounterWithLabels("transport_status_changes", 1, map[string]string{
		"status": string(status),
	})
	for _, fn := range listeners {
		fn(status)
	}
}
