package resilience

import (
	"sync"
	"time"
)

// BreakerState is the state of a ConnectionBreaker
type BreakerState int

// Connection breaker states
const (
	BreakerClosed   BreakerState = iota // connection attempts allowed
	BreakerOpen                         // tripped, attempts refused until cool-down elapses
	BreakerHalfOpen                     // exactly one probe attempt allowed
)

// String returns the state name
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ConnectionBreakerConfig configures a ConnectionBreaker
type ConnectionBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the breaker
	FailureThreshold int
	// CoolDown is the initial open interval before a probe is allowed
	CoolDown time.Duration
	// MaxCoolDown bounds the doubling applied after a failed probe
	MaxCoolDown time.Duration
}

// DefaultConnectionBreakerConfig returns the defaults used by the transport
func DefaultConnectionBreakerConfig() ConnectionBreakerConfig {
	return ConnectionBreakerConfig{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		MaxCoolDown:      5 * time.Minute,
	}
}

// ConnectionBreaker guards a reconnect loop. Unlike the request-scoped
// gobreaker registry, it counts consecutive connection failures, refuses
// attempts while open, admits exactly one probe per cool-down, and doubles
// the cool-down (bounded) each time a probe fails.
type ConnectionBreaker struct {
	mu         sync.Mutex
	config     ConnectionBreakerConfig
	state      BreakerState
	failures   int
	coolDown   time.Duration
	openedAt   time.Time
	probeInUse bool
	now        func() time.Time
}

// NewConnectionBreaker creates a breaker in the closed state
func NewConnectionBreaker(config ConnectionBreakerConfig) *ConnectionBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConnectionBreakerConfig().FailureThreshold
	}
	if config.CoolDown <= 0 {
		config.CoolDown = DefaultConnectionBreakerConfig().CoolDown
	}
	if config.MaxCoolDown < config.CoolDown {
		config.MaxCoolDown = DefaultConnectionBreakerConfig().MaxCoolDown
	}
	return &ConnectionBreaker{
		config:   config,
		state:    BreakerClosed,
		coolDown: config.CoolDown,
		now:      time.Now,
	}
}

// Allow reports whether a connection attempt may proceed. While open, only
// the first call after the cool-down elapses is admitted, as the half-open
// probe.
func (b *ConnectionBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probeInUse {
			return false
		}
		b.probeInUse = true
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeInUse = true
		return true
	}
	return false
}

// RecordSuccess reports a connection that succeeded. It closes the circuit
// and resets the failure count and cool-down.
func (b *ConnectionBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.coolDown = b.config.CoolDown
	b.probeInUse = false
}

// RecordFailure reports a failed connection attempt. Crossing the threshold
// opens the circuit; a failed half-open probe reopens it with the cool-down
// doubled, capped at MaxCoolDown.
func (b *ConnectionBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case BreakerHalfOpen:
		b.coolDown *= 2
		if b.coolDown > b.config.MaxCoolDown {
			b.coolDown = b.config.MaxCoolDown
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probeInUse = false
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerOpen:
		// Failures reported while open (e.g. heartbeat loss detected late)
		// keep the circuit open without extending the cool-down.
	}
}

// State returns the current breaker state
func (b *ConnectionBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current consecutive-failure count
func (b *ConnectionBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// CoolDown returns the current cool-down interval
func (b *ConnectionBreaker) CoolDown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coolDown
}

// SetClock overrides the time source. Tests only.
func (b *ConnectionBreaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
