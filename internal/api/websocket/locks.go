package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/wire"
)

// LockConfig configures the event lock manager
type LockConfig struct {
	// IdleExpiry releases a lock held with no proposal activity for this long
	IdleExpiry time.Duration `mapstructure:"idle_expiry"`
	// SweepInterval is how often the expiry sweep runs
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DefaultLockConfig returns the lock manager defaults
func DefaultLockConfig() LockConfig {
	return LockConfig{
		IdleExpiry:    90 * time.Second,
		SweepInterval: 10 * time.Second,
	}
}

type heldLock struct {
	lock models.EventLock
	// lastActivity is refreshed when the holder submits a proposal; the idle
	// expiry sweep measures against it, not against AcquiredAt.
	lastActivity time.Time
}

// LockManager is the server-side authority for exclusive event edit locks.
// At most one lock exists per event ID at any time.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]map[string]*heldLock // session ID -> event ID -> lock

	config    LockConfig
	publisher Publisher
	logger    observability.Logger
	metrics   observability.MetricsClient
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewLockManager creates a lock manager
func NewLockManager(config LockConfig, publisher Publisher, logger observability.Logger, metrics observability.MetricsClient) *LockManager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &LockManager{
		locks:     make(map[string]map[string]*heldLock),
		config:    config,
		publisher: publisher,
		logger:    logger.WithPrefix("locks"),
		metrics:   metrics,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Start launches the idle-expiry sweep
func (lm *LockManager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(lm.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				lm.sweep()
			case <-lm.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the expiry sweep
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() { close(lm.stop) })
}

// Request attempts to grant an exclusive lock. A request for an event already
// held by another participant is denied immediately; re-requesting a lock the
// caller already holds succeeds and refreshes its activity. Denials are never
// retried by the manager.
func (lm *LockManager) Request(sessionID, eventID, participantID, displayName string) (bool, models.EventLock) {
	lm.mu.Lock()
	room, ok := lm.locks[sessionID]
	if !ok {
		room = make(map[string]*heldLock)
		lm.locks[sessionID] = room
	}

	if held, exists := room[eventID]; exists {
		if held.lock.HolderID != participantID {
			existing := held.lock
			lm.mu.Unlock()
			lm.metrics.IncrementCounter("locks_denied", 1)
			return false, existing
		}
		held.lastActivity = lm.now()
		existing := held.lock
		lm.mu.Unlock()
		return true, existing
	}

	granted := models.EventLock{
		EventID:    eventID,
		HolderID:   participantID,
		HolderName: displayName,
		AcquiredAt: lm.now(),
	}
	room[eventID] = &heldLock{lock: granted, lastActivity: granted.AcquiredAt}
	lm.mu.Unlock()

	lm.metrics.IncrementCounter("locks_granted", 1)
	lm.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeEventLocked, &wire.EventLocked{Lock: granted}))
	return true, granted
}

// Release releases a lock held by participantID. Releasing a lock held by
// someone else, or not held at all, is a no-op returning false.
func (lm *LockManager) Release(sessionID, eventID, participantID, reason string) bool {
	lm.mu.Lock()
	room := lm.locks[sessionID]
	held, ok := room[eventID]
	if !ok || held.lock.HolderID != participantID {
		lm.mu.Unlock()
		return false
	}
	delete(room, eventID)
	if len(room) == 0 {
		delete(lm.locks, sessionID)
	}
	lm.mu.Unlock()

	lm.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeEventUnlocked, &wire.EventUnlocked{
		EventID:  eventID,
		HolderID: participantID,
		Reason:   reason,
	}))
	return true
}

// ReleaseAllHeldBy releases every lock a participant holds in a session.
// Called when the holder's connection closes or its heartbeat times out.
func (lm *LockManager) ReleaseAllHeldBy(sessionID, participantID string) []string {
	lm.mu.Lock()
	room := lm.locks[sessionID]
	var released []string
	for eventID, held := range room {
		if held.lock.HolderID == participantID {
			delete(room, eventID)
			released = append(released, eventID)
		}
	}
	if len(room) == 0 {
		delete(lm.locks, sessionID)
	}
	lm.mu.Unlock()

	for _, eventID := range released {
		lm.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeEventUnlocked, &wire.EventUnlocked{
			EventID:  eventID,
			HolderID: participantID,
			Reason:   "disconnected",
		}))
	}
	return released
}

// Holder returns the current lock for an event, if any
func (lm *LockManager) Holder(sessionID, eventID string) (models.EventLock, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if held, ok := lm.locks[sessionID][eventID]; ok {
		return held.lock, true
	}
	return models.EventLock{}, false
}

// Snapshot returns all locks held in a session
func (lm *LockManager) Snapshot(sessionID string) []models.EventLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	room := lm.locks[sessionID]
	out := make([]models.EventLock, 0, len(room))
	for _, held := range room {
		out = append(out, held.lock)
	}
	return out
}

// TouchActivity refreshes a lock's proposal activity, deferring idle expiry
func (lm *LockManager) TouchActivity(sessionID, eventID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if held, ok := lm.locks[sessionID][eventID]; ok {
		held.lastActivity = lm.now()
	}
}

// sweep expires locks idle past the grace period
func (lm *LockManager) sweep() {
	now := lm.now()
	type expired struct {
		sessionID string
		eventID   string
		holderID  string
	}
	var gone []expired

	lm.mu.Lock()
	for sessionID, room := range lm.locks {
		for eventID, held := range room {
			if now.Sub(held.lastActivity) > lm.config.IdleExpiry {
				delete(room, eventID)
				gone = append(gone, expired{sessionID, eventID, held.lock.HolderID})
			}
		}
		if len(room) == 0 {
			delete(lm.locks, sessionID)
		}
	}
	lm.mu.Unlock()

	for _, e := range gone {
		lm.metrics.IncrementCounter("locks_expired", 1)
		lm.logger.Info("idle lock expired", map[string]interface{}{
			"session_id": e.sessionID,
			"event_id":   e.eventID,
			"holder_id":  e.holderID,
		})
		lm.publisher.Publish(e.sessionID, wire.MustEnvelope(wire.TypeEventUnlocked, &wire.EventUnlocked{
			EventID:  e.eventID,
			HolderID: e.holderID,
			Reason:   "expired",
		}))
	}
}

// SetClock overrides the time source. Tests only.
func (lm *LockManager) SetClock(now func() time.Time) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.now = now
}
