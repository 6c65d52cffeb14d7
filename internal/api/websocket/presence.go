package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/slotboard/collab/pkg/common/cache"
	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/wire"
)

// PresenceConfig configures the presence registry
type PresenceConfig struct {
	// AwayAfter marks a participant away after this much inactivity
	AwayAfter time.Duration `mapstructure:"away_after"`
	// EvictAfter removes a participant entirely after this much silence
	EvictAfter time.Duration `mapstructure:"evict_after"`
	// SweepInterval is how often the timeout sweep runs
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SnapshotTTL is the redis mirror expiry for the roster snapshot
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// DefaultPresenceConfig returns the presence defaults
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		AwayAfter:     2 * time.Minute,
		EvictAfter:    10 * time.Minute,
		SweepInterval: 15 * time.Second,
		SnapshotTTL:   30 * time.Minute,
	}
}

// PresenceRegistry tracks which participants are attached to each session and
// their live activity, cursor and selection state. The registry always applies
// the latest update it receives; throttling is a sender-side concern.
type PresenceRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*models.Participant

	config    PresenceConfig
	publisher Publisher
	cache     cache.Cache
	logger    observability.Logger
	metrics   observability.MetricsClient
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewPresenceRegistry creates a presence registry. The cache is optional; when
// present the roster is mirrored per session so last-known state survives a
// server restart.
func NewPresenceRegistry(config PresenceConfig, publisher Publisher, c cache.Cache, logger observability.Logger, metrics observability.MetricsClient) *PresenceRegistry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &PresenceRegistry{
		sessions:  make(map[string]map[string]*models.Participant),
		config:    config,
		publisher: publisher,
		cache:     c,
		logger:    logger.WithPrefix("presence"),
		metrics:   metrics,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Start launches the timeout sweep
func (pr *PresenceRegistry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(pr.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pr.sweep(ctx)
			case <-pr.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the timeout sweep
func (pr *PresenceRegistry) Stop() {
	pr.stopOnce.Do(func() { close(pr.stop) })
}

// Join registers a participant in a session and announces them to the room
func (pr *PresenceRegistry) Join(ctx context.Context, sessionID string, p *models.Participant) {
	now := pr.now()
	p.Online = true
	p.Activity = models.ActivityViewing
	p.JoinedAt = now
	p.LastSeen = now
	p.Permissions = models.PermissionsForRole(p.Role)

	pr.mu.Lock()
	room, ok := pr.sessions[sessionID]
	if !ok {
		room = make(map[string]*models.Participant)
		pr.sessions[sessionID] = room
	}
	room[p.ID] = p
	count := len(room)
	pr.mu.Unlock()

	pr.metrics.RecordGauge("presence_participants", float64(count), map[string]string{"session_id": sessionID})
	pr.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeUserJoined, &wire.UserJoined{Participant: p.Clone()}))
	pr.mirror(ctx, sessionID)
}

// Leave removes a participant and announces the departure with the given reason
func (pr *PresenceRegistry) Leave(ctx context.Context, sessionID, participantID, reason string) {
	pr.mu.Lock()
	room, ok := pr.sessions[sessionID]
	if ok {
		if _, present := room[participantID]; !present {
			ok = false
		}
		delete(room, participantID)
		if len(room) == 0 {
			delete(pr.sessions, sessionID)
		}
	}
	pr.mu.Unlock()

	if !ok {
		return
	}
	pr.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeUserLeft, &wire.UserLeft{
		ParticipantID: participantID,
		Reason:        reason,
	}))
	pr.mirror(ctx, sessionID)
}

// Touch refreshes a participant's last-seen time, reviving them from away
func (pr *PresenceRegistry) Touch(sessionID, participantID string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if p := pr.lookup(sessionID, participantID); p != nil {
		p.LastSeen = pr.now()
		if p.Activity == models.ActivityAway {
			p.Activity = models.ActivityIdle
		}
	}
}

// UpdateActivity sets a participant's activity state
func (pr *PresenceRegistry) UpdateActivity(ctx context.Context, sessionID, participantID string, activity models.Activity) {
	pr.mu.Lock()
	p := pr.lookup(sessionID, participantID)
	if p != nil {
		p.Activity = activity
		p.LastSeen = pr.now()
	}
	pr.mu.Unlock()
	if p == nil {
		return
	}
	pr.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeUserActivity, &wire.UserActivity{
		ParticipantID: participantID,
		Activity:      activity,
	}))
}

// UpdateCursor sets a participant's cursor position
func (pr *PresenceRegistry) UpdateCursor(sessionID, participantID string, cursor models.CursorPosition) {
	pr.mu.Lock()
	p := pr.lookup(sessionID, participantID)
	if p != nil {
		c := cursor
		p.Cursor = &c
		p.LastSeen = pr.now()
	}
	pr.mu.Unlock()
	if p == nil {
		return
	}
	pr.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeCursorUpdate, &wire.CursorUpdate{
		ParticipantID: participantID,
		Cursor:        cursor,
	}))
}

// UpdateSelection replaces a participant's selected event set
func (pr *PresenceRegistry) UpdateSelection(sessionID, participantID string, eventIDs []string) {
	pr.mu.Lock()
	p := pr.lookup(sessionID, participantID)
	if p != nil {
		p.SelectedEventIDs = append([]string(nil), eventIDs...)
		p.LastSeen = pr.now()
	}
	pr.mu.Unlock()
	if p == nil {
		return
	}
	pr.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeSelectionUpdate, &wire.SelectionUpdate{
		ParticipantID: participantID,
		EventIDs:      eventIDs,
	}))
}

// ActiveParticipants returns a snapshot of the session roster
func (pr *PresenceRegistry) ActiveParticipants(sessionID string) []*models.Participant {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	room := pr.sessions[sessionID]
	out := make([]*models.Participant, 0, len(room))
	for _, p := range room {
		out = append(out, p.Clone())
	}
	return out
}

// LastKnown returns the live roster, falling back to the mirrored snapshot
// when this server holds no in-memory state for the session, e.g. right after
// a restart. Mirrored participants are reported offline; they rejoin with a
// live connection before becoming editable presences again.
func (pr *PresenceRegistry) LastKnown(ctx context.Context, sessionID string) []*models.Participant {
	if live := pr.ActiveParticipants(sessionID); len(live) > 0 {
		return live
	}
	if pr.cache == nil {
		return nil
	}
	var snapshot []*models.Participant
	if err := pr.cache.Get(ctx, "presence:"+sessionID, &snapshot); err != nil {
		if err != cache.ErrNotFound {
			pr.logger.Warn("presence snapshot read failed", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
		return nil
	}
	for _, p := range snapshot {
		p.Online = false
	}
	return snapshot
}

// Get returns one participant's snapshot, or nil
func (pr *PresenceRegistry) Get(sessionID, participantID string) *models.Participant {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	if p := pr.lookup(sessionID, participantID); p != nil {
		return p.Clone()
	}
	return nil
}

// lookup requires pr.mu held
func (pr *PresenceRegistry) lookup(sessionID, participantID string) *models.Participant {
	if room, ok := pr.sessions[sessionID]; ok {
		return room[participantID]
	}
	return nil
}

// sweep marks silent participants away and evicts the long-gone
func (pr *PresenceRegistry) sweep(ctx context.Context) {
	now := pr.now()
	type eviction struct {
		sessionID     string
		participantID string
	}
	var wentAway []eviction
	var evicted []eviction

	pr.mu.Lock()
	for sessionID, room := range pr.sessions {
		for id, p := range room {
			silence := now.Sub(p.LastSeen)
			switch {
			case silence > pr.config.EvictAfter:
				delete(room, id)
				evicted = append(evicted, eviction{sessionID, id})
			case silence > pr.config.AwayAfter && p.Activity != models.ActivityAway:
				p.Activity = models.ActivityAway
				wentAway = append(wentAway, eviction{sessionID, id})
			}
		}
		if len(room) == 0 {
			delete(pr.sessions, sessionID)
		}
	}
	pr.mu.Unlock()

	for _, e := range wentAway {
		pr.publisher.Publish(e.sessionID, wire.MustEnvelope(wire.TypeUserActivity, &wire.UserActivity{
			ParticipantID: e.participantID,
			Activity:      models.ActivityAway,
		}))
	}
	for _, e := range evicted {
		pr.logger.Info("participant evicted by sweep", map[string]interface{}{
			"session_id":     e.sessionID,
			"participant_id": e.participantID,
		})
		pr.publisher.Publish(e.sessionID, wire.MustEnvelope(wire.TypeUserLeft, &wire.UserLeft{
			ParticipantID: e.participantID,
			Reason:        "timeout",
		}))
		pr.mirror(ctx, e.sessionID)
	}
}

// mirror writes the roster snapshot to the cache, best effort
func (pr *PresenceRegistry) mirror(ctx context.Context, sessionID string) {
	if pr.cache == nil {
		return
	}
	snapshot := pr.ActiveParticipants(sessionID)
	if err := pr.cache.Set(ctx, "presence:"+sessionID, snapshot, pr.config.SnapshotTTL); err != nil {
		pr.logger.Warn("presence mirror failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}
