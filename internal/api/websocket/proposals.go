package websocket

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/wire"
)

// ResolverConfig configures the change proposal resolver
type ResolverConfig struct {
	// Strategy is the session-wide default resolution strategy
	Strategy models.ResolutionStrategy `mapstructure:"strategy"`
	// SettleWindow is how long a proposal stays pending before it applies;
	// a competing proposal arriving inside the window joins a conflict
	// instead of silently overwriting. Zero applies immediately.
	SettleWindow time.Duration `mapstructure:"settle_window"`
	// AckWindow is how long a terminal proposal and its ack bookkeeping stay
	// in the live maps before moving to the archive
	AckWindow time.Duration `mapstructure:"ack_window"`
	// ArchiveSize bounds the resolved-conflict and settled-proposal archives
	ArchiveSize int `mapstructure:"archive_size"`
}

// DefaultResolverConfig returns the resolver defaults
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Strategy:     models.StrategyLastWriteWins,
		SettleWindow: 250 * time.Millisecond,
		AckWindow:    time.Minute,
		ArchiveSize:  512,
	}
}

// ProposalResolver owns the change-proposal state machine: pending proposals,
// conflict detection between concurrent proposals for the same event, the
// configured resolution strategy, and acknowledgment tracking. Lock ownership
// is enforced by the dispatcher before submission reaches the resolver.
type ProposalResolver struct {
	mu sync.Mutex

	proposals       map[string]*models.ChangeProposal // proposal ID -> proposal
	activeByEvent   map[string][]string               // "session/event" -> non-terminal proposal IDs
	conflicts       map[string]*models.Conflict       // conflict ID -> open conflict
	conflictByEvent map[string]string                 // "session/event" -> open conflict ID
	sessionOf       map[string]string                 // proposal ID -> session ID

	// ack bookkeeping, keyed by change (proposal) ID
	acks        map[string]map[string]time.Time
	broadcastAt map[string]time.Time

	// settle timers for proposals still pending, keyed by proposal ID
	timers map[string]*time.Timer
	// retention timers moving terminal proposals to the archive
	evictions map[string]*time.Timer

	archive         *lru.Cache[string, *models.Conflict]
	proposalArchive *lru.Cache[string, *models.ChangeProposal]

	config    ResolverConfig
	publisher Publisher
	logger    observability.Logger
	metrics   observability.MetricsClient
	now       func() time.Time
}

// NewProposalResolver creates a proposal resolver
func NewProposalResolver(config ResolverConfig, publisher Publisher, logger observability.Logger, metrics observability.MetricsClient) (*ProposalResolver, error) {
	if config.ArchiveSize <= 0 {
		config.ArchiveSize = DefaultResolverConfig().ArchiveSize
	}
	if config.Strategy == "" {
		config.Strategy = DefaultResolverConfig().Strategy
	}
	if config.AckWindow <= 0 {
		config.AckWindow = DefaultResolverConfig().AckWindow
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	archive, err := lru.New[string, *models.Conflict](config.ArchiveSize)
	if err != nil {
		return nil, fmt.Errorf("create conflict archive: %w", err)
	}
	proposalArchive, err := lru.New[string, *models.ChangeProposal](config.ArchiveSize)
	if err != nil {
		return nil, fmt.Errorf("create proposal archive: %w", err)
	}
	return &ProposalResolver{
		proposals:       make(map[string]*models.ChangeProposal),
		activeByEvent:   make(map[string][]string),
		conflicts:       make(map[string]*models.Conflict),
		conflictByEvent: make(map[string]string),
		sessionOf:       make(map[string]string),
		acks:            make(map[string]map[string]time.Time),
		broadcastAt:     make(map[string]time.Time),
		timers:          make(map[string]*time.Timer),
		evictions:       make(map[string]*time.Timer),
		archive:         archive,
		proposalArchive: proposalArchive,
		config:          config,
		publisher:       publisher,
		logger:          logger.WithPrefix("resolver"),
		metrics:         metrics,
		now:             time.Now,
	}, nil
}

func eventKey(sessionID, eventID string) string {
	return sessionID + "/" + eventID
}

// Submit accepts a proposal. With no competing non-terminal proposal for the
// same event it applies after the settle window elapses; a competitor
// arriving inside the window creates (or joins) a conflict settled by the
// configured strategy. The proposal's timestamp is server-assigned here so
// cross-client ordering never depends on arrival order at any one client.
func (r *ProposalResolver) Submit(sessionID string, p *models.ChangeProposal) *models.ChangeProposal {
	r.mu.Lock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Timestamp = r.now()
	p.Status = models.ProposalPending

	key := eventKey(sessionID, p.EventID)
	r.proposals[p.ID] = p
	r.sessionOf[p.ID] = sessionID

	competing := r.activeByEvent[key]
	r.activeByEvent[key] = append(competing, p.ID)

	if len(competing) == 0 {
		if r.config.SettleWindow <= 0 {
			r.applyLocked(sessionID, p)
			r.mu.Unlock()
			return p
		}
		proposalID := p.ID
		r.timers[proposalID] = time.AfterFunc(r.config.SettleWindow, func() {
			r.settleTimerFired(sessionID, proposalID)
		})
		r.mu.Unlock()
		return p
	}

	conflict := r.joinConflictLocked(sessionID, key, p, competing)
	r.mu.Unlock()

	r.metrics.IncrementCounter("conflicts_detected", 1)
	r.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeConflictDetected, &wire.ConflictDetected{Conflict: conflict}))

	if conflict.Strategy != models.StrategyManualReview {
		r.resolveAutomatic(sessionID, conflict.ID)
	}
	return p
}

// settleTimerFired applies a proposal whose settle window elapsed without
// competition. A proposal pulled into a conflict meanwhile is no longer
// pending and is left to the conflict's resolution.
func (r *ProposalResolver) settleTimerFired(sessionID, proposalID string) {
	r.mu.Lock()
	delete(r.timers, proposalID)
	p := r.proposals[proposalID]
	if p == nil || p.Status != models.ProposalPending {
		r.mu.Unlock()
		return
	}
	r.applyLocked(sessionID, p)
	r.mu.Unlock()
}

// joinConflictLocked creates or extends the open conflict for an event
func (r *ProposalResolver) joinConflictLocked(sessionID, key string, p *models.ChangeProposal, competing []string) *models.Conflict {
	p.Status = models.ProposalConflicted

	if conflictID, open := r.conflictByEvent[key]; open {
		conflict := r.conflicts[conflictID]
		conflict.CompetingProposals = append(conflict.CompetingProposals, p.ID)
		r.crossReferenceLocked(conflict)
		r.stopTimersLocked(conflict.CompetingProposals)
		return r.snapshotConflictLocked(conflict)
	}

	conflict := &models.Conflict{
		ID:                 uuid.New().String(),
		EventID:            p.EventID,
		Timestamp:          r.now(),
		PrimaryProposalID:  competing[0],
		CompetingProposals: append(append([]string(nil), competing...), p.ID),
		Strategy:           r.config.Strategy,
	}
	for _, id := range competing {
		if existing := r.proposals[id]; existing != nil {
			existing.Status = models.ProposalConflicted
		}
	}
	r.crossReferenceLocked(conflict)
	r.stopTimersLocked(conflict.CompetingProposals)
	r.conflicts[conflict.ID] = conflict
	r.conflictByEvent[key] = conflict.ID
	return r.snapshotConflictLocked(conflict)
}

// stopTimersLocked cancels the settle timers of proposals absorbed into a conflict
func (r *ProposalResolver) stopTimersLocked(proposalIDs []string) {
	for _, id := range proposalIDs {
		if t, ok := r.timers[id]; ok {
			t.Stop()
			delete(r.timers, id)
		}
	}
}

// scheduleEvictionLocked starts the retention timer for a terminal proposal.
// Once AckWindow elapses the proposal and its ack bookkeeping move to the
// bounded archive so a long-running session cannot grow the live maps forever.
func (r *ProposalResolver) scheduleEvictionLocked(proposalID string) {
	if _, pending := r.evictions[proposalID]; pending {
		return
	}
	r.evictions[proposalID] = time.AfterFunc(r.config.AckWindow, func() {
		r.evictTerminal(proposalID)
	})
}

func (r *ProposalResolver) evictTerminal(proposalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.evictions, proposalID)
	p := r.proposals[proposalID]
	if p == nil || !p.Status.IsTerminal() {
		return
	}
	r.proposalArchive.Add(proposalID, p)
	delete(r.proposals, proposalID)
	delete(r.sessionOf, proposalID)
	delete(r.acks, proposalID)
	delete(r.broadcastAt, proposalID)
}

// crossReferenceLocked fills each member proposal's ConflictsWith set
func (r *ProposalResolver) crossReferenceLocked(conflict *models.Conflict) {
	for _, id := range conflict.CompetingProposals {
		p := r.proposals[id]
		if p == nil {
			continue
		}
		p.ConflictsWith = nil
		for _, other := range conflict.CompetingProposals {
			if other != id {
				p.ConflictsWith = append(p.ConflictsWith, other)
			}
		}
	}
}

// resolveAutomatic settles a conflict using its strategy
func (r *ProposalResolver) resolveAutomatic(sessionID, conflictID string) {
	r.mu.Lock()
	conflict, ok := r.conflicts[conflictID]
	if !ok || conflict.Resolved() {
		r.mu.Unlock()
		return
	}

	members := r.memberProposalsLocked(conflict)

	switch conflict.Strategy {
	case models.StrategyLastWriteWins:
		r.settleLocked(sessionID, conflict, latestOf(members), "superseded by a later change")
	case models.StrategyFirstWriteWins:
		r.settleLocked(sessionID, conflict, earliestOf(members), "an earlier change won")
	case models.StrategyAutoMerge:
		if merged, ok := mergeStates(members); ok {
			winner := latestOf(members)
			winner.AfterState = merged
			conflict.FinalState = merged
			r.settleLocked(sessionID, conflict, winner, "merged into the applied change")
		} else {
			// Overlapping attributes cannot be merged; hand off to a human.
			conflict.Strategy = models.StrategyManualReview
			r.mu.Unlock()
			r.logger.Info("auto-merge fell back to manual review", map[string]interface{}{
				"conflict_id": conflictID,
				"event_id":    conflict.EventID,
			})
			return
		}
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
}

// ResolveManual settles a manual-review conflict with an explicit winner and
// final state. Only admins reach this path; the dispatcher enforces the role.
func (r *ProposalResolver) ResolveManual(sessionID, conflictID, resolvedBy, winnerProposalID string, finalState models.EventState) error {
	r.mu.Lock()
	conflict, ok := r.conflicts[conflictID]
	if !ok || conflict.Resolved() {
		r.mu.Unlock()
		return fmt.Errorf("conflict %s is not open", conflictID)
	}
	winner := r.proposals[winnerProposalID]
	if winner == nil || !containsID(conflict.CompetingProposals, winnerProposalID) {
		r.mu.Unlock()
		return fmt.Errorf("proposal %s is not part of conflict %s", winnerProposalID, conflictID)
	}

	conflict.ResolvedBy = resolvedBy
	if finalState != nil {
		winner.AfterState = finalState.Clone()
		conflict.FinalState = finalState.Clone()
	}
	r.settleLocked(sessionID, conflict, winner, "rejected by manual review")
	r.mu.Unlock()
	return nil
}

// settleLocked applies the winner, rejects the rest, archives the conflict,
// and broadcasts every transition. Requires r.mu held; publishes after
// snapshotting internally mutated records.
func (r *ProposalResolver) settleLocked(sessionID string, conflict *models.Conflict, winner *models.ChangeProposal, loserReason string) {
	resolvedAt := r.now()
	conflict.ResolvedAt = &resolvedAt
	if conflict.FinalState == nil {
		conflict.FinalState = winner.AfterState.Clone()
	}

	var rejected []*models.ChangeProposal
	for _, id := range conflict.CompetingProposals {
		p := r.proposals[id]
		if p == nil || p.ID == winner.ID {
			continue
		}
		p.Status = models.ProposalRejected
		rejected = append(rejected, p)
	}
	r.applyLocked(sessionID, winner)

	key := eventKey(sessionID, conflict.EventID)
	delete(r.conflictByEvent, key)
	delete(r.conflicts, conflict.ID)
	archived := r.snapshotConflictLocked(conflict)
	r.archive.Add(conflict.ID, archived)

	r.metrics.IncrementCounterWithLabels("conflicts_resolved", 1, map[string]string{
		"strategy": string(conflict.Strategy),
	})
	for _, p := range rejected {
		r.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeChangeRejected, &wire.ChangeRejected{
			Proposal: p,
			Reason:   loserReason,
		}))
		r.broadcastAt[p.ID] = resolvedAt
		r.scheduleEvictionLocked(p.ID)
	}
	r.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeConflictResolved, &wire.ConflictResolved{Conflict: archived}))
}

// applyLocked transitions a proposal to applied and broadcasts it. The caller
// persists the final state through the CRUD collaborator after the broadcast;
// the resolver itself never writes event storage.
func (r *ProposalResolver) applyLocked(sessionID string, p *models.ChangeProposal) {
	p.Status = models.ProposalApplied
	r.removeActiveLocked(sessionID, p)
	now := r.now()
	r.broadcastAt[p.ID] = now
	r.scheduleEvictionLocked(p.ID)

	r.metrics.IncrementCounter("proposals_applied", 1)
	r.publisher.Publish(sessionID, wire.MustEnvelope(wire.TypeChangeApplied, &wire.ChangeApplied{
		Proposal:   p,
		FinalState: p.AfterState,
	}))
}

// removeActiveLocked drops every terminal proposal from the event's active list
func (r *ProposalResolver) removeActiveLocked(sessionID string, p *models.ChangeProposal) {
	key := eventKey(sessionID, p.EventID)
	var still []string
	for _, id := range r.activeByEvent[key] {
		if existing := r.proposals[id]; existing != nil && !existing.Status.IsTerminal() {
			still = append(still, id)
		}
	}
	if len(still) == 0 {
		delete(r.activeByEvent, key)
	} else {
		r.activeByEvent[key] = still
	}
}

// Acknowledge records that a participant has seen a change broadcast.
// Duplicate acknowledgments for the same (change, participant) pair are
// ignored. The delay between broadcast and first ack feeds a latency metric.
func (r *ProposalResolver) Acknowledge(changeID, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proposals[changeID]
	if !ok {
		return
	}
	set := r.acks[changeID]
	if set == nil {
		set = make(map[string]time.Time)
		r.acks[changeID] = set
	}
	if _, seen := set[participantID]; seen {
		return
	}
	ackedAt := r.now()
	set[participantID] = ackedAt
	p.AcknowledgedBy = append(p.AcknowledgedBy, participantID)

	if broadcastAt, ok := r.broadcastAt[changeID]; ok {
		r.metrics.RecordTimer("change_ack_latency", ackedAt.Sub(broadcastAt), nil)
	}
}

// Proposal returns a snapshot of one proposal, live or archived, or nil
func (r *ProposalResolver) Proposal(id string) *models.ChangeProposal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.proposals[id]; ok {
		cp := *p
		return &cp
	}
	if p, ok := r.proposalArchive.Get(id); ok {
		cp := *p
		return &cp
	}
	return nil
}

// ProposalsByStatus returns session proposals in the given status
func (r *ProposalResolver) ProposalsByStatus(sessionID string, status models.ProposalStatus) []*models.ChangeProposal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ChangeProposal
	for id, p := range r.proposals {
		if r.sessionOf[id] == sessionID && p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// OpenConflicts returns the unresolved conflicts for a session
func (r *ProposalResolver) OpenConflicts(sessionID string) []*models.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Conflict
	for _, conflict := range r.conflicts {
		if len(conflict.CompetingProposals) == 0 {
			continue
		}
		if r.sessionOf[conflict.CompetingProposals[0]] == sessionID {
			out = append(out, r.snapshotConflictLocked(conflict))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ArchivedConflict looks up a resolved conflict by ID
func (r *ProposalResolver) ArchivedConflict(conflictID string) (*models.Conflict, bool) {
	return r.archive.Get(conflictID)
}

func (r *ProposalResolver) memberProposalsLocked(conflict *models.Conflict) []*models.ChangeProposal {
	out := make([]*models.ChangeProposal, 0, len(conflict.CompetingProposals))
	for _, id := range conflict.CompetingProposals {
		if p := r.proposals[id]; p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (r *ProposalResolver) snapshotConflictLocked(conflict *models.Conflict) *models.Conflict {
	cp := *conflict
	cp.CompetingProposals = append([]string(nil), conflict.CompetingProposals...)
	cp.FinalState = conflict.FinalState.Clone()
	return &cp
}

// SetClock overrides the time source. Tests only.
func (r *ProposalResolver) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func latestOf(proposals []*models.ChangeProposal) *models.ChangeProposal {
	winner := proposals[0]
	for _, p := range proposals[1:] {
		if p.Timestamp.After(winner.Timestamp) {
			winner = p
		}
	}
	return winner
}

func earliestOf(proposals []*models.ChangeProposal) *models.ChangeProposal {
	winner := proposals[0]
	for _, p := range proposals[1:] {
		if p.Timestamp.Before(winner.Timestamp) {
			winner = p
		}
	}
	return winner
}

// mergeStates merges after-states whose attribute sets are pairwise disjoint,
// applying them in timestamp order. Overlap returns ok=false.
func mergeStates(proposals []*models.ChangeProposal) (models.EventState, bool) {
	seen := make(map[string]struct{})
	for _, p := range proposals {
		for attr := range p.AfterState {
			if _, dup := seen[attr]; dup {
				return nil, false
			}
			seen[attr] = struct{}{}
		}
	}
	ordered := append([]*models.ChangeProposal(nil), proposals...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	merged := make(models.EventState)
	for _, p := range ordered {
		for attr, value := range p.AfterState {
			merged[attr] = value
		}
	}
	return merged, true
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
