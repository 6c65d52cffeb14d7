package models

import (
	"time"
)

// ProposalKind is the kind of mutation a change proposal carries
type ProposalKind string

// Proposal kinds
const (
	ProposalCreate ProposalKind = "create"
	ProposalUpdate ProposalKind = "update"
	ProposalDelete ProposalKind = "delete"
	ProposalMove   ProposalKind = "move"
	ProposalResize ProposalKind = "resize"
)

// ProposalStatus is the resolver state of a change proposal. Applied and
// rejected are terminal; a proposal leaves conflicted only through conflict
// resolution.
type ProposalStatus string

// Proposal statuses
const (
	ProposalPending    ProposalStatus = "pending"
	ProposalApplied    ProposalStatus = "applied"
	ProposalRejected   ProposalStatus = "rejected"
	ProposalConflicted ProposalStatus = "conflicted"
)

// IsTerminal reports whether the status admits no further transitions
func (s ProposalStatus) IsTerminal() bool {
	return s == ProposalApplied || s == ProposalRejected
}

// EventState is the coarse-grained attribute map a proposal carries as its
// before/after snapshot. Conflict auto-merge operates on attribute keys, not
// field-level diffs.
type EventState map[string]interface{}

// Clone returns a shallow copy of the state map
func (s EventState) Clone() EventState {
	if s == nil {
		return nil
	}
	cp := make(EventState, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// ChangeProposal is an optimistic mutation proposed against one event
type ChangeProposal struct {
	ID             string         `json:"id"`
	ProposerID     string         `json:"proposer_id"`
	ProposerName   string         `json:"proposer_name"`
	Timestamp      time.Time      `json:"timestamp"`
	Kind           ProposalKind   `json:"kind"`
	EventID        string         `json:"event_id"`
	BeforeState    EventState     `json:"before_state,omitempty"`
	AfterState     EventState     `json:"after_state,omitempty"`
	Status         ProposalStatus `json:"status"`
	ConflictsWith  []string       `json:"conflicts_with,omitempty"`
	AcknowledgedBy []string       `json:"acknowledged_by,omitempty"`
}

// ResolutionStrategy selects how competing proposals for one event are settled
type ResolutionStrategy string

// Resolution strategies
const (
	StrategyAutoMerge     ResolutionStrategy = "auto-merge"
	StrategyLastWriteWins ResolutionStrategy = "last-write-wins"
	StrategyFirstWriteWins ResolutionStrategy = "first-write-wins"
	StrategyManualReview  ResolutionStrategy = "manual-review"
)

// Conflict records two or more competing pending proposals for one event
type Conflict struct {
	ID                 string             `json:"id"`
	EventID            string             `json:"event_id"`
	Timestamp          time.Time          `json:"timestamp"`
	PrimaryProposalID  string             `json:"primary_proposal_id"`
	CompetingProposals []string           `json:"competing_proposals"`
	Strategy           ResolutionStrategy `json:"strategy"`
	ResolvedBy         string             `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	FinalState         EventState         `json:"final_state,omitempty"`
}

// Resolved reports whether the conflict has been settled
func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}
