package models

// BulkAction is an operation applied to many events in one batch
type BulkAction string

// Bulk actions
const (
	BulkConfirm    BulkAction = "confirm"
	BulkCancel     BulkAction = "cancel"
	BulkDelete     BulkAction = "delete"
	BulkReschedule BulkAction = "reschedule"
	BulkReassign   BulkAction = "reassign"
)

// BulkItemOutcome classifies the result for a single event in a batch
type BulkItemOutcome string

// Bulk item outcomes
const (
	BulkItemSucceeded  BulkItemOutcome = "succeeded"
	BulkItemFailed     BulkItemOutcome = "failed"
	BulkItemIneligible BulkItemOutcome = "ineligible"
)

// BulkItemResult is the per-event result of a bulk operation. A batch never
// fails atomically; callers inspect the item list.
type BulkItemResult struct {
	EventID string          `json:"event_id"`
	Outcome BulkItemOutcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// Succeeded reports whether the item was applied
func (r BulkItemResult) Succeeded() bool {
	return r.Outcome == BulkItemSucceeded
}
