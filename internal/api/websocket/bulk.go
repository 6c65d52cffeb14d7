package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/repository"
	"github.com/slotboard/collab/pkg/resilience"
)

// BulkConfig configures the bulk operation executor
type BulkConfig struct {
	// BatchSize is how many CRUD calls run concurrently per batch
	BatchSize int `mapstructure:"batch_size"`
	// ItemTimeout bounds each individual CRUD call
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
}

// DefaultBulkConfig returns the bulk executor defaults
func DefaultBulkConfig() BulkConfig {
	return BulkConfig{
		BatchSize:   10,
		ItemTimeout: 10 * time.Second,
	}
}

// bulkEligibility maps each action to the event statuses it may target
var bulkEligibility = map[models.BulkAction][]models.EventStatus{
	models.BulkConfirm:    {models.EventStatusScheduled, models.EventStatusBooked},
	models.BulkCancel:     {models.EventStatusScheduled, models.EventStatusBooked, models.EventStatusConfirmed},
	models.BulkDelete:     {models.EventStatusAvailable, models.EventStatusCancelled},
	models.BulkReschedule: {models.EventStatusAvailable, models.EventStatusScheduled, models.EventStatusBooked},
	models.BulkReassign:   {models.EventStatusScheduled, models.EventStatusBooked, models.EventStatusConfirmed},
}

// BulkExecutor applies one action to many events as a partially-failable
// batch. It talks to the CRUD collaborator directly and deliberately does not
// take per-event locks: bulk operations are initiated by a single authorized
// operator, and each target is assumed exclusively owned by the batch.
type BulkExecutor struct {
	repo     repository.EventRepository
	breakers *resilience.BreakerRegistry
	config   BulkConfig
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewBulkExecutor creates a bulk executor
func NewBulkExecutor(repo repository.EventRepository, breakers *resilience.BreakerRegistry, config BulkConfig, logger observability.Logger, metrics observability.MetricsClient) *BulkExecutor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBulkConfig().BatchSize
	}
	if config.ItemTimeout <= 0 {
		config.ItemTimeout = DefaultBulkConfig().ItemTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &BulkExecutor{
		repo:     repo,
		breakers: breakers,
		config:   config,
		logger:   logger.WithPrefix("bulk"),
		metrics:  metrics,
	}
}

// Execute validates eligibility for every target, then processes the eligible
// events in fixed-size concurrent batches. One failure never aborts the
// batch; every event gets its own result. Cancelling the context stops
// undispatched batches; calls already in flight run to completion.
func (e *BulkExecutor) Execute(ctx context.Context, action models.BulkAction, eventIDs []string, actionData map[string]interface{}) []models.BulkItemResult {
	started := time.Now()
	results := make([]models.BulkItemResult, 0, len(eventIDs))

	allowed, known := bulkEligibility[action]
	if !known {
		for _, id := range eventIDs {
			results = append(results, models.BulkItemResult{
				EventID: id,
				Outcome: models.BulkItemIneligible,
				Reason:  fmt.Sprintf("unknown bulk action %q", action),
			})
		}
		return results
	}

	events, err := e.repo.GetMany(ctx, eventIDs)
	if err != nil {
		// Without the current statuses nothing can be validated; the whole
		// request is reported per-item rather than as one hard failure.
		for _, id := range eventIDs {
			results = append(results, models.BulkItemResult{
				EventID: id,
				Outcome: models.BulkItemFailed,
				Reason:  fmt.Sprintf("load events: %v", err),
			})
		}
		return results
	}

	byID := make(map[string]*models.ScheduleEvent, len(events))
	for _, event := range events {
		byID[event.ID] = event
	}

	var eligible []*models.ScheduleEvent
	for _, id := range eventIDs {
		event, ok := byID[id]
		if !ok {
			results = append(results, models.BulkItemResult{
				EventID: id,
				Outcome: models.BulkItemIneligible,
				Reason:  "event not found",
			})
			continue
		}
		if !statusAllowed(event.Status, allowed) {
			results = append(results, models.BulkItemResult{
				EventID: id,
				Outcome: models.BulkItemIneligible,
				Reason:  fmt.Sprintf("status %q not eligible for %s", event.Status, action),
			})
			continue
		}
		eligible = append(eligible, event)
	}

	results = append(results, e.runBatches(ctx, action, eligible, actionData)...)

	e.metrics.RecordTimer("bulk_operation_duration", time.Since(started), map[string]string{
		"action": string(action),
	})
	e.metrics.IncrementCounterWithLabels("bulk_items_processed", float64(len(results)), map[string]string{
		"action": string(action),
	})
	return results
}

// runBatches dispatches eligible events in windows of BatchSize concurrent calls
func (e *BulkExecutor) runBatches(ctx context.Context, action models.BulkAction, events []*models.ScheduleEvent, actionData map[string]interface{}) []models.BulkItemResult {
	results := make([]models.BulkItemResult, 0, len(events))

	for start := 0; start < len(events); start += e.config.BatchSize {
		if ctx.Err() != nil {
			for _, event := range events[start:] {
				results = append(results, models.BulkItemResult{
					EventID: event.ID,
					Outcome: models.BulkItemFailed,
					Reason:  "cancelled before dispatch",
				})
			}
			break
		}

		end := start + e.config.BatchSize
		if end > len(events) {
			end = len(events)
		}
		batch := events[start:end]

		batchResults := make([]models.BulkItemResult, len(batch))
		var wg sync.WaitGroup
		for i, event := range batch {
			wg.Add(1)
			go func(i int, event *models.ScheduleEvent) {
				defer wg.Done()
				batchResults[i] = e.applyOne(ctx, action, event, actionData)
			}(i, event)
		}
		wg.Wait()
		results = append(results, batchResults...)
	}
	return results
}

// applyOne performs the CRUD call for a single event under the collaborator breaker
func (e *BulkExecutor) applyOne(ctx context.Context, action models.BulkAction, event *models.ScheduleEvent, actionData map[string]interface{}) models.BulkItemResult {
	callCtx, cancel := context.WithTimeout(ctx, e.config.ItemTimeout)
	defer cancel()

	_, err := e.breakers.Execute(callCtx, "schedule-crud", func() (interface{}, error) {
		return nil, e.applyAction(callCtx, action, event, actionData)
	})
	if err != nil {
		e.logger.Warn("bulk item failed", map[string]interface{}{
			"action":   string(action),
			"event_id": event.ID,
			"error":    err.Error(),
		})
		return models.BulkItemResult{EventID: event.ID, Outcome: models.BulkItemFailed, Reason: err.Error()}
	}
	return models.BulkItemResult{EventID: event.ID, Outcome: models.BulkItemSucceeded}
}

func (e *BulkExecutor) applyAction(ctx context.Context, action models.BulkAction, event *models.ScheduleEvent, actionData map[string]interface{}) error {
	switch action {
	case models.BulkConfirm:
		return e.repo.UpdateStatus(ctx, event.ID, models.EventStatusConfirmed)
	case models.BulkCancel:
		return e.repo.UpdateStatus(ctx, event.ID, models.EventStatusCancelled)
	case models.BulkDelete:
		return e.repo.Delete(ctx, event.ID)
	case models.BulkReschedule:
		startsAt, endsAt, err := rescheduleWindow(actionData)
		if err != nil {
			return err
		}
		updated := *event
		updated.StartsAt = startsAt
		updated.EndsAt = endsAt
		return e.repo.Update(ctx, &updated)
	case models.BulkReassign:
		trainerID, _ := actionData["trainer_id"].(string)
		if trainerID == "" {
			return fmt.Errorf("reassign requires trainer_id")
		}
		updated := *event
		updated.TrainerID = trainerID
		return e.repo.Update(ctx, &updated)
	default:
		return fmt.Errorf("unknown bulk action %q", action)
	}
}

func rescheduleWindow(actionData map[string]interface{}) (time.Time, time.Time, error) {
	parse := func(key string) (time.Time, error) {
		raw, _ := actionData[key].(string)
		if raw == "" {
			return time.Time{}, fmt.Errorf("reschedule requires %s", key)
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
		}
		return t, nil
	}
	startsAt, err := parse("starts_at")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	endsAt, err := parse("ends_at")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return startsAt, endsAt, nil
}

func statusAllowed(status models.EventStatus, allowed []models.EventStatus) bool {
	for _, candidate := range allowed {
		if status == candidate {
			return true
		}
	}
	return false
}
