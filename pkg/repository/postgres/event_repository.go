// Package postgres implements the schedule event repository against the
// scheduling service's Postgres database.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/slotboard/collab/pkg/models"
	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/repository"
)

// eventRepository implements repository.EventRepository on Postgres
type eventRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewEventRepository creates a Postgres-backed event repository
func NewEventRepository(db *sqlx.DB, logger observability.Logger) repository.EventRepository {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &eventRepository{db: db, logger: logger.WithPrefix("event-repository")}
}

// Get retrieves a single event by ID
func (r *eventRepository) Get(ctx context.Context, eventID string) (*models.ScheduleEvent, error) {
	var event models.ScheduleEvent
	err := r.db.GetContext(ctx, &event,
		`SELECT id, title, trainer_id, client_id, status, starts_at, ends_at, notes, updated_at
		 FROM schedule_events WHERE id = $1`, eventID)
	if err == sql.ErrNoRows {
		return nil, repository.ErrEventNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get event %s", eventID)
	}
	return &event, nil
}

// GetMany retrieves events by ID; missing IDs are simply absent from the result
func (r *eventRepository) GetMany(ctx context.Context, eventIDs []string) ([]*models.ScheduleEvent, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, title, trainer_id, client_id, status, starts_at, ends_at, notes, updated_at
		 FROM schedule_events WHERE id IN (?)`, eventIDs)
	if err != nil {
		return nil, errors.Wrap(err, "build IN query")
	}
	query = r.db.Rebind(query)

	var events []*models.ScheduleEvent
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, errors.Wrap(err, "get events")
	}
	return events, nil
}

// Create inserts a new event
func (r *eventRepository) Create(ctx context.Context, event *models.ScheduleEvent) error {
	event.UpdatedAt = time.Now().UTC()
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO schedule_events (id, title, trainer_id, client_id, status, starts_at, ends_at, notes, updated_at)
		 VALUES (:id, :title, :trainer_id, :client_id, :status, :starts_at, :ends_at, :notes, :updated_at)`, event)
	if err != nil {
		return errors.Wrapf(err, "create event %s", event.ID)
	}
	return nil
}

// Update replaces an event's mutable fields
func (r *eventRepository) Update(ctx context.Context, event *models.ScheduleEvent) error {
	event.UpdatedAt = time.Now().UTC()
	res, err := r.db.NamedExecContext(ctx,
		`UPDATE schedule_events
		 SET title = :title, trainer_id = :trainer_id, client_id = :client_id,
		     status = :status, starts_at = :starts_at, ends_at = :ends_at,
		     notes = :notes, updated_at = :updated_at
		 WHERE id = :id`, event)
	if err != nil {
		return errors.Wrapf(err, "update event %s", event.ID)
	}
	return requireRowAffected(res, event.ID)
}

// UpdateStatus changes just the status of an event
func (r *eventRepository) UpdateStatus(ctx context.Context, eventID string, status models.EventStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE schedule_events SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), eventID)
	if err != nil {
		return errors.Wrapf(err, "update status of event %s", eventID)
	}
	return requireRowAffected(res, eventID)
}

// Delete removes an event
func (r *eventRepository) Delete(ctx context.Context, eventID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedule_events WHERE id = $1`, eventID)
	if err != nil {
		return errors.Wrapf(err, "delete event %s", eventID)
	}
	return requireRowAffected(res, eventID)
}

func requireRowAffected(res sql.Result, eventID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return repository.ErrEventNotFound
	}
	return nil
}
