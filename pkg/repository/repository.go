// Package repository defines the interface to the external scheduling CRUD
// service. The collaboration core never mutates persisted events except
// through this interface, and only after the locking and conflict protocols
// have decided a mutation is allowed.
package repository

import (
	"context"
	"errors"

	"github.com/slotboard/collab/pkg/models"
)

// ErrEventNotFound is returned when an event ID does not exist
var ErrEventNotFound = errors.New("schedule event not found")

// EventRepository is the CRUD collaborator for schedule events
type EventRepository interface {
	Get(ctx context.Context, eventID string) (*models.ScheduleEvent, error)
	GetMany(ctx context.Context, eventIDs []string) ([]*models.ScheduleEvent, error)
	Create(ctx context.Context, event *models.ScheduleEvent) error
	Update(ctx context.Context, event *models.ScheduleEvent) error
	UpdateStatus(ctx context.Context, eventID string, status models.EventStatus) error
	Delete(ctx context.Context, eventID string) error
}
