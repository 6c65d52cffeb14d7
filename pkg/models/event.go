package models

import (
	"time"
)

// EventStatus is the lifecycle status of a schedulable event. The status set
// drives bulk-action eligibility; storage itself is owned by the external
// scheduling service.
type EventStatus string

// Event statuses
const (
	EventStatusAvailable EventStatus = "available"
	EventStatusScheduled EventStatus = "scheduled"
	EventStatusBooked    EventStatus = "booked"
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusCompleted EventStatus = "completed"
	EventStatusCancelled EventStatus = "cancelled"
)

// ScheduleEvent is a bookable time-slot on the shared calendar
type ScheduleEvent struct {
	ID        string      `json:"id" db:"id"`
	Title     string      `json:"title" db:"title"`
	TrainerID string      `json:"trainer_id" db:"trainer_id"`
	ClientID  string      `json:"client_id,omitempty" db:"client_id"`
	Status    EventStatus `json:"status" db:"status"`
	StartsAt  time.Time   `json:"starts_at" db:"starts_at"`
	EndsAt    time.Time   `json:"ends_at" db:"ends_at"`
	Notes     string      `json:"notes,omitempty" db:"notes"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// EventLock is an exclusive edit lock on a single event. At most one lock
// exists per event ID at any time.
type EventLock struct {
	EventID    string    `json:"event_id"`
	HolderID   string    `json:"holder_id"`
	HolderName string    `json:"holder_name,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}
