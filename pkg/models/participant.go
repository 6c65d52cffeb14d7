// Package models defines the domain entities shared by the collaboration
// server and client: participants, event locks, change proposals, conflicts,
// chat messages and the schedule events they all refer to.
package models

import (
	"time"
)

// Role is the authenticated role a participant joins with. Roles are assigned
// by the identity provider before join; the core trusts them as-is.
type Role string

// Participant roles
const (
	RoleAdmin   Role = "admin"
	RoleTrainer Role = "trainer"
	RoleViewer  Role = "viewer"
)

// Activity describes what a participant is currently doing in the calendar
type Activity string

// Participant activities
const (
	ActivityViewing   Activity = "viewing"
	ActivityEditing   Activity = "editing"
	ActivitySelecting Activity = "selecting"
	ActivityDragging  Activity = "dragging"
	ActivityIdle      Activity = "idle"
	ActivityAway      Activity = "away"
)

// Permissions is the per-role capability set enforced server-side
type Permissions struct {
	CanEdit              bool `json:"can_edit"`
	CanDelete            bool `json:"can_delete"`
	CanCreateEvents      bool `json:"can_create_events"`
	CanManagePermissions bool `json:"can_manage_permissions"`
}

// PermissionsForRole returns the capability set for a role
func PermissionsForRole(role Role) Permissions {
	switch role {
	case RoleAdmin:
		return Permissions{CanEdit: true, CanDelete: true, CanCreateEvents: true, CanManagePermissions: true}
	case RoleTrainer:
		return Permissions{CanEdit: true, CanDelete: false, CanCreateEvents: true, CanManagePermissions: false}
	default:
		return Permissions{}
	}
}

// CursorPosition is a participant's pointer position on the calendar grid
type CursorPosition struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Timestamp time.Time `json:"timestamp"`
}

// Participant represents one identity attached to a collaboration session
type Participant struct {
	ID               string          `json:"id"`
	DisplayName      string          `json:"display_name"`
	Role             Role            `json:"role"`
	Online           bool            `json:"online"`
	Activity         Activity        `json:"activity"`
	LastSeen         time.Time       `json:"last_seen"`
	JoinedAt         time.Time       `json:"joined_at"`
	SelectedEventIDs []string        `json:"selected_event_ids,omitempty"`
	Cursor           *CursorPosition `json:"cursor,omitempty"`
	Permissions      Permissions     `json:"permissions"`
}

// Clone returns a deep copy safe to hand to callers
func (p *Participant) Clone() *Participant {
	cp := *p
	if p.SelectedEventIDs != nil {
		cp.SelectedEventIDs = append([]string(nil), p.SelectedEventIDs...)
	}
	if p.Cursor != nil {
		cursor := *p.Cursor
		cp.Cursor = &cursor
	}
	return &cp
}
