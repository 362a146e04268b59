package model

import (
	"time"

	"studiosync/internal/civil"
	"studiosync/internal/studio"
)

// Booking statuses. Imported rows are always approved.
const (
	BookingApproved = "approved"
)

// Mapping statuses.
const (
	MappingSynced = "synced"
)

// Sync log statuses.
const (
	SyncRunning = "running"
	SyncSuccess = "success"
	SyncFailed  = "failed"
)

// Sync types recorded in the log.
const (
	SyncManual    = "manual"
	SyncScheduled = "scheduled"
	SyncStartup   = "startup"
	SyncOnce      = "once"
)

// Occurrence is one concrete, dated instance derived from a calendar item
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	// ExternalID is the item UID for single items and UID_YYYY-MM-DD for
	// expanded recurring occurrences.
	ExternalID string `json:"external_id"`
	UID        string `json:"uid"`

	Studio studio.ID `json:"studio_id"`
	Title  string    `json:"title"`
	Notes  string    `json:"notes,omitempty"`

	Date  civil.Date  `json:"date"`
	Start civil.Clock `json:"start"`
	End   civil.Clock `json:"end"`
}

// Booking mirrors a row of the bookings table.
type Booking struct {
	ID          int64     `db:"id" json:"id"`
	StudioID    *int64    `db:"studio_id" json:"studio_id"`
	BookingDate string    `db:"booking_date" json:"booking_date"`
	StartTime   string    `db:"start_time" json:"start_time"`
	EndTime     string    `db:"end_time" json:"end_time"`
	Title       string    `db:"title" json:"title"`
	Notes       string    `db:"notes" json:"notes"`
	Status      string    `db:"status" json:"status"`
	IsRecurring bool      `db:"is_recurring" json:"is_recurring"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// EventMapping links a synced booking to the external occurrence that
// produced it.
type EventMapping struct {
	ID              int64     `db:"id" json:"id"`
	BookingID       int64     `db:"booking_id" json:"booking_id"`
	ExternalEventID string    `db:"external_event_id" json:"external_event_id"`
	CalendarID      string    `db:"calendar_id" json:"calendar_id"`
	SyncStatus      string    `db:"sync_status" json:"sync_status"`
	LastSyncedAt    time.Time `db:"last_synced_at" json:"last_synced_at"`
}

// SyncLogEntry is one reconciliation run.
type SyncLogEntry struct {
	ID           int64      `db:"id" json:"id"`
	RunID        string     `db:"run_id" json:"run_id"`
	SyncType     string     `db:"sync_type" json:"sync_type"`
	Status       string     `db:"status" json:"status"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Processed    int        `db:"processed" json:"processed"`
	Created      int        `db:"created" json:"created"`
	Updated      int        `db:"updated" json:"updated"`
	Deleted      int        `db:"deleted" json:"deleted"`
	Conflicts    int        `db:"conflicts" json:"conflicts"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
}

// BookingFromOccurrence builds the approved, non-recurring row for occ.
func BookingFromOccurrence(occ Occurrence, now time.Time) Booking {
	b := Booking{
		BookingDate: occ.Date.String(),
		StartTime:   occ.Start.String(),
		EndTime:     occ.End.String(),
		Title:       occ.Title,
		Notes:       occ.Notes,
		Status:      BookingApproved,
		IsRecurring: false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if occ.Studio != studio.None {
		id := int64(occ.Studio)
		b.StudioID = &id
	}
	return b
}
