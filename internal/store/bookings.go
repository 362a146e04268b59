package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"studiosync/internal/model"
)

// SyncedBooking is a booking joined with the mapping that owns it.
type SyncedBooking struct {
	model.Booking
	ExternalEventID string    `db:"external_event_id" json:"external_event_id"`
	CalendarID      string    `db:"calendar_id" json:"calendar_id"`
	LastSyncedAt    time.Time `db:"last_synced_at" json:"last_synced_at"`
}

// DeleteSynced removes every booking mapped to calendarID together with its
// mapping, in one transaction. Bookings without a mapping are untouched.
// It returns the number of bookings removed.
func (s *Store) DeleteSynced(ctx context.Context, calendarID string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete synced: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		DELETE FROM bookings
		WHERE id IN (SELECT booking_id FROM event_mappings WHERE calendar_id = ?)`), calendarID)
	if err != nil {
		return 0, fmt.Errorf("delete synced bookings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete synced bookings: %w", err)
	}

	// Cascades already removed these where foreign keys are enforced.
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM event_mappings WHERE calendar_id = ?`), calendarID); err != nil {
		return 0, fmt.Errorf("delete event mappings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete synced: commit: %w", err)
	}
	return int(n), nil
}

// MappedExternalIDs loads the external occurrence ids already mapped for
// calendarID.
func (s *Store) MappedExternalIDs(ctx context.Context, calendarID string) (map[string]struct{}, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.q(`
		SELECT external_event_id FROM event_mappings WHERE calendar_id = ?`), calendarID); err != nil {
		return nil, fmt.Errorf("load mapped ids: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// InsertSynced stores one booking and its mapping in their own transaction
// and returns the new booking id. m.BookingID is ignored.
func (s *Store) InsertSynced(ctx context.Context, b model.Booking, m model.EventMapping) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert synced: begin: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowxContext(ctx, s.q(`
		INSERT INTO bookings
			(studio_id, booking_date, start_time, end_time, title, notes, status, is_recurring, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		b.StudioID, b.BookingDate, b.StartTime, b.EndTime, b.Title, b.Notes, b.Status, b.IsRecurring,
		utc(b.CreatedAt), utc(b.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert booking: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO event_mappings (booking_id, external_event_id, calendar_id, sync_status, last_synced_at)
		VALUES (?, ?, ?, ?, ?)`),
		id, m.ExternalEventID, m.CalendarID, m.SyncStatus, utc(m.LastSyncedAt),
	); err != nil {
		return 0, fmt.Errorf("insert event mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert synced: commit: %w", err)
	}
	return id, nil
}

// ListSyncedBookings returns the bookings owned by calendarID ordered by
// date and start time.
func (s *Store) ListSyncedBookings(ctx context.Context, calendarID string) ([]SyncedBooking, error) {
	out := make([]SyncedBooking, 0)
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT b.id, b.studio_id, b.booking_date, b.start_time, b.end_time, b.title, b.notes,
		       b.status, b.is_recurring, b.created_at, b.updated_at,
		       m.external_event_id, m.calendar_id, m.last_synced_at
		FROM bookings b
		JOIN event_mappings m ON m.booking_id = b.id
		WHERE m.calendar_id = ?
		ORDER BY b.booking_date, b.start_time, m.external_event_id`), calendarID)
	if err != nil {
		return nil, fmt.Errorf("list synced bookings: %w", err)
	}
	return out, nil
}

// GetBooking loads one booking by id.
func (s *Store) GetBooking(ctx context.Context, id int64) (model.Booking, error) {
	var b model.Booking
	err := s.db.GetContext(ctx, &b, s.q(`
		SELECT id, studio_id, booking_date, start_time, end_time, title, notes,
		       status, is_recurring, created_at, updated_at
		FROM bookings WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("get booking %d: %w", id, err)
	}
	return b, nil
}

// CountBookings returns the total number of bookings, synced or not.
func (s *Store) CountBookings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM bookings`); err != nil {
		return 0, fmt.Errorf("count bookings: %w", err)
	}
	return n, nil
}
