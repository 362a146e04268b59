package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"studiosync/internal/model"
)

const syncLogColumns = `id, run_id, sync_type, status, started_at, finished_at,
	processed, created, updated, deleted, conflicts, error_message`

// BeginRun records a new running entry and returns its id.
func (s *Store) BeginRun(ctx context.Context, runID, syncType string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO sync_log (run_id, sync_type, status, started_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`),
		runID, syncType, model.SyncRunning, utc(startedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("begin sync log entry: %w", err)
	}
	return id, nil
}

// FinishRun writes the final status, counters and error of entry e.
func (s *Store) FinishRun(ctx context.Context, e model.SyncLogEntry) error {
	var finished *time.Time
	if e.FinishedAt != nil {
		t := utc(*e.FinishedAt)
		finished = &t
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sync_log
		SET status = ?, finished_at = ?, processed = ?, created = ?, updated = ?,
		    deleted = ?, conflicts = ?, error_message = ?
		WHERE id = ?`),
		e.Status, finished, e.Processed, e.Created, e.Updated, e.Deleted, e.Conflicts, e.ErrorMessage, e.ID,
	)
	if err != nil {
		return fmt.Errorf("finish sync log entry %d: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish sync log entry %d: %w", e.ID, ErrNotFound)
	}
	return nil
}

// RecentRuns returns the newest entries first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	out := make([]model.SyncLogEntry, 0, limit)
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+syncLogColumns+`
		FROM sync_log
		ORDER BY id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent sync log entries: %w", err)
	}
	return out, nil
}

// GetRun loads one entry or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id int64) (model.SyncLogEntry, error) {
	var e model.SyncLogEntry
	err := s.db.GetContext(ctx, &e, s.q(`SELECT `+syncLogColumns+` FROM sync_log WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("get sync log entry %d: %w", id, err)
	}
	return e, nil
}

// AbandonRunning marks entries left running by a previous process as
// failed with msg. It returns the number of entries changed.
func (s *Store) AbandonRunning(ctx context.Context, msg string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sync_log
		SET status = ?, finished_at = ?, error_message = ?
		WHERE status = ?`),
		model.SyncFailed, utc(at), msg, model.SyncRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("abandon running entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("abandon running entries: %w", err)
	}
	return int(n), nil
}
