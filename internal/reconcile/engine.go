// Package reconcile rebuilds the synced bookings of one calendar feed.
//
// A run wipes every booking previously imported for the calendar, then
// fetches, parses and expands the feed and inserts one booking per future
// occurrence. Inserts are independent: a failed insert is counted as a
// conflict and the run continues.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"

	"studiosync/internal/civil"
	"studiosync/internal/ics"
	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/studio"
)

// finishTimeout bounds the write that records a run's outcome.
const finishTimeout = 15 * time.Second

// Store is the persistence the engine needs.
type Store interface {
	DeleteSynced(ctx context.Context, calendarID string) (int, error)
	MappedExternalIDs(ctx context.Context, calendarID string) (map[string]struct{}, error)
	InsertSynced(ctx context.Context, b model.Booking, m model.EventMapping) (int64, error)
	BeginRun(ctx context.Context, runID, syncType string, startedAt time.Time) (int64, error)
	FinishRun(ctx context.Context, e model.SyncLogEntry) error
}

// Fetcher downloads the feed.
type Fetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Settings is the immutable configuration of an engine.
type Settings struct {
	Source     ics.Source
	Normalizer *civil.Normalizer
	Resolver   *studio.Resolver

	HorizonMonths         int
	MaxOccurrencesPerItem int
	KeepNeutral           bool
	DeleteAfterFetch      bool

	// Workers bounds per-item parallelism. Zero means GOMAXPROCS.
	Workers int
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Engine runs reconciliations. It holds no mutable state and is safe for
// concurrent use, but runs against the same calendar must be serialized by
// the caller (see Runner).
type Engine struct {
	settings Settings
	store    Store
	fetcher  Fetcher
}

// NewEngine validates settings and builds an engine.
func NewEngine(settings Settings, store Store, fetcher Fetcher) (*Engine, error) {
	switch {
	case store == nil:
		return nil, errors.New("reconcile: store is nil")
	case fetcher == nil:
		return nil, errors.New("reconcile: fetcher is nil")
	case settings.Normalizer == nil:
		return nil, errors.New("reconcile: normalizer is nil")
	case settings.Resolver == nil:
		return nil, errors.New("reconcile: resolver is nil")
	case settings.Source.URL == "":
		return nil, errors.New("reconcile: feed URL is empty")
	case settings.Source.ID == "":
		return nil, errors.New("reconcile: calendar id is empty")
	}
	if settings.HorizonMonths <= 0 {
		settings.HorizonMonths = 6
	}
	if settings.Workers <= 0 {
		settings.Workers = runtime.GOMAXPROCS(0)
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Engine{settings: settings, store: store, fetcher: fetcher}, nil
}

// Settings returns a copy of the engine settings.
func (e *Engine) Settings() Settings { return e.settings }

// Skip explains why an item produced no occurrence.
type Skip struct {
	UID    string `json:"uid"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// Plan is what a run would write, computed without touching the store.
type Plan struct {
	Today       civil.Date         `json:"today"`
	HorizonEnd  civil.Date         `json:"horizon_end"`
	Items       int                `json:"items"`
	Occurrences []model.Occurrence `json:"occurrences"`
	Skipped     []Skip             `json:"skipped"`
	Parse       ics.ParseStats     `json:"parse"`
	FromCache   bool               `json:"from_cache"`
}

// Plan fetches, parses and expands the feed.
func (e *Engine) Plan(ctx context.Context) (Plan, error) {
	return e.plan(ctx, e.settings.Now())
}

// Run executes one reconciliation and records it in the sync log. The
// returned entry is the final log entry; err is non-nil when the run
// failed.
func (e *Engine) Run(ctx context.Context, syncType string) (model.SyncLogEntry, error) {
	now := e.settings.Now()
	calendarID := e.settings.Source.ID

	entry := model.SyncLogEntry{
		RunID:     uuid.NewString(),
		SyncType:  syncType,
		Status:    model.SyncRunning,
		StartedAt: now,
	}
	id, err := e.store.BeginRun(ctx, entry.RunID, syncType, now)
	if err != nil {
		appLog.Error("sync run could not be recorded", err, "run_id", entry.RunID, "type", syncType)
		return entry, fmt.Errorf("begin run: %w", err)
	}
	entry.ID = id
	appLog.Info("sync run started", "run_id", entry.RunID, "type", syncType, "calendar_id", calendarID)

	if !e.settings.DeleteAfterFetch {
		if entry.Deleted, err = e.store.DeleteSynced(ctx, calendarID); err != nil {
			return e.fail(ctx, entry, fmt.Errorf("delete synced bookings: %w", err))
		}
	}

	plan, err := e.plan(ctx, now)
	if err != nil {
		return e.fail(ctx, entry, err)
	}
	entry.Processed = plan.Items

	if e.settings.DeleteAfterFetch {
		if entry.Deleted, err = e.store.DeleteSynced(ctx, calendarID); err != nil {
			return e.fail(ctx, entry, fmt.Errorf("delete synced bookings: %w", err))
		}
	}

	existing, err := e.store.MappedExternalIDs(ctx, calendarID)
	if err != nil {
		return e.fail(ctx, entry, err)
	}

	seen := make(map[string]struct{}, len(plan.Occurrences))
	duplicates := 0
	for _, occ := range plan.Occurrences {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, entry, fmt.Errorf("run aborted after %d inserts: %w", entry.Created, err))
		}
		if _, ok := existing[occ.ExternalID]; ok {
			duplicates++
			continue
		}
		if _, ok := seen[occ.ExternalID]; ok {
			duplicates++
			continue
		}
		seen[occ.ExternalID] = struct{}{}

		booking := model.BookingFromOccurrence(occ, now)
		mapping := model.EventMapping{
			ExternalEventID: occ.ExternalID,
			CalendarID:      calendarID,
			SyncStatus:      model.MappingSynced,
			LastSyncedAt:    now,
		}
		if _, err := e.store.InsertSynced(ctx, booking, mapping); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.fail(ctx, entry, fmt.Errorf("run aborted after %d inserts: %w", entry.Created, ctxErr))
			}
			conflict := &InsertConflict{ExternalID: occ.ExternalID, Err: err}
			entry.Conflicts++
			appLog.Error("sync insert conflict", conflict, "run_id", entry.RunID, "external_id", occ.ExternalID, "date", occ.Date.String())
			continue
		}
		entry.Created++
	}

	entry.Status = model.SyncSuccess
	finished := e.settings.Now()
	entry.FinishedAt = &finished
	if err := e.finish(ctx, entry); err != nil {
		return entry, err
	}

	appLog.Info("sync run completed",
		"run_id", entry.RunID,
		"processed", entry.Processed,
		"created", entry.Created,
		"deleted", entry.Deleted,
		"conflicts", entry.Conflicts,
		"duplicates", duplicates,
		"skipped", len(plan.Skipped),
		"duration", finished.Sub(entry.StartedAt).String(),
	)
	return entry, nil
}

// fail records err on the entry. The write is detached from ctx so that a
// run that hit its deadline is still marked failed.
func (e *Engine) fail(ctx context.Context, entry model.SyncLogEntry, cause error) (model.SyncLogEntry, error) {
	msg := cause.Error()
	finished := e.settings.Now()
	entry.Status = model.SyncFailed
	entry.FinishedAt = &finished
	entry.ErrorMessage = &msg

	appLog.Error("sync run failed", cause, "run_id", entry.RunID, "deleted", entry.Deleted, "created", entry.Created)
	if err := e.finish(ctx, entry); err != nil {
		return entry, errors.Join(cause, err)
	}
	return entry, cause
}

func (e *Engine) finish(ctx context.Context, entry model.SyncLogEntry) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := e.store.FinishRun(fctx, entry); err != nil {
		appLog.Error("sync log entry not finalized", err, "run_id", entry.RunID, "status", entry.Status)
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}
