// Package schedule triggers periodic reconciliation runs.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/reconcile"
)

// Trigger starts a run and reports whether it was accepted.
type Trigger interface {
	Trigger(ctx context.Context, syncType string) (reconcile.TriggerStatus, error)
}

// Scheduler wraps a cron instance evaluated in the operating timezone.
type Scheduler struct {
	cron *cron.Cron
	spec string
}

// New parses spec (standard 5-field cron or a descriptor such as
// "@hourly") and registers a scheduled run on t.
func New(spec string, loc *time.Location, t Trigger) (*Scheduler, error) {
	c := cron.New(cron.WithLocation(loc))
	_, err := c.AddFunc(spec, func() {
		status, err := t.Trigger(context.Background(), model.SyncScheduled)
		if err != nil {
			appLog.Error("scheduled sync trigger failed", err)
			return
		}
		appLog.Debug("scheduled sync triggered", "status", string(status))
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, spec: spec}, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	appLog.Info("sync schedule started", "refresh", s.spec, "next", s.Next().Format(time.RFC3339))
}

// Next is the next scheduled activation, zero when not started.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop prevents further activations. Runs already triggered are not
// affected; wait for them on the runner.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
