package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appLog "studiosync/internal/log"
	"studiosync/internal/model"
)

// TriggerStatus is the only answer a trigger caller gets; the outcome of
// the run is visible in the sync log.
type TriggerStatus string

const (
	TriggerAccepted       TriggerStatus = "accepted"
	TriggerAlreadyRunning TriggerStatus = "already_running"
)

// Executor runs one reconciliation. *Engine implements it.
type Executor interface {
	Run(ctx context.Context, syncType string) (model.SyncLogEntry, error)
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Key identifies the guarded target, usually LockKey(source).
	Key string
	// RunTimeout bounds one run. Zero means 10 minutes.
	RunTimeout time.Duration
	// LockTTL is the lease length. It is raised to RunTimeout when shorter.
	LockTTL time.Duration
}

// Runner starts runs behind a single-flight guard.
type Runner struct {
	exec   Executor
	locker Locker
	opts   RunnerOptions
	wg     sync.WaitGroup
}

// NewRunner builds a runner.
func NewRunner(exec Executor, locker Locker, opts RunnerOptions) *Runner {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.LockTTL < opts.RunTimeout {
		opts.LockTTL = opts.RunTimeout
	}
	if opts.Key == "" {
		opts.Key = "studiosync:sync"
	}
	return &Runner{exec: exec, locker: locker, opts: opts}
}

// Trigger starts a run in the background and returns immediately. The run
// does not inherit the cancellation of ctx; it is bounded by RunTimeout.
func (r *Runner) Trigger(ctx context.Context, syncType string) (TriggerStatus, error) {
	release, err := r.locker.Acquire(ctx, r.opts.Key, r.opts.LockTTL)
	if errors.Is(err, ErrAlreadyRunning) {
		appLog.Info("sync trigger rejected; run in progress", "type", syncType)
		return TriggerAlreadyRunning, nil
	}
	if err != nil {
		return "", fmt.Errorf("acquire run guard: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, _ = r.run(context.WithoutCancel(ctx), syncType, release)
	}()
	return TriggerAccepted, nil
}

// RunNow runs synchronously. It returns ErrAlreadyRunning when the guard is
// held.
func (r *Runner) RunNow(ctx context.Context, syncType string) (model.SyncLogEntry, error) {
	release, err := r.locker.Acquire(ctx, r.opts.Key, r.opts.LockTTL)
	if err != nil {
		return model.SyncLogEntry{}, err
	}
	r.wg.Add(1)
	defer r.wg.Done()
	return r.run(ctx, syncType, release)
}

// Exclusive calls fn while holding the run guard, so no run (in this or,
// with a shared Locker, any other process) is in flight. It returns
// ErrAlreadyRunning without calling fn when the guard is held.
func (r *Runner) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := r.locker.Acquire(ctx, r.opts.Key, r.opts.LockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			appLog.Error("sync run guard release failed", err, "key", r.opts.Key)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every started run has finished.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) run(ctx context.Context, syncType string, release ReleaseFunc) (model.SyncLogEntry, error) {
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			appLog.Error("sync run guard release failed", err, "key", r.opts.Key)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()

	// Failures are recorded in the sync log by the executor.
	return r.exec.Run(runCtx, syncType)
}
