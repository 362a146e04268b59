package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"studiosync/internal/civil"
	"studiosync/internal/config"
	"studiosync/internal/ics"
	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/reconcile"
	"studiosync/internal/schedule"
	"studiosync/internal/store"
	"studiosync/internal/studio"
	"studiosync/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()
	appLog.Info("studiosync starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.debug {
		conf.LogLevel = "debug"
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		return 1
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"calendar_id", conf.Feed.CalendarID,
		"refresh", conf.RefreshCron,
		"horizon_months", conf.HorizonMonths,
		"keep_neutral", conf.KeepNeutralBookings(),
		"delete_after_fetch", conf.DeleteAfterFetch,
		"db_driver", conf.Database.Driver,
		"redis", conf.Redis.Addr != "",
		"studios", len(conf.Studios),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	norm, err := civil.NewNormalizer(conf.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone", err)
		return 1
	}

	st, err := store.Open(ctx, store.Config{
		Driver:       conf.Database.Driver,
		DSN:          conf.Database.DSN,
		MaxOpenConns: conf.Database.MaxOpenConns,
	})
	if err != nil {
		appLog.Error("failed to open database", err, "driver", conf.Database.Driver)
		return 1
	}
	defer st.Close()

	src := ics.Source{ID: conf.Feed.CalendarID, URL: conf.Feed.URL}
	engine, err := reconcile.NewEngine(reconcile.Settings{
		Source:                src,
		Normalizer:            norm,
		Resolver:              studio.NewResolver(conf.Studios),
		HorizonMonths:         conf.HorizonMonths,
		MaxOccurrencesPerItem: conf.MaxOccurrencesPerItem,
		KeepNeutral:           conf.KeepNeutralBookings(),
		DeleteAfterFetch:      conf.DeleteAfterFetch,
	}, st, ics.NewFetcher(conf.Feed.CacheDir, conf.Feed.Timeout, conf.Feed.MaxBytes))
	if err != nil {
		appLog.Error("failed to build engine", err)
		return 1
	}

	locker, closeLocker := newLocker(conf.Redis)
	defer closeLocker()

	runner := reconcile.NewRunner(engine, locker, reconcile.RunnerOptions{
		Key:        reconcile.LockKey(src),
		RunTimeout: conf.RunTimeout,
		LockTTL:    conf.LockTimeout,
	})

	abandonInterrupted(ctx, runner, st)

	if flags.once {
		return runOnce(ctx, runner)
	}

	if conf.SyncOnStart {
		if _, err := runner.Trigger(ctx, model.SyncStartup); err != nil {
			appLog.Error("startup sync trigger failed", err)
		}
	}

	if conf.ScheduleEnabled() {
		sched, err := schedule.New(conf.RefreshCron, norm.Location(), runner)
		if err != nil {
			appLog.Error("failed to build schedule", err)
			return 1
		}
		sched.Start()
		defer sched.Stop()
	} else {
		appLog.Info("scheduled sync disabled")
	}

	srv := web.NewServer(web.Options{
		CalendarID: conf.Feed.CalendarID,
		BasicAuth:  conf.BasicAuth,
		Debug:      flags.debug,
	}, runner, engine, st)

	code := 0
	if err := srv.Run(ctx, conf.Listen); err != nil {
		appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		code = 1
	}

	cancel()
	appLog.Info("waiting for in-flight sync to finish")
	runner.Wait()
	appLog.Info("studiosync exiting")
	return code
}

// abandonInterrupted marks runs left "running" by a crashed process as
// failed. It holds the run guard while doing so; when another instance is
// syncing, its entry is live and nothing is touched.
func abandonInterrupted(ctx context.Context, runner *reconcile.Runner, st *store.Store) {
	err := runner.Exclusive(ctx, func(ctx context.Context) error {
		n, err := st.AbandonRunning(ctx, "interrupted: process restarted", time.Now())
		if err == nil && n > 0 {
			appLog.Warn("marked abandoned runs as failed", "count", n)
		}
		return err
	})
	switch {
	case errors.Is(err, reconcile.ErrAlreadyRunning):
		appLog.Info("sync in progress elsewhere; leaving running entries")
	case err != nil:
		appLog.Error("failed to close abandoned runs", err)
	}
}

// runOnce performs one synchronous reconciliation and reports its outcome
// as the exit code.
func runOnce(ctx context.Context, runner *reconcile.Runner) int {
	entry, err := runner.RunNow(ctx, model.SyncOnce)
	if errors.Is(err, reconcile.ErrAlreadyRunning) {
		appLog.Warn("another sync holds the lock; nothing to do")
		return 1
	}
	if err != nil {
		appLog.Error("sync failed", err, "run_id", entry.RunID)
		return 1
	}
	appLog.Info("sync finished",
		"run_id", entry.RunID,
		"processed", entry.Processed,
		"created", entry.Created,
		"deleted", entry.Deleted,
		"conflicts", entry.Conflicts,
	)
	return 0
}

// newLocker picks the Redis lock when an address is configured and the
// in-process lock otherwise.
func newLocker(cfg config.RedisConfig) (reconcile.Locker, func()) {
	if cfg.Addr == "" {
		return reconcile.NewMemoryLocker(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	appLog.Info("using redis run lock", "addr", cfg.Addr, "db", cfg.DB)
	return reconcile.NewRedisLocker(client), func() {
		if err := client.Close(); err != nil {
			appLog.Error("failed to close redis client", err)
		}
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/studiosync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
