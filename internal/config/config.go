package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"studiosync/internal/studio"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Secrets can be supplied through the environment (or a .env
// file next to the config) instead of the YAML file.

// Environment variables that override the YAML file.
const (
	EnvFeedURL        = "STUDIOSYNC_FEED_URL"
	EnvDatabaseDriver = "STUDIOSYNC_DATABASE_DRIVER"
	EnvDatabaseDSN    = "STUDIOSYNC_DATABASE_DSN"
	EnvRedisAddr      = "STUDIOSYNC_REDIS_ADDR"
	EnvRedisPassword  = "STUDIOSYNC_REDIS_PASSWORD"
	EnvListen         = "STUDIOSYNC_LISTEN"
)

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "Asia/Jerusalem"
	defaultRefresh        = "*/30 * * * *"
	defaultCalendarID     = "studio-bookings"
	defaultFeedTimeout    = 30 * time.Second
	defaultFeedMaxBytes   = 10 << 20
	defaultHorizonMonths  = 6
	defaultMaxOccurrences = 500
	defaultRunTimeout     = 10 * time.Minute
	defaultLockTimeout    = 30 * time.Minute
	defaultDriver         = "sqlite3"
	defaultDSN            = "studiosync.db"
	defaultLogLevel       = "info"
)

// FeedConfig describes the external calendar feed.
type FeedConfig struct {
	// URL is the ICS subscription endpoint. Usually secret; prefer the
	// STUDIOSYNC_FEED_URL environment variable.
	URL string `yaml:"url" json:"-"`
	// CalendarID scopes the synced rows; every mapping carries it.
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`
	// CacheDir enables the ETag/Last-Modified cache when set.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// Timeout bounds a single feed request.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxBytes bounds the downloaded body. Larger feeds fail the fetch.
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes"`
}

// DatabaseConfig selects the SQL driver. Supported drivers: sqlite3,
// postgres, pgx.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" json:"driver"`
	DSN          string `yaml:"dsn" json:"-"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns"`
}

// RedisConfig enables the shared run lock when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the operator API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the operator API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone every booking date and time is expressed in.
	Timezone string `yaml:"timezone" json:"timezone"`

	Feed FeedConfig `yaml:"feed" json:"feed"`

	// RefreshCron is a cron-style schedule string (e.g. "*/30 * * * *")
	// evaluated in Timezone. "off" disables scheduled runs.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// SyncOnStart runs one reconciliation right after startup.
	SyncOnStart bool `yaml:"sync_on_start" json:"sync_on_start"`

	// HorizonMonths bounds recurrence expansion: today .. today+N months.
	HorizonMonths int `yaml:"horizon_months" json:"horizon_months"`

	// MaxOccurrencesPerItem caps the expansion of a single recurring item.
	MaxOccurrencesPerItem int `yaml:"max_occurrences_per_item" json:"max_occurrences_per_item"`

	// KeepNeutral keeps bookings whose title names no studio (stored with
	// a NULL studio). Defaults to true.
	KeepNeutral *bool `yaml:"keep_neutral,omitempty" json:"keep_neutral,omitempty"`

	// DeleteAfterFetch moves the wipe of previously synced rows after a
	// successful fetch and parse.
	DeleteAfterFetch bool `yaml:"delete_after_fetch" json:"delete_after_fetch"`

	RunTimeout  time.Duration `yaml:"run_timeout" json:"run_timeout"`
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`

	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`

	// Studios is the ordered marker table; the first matching studio wins.
	Studios []studio.Studio `yaml:"studios" json:"studios"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	keep := true
	return &Config{
		Listen:   defaultListen,
		Timezone: defaultTimezone,
		Feed: FeedConfig{
			CalendarID: defaultCalendarID,
			Timeout:    defaultFeedTimeout,
			MaxBytes:   defaultFeedMaxBytes,
		},
		RefreshCron:           defaultRefresh,
		SyncOnStart:           true,
		HorizonMonths:         defaultHorizonMonths,
		MaxOccurrencesPerItem: defaultMaxOccurrences,
		KeepNeutral:           &keep,
		RunTimeout:            defaultRunTimeout,
		LockTimeout:           defaultLockTimeout,
		Database: DatabaseConfig{
			Driver: defaultDriver,
			DSN:    defaultDSN,
		},
		Studios:  studio.DefaultStudios(),
		LogLevel: defaultLogLevel,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Feed.CalendarID == "" {
		c.Feed.CalendarID = defaultCalendarID
	}
	if c.Feed.Timeout <= 0 {
		c.Feed.Timeout = defaultFeedTimeout
	}
	if c.Feed.MaxBytes <= 0 {
		c.Feed.MaxBytes = defaultFeedMaxBytes
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.HorizonMonths <= 0 {
		c.HorizonMonths = defaultHorizonMonths
	}
	if c.MaxOccurrencesPerItem <= 0 {
		c.MaxOccurrencesPerItem = defaultMaxOccurrences
	}
	if c.KeepNeutral == nil {
		keep := true
		c.KeepNeutral = &keep
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	// A lease shorter than a run would let a second run start.
	if c.LockTimeout < c.RunTimeout {
		c.LockTimeout = c.RunTimeout
	}
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = defaultDriver
	}
	if c.Database.DSN == "" && c.Database.Driver == defaultDriver {
		c.Database.DSN = defaultDSN
	}
	if c.Studios == nil {
		c.Studios = studio.DefaultStudios()
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		c.BasicAuth = nil
	}
}

// KeepNeutralBookings reports the effective keep_neutral setting.
func (c *Config) KeepNeutralBookings() bool {
	return c.KeepNeutral == nil || *c.KeepNeutral
}

// ScheduleEnabled reports whether periodic runs are configured.
func (c *Config) ScheduleEnabled() bool {
	return !strings.EqualFold(strings.TrimSpace(c.RefreshCron), "off")
}

// ApplyEnv overrides file values with the STUDIOSYNC_* environment
// variables that are set.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Feed.URL, EnvFeedURL)
	set(&c.Database.Driver, EnvDatabaseDriver)
	set(&c.Database.DSN, EnvDatabaseDSN)
	set(&c.Redis.Addr, EnvRedisAddr)
	set(&c.Redis.Password, EnvRedisPassword)
	set(&c.Listen, EnvListen)
}

// Validate reports configuration errors that make a reconciliation run
// impossible.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Feed.URL) == "" {
		errs = append(errs, fmt.Errorf("feed.url is empty (set it in the file or %s)", EnvFeedURL))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is empty"))
	}
	if c.ScheduleEnabled() {
		if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
			errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
		}
	}
	seen := make(map[studio.ID]bool, len(c.Studios))
	for _, s := range c.Studios {
		if s.ID == studio.None {
			errs = append(errs, fmt.Errorf("studio %q: id must be non-zero", s.Name))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("studio id %d is listed twice", s.ID))
		}
		seen[s.ID] = true
	}

	return errors.Join(errs...)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - A .env file next to the config is loaded into the process environment
//     (existing variables win).
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//   - Environment overrides are applied last and never written back.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			cfg.Normalize()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyEnv()
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".studiosync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
