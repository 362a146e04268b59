// Package store persists bookings, their feed mappings and the sync log
// through sqlx. SQLite (mattn/go-sqlite3) and PostgreSQL (lib/pq or pgx)
// are supported; queries are written with ? and rebound per driver.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	appLog "studiosync/internal/log"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// Config selects the driver and data source.
type Config struct {
	Driver       string // sqlite3, postgres or pgx
	DSN          string
	MaxOpenConns int
}

// Store is safe for concurrent use.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects, pings and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	switch cfg.Driver {
	case "sqlite3", "postgres", "pgx":
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	dsn := cfg.DSN
	if cfg.Driver == "sqlite3" {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	switch {
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	case cfg.Driver == "sqlite3":
		// One writer; also keeps :memory: databases on a single connection.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for health checks and tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	name := "schema/postgres.sql"
	if s.driver == "sqlite3" {
		name = "schema/sqlite.sql"
	}
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	for _, stmt := range splitStatements(string(data)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	appLog.Debug("store schema applied", "driver", s.driver)
	return nil
}

// splitStatements removes -- comments, then splits on ;. The schema
// files hold no string literals containing ; or --.
func splitStatements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var stmts []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// sqliteDSN turns on foreign keys for every pooled connection. A PRAGMA
// would only reach the connection it ran on.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

func (s *Store) q(query string) string { return s.db.Rebind(query) }

func utc(t time.Time) time.Time { return t.UTC() }
