// Package store persists license keys, daily usage counters, audit entries,
// and operator accounts in a relational database via sqlx.
//
// SQLite backs development and tests, Postgres is the production target, and
// MySQL is supported for deployments that already run one. The quota
// hot path (GetOrCreateUsageRow + IncrementUsageIfUnderCap) is written so
// that concurrent requests for the same key can never breach a daily cap:
// the cap check and the increment execute as one conditional UPDATE.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Config describes how to open the store.
type Config struct {
	// Driver is one of "sqlite", "postgres", or "mysql".
	Driver string
	// DSN is the connection string. Ignored for sqlite, which uses DataDir.
	DSN string
	// DataDir holds the sqlite database file. Empty means in-memory.
	DataDir string
}

// Store is the sqlx-backed persistence layer.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// Open connects to the configured database and applies migrations.
func Open(cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if cfg.Driver == driverSQLite {
		if cfg.DataDir == "" {
			dsn = ":memory:?_journal_mode=WAL"
		} else {
			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(cfg.DataDir, "keygate.db") + "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := sqlx.Connect(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == driverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s database: %w", cfg.Driver, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive. Used by the readiness
// probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
