// Package store implements durable, schema-versioned persistence on top of sqlite.
// It keeps projects, assets, generation history (jobs) and session checkpoints, tracks
// applied migrations in schema_version and exposes the conditional status transitions
// used by the queue.
package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotFound returned when a requested record doesn't exist
var ErrNotFound = errors.New("not found")

// Store is a sqlite-backed persistence layer, safe for concurrent use
type Store struct {
	db   *sqlx.DB
	path string
}

// Params defines store options
type Params struct {
	Path        string        // database file
	BusyTimeout time.Duration // how long a writer waits for a lock, default 5s
}

// New opens the database, verifies its integrity and applies pending migrations
func New(ctx context.Context, params Params) (*Store, error) {
	if params.Path == "" {
		return nil, errors.New("empty database path")
	}
	if params.BusyTimeout <= 0 {
		params.BusyTimeout = 5 * time.Second
	}

	// WAL with a bounded busy wait, immediate transactions take the write lock upfront
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"+
		"&_pragma=synchronous(NORMAL)&_txlock=immediate", params.Path, params.BusyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", params.Path, err)
	}
	db.SetMaxOpenConns(1) // single writer connection

	res := &Store{db: db, path: params.Path}
	if err := res.checkIntegrity(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}

	if err := res.migrate(ctx, migrations); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to migrate: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return res, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Store) String() string { return "sqlite:" + s.path }

// checkIntegrity runs PRAGMA integrity_check, any answer but "ok" is an error
func (s *Store) checkIntegrity(ctx context.Context) error {
	var problems []string
	if err := s.db.SelectContext(ctx, &problems, "PRAGMA integrity_check"); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if len(problems) == 1 && problems[0] == "ok" {
		log.Printf("[DEBUG] integrity check passed for %s", s.path)
		return nil
	}
	log.Printf("[ERROR] database integrity check failed for %s: %v", s.path, problems)
	return fmt.Errorf("database integrity check failed: %v", problems)
}

// Timestamp is a time stored as unix milliseconds, zero time is stored as 0
type Timestamp struct {
	time.Time
}

// Now returns current time truncated to the stored precision
func Now() Timestamp {
	return Timestamp{Time: time.Now().UTC().Truncate(time.Millisecond)}
}

// Value implements driver.Valuer
func (t Timestamp) Value() (driver.Value, error) {
	if t.IsZero() {
		return int64(0), nil
	}
	return t.UnixMilli(), nil
}

// Scan implements sql.Scanner
func (t *Timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = Timestamp{}
	case int64:
		if v == 0 {
			*t = Timestamp{}
			return nil
		}
		*t = Timestamp{Time: time.UnixMilli(v).UTC()}
	default:
		return fmt.Errorf("can't scan %T into timestamp", src)
	}
	return nil
}
