// Package sqlite implements the experiment storage ports on an embedded
// SQLite database. It backs single-machine runs of the CLI without a server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS subjects (
    id          TEXT PRIMARY KEY,
    arrived_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subjects_arrived_at ON subjects(arrived_at, id);

CREATE TABLE IF NOT EXISTS outcomes (
    subject_id   TEXT PRIMARY KEY REFERENCES subjects(id) ON DELETE CASCADE,
    completed    INTEGER NOT NULL,
    observed_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS experiment_runs (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    phase       TEXT NOT NULL,
    state       BLOB NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
    subject_id   TEXT PRIMARY KEY REFERENCES subjects(id) ON DELETE CASCADE,
    run_id       TEXT NOT NULL,
    grp          TEXT NOT NULL CHECK (grp IN ('control', 'treatment')),
    assigned_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assignments_run_id ON assignments(run_id);
`

// Config holds SQLite settings.
type Config struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path        string
	BusyTimeout time.Duration
}

// Store implements experiment.Store on SQLite. Timestamps are stored as
// UTC unix nanoseconds.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

var _ experiment.Store = (*Store)(nil)

// Open opens or creates the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config, clock timeutil.Clock) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "abtest.db"
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("sqlite: create dirs: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, shared.ErrStoreUnavailable.Wrap(fmt.Errorf("sqlite: open: %w", err))
	}
	// One writer at a time; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// dsn builds a connection string whose pragmas apply to every connection
// the pool opens.
func dsn(cfg Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if cfg.Path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// DB returns the underlying *sql.DB for raw queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close implements experiment.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func errCode(err error) int {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	code := errCode(err)
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func isForeignKeyViolation(err error) bool {
	return errCode(err) == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

// storeErr maps lock contention and a closed database to
// shared.ErrStoreUnavailable and wraps everything else with op.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	code := errCode(err) & 0xff
	if code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED || errors.Is(err, sql.ErrConnDone) {
		return shared.ErrStoreUnavailable.Wrap(fmt.Errorf("sqlite: %s: %w", op, err))
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
