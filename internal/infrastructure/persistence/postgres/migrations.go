package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: FUNNEL AND EXPERIMENT TABLES
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Applicants entering the admissions funnel
CREATE TABLE IF NOT EXISTS subjects (
    id          TEXT PRIMARY KEY,
    arrived_at  TIMESTAMP WITH TIME ZONE NOT NULL,
    created_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

-- Observed quiz results; one row per subject, written once
CREATE TABLE IF NOT EXISTS outcomes (
    subject_id   TEXT PRIMARY KEY REFERENCES subjects(id) ON DELETE CASCADE,
    completed    BOOLEAN NOT NULL,
    observed_at  TIMESTAMP WITH TIME ZONE NOT NULL
);

-- Run state; the full aggregate is kept as JSONB next to queryable columns
CREATE TABLE IF NOT EXISTS experiment_runs (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    phase       TEXT NOT NULL,
    state       JSONB NOT NULL,
    created_at  TIMESTAMP WITH TIME ZONE NOT NULL,
    updated_at  TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT valid_phase CHECK (phase IN ('configuring', 'assigning', 'collecting', 'analyzed', 'reset'))
);

-- A subject is assigned in at most one run, so the subject is the key
CREATE TABLE IF NOT EXISTS assignments (
    subject_id   TEXT PRIMARY KEY REFERENCES subjects(id) ON DELETE CASCADE,
    run_id       TEXT NOT NULL,
    grp          TEXT NOT NULL,
    assigned_at  TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT valid_group CHECK (grp IN ('control', 'treatment'))
);
`

const migration001Down = `
DROP TABLE IF EXISTS assignments;
DROP TABLE IF EXISTS experiment_runs;
DROP TABLE IF EXISTS outcomes;
DROP TABLE IF EXISTS subjects;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: QUERY INDEXES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE INDEX IF NOT EXISTS idx_subjects_arrived_at ON subjects(arrived_at, id);
CREATE INDEX IF NOT EXISTS idx_assignments_run_id ON assignments(run_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_completed ON outcomes(subject_id) WHERE completed;
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON experiment_runs(created_at DESC);
`

const migration002Down = `
DROP INDEX IF EXISTS idx_runs_created_at;
DROP INDEX IF EXISTS idx_outcomes_completed;
DROP INDEX IF EXISTS idx_assignments_run_id;
DROP INDEX IF EXISTS idx_subjects_arrived_at;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// GetMigrations returns all embedded migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_experiment_tables", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_query_indexes", UpSQL: migration002Up, DownSQL: migration002Down},
	}
}

// Migrator handles database migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a new migrator with embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: GetMigrations(), tableName: "schema_migrations"}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Exec(ctx, query); err != nil {
		return storeErr("create migrations table", err)
	}
	return nil
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	query := fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName)

	rows, err := m.conn.Query(ctx, query)
	if err != nil {
		return nil, storeErr("query applied migrations", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations and returns how many ran.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, mig := range m.migrations {
		if _, isApplied := applied[mig.Version]; isApplied {
			continue
		}
		if mig.UpSQL == "" {
			return ran, fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("execute migration %d: %w", mig.Version, err)
			}
			insert := fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName)
			_, err := tx.Exec(ctx, insert, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("%w: version %d: %w", ErrMigrationFailed, mig.Version, err)
		}
		ran++
	}
	return ran, nil
}

// Rollback rolls back the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	lastVersion := 0
	for v := range applied {
		if v > lastVersion {
			lastVersion = v
		}
	}
	if lastVersion == 0 {
		return nil
	}

	var migration *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == lastVersion {
			migration = &m.migrations[i]
			break
		}
	}
	if migration == nil || migration.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, lastVersion)
	}

	return m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, migration.DownSQL); err != nil {
			return fmt.Errorf("rollback migration %d: %w", lastVersion, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), lastVersion)
		return err
	})
}

// Status returns the migration status.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Migration, len(m.migrations))
	copy(result, m.migrations)
	for i := range result {
		if appliedAt, ok := applied[result[i].Version]; ok {
			result[i].IsApplied = true
			result[i].AppliedAt = appliedAt
		}
	}
	return result, nil
}
