package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"github.com/jackc/pgx/v5"
)

// Store implements experiment.Store on PostgreSQL.
type Store struct {
	conn  *Connection
	clock timeutil.Clock
}

var _ experiment.Store = (*Store)(nil)

// serializableAttempts bounds restarts of a serializable transaction.
const serializableAttempts = 3

// NewStore creates a store on an open connection. clock drives the rate
// window and may be nil.
func NewStore(conn *Connection, clock timeutil.Clock) *Store {
	return &Store{conn: conn, clock: clock}
}

// Close implements experiment.Store.
func (s *Store) Close() error {
	s.conn.Close()
	return nil
}

// bounded applies the configured statement timeout to ctx.
func (s *Store) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.conn.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.conn.config.QueryTimeout)
}

// optionalTime maps an open bound to SQL NULL.
func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// ══════════════════════════════════════════════════════════════════════════════
// INGEST
// ══════════════════════════════════════════════════════════════════════════════

// RecordSubject implements experiment.IngestStore.
func (s *Store) RecordSubject(ctx context.Context, subject experiment.Subject) error {
	if !subject.ID.IsValid() {
		return shared.ErrInvalidParameter.Detail("blank subject identifier")
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	query := `INSERT INTO subjects (id, arrived_at) VALUES ($1, $2)`
	if _, err := s.conn.Exec(ctx, query, string(subject.ID), subject.ArrivedAt.UTC()); err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrSubjectExists.Detail("%s", subject.ID)
		}
		return storeErr("record subject", err)
	}
	return nil
}

// RecordOutcome implements experiment.IngestStore.
func (s *Store) RecordOutcome(ctx context.Context, outcome experiment.Outcome) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	query := `INSERT INTO outcomes (subject_id, completed, observed_at) VALUES ($1, $2, $3)`
	_, err := s.conn.Exec(ctx, query, string(outcome.SubjectID), outcome.Completed, outcome.ObservedAt.UTC())
	switch {
	case err == nil:
		return nil
	case IsForeignKeyViolation(err):
		return shared.ErrSubjectNotFound.Detail("%s", outcome.SubjectID)
	case IsUniqueViolation(err):
		return shared.ErrOutcomeAlreadyObserved.Detail("%s", outcome.SubjectID)
	default:
		return storeErr("record outcome", err)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// OBSERVATION STORE
// ══════════════════════════════════════════════════════════════════════════════

// FetchEligibleSubjects implements experiment.ObservationStore.
func (s *Store) FetchEligibleSubjects(ctx context.Context, _ experiment.RunID, criteria experiment.Criteria) ([]experiment.Subject, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var limit *int
	if criteria.Limit > 0 {
		limit = &criteria.Limit
	}

	query := `
		SELECT s.id, s.arrived_at
		FROM subjects s
		WHERE ($1::timestamptz IS NULL OR s.arrived_at >= $1)
		  AND ($2::timestamptz IS NULL OR s.arrived_at < $2)
		  AND NOT EXISTS (SELECT 1 FROM outcomes o WHERE o.subject_id = s.id)
		  AND NOT EXISTS (SELECT 1 FROM assignments a WHERE a.subject_id = s.id)
		ORDER BY s.arrived_at, s.id
		LIMIT $3
	`
	rows, err := s.conn.Query(ctx, query, optionalTime(criteria.ArrivedFrom), optionalTime(criteria.ArrivedTo), limit)
	if err != nil {
		return nil, storeErr("fetch eligible subjects", err)
	}

	subjects, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (experiment.Subject, error) {
		var sub experiment.Subject
		var id string
		if err := row.Scan(&id, &sub.ArrivedAt); err != nil {
			return sub, err
		}
		sub.ID = experiment.SubjectID(id)
		sub.ArrivedAt = sub.ArrivedAt.UTC()
		return sub, nil
	})
	if err != nil {
		return nil, storeErr("scan eligible subjects", err)
	}
	return subjects, nil
}

// PersistAssignments implements experiment.ObservationStore. The batch is
// copied inside one transaction, so a conflicting row rolls back all of it.
func (s *Store) PersistAssignments(ctx context.Context, runID experiment.RunID, assignments []experiment.Assignment) error {
	if err := experiment.CheckBatch(runID, assignments); err != nil {
		return err
	}
	if len(assignments) == 0 {
		return nil
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows := make([][]any, len(assignments))
	for i, a := range assignments {
		rows[i] = []any{string(a.SubjectID), string(a.RunID), string(a.Group), a.AssignedAt.UTC()}
	}

	err := s.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"assignments"},
			[]string{"subject_id", "run_id", "grp", "assigned_at"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	switch {
	case err == nil:
		return nil
	case IsUniqueViolation(err):
		return shared.ErrAssignmentConflict.Wrap(err)
	case IsForeignKeyViolation(err):
		return shared.ErrSubjectNotFound.Wrap(err)
	default:
		return storeErr("persist assignments", err)
	}
}

// FetchAssignments implements experiment.ObservationStore.
func (s *Store) FetchAssignments(ctx context.Context, runID experiment.RunID) ([]experiment.Assignment, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	query := `
		SELECT subject_id, run_id, grp, assigned_at
		FROM assignments
		WHERE run_id = $1
		ORDER BY subject_id
	`
	rows, err := s.conn.Query(ctx, query, string(runID))
	if err != nil {
		return nil, storeErr("fetch assignments", err)
	}

	out, err := pgx.CollectRows(rows, scanAssignment)
	if err != nil {
		return nil, storeErr("scan assignments", err)
	}
	return out, nil
}

func scanAssignment(row pgx.CollectableRow) (experiment.Assignment, error) {
	var a experiment.Assignment
	var subjectID, runID, group string
	if err := row.Scan(&subjectID, &runID, &group, &a.AssignedAt); err != nil {
		return a, err
	}
	g, err := experiment.ParseGroup(group)
	if err != nil {
		return a, err
	}
	a.SubjectID = experiment.SubjectID(subjectID)
	a.RunID = experiment.RunID(runID)
	a.Group = g
	a.AssignedAt = a.AssignedAt.UTC()
	return a, nil
}

// FetchOutcomes implements experiment.ObservationStore.
func (s *Store) FetchOutcomes(ctx context.Context, runID experiment.RunID) (map[experiment.SubjectID]experiment.Outcome, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	query := `
		SELECT o.subject_id, o.completed, o.observed_at
		FROM outcomes o
		JOIN assignments a ON a.subject_id = o.subject_id
		WHERE a.run_id = $1
	`
	rows, err := s.conn.Query(ctx, query, string(runID))
	if err != nil {
		return nil, storeErr("fetch outcomes", err)
	}
	defer rows.Close()

	out := make(map[experiment.SubjectID]experiment.Outcome)
	for rows.Next() {
		var o experiment.Outcome
		var id string
		if err := rows.Scan(&id, &o.Completed, &o.ObservedAt); err != nil {
			return nil, storeErr("scan outcome", err)
		}
		o.SubjectID = experiment.SubjectID(id)
		o.ObservedAt = o.ObservedAt.UTC()
		out[o.SubjectID] = o
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate outcomes", err)
	}
	return out, nil
}

// CountAccrued implements experiment.ObservationStore.
func (s *Store) CountAccrued(ctx context.Context, runID experiment.RunID) (int, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM assignments a
		JOIN outcomes o ON o.subject_id = a.subject_id
		WHERE a.run_id = $1
	`
	var n int
	if err := s.conn.QueryRow(ctx, query, string(runID)).Scan(&n); err != nil {
		return 0, storeErr("count accrued", err)
	}
	return n, nil
}

// DeleteRunData implements experiment.ObservationStore.
func (s *Store) DeleteRunData(ctx context.Context, runID experiment.RunID) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	// Both deletes must see the same assignments, or an outcome recorded in
	// between would outlive its assignment.
	err := s.conn.WithSerializableTx(ctx, serializableAttempts, func(tx pgx.Tx) error {
		outcomes := `DELETE FROM outcomes WHERE subject_id IN (SELECT subject_id FROM assignments WHERE run_id = $1)`
		if _, err := tx.Exec(ctx, outcomes, string(runID)); err != nil {
			return fmt.Errorf("delete outcomes: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM assignments WHERE run_id = $1`, string(runID)); err != nil {
			return fmt.Errorf("delete assignments: %w", err)
		}
		return nil
	})
	return storeErr("delete run data", err)
}

// HistoricalDailyRate implements experiment.ObservationStore.
func (s *Store) HistoricalDailyRate(ctx context.Context, window time.Duration) (float64, error) {
	days, err := s.DailyArrivals(ctx, window)
	if err != nil {
		return 0, err
	}
	return experiment.MeanCount(days), nil
}

// DailyArrivals implements experiment.ObservationStore. Days are UTC and
// applicants who completed the quiz are not counted.
func (s *Store) DailyArrivals(ctx context.Context, window time.Duration) ([]experiment.DailyCount, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	now := s.clock.Now()
	from, to := experiment.ArrivalWindow(window, now)

	query := `
		SELECT date_trunc('day', s.arrived_at AT TIME ZONE 'UTC') AS day, COUNT(*)
		FROM subjects s
		LEFT JOIN outcomes o ON o.subject_id = s.id
		WHERE (o.completed IS NULL OR NOT o.completed)
		  AND ($1::timestamptz IS NULL OR s.arrived_at >= $1)
		  AND s.arrived_at < $2
		GROUP BY day
	`
	rows, err := s.conn.Query(ctx, query, optionalTime(from), to)
	if err != nil {
		return nil, storeErr("daily arrivals", err)
	}
	defer rows.Close()

	counts := make(map[time.Time]int)
	for rows.Next() {
		var day time.Time
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, storeErr("scan daily arrivals", err)
		}
		counts[timeutil.StartOfDay(day)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate daily arrivals", err)
	}
	return experiment.DailySeries(counts, window, now), nil
}
