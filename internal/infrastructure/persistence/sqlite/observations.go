package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
)

const nanosPerDay = int64(24 * time.Hour)

// ─────────────────────────────────────────────────────────────────────────────
// IngestStore
// ─────────────────────────────────────────────────────────────────────────────

// RecordSubject implements experiment.IngestStore.
func (s *Store) RecordSubject(ctx context.Context, subject experiment.Subject) error {
	if !subject.ID.IsValid() {
		return shared.ErrInvalidParameter.Detail("blank subject identifier")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (id, arrived_at) VALUES (?, ?)`,
		string(subject.ID), toNanos(subject.ArrivedAt),
	)
	if isUniqueViolation(err) {
		return shared.ErrSubjectExists.Detail("%s", subject.ID)
	}
	return storeErr("record subject", err)
}

// RecordOutcome implements experiment.IngestStore.
func (s *Store) RecordOutcome(ctx context.Context, outcome experiment.Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (subject_id, completed, observed_at) VALUES (?, ?, ?)`,
		string(outcome.SubjectID), outcome.Completed, toNanos(outcome.ObservedAt),
	)
	switch {
	case isForeignKeyViolation(err):
		return shared.ErrSubjectNotFound.Detail("%s", outcome.SubjectID)
	case isUniqueViolation(err):
		return shared.ErrOutcomeAlreadyObserved.Detail("%s", outcome.SubjectID)
	default:
		return storeErr("record outcome", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// ObservationStore
// ─────────────────────────────────────────────────────────────────────────────

// FetchEligibleSubjects implements experiment.ObservationStore.
func (s *Store) FetchEligibleSubjects(ctx context.Context, _ experiment.RunID, criteria experiment.Criteria) ([]experiment.Subject, error) {
	var from, to sql.NullInt64
	if !criteria.ArrivedFrom.IsZero() {
		from = sql.NullInt64{Int64: toNanos(criteria.ArrivedFrom), Valid: true}
	}
	if !criteria.ArrivedTo.IsZero() {
		to = sql.NullInt64{Int64: toNanos(criteria.ArrivedTo), Valid: true}
	}
	limit := -1
	if criteria.Limit > 0 {
		limit = criteria.Limit
	}

	query := `
		SELECT s.id, s.arrived_at
		FROM subjects s
		WHERE (?1 IS NULL OR s.arrived_at >= ?1)
		  AND (?2 IS NULL OR s.arrived_at < ?2)
		  AND NOT EXISTS (SELECT 1 FROM outcomes o WHERE o.subject_id = s.id)
		  AND NOT EXISTS (SELECT 1 FROM assignments a WHERE a.subject_id = s.id)
		ORDER BY s.arrived_at, s.id
		LIMIT ?3
	`
	rows, err := s.db.QueryContext(ctx, query, from, to, limit)
	if err != nil {
		return nil, storeErr("fetch eligible subjects", err)
	}
	defer rows.Close()

	var out []experiment.Subject
	for rows.Next() {
		var id string
		var arrived int64
		if err := rows.Scan(&id, &arrived); err != nil {
			return nil, storeErr("scan subject", err)
		}
		out = append(out, experiment.Subject{ID: experiment.SubjectID(id), ArrivedAt: fromNanos(arrived)})
	}
	return out, storeErr("iterate subjects", rows.Err())
}

// PersistAssignments implements experiment.ObservationStore. The batch runs
// in one transaction; the first constraint failure rolls all of it back.
func (s *Store) PersistAssignments(ctx context.Context, runID experiment.RunID, assignments []experiment.Assignment) error {
	if err := experiment.CheckBatch(runID, assignments); err != nil {
		return err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO assignments (subject_id, run_id, grp, assigned_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range assignments {
			_, err := stmt.ExecContext(ctx, string(a.SubjectID), string(a.RunID), string(a.Group), toNanos(a.AssignedAt))
			switch {
			case err == nil:
			case isUniqueViolation(err):
				return shared.ErrAssignmentConflict.Detail("%s", a.SubjectID)
			case isForeignKeyViolation(err):
				return shared.ErrSubjectNotFound.Detail("%s", a.SubjectID)
			default:
				return err
			}
		}
		return nil
	})
	return storeErr("persist assignments", err)
}

// FetchAssignments implements experiment.ObservationStore.
func (s *Store) FetchAssignments(ctx context.Context, runID experiment.RunID) ([]experiment.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, grp, assigned_at FROM assignments WHERE run_id = ? ORDER BY subject_id`,
		string(runID))
	if err != nil {
		return nil, storeErr("fetch assignments", err)
	}
	defer rows.Close()

	out := []experiment.Assignment{}
	for rows.Next() {
		var subjectID, group string
		var assigned int64
		if err := rows.Scan(&subjectID, &group, &assigned); err != nil {
			return nil, storeErr("scan assignment", err)
		}
		g, err := experiment.ParseGroup(group)
		if err != nil {
			return nil, err
		}
		out = append(out, experiment.Assignment{
			RunID:      runID,
			SubjectID:  experiment.SubjectID(subjectID),
			Group:      g,
			AssignedAt: fromNanos(assigned),
		})
	}
	return out, storeErr("iterate assignments", rows.Err())
}

// FetchOutcomes implements experiment.ObservationStore.
func (s *Store) FetchOutcomes(ctx context.Context, runID experiment.RunID) (map[experiment.SubjectID]experiment.Outcome, error) {
	query := `
		SELECT o.subject_id, o.completed, o.observed_at
		FROM outcomes o
		JOIN assignments a ON a.subject_id = o.subject_id
		WHERE a.run_id = ?
	`
	rows, err := s.db.QueryContext(ctx, query, string(runID))
	if err != nil {
		return nil, storeErr("fetch outcomes", err)
	}
	defer rows.Close()

	out := make(map[experiment.SubjectID]experiment.Outcome)
	for rows.Next() {
		var id string
		var completed bool
		var observed int64
		if err := rows.Scan(&id, &completed, &observed); err != nil {
			return nil, storeErr("scan outcome", err)
		}
		sid := experiment.SubjectID(id)
		out[sid] = experiment.Outcome{SubjectID: sid, Completed: completed, ObservedAt: fromNanos(observed)}
	}
	return out, storeErr("iterate outcomes", rows.Err())
}

// CountAccrued implements experiment.ObservationStore.
func (s *Store) CountAccrued(ctx context.Context, runID experiment.RunID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM assignments a
		JOIN outcomes o ON o.subject_id = a.subject_id
		WHERE a.run_id = ?
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query, string(runID)).Scan(&n); err != nil {
		return 0, storeErr("count accrued", err)
	}
	return n, nil
}

// DeleteRunData implements experiment.ObservationStore.
func (s *Store) DeleteRunData(ctx context.Context, runID experiment.RunID) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM outcomes WHERE subject_id IN (SELECT subject_id FROM assignments WHERE run_id = ?)`,
			string(runID)); err != nil {
			return fmt.Errorf("delete outcomes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE run_id = ?`, string(runID)); err != nil {
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

// DailyArrivals implements experiment.ObservationStore. Integer division of
// the nanosecond timestamp gives the UTC day.
func (s *Store) DailyArrivals(ctx context.Context, window time.Duration) ([]experiment.DailyCount, error) {
	now := s.clock.Now()
	from, to := experiment.ArrivalWindow(window, now)
	var lower sql.NullInt64
	if !from.IsZero() {
		lower = sql.NullInt64{Int64: toNanos(from), Valid: true}
	}

	query := `
		SELECT s.arrived_at / ?1 AS day, COUNT(*)
		FROM subjects s
		LEFT JOIN outcomes o ON o.subject_id = s.id
		WHERE (o.completed IS NULL OR o.completed = 0)
		  AND (?2 IS NULL OR s.arrived_at >= ?2)
		  AND s.arrived_at < ?3
		GROUP BY day
	`
	rows, err := s.db.QueryContext(ctx, query, nanosPerDay, lower, toNanos(to))
	if err != nil {
		return nil, storeErr("daily arrivals", err)
	}
	defer rows.Close()

	counts := make(map[time.Time]int)
	for rows.Next() {
		var day int64
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, storeErr("scan daily arrivals", err)
		}
		counts[fromNanos(day*nanosPerDay)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate daily arrivals", err)
	}
	return experiment.DailySeries(counts, window, now), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// RunRepository
// ─────────────────────────────────────────────────────────────────────────────

// SaveRun implements experiment.RunRepository.
func (s *Store) SaveRun(ctx context.Context, run *experiment.Run) error {
	if run == nil || !run.ID.IsValid() {
		return shared.ErrInvalidRunID
	}
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("sqlite: encode run %s: %w", run.ID, err)
	}
	query := `
		INSERT INTO experiment_runs (id, name, phase, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			phase = excluded.phase,
			state = excluded.state,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		string(run.ID), run.Name, string(run.Phase), state, toNanos(run.CreatedAt), toNanos(run.UpdatedAt))
	return storeErr("save run", err)
}

// GetRun implements experiment.RunRepository.
func (s *Store) GetRun(ctx context.Context, id experiment.RunID) (*experiment.Run, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM experiment_runs WHERE id = ?`, string(id)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrRunNotFound.Detail("%s", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return decodeRun(state)
}

// ListRuns implements experiment.RunRepository.
func (s *Store) ListRuns(ctx context.Context) ([]*experiment.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM experiment_runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*experiment.Run
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, storeErr("scan run", err)
		}
		run, err := decodeRun(state)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, storeErr("iterate runs", rows.Err())
}

func decodeRun(state []byte) (*experiment.Run, error) {
	var run experiment.Run
	if err := json.Unmarshal(state, &run); err != nil {
		return nil, fmt.Errorf("sqlite: decode run: %w", err)
	}
	return &run, nil
}
