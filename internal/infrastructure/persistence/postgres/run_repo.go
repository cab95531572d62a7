package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RUN REPOSITORY
// Run state is stored whole as JSONB; id, name, phase and timestamps are
// duplicated into columns for listing and filtering.
// ══════════════════════════════════════════════════════════════════════════════

// SaveRun implements experiment.RunRepository.
func (s *Store) SaveRun(ctx context.Context, run *experiment.Run) error {
	if run == nil || !run.ID.IsValid() {
		return shared.ErrInvalidRunID
	}
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("postgres: encode run %s: %w", run.ID, err)
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	query := `
		INSERT INTO experiment_runs (id, name, phase, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phase = EXCLUDED.phase,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.conn.Exec(ctx, query,
		string(run.ID), run.Name, string(run.Phase), state, run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	return storeErr("save run", err)
}

// GetRun implements experiment.RunRepository.
func (s *Store) GetRun(ctx context.Context, id experiment.RunID) (*experiment.Run, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var state []byte
	err := s.conn.QueryRow(ctx, `SELECT state FROM experiment_runs WHERE id = $1`, string(id)).Scan(&state)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrRunNotFound.Detail("%s", id)
		}
		return nil, storeErr("get run", err)
	}
	return decodeRun(state)
}

// ListRuns implements experiment.RunRepository.
func (s *Store) ListRuns(ctx context.Context) ([]*experiment.Run, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows, err := s.conn.Query(ctx, `SELECT state FROM experiment_runs ORDER BY created_at DESC, id`)
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
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate runs", err)
	}
	return runs, nil
}

func decodeRun(state []byte) (*experiment.Run, error) {
	var run experiment.Run
	if err := json.Unmarshal(state, &run); err != nil {
		return nil, fmt.Errorf("postgres: decode run: %w", err)
	}
	return &run, nil
}
