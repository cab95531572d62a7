package query

import (
	"context"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET RUN / LIST RUNS QUERIES
// ══════════════════════════════════════════════════════════════════════════════

// RunsHandler reads run state.
type RunsHandler struct {
	runs experiment.RunRepository
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(runs experiment.RunRepository) *RunsHandler {
	return &RunsHandler{runs: runs}
}

// Get returns one run.
func (h *RunsHandler) Get(ctx context.Context, id string) (*experiment.Run, error) {
	runID := experiment.RunID(id)
	if !runID.IsValid() {
		return nil, shared.ErrInvalidRunID
	}
	return h.runs.GetRun(ctx, runID)
}

// List returns every run, newest first. A non-empty phase filters the list.
func (h *RunsHandler) List(ctx context.Context, phase experiment.Phase) ([]*experiment.Run, error) {
	runs, err := h.runs.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if phase == "" {
		return runs, nil
	}
	out := make([]*experiment.Run, 0, len(runs))
	for _, r := range runs {
		if r.Phase == phase {
			out = append(out, r)
		}
	}
	return out, nil
}

// Active returns the runs that accrue outcomes.
func (h *RunsHandler) Active(ctx context.Context) ([]*experiment.Run, error) {
	return h.List(ctx, experiment.PhaseCollecting)
}
