// Package query contains read operations following CQRS pattern.
// Queries never modify run state - they only read and return data.
package query

import (
	"context"
	"fmt"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACCRUAL STATUS QUERY
// Reports how many assigned subjects have an observed outcome and whether
// the planned sample size has been reached.
// ══════════════════════════════════════════════════════════════════════════════

// AccrualStatusQuery identifies the run.
type AccrualStatusQuery struct {
	RunID string
}

// AccrualStatus is the accrual snapshot of a run.
type AccrualStatus struct {
	RunID   experiment.RunID
	Name    string
	Phase   experiment.Phase
	Accrued int
	Target  int

	// Progress is Accrued/Target clamped to [0,1].
	Progress float64
	Ready    bool

	Control      int
	Treatment    int
	ExpectedDays int
}

// AccrualStatusHandler handles the AccrualStatusQuery. It only reads; the
// accrual monitor publishes the resulting events.
type AccrualStatusHandler struct {
	runs  experiment.RunRepository
	store experiment.ObservationStore
}

// NewAccrualStatusHandler creates a new AccrualStatusHandler.
func NewAccrualStatusHandler(runs experiment.RunRepository, store experiment.ObservationStore) *AccrualStatusHandler {
	return &AccrualStatusHandler{runs: runs, store: store}
}

// Handle executes the query. Runs without assignments report zero accrual.
func (h *AccrualStatusHandler) Handle(ctx context.Context, q AccrualStatusQuery) (*AccrualStatus, error) {
	id := experiment.RunID(q.RunID)
	if !id.IsValid() {
		return nil, shared.ErrInvalidRunID
	}

	run, err := h.runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	accrued := 0
	if run.Phase.HasAssignments() {
		accrued, err = h.store.CountAccrued(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("accrual_status: count accrued: %w", err)
		}
	}

	status := &AccrualStatus{
		RunID:        run.ID,
		Name:         run.Name,
		Phase:        run.Phase,
		Accrued:      accrued,
		Target:       run.Target(),
		Progress:     run.Progress(accrued),
		Ready:        run.Ready(accrued),
		Control:      run.ControlCount,
		Treatment:    run.TreatmentCount,
		ExpectedDays: run.Forecast.ExpectedDays,
	}
	return status, nil
}
