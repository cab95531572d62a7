package command

import (
	"context"
	"fmt"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESET RUN COMMAND
// Deletes the assignments and outcomes of a run and marks it reset.
// A collecting run that already accrued outcomes is only reset with force.
// ══════════════════════════════════════════════════════════════════════════════

// ResetRunCommand identifies the run to reset.
type ResetRunCommand struct {
	RunID string `validate:"required"`
	Force bool
}

// ResetRunResult reports what was discarded.
type ResetRunResult struct {
	Run           *experiment.Run
	PreviousPhase experiment.Phase
	Accrued       int
}

// ResetRunHandler handles the ResetRunCommand.
type ResetRunHandler struct {
	deps Deps
}

// NewResetRunHandler creates a new ResetRunHandler.
func NewResetRunHandler(deps Deps) *ResetRunHandler {
	return &ResetRunHandler{deps: deps.withDefaults()}
}

// Handle executes the reset run command.
func (h *ResetRunHandler) Handle(ctx context.Context, cmd ResetRunCommand) (*ResetRunResult, error) {
	if err := validateCommand("ResetRun", cmd); err != nil {
		return nil, err
	}

	result := &ResetRunResult{}
	err := h.deps.withRun(ctx, experiment.RunID(cmd.RunID), func(run *experiment.Run) error {
		accrued := 0
		if run.Phase == experiment.PhaseCollecting {
			n, err := h.deps.Store.CountAccrued(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("reset_run: count accrued: %w", err)
			}
			accrued = n
		}
		if err := run.CanReset(accrued, cmd.Force); err != nil {
			return err
		}

		if err := h.deps.Store.DeleteRunData(ctx, run.ID); err != nil {
			return fmt.Errorf("reset_run: delete run data: %w", err)
		}

		result.PreviousPhase = run.Phase
		run.MarkReset(h.deps.Clock.Now())
		if err := h.deps.Runs.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("reset_run: save run: %w", err)
		}

		result.Run = run
		result.Accrued = accrued
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.deps.Logger.Warn("run reset",
		logger.RunID(cmd.RunID),
		logger.String("previous_phase", string(result.PreviousPhase)),
		logger.Bool("forced", cmd.Force),
		logger.Int("accrued", result.Accrued),
	)
	h.deps.publish(shared.NewRunResetEvent(cmd.RunID, cmd.Force, string(result.PreviousPhase)))
	return result, nil
}
