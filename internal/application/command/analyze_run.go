package command

import (
	"context"
	"fmt"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/internal/domain/stats"
	"github.com/admissions-lab/reminder-ab/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ANALYZE RUN COMMAND
// Builds the 2x2 table from the persisted assignments and observed outcomes
// and runs the chi-square test of independence. Analysis may repeat; the
// latest result replaces the previous one.
// ══════════════════════════════════════════════════════════════════════════════

// AnalyzeRunCommand identifies the run to analyze.
type AnalyzeRunCommand struct {
	RunID string `validate:"required"`
}

// AnalyzeRunResult contains the verdict.
type AnalyzeRunResult struct {
	Run    *experiment.Run
	Result stats.TestResult

	// Accrued is the number of assigned subjects with an observed outcome.
	Accrued int

	// Ready reports whether the planned sample size had been reached.
	Ready bool
}

// AnalyzeRunHandler handles the AnalyzeRunCommand.
type AnalyzeRunHandler struct {
	deps Deps
}

// NewAnalyzeRunHandler creates a new AnalyzeRunHandler.
func NewAnalyzeRunHandler(deps Deps) *AnalyzeRunHandler {
	return &AnalyzeRunHandler{deps: deps.withDefaults()}
}

// Handle executes the analyze run command. The run is not gated on
// readiness; Ready tells the caller whether the sample was complete.
func (h *AnalyzeRunHandler) Handle(ctx context.Context, cmd AnalyzeRunCommand) (*AnalyzeRunResult, error) {
	if err := validateCommand("AnalyzeRun", cmd); err != nil {
		return nil, err
	}

	result := &AnalyzeRunResult{}
	err := h.deps.withRun(ctx, experiment.RunID(cmd.RunID), func(run *experiment.Run) error {
		if err := run.CanAnalyze(); err != nil {
			return err
		}

		assignments, err := h.deps.Store.FetchAssignments(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("analyze_run: fetch assignments: %w", err)
		}
		outcomes, err := h.deps.Store.FetchOutcomes(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("analyze_run: fetch outcomes: %w", err)
		}

		table := experiment.BuildTable(assignments, outcomes, run.Config.TableOptions())
		verdict, err := stats.TestIndependence(table, run.Config.Alpha)
		if err != nil {
			return err
		}

		if err := run.RecordResult(verdict, h.deps.Clock.Now()); err != nil {
			return err
		}
		if err := h.deps.Runs.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("analyze_run: save run: %w", err)
		}

		accrued := countAccrued(assignments, outcomes)
		result.Run = run
		result.Result = verdict
		result.Accrued = accrued
		result.Ready = run.Ready(accrued)
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.deps.Logger.Info("run analyzed",
		logger.RunID(cmd.RunID),
		logger.Float64("chi_square", result.Result.ChiSquare),
		logger.PValue(result.Result.PValue),
		logger.Bool("significant", result.Result.Significant),
		logger.Bool("ready", result.Ready),
	)
	h.deps.publish(shared.NewRunAnalyzedEvent(cmd.RunID,
		result.Result.ChiSquare, result.Result.PValue, result.Result.Significant, result.Result.SampleSize()))
	return result, nil
}

func countAccrued(assignments []experiment.Assignment, outcomes map[experiment.SubjectID]experiment.Outcome) int {
	n := 0
	for _, a := range assignments {
		if o, ok := outcomes[a.SubjectID]; ok && o.Observed() {
			n++
		}
	}
	return n
}
