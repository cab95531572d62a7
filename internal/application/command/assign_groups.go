package command

import (
	"context"
	"fmt"

	"github.com/admissions-lab/reminder-ab/internal/domain/assignment"
	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ASSIGN GROUPS COMMAND
// Splits the eligible pool into control and treatment, persists the split
// and moves the run to collecting.
// ══════════════════════════════════════════════════════════════════════════════

// AssignGroupsCommand identifies the run to assign.
type AssignGroupsCommand struct {
	RunID string `validate:"required"`
}

// AssignGroupsResult contains the persisted split.
type AssignGroupsResult struct {
	Run         *experiment.Run
	Assignments []experiment.Assignment
	Control     int
	Treatment   int
}

// AssignGroupsHandler handles the AssignGroupsCommand.
type AssignGroupsHandler struct {
	deps     Deps
	assigner *assignment.Assigner
}

// NewAssignGroupsHandler creates a new AssignGroupsHandler.
func NewAssignGroupsHandler(deps Deps, assigner *assignment.Assigner) *AssignGroupsHandler {
	deps = deps.withDefaults()
	if assigner == nil {
		assigner = assignment.New()
	}
	return &AssignGroupsHandler{deps: deps, assigner: assigner}
}

// Handle executes the assign groups command. A failure while persisting
// leaves the run in assigning and returns the store error.
func (h *AssignGroupsHandler) Handle(ctx context.Context, cmd AssignGroupsCommand) (*AssignGroupsResult, error) {
	if err := validateCommand("AssignGroups", cmd); err != nil {
		return nil, err
	}

	result := &AssignGroupsResult{}
	err := h.deps.withRun(ctx, experiment.RunID(cmd.RunID), func(run *experiment.Run) error {
		if err := run.CanAssign(); err != nil {
			return err
		}

		pool, err := h.deps.Store.FetchEligibleSubjects(ctx, run.ID, run.Config.Criteria)
		if err != nil {
			return fmt.Errorf("assign_groups: fetch eligible subjects: %w", err)
		}

		now := h.deps.Clock.Now()
		assignments, err := h.assigner.Assign(run.ID, pool, run.Config.GroupRatio, run.Config.Seed, now)
		if err != nil {
			return err
		}

		if err := h.deps.Store.PersistAssignments(ctx, run.ID, assignments); err != nil {
			return fmt.Errorf("assign_groups: persist assignments: %w", err)
		}

		control, treatment := assignment.Split(assignments)
		if err := run.MarkAssigned(control, treatment, now); err != nil {
			return err
		}
		if err := h.deps.Runs.SaveRun(ctx, run); err != nil {
			h.compensate(ctx, run.ID)
			return fmt.Errorf("assign_groups: save run: %w", err)
		}

		result.Run = run
		result.Assignments = assignments
		result.Control = control
		result.Treatment = treatment
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.deps.Logger.Info("groups assigned",
		logger.RunID(cmd.RunID),
		logger.SubjectCount(len(result.Assignments)),
		logger.Int("control", result.Control),
		logger.Int("treatment", result.Treatment),
	)
	h.deps.publish(shared.NewGroupsAssignedEvent(cmd.RunID, result.Control, result.Treatment, result.Run.Config.Seed))
	return result, nil
}

// compensate removes persisted assignments when the run itself could not be
// saved, so that a retry sees the same eligible pool.
func (h *AssignGroupsHandler) compensate(ctx context.Context, id experiment.RunID) {
	if err := h.deps.Store.DeleteRunData(ctx, id); err != nil {
		h.deps.Logger.Error("assignment compensation failed", logger.RunID(id.String()), logger.Err(err))
	}
}
