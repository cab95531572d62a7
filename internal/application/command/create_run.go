package command

import (
	"context"
	"fmt"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/logger"

	"github.com/google/uuid"
)

// ══════════════════════════════════════════════════════════════════════════════
// CREATE RUN COMMAND
// Opens a new experiment run in the configuring phase.
// ══════════════════════════════════════════════════════════════════════════════

// CreateRunCommand contains the data to open a run.
type CreateRunCommand struct {
	// ID is optional. A random UUID is used when empty.
	ID string `validate:"omitempty,max=64,printascii"`

	// Name is a human label, "run-<id>" when empty.
	Name string `validate:"max=128"`
}

// CreateRunResult contains the created run.
type CreateRunResult struct {
	Run       *experiment.Run
	CreatedAt time.Time
}

// CreateRunHandler handles the CreateRunCommand.
type CreateRunHandler struct {
	deps Deps
}

// NewCreateRunHandler creates a new CreateRunHandler.
func NewCreateRunHandler(deps Deps) *CreateRunHandler {
	return &CreateRunHandler{deps: deps.withDefaults()}
}

// Handle executes the create run command.
func (h *CreateRunHandler) Handle(ctx context.Context, cmd CreateRunCommand) (*CreateRunResult, error) {
	if err := validateCommand("CreateRun", cmd); err != nil {
		return nil, err
	}

	id := experiment.RunID(cmd.ID)
	if cmd.ID == "" {
		id = experiment.RunID(uuid.NewString())
	}

	var result *CreateRunResult
	err := h.deps.withRunOrNew(ctx, id, func() error {
		now := h.deps.Clock.Now()
		run, err := experiment.NewRun(experiment.NewRunParams{ID: id, Name: cmd.Name, Now: now})
		if err != nil {
			return err
		}
		if err := h.deps.Runs.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("create_run: save run: %w", err)
		}
		result = &CreateRunResult{Run: run, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.deps.Logger.Info("run created", logger.RunID(id.String()), logger.String("name", result.Run.Name))
	h.deps.publish(shared.NewRunCreatedEvent(id.String(), result.Run.Name))
	return result, nil
}

// withRunOrNew holds the lock of an ID that must not exist yet.
func (d Deps) withRunOrNew(ctx context.Context, id experiment.RunID, fn func() error) error {
	unlock, err := d.Locker.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = d.Runs.GetRun(ctx, id)
	switch {
	case err == nil:
		return shared.WrapError("experiment", "Create", shared.ErrAlreadyExists, "run already exists",
			fmt.Errorf("%s", id))
	case !shared.IsNotFound(err):
		return fmt.Errorf("create_run: load run: %w", err)
	}
	return fn()
}
