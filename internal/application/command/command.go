// Package command contains write operations on experiment runs (CQRS - Commands).
// Every handler loads the run by ID, checks the phase precondition, performs
// the transition and persists the run while holding the per-run lock.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/logger"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"github.com/go-playground/validator/v10"
)

// validate checks struct tags on commands. It caches type metadata and is
// safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// validateCommand runs tag validation and reports failures as validation
// errors so that callers can match them with shared.IsValidation.
func validateCommand(op string, cmd any) error {
	if err := validate.Struct(cmd); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			f := fields[0]
			return shared.WrapError("command", op, shared.ErrValidation,
				fmt.Sprintf("%s failed %q", f.Field(), f.Tag()), err)
		}
		return shared.WrapError("command", op, shared.ErrValidation, "invalid command", err)
	}
	return nil
}

// Deps are the collaborators shared by the run handlers.
type Deps struct {
	Runs      experiment.RunRepository
	Store     experiment.ObservationStore
	Locker    experiment.RunLocker
	Publisher shared.EventPublisher
	Logger    *logger.Logger
	Clock     timeutil.Clock
}

func (d Deps) withDefaults() Deps {
	if d.Locker == nil {
		d.Locker = noLock{}
	}
	if d.Publisher == nil {
		d.Publisher = shared.NopPublisher{}
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	return d
}

type noLock struct{}

func (noLock) Lock(context.Context, experiment.RunID) (func(), error) { return func() {}, nil }

// withRun loads the run under its lock and hands it to fn.
func (d Deps) withRun(ctx context.Context, id experiment.RunID, fn func(run *experiment.Run) error) error {
	unlock, err := d.Locker.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	run, err := d.Runs.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fn(run)
}

// publish delivers events without failing the command; a transition that
// was persisted is not rolled back because a subscriber failed.
func (d Deps) publish(events ...shared.Event) {
	for _, event := range events {
		if err := d.Publisher.Publish(event); err != nil {
			d.Logger.Warn("event publish failed",
				logger.String("event_type", string(event.EventType())),
				logger.RunID(event.AggregateID()),
				logger.Err(err),
			)
		}
	}
}
