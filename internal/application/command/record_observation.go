package command

import (
	"context"
	"fmt"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/pkg/logger"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD OBSERVATION COMMANDS
// The ingestion side of the funnel: applicants arriving and quiz results
// being observed. Outcomes move from unobserved to observed exactly once.
// ══════════════════════════════════════════════════════════════════════════════

// RecordSubjectCommand registers an applicant.
type RecordSubjectCommand struct {
	SubjectID string    `validate:"required,max=128"`
	ArrivedAt time.Time `validate:"required"`
}

// RecordOutcomeCommand observes a quiz result.
type RecordOutcomeCommand struct {
	SubjectID string `validate:"required,max=128"`
	Completed bool

	// ObservedAt defaults to now.
	ObservedAt time.Time
}

// RecordObservationHandler handles both ingestion commands.
type RecordObservationHandler struct {
	ingest experiment.IngestStore
	log    *logger.Logger
	clock  timeutil.Clock
}

// NewRecordObservationHandler creates a new RecordObservationHandler.
func NewRecordObservationHandler(ingest experiment.IngestStore, log *logger.Logger, clock timeutil.Clock) *RecordObservationHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &RecordObservationHandler{ingest: ingest, log: log, clock: clock}
}

// RecordSubject stores a new applicant.
func (h *RecordObservationHandler) RecordSubject(ctx context.Context, cmd RecordSubjectCommand) error {
	if err := validateCommand("RecordSubject", cmd); err != nil {
		return err
	}
	subject := experiment.Subject{
		ID:        experiment.SubjectID(cmd.SubjectID),
		ArrivedAt: cmd.ArrivedAt.UTC(),
	}
	if err := h.ingest.RecordSubject(ctx, subject); err != nil {
		return fmt.Errorf("record_subject: %w", err)
	}
	h.log.Debug("subject recorded", logger.String("subject_id", cmd.SubjectID))
	return nil
}

// RecordOutcome stores an observed quiz result.
func (h *RecordObservationHandler) RecordOutcome(ctx context.Context, cmd RecordOutcomeCommand) error {
	if err := validateCommand("RecordOutcome", cmd); err != nil {
		return err
	}
	observed := cmd.ObservedAt
	if observed.IsZero() {
		observed = h.clock.Now()
	}
	outcome := experiment.Outcome{
		SubjectID:  experiment.SubjectID(cmd.SubjectID),
		Completed:  cmd.Completed,
		ObservedAt: observed.UTC(),
	}
	if err := h.ingest.RecordOutcome(ctx, outcome); err != nil {
		return fmt.Errorf("record_outcome: %w", err)
	}
	h.log.Debug("outcome recorded",
		logger.String("subject_id", cmd.SubjectID),
		logger.Bool("completed", cmd.Completed),
	)
	return nil
}
