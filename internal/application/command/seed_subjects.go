package command

import (
	"context"
	"fmt"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/pkg/logger"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// ══════════════════════════════════════════════════════════════════════════════
// SEED SUBJECTS COMMAND
// Generates a synthetic funnel for local runs: Poisson daily arrivals over a
// number of past days, with a share of them already observed.
// ══════════════════════════════════════════════════════════════════════════════

// SeedSubjectsCommand describes the synthetic funnel.
type SeedSubjectsCommand struct {
	// Days of history ending at End.
	Days int `validate:"gt=0,lte=3650"`

	// DailyRate is the mean number of arrivals per day.
	DailyRate float64 `validate:"gt=0,lte=100000"`

	// ObservedFraction of subjects get an outcome right away.
	ObservedFraction float64 `validate:"gte=0,lte=1"`

	// CompletionRate is the chance that an observed subject completed the quiz.
	CompletionRate float64 `validate:"gte=0,lte=1"`

	// Seed makes the funnel reproducible.
	Seed int64

	// End defaults to now.
	End time.Time
}

// SeedSubjectsResult counts what was written.
type SeedSubjectsResult struct {
	Subjects  int
	Observed  int
	Completed int
}

// SeedSubjectsHandler handles the SeedSubjectsCommand.
type SeedSubjectsHandler struct {
	ingest experiment.IngestStore
	log    *logger.Logger
	clock  timeutil.Clock
}

// NewSeedSubjectsHandler creates a new SeedSubjectsHandler.
func NewSeedSubjectsHandler(ingest experiment.IngestStore, log *logger.Logger, clock timeutil.Clock) *SeedSubjectsHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &SeedSubjectsHandler{ingest: ingest, log: log, clock: clock}
}

// Handle executes the seed subjects command.
func (h *SeedSubjectsHandler) Handle(ctx context.Context, cmd SeedSubjectsCommand) (*SeedSubjectsResult, error) {
	if err := validateCommand("SeedSubjects", cmd); err != nil {
		return nil, err
	}

	end := cmd.End
	if end.IsZero() {
		end = h.clock.Now()
	}
	end = end.UTC()

	rng := rand.New(rand.NewSource(uint64(cmd.Seed)))
	arrivals := distuv.Poisson{Lambda: cmd.DailyRate, Src: rand.NewSource(uint64(cmd.Seed) + 1)}

	result := &SeedSubjectsResult{}
	first := timeutil.StartOfDay(end).AddDate(0, 0, -cmd.Days)
	for d := 0; d < cmd.Days; d++ {
		day := first.AddDate(0, 0, d)
		n := int(arrivals.Rand())
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			id, err := uuid.NewRandomFromReader(rng)
			if err != nil {
				return result, fmt.Errorf("seed_subjects: subject id: %w", err)
			}
			arrived := day.Add(time.Duration(rng.Int63n(int64(24 * time.Hour))))
			subject := experiment.Subject{ID: experiment.SubjectID(id.String()), ArrivedAt: arrived}
			if err := h.ingest.RecordSubject(ctx, subject); err != nil {
				return result, fmt.Errorf("seed_subjects: record subject: %w", err)
			}
			result.Subjects++

			if rng.Float64() >= cmd.ObservedFraction {
				continue
			}
			observed := arrived.Add(time.Duration(rng.Int63n(int64(72 * time.Hour))))
			if observed.After(end) {
				observed = end
			}
			completed := rng.Float64() < cmd.CompletionRate
			outcome := experiment.Outcome{SubjectID: subject.ID, Completed: completed, ObservedAt: observed}
			if err := h.ingest.RecordOutcome(ctx, outcome); err != nil {
				return result, fmt.Errorf("seed_subjects: record outcome: %w", err)
			}
			result.Observed++
			if completed {
				result.Completed++
			}
		}
	}

	h.log.Info("subjects seeded",
		logger.SubjectCount(result.Subjects),
		logger.Int("observed", result.Observed),
		logger.Int("completed", result.Completed),
		logger.Int("days", cmd.Days),
	)
	return result, nil
}
