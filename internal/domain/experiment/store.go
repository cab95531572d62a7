package experiment

import (
	"context"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// These interfaces describe what a run needs from storage. Implementations
// live in infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// ObservationStore supplies the eligible pool and outcomes and persists
// assignments. Connectivity failures are reported as shared.ErrStoreUnavailable.
type ObservationStore interface {
	// FetchEligibleSubjects returns subjects matching criteria that have no
	// observed outcome and no assignment in any run, ordered by arrival and ID.
	FetchEligibleSubjects(ctx context.Context, runID RunID, criteria Criteria) ([]Subject, error)

	// PersistAssignments stores all assignments or none of them.
	// Returns shared.ErrAssignmentConflict if a subject is already assigned.
	PersistAssignments(ctx context.Context, runID RunID, assignments []Assignment) error

	// FetchAssignments returns the assignments of a run ordered by subject ID.
	FetchAssignments(ctx context.Context, runID RunID) ([]Assignment, error)

	// FetchOutcomes returns the observed outcomes of the run's subjects.
	FetchOutcomes(ctx context.Context, runID RunID) (map[SubjectID]Outcome, error)

	// CountAccrued counts subjects of the run with both an assignment and an
	// observed outcome.
	CountAccrued(ctx context.Context, runID RunID) (int, error)

	// DeleteRunData removes the run's assignments and the outcomes of its
	// subjects.
	DeleteRunData(ctx context.Context, runID RunID) error

	// HistoricalDailyRate is the mean number of arrivals without a completed
	// quiz per day over the trailing window. A zero window uses all history.
	HistoricalDailyRate(ctx context.Context, window time.Duration) (float64, error)

	// DailyArrivals returns the per-day series behind HistoricalDailyRate,
	// including days without arrivals, oldest first.
	DailyArrivals(ctx context.Context, window time.Duration) ([]DailyCount, error)
}

// IngestStore is the write side used by the funnel that feeds applicants and
// quiz results into the store.
type IngestStore interface {
	// RecordSubject adds an applicant. Returns shared.ErrSubjectExists on duplicates.
	RecordSubject(ctx context.Context, subject Subject) error

	// RecordOutcome observes a quiz result. Returns shared.ErrSubjectNotFound
	// for unknown subjects and shared.ErrOutcomeAlreadyObserved when an
	// outcome was already recorded.
	RecordOutcome(ctx context.Context, outcome Outcome) error
}

// RunRepository persists run state.
type RunRepository interface {
	// SaveRun inserts or replaces a run.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun returns shared.ErrRunNotFound for unknown IDs.
	GetRun(ctx context.Context, id RunID) (*Run, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]*Run, error)
}

// Store bundles every port a backend implements.
type Store interface {
	ObservationStore
	IngestStore
	RunRepository
	Close() error
}

// RunLocker serializes transitions of one run across goroutines or processes.
type RunLocker interface {
	// Lock blocks until the run is held or ctx is done. The returned func
	// releases the lock.
	Lock(ctx context.Context, id RunID) (unlock func(), err error)
}
