// Package memory implements the experiment storage ports in process memory.
// It backs local runs and the application tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"
)

// Store is a thread-safe in-memory experiment.Store.
type Store struct {
	mu sync.RWMutex

	subjects    map[experiment.SubjectID]experiment.Subject
	outcomes    map[experiment.SubjectID]experiment.Outcome
	assignments map[experiment.RunID]map[experiment.SubjectID]experiment.Assignment
	assignedIn  map[experiment.SubjectID]experiment.RunID
	runs        map[experiment.RunID]*experiment.Run

	clock timeutil.Clock

	// failures lets tests simulate an unreachable backend.
	failures map[string]error
}

var _ experiment.Store = (*Store)(nil)

// New creates an empty store. clock drives the rate window and may be nil.
func New(clock timeutil.Clock) *Store {
	return &Store{
		subjects:    make(map[experiment.SubjectID]experiment.Subject),
		outcomes:    make(map[experiment.SubjectID]experiment.Outcome),
		assignments: make(map[experiment.RunID]map[experiment.SubjectID]experiment.Assignment),
		assignedIn:  make(map[experiment.SubjectID]experiment.RunID),
		runs:        make(map[experiment.RunID]*experiment.Run),
		clock:       clock,
		failures:    make(map[string]error),
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *Store) fail(method string) error {
	return s.failures[method]
}

// ─────────────────────────────────────────────────────────────────────────────
// IngestStore
// ─────────────────────────────────────────────────────────────────────────────

// RecordSubject implements experiment.IngestStore.
func (s *Store) RecordSubject(_ context.Context, subject experiment.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RecordSubject"); err != nil {
		return err
	}
	if !subject.ID.IsValid() {
		return shared.ErrInvalidParameter.Detail("blank subject identifier")
	}
	if _, ok := s.subjects[subject.ID]; ok {
		return shared.ErrSubjectExists.Detail("%s", subject.ID)
	}
	subject.ArrivedAt = subject.ArrivedAt.UTC()
	s.subjects[subject.ID] = subject
	return nil
}

// RecordOutcome implements experiment.IngestStore.
func (s *Store) RecordOutcome(_ context.Context, outcome experiment.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RecordOutcome"); err != nil {
		return err
	}
	if _, ok := s.subjects[outcome.SubjectID]; !ok {
		return shared.ErrSubjectNotFound.Detail("%s", outcome.SubjectID)
	}
	if prev, ok := s.outcomes[outcome.SubjectID]; ok && prev.Observed() {
		return shared.ErrOutcomeAlreadyObserved.Detail("%s", outcome.SubjectID)
	}
	outcome.ObservedAt = outcome.ObservedAt.UTC()
	s.outcomes[outcome.SubjectID] = outcome
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ObservationStore
// ─────────────────────────────────────────────────────────────────────────────

// FetchEligibleSubjects implements experiment.ObservationStore.
func (s *Store) FetchEligibleSubjects(_ context.Context, _ experiment.RunID, criteria experiment.Criteria) ([]experiment.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("FetchEligibleSubjects"); err != nil {
		return nil, err
	}

	var out []experiment.Subject
	for id, subject := range s.subjects {
		if !criteria.Matches(subject.ArrivedAt) {
			continue
		}
		if _, observed := s.outcomes[id]; observed {
			continue
		}
		if _, assigned := s.assignedIn[id]; assigned {
			continue
		}
		out = append(out, subject)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ArrivedAt.Equal(out[j].ArrivedAt) {
			return out[i].ArrivedAt.Before(out[j].ArrivedAt)
		}
		return out[i].ID < out[j].ID
	})
	if criteria.Limit > 0 && len(out) > criteria.Limit {
		out = out[:criteria.Limit]
	}
	return out, nil
}

// PersistAssignments implements experiment.ObservationStore. Every
// assignment is checked before any is written.
func (s *Store) PersistAssignments(_ context.Context, runID experiment.RunID, assignments []experiment.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("PersistAssignments"); err != nil {
		return err
	}

	if err := experiment.CheckBatch(runID, assignments); err != nil {
		return err
	}
	for _, a := range assignments {
		if _, ok := s.subjects[a.SubjectID]; !ok {
			return shared.ErrSubjectNotFound.Detail("%s", a.SubjectID)
		}
		if other, ok := s.assignedIn[a.SubjectID]; ok {
			return shared.ErrAssignmentConflict.Detail("%s already in run %s", a.SubjectID, other)
		}
	}

	byRun := s.assignments[runID]
	if byRun == nil {
		byRun = make(map[experiment.SubjectID]experiment.Assignment, len(assignments))
		s.assignments[runID] = byRun
	}
	for _, a := range assignments {
		a.AssignedAt = a.AssignedAt.UTC()
		byRun[a.SubjectID] = a
		s.assignedIn[a.SubjectID] = runID
	}
	return nil
}

// FetchAssignments implements experiment.ObservationStore.
func (s *Store) FetchAssignments(_ context.Context, runID experiment.RunID) ([]experiment.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("FetchAssignments"); err != nil {
		return nil, err
	}

	out := make([]experiment.Assignment, 0, len(s.assignments[runID]))
	for _, a := range s.assignments[runID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

// FetchOutcomes implements experiment.ObservationStore.
func (s *Store) FetchOutcomes(_ context.Context, runID experiment.RunID) (map[experiment.SubjectID]experiment.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("FetchOutcomes"); err != nil {
		return nil, err
	}

	out := make(map[experiment.SubjectID]experiment.Outcome)
	for id := range s.assignments[runID] {
		if o, ok := s.outcomes[id]; ok && o.Observed() {
			out[id] = o
		}
	}
	return out, nil
}

// CountAccrued implements experiment.ObservationStore.
func (s *Store) CountAccrued(_ context.Context, runID experiment.RunID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("CountAccrued"); err != nil {
		return 0, err
	}

	n := 0
	for id := range s.assignments[runID] {
		if o, ok := s.outcomes[id]; ok && o.Observed() {
			n++
		}
	}
	return n, nil
}

// DeleteRunData implements experiment.ObservationStore.
func (s *Store) DeleteRunData(_ context.Context, runID experiment.RunID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteRunData"); err != nil {
		return err
	}

	for id := range s.assignments[runID] {
		delete(s.outcomes, id)
		delete(s.assignedIn, id)
	}
	delete(s.assignments, runID)
	return nil
}

// HistoricalDailyRate implements experiment.ObservationStore.
func (s *Store) HistoricalDailyRate(ctx context.Context, window time.Duration) (float64, error) {
	days, err := s.DailyArrivals(ctx, window)
	if err != nil {
		return 0, err
	}
	return experiment.MeanCount(days), nil
}

// DailyArrivals implements experiment.ObservationStore. Applicants who
// completed the quiz are not counted.
func (s *Store) DailyArrivals(_ context.Context, window time.Duration) ([]experiment.DailyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("DailyArrivals"); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	from, to := experiment.ArrivalWindow(window, now)
	counts := make(map[time.Time]int)
	for id, subject := range s.subjects {
		if o, ok := s.outcomes[id]; ok && o.Completed {
			continue
		}
		if subject.ArrivedAt.Before(from) || !subject.ArrivedAt.Before(to) {
			continue
		}
		counts[timeutil.StartOfDay(subject.ArrivedAt)]++
	}
	return experiment.DailySeries(counts, window, now), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// RunRepository
// ─────────────────────────────────────────────────────────────────────────────

// SaveRun implements experiment.RunRepository.
func (s *Store) SaveRun(_ context.Context, run *experiment.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SaveRun"); err != nil {
		return err
	}
	if run == nil || !run.ID.IsValid() {
		return shared.ErrInvalidRunID
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun implements experiment.RunRepository.
func (s *Store) GetRun(_ context.Context, id experiment.RunID) (*experiment.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("GetRun"); err != nil {
		return nil, err
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, shared.ErrRunNotFound.Detail("%s", id)
	}
	return run.Clone(), nil
}

// ListRuns implements experiment.RunRepository.
func (s *Store) ListRuns(_ context.Context) ([]*experiment.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("ListRuns"); err != nil {
		return nil, err
	}

	out := make([]*experiment.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close implements experiment.Store.
func (s *Store) Close() error { return nil }
