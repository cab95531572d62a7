// Package service holds decorators that sit between the application layer
// and a storage backend.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/circuitbreaker"
	"github.com/admissions-lab/reminder-ab/pkg/logger"
	"github.com/admissions-lab/reminder-ab/pkg/retry"
)

// StoreObserver is told about every store round trip and breaker transition.
type StoreObserver interface {
	ObserveStoreCall(op string, duration time.Duration, err error)
	ObserveBreakerState(name string, state circuitbreaker.State)
}

// ResilienceConfig tunes retries and the circuit breaker.
type ResilienceConfig struct {
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	HalfOpenMax      int
}

// DefaultResilienceConfig returns sensible defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxAttempts:      3,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    2 * time.Second,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
		HalfOpenMax:      1,
	}
}

// ResilientStore retries transient failures of idempotent calls and stops
// calling the backend while it is down. Only ErrStoreUnavailable and timeout
// kinds are retried or counted by the breaker; domain and validation errors
// pass through untouched. Writes that are not idempotent get one attempt.
type ResilientStore struct {
	next     experiment.Store
	retrier  *retry.Retrier
	breaker  *circuitbreaker.CircuitBreaker
	observer StoreObserver
	log      *logger.Logger
}

var _ experiment.Store = (*ResilientStore)(nil)

// NewResilientStore wraps next. observer and log may be nil.
func NewResilientStore(next experiment.Store, cfg ResilienceConfig, observer StoreObserver, log *logger.Logger) *ResilientStore {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultResilienceConfig().BreakerThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultResilienceConfig().BreakerTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}

	s := &ResilientStore{
		next:     next,
		observer: observer,
		log:      log.With(logger.Component("resilient_store")),
	}
	s.retrier = retry.StoreRetrier(cfg.MaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay, retryable)
	s.breaker = circuitbreaker.StoreBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout, cfg.HalfOpenMax, transient, s.stateChanged)
	if observer != nil {
		observer.ObserveBreakerState(s.breaker.Name(), circuitbreaker.StateClosed)
	}
	return s
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return shared.IsExternalService(err) || errors.Is(err, context.DeadlineExceeded)
}

func retryable(err error) bool {
	return transient(err) && !circuitbreaker.IsRejection(err)
}

// stateChanged runs under the breaker lock.
func (s *ResilientStore) stateChanged(name string, from, to circuitbreaker.State) {
	s.log.Warn("store circuit changed state",
		logger.String("breaker", name),
		logger.String("from", from.String()),
		logger.String("to", to.String()),
	)
	if s.observer != nil {
		s.observer.ObserveBreakerState(name, to)
	}
}

// Breaker exposes the breaker for health reporting.
func (s *ResilientStore) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

func (s *ResilientStore) guard(ctx context.Context, fn func(context.Context) error) error {
	err := s.breaker.Execute(ctx, fn)
	if circuitbreaker.IsRejection(err) {
		return shared.ErrStoreUnavailable.Wrap(err)
	}
	return err
}

func (s *ResilientStore) observe(op string, start time.Time, err error) {
	if s.observer != nil {
		s.observer.ObserveStoreCall(op, time.Since(start), err)
	}
	if err != nil && transient(err) {
		s.log.Warn("store call failed", logger.Operation(op), logger.Latency(time.Since(start)), logger.Err(err))
	}
}

// read runs an idempotent call with retries.
func read[T any](ctx context.Context, s *ResilientStore, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	result, err := retry.DoWithData(ctx, s.retrier, func(ctx context.Context) (T, error) {
		var out T
		err := s.guard(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		return out, err
	})
	s.observe(op, start, err)
	return result, err
}

// once runs a call a single time through the breaker.
func (s *ResilientStore) once(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := s.guard(ctx, fn)
	s.observe(op, start, err)
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// experiment.ObservationStore
// ══════════════════════════════════════════════════════════════════════════════

// FetchEligibleSubjects implements experiment.ObservationStore.
func (s *ResilientStore) FetchEligibleSubjects(ctx context.Context, runID experiment.RunID, criteria experiment.Criteria) ([]experiment.Subject, error) {
	return read(ctx, s, "FetchEligibleSubjects", func(ctx context.Context) ([]experiment.Subject, error) {
		return s.next.FetchEligibleSubjects(ctx, runID, criteria)
	})
}

// PersistAssignments implements experiment.ObservationStore. A lost commit
// acknowledgement would turn a retry into a conflict, so it runs once.
func (s *ResilientStore) PersistAssignments(ctx context.Context, runID experiment.RunID, assignments []experiment.Assignment) error {
	return s.once(ctx, "PersistAssignments", func(ctx context.Context) error {
		return s.next.PersistAssignments(ctx, runID, assignments)
	})
}

// FetchAssignments implements experiment.ObservationStore.
func (s *ResilientStore) FetchAssignments(ctx context.Context, runID experiment.RunID) ([]experiment.Assignment, error) {
	return read(ctx, s, "FetchAssignments", func(ctx context.Context) ([]experiment.Assignment, error) {
		return s.next.FetchAssignments(ctx, runID)
	})
}

// FetchOutcomes implements experiment.ObservationStore.
func (s *ResilientStore) FetchOutcomes(ctx context.Context, runID experiment.RunID) (map[experiment.SubjectID]experiment.Outcome, error) {
	return read(ctx, s, "FetchOutcomes", func(ctx context.Context) (map[experiment.SubjectID]experiment.Outcome, error) {
		return s.next.FetchOutcomes(ctx, runID)
	})
}

// CountAccrued implements experiment.ObservationStore.
func (s *ResilientStore) CountAccrued(ctx context.Context, runID experiment.RunID) (int, error) {
	return read(ctx, s, "CountAccrued", func(ctx context.Context) (int, error) {
		return s.next.CountAccrued(ctx, runID)
	})
}

// DeleteRunData implements experiment.ObservationStore. Deleting twice is
// harmless, so it is retried.
func (s *ResilientStore) DeleteRunData(ctx context.Context, runID experiment.RunID) error {
	_, err := read(ctx, s, "DeleteRunData", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.DeleteRunData(ctx, runID)
	})
	return err
}

// HistoricalDailyRate implements experiment.ObservationStore.
func (s *ResilientStore) HistoricalDailyRate(ctx context.Context, window time.Duration) (float64, error) {
	return read(ctx, s, "HistoricalDailyRate", func(ctx context.Context) (float64, error) {
		return s.next.HistoricalDailyRate(ctx, window)
	})
}

// DailyArrivals implements experiment.ObservationStore.
func (s *ResilientStore) DailyArrivals(ctx context.Context, window time.Duration) ([]experiment.DailyCount, error) {
	return read(ctx, s, "DailyArrivals", func(ctx context.Context) ([]experiment.DailyCount, error) {
		return s.next.DailyArrivals(ctx, window)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// experiment.IngestStore
// ══════════════════════════════════════════════════════════════════════════════

// RecordSubject implements experiment.IngestStore.
func (s *ResilientStore) RecordSubject(ctx context.Context, subject experiment.Subject) error {
	return s.once(ctx, "RecordSubject", func(ctx context.Context) error {
		return s.next.RecordSubject(ctx, subject)
	})
}

// RecordOutcome implements experiment.IngestStore.
func (s *ResilientStore) RecordOutcome(ctx context.Context, outcome experiment.Outcome) error {
	return s.once(ctx, "RecordOutcome", func(ctx context.Context) error {
		return s.next.RecordOutcome(ctx, outcome)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// experiment.RunRepository
// ══════════════════════════════════════════════════════════════════════════════

// SaveRun implements experiment.RunRepository. Saves are upserts.
func (s *ResilientStore) SaveRun(ctx context.Context, run *experiment.Run) error {
	_, err := read(ctx, s, "SaveRun", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.SaveRun(ctx, run)
	})
	return err
}

// GetRun implements experiment.RunRepository.
func (s *ResilientStore) GetRun(ctx context.Context, id experiment.RunID) (*experiment.Run, error) {
	return read(ctx, s, "GetRun", func(ctx context.Context) (*experiment.Run, error) {
		return s.next.GetRun(ctx, id)
	})
}

// ListRuns implements experiment.RunRepository.
func (s *ResilientStore) ListRuns(ctx context.Context) ([]*experiment.Run, error) {
	return read(ctx, s, "ListRuns", func(ctx context.Context) ([]*experiment.Run, error) {
		return s.next.ListRuns(ctx)
	})
}

// Close closes the wrapped store.
func (s *ResilientStore) Close() error {
	return s.next.Close()
}
