package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/memory"
	"github.com/admissions-lab/reminder-ab/pkg/circuitbreaker"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

// flakyStore fails the next n calls of the methods it overrides.
type flakyStore struct {
	experiment.Store
	mu       sync.Mutex
	failures int
	calls    map[string]int
}

func (f *flakyStore) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.failures > 0 {
		f.failures--
		return shared.ErrStoreUnavailable.Detail("connection reset")
	}
	return nil
}

func (f *flakyStore) CountAccrued(ctx context.Context, runID experiment.RunID) (int, error) {
	if err := f.hit("CountAccrued"); err != nil {
		return 0, err
	}
	return f.Store.CountAccrued(ctx, runID)
}

func (f *flakyStore) RecordSubject(ctx context.Context, s experiment.Subject) error {
	if err := f.hit("RecordSubject"); err != nil {
		return err
	}
	return f.Store.RecordSubject(ctx, s)
}

func (f *flakyStore) GetRun(ctx context.Context, id experiment.RunID) (*experiment.Run, error) {
	if err := f.hit("GetRun"); err != nil {
		return nil, err
	}
	return f.Store.GetRun(ctx, id)
}

type recordingObserver struct {
	mu     sync.Mutex
	calls  map[string]int
	errs   int
	states []string
}

func (o *recordingObserver) ObserveStoreCall(op string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[op]++
	if err != nil {
		o.errs++
	}
}

func (o *recordingObserver) ObserveBreakerState(_ string, state circuitbreaker.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state.String())
}

func newFixture(failures int, cfg ResilienceConfig) (*ResilientStore, *flakyStore, *recordingObserver) {
	flaky := &flakyStore{
		Store:    memory.New(timeutil.Fixed(now)),
		failures: failures,
		calls:    map[string]int{},
	}
	obs := &recordingObserver{calls: map[string]int{}}
	return NewResilientStore(flaky, cfg, obs, nil), flaky, obs
}

func fastConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxAttempts:      3,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    2 * time.Millisecond,
		BreakerThreshold: 10,
		BreakerTimeout:   time.Minute,
		HalfOpenMax:      1,
	}
}

func TestResilientStore_RetriesReads(t *testing.T) {
	store, flaky, obs := newFixture(2, fastConfig())

	n, err := store.CountAccrued(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, flaky.calls["CountAccrued"])
	assert.Equal(t, 1, obs.calls["CountAccrued"])
	assert.Zero(t, obs.errs)
}

func TestResilientStore_GivesUpAfterMaxAttempts(t *testing.T) {
	store, flaky, obs := newFixture(5, fastConfig())

	_, err := store.CountAccrued(context.Background(), "r1")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.Equal(t, 3, flaky.calls["CountAccrued"])
	assert.Equal(t, 1, obs.errs)
}

func TestResilientStore_DomainErrorsPassThrough(t *testing.T) {
	store, flaky, _ := newFixture(0, fastConfig())

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, shared.ErrRunNotFound)
	assert.Equal(t, 1, flaky.calls["GetRun"], "not-found is never retried")

	subject := experiment.Subject{ID: "s1", ArrivedAt: now}
	require.NoError(t, store.RecordSubject(context.Background(), subject))
	assert.ErrorIs(t, store.RecordSubject(context.Background(), subject), shared.ErrSubjectExists)
	assert.Equal(t, circuitbreaker.StateClosed, store.Breaker().State())
}

func TestResilientStore_WritesRunOnce(t *testing.T) {
	store, flaky, _ := newFixture(1, fastConfig())

	err := store.RecordSubject(context.Background(), experiment.Subject{ID: "s1", ArrivedAt: now})
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.Equal(t, 1, flaky.calls["RecordSubject"])
}

func TestResilientStore_BreakerOpens(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.BreakerThreshold = 2
	store, flaky, obs := newFixture(100, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.CountAccrued(ctx, "r1")
		require.ErrorIs(t, err, shared.ErrStoreUnavailable)
	}
	require.Equal(t, circuitbreaker.StateOpen, store.Breaker().State())

	_, err := store.CountAccrued(ctx, "r1")
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, flaky.calls["CountAccrued"], "open circuit skips the backend")
	assert.Equal(t, []string{"closed", "open"}, obs.states)
}

func TestResilientStore_CanceledContext(t *testing.T) {
	store, _, _ := newFixture(0, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.ListRuns(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, circuitbreaker.StateClosed, store.Breaker().State())
}
