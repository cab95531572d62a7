package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/internal/domain/stats"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/memory"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

// collectingRun stores a run with n assigned subjects, observed of them
// with an outcome.
func collectingRun(t *testing.T, store *memory.Store, n, observed int) *experiment.Run {
	t.Helper()
	ctx := context.Background()

	run, err := experiment.NewRun(experiment.NewRunParams{ID: "r1", Now: now})
	require.NoError(t, err)
	require.NoError(t, run.Configure(experiment.Config{EffectSize: 0.2, Alpha: 0.05, Power: 0.8, GroupRatio: 1},
		stats.PowerResult{RequiredNPerGroup: 5, RequiredNTreatment: 5, TotalRequiredN: 10},
		stats.DurationForecast{ExpectedDays: 3}, now))

	assignments := make([]experiment.Assignment, n)
	for i := range assignments {
		id := experiment.SubjectID(fmt.Sprintf("s%02d", i))
		require.NoError(t, store.RecordSubject(ctx, experiment.Subject{ID: id, ArrivedAt: now.Add(-48 * time.Hour)}))
		group := experiment.GroupControl
		if i%2 == 1 {
			group = experiment.GroupTreatment
		}
		assignments[i] = experiment.Assignment{RunID: run.ID, SubjectID: id, Group: group, AssignedAt: now}
	}
	require.NoError(t, store.PersistAssignments(ctx, run.ID, assignments))
	require.NoError(t, run.MarkAssigned(n-n/2, n/2, now))
	for i := 0; i < observed; i++ {
		require.NoError(t, store.RecordOutcome(ctx, experiment.Outcome{
			SubjectID: assignments[i].SubjectID, Completed: i%3 == 0, ObservedAt: now,
		}))
	}
	require.NoError(t, store.SaveRun(ctx, run))
	return run
}

func TestAccrualStatus(t *testing.T) {
	ctx := context.Background()
	store := memory.New(timeutil.Fixed(now))
	collectingRun(t, store, 12, 6)
	h := NewAccrualStatusHandler(store, store)

	status, err := h.Handle(ctx, AccrualStatusQuery{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 6, status.Accrued)
	assert.Equal(t, 10, status.Target)
	assert.Equal(t, 0.6, status.Progress)
	assert.False(t, status.Ready)
	assert.Equal(t, 3, status.ExpectedDays)

	for i := 6; i < 10; i++ {
		require.NoError(t, store.RecordOutcome(ctx, experiment.Outcome{
			SubjectID: experiment.SubjectID(fmt.Sprintf("s%02d", i)), Completed: true, ObservedAt: now,
		}))
	}
	status, err = h.Handle(ctx, AccrualStatusQuery{RunID: "r1"})
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.Equal(t, 1.0, status.Progress)

	// Polling never changes the run.
	before, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = h.Handle(ctx, AccrualStatusQuery{RunID: "r1"})
		require.NoError(t, err)
	}
	after, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, experiment.PhaseCollecting, after.Phase)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)

	_, err = h.Handle(ctx, AccrualStatusQuery{RunID: "missing"})
	assert.ErrorIs(t, err, shared.ErrRunNotFound)
	_, err = h.Handle(ctx, AccrualStatusQuery{})
	assert.ErrorIs(t, err, shared.ErrInvalidRunID)
}

func TestAccrualStatus_BeforeAssignment(t *testing.T) {
	ctx := context.Background()
	store := memory.New(timeutil.Fixed(now))
	run, err := experiment.NewRun(experiment.NewRunParams{ID: "r0", Now: now})
	require.NoError(t, err)
	require.NoError(t, store.SaveRun(ctx, run))

	status, err := NewAccrualStatusHandler(store, store).Handle(ctx, AccrualStatusQuery{RunID: "r0"})
	require.NoError(t, err)
	assert.Zero(t, status.Accrued)
	assert.False(t, status.Ready)
}

func TestPlanExperiment(t *testing.T) {
	ctx := context.Background()
	h := NewPlanExperimentHandler(nil, nil)

	res, err := h.Handle(ctx, PlanExperimentQuery{EffectSize: 0.2, Alpha: 0.05, Power: 0.8, DailyRate: 50})
	require.NoError(t, err)
	assert.Equal(t, 393, res.Plan.RequiredNPerGroup)
	assert.Equal(t, 786, res.Plan.TotalRequiredN)
	assert.Equal(t, 16, res.Forecast.ExpectedDays)
	assert.Nil(t, res.ReachProbability)

	_, err = h.Handle(ctx, PlanExperimentQuery{EffectSize: 0.2, Alpha: 0.05, Power: 0.8})
	assert.ErrorIs(t, err, shared.ErrInvalidRate)

	_, err = h.Handle(ctx, PlanExperimentQuery{Alpha: 0.05, Power: 0.8, DailyRate: 50})
	assert.ErrorIs(t, err, shared.ErrIncompleteConfig)
}

func TestPlanExperiment_FromHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.New(timeutil.Fixed(now))
	// 40, 60, 50, 50 arrivals over the four days before today.
	perDay := []int{40, 60, 50, 50}
	for d, n := range perDay {
		for i := 0; i < n; i++ {
			require.NoError(t, store.RecordSubject(ctx, experiment.Subject{
				ID:        experiment.SubjectID(fmt.Sprintf("d%d-%03d", d, i)),
				ArrivedAt: timeutil.StartOfDay(now).AddDate(0, 0, d-len(perDay)).Add(time.Hour),
			}))
		}
	}

	h := NewPlanExperimentHandler(store, nil)
	res, err := h.Handle(ctx, PlanExperimentQuery{EffectSize: 0.2, Alpha: 0.05, Power: 0.8, ReachDays: 20})
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.Forecast.DailyRateUsed)
	assert.Equal(t, 16, res.Forecast.ExpectedDays)
	require.NotNil(t, res.Arrivals)
	assert.Equal(t, 50.0, res.Arrivals.Mean)
	require.NotNil(t, res.ReachProbability)
	assert.Greater(t, *res.ReachProbability, 0.9)
}

func TestRunsHandler(t *testing.T) {
	ctx := context.Background()
	store := memory.New(timeutil.Fixed(now))
	collectingRun(t, store, 4, 0)
	fresh, err := experiment.NewRun(experiment.NewRunParams{ID: "r2", Now: now.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, store.SaveRun(ctx, fresh))

	h := NewRunsHandler(store)
	all, err := h.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := h.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, experiment.RunID("r1"), active[0].ID)

	got, err := h.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, experiment.PhaseConfiguring, got.Phase)

	_, err = h.Get(ctx, " ")
	assert.ErrorIs(t, err, shared.ErrInvalidRunID)
}
