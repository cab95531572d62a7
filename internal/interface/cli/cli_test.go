package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/admissions-lab/reminder-ab/config"
	"github.com/admissions-lab/reminder-ab/internal/application/query"
	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/internal/domain/stats"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/memory"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/scheduler/jobs"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Observability.LogLevel = "error"
	return cfg
}

type harness struct {
	t     *testing.T
	cfg   *config.Config
	store experiment.Store
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, cfg: testConfig(), store: memory.New(timeutil.Fixed(now))}
}

// run executes one abtest invocation and returns its stdout.
func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand(Options{
		Out:    &out,
		Err:    &errOut,
		Clock:  timeutil.Fixed(now),
		Config: h.cfg,
		Store:  h.store,
	})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "abtest %v", args)
	return out
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestCLI_Lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeded := decode[map[string]int](t, h.mustRun("seed", "--days", "30", "--daily-rate", "10", "--observed", "0", "--json"))
	require.Greater(t, seeded["Subjects"], 100)
	assert.Zero(t, seeded["Observed"])

	created := decode[experiment.Run](t, h.mustRun("create", "--id", "r1", "--name", "spring reminder", "--json"))
	assert.Equal(t, experiment.PhaseConfiguring, created.Phase)

	configured := decode[experiment.Run](t, h.mustRun("configure", "r1", "--effect-size", "0.5", "--daily-rate", "10", "--json"))
	assert.Equal(t, experiment.PhaseAssigning, configured.Phase)
	assert.Equal(t, 0.5, configured.Config.EffectSize)
	assert.Equal(t, 0.05, configured.Config.Alpha, "default from config")
	assert.Positive(t, configured.Plan.TotalRequiredN)

	out := h.mustRun("assign", "r1")
	assert.Contains(t, out, "Run r1 assigned")

	assignments, err := h.store.FetchAssignments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, assignments, seeded["Subjects"])

	i := 0
	for _, a := range assignments {
		completed := a.Group == experiment.GroupTreatment || i%4 == 0
		if a.Group == experiment.GroupControl {
			i++
		}
		require.NoError(t, h.store.RecordOutcome(ctx, experiment.Outcome{SubjectID: a.SubjectID, Completed: completed, ObservedAt: now}))
	}

	_, err = h.run("reset", "r1")
	require.ErrorIs(t, err, shared.ErrResetNotAllowed)
	assert.Equal(t, ExitState, ExitCode(err))

	status := decode[query.AccrualStatus](t, h.mustRun("status", "r1", "--json"))
	assert.Equal(t, len(assignments), status.Accrued)
	assert.True(t, status.Ready)

	result := decode[stats.TestResult](t, h.mustRun("analyze", "r1", "--json"))
	assert.True(t, result.Significant)
	assert.Equal(t, len(assignments), result.SampleSize())
	assert.Greater(t, result.Treatment.CompletionRate, result.Control.CompletionRate)

	out = h.mustRun("analyze", "r1")
	assert.Contains(t, out, "Significant")
	assert.Contains(t, out, "p-value")

	runs := decode[[]experiment.Run](t, h.mustRun("runs", "--phase", "analyzed", "--json"))
	require.Len(t, runs, 1)
	assert.Equal(t, experiment.RunID("r1"), runs[0].ID)

	reset := decode[experiment.Run](t, h.mustRun("reset", "r1", "--json"))
	assert.Equal(t, experiment.PhaseReset, reset.Phase)

	left, err := h.store.FetchAssignments(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCLI_Plan(t *testing.T) {
	h := newHarness(t)

	res := decode[query.PlanExperimentResult](t, h.mustRun("plan", "--effect-size", "0.2", "--daily-rate", "20", "--json"))
	assert.Equal(t, 393, res.Plan.RequiredNPerGroup)
	assert.Equal(t, 786, res.Plan.TotalRequiredN)
	assert.Equal(t, 20.0, res.Forecast.DailyRateUsed)
	assert.Nil(t, res.ReachProbability)

	out := h.mustRun("plan", "--effect-size", "0.2", "--daily-rate", "20")
	assert.Contains(t, out, "Experiment plan")
	assert.Contains(t, out, "786")
}

func TestCLI_Ingest(t *testing.T) {
	h := newHarness(t)

	h.mustRun("subject", "s-1", "--arrived-at", "2024-06-01")
	h.mustRun("outcome", "s-1", "--completed")

	_, err := h.run("outcome", "s-1", "--completed=false")
	assert.ErrorIs(t, err, shared.ErrOutcomeAlreadyObserved)
	assert.Equal(t, ExitState, ExitCode(err))

	_, err = h.run("outcome", "ghost")
	assert.Equal(t, ExitNotFound, ExitCode(err))

	_, err = h.run("subject", "s-2", "--arrived-at", "yesterday")
	assert.Equal(t, ExitInvalid, ExitCode(err))
}

func TestCLI_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("analyze", "missing")
	assert.ErrorIs(t, err, shared.ErrRunNotFound)
	assert.Equal(t, ExitNotFound, ExitCode(err))

	h.mustRun("create", "--id", "r2")
	_, err = h.run("configure", "r2")
	assert.ErrorIs(t, err, shared.ErrIncompleteConfig)
	assert.Equal(t, ExitInvalid, ExitCode(err))

	_, err = h.run("assign", "r2")
	assert.Equal(t, ExitState, ExitCode(err))

	_, err = h.run("runs", "--phase", "sleeping")
	assert.Equal(t, ExitInvalid, ExitCode(err))

	_, err = h.run("status")
	assert.Error(t, err, "run ID argument is required")
}

func TestCLI_WatchOnce(t *testing.T) {
	h := newHarness(t)
	h.mustRun("seed", "--days", "10", "--daily-rate", "5", "--observed", "0")
	h.mustRun("create", "--id", "w1")
	h.mustRun("configure", "w1", "--effect-size", "0.8", "--daily-rate", "5")
	h.mustRun("assign", "w1")
	h.mustRun("create", "--id", "w2")

	pass := decode[jobs.MonitorAccrualStats](t, h.mustRun("watch", "--once", "--json"))
	assert.Equal(t, 2, pass.RunsTotal)
	assert.Equal(t, 1, pass.RunsChecked)
	assert.Zero(t, pass.RunsReady)
	assert.Zero(t, pass.Failures)
}

func TestCLI_SQLiteBackend(t *testing.T) {
	h := newHarness(t)
	h.store = nil
	h.cfg.Store.Backend = config.BackendSQLite
	h.cfg.SQLite.Path = filepath.Join(t.TempDir(), "abtest.db")

	h.mustRun("create", "--id", "persisted", "--name", "on disk")

	runs := decode[[]experiment.Run](t, h.mustRun("runs", "--json"))
	require.Len(t, runs, 1)
	assert.Equal(t, "on disk", runs[0].Name)

	out := h.mustRun("migrate", "status")
	assert.Contains(t, out, "nothing to migrate")
}

func TestCLI_UnknownBackend(t *testing.T) {
	h := newHarness(t)
	h.store = nil

	_, err := h.run("runs", "--backend", "oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store backend "oracle"`)
}

func TestObservabilityServer(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(), memory.New(timeutil.Fixed(now)), timeutil.Fixed(now), &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	srv := httptest.NewServer(newObservabilityServer(app, "").Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{shared.ErrIncompleteConfig, ExitInvalid},
		{shared.ErrRunNotConfigured, ExitState},
		{shared.ErrSubjectExists, ExitState},
		{shared.ErrRunNotFound, ExitNotFound},
		{shared.ErrStoreUnavailable.Wrap(errors.New("dial tcp")), ExitUnavailable},
		{errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}
