package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/application/query"
	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/memory"
	"github.com/admissions-lab/reminder-ab/internal/interface/http/handlers"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type failingCheck struct{}

func (failingCheck) Ping(context.Context) error { return assert.AnError }

func newTestServer(t *testing.T, health handlers.HealthChecker) *httptest.Server {
	t.Helper()
	store := memory.New(timeutil.Fixed(now))
	for _, id := range []experiment.RunID{"r1", "r2"} {
		run, err := experiment.NewRun(experiment.NewRunParams{ID: id, Now: now})
		require.NoError(t, err)
		require.NoError(t, store.SaveRun(context.Background(), run))
	}

	srv := NewServer(DefaultConfig(), Dependencies{
		Runs:    store,
		Accrual: query.NewAccrualStatusHandler(store, store),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
		Health:  health,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestServer_Runs(t *testing.T) {
	ts := newTestServer(t, nil)

	var runs []experiment.Run
	resp := get(t, ts.URL+"/api/v1/runs", &runs)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, runs, 2)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = get(t, ts.URL+"/api/v1/runs?phase=collecting", &runs)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, runs)

	resp = get(t, ts.URL+"/api/v1/runs?phase=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var run experiment.Run
	resp = get(t, ts.URL+"/api/v1/runs/r1", &run)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, experiment.PhaseConfiguring, run.Phase)

	var apiErr map[string]APIError
	resp = get(t, ts.URL+"/api/v1/runs/ghost", &apiErr)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", apiErr["error"].Code)
}

func TestServer_Accrual(t *testing.T) {
	ts := newTestServer(t, nil)

	var status query.AccrualStatus
	resp := get(t, ts.URL+"/api/v1/runs/r2/accrual", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, experiment.RunID("r2"), status.RunID)
	assert.Zero(t, status.Accrued)
	assert.False(t, status.Ready)

	resp = get(t, ts.URL+"/api/v1/runs/missing/accrual", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Probes(t *testing.T) {
	health := handlers.NewCompositeHealthChecker("test")
	ts := newTestServer(t, health)

	resp := get(t, ts.URL+"/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, ts.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status handlers.HealthStatus
	resp = get(t, ts.URL+"/healthz", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, status.Healthy)
	assert.Equal(t, "test", status.Version)

	health.AddCheck("redis", handlers.NewPingCheck(failingCheck{}))
	resp = get(t, ts.URL+"/ready", &status)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, status.Healthy)
	assert.False(t, status.Checks["redis"].Healthy)
}

func TestServer_Recovery(t *testing.T) {
	srv := NewServer(DefaultConfig(), Dependencies{})
	srv.router.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/boom", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "req-1", resp.Header.Get("X-Request-ID"))
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, Dependencies{})

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, srv.Start(), "a closed server returns without serving")
}
