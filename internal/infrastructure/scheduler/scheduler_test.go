package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type countingJob struct {
	name    string
	runs    atomic.Int32
	err     error
	release chan struct{}
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job" }
func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.release != nil {
		select {
		case <-j.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.err
}

func newTestScheduler(clock *fakeClock) *Scheduler {
	config := DefaultSchedulerConfig()
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	config.Clock = clock.now
	config.TickInterval = time.Hour
	config.JobTimeout = time.Second
	return NewScheduler(config)
}

func every(t *testing.T, d time.Duration) Schedule {
	t.Helper()
	s, err := NewIntervalSchedule(d)
	require.NoError(t, err)
	return s
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(clock)
	job := &countingJob{name: "accrual"}
	require.NoError(t, s.Register(job, every(t, time.Minute)))
	assert.ErrorIs(t, s.Register(job, every(t, time.Minute)), ErrJobAlreadyExists)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	s.Tick()
	assert.Zero(t, job.runs.Load(), "not due yet")

	clock.advance(time.Minute)
	s.Tick()
	require.Eventually(t, func() bool { return len(s.GetHistory(0)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	info, err := s.GetJobInfo("accrual")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.RunCount)
	assert.Equal(t, clock.now().Add(time.Minute), info.NextRun)
	assert.True(t, info.LastResult.Success)
}

func TestScheduler_NoOverlap(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(clock)
	job := &countingJob{name: "slow", release: make(chan struct{})}
	require.NoError(t, s.Register(job, every(t, time.Minute)))
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	clock.advance(time.Minute)
	s.Tick()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, time.Millisecond)

	clock.advance(time.Minute)
	s.Tick()
	assert.Equal(t, int32(1), job.runs.Load(), "still running")

	close(job.release)
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

func TestScheduler_RunNowAndTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(clock)
	s.jobTimeout = 10 * time.Millisecond

	failing := &countingJob{name: "failing", err: errors.New("boom")}
	blocked := &countingJob{name: "blocked", release: make(chan struct{})}
	require.NoError(t, s.Register(failing, every(t, time.Hour)))
	require.NoError(t, s.Register(blocked, every(t, time.Hour)))

	var completed []string
	s.OnJobComplete(func(r JobResult) { completed = append(completed, r.JobName) })

	res, err := s.RunNow(context.Background(), "failing")
	assert.EqualError(t, err, "boom")
	assert.True(t, res.Manual)
	assert.False(t, res.Success)

	_, err = s.RunNow(context.Background(), "blocked")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Equal(t, []string{"failing", "blocked"}, completed)
	stats := s.Stats()
	assert.Equal(t, int64(2), stats.TotalExecutions)
	assert.Equal(t, int64(2), stats.TotalFailures)

	names := []string{}
	for _, info := range s.ListJobs() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"blocked", "failing"}, names)
}

func TestScheduler_DisabledJobIsSkipped(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(clock)
	job := &countingJob{name: "accrual"}
	require.NoError(t, s.Register(job, every(t, time.Minute)))
	require.NoError(t, s.SetEnabled("accrual", false))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	clock.advance(time.Hour)
	s.Tick()
	assert.Zero(t, job.runs.Load())
	assert.ErrorIs(t, s.SetEnabled("nope", true), ErrJobNotFound)
	require.NoError(t, s.Unregister("accrual"))
	assert.Empty(t, s.ListJobs())
}

func TestParseSchedule(t *testing.T) {
	at := time.Date(2024, 5, 10, 12, 7, 30, 0, time.UTC) // Friday

	tests := []struct {
		spec string
		want time.Time
	}{
		{"*/15 * * * *", time.Date(2024, 5, 10, 12, 15, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2024, 5, 13, 9, 0, 0, 0, time.UTC)},
		{"30 6,18 * * *", time.Date(2024, 5, 10, 18, 30, 0, 0, time.UTC)},
		{"@hourly", time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)},
		{"@every 90s", at.Add(90 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := ParseSchedule(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(at))
		})
	}

	for _, bad := range []string{"* * *", "61 * * * *", "5-1 * * * *", "*/0 * * * *", "@every soon", "@every -1m"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}
