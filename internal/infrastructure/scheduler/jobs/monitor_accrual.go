// Package jobs contains the scheduled jobs of `abtest watch`.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/application/query"
	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"

	"github.com/google/uuid"
)

// ══════════════════════════════════════════════════════════════════════════════
// MONITOR ACCRUAL JOB
// ══════════════════════════════════════════════════════════════════════════════

// AccrualChecker is the accrual status query.
type AccrualChecker interface {
	Handle(ctx context.Context, q query.AccrualStatusQuery) (*query.AccrualStatus, error)
}

// RunsObserver receives the full run list on every pass.
type RunsObserver interface {
	ObserveRuns(runs []*experiment.Run)
}

// MonitorAccrualJob checks the accrual of every collecting run. Each check
// publishes an accrual event, so subscribers such as metrics and the relay
// stay current. Events of one pass share a correlation ID. A run is reported once when it first reaches its target.
type MonitorAccrualJob struct {
	runs      experiment.RunRepository
	checker   AccrualChecker
	publisher shared.EventPublisher
	observer  RunsObserver
	logger    *slog.Logger

	mu       sync.Mutex
	reported map[experiment.RunID]bool

	lastRunStats atomic.Value // *MonitorAccrualStats
}

// MonitorAccrualStats contains statistics from one pass.
type MonitorAccrualStats struct {
	StartedAt   time.Time
	Duration    time.Duration
	RunsTotal   int
	RunsChecked int
	RunsReady   int
	Failures    int
}

// NewMonitorAccrualJob creates the job. publisher and observer may be nil.
func NewMonitorAccrualJob(
	runs experiment.RunRepository,
	checker AccrualChecker,
	publisher shared.EventPublisher,
	observer RunsObserver,
	logger *slog.Logger,
) *MonitorAccrualJob {
	if publisher == nil {
		publisher = shared.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MonitorAccrualJob{
		runs:      runs,
		checker:   checker,
		publisher: publisher,
		observer:  observer,
		logger:    logger.With("job", "monitor_accrual"),
		reported:  make(map[experiment.RunID]bool),
	}
}

// Name implements scheduler.Job.
func (j *MonitorAccrualJob) Name() string { return "monitor_accrual" }

// Description implements scheduler.Job.
func (j *MonitorAccrualJob) Description() string {
	return "Counts observed outcomes of collecting runs against their planned sample size"
}

// Run implements scheduler.Job. A failing run does not stop the pass; the
// failures are joined into the returned error.
func (j *MonitorAccrualJob) Run(ctx context.Context) error {
	stats := &MonitorAccrualStats{StartedAt: time.Now()}
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		j.lastRunStats.Store(stats)
	}()

	runs, err := j.runs.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("monitor_accrual: list runs: %w", err)
	}
	stats.RunsTotal = len(runs)
	passID := uuid.NewString()
	if j.observer != nil {
		j.observer.ObserveRuns(runs)
	}

	var errs []error
	for _, run := range runs {
		if run.Phase != experiment.PhaseCollecting {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		status, err := j.checker.Handle(ctx, query.AccrualStatusQuery{RunID: run.ID.String()})
		if err != nil {
			stats.Failures++
			errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
			continue
		}
		stats.RunsChecked++

		j.logger.Debug("accrual checked",
			"run_id", run.ID,
			"accrued", status.Accrued,
			"target", status.Target,
		)
		event := shared.NewAccrualCheckedEvent(status.RunID.String(), status.Accrued, status.Target, status.Ready)
		event.BaseEvent = event.BaseEvent.WithCorrelationID(passID)
		if err := j.publisher.Publish(event); err != nil {
			j.logger.Warn("accrual event publish failed", "run_id", run.ID, "error", err)
		}
		if status.Ready {
			stats.RunsReady++
			j.reportReady(status)
		}
	}
	return errors.Join(errs...)
}

func (j *MonitorAccrualJob) reportReady(status *query.AccrualStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.reported[status.RunID] {
		return
	}
	j.reported[status.RunID] = true
	j.logger.Info("run reached its sample size and can be analyzed",
		"run_id", status.RunID,
		"name", status.Name,
		"accrued", status.Accrued,
		"target", status.Target,
	)
}

// LastRunStats returns statistics of the latest pass, nil before the first.
func (j *MonitorAccrualJob) LastRunStats() *MonitorAccrualStats {
	if v := j.lastRunStats.Load(); v != nil {
		return v.(*MonitorAccrualStats)
	}
	return nil
}
