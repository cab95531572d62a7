package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/infrastructure/messaging"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/redis"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/scheduler"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/scheduler/jobs"
	apihttp "github.com/admissions-lab/reminder-ab/internal/interface/http"
	"github.com/admissions-lab/reminder-ab/internal/interface/http/handlers"
	"github.com/admissions-lab/reminder-ab/pkg/logger"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ══════════════════════════════════════════════════════════════════════════════
// WATCH
// Long running accrual monitor: the scheduler polls collecting runs, events
// are relayed to Redis when it is configured, and Prometheus metrics are
// served over HTTP.
// ══════════════════════════════════════════════════════════════════════════════

func newWatchCmd(rt *runtime) *cobra.Command {
	var (
		once        bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Monitor accrual of collecting runs until interrupted",
		Long: `watch checks every collecting run on the configured schedule
(scheduler.accrual_cron or scheduler.accrual_interval) and logs when a run
reaches its planned sample size. With metrics enabled it serves
/metrics, the /healthz, /ready and /live probes and a read-only
/api/v1/runs view.`,
		Args: cobra.NoArgs,
		RunE: rt.withApp(func(cmd *cobra.Command, _ []string, app *App) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			dispatcher, err := startDispatcher(app)
			if err != nil {
				return err
			}
			defer func() { _ = dispatcher.Stop() }()

			job := jobs.NewMonitorAccrualJob(app.Store, app.accrualStatus(), app.Bus, app.Metrics, app.Slog)
			if once {
				runErr := job.Run(ctx)
				printWatchStats(rt.printer(cmd), job.LastRunStats())
				return runErr
			}

			addr := app.Config.Observability.MetricsAddr
			if cmd.Flags().Changed("metrics-addr") {
				addr = metricsAddr
			} else if !app.Config.Observability.MetricsEnabled {
				addr = ""
			}
			return watch(ctx, app, job, addr)
		}),
	}
	cmd.Flags().BoolVar(&once, "once", false, "check every collecting run once and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve metrics on this address (overrides the configuration)")
	return cmd
}

// startDispatcher relays every run event to Redis when a cache is available.
func startDispatcher(app *App) (*messaging.Dispatcher, error) {
	cfg := messaging.DefaultDispatcherConfig(app.Bus)
	cfg.Observer = app.Metrics
	cfg.Logger = app.Slog
	dispatcher := messaging.NewDispatcher(cfg)
	dispatcher.Use(messaging.LoggingMiddleware(app.Slog))

	if app.Cache != nil {
		relay := redis.NewEventRelay(app.Cache)
		if err := dispatcher.RegisterAll(messaging.HandlerRegistration{
			Name:    "redis-relay",
			Handler: relay.Handle,
			Timeout: 5 * time.Second,
		}); err != nil {
			return nil, err
		}
	}
	if err := dispatcher.Start(); err != nil {
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}
	return dispatcher, nil
}

func watch(ctx context.Context, app *App, job *jobs.MonitorAccrualJob, metricsAddr string) error {
	log := app.Log.With(logger.Component("watch"))

	schedule, err := scheduler.ParseSchedule(app.Config.AccrualSchedule())
	if err != nil {
		return err
	}
	schedConfig := scheduler.DefaultSchedulerConfig()
	schedConfig.Logger = app.Slog
	schedConfig.Clock = app.Clock
	schedConfig.JobTimeout = app.Config.Scheduler.JobTimeout
	sched := scheduler.NewScheduler(schedConfig)
	if err := sched.Register(job, schedule); err != nil {
		return err
	}
	sched.OnJobComplete(func(r scheduler.JobResult) {
		if r.Success {
			return
		}
		log.Warn("accrual pass failed",
			logger.String("job", r.JobName),
			logger.Latency(r.Duration),
			logger.Err(r.Error),
		)
	})

	g, gctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		server := newObservabilityServer(app, metricsAddr)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.App.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := sched.Start(gctx); err != nil {
		return err
	}
	log.Info("watching accrual", logger.String("schedule", schedule.String()))

	// First pass right away instead of one interval from now.
	if _, err := sched.RunNow(gctx, job.Name()); err != nil {
		log.Warn("initial accrual pass failed", logger.Err(err))
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("stopping watcher")
		if !sched.IsRunning() {
			return nil
		}
		return sched.Stop()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newObservabilityServer serves metrics, health probes over the store circuit
// and the optional backends, and a read-only view of runs.
func newObservabilityServer(app *App, addr string) *apihttp.Server {
	health := handlers.NewCompositeHealthChecker(version())
	health.AddCheck("store_circuit", handlers.NewBreakerCheck(app.Store.Breaker()))
	if app.Postgres != nil {
		health.AddCheck("postgres", handlers.NewPingCheck(app.Postgres))
	}
	if app.Cache != nil {
		health.AddCheck("redis", handlers.NewPingCheck(app.Cache))
	}

	cfg := apihttp.DefaultConfig()
	cfg.Addr = addr
	return apihttp.NewServer(cfg, apihttp.Dependencies{
		Runs:    app.Store,
		Accrual: app.accrualStatus(),
		Metrics: app.Metrics.Handler(),
		Health:  health,
		Logger:  app.Log,
	})
}

func printWatchStats(p *printer, stats *jobs.MonitorAccrualStats) {
	if stats == nil {
		return
	}
	if ok, _ := p.JSON(stats); ok {
		return
	}
	p.Title("Accrual pass")
	p.Fields(
		"runs", fmt.Sprint(stats.RunsTotal),
		"checked", fmt.Sprint(stats.RunsChecked),
		"ready", fmt.Sprint(stats.RunsReady),
		"failures", fmt.Sprint(stats.Failures),
	)
}
