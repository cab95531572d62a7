package command

import (
	"context"
	"fmt"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/internal/domain/stats"
	"github.com/admissions-lab/reminder-ab/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURE RUN COMMAND
// Fixes the planning inputs of a run, computes the required sample size and
// the expected duration, and moves the run to assigning.
// ══════════════════════════════════════════════════════════════════════════════

// ConfigureRunCommand contains the configuration of a run.
type ConfigureRunCommand struct {
	RunID string `validate:"required"`

	// Config holds the planning inputs. A zero HistoricalDailyRate is read
	// from the observation store over Config.RateWindow.
	Config experiment.Config
}

// ConfigureRunResult contains the configured run and its plan.
type ConfigureRunResult struct {
	Run      *experiment.Run
	Plan     stats.PowerResult
	Forecast stats.DurationForecast

	// RateFromStore is true when the daily rate came from history.
	RateFromStore bool
}

// ConfigureRunHandler handles the ConfigureRunCommand.
type ConfigureRunHandler struct {
	deps    Deps
	planner *stats.Planner
}

// NewConfigureRunHandler creates a new ConfigureRunHandler.
func NewConfigureRunHandler(deps Deps, planner *stats.Planner) *ConfigureRunHandler {
	if planner == nil {
		planner = stats.NewPlanner()
	}
	return &ConfigureRunHandler{deps: deps.withDefaults(), planner: planner}
}

// Handle executes the configure run command.
func (h *ConfigureRunHandler) Handle(ctx context.Context, cmd ConfigureRunCommand) (*ConfigureRunResult, error) {
	if err := validateCommand("ConfigureRun", cmd); err != nil {
		return nil, err
	}

	cfg := cmd.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	result := &ConfigureRunResult{}
	err := h.deps.withRun(ctx, experiment.RunID(cmd.RunID), func(run *experiment.Run) error {
		if err := run.CanConfigure(); err != nil {
			return err
		}

		plan, err := h.planner.Plan(cfg.EffectSize, cfg.Alpha, cfg.Power, cfg.GroupRatio)
		if err != nil {
			return err
		}

		rate := cfg.HistoricalDailyRate
		if rate == 0 {
			rate, err = h.deps.Store.HistoricalDailyRate(ctx, cfg.RateWindow)
			if err != nil {
				return fmt.Errorf("configure_run: historical daily rate: %w", err)
			}
			result.RateFromStore = true
		}

		forecast, err := h.planner.Forecast(plan, rate)
		if err != nil {
			return err
		}

		if err := run.Configure(cfg, plan, forecast, h.deps.Clock.Now()); err != nil {
			return err
		}
		if err := h.deps.Runs.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("configure_run: save run: %w", err)
		}

		result.Run = run
		result.Plan = plan
		result.Forecast = forecast
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.deps.Logger.Info("run configured",
		logger.RunID(cmd.RunID),
		logger.Int("total_required", result.Plan.TotalRequiredN),
		logger.Int("expected_days", result.Forecast.ExpectedDays),
		logger.Float64("daily_rate", result.Forecast.DailyRateUsed),
	)
	h.deps.publish(shared.NewRunConfiguredEvent(cmd.RunID,
		cfg.EffectSize, cfg.Alpha, cfg.Power,
		result.Plan.TotalRequiredN, result.Forecast.ExpectedDays))
	return result, nil
}
