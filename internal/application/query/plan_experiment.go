package query

import (
	"context"
	"fmt"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/internal/domain/stats"
)

// ══════════════════════════════════════════════════════════════════════════════
// PLAN EXPERIMENT QUERY
// What-if planning without a run: sample size, expected duration and the
// chance of collecting the sample within a deadline given historical
// arrival variability.
// ══════════════════════════════════════════════════════════════════════════════

// PlanExperimentQuery contains the planning inputs.
type PlanExperimentQuery struct {
	EffectSize float64
	Alpha      float64
	Power      float64
	GroupRatio float64

	// DailyRate overrides the historical rate when positive.
	DailyRate float64

	// RateWindow bounds history. Zero is the full history.
	RateWindow time.Duration

	// ReachDays asks for the probability of collecting the sample within
	// that many days. Zero skips it.
	ReachDays int
}

// PlanExperimentResult contains the plan.
type PlanExperimentResult struct {
	Plan     stats.PowerResult
	Forecast stats.DurationForecast

	// Arrivals summarizes the history used for ReachProbability.
	Arrivals *stats.ArrivalStats

	// ReachProbability is set when ReachDays was positive.
	ReachProbability *float64
}

// PlanExperimentHandler handles the PlanExperimentQuery.
type PlanExperimentHandler struct {
	store   experiment.ObservationStore
	planner *stats.Planner
}

// NewPlanExperimentHandler creates a new PlanExperimentHandler. store may be
// nil when every query carries an explicit rate and no reach horizon.
func NewPlanExperimentHandler(store experiment.ObservationStore, planner *stats.Planner) *PlanExperimentHandler {
	if planner == nil {
		planner = stats.NewPlanner()
	}
	return &PlanExperimentHandler{store: store, planner: planner}
}

// Handle executes the query.
func (h *PlanExperimentHandler) Handle(ctx context.Context, q PlanExperimentQuery) (*PlanExperimentResult, error) {
	cfg := experiment.Config{
		EffectSize:          q.EffectSize,
		Alpha:               q.Alpha,
		Power:               q.Power,
		GroupRatio:          q.GroupRatio,
		HistoricalDailyRate: q.DailyRate,
		RateWindow:          q.RateWindow,
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	plan, err := h.planner.Plan(cfg.EffectSize, cfg.Alpha, cfg.Power, cfg.GroupRatio)
	if err != nil {
		return nil, err
	}
	result := &PlanExperimentResult{Plan: plan}

	rate := cfg.HistoricalDailyRate
	if rate == 0 {
		if h.store == nil {
			return nil, shared.ErrInvalidRate.Detail("no daily rate given and no history available")
		}
		rate, err = h.store.HistoricalDailyRate(ctx, cfg.RateWindow)
		if err != nil {
			return nil, fmt.Errorf("plan_experiment: historical daily rate: %w", err)
		}
	}
	result.Forecast, err = h.planner.Forecast(plan, rate)
	if err != nil {
		return nil, err
	}

	if q.ReachDays > 0 && h.store != nil {
		days, err := h.store.DailyArrivals(ctx, cfg.RateWindow)
		if err != nil {
			return nil, fmt.Errorf("plan_experiment: daily arrivals: %w", err)
		}
		arrivals, err := stats.SummarizeArrivals(experiment.Counts(days))
		if err != nil {
			return nil, err
		}
		p, err := h.planner.ReachProbability(plan.TotalRequiredN, q.ReachDays, arrivals)
		if err != nil {
			return nil, err
		}
		result.Arrivals = &arrivals
		result.ReachProbability = &p
	}
	return result, nil
}
