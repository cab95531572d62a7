// Package stats holds the pure statistical core of the reminder experiment:
// sample size planning, duration forecasting and the 2x2 independence test.
// Nothing here performs I/O or keeps state; every function is safe for
// concurrent use.
package stats

import (
	"math"

	"github.com/admissions-lab/reminder-ab/internal/domain/shared"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// maxCount bounds sample sizes and day counts. Integers up to 2^52 are exact
// in a float64, and the sum of two arms still fits an int.
const maxCount = 1 << 52

// ══════════════════════════════════════════════════════════════════════════════
// RESULT TYPES
// ══════════════════════════════════════════════════════════════════════════════

// PowerResult is the sample size required to detect an effect.
type PowerResult struct {
	// RequiredNPerGroup is the size of the control arm.
	RequiredNPerGroup int `json:"required_n_per_group"`

	// RequiredNTreatment equals RequiredNPerGroup when the ratio is 1.
	RequiredNTreatment int `json:"required_n_treatment"`

	// TotalRequiredN is the sum of both arms.
	TotalRequiredN int `json:"total_required_n"`

	EffectSize float64 `json:"effect_size"`
	Alpha      float64 `json:"alpha"`
	Power      float64 `json:"power"`
	GroupRatio float64 `json:"group_ratio"`
}

// DurationForecast is the calendar time needed to reach TotalRequiredN.
type DurationForecast struct {
	ExpectedDays  int     `json:"expected_days"`
	ExactDays     float64 `json:"exact_days"`
	DailyRateUsed float64 `json:"daily_rate_used"`
}

// ArrivalStats summarizes a daily arrival series.
type ArrivalStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Days   int     `json:"days"`
}

// ══════════════════════════════════════════════════════════════════════════════
// PLANNER
// ══════════════════════════════════════════════════════════════════════════════

// Planner computes sample sizes and forecasts. The zero value is not usable;
// call NewPlanner.
type Planner struct {
	unit distuv.Normal
}

// NewPlanner creates a Planner.
func NewPlanner() *Planner {
	return &Planner{unit: distuv.Normal{Mu: 0, Sigma: 1}}
}

// Plan returns the sample size for a two-sided test of two independent
// proportions with standardized effect size h (Cohen's h) and allocation
// ratio r = treatment:control:
//
//	n_control   = (1 + 1/r) * ((z[1-alpha/2] + z[power]) / h)^2
//	n_treatment = r * n_control
//
// Both arms are rounded up.
func (p *Planner) Plan(effectSize, alpha, power, groupRatio float64) (PowerResult, error) {
	if err := validatePositive("effect size", effectSize); err != nil {
		return PowerResult{}, err
	}
	if err := validateProbability("alpha", alpha); err != nil {
		return PowerResult{}, err
	}
	if err := validateProbability("power", power); err != nil {
		return PowerResult{}, err
	}
	if err := validatePositive("group ratio", groupRatio); err != nil {
		return PowerResult{}, err
	}

	zAlpha := p.unit.Quantile(1 - alpha/2)
	zPower := p.unit.Quantile(power)

	base := (zAlpha + zPower) / effectSize
	nControl := (1 + 1/groupRatio) * base * base
	nTreatment := groupRatio * nControl

	control, ok := ceilCount(nControl)
	if !ok {
		return PowerResult{}, shared.ErrInvalidParameter.Detail("effect size %v needs more than %d subjects per group", effectSize, maxCount)
	}
	treatment, ok := ceilCount(nTreatment)
	if !ok {
		return PowerResult{}, shared.ErrInvalidParameter.Detail("effect size %v with ratio %v needs more than %d treatment subjects", effectSize, groupRatio, maxCount)
	}

	return PowerResult{
		RequiredNPerGroup:  control,
		RequiredNTreatment: treatment,
		TotalRequiredN:     control + treatment,
		EffectSize:         effectSize,
		Alpha:              alpha,
		Power:              power,
		GroupRatio:         groupRatio,
	}, nil
}

// Forecast converts a sample size into whole days at dailyRate subjects per
// day, rounding up.
func (p *Planner) Forecast(result PowerResult, dailyRate float64) (DurationForecast, error) {
	if dailyRate <= 0 || math.IsNaN(dailyRate) || math.IsInf(dailyRate, 0) {
		return DurationForecast{}, shared.ErrInvalidRate.Detail("got %v", dailyRate)
	}
	if result.TotalRequiredN < 0 {
		return DurationForecast{}, shared.ErrInvalidParameter.Detail("total required n is negative: %d", result.TotalRequiredN)
	}

	exact := float64(result.TotalRequiredN) / dailyRate
	days, ok := ceilCount(exact)
	if !ok {
		return DurationForecast{}, shared.ErrInvalidRate.Detail("rate %v needs more than %d days", dailyRate, maxCount)
	}
	if result.TotalRequiredN == 0 {
		days = 0
	}
	return DurationForecast{
		ExpectedDays:  days,
		ExactDays:     exact,
		DailyRateUsed: dailyRate,
	}, nil
}

// ReachProbability estimates the chance of gathering at least n subjects in
// the given number of days. Daily arrivals are treated as independent, so the
// sum over days is approximated by a normal distribution with mean
// Mean*days and standard deviation StdDev*sqrt(days).
func (p *Planner) ReachProbability(n, days int, arrivals ArrivalStats) (float64, error) {
	if days <= 0 {
		return 0, shared.ErrInvalidParameter.Detail("days must be positive, got %d", days)
	}
	if n < 0 {
		return 0, shared.ErrInvalidParameter.Detail("n must not be negative, got %d", n)
	}
	if arrivals.StdDev < 0 || math.IsNaN(arrivals.StdDev) || math.IsNaN(arrivals.Mean) {
		return 0, shared.ErrInvalidParameter.Detail("invalid arrival statistics %+v", arrivals)
	}

	mean := arrivals.Mean * float64(days)
	sd := arrivals.StdDev * math.Sqrt(float64(days))
	if sd == 0 {
		if mean >= float64(n) {
			return 1, nil
		}
		return 0, nil
	}

	sum := distuv.Normal{Mu: mean, Sigma: sd}
	return 1 - sum.CDF(float64(n)), nil
}

// SummarizeArrivals computes the mean and sample standard deviation of a
// daily count series. A single day has a standard deviation of zero.
func SummarizeArrivals(counts []float64) (ArrivalStats, error) {
	if len(counts) == 0 {
		return ArrivalStats{}, shared.ErrInvalidParameter.Detail("no daily arrivals in window")
	}
	if len(counts) == 1 {
		return ArrivalStats{Mean: counts[0], Days: 1}, nil
	}
	mean, std := stat.MeanStdDev(counts, nil)
	return ArrivalStats{Mean: mean, StdDev: std, Days: len(counts)}, nil
}

// ceilCount rounds x up to a count of at least 1. It reports false when x is
// not finite or exceeds maxCount.
func ceilCount(x float64) (int, bool) {
	if math.IsNaN(x) || math.IsInf(x, 0) || x > maxCount {
		return 0, false
	}
	n := int(math.Ceil(x))
	if n < 1 {
		return 1, true
	}
	return n, true
}

func validatePositive(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return shared.ErrInvalidParameter.Detail("%s must be a finite positive number, got %v", name, v)
	}
	return nil
}

func validateProbability(name string, v float64) error {
	if math.IsNaN(v) || v <= 0 || v >= 1 {
		return shared.ErrInvalidParameter.Detail("%s must be in (0,1), got %v", name, v)
	}
	return nil
}
