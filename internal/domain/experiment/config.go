package experiment

import (
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
)

// DefaultGroupRatio is used when a config leaves GroupRatio unset.
const DefaultGroupRatio = 1.0

// Config is the immutable configuration of a run.
type Config struct {
	// EffectSize is the standardized minimum detectable difference (Cohen's h).
	EffectSize float64 `json:"effect_size"`

	// Alpha is the significance level of the final test.
	Alpha float64 `json:"alpha"`

	// Power is the probability of detecting an effect of EffectSize.
	Power float64 `json:"power"`

	// GroupRatio is the treatment:control allocation ratio.
	GroupRatio float64 `json:"group_ratio"`

	// HistoricalDailyRate is the expected number of eligible arrivals per
	// day. Zero means it is read from the observation store over RateWindow.
	HistoricalDailyRate float64 `json:"historical_daily_rate"`

	// RateWindow bounds the history used for the rate. Zero is the full history.
	RateWindow time.Duration `json:"rate_window"`

	// Seed drives the reproducible group split.
	Seed int64 `json:"seed"`

	// Criteria filters the eligible pool at assignment time.
	Criteria Criteria `json:"criteria"`

	// TreatUnobservedAsIncomplete changes how analysis counts subjects
	// without an observed outcome.
	TreatUnobservedAsIncomplete bool `json:"treat_unobserved_as_incomplete"`
}

// WithDefaults fills optional fields.
func (c Config) WithDefaults() Config {
	if c.GroupRatio == 0 {
		c.GroupRatio = DefaultGroupRatio
	}
	return c
}

// Validate checks that the planning inputs are present. Range checks are
// left to the planner, which reports them as invalid parameters.
func (c Config) Validate() error {
	var missing []string
	if c.EffectSize == 0 {
		missing = append(missing, "effect size")
	}
	if c.Alpha == 0 {
		missing = append(missing, "alpha")
	}
	if c.Power == 0 {
		missing = append(missing, "power")
	}
	if len(missing) > 0 {
		return shared.ErrIncompleteConfig.Detail("missing %v", missing)
	}
	if c.HistoricalDailyRate < 0 {
		return shared.ErrInvalidRate.Detail("historical daily rate %v", c.HistoricalDailyRate)
	}
	if c.RateWindow < 0 {
		return shared.ErrInvalidParameter.Detail("rate window must not be negative")
	}
	return nil
}

// TableOptions derives the analysis options.
func (c Config) TableOptions() TableOptions {
	return TableOptions{TreatUnobservedAsIncomplete: c.TreatUnobservedAsIncomplete}
}
