package stats

import (
	"math"
	"testing"

	"github.com/admissions-lab/reminder-ab/internal/domain/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_ClassicEffectSize(t *testing.T) {
	p := NewPlanner()

	res, err := p.Plan(0.2, 0.05, 0.8, 1.0)
	require.NoError(t, err)

	// 2 * ((1.959964 + 0.841621) / 0.2)^2 = 392.44
	assert.InDelta(t, 392, res.RequiredNPerGroup, 1)
	assert.Equal(t, 393, res.RequiredNPerGroup)
	assert.Equal(t, res.RequiredNPerGroup, res.RequiredNTreatment)
	assert.Equal(t, 786, res.TotalRequiredN)
	assert.Equal(t, 0.2, res.EffectSize)
}

func TestPlan_MonotoneInEffectSize(t *testing.T) {
	p := NewPlanner()

	prev := math.MaxInt
	for _, h := range []float64{0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 0.8, 1.2, 2, 5, 50} {
		res, err := p.Plan(h, 0.05, 0.8, 1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.RequiredNPerGroup, 1)
		assert.LessOrEqual(t, res.RequiredNPerGroup, prev, "h=%v", h)
		prev = res.RequiredNPerGroup
	}
}

func TestPlan_TinyEffectSize(t *testing.T) {
	p := NewPlanner()

	// 2 * (2.8016 / 1e-6)^2 is about 1.57e13.
	small, err := p.Plan(1e-6, 0.05, 0.8, 1)
	require.NoError(t, err)
	assert.Greater(t, small.RequiredNPerGroup, 10_000_000_000_000)
	assert.Equal(t, 2*small.RequiredNPerGroup, small.TotalRequiredN)

	for _, h := range []float64{1e-8, 1e-9, 1e-200, math.SmallestNonzeroFloat64} {
		_, err := p.Plan(h, 0.05, 0.8, 1)
		assert.ErrorIs(t, err, shared.ErrInvalidParameter, "h=%v", h)
	}
}

func TestCeilCount(t *testing.T) {
	n, ok := ceilCount(392 + 5e-10)
	require.True(t, ok)
	assert.Equal(t, 393, n, "a fraction above an integer still rounds up")

	n, ok = ceilCount(392)
	require.True(t, ok)
	assert.Equal(t, 392, n)

	n, ok = ceilCount(0.3)
	require.True(t, ok)
	assert.Equal(t, 1, n)

	for _, x := range []float64{math.Inf(1), math.NaN(), maxCount + 1, 1e300} {
		_, ok := ceilCount(x)
		assert.False(t, ok, "x=%v", x)
	}
}

func TestPlan_UnequalRatio(t *testing.T) {
	p := NewPlanner()

	balanced, err := p.Plan(0.2, 0.05, 0.8, 1)
	require.NoError(t, err)
	skewed, err := p.Plan(0.2, 0.05, 0.8, 2)
	require.NoError(t, err)

	// r=2: control needs 3/4 of the balanced size, treatment twice the control.
	assert.Equal(t, int(math.Ceil(392.44*0.75)), skewed.RequiredNPerGroup)
	assert.InDelta(t, 2*skewed.RequiredNPerGroup, skewed.RequiredNTreatment, 1)
	assert.Greater(t, skewed.TotalRequiredN, balanced.TotalRequiredN)
}

func TestPlan_InvalidParameters(t *testing.T) {
	p := NewPlanner()

	cases := []struct {
		name                      string
		effect, alpha, power, rat float64
	}{
		{"zero effect", 0, 0.05, 0.8, 1},
		{"negative effect", -0.2, 0.05, 0.8, 1},
		{"nan effect", math.NaN(), 0.05, 0.8, 1},
		{"inf effect", math.Inf(1), 0.05, 0.8, 1},
		{"alpha zero", 0.2, 0, 0.8, 1},
		{"alpha one", 0.2, 1, 0.8, 1},
		{"power zero", 0.2, 0.05, 0, 1},
		{"power one", 0.2, 0.05, 1, 1},
		{"ratio zero", 0.2, 0.05, 0.8, 0},
		{"ratio inf", 0.2, 0.05, 0.8, math.Inf(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Plan(tc.effect, tc.alpha, tc.power, tc.rat)
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrInvalidParameter)
			assert.True(t, shared.IsValidation(err))
		})
	}
}

func TestForecast(t *testing.T) {
	p := NewPlanner()

	fc, err := p.Forecast(PowerResult{TotalRequiredN: 784}, 50)
	require.NoError(t, err)
	assert.Equal(t, 16, fc.ExpectedDays)
	assert.InDelta(t, 15.68, fc.ExactDays, 1e-9)
	assert.Equal(t, 50.0, fc.DailyRateUsed)

	exact, err := p.Forecast(PowerResult{TotalRequiredN: 800}, 50)
	require.NoError(t, err)
	assert.Equal(t, 16, exact.ExpectedDays)

	none, err := p.Forecast(PowerResult{}, 50)
	require.NoError(t, err)
	assert.Zero(t, none.ExpectedDays)
}

func TestForecast_InvalidRate(t *testing.T) {
	p := NewPlanner()
	for _, rate := range []float64{0, -3, math.NaN(), math.Inf(1), 1e-300, math.SmallestNonzeroFloat64} {
		_, err := p.Forecast(PowerResult{TotalRequiredN: 784}, rate)
		assert.ErrorIs(t, err, shared.ErrInvalidRate, "rate=%v", rate)
	}
}

func TestReachProbability(t *testing.T) {
	p := NewPlanner()
	arrivals := ArrivalStats{Mean: 50, StdDev: 10, Days: 30}

	// Mean over 16 days is 800, so reaching exactly the mean is a coin flip.
	half, err := p.ReachProbability(800, 16, arrivals)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, half, 1e-9)

	likely, err := p.ReachProbability(700, 16, arrivals)
	require.NoError(t, err)
	unlikely, err := p.ReachProbability(900, 16, arrivals)
	require.NoError(t, err)
	assert.Greater(t, likely, 0.99)
	assert.Less(t, unlikely, 0.01)

	_, err = p.ReachProbability(100, 0, arrivals)
	assert.ErrorIs(t, err, shared.ErrInvalidParameter)
}

func TestReachProbability_NoVariance(t *testing.T) {
	p := NewPlanner()
	flat := ArrivalStats{Mean: 10, StdDev: 0}

	got, err := p.ReachProbability(100, 10, flat)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	got, err = p.ReachProbability(101, 10, flat)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestSummarizeArrivals(t *testing.T) {
	s, err := SummarizeArrivals([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.NoError(t, err)
	assert.InDelta(t, 5, s.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7.0), s.StdDev, 1e-12)
	assert.Equal(t, 8, s.Days)

	one, err := SummarizeArrivals([]float64{12})
	require.NoError(t, err)
	assert.Equal(t, ArrivalStats{Mean: 12, Days: 1}, one)

	_, err = SummarizeArrivals(nil)
	assert.ErrorIs(t, err, shared.ErrInvalidParameter)
}
