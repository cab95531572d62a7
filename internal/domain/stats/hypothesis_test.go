package stats

import (
	"testing"

	"github.com/admissions-lab/reminder-ab/internal/domain/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestIndependence_BalancedTable(t *testing.T) {
	table := ContingencyTable{
		ControlCompleted: 50, ControlNotCompleted: 50,
		TreatmentCompleted: 50, TreatmentNotCompleted: 50,
	}

	res, err := TestIndependence(table, 0.05)
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.ChiSquare)
	assert.Equal(t, 1, res.DegreesOfFreedom)
	assert.InDelta(t, 1.0, res.PValue, 1e-12)
	assert.False(t, res.Significant)
	assert.Equal(t, 0.05, res.Alpha)
	assert.Equal(t, 200, res.SampleSize())
	assert.Equal(t, 0.0, res.RateDifference)
	assert.Equal(t, 50.0, res.MinExpected)
}

func TestTestIndependence_KnownStatistic(t *testing.T) {
	// Row totals 100/100, column totals 90/110, expected 45 and 55 per row.
	table := ContingencyTable{
		ControlCompleted: 30, ControlNotCompleted: 70,
		TreatmentCompleted: 60, TreatmentNotCompleted: 40,
	}

	res, err := TestIndependence(table, 0.05)
	require.NoError(t, err)

	want := 2 * (225.0/45 + 225.0/55)
	assert.InDelta(t, want, res.ChiSquare, 1e-9)
	assert.Less(t, res.PValue, 0.001)
	assert.True(t, res.Significant)

	assert.Equal(t, GroupSummary{Total: 100, Completed: 30, CompletionRate: 0.3}, res.Control)
	assert.Equal(t, GroupSummary{Total: 100, Completed: 60, CompletionRate: 0.6}, res.Treatment)
	assert.InDelta(t, 0.3, res.RateDifference, 1e-12)
}

func TestTestIndependence_StrictAlpha(t *testing.T) {
	table := ContingencyTable{
		ControlCompleted: 40, ControlNotCompleted: 60,
		TreatmentCompleted: 52, TreatmentNotCompleted: 48,
	}

	res, err := TestIndependence(table, 0.5)
	require.NoError(t, err)

	// Alpha equal to the p-value is not significant.
	atP, err := TestIndependence(table, res.PValue)
	require.NoError(t, err)
	assert.False(t, atP.Significant)
}

func TestTestIndependence_DegenerateTable(t *testing.T) {
	cases := map[string]ContingencyTable{
		"empty control":       {TreatmentCompleted: 10, TreatmentNotCompleted: 10},
		"empty treatment":     {ControlCompleted: 10, ControlNotCompleted: 10},
		"nobody completed":    {ControlNotCompleted: 10, TreatmentNotCompleted: 10},
		"everybody completed": {ControlCompleted: 10, TreatmentCompleted: 10},
		"empty table":         {},
	}
	for name, table := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := TestIndependence(table, 0.05)
			assert.ErrorIs(t, err, shared.ErrDegenerateTable)
		})
	}
}

func TestTestIndependence_InvalidInput(t *testing.T) {
	table := ContingencyTable{ControlCompleted: 1, ControlNotCompleted: 1, TreatmentCompleted: 1, TreatmentNotCompleted: 1}

	_, err := TestIndependence(table, 0)
	assert.ErrorIs(t, err, shared.ErrInvalidParameter)
	_, err = TestIndependence(table, 1)
	assert.ErrorIs(t, err, shared.ErrInvalidParameter)

	table.ControlCompleted = -1
	_, err = TestIndependence(table, 0.05)
	assert.ErrorIs(t, err, shared.ErrInvalidParameter)
}

func TestTestIndependence_Deterministic(t *testing.T) {
	table := ContingencyTable{ControlCompleted: 17, ControlNotCompleted: 83, TreatmentCompleted: 29, TreatmentNotCompleted: 71}

	a, err := TestIndependence(table, 0.05)
	require.NoError(t, err)
	b, err := TestIndependence(table, 0.05)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
