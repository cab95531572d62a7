package stats

import (
	"math"

	"github.com/admissions-lab/reminder-ab/internal/domain/shared"

	"gonum.org/v1/gonum/stat/distuv"
)

// ContingencyTable is the 2x2 cross-tabulation of group by quiz outcome.
// Rows are control and treatment, columns are completed and not completed.
type ContingencyTable struct {
	ControlCompleted      int `json:"control_completed"`
	ControlNotCompleted   int `json:"control_not_completed"`
	TreatmentCompleted    int `json:"treatment_completed"`
	TreatmentNotCompleted int `json:"treatment_not_completed"`
}

// Cells returns the counts in row-major order.
func (t ContingencyTable) Cells() [2][2]float64 {
	return [2][2]float64{
		{float64(t.ControlCompleted), float64(t.ControlNotCompleted)},
		{float64(t.TreatmentCompleted), float64(t.TreatmentNotCompleted)},
	}
}

// ControlTotal is the control row margin.
func (t ContingencyTable) ControlTotal() int { return t.ControlCompleted + t.ControlNotCompleted }

// TreatmentTotal is the treatment row margin.
func (t ContingencyTable) TreatmentTotal() int { return t.TreatmentCompleted + t.TreatmentNotCompleted }

// CompletedTotal is the completed column margin.
func (t ContingencyTable) CompletedTotal() int { return t.ControlCompleted + t.TreatmentCompleted }

// NotCompletedTotal is the not-completed column margin.
func (t ContingencyTable) NotCompletedTotal() int {
	return t.ControlNotCompleted + t.TreatmentNotCompleted
}

// Total is the number of subjects in the table.
func (t ContingencyTable) Total() int { return t.ControlTotal() + t.TreatmentTotal() }

// GroupSummary describes one arm of the experiment.
type GroupSummary struct {
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	CompletionRate float64 `json:"completion_rate"`
}

// TestResult is the verdict of one analysis.
type TestResult struct {
	ChiSquare        float64 `json:"chi_square"`
	DegreesOfFreedom int     `json:"degrees_of_freedom"`
	PValue           float64 `json:"p_value"`
	Significant      bool    `json:"significant"`
	Alpha            float64 `json:"alpha"`

	Table          ContingencyTable `json:"table"`
	Control        GroupSummary     `json:"control"`
	Treatment      GroupSummary     `json:"treatment"`
	RateDifference float64          `json:"rate_difference"`

	// MinExpected is the smallest expected cell count. Values below 5 make
	// the chi-square approximation unreliable.
	MinExpected float64 `json:"min_expected"`
}

// SampleSize is the number of subjects the result was computed from.
func (r TestResult) SampleSize() int { return r.Table.Total() }

// TestIndependence runs Pearson's chi-square test of independence on a 2x2
// table, without Yates' continuity correction. The result is significant only
// when the p-value is strictly below alpha.
func TestIndependence(table ContingencyTable, alpha float64) (TestResult, error) {
	if err := validateProbability("alpha", alpha); err != nil {
		return TestResult{}, err
	}
	if table.ControlCompleted < 0 || table.ControlNotCompleted < 0 ||
		table.TreatmentCompleted < 0 || table.TreatmentNotCompleted < 0 {
		return TestResult{}, shared.ErrInvalidParameter.Detail("negative cell count in %+v", table)
	}

	rows := [2]float64{float64(table.ControlTotal()), float64(table.TreatmentTotal())}
	cols := [2]float64{float64(table.CompletedTotal()), float64(table.NotCompletedTotal())}
	for _, m := range [4]float64{rows[0], rows[1], cols[0], cols[1]} {
		if m == 0 {
			return TestResult{}, shared.ErrDegenerateTable.Detail("margins rows=%v cols=%v", rows, cols)
		}
	}

	n := rows[0] + rows[1]
	cells := table.Cells()

	chi := 0.0
	minExpected := math.Inf(1)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			expected := rows[i] * cols[j] / n
			diff := cells[i][j] - expected
			chi += diff * diff / expected
			minExpected = math.Min(minExpected, expected)
		}
	}

	pValue := distuv.ChiSquared{K: 1}.Survival(chi)

	control := summarize(table.ControlTotal(), table.ControlCompleted)
	treatment := summarize(table.TreatmentTotal(), table.TreatmentCompleted)

	return TestResult{
		ChiSquare:        chi,
		DegreesOfFreedom: 1,
		PValue:           pValue,
		Significant:      pValue < alpha,
		Alpha:            alpha,
		Table:            table,
		Control:          control,
		Treatment:        treatment,
		RateDifference:   treatment.CompletionRate - control.CompletionRate,
		MinExpected:      minExpected,
	}, nil
}

func summarize(total, completed int) GroupSummary {
	s := GroupSummary{Total: total, Completed: completed}
	if total > 0 {
		s.CompletionRate = float64(completed) / float64(total)
	}
	return s
}
