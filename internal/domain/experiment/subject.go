// Package experiment holds the domain model of a two-arm reminder experiment:
// subjects, their assignments and outcomes, the run state machine and the
// ports through which the run reaches storage.
package experiment

import (
	"strings"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/internal/domain/stats"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// SubjectID identifies an applicant.
type SubjectID string

// IsValid reports whether the ID is non-blank.
func (id SubjectID) IsValid() bool {
	return strings.TrimSpace(string(id)) != ""
}

// String returns the string representation of the ID.
func (id SubjectID) String() string {
	return string(id)
}

// Group is an experiment arm.
type Group string

const (
	// GroupControl receives no reminder.
	GroupControl Group = "control"
	// GroupTreatment receives the email reminder.
	GroupTreatment Group = "treatment"
)

// IsValid reports whether the group is one of the two arms.
func (g Group) IsValid() bool {
	return g == GroupControl || g == GroupTreatment
}

// ParseGroup converts a string into a Group.
func ParseGroup(s string) (Group, error) {
	g := Group(strings.ToLower(strings.TrimSpace(s)))
	if !g.IsValid() {
		return "", shared.NewDomainError("experiment", "ParseGroup", shared.ErrInvalidInput, "unknown group").
			Detail("%q", s)
	}
	return g, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTITIES
// ══════════════════════════════════════════════════════════════════════════════

// Subject is an applicant that entered the admissions funnel. Identity is the
// only attribute used for assignment.
type Subject struct {
	ID        SubjectID `json:"id"`
	ArrivedAt time.Time `json:"arrived_at"`
}

// Assignment places a subject into a group for one run.
type Assignment struct {
	RunID      RunID     `json:"run_id"`
	SubjectID  SubjectID `json:"subject_id"`
	Group      Group     `json:"group"`
	AssignedAt time.Time `json:"assigned_at"`
}

// CheckBatch validates an assignment batch for runID before it reaches a
// store: every entry belongs to the run, carries a known group and names a
// subject at most once.
func CheckBatch(runID RunID, assignments []Assignment) error {
	seen := make(map[SubjectID]struct{}, len(assignments))
	for _, a := range assignments {
		if a.RunID != runID {
			return shared.ErrInvalidParameter.Detail("assignment of %s belongs to run %s", a.SubjectID, a.RunID)
		}
		if !a.Group.IsValid() {
			return shared.ErrInvalidParameter.Detail("subject %s has group %q", a.SubjectID, a.Group)
		}
		if _, dup := seen[a.SubjectID]; dup {
			return shared.ErrAssignmentConflict.Detail("%s twice in one batch", a.SubjectID)
		}
		seen[a.SubjectID] = struct{}{}
	}
	return nil
}

// Outcome is the observed quiz result of a subject. Once observed it never
// changes back.
type Outcome struct {
	SubjectID  SubjectID `json:"subject_id"`
	Completed  bool      `json:"completed"`
	ObservedAt time.Time `json:"observed_at"`
}

// Observed reports whether the outcome has been recorded.
func (o Outcome) Observed() bool {
	return !o.ObservedAt.IsZero()
}

// Criteria filters the eligible pool. Zero bounds are open.
type Criteria struct {
	ArrivedFrom time.Time `json:"arrived_from,omitempty"`
	ArrivedTo   time.Time `json:"arrived_to,omitempty"`
	Limit       int       `json:"limit,omitempty"`
}

// Matches reports whether an arrival time falls into [ArrivedFrom, ArrivedTo).
func (c Criteria) Matches(arrivedAt time.Time) bool {
	if !c.ArrivedFrom.IsZero() && arrivedAt.Before(c.ArrivedFrom) {
		return false
	}
	if !c.ArrivedTo.IsZero() && !arrivedAt.Before(c.ArrivedTo) {
		return false
	}
	return true
}

// DailyCount is the number of eligible arrivals on one UTC day.
type DailyCount struct {
	Day   time.Time `json:"day"`
	Count int       `json:"count"`
}

// Counts extracts the counts as floats for statistical summaries.
func Counts(days []DailyCount) []float64 {
	out := make([]float64, len(days))
	for i, d := range days {
		out[i] = float64(d.Count)
	}
	return out
}

// ArrivalWindow bounds the arrivals that feed the daily series: [from, to)
// where to is midnight of now's day. A zero window has no lower bound.
// Today is excluded because it is still accruing.
func ArrivalWindow(window time.Duration, now time.Time) (from, to time.Time) {
	to = timeutil.StartOfDay(now)
	if window <= 0 {
		return time.Time{}, to
	}
	days := int(window / timeutil.Day)
	if days < 1 {
		days = 1
	}
	return to.AddDate(0, 0, -days), to
}

// DailySeries turns per-day counts into a gap-free series, oldest first.
// With a window the series spans the whole window; without one it spans the
// first to the last day that has arrivals.
func DailySeries(counts map[time.Time]int, window time.Duration, now time.Time) []DailyCount {
	from, to := ArrivalWindow(window, now)
	if window <= 0 {
		if len(counts) == 0 {
			return nil
		}
		var last time.Time
		from = time.Time{}
		for day := range counts {
			if from.IsZero() || day.Before(from) {
				from = day
			}
			if day.After(last) {
				last = day
			}
		}
		to = timeutil.StartOfDay(last).AddDate(0, 0, 1)
	}

	var out []DailyCount
	for day := timeutil.StartOfDay(from); day.Before(to); day = day.AddDate(0, 0, 1) {
		out = append(out, DailyCount{Day: day, Count: counts[day]})
	}
	return out
}

// MeanCount is the mean of the series, zero when empty.
func MeanCount(days []DailyCount) float64 {
	if len(days) == 0 {
		return 0
	}
	total := 0
	for _, d := range days {
		total += d.Count
	}
	return float64(total) / float64(len(days))
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTINGENCY TABLE
// ══════════════════════════════════════════════════════════════════════════════

// TableOptions controls how unobserved outcomes enter the table.
type TableOptions struct {
	// TreatUnobservedAsIncomplete counts assigned subjects without an
	// observed outcome as not completed. When false they are left out.
	TreatUnobservedAsIncomplete bool
}

// BuildTable cross-tabulates assignments with outcomes. It never mutates
// its inputs.
func BuildTable(assignments []Assignment, outcomes map[SubjectID]Outcome, opts TableOptions) stats.ContingencyTable {
	var t stats.ContingencyTable
	for _, a := range assignments {
		o, ok := outcomes[a.SubjectID]
		observed := ok && o.Observed()
		if !observed && !opts.TreatUnobservedAsIncomplete {
			continue
		}
		completed := observed && o.Completed

		switch {
		case a.Group == GroupControl && completed:
			t.ControlCompleted++
		case a.Group == GroupControl:
			t.ControlNotCompleted++
		case a.Group == GroupTreatment && completed:
			t.TreatmentCompleted++
		case a.Group == GroupTreatment:
			t.TreatmentNotCompleted++
		}
	}
	return t
}
