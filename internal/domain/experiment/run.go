package experiment

import (
	"strings"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/internal/domain/stats"
)

// RunID identifies one experiment run.
type RunID string

// IsValid reports whether the ID is non-blank.
func (id RunID) IsValid() bool {
	return strings.TrimSpace(string(id)) != ""
}

// String returns the string representation of the ID.
func (id RunID) String() string {
	return string(id)
}

// ══════════════════════════════════════════════════════════════════════════════
// PHASES
// ══════════════════════════════════════════════════════════════════════════════

// Phase is the lifecycle state of a run.
//
//	configuring -> assigning -> collecting -> analyzed
//	     any phase ---------------------------> reset (terminal)
type Phase string

const (
	// PhaseConfiguring accepts a configuration.
	PhaseConfiguring Phase = "configuring"
	// PhaseAssigning has a plan and waits for the group split.
	PhaseAssigning Phase = "assigning"
	// PhaseCollecting has persisted assignments and accrues outcomes.
	PhaseCollecting Phase = "collecting"
	// PhaseAnalyzed holds at least one test result. Re-analysis stays here.
	PhaseAnalyzed Phase = "analyzed"
	// PhaseReset is terminal. Run data has been deleted.
	PhaseReset Phase = "reset"
)

// IsValid reports whether the phase is known.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseConfiguring, PhaseAssigning, PhaseCollecting, PhaseAnalyzed, PhaseReset:
		return true
	default:
		return false
	}
}

// HasAssignments reports whether assignments exist in this phase.
func (p Phase) HasAssignments() bool {
	return p == PhaseCollecting || p == PhaseAnalyzed
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN ENTITY: RUN
// ══════════════════════════════════════════════════════════════════════════════

// Run is the state of one experiment, loaded by ID and passed explicitly to
// every operation. Transitions must be serialized per run by the caller.
type Run struct {
	ID    RunID  `json:"id"`
	Name  string `json:"name"`
	Phase Phase  `json:"phase"`

	Config   Config                 `json:"config"`
	Plan     stats.PowerResult      `json:"plan"`
	Forecast stats.DurationForecast `json:"forecast"`

	ControlCount   int `json:"control_count"`
	TreatmentCount int `json:"treatment_count"`

	// Result is the latest test result, nil until the first analysis.
	Result *stats.TestResult `json:"result,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ConfiguredAt time.Time `json:"configured_at,omitempty"`
	AssignedAt   time.Time `json:"assigned_at,omitempty"`
	AnalyzedAt   time.Time `json:"analyzed_at,omitempty"`
	ResetAt      time.Time `json:"reset_at,omitempty"`
}

// NewRunParams holds the inputs of NewRun.
type NewRunParams struct {
	ID   RunID
	Name string
	Now  time.Time
}

// NewRun creates a run in the configuring phase.
func NewRun(p NewRunParams) (*Run, error) {
	if !p.ID.IsValid() {
		return nil, shared.ErrInvalidRunID
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "run-" + string(p.ID)
	}
	now := p.Now.UTC()
	return &Run{
		ID:        p.ID,
		Name:      name,
		Phase:     PhaseConfiguring,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Preconditions
// ─────────────────────────────────────────────────────────────────────────────

// CanConfigure checks that the configuration may still change.
func (r *Run) CanConfigure() error {
	switch r.Phase {
	case PhaseConfiguring:
		return nil
	case PhaseReset:
		return shared.ErrRunReset
	default:
		return shared.ErrAlreadyConfigured.Detail("phase %s", r.Phase)
	}
}

// CanAssign checks that groups may be assigned now.
func (r *Run) CanAssign() error {
	switch r.Phase {
	case PhaseAssigning:
		return nil
	case PhaseConfiguring:
		return shared.ErrRunNotConfigured
	case PhaseReset:
		return shared.ErrRunReset
	default:
		return shared.ErrAlreadyAssigned.Detail("phase %s", r.Phase)
	}
}

// CanAnalyze checks that assignments exist and the run is live.
func (r *Run) CanAnalyze() error {
	switch r.Phase {
	case PhaseCollecting, PhaseAnalyzed:
		return nil
	case PhaseReset:
		return shared.ErrRunReset
	default:
		return shared.ErrRunNotCollecting.Detail("phase %s", r.Phase)
	}
}

// CanReset checks whether deleting run data is allowed. A collecting run
// that already accrued outcomes needs force.
func (r *Run) CanReset(accrued int, force bool) error {
	if r.Phase == PhaseCollecting && accrued > 0 && !force {
		return shared.ErrResetNotAllowed.Detail("%d outcomes accrued", accrued)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Transitions
// ─────────────────────────────────────────────────────────────────────────────

// Configure stores the configuration and its derived plan and moves the run
// to assigning.
func (r *Run) Configure(cfg Config, plan stats.PowerResult, forecast stats.DurationForecast, now time.Time) error {
	if err := r.CanConfigure(); err != nil {
		return err
	}
	r.Config = cfg
	r.Plan = plan
	r.Forecast = forecast
	r.Phase = PhaseAssigning
	r.ConfiguredAt = now.UTC()
	r.touch(now)
	return nil
}

// MarkAssigned records the persisted split and moves the run to collecting.
func (r *Run) MarkAssigned(control, treatment int, now time.Time) error {
	if err := r.CanAssign(); err != nil {
		return err
	}
	r.ControlCount = control
	r.TreatmentCount = treatment
	r.Phase = PhaseCollecting
	r.AssignedAt = now.UTC()
	r.touch(now)
	return nil
}

// RecordResult stores the latest test result and moves the run to analyzed.
func (r *Run) RecordResult(result stats.TestResult, now time.Time) error {
	if err := r.CanAnalyze(); err != nil {
		return err
	}
	r.Result = &result
	r.Phase = PhaseAnalyzed
	r.AnalyzedAt = now.UTC()
	r.touch(now)
	return nil
}

// MarkReset moves the run to its terminal phase.
func (r *Run) MarkReset(now time.Time) {
	r.Phase = PhaseReset
	r.ResetAt = now.UTC()
	r.touch(now)
}

func (r *Run) touch(now time.Time) {
	r.UpdatedAt = now.UTC()
}

// ─────────────────────────────────────────────────────────────────────────────
// Accrual
// ─────────────────────────────────────────────────────────────────────────────

// Target is the number of observed outcomes the plan requires.
func (r *Run) Target() int {
	return r.Plan.TotalRequiredN
}

// Ready reports whether accrued outcomes reached the target.
func (r *Run) Ready(accrued int) bool {
	return r.Target() > 0 && accrued >= r.Target()
}

// Progress is accrued/target clamped to [0,1].
func (r *Run) Progress(accrued int) float64 {
	if r.Target() <= 0 {
		return 0
	}
	p := float64(accrued) / float64(r.Target())
	if p > 1 {
		return 1
	}
	if p < 0 {
		return 0
	}
	return p
}

// AssignedTotal is the size of both arms.
func (r *Run) AssignedTotal() int {
	return r.ControlCount + r.TreatmentCount
}

// Clone returns a deep copy, so stores never share state with callers.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	return &cp
}
