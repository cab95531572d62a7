package cli

import (
	"fmt"

	"github.com/admissions-lab/reminder-ab/internal/application/command"
	"github.com/admissions-lab/reminder-ab/internal/application/query"
	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"

	"github.com/spf13/cobra"
)

// ══════════════════════════════════════════════════════════════════════════════
// RUN LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

func newCreateCmd(rt *runtime) *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run in the configuring phase",
		Args:  cobra.NoArgs,
		RunE: rt.withApp(func(cmd *cobra.Command, _ []string, app *App) error {
			res, err := command.NewCreateRunHandler(app.deps()).Handle(cmd.Context(), command.CreateRunCommand{ID: id, Name: name})
			if err != nil {
				return err
			}
			p := rt.printer(cmd)
			if ok, err := p.JSON(res.Run); ok {
				return err
			}
			p.Title("Run %s created", res.Run.ID)
			p.Fields("name", res.Run.Name, "phase", string(res.Run.Phase))
			return nil
		}),
	}
	cmd.Flags().StringVar(&id, "id", "", "run ID (random UUID when empty)")
	cmd.Flags().StringVar(&name, "name", "", "human readable label")
	return cmd
}

// configureFlags holds the planning flags shared by configure and plan.
type configureFlags struct {
	effectSize float64
	alpha      float64
	power      float64
	ratio      float64
	dailyRate  float64
	windowDays int
}

func (f *configureFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.Float64Var(&f.effectSize, "effect-size", 0, "minimum detectable effect as Cohen's h")
	fs.Float64Var(&f.alpha, "alpha", 0, "significance level")
	fs.Float64Var(&f.power, "power", 0, "statistical power")
	fs.Float64Var(&f.ratio, "ratio", 0, "treatment:control allocation ratio")
	fs.Float64Var(&f.dailyRate, "daily-rate", 0, "eligible arrivals per day (read from history when 0)")
	fs.IntVar(&f.windowDays, "window-days", 0, "days of history behind the rate (0 is all history)")
}

// apply overlays flags the user set onto the configured defaults.
func (f *configureFlags) apply(cmd *cobra.Command, app *App) experiment.Config {
	exp := app.Config.Experiment
	cfg := experiment.Config{
		EffectSize:                  exp.EffectSize,
		Alpha:                       exp.Alpha,
		Power:                       exp.Power,
		GroupRatio:                  exp.GroupRatio,
		RateWindow:                  app.Config.RateWindow(),
		Seed:                        exp.Seed,
		TreatUnobservedAsIncomplete: exp.TreatUnobservedAsIncomplete,
	}
	fs := cmd.Flags()
	if fs.Changed("effect-size") {
		cfg.EffectSize = f.effectSize
	}
	if fs.Changed("alpha") {
		cfg.Alpha = f.alpha
	}
	if fs.Changed("power") {
		cfg.Power = f.power
	}
	if fs.Changed("ratio") {
		cfg.GroupRatio = f.ratio
	}
	if fs.Changed("daily-rate") {
		cfg.HistoricalDailyRate = f.dailyRate
	}
	if fs.Changed("window-days") {
		cfg.RateWindow = days(f.windowDays)
	}
	return cfg
}

func newConfigureCmd(rt *runtime) *cobra.Command {
	var (
		plan                 configureFlags
		seed                 int64
		from, to             string
		limit                int
		unobservedIncomplete bool
	)
	cmd := &cobra.Command{
		Use:   "configure RUN_ID",
		Short: "Fix the run configuration and compute its sample size",
		Long: `configure runs the power analysis for the run and stores the plan.
Unset flags fall back to the experiment section of the configuration.
The configuration can be replaced until groups are assigned.`,
		Args: cobra.ExactArgs(1),
		RunE: rt.withApp(func(cmd *cobra.Command, args []string, app *App) error {
			runID, err := runIDArg(args)
			if err != nil {
				return err
			}
			cfg := plan.apply(cmd, app)
			if cmd.Flags().Changed("seed") {
				cfg.Seed = seed
			}
			if cmd.Flags().Changed("unobserved-incomplete") {
				cfg.TreatUnobservedAsIncomplete = unobservedIncomplete
			}
			if cfg.Criteria.ArrivedFrom, err = parseTime(from); err != nil {
				return err
			}
			if cfg.Criteria.ArrivedTo, err = parseTime(to); err != nil {
				return err
			}
			cfg.Criteria.Limit = limit

			res, err := command.NewConfigureRunHandler(app.deps(), app.Planner).Handle(cmd.Context(), command.ConfigureRunCommand{
				RunID:  runID,
				Config: cfg,
			})
			if err != nil {
				return err
			}

			p := rt.printer(cmd)
			if ok, err := p.JSON(res.Run); ok {
				return err
			}
			rateSource := "given"
			if res.RateFromStore {
				rateSource = "history"
			}
			p.Title("Run %s configured", res.Run.ID)
			p.Fields(
				"control", fmt.Sprint(res.Plan.RequiredNPerGroup),
				"treatment", fmt.Sprint(res.Plan.RequiredNTreatment),
				"total", fmt.Sprint(res.Plan.TotalRequiredN),
				"daily rate", fmt.Sprintf("%.2f (%s)", res.Forecast.DailyRateUsed, rateSource),
				"expected days", fmt.Sprint(res.Forecast.ExpectedDays),
			)
			return nil
		}),
	}
	plan.register(cmd)
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed of the group split")
	cmd.Flags().StringVar(&from, "arrived-from", "", "only subjects arriving at or after this time")
	cmd.Flags().StringVar(&to, "arrived-to", "", "only subjects arriving before this time")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap on the eligible pool (0 is no cap)")
	cmd.Flags().BoolVar(&unobservedIncomplete, "unobserved-incomplete", false, "count subjects without an outcome as not completed")
	return cmd
}

func newAssignCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "assign RUN_ID",
		Short: "Split the eligible pool into control and treatment",
		Args:  cobra.ExactArgs(1),
		RunE: rt.withApp(func(cmd *cobra.Command, args []string, app *App) error {
			runID, err := runIDArg(args)
			if err != nil {
				return err
			}
			res, err := command.NewAssignGroupsHandler(app.deps(), app.Assigner).Handle(cmd.Context(), command.AssignGroupsCommand{RunID: runID})
			if err != nil {
				return err
			}
			p := rt.printer(cmd)
			if ok, err := p.JSON(res.Run); ok {
				return err
			}
			p.Title("Run %s assigned", res.Run.ID)
			p.Fields(
				"control", fmt.Sprint(res.Control),
				"treatment", fmt.Sprint(res.Treatment),
				"phase", string(res.Run.Phase),
			)
			return nil
		}),
	}
}

func newStatusCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show how many outcomes the run has accrued",
		Args:  cobra.ExactArgs(1),
		RunE: rt.withApp(func(cmd *cobra.Command, args []string, app *App) error {
			runID, err := runIDArg(args)
			if err != nil {
				return err
			}
			status, err := app.accrualStatus().Handle(cmd.Context(), query.AccrualStatusQuery{RunID: runID})
			if err != nil {
				return err
			}
			p := rt.printer(cmd)
			if ok, err := p.JSON(status); ok {
				return err
			}
			p.Title("Run %s (%s)", status.RunID, status.Phase)
			p.Fields(
				"accrued", fmt.Sprintf("%d / %d", status.Accrued, status.Target),
				"progress", fmt.Sprintf("%s %.0f%%", progressBar(status.Accrued, status.Target, 20), status.Progress*100),
				"groups", fmt.Sprintf("%d control, %d treatment", status.Control, status.Treatment),
				"expected days", fmt.Sprint(status.ExpectedDays),
			)
			if status.Ready {
				p.Verdict(true, "Sample size reached, ready to analyze")
			}
			return nil
		}),
	}
}

func newAnalyzeCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze RUN_ID",
		Short: "Run the chi-square test on the observed outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: rt.withApp(func(cmd *cobra.Command, args []string, app *App) error {
			runID, err := runIDArg(args)
			if err != nil {
				return err
			}
			res, err := command.NewAnalyzeRunHandler(app.deps()).Handle(cmd.Context(), command.AnalyzeRunCommand{RunID: runID})
			if err != nil {
				return err
			}
			p := rt.printer(cmd)
			if ok, err := p.JSON(res.Result); ok {
				return err
			}

			r := res.Result
			p.Title("Run %s analyzed", res.Run.ID)
			p.Table(
				[]string{"GROUP", "SUBJECTS", "COMPLETED", "RATE"},
				[][]string{
					{"control", fmt.Sprint(r.Control.Total), fmt.Sprint(r.Control.Completed), formatRate(r.Control.CompletionRate)},
					{"treatment", fmt.Sprint(r.Treatment.Total), fmt.Sprint(r.Treatment.Completed), formatRate(r.Treatment.CompletionRate)},
				},
			)
			p.Fields(
				"chi-square", fmt.Sprintf("%.4f (df=%d)", r.ChiSquare, r.DegreesOfFreedom),
				"p-value", formatPValue(r.PValue),
				"alpha", fmt.Sprint(r.Alpha),
				"accrued", fmt.Sprintf("%d / %d", res.Accrued, res.Run.Plan.TotalRequiredN),
			)
			if !res.Ready {
				p.Line("%s", p.style.warn.Render("Planned sample size not reached yet; treat the result as interim."))
			}
			if r.MinExpected < 5 {
				p.Line("%s", p.style.warn.Render(fmt.Sprintf("Smallest expected cell count is %.1f; the chi-square approximation is unreliable.", r.MinExpected)))
			}
			if r.Significant {
				p.Verdict(true, "Significant: reminders change the completion rate")
			} else {
				p.Verdict(false, "Not significant")
			}
			return nil
		}),
	}
}

func newResetCmd(rt *runtime) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset RUN_ID",
		Short: "Delete the run's assignments and outcomes",
		Long: `reset deletes every assignment of the run and the outcomes of its
subjects, then marks the run as reset. A run that is still collecting
data needs --force.`,
		Args: cobra.ExactArgs(1),
		RunE: rt.withApp(func(cmd *cobra.Command, args []string, app *App) error {
			runID, err := runIDArg(args)
			if err != nil {
				return err
			}
			res, err := command.NewResetRunHandler(app.deps()).Handle(cmd.Context(), command.ResetRunCommand{RunID: runID, Force: force})
			if err != nil {
				return err
			}
			p := rt.printer(cmd)
			if ok, err := p.JSON(res.Run); ok {
				return err
			}
			p.Title("Run %s reset", res.Run.ID)
			p.Fields("previous phase", string(res.PreviousPhase), "discarded outcomes", fmt.Sprint(res.Accrued))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "reset a run that is still collecting data")
	return cmd
}

func newRunsCmd(rt *runtime) *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: rt.withApp(func(cmd *cobra.Command, _ []string, app *App) error {
			filter := experiment.Phase(phase)
			if filter != "" && !filter.IsValid() {
				return shared.WrapError("cli", "ListRuns", shared.ErrInvalidInput, fmt.Sprintf("unknown phase %q", phase), nil)
			}
			runs, err := query.NewRunsHandler(app.Store).List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			p := rt.printer(cmd)
			if ok, err := p.JSON(runs); ok {
				return err
			}
			if len(runs) == 0 {
				p.Line("%s", p.style.muted.Render("no runs"))
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				rows = append(rows, runRow(run))
			}
			p.Table([]string{"ID", "NAME", "PHASE", "TARGET", "GROUPS", "CREATED"}, rows)
			return nil
		}),
	}
	cmd.Flags().StringVar(&phase, "phase", "", "only runs in this phase")
	return cmd
}
