package cli

import (
	"fmt"

	"github.com/admissions-lab/reminder-ab/internal/application/query"

	"github.com/spf13/cobra"
)

func newPlanCmd(rt *runtime) *cobra.Command {
	var (
		flags     configureFlags
		reachDays int
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Size an experiment without creating a run",
		Long: `plan computes the sample size per group and the expected duration.
With --reach-days it also estimates the probability of collecting the
sample within that many days from the variability of daily arrivals.`,
		Example: `  abtest plan --effect-size 0.2
  abtest plan --effect-size 0.1 --ratio 2 --daily-rate 40 --reach-days 60`,
		Args: cobra.NoArgs,
		RunE: rt.withApp(func(cmd *cobra.Command, _ []string, app *App) error {
			cfg := flags.apply(cmd, app)
			res, err := query.NewPlanExperimentHandler(app.Store, app.Planner).Handle(cmd.Context(), query.PlanExperimentQuery{
				EffectSize: cfg.EffectSize,
				Alpha:      cfg.Alpha,
				Power:      cfg.Power,
				GroupRatio: cfg.GroupRatio,
				DailyRate:  cfg.HistoricalDailyRate,
				RateWindow: cfg.RateWindow,
				ReachDays:  reachDays,
			})
			if err != nil {
				return err
			}

			p := rt.printer(cmd)
			if ok, err := p.JSON(res); ok {
				return err
			}
			p.Title("Experiment plan")
			p.Fields(
				"effect size", fmt.Sprint(res.Plan.EffectSize),
				"alpha / power", fmt.Sprintf("%v / %v", res.Plan.Alpha, res.Plan.Power),
				"control", fmt.Sprint(res.Plan.RequiredNPerGroup),
				"treatment", fmt.Sprint(res.Plan.RequiredNTreatment),
				"total", fmt.Sprint(res.Plan.TotalRequiredN),
				"daily rate", fmt.Sprintf("%.2f", res.Forecast.DailyRateUsed),
				"expected days", fmt.Sprint(res.Forecast.ExpectedDays),
			)
			if res.Arrivals != nil {
				p.Fields("arrivals", fmt.Sprintf("mean %.2f, sd %.2f over %d days", res.Arrivals.Mean, res.Arrivals.StdDev, res.Arrivals.Days))
			}
			if res.ReachProbability != nil {
				p.Fields(fmt.Sprintf("P(done in %dd)", reachDays), fmt.Sprintf("%.1f%%", *res.ReachProbability*100))
			}
			return nil
		}),
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&reachDays, "reach-days", 0, "estimate the chance of finishing within this many days")
	return cmd
}
