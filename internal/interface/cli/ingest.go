package cli

import (
	"fmt"

	"github.com/admissions-lab/reminder-ab/internal/application/command"

	"github.com/spf13/cobra"
)

// ══════════════════════════════════════════════════════════════════════════════
// OBSERVATION INGEST
// ══════════════════════════════════════════════════════════════════════════════

func newSubjectCmd(rt *runtime) *cobra.Command {
	var arrivedAt string
	cmd := &cobra.Command{
		Use:   "subject SUBJECT_ID",
		Short: "Record an applicant who has not yet taken the quiz",
		Args:  cobra.ExactArgs(1),
		RunE: rt.withApp(func(cmd *cobra.Command, args []string, app *App) error {
			at, err := parseTime(arrivedAt)
			if err != nil {
				return err
			}
			if at.IsZero() {
				at = app.Clock.Now()
			}
			h := command.NewRecordObservationHandler(app.Store, app.Log, app.Clock)
			if err := h.RecordSubject(cmd.Context(), command.RecordSubjectCommand{SubjectID: args[0], ArrivedAt: at}); err != nil {
				return err
			}
			p := rt.printer(cmd)
			if ok, err := p.JSON(map[string]any{"subject_id": args[0], "arrived_at": at}); ok {
				return err
			}
			p.Line("subject %s recorded, arrived %s", args[0], formatTime(at))
			return nil
		}),
	}
	cmd.Flags().StringVar(&arrivedAt, "arrived-at", "", "arrival time, RFC 3339 or YYYY-MM-DD (default now)")
	return cmd
}

func newOutcomeCmd(rt *runtime) *cobra.Command {
	var (
		completed  bool
		observedAt string
	)
	cmd := &cobra.Command{
		Use:   "outcome SUBJECT_ID",
		Short: "Record whether a subject completed the quiz",
		Example: `  abtest outcome s-123 --completed
  abtest outcome s-124 --completed=false --observed-at 2024-05-10`,
		Args: cobra.ExactArgs(1),
		RunE: rt.withApp(func(cmd *cobra.Command, args []string, app *App) error {
			at, err := parseTime(observedAt)
			if err != nil {
				return err
			}
			h := command.NewRecordObservationHandler(app.Store, app.Log, app.Clock)
			if err := h.RecordOutcome(cmd.Context(), command.RecordOutcomeCommand{
				SubjectID:  args[0],
				Completed:  completed,
				ObservedAt: at,
			}); err != nil {
				return err
			}
			p := rt.printer(cmd)
			if ok, err := p.JSON(map[string]any{"subject_id": args[0], "completed": completed}); ok {
				return err
			}
			p.Line("outcome of %s recorded, completed=%t", args[0], completed)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&completed, "completed", false, "the subject completed the quiz")
	cmd.Flags().StringVar(&observedAt, "observed-at", "", "observation time (default now)")
	return cmd
}

func newSeedCmd(rt *runtime) *cobra.Command {
	var (
		seedCmd command.SeedSubjectsCommand
		end     string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the store with a synthetic applicant funnel",
		Long: `seed generates Poisson-distributed daily arrivals ending at --end.
A fraction of the subjects get an outcome right away; the rest stay
eligible for assignment.`,
		Args: cobra.NoArgs,
		RunE: rt.withApp(func(cmd *cobra.Command, _ []string, app *App) error {
			var err error
			if seedCmd.End, err = parseTime(end); err != nil {
				return err
			}
			res, err := command.NewSeedSubjectsHandler(app.Store, app.Log, app.Clock).Handle(cmd.Context(), seedCmd)
			if err != nil {
				return err
			}
			p := rt.printer(cmd)
			if ok, err := p.JSON(res); ok {
				return err
			}
			p.Title("Seeded %d subjects", res.Subjects)
			p.Fields(
				"observed", fmt.Sprint(res.Observed),
				"completed", fmt.Sprint(res.Completed),
				"eligible", fmt.Sprint(res.Subjects-res.Observed),
			)
			return nil
		}),
	}
	fs := cmd.Flags()
	fs.IntVar(&seedCmd.Days, "days", 30, "days of history")
	fs.Float64Var(&seedCmd.DailyRate, "daily-rate", 20, "mean arrivals per day")
	fs.Float64Var(&seedCmd.ObservedFraction, "observed", 0.5, "fraction of subjects observed right away")
	fs.Float64Var(&seedCmd.CompletionRate, "completion", 0.3, "completion rate of observed subjects")
	fs.Int64Var(&seedCmd.Seed, "seed", 1, "random seed")
	fs.StringVar(&end, "end", "", "last day of history (default today)")
	return cmd
}
