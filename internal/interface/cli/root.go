// Package cli implements the abtest command line: planning, run lifecycle,
// observation ingest, the accrual watcher and database maintenance.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/admissions-lab/reminder-ab/config"
	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/timeutil"

	"github.com/spf13/cobra"
)

// Exit codes returned by ExitCode.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInvalid     = 2
	ExitState       = 3
	ExitNotFound    = 4
	ExitUnavailable = 5
)

// Options customize the command tree. Zero values use the process
// environment.
type Options struct {
	Out io.Writer
	Err io.Writer

	Clock timeutil.Clock

	// Config replaces loading from the file and environment.
	Config *config.Config

	// Store replaces the configured backend.
	Store experiment.Store
}

// runtime is shared by every subcommand of one invocation.
type runtime struct {
	opts Options

	configPath string
	backend    string
	logLevel   string
	asJSON     bool

	app *App
}

// NewRootCommand builds the abtest command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	rt := &runtime{opts: opts}

	root := &cobra.Command{
		Use:   "abtest",
		Short: "Plan, run and analyze A/B tests of quiz reminder emails",
		Long: `abtest sizes an experiment with a power analysis, splits eligible
applicants into control and treatment groups, tracks how many outcomes
have been observed and runs a chi-square test once enough data exists.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	flags := root.PersistentFlags()
	flags.StringVar(&rt.configPath, "config", "", "YAML config file (overrides "+config.ConfigFileEnv+")")
	flags.StringVar(&rt.backend, "backend", "", "store backend: memory, sqlite or postgres")
	flags.StringVar(&rt.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.BoolVar(&rt.asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		newPlanCmd(rt),
		newCreateCmd(rt),
		newConfigureCmd(rt),
		newAssignCmd(rt),
		newStatusCmd(rt),
		newAnalyzeCmd(rt),
		newResetCmd(rt),
		newRunsCmd(rt),
		newSubjectCmd(rt),
		newOutcomeCmd(rt),
		newSeedCmd(rt),
		newWatchCmd(rt),
		newMigrateCmd(rt),
		newVersionCmd(rt),
	)
	return root
}

// Execute runs the command tree with os.Args and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRootCommand(Options{})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitCode(err)
	}
	return ExitOK
}

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case shared.IsValidation(err):
		return ExitInvalid
	case shared.IsStateError(err), shared.IsAlreadyExists(err):
		return ExitState
	case shared.IsNotFound(err):
		return ExitNotFound
	case shared.IsExternalService(err):
		return ExitUnavailable
	default:
		return ExitFailure
	}
}

func (rt *runtime) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if rt.opts.Config != nil {
		copied := *rt.opts.Config
		cfg = &copied
	} else {
		var err error
		if rt.configPath != "" {
			cfg, err = config.LoadFile(rt.configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return nil, err
		}
	}

	if rt.backend != "" {
		cfg.Store.Backend = config.StoreBackend(strings.ToLower(rt.backend))
	}
	if rt.logLevel != "" {
		cfg.Observability.LogLevel = rt.logLevel
	}
	return cfg, nil
}

func (rt *runtime) open(ctx context.Context) error {
	if rt.app != nil {
		return nil
	}
	cfg, err := rt.loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := NewApp(ctx, cfg, rt.opts.Store, rt.opts.Clock, rt.opts.Err)
	if err != nil {
		return err
	}
	rt.app = app
	return nil
}

func (rt *runtime) close() error {
	if rt.app == nil {
		return nil
	}
	err := rt.app.Close()
	rt.app = nil
	return err
}

// appFunc is the body of a command that needs the wired application.
type appFunc func(cmd *cobra.Command, args []string, app *App) error

// withApp opens the application for the duration of fn.
func (rt *runtime) withApp(fn appFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		if err := rt.open(cmd.Context()); err != nil {
			return err
		}
		defer func() { err = errors.Join(err, rt.close()) }()
		return fn(cmd, args, rt.app)
	}
}

func (rt *runtime) printer(cmd *cobra.Command) *printer {
	return newPrinter(cmd.OutOrStdout(), rt.asJSON)
}

// ─────────────────────────────────────────────────────────────────────────────
// Flag helpers
// ─────────────────────────────────────────────────────────────────────────────

// parseTime accepts RFC 3339 timestamps and YYYY-MM-DD dates. An empty
// value yields the zero time.
func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := timeutil.ParseDate(value)
	if err != nil {
		return time.Time{}, shared.WrapError("cli", "ParseTime", shared.ErrInvalidInput,
			fmt.Sprintf("time %q: want RFC 3339 or YYYY-MM-DD", value), err)
	}
	return t, nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

var errNoRunID = errors.New("run ID is required")

func runIDArg(args []string) (string, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", shared.ErrInvalidRunID.Wrap(errNoRunID)
	}
	return strings.TrimSpace(args[0]), nil
}
