package cli

import (
	"context"
	"fmt"

	"github.com/admissions-lab/reminder-ab/config"
	"github.com/admissions-lab/reminder-ab/internal/infrastructure/persistence/postgres"

	"github.com/spf13/cobra"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATE
// Postgres schema maintenance. SQLite and memory stores apply their schema
// when opened.
// ══════════════════════════════════════════════════════════════════════════════

func newMigrateCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: rt.withMigrator(func(cmd *cobra.Command, m *postgres.Migrator) error {
				applied, err := m.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				rt.printer(cmd).Line("%d migration(s) applied", applied)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: rt.withMigrator(func(cmd *cobra.Command, m *postgres.Migrator) error {
				if err := m.Rollback(cmd.Context()); err != nil {
					return err
				}
				rt.printer(cmd).Line("latest migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and when they were applied",
			Args:  cobra.NoArgs,
			RunE: rt.withMigrator(func(cmd *cobra.Command, m *postgres.Migrator) error {
				migrations, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				p := rt.printer(cmd)
				if ok, err := p.JSON(migrations); ok {
					return err
				}
				rows := make([][]string, 0, len(migrations))
				for _, mig := range migrations {
					applied := "pending"
					if mig.IsApplied {
						applied = formatTime(mig.AppliedAt)
					}
					rows = append(rows, []string{fmt.Sprintf("%03d", mig.Version), mig.Name, applied})
				}
				p.Table([]string{"VERSION", "NAME", "APPLIED"}, rows)
				return nil
			}),
		},
	)
	return cmd
}

// withMigrator connects to postgres without applying migrations and hands a
// migrator to fn.
func (rt *runtime) withMigrator(fn func(cmd *cobra.Command, m *postgres.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := rt.loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Backend != config.BackendPostgres {
			rt.printer(cmd).Line("%s backend applies its schema on open; nothing to migrate", cfg.Store.Backend)
			return nil
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		conn, err := postgres.NewConnection(ctx, postgresConfig(cfg.Database))
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer conn.Close()

		m := postgres.NewMigrator(conn)
		if err := m.EnsureMigrationTable(ctx); err != nil {
			return err
		}
		return fn(cmd, m)
	}
}
