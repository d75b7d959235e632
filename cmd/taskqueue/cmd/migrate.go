package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bargom/taskqueue/internal/config"
	"github.com/bargom/taskqueue/internal/taskqueue/backend/sqlite"
	"github.com/bargom/taskqueue/pkg/logging"
)

// newMigrateCmd creates the migrate command with subcommands.
func newMigrateCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the embedded backend schema",
		Long: `Apply, roll back or inspect the schema migrations of the embedded
SQLite backend. The worker applies pending migrations on start; these
commands are for operators who manage the schema explicitly.`,
	}

	cmd.AddCommand(newMigrateUpCmd(o))
	cmd.AddCommand(newMigrateDownCmd(o))
	cmd.AddCommand(newMigrateStatusCmd(o))

	return cmd
}

func newMigrateUpCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withMigrator(cmd, func(m *sqlite.Migrator) error {
				if err := m.MigrateUp(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
				return nil
			})
		},
	}
}

func newMigrateDownCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the last applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withMigrator(cmd, func(m *sqlite.Migrator) error {
				if err := m.MigrateDown(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Rolled back last migration")
				return nil
			})
		},
	}
}

// migrationStatus is the JSON form of a migration.
type migrationStatus struct {
	Version   string     `json:"version"`
	Name      string     `json:"name"`
	AppliedAt *time.Time `json:"applied_at"`
}

func newMigrateStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withMigrator(cmd, func(m *sqlite.Migrator) error {
				migrations, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}

				if o.jsonOutput() {
					out := make([]migrationStatus, len(migrations))
					for i, mig := range migrations {
						out[i] = migrationStatus{Version: mig.Version, Name: mig.Name, AppliedAt: mig.AppliedAt}
					}
					return printJSON(cmd, out)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
				for _, mig := range migrations {
					applied := "pending"
					if mig.AppliedAt != nil {
						applied = mig.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", mig.Version, mig.Name, applied)
				}
				return w.Flush()
			})
		},
	}
}

// withMigrator opens the embedded database without applying migrations and
// hands a migrator to fn.
func (o *rootOptions) withMigrator(cmd *cobra.Command, fn func(*sqlite.Migrator) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Backend.Type != config.BackendEmbedded {
		return fmt.Errorf("migrate requires the embedded backend, not %s", cfg.Backend.Type)
	}

	logger := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
	b, err := sqlite.Open(cmd.Context(), cfg.Backend.SQLite.Path,
		sqlite.WithoutMigrations(),
		sqlite.WithLogger(logger.Logger),
	)
	if err != nil {
		return err
	}
	defer b.Close()

	return fn(sqlite.NewMigrator(b.DB()))
}
