package main

import (
	"PerpRisk/internal/config"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/projection"
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type options struct {
	dsn   string
	dir   string
	level string
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the perprisk Postgres schema",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Flags win over PERP_* env and .env.
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("dsn") {
				opts.dsn = cfg.PostgresDSN
			}
			if !cmd.Flags().Changed("dir") {
				opts.dir = cfg.MigrationsDir
			}
			if opts.dsn == "" {
				return fmt.Errorf("no Postgres DSN: set --dsn or PERP_POSTGRES_DSN")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "Postgres connection string (default $PERP_POSTGRES_DSN)")
	root.PersistentFlags().StringVar(&opts.dir, "dir", "migrations", "migrations directory (default $PERP_MIGRATIONS_DIR)")
	root.PersistentFlags().StringVar(&opts.level, "log-level", "info", "log level")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(opts, func(ctx context.Context, m *persistence.Migrator, _ *sql.DB, _ zerolog.Logger) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(opts, func(ctx context.Context, m *persistence.Migrator, _ *sql.DB, _ zerolog.Logger) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: withMigrator(opts, func(ctx context.Context, m *persistence.Migrator, _ *sql.DB, _ zerolog.Logger) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tAPPLIED\tFILE")
				for _, s := range statuses {
					fmt.Fprintf(tw, "%s\t%t\t%s\n", s.Version, s.Applied, s.Filename)
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "rebuild-projections",
			Short: "Rebuild funding and liquidation history from the event log",
			Args:  cobra.NoArgs,
			RunE: withMigrator(opts, func(ctx context.Context, _ *persistence.Migrator, db *sql.DB, logger zerolog.Logger) error {
				return projection.RebuildHistory(ctx, db, logger)
			}),
		},
	)
	return root
}

func withMigrator(opts *options, fn func(context.Context, *persistence.Migrator, *sql.DB, zerolog.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		logger := observability.NewLoggerTo(os.Stderr, "migrate", observability.ParseLogLevel(opts.level))

		db, err := sql.Open("postgres", opts.dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		ctx := cmd.Context()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping db: %w", err)
		}
		return fn(ctx, persistence.NewMigrator(db, opts.dir, logger), db, logger)
	}
}
