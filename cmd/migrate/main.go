// Command migrate applies, reverts and reports on domain-scoped database migrations.
//
// Usage:
//
//	migrate latest   auth,example
//	migrate status   auth example
//	migrate status
//	migrate rollback example
//	migrate remove   auth,example
//	migrate up       example-02-tags.sql
//	migrate down     example-02-tags.sql
//	migrate create   example tags
//
// Connection settings come from flags or MIGRATE_* environment variables;
// a .env file in the working directory is loaded first. MySQL DSNs need
// parseTime=true and multiStatements=true.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/NotCoffee418/domainmigrator"
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if domainmigrator.IsUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Domain-scoped database migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Reached only when no subcommand matched.
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return &domainmigrator.UsageError{Msg: "missing action"}
			}
			return &domainmigrator.UsageError{Msg: fmt.Sprintf("unknown action %q", args[0])}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return &domainmigrator.UsageError{Msg: "missing action"}
		},
	}
	registerFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		actionCmd(domainmigrator.ActionLatest, "latest <domain[,domain...]>", "Apply all pending migrations, in the given domain order"),
		actionCmd(domainmigrator.ActionStatus, "status [domain[,domain...]]", "Show applied and pending migrations, of every domain if none are named"),
		actionCmd(domainmigrator.ActionRollback, "rollback <domain[,domain...]>", "Revert the domains' migrations from the most recent batch"),
		actionCmd(domainmigrator.ActionRemove, "remove <domain[,domain...]>", "Revert every applied migration of the domains"),
		actionCmd(domainmigrator.ActionUp, "up <domain-NN-name.sql>", "Apply a single migration"),
		actionCmd(domainmigrator.ActionDown, "down <domain-NN-name.sql>", "Revert a single migration"),
		actionCmd(domainmigrator.ActionCreate, "create <domain> <name>", "Create a new empty migration file"),
	)
	return rootCmd
}

func actionCmd(action domainmigrator.Action, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args: func(cmd *cobra.Command, args []string) error {
			_, err := domainmigrator.ParseCommand(append([]string{string(action)}, args...))
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := domainmigrator.ParseCommand(append([]string{string(action)}, args...))
			if err != nil {
				return err
			}

			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return &domainmigrator.UsageError{Msg: err.Error()}
			}
			if err := setupLogging(cfg); err != nil {
				return &domainmigrator.UsageError{Msg: err.Error()}
			}
			return run(cmd.Context(), cfg, parsed)
		},
	}
}

func run(ctx context.Context, cfg config, cmd domainmigrator.Command) error {
	runner := &domainmigrator.Runner{
		Root:          cfg.Dir,
		MigrationsDir: cfg.MigrationsDir,
		Table:         cfg.Table,
		Logger:        log.StandardLogger(),
		Out:           os.Stdout,
	}
	if cmd.Action == domainmigrator.ActionCreate {
		return runner.Run(ctx, cmd)
	}

	if err := cfg.requireDatabase(); err != nil {
		return &domainmigrator.UsageError{Msg: err.Error()}
	}
	queries, err := domainmigrator.DialectForDriver(cfg.Driver)
	if err != nil {
		return &domainmigrator.UsageError{Msg: err.Error()}
	}

	db, err := sqlx.Open(queries.Driver, cfg.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	runner.DB = db
	runner.Queries = queries
	return runner.Run(ctx, cmd)
}
