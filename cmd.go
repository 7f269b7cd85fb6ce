package domainmigrator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Action is a migrate subcommand.
type Action string

const (
	ActionLatest   Action = "latest"
	ActionStatus   Action = "status"
	ActionRollback Action = "rollback"
	ActionRemove   Action = "remove"
	ActionUp       Action = "up"
	ActionDown     Action = "down"
	ActionCreate   Action = "create"
)

// Command is a validated migrate invocation.
type Command struct {
	Action  Action
	Domains []string // latest, status, rollback, remove; create uses Domains[0]; empty status means all
	File    string   // up, down
	Name    string   // create
}

// ParseCommand validates args of the form `<action> <arguments...>`.
// It never touches the database; any problem is a *UsageError.
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, &UsageError{Msg: "missing action"}
	}
	cmd := Command{Action: Action(args[0])}
	rest := args[1:]

	switch cmd.Action {
	case ActionStatus:
		// No domains means every known domain.
		if len(rest) == 0 {
			break
		}
		domains, err := ParseDomains(rest...)
		if err != nil {
			return Command{}, err
		}
		cmd.Domains = domains
	case ActionLatest, ActionRollback, ActionRemove:
		domains, err := ParseDomains(rest...)
		if err != nil {
			return Command{}, err
		}
		cmd.Domains = domains
	case ActionUp, ActionDown:
		if len(rest) != 1 {
			return Command{}, &UsageError{Msg: fmt.Sprintf("%s takes exactly one migration file name", cmd.Action)}
		}
		if !strings.HasSuffix(rest[0], MigrationExt) {
			return Command{}, &UsageError{Msg: fmt.Sprintf("%q is not a migration file name: must end in %s", rest[0], MigrationExt)}
		}
		if _, err := ParseMigrationID(rest[0]); err != nil {
			return Command{}, &UsageError{Msg: err.Error()}
		}
		cmd.File = rest[0]
	case ActionCreate:
		if len(rest) != 2 {
			return Command{}, &UsageError{Msg: "create takes a domain and a migration name"}
		}
		if err := ValidateDomain(rest[0]); err != nil {
			return Command{}, &UsageError{Msg: err.Error()}
		}
		if err := ValidateMigrationName(rest[1]); err != nil {
			return Command{}, &UsageError{Msg: err.Error()}
		}
		cmd.Domains = []string{rest[0]}
		cmd.Name = rest[1]
	default:
		return Command{}, &UsageError{Msg: fmt.Sprintf("unknown action %q", args[0])}
	}
	return cmd, nil
}

// ParseDomains splits comma and space separated domain lists.
// Order is kept and repeated domains are dropped.
func ParseDomains(args ...string) ([]string, error) {
	seen := make(map[string]struct{})
	var domains []string
	for _, arg := range args {
		for _, token := range strings.FieldsFunc(arg, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		}) {
			if err := ValidateDomain(token); err != nil {
				return nil, &UsageError{Msg: err.Error()}
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			domains = append(domains, token)
		}
	}
	if len(domains) == 0 {
		return nil, &UsageError{Msg: "at least one domain is required"}
	}
	return domains, nil
}

// Runner executes commands against one database.
type Runner struct {
	DB      *sqlx.DB
	Queries *MigrationQueryDefinition

	// Root is the directory holding domain directories. create writes here.
	Root string
	// FS is read for migrations; defaults to os.DirFS(Root).
	FS            fs.FS
	MigrationsDir string
	Table         string

	// Register adds compiled-in migrations to the registry of every run.
	Register func(*Registry) error

	Logger logrus.FieldLogger
	Out    io.Writer
}

func (r *Runner) out() io.Writer {
	if r.Out == nil {
		return os.Stdout
	}
	return r.Out
}

func (r *Runner) registry() (*Registry, error) {
	fsys := r.FS
	if fsys == nil {
		fsys = os.DirFS(r.Root)
	}
	registry := NewRegistry(fsys, WithMigrationsDir(r.MigrationsDir))
	if r.Register != nil {
		if err := r.Register(registry); err != nil {
			return nil, &DiscoveryError{Err: err}
		}
	}
	return registry, nil
}

// Run executes cmd. One connection is held for the whole run and closed on return.
func (r *Runner) Run(ctx context.Context, cmd Command) (err error) {
	if cmd.Action == ActionCreate {
		file, err := Scaffold(r.Root, cmd.Domains[0], cmd.Name, WithMigrationsDir(r.MigrationsDir))
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out(), "Created %s\n", file)
		return nil
	}

	registry, err := r.registry()
	if err != nil {
		return err
	}

	conn, err := r.DB.Connx(ctx)
	if err != nil {
		return &LedgerError{Op: "connect", Err: err}
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("closing connection: %w", cerr)).ErrorOrNil()
		}
	}()

	table := r.Table
	if table == "" {
		table = DefaultLedgerTable
	}
	ledger, err := NewSQLLedger(conn, r.Queries, WithTable(table))
	if err != nil {
		return &UsageError{Msg: err.Error()}
	}

	var opts []Option
	if r.Logger != nil {
		opts = append(opts, WithLogger(r.Logger))
	}
	return Execute(ctx, cmd, New(ledger, registry, conn, opts...), r.out())
}

// Execute dispatches a parsed command to o and writes the outcome to out.
// Reports of failed runs are written too, so operators see what completed.
func Execute(ctx context.Context, cmd Command, o *Orchestrator, out io.Writer) error {
	var (
		report *Report
		err    error
	)
	switch cmd.Action {
	case ActionLatest:
		report, err = o.Latest(ctx, cmd.Domains)
	case ActionRollback:
		report, err = o.RollbackLastBatch(ctx, cmd.Domains)
	case ActionRemove:
		report, err = o.RemoveAll(ctx, cmd.Domains)
	case ActionUp:
		report, err = o.ApplySingle(ctx, cmd.File)
	case ActionDown:
		report, err = o.RevertSingle(ctx, cmd.File)
	case ActionStatus:
		statuses, err := o.Status(ctx, cmd.Domains)
		if werr := WriteStatus(out, statuses); werr != nil && err == nil {
			err = werr
		}
		return err
	default:
		return &UsageError{Msg: fmt.Sprintf("action %q cannot be executed here", cmd.Action)}
	}

	if report != nil {
		if _, werr := report.WriteTo(out); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// WriteStatus renders domain statuses as a table.
func WriteStatus(out io.Writer, statuses []DomainStatus) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tMIGRATION\tSTATUS")
	fmt.Fprintln(w, "------\t---------\t------")
	for _, status := range statuses {
		if status.Note != "" {
			fmt.Fprintf(w, "%s\t-\t%s\n", status.Domain, status.Note)
			continue
		}
		for i, id := range status.Applied {
			state := "applied"
			if i < len(status.Entries) && status.Entries[i].Batch > 0 {
				entry := status.Entries[i]
				state = fmt.Sprintf("applied (batch %d, %s)", entry.Batch, entry.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", status.Domain, id, state)
		}
		for _, id := range status.Pending {
			fmt.Fprintf(w, "%s\t%s\tpending\n", status.Domain, id)
		}
	}
	for _, status := range statuses {
		fmt.Fprintf(w, "%s: %d applied, %d pending\n", status.Domain, len(status.Applied), len(status.Pending))
	}
	return w.Flush()
}

// HandleMigratorCommand is intended to be hooked into main.go
// to display help and migrate based on args for manual migrations.
// This function is optional but can be used as part of a CLI interface.
//
// Param: args - os.Args[1:] from main.go, e.g. `migrate latest auth,example`
//
// Returns: boolean indicating if a command was actionable,
// and the error of the command if it was run.
func HandleMigratorCommand(ctx context.Context, runner *Runner, args ...string) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}
	switch args[0] {
	case "help":
		fmt.Fprintln(runner.out(), GetHelpString())
		return true, nil
	case "migrate":
		cmd, err := ParseCommand(args[1:])
		if err != nil {
			return true, err
		}
		return true, runner.Run(ctx, cmd)
	default:
		return false, nil
	}
}

func GetHelpString() string {
	return `
	migrate latest   <domain[,domain...]>   - Apply all pending migrations, in the given domain order.
	migrate status   [domain[,domain...]]   - Show applied and pending migrations, of every domain if none are named.
	migrate rollback <domain[,domain...]>   - Revert the domains' migrations from the most recent batch.
	migrate remove   <domain[,domain...]>   - Revert every applied migration of the domains, last domain first.
	migrate up       <domain-NN-name.sql>   - Apply a single migration.
	migrate down     <domain-NN-name.sql>   - Revert a single migration.
	migrate create   <domain> <name>        - Create a new empty migration file.`
}
