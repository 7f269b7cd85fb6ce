package domainmigrator

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MigrationExt is the extension of migration files on disk.
const MigrationExt = ".sql"

var (
	domainRx        = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	migrationNameRx = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	migrationIDRx   = regexp.MustCompile(`^([a-z][a-z0-9_]*)-(\d+)-([a-z0-9][a-z0-9_-]*)$`)
)

// Conn is the single connection a run executes on.
// *sql.Conn and *sql.DB both satisfy it.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Operation is one direction of a migration.
type Operation func(ctx context.Context, conn Conn) error

// MigrationID identifies a migration across all domains.
// Its String form is the ledger key.
type MigrationID struct {
	Domain   string
	Sequence int
	Name     string
}

// String returns the canonical `{domain}-{NN}-{name}` form.
func (id MigrationID) String() string {
	return fmt.Sprintf("%s-%02d-%s", id.Domain, id.Sequence, id.Name)
}

// Filename returns the on-disk file name for the migration.
func (id MigrationID) Filename() string {
	return id.String() + MigrationExt
}

// ParseMigrationID parses a canonical migration name.
// A trailing .sql extension is accepted and ignored.
func ParseMigrationID(name string) (MigrationID, error) {
	matches := migrationIDRx.FindStringSubmatch(strings.TrimSuffix(name, MigrationExt))
	if matches == nil {
		return MigrationID{}, fmt.Errorf("%w: %q (expected {domain}-{NN}-{name}%s)",
			ErrInvalidMigrationFile, name, MigrationExt)
	}
	seq, err := strconv.Atoi(matches[2])
	if err != nil || seq <= 0 {
		return MigrationID{}, fmt.Errorf("%w: %q has invalid sequence %q",
			ErrInvalidMigrationFile, name, matches[2])
	}
	return MigrationID{Domain: matches[1], Sequence: seq, Name: matches[3]}, nil
}

// ValidateDomain reports whether domain is a usable domain identifier.
func ValidateDomain(domain string) error {
	if !domainRx.MatchString(domain) {
		return fmt.Errorf("invalid domain %q: must start with a lowercase letter and contain only lowercase letters, digits and underscores", domain)
	}
	return nil
}

// ValidateMigrationName reports whether name is a usable migration slug.
func ValidateMigrationName(name string) error {
	if !migrationNameRx.MatchString(name) {
		return fmt.Errorf("invalid migration name %q: use lowercase letters, digits, '-' and '_'", name)
	}
	return nil
}

// Migration is a registered schema change with its forward and backward operation.
type Migration struct {
	ID     MigrationID
	Up     Operation
	Down   Operation
	Source string // file path, or "code" for compiled-in migrations
}

// LedgerEntry is one row of the ledger table.
type LedgerEntry struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Batch     int       `db:"batch"`
	AppliedAt time.Time `db:"applied_at"`
}

// DomainStatus is the applied/pending partition of one domain.
type DomainStatus struct {
	Domain  string
	Applied []MigrationID
	Pending []MigrationID
	Entries []LedgerEntry // ledger rows of Applied, in the same order
	Note    string
}
