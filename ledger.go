package domainmigrator

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// Ledger is the persistent record of applied migrations, shared by all domains.
// A row's presence means the migration is currently applied.
type Ledger interface {
	// EnsureExists creates the ledger table if it is absent. Safe to call on every run.
	EnsureExists(ctx context.Context) error

	// ListApplied returns every recorded name in insertion order.
	ListApplied(ctx context.Context) ([]string, error)

	// LatestBatchNumber returns the highest batch recorded, or 0 for an empty ledger.
	LatestBatchNumber(ctx context.Context) (int, error)

	// RecordApplication inserts a row for name.
	// Returns a *LedgerError wrapping ErrAlreadyRecorded if name is already present.
	RecordApplication(ctx context.Context, name string, batch int) error

	// RemoveApplication deletes the row for name. Absent rows are not an error.
	RemoveApplication(ctx context.Context, name string) error

	// RowsInBatch returns the rows of batch whose name is one of candidates.
	RowsInBatch(ctx context.Context, batch int, candidates []string) ([]LedgerEntry, error)

	// Entries returns all rows in insertion order.
	Entries(ctx context.Context) ([]LedgerEntry, error)
}

// LedgerConn is what the SQL ledger needs from a connection.
// *sqlx.Conn, *sqlx.DB and *sqlx.Tx all satisfy it.
type LedgerConn interface {
	sqlx.ExecerContext
	sqlx.QueryerContext
}

// SQLLedger keeps the ledger in a table of the target database.
type SQLLedger struct {
	conn    LedgerConn
	queries *MigrationQueryDefinition
	table   string
	clock   clock.Clock
}

// LedgerOption configures a SQLLedger.
type LedgerOption func(*SQLLedger)

// WithTable overrides the ledger table name.
func WithTable(table string) LedgerOption {
	return func(l *SQLLedger) { l.table = table }
}

// WithClock sets the clock used for applied_at timestamps.
func WithClock(c clock.Clock) LedgerOption {
	return func(l *SQLLedger) { l.clock = c }
}

// NewSQLLedger returns a ledger stored in conn using the given dialect.
func NewSQLLedger(conn LedgerConn, queries *MigrationQueryDefinition, opts ...LedgerOption) (*SQLLedger, error) {
	l := &SQLLedger{
		conn:    conn,
		queries: queries,
		table:   DefaultLedgerTable,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := validateTableName(l.table); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLLedger) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(l.queries.Placeholder)
}

func (l *SQLLedger) EnsureExists(ctx context.Context) error {
	// Exist check
	var exists bool
	err := l.conn.
		QueryRowxContext(ctx, fmt.Sprintf(l.queries.CheckTableExists, l.table)).
		Scan(&exists)
	if err != nil {
		return &LedgerError{Op: "check table", Err: err}
	}
	if exists {
		return nil
	}

	// Create on missing
	log.Debugf("Creating ledger table %s", l.table)
	if _, err := l.conn.ExecContext(ctx, fmt.Sprintf(l.queries.CreateLedger, l.table)); err != nil {
		return &LedgerError{Op: "create table", Err: err}
	}
	return nil
}

func (l *SQLLedger) ListApplied(ctx context.Context) ([]string, error) {
	query, args, err := l.builder().
		Select("name").
		From(l.table).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, &LedgerError{Op: "list", Err: err}
	}

	names := []string{}
	if err := sqlx.SelectContext(ctx, l.conn, &names, query, args...); err != nil {
		return nil, &LedgerError{Op: "list", Err: err}
	}
	return names, nil
}

func (l *SQLLedger) LatestBatchNumber(ctx context.Context) (int, error) {
	query, args, err := l.builder().
		Select("COALESCE(MAX(batch), 0)").
		From(l.table).
		ToSql()
	if err != nil {
		return 0, &LedgerError{Op: "latest batch", Err: err}
	}

	var batch int
	if err := sqlx.GetContext(ctx, l.conn, &batch, query, args...); err != nil {
		return 0, &LedgerError{Op: "latest batch", Err: err}
	}
	return batch, nil
}

func (l *SQLLedger) RecordApplication(ctx context.Context, name string, batch int) error {
	// At most one row per name
	query, args, err := l.builder().
		Select("COUNT(*)").
		From(l.table).
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return &LedgerError{Op: "record", Name: name, Err: err}
	}
	var count int
	if err := sqlx.GetContext(ctx, l.conn, &count, query, args...); err != nil {
		return &LedgerError{Op: "record", Name: name, Err: err}
	}
	if count > 0 {
		return &LedgerError{Op: "record", Name: name, Err: ErrAlreadyRecorded}
	}

	query, args, err = l.builder().
		Insert(l.table).
		Columns("name", "batch", "applied_at").
		Values(name, batch, l.clock.Now().UTC()).
		ToSql()
	if err != nil {
		return &LedgerError{Op: "record", Name: name, Err: err}
	}
	if _, err := l.conn.ExecContext(ctx, query, args...); err != nil {
		return &LedgerError{Op: "record", Name: name, Err: err}
	}
	return nil
}

func (l *SQLLedger) RemoveApplication(ctx context.Context, name string) error {
	query, args, err := l.builder().
		Delete(l.table).
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return &LedgerError{Op: "remove", Name: name, Err: err}
	}
	if _, err := l.conn.ExecContext(ctx, query, args...); err != nil {
		return &LedgerError{Op: "remove", Name: name, Err: err}
	}
	return nil
}

func (l *SQLLedger) RowsInBatch(ctx context.Context, batch int, candidates []string) ([]LedgerEntry, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	query, args, err := l.builder().
		Select("id", "name", "batch", "applied_at").
		From(l.table).
		Where(sq.Eq{"batch": batch}).
		Where(sq.Eq{"name": candidates}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, &LedgerError{Op: "rows in batch", Err: err}
	}

	var rows []LedgerEntry
	if err := sqlx.SelectContext(ctx, l.conn, &rows, query, args...); err != nil {
		return nil, &LedgerError{Op: "rows in batch", Err: err}
	}
	return rows, nil
}

func (l *SQLLedger) Entries(ctx context.Context) ([]LedgerEntry, error) {
	query, args, err := l.builder().
		Select("id", "name", "batch", "applied_at").
		From(l.table).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, &LedgerError{Op: "entries", Err: err}
	}

	var rows []LedgerEntry
	if err := sqlx.SelectContext(ctx, l.conn, &rows, query, args...); err != nil {
		return nil, &LedgerError{Op: "entries", Err: err}
	}
	return rows, nil
}
