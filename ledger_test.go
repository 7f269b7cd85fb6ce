package domainmigrator

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// GetMockDB returns a mock DB for testing
func GetMockDB() (*sql.DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		log.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	return mockDB, mock
}

func newMockLedger(t *testing.T, queries *MigrationQueryDefinition, opts ...LedgerOption) (*SQLLedger, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock := GetMockDB()
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { _ = db.Close() })

	conn, err := db.Connx(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ledger, err := NewSQLLedger(conn, queries, opts...)
	require.NoError(t, err)
	return ledger, mock
}

func TestSQLLedger_EnsureExistsCreatesMissingTable(t *testing.T) {
	ledger, mock := newMockLedger(t, Postgres)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT FROM information_schema.tables .* table_name = 'migrations'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`CREATE TABLE migrations \(id SERIAL PRIMARY KEY`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, ledger.EnsureExists(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_EnsureExistsNoopWhenPresent(t *testing.T) {
	ledger, mock := newMockLedger(t, SQLite, WithTable("domain_ledger"))

	mock.ExpectQuery(`sqlite_master WHERE type='table' AND name='domain_ledger'`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, ledger.EnsureExists(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_EnsureExistsFailure(t *testing.T) {
	ledger, mock := newMockLedger(t, Postgres)

	mock.ExpectQuery(`SELECT EXISTS`).WillReturnError(errors.New("connection refused"))

	err := ledger.EnsureExists(context.Background())
	var ledgerErr *LedgerError
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, "check table", ledgerErr.Op)
}

func TestSQLLedger_ListApplied(t *testing.T) {
	ledger, mock := newMockLedger(t, Postgres)

	mock.ExpectQuery(`SELECT name FROM migrations ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("auth-01-schema").
			AddRow("auth-02-users"))

	names, err := ledger.ListApplied(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"auth-01-schema", "auth-02-users"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_LatestBatchNumber(t *testing.T) {
	ledger, mock := newMockLedger(t, Postgres)

	// Mock for successful query
	rows := sqlmock.NewRows([]string{"batch"}).AddRow(5)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(batch\), 0\) FROM migrations`).WillReturnRows(rows)

	batch, err := ledger.LatestBatchNumber(context.Background())
	require.NoError(t, err)

	// Validate
	assert.Equal(t, 5, batch)
}

func TestSQLLedger_RecordApplication(t *testing.T) {
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger, mock := newMockLedger(t, Postgres, WithClock(mockClock))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM migrations WHERE name = \$1`).
		WithArgs("auth-01-schema").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO migrations \(name,batch,applied_at\) VALUES \(\$1,\$2,\$3\)`).
		WithArgs("auth-01-schema", 3, mockClock.Now().UTC()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, ledger.RecordApplication(context.Background(), "auth-01-schema", 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_RecordApplicationRejectsDuplicate(t *testing.T) {
	ledger, mock := newMockLedger(t, MySQL)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM migrations WHERE name = \?`).
		WithArgs("auth-01-schema").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := ledger.RecordApplication(context.Background(), "auth-01-schema", 1)
	assert.ErrorIs(t, err, ErrAlreadyRecorded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_RemoveApplication(t *testing.T) {
	ledger, mock := newMockLedger(t, SQLServer)

	// Deleting an absent row affects nothing and is fine.
	mock.ExpectExec(`DELETE FROM migrations WHERE name = @p1`).
		WithArgs("auth-01-schema").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, ledger.RemoveApplication(context.Background(), "auth-01-schema"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_RowsInBatch(t *testing.T) {
	ledger, mock := newMockLedger(t, Postgres)
	appliedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, name, batch, applied_at FROM migrations WHERE batch = \$1 AND name IN \(\$2,\$3\) ORDER BY id`).
		WithArgs(2, "example-01-schema", "example-02-tags").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "batch", "applied_at"}).
			AddRow(3, "example-01-schema", 2, appliedAt))

	rows, err := ledger.RowsInBatch(context.Background(), 2, []string{"example-01-schema", "example-02-tags"})
	require.NoError(t, err)
	assert.Equal(t, []LedgerEntry{{ID: 3, Name: "example-01-schema", Batch: 2, AppliedAt: appliedAt}}, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_RowsInBatchWithoutCandidates(t *testing.T) {
	ledger, mock := newMockLedger(t, Postgres)

	rows, err := ledger.RowsInBatch(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSQLLedger_RejectsUnsafeTable(t *testing.T) {
	mockDB, _ := GetMockDB()
	db := sqlx.NewDb(mockDB, "sqlmock")
	defer db.Close()

	_, err := NewSQLLedger(db, Postgres, WithTable("migrations; DROP TABLE users"))
	assert.Error(t, err)
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(clock.NewMock())

	batch, err := l.LatestBatchNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, batch)

	require.NoError(t, l.RecordApplication(ctx, "a-01-x", 1))
	require.NoError(t, l.RecordApplication(ctx, "b-01-y", 2))
	assert.ErrorIs(t, l.RecordApplication(ctx, "a-01-x", 3), ErrAlreadyRecorded)

	batch, err = l.LatestBatchNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, batch)

	rows, err := l.RowsInBatch(ctx, 2, []string{"a-01-x", "b-01-y"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b-01-y", rows[0].Name)

	require.NoError(t, l.RemoveApplication(ctx, "a-01-x"))
	require.NoError(t, l.RemoveApplication(ctx, "a-01-x"))
	names, err := l.ListApplied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b-01-y"}, names)
}
