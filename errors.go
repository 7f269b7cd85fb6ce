package domainmigrator

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMigration indicates a requested migration is not in any registry.
	ErrUnknownMigration = errors.New("unknown migration")

	// ErrAlreadyRecorded indicates the ledger already holds a row for the migration.
	// The ledger and the migration files are out of sync when this surfaces.
	ErrAlreadyRecorded = errors.New("migration already recorded in ledger")

	// ErrInvalidMigrationFile indicates a migration file name or body is malformed.
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// UsageError is a malformed command invocation.
// It is always returned before the ledger is touched.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg + "\n" + GetHelpString()
}

// DiscoveryError is a problem locating or reading migrations.
type DiscoveryError struct {
	Domain string
	Name   string
	Err    error
}

func (e *DiscoveryError) Error() string {
	switch {
	case e.Name != "":
		return fmt.Sprintf("discover %s: %v", e.Name, e.Err)
	case e.Domain != "":
		return fmt.Sprintf("discover domain %s: %v", e.Domain, e.Err)
	default:
		return fmt.Sprintf("discover: %v", e.Err)
	}
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// LedgerError is a failure reading or writing the ledger table,
// or a violated ledger invariant.
type LedgerError struct {
	Op   string
	Name string
	Err  error
}

func (e *LedgerError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// OperationError is a failed forward or backward operation.
type OperationError struct {
	ID        MigrationID
	Direction Direction
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("migration %s (domain %s) %s failed: %v", e.ID, e.ID.Domain, e.Direction, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// IsUsageError reports whether err is a malformed invocation.
func IsUsageError(err error) bool {
	var usage *UsageError
	return errors.As(err, &usage)
}
