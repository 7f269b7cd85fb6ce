package domainmigrator

import (
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"
)

// MigrationQueryDefinition describes the dialect-specific parts of the ledger.
// Table DDL and existence checks take the ledger table name as their only %s verb.
// Everything else is built with squirrel using Placeholder.
type MigrationQueryDefinition struct {
	Driver           string // database/sql driver name
	CheckTableExists string // Expect booly result
	CreateLedger     string
	Placeholder      sq.PlaceholderFormat
}

var Postgres = &MigrationQueryDefinition{
	Driver:           "postgres",
	CheckTableExists: "SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = '%s')",
	CreateLedger:     "CREATE TABLE %s (id SERIAL PRIMARY KEY, name VARCHAR(255) NOT NULL UNIQUE, batch INT NOT NULL, applied_at TIMESTAMP NOT NULL)",
	Placeholder:      sq.Dollar,
}

var MySQL = &MigrationQueryDefinition{
	Driver:           "mysql",
	CheckTableExists: "SELECT EXISTS (SELECT * FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = '%s')",
	CreateLedger:     "CREATE TABLE %s (id INT NOT NULL AUTO_INCREMENT PRIMARY KEY, name VARCHAR(255) NOT NULL UNIQUE, batch INT NOT NULL, applied_at DATETIME(6) NOT NULL)",
	Placeholder:      sq.Question,
}

var SQLite = &MigrationQueryDefinition{
	Driver:           "sqlite3",
	CheckTableExists: "SELECT EXISTS (SELECT name FROM sqlite_master WHERE type='table' AND name='%s')",
	CreateLedger:     "CREATE TABLE %s (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL UNIQUE, batch INTEGER NOT NULL, applied_at TIMESTAMP NOT NULL)",
	Placeholder:      sq.Question,
}

var SQLServer = &MigrationQueryDefinition{
	Driver:           "sqlserver",
	CheckTableExists: "SELECT CASE WHEN EXISTS (SELECT * FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_NAME = '%s') THEN 1 ELSE 0 END",
	CreateLedger:     "CREATE TABLE %s (id INT IDENTITY(1,1) PRIMARY KEY, name NVARCHAR(255) NOT NULL UNIQUE, batch INT NOT NULL, applied_at DATETIME2 NOT NULL)",
	Placeholder:      sq.AtP,
}

// DefaultLedgerTable is the ledger table used when none is configured.
const DefaultLedgerTable = "migrations"

var identifierRx = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// DialectForDriver returns the query definitions for a database/sql driver name.
func DialectForDriver(driver string) (*MigrationQueryDefinition, error) {
	switch driver {
	case "postgres":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q: supported drivers are postgres, mysql, sqlite3, sqlserver", driver)
	}
}

// validateTableName keeps the ledger table name safe to interpolate into DDL.
func validateTableName(name string) error {
	if !identifierRx.MatchString(name) {
		return fmt.Errorf("ledger table name must start with a letter and contain only letters, numbers, and underscores (got: %s)", name)
	}
	return nil
}
