package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/NotCoffee418/domainmigrator"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseConfig(t *testing.T, args ...string) config {
	t.Helper()
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	registerFlags(flags)
	require.NoError(t, flags.Parse(args))
	v, err := newViper(flags)
	require.NoError(t, err)
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := parseConfig(t)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "domains", cfg.Dir)
	assert.Equal(t, domainmigrator.DefaultMigrationsDir, cfg.MigrationsDir)
	assert.Equal(t, domainmigrator.DefaultLedgerTable, cfg.Table)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("MIGRATE_DRIVER", "mysql")
	t.Setenv("MIGRATE_DSN", "test:test@tcp(localhost:3306)/test?parseTime=true&multiStatements=true")
	t.Setenv("MIGRATE_MIGRATIONS_DIR", "sql")

	cfg := parseConfig(t)
	assert.Equal(t, "mysql", cfg.Driver)
	assert.Contains(t, cfg.DSN, "parseTime=true")
	assert.Equal(t, "sql", cfg.MigrationsDir)
}

func TestLoadConfig_FlagsBeatEnvironment(t *testing.T) {
	t.Setenv("MIGRATE_TABLE", "from_env")

	cfg := parseConfig(t, "--table", "from_flag")
	assert.Equal(t, "from_flag", cfg.Table)
}

func TestLoadConfig_DatabaseURLFallback(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/app")

	cfg := parseConfig(t)
	assert.Equal(t, "postgres://localhost/app", cfg.DSN)
	assert.NoError(t, cfg.requireDatabase())
}

func TestRequireDatabase(t *testing.T) {
	assert.Error(t, config{Driver: "postgres"}.requireDatabase())
	assert.Error(t, config{Driver: "oracle", DSN: "x"}.requireDatabase())
	assert.NoError(t, config{Driver: "sqlite3", DSN: "file::memory:"}.requireDatabase())
}

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetFormatter(log.StandardLogger().Formatter)

	require.NoError(t, setupLogging(config{LogLevel: "debug", LogFormat: "json"}))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	assert.Error(t, setupLogging(config{LogLevel: "loud", LogFormat: "text"}))
	assert.Error(t, setupLogging(config{LogLevel: "info", LogFormat: "xml"}))
}

func execute(args ...string) error {
	root := newRootCmd()
	// A nil slice makes cobra fall back to os.Args.
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestRootCmd_UsageErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"frobnicate", "auth"},
		{"latest"},
		{"latest", "Auth"},
		{"up", "auth-01-schema"},
		{"down", "a.sql", "b.sql"},
		{"create", "auth"},
		{"status", "auth", "--log-format", "xml"},
		{"status", "auth", "--driver", "oracle", "--dsn", "x"},
	}
	for _, args := range cases {
		err := execute(args...)
		assert.True(t, domainmigrator.IsUsageError(err), "%v: %v", args, err)
	}
}

func TestRootCmd_MissingDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	err := execute("latest", "auth")
	assert.True(t, domainmigrator.IsUsageError(err))
}

func TestRootCmd_CreateNeedsNoDatabase(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, execute("create", "billing", "invoices", "--dir", dir))
	require.NoError(t, execute("create", "billing", "refunds", "--dir", dir))

	entries, err := os.ReadDir(filepath.Join(dir, "billing", "migrations"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "billing-01-invoices.sql", entries[0].Name())
	assert.Equal(t, "billing-02-refunds.sql", entries[1].Name())
}

func TestRootCmd_SQLiteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	migrations := filepath.Join(dir, "auth", "migrations")
	require.NoError(t, os.MkdirAll(migrations, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(migrations, "auth-01-schema.sql"),
		[]byte("-- +up\nCREATE TABLE auth_users (id INTEGER PRIMARY KEY);\n-- +down\nDROP TABLE auth_users;\n"), 0o644))
	dsn := "file:" + filepath.Join(dir, "app.db")
	common := []string{"--driver", "sqlite3", "--dsn", dsn, "--dir", dir, "--log-level", "error"}

	require.NoError(t, execute(append([]string{"latest", "auth"}, common...)...))

	db, err := sqlx.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer db.Close()

	var names []string
	require.NoError(t, db.Select(&names, "SELECT name FROM migrations"))
	assert.Equal(t, []string{"auth-01-schema"}, names)

	require.NoError(t, execute(append([]string{"down", "auth-01-schema.sql"}, common...)...))
	names = nil
	require.NoError(t, db.Select(&names, "SELECT name FROM migrations"))
	assert.Empty(t, names)
}
