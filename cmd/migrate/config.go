package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/NotCoffee418/domainmigrator"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// config is resolved from flags, then MIGRATE_* environment variables, then defaults.
type config struct {
	Driver        string
	DSN           string
	Dir           string
	MigrationsDir string
	Table         string
	LogLevel      string
	LogFormat     string
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("driver", "postgres", "Database driver: postgres, mysql, sqlite3, sqlserver")
	flags.String("dsn", "", "Database connection string (or set MIGRATE_DSN / DATABASE_URL)")
	flags.String("dir", "domains", "Directory holding one subdirectory per domain")
	flags.String("migrations-dir", domainmigrator.DefaultMigrationsDir, "Subdirectory of each domain holding its migration files")
	flags.String("table", domainmigrator.DefaultLedgerTable, "Name of the ledger table")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text, json")
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("MIGRATE")
	v.AutomaticEnv()
	// This normalizes "-" to an underscore in env names.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	return v, nil
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Driver:        v.GetString("driver"),
		DSN:           v.GetString("dsn"),
		Dir:           v.GetString("dir"),
		MigrationsDir: v.GetString("migrations-dir"),
		Table:         v.GetString("table"),
		LogLevel:      v.GetString("log-level"),
		LogFormat:     v.GetString("log-format"),
	}
	if cfg.DSN == "" {
		cfg.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.Dir == "" {
		return config{}, fmt.Errorf("--dir must not be empty")
	}
	return cfg, nil
}

func (c config) requireDatabase() error {
	if c.DSN == "" {
		return fmt.Errorf("--dsn is required (or set MIGRATE_DSN or DATABASE_URL)")
	}
	_, err := domainmigrator.DialectForDriver(c.Driver)
	return err
}

func setupLogging(c config) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	switch c.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q: use text or json", c.LogFormat)
	}
	return nil
}
