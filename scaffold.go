package domainmigrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const newMigrationFmt = `-- %s
-- Domain: %s
-- Created: %s

-- +up


-- +down

`

// Scaffold writes an empty migration file for domain with the next free
// sequence number and returns its path. root is the directory holding the
// domain directories. The ledger is not touched.
func Scaffold(root, domain, name string, opts ...RegistryOption) (string, error) {
	if err := ValidateDomain(domain); err != nil {
		return "", &UsageError{Msg: err.Error()}
	}
	if err := ValidateMigrationName(name); err != nil {
		return "", &UsageError{Msg: err.Error()}
	}

	r := &Registry{migrationsDir: DefaultMigrationsDir}
	for _, opt := range opts {
		opt(r)
	}
	dir := filepath.Join(root, filepath.FromSlash(r.domainDir(domain)))

	next, err := nextSequence(dir, domain)
	if err != nil {
		return "", err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create migrations folder: %w", err)
	}

	id := MigrationID{Domain: domain, Sequence: next, Name: name}
	file := filepath.Join(dir, id.Filename())
	title := cases.Title(language.Und).String(strings.NewReplacer("-", " ", "_", " ").Replace(name))
	contents := fmt.Sprintf(newMigrationFmt, title, domain, time.Now().Format(time.RFC3339))

	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}
	if _, err := f.WriteString(contents); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write migration file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write migration file: %w", err)
	}
	return file, nil
}

// nextSequence returns max(existing sequence)+1 for domain, or 1 for an empty or missing dir.
func nextSequence(dir, domain string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 1, nil
		}
		return 0, &DiscoveryError{Domain: domain, Err: err}
	}

	highest := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), MigrationExt) {
			continue
		}
		id, err := ParseMigrationID(entry.Name())
		if err != nil || id.Domain != domain {
			continue
		}
		if id.Sequence > highest {
			highest = id.Sequence
		}
	}
	return highest + 1, nil
}
