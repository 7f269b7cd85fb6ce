package domainmigrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	upRx   = regexp.MustCompile(`(?i)^\s*--\s*\+up\b`)   // -- +up
	downRx = regexp.MustCompile(`(?i)^\s*--\s*\+down\b`) // -- +down
)

type migrationContents struct {
	up   string
	down string
}

// parseMigrationContents splits a migration file into its up and down sections.
func parseMigrationContents(r io.Reader) (*migrationContents, error) {
	foundUp := false
	foundDown := false
	capturingSection := 0
	var upContents, downContents strings.Builder
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		// Check for up/down section
		if upRx.MatchString(line) {
			if foundUp {
				return nil, fmt.Errorf("%w: duplicate `-- +up` section", ErrInvalidMigrationFile)
			}
			foundUp = true
			capturingSection = 1
			continue
		} else if downRx.MatchString(line) {
			if foundDown {
				return nil, fmt.Errorf("%w: duplicate `-- +down` section", ErrInvalidMigrationFile)
			}
			foundDown = true
			capturingSection = 2
			continue
		}

		// Capture up/down section contents
		if capturingSection == 1 {
			upContents.WriteString(line)
			upContents.WriteString("\n")
		} else if capturingSection == 2 {
			downContents.WriteString(line)
			downContents.WriteString("\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Validation
	if !foundUp {
		return nil, fmt.Errorf("%w: missing `-- +up` section", ErrInvalidMigrationFile)
	}
	if !foundDown {
		return nil, fmt.Errorf("%w: missing `-- +down` section", ErrInvalidMigrationFile)
	}

	return &migrationContents{
		up:   upContents.String(),
		down: downContents.String(),
	}, nil
}

// sqlOperation runs a SQL section in its own transaction on the run's connection.
// The ledger write is not part of this transaction.
func sqlOperation(body string) Operation {
	return func(ctx context.Context, conn Conn) error {
		if strings.TrimSpace(body) == "" {
			return nil
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, body); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}
}
