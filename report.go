package domainmigrator

import (
	"fmt"
	"io"
)

// Direction is the direction a migration is run in.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Outcome is what happened to one migration (or domain) during a run.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeReverted Outcome = "reverted"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)

// ReportEntry is one line of a run report. ID is zero for domain-level notes.
type ReportEntry struct {
	Domain    string
	ID        MigrationID
	Direction Direction
	Outcome   Outcome
	Note      string
}

// Report lists what a run did, in execution order.
// A failed run still returns the entries that completed before the failure.
type Report struct {
	Batch   int
	Entries []ReportEntry
}

func (r *Report) add(e ReportEntry) {
	r.Entries = append(r.Entries, e)
}

func (r *Report) note(domain, note string) {
	r.add(ReportEntry{Domain: domain, Outcome: OutcomeSkipped, Note: note})
}

// Count returns how many entries have the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, e := range r.Entries {
		if e.Outcome == o && e.ID != (MigrationID{}) {
			n++
		}
	}
	return n
}

// Names returns the migration names with the given outcome, in order.
func (r *Report) Names(o Outcome) []string {
	var names []string
	for _, e := range r.Entries {
		if e.Outcome == o && e.ID != (MigrationID{}) {
			names = append(names, e.ID.String())
		}
	}
	return names
}

// WriteTo renders the report for operators.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, e := range r.Entries {
		var line string
		if e.ID == (MigrationID{}) {
			line = fmt.Sprintf("%-10s %s\n", e.Domain, e.Note)
		} else {
			line = fmt.Sprintf("%-10s %-40s %-5s %s\n", e.Domain, e.ID, e.Direction, e.Outcome)
		}
		n, err := io.WriteString(w, line)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
