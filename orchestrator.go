package domainmigrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Orchestrator reconciles the registry with the ledger and runs migrations.
// It keeps no state between calls. Only one orchestrator may run against a
// database at a time: nothing locks the ledger, and two concurrent runs can
// pick the same batch number.
type Orchestrator struct {
	ledger   Ledger
	registry *Registry
	conn     Conn
	log      logrus.FieldLogger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger progress is reported to.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = logger }
}

// New returns an orchestrator executing migrations on conn.
func New(ledger Ledger, registry *Registry, conn Conn, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:   ledger,
		registry: registry,
		conn:     conn,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// domainSet is the applied/pending partition of one domain, in file order.
type domainSet struct {
	all     []Migration
	applied []Migration
	pending []Migration
}

func (o *Orchestrator) partition(ctx context.Context, domain string, appliedNames map[string]struct{}) (domainSet, error) {
	migrations, err := o.registry.Domain(ctx, domain)
	if err != nil {
		return domainSet{}, err
	}
	set := domainSet{all: migrations}
	for _, migration := range migrations {
		if _, ok := appliedNames[migration.ID.String()]; ok {
			set.applied = append(set.applied, migration)
		} else {
			set.pending = append(set.pending, migration)
		}
	}
	return set, nil
}

// uniqueDomains drops repeated domains, keeping the first occurrence.
func uniqueDomains(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, domain := range domains {
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		out = append(out, domain)
	}
	return out
}

func (o *Orchestrator) appliedSet(ctx context.Context) (map[string]struct{}, error) {
	names, err := o.ledger.ListApplied(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]struct{}, len(names))
	for _, name := range names {
		applied[name] = struct{}{}
	}
	return applied, nil
}

// Latest applies every pending migration of domains, in the given domain order.
// All migrations applied by one call share one batch number. The first failure
// stops the run; migrations applied before it stay recorded.
func (o *Orchestrator) Latest(ctx context.Context, domains []string) (*Report, error) {
	report := &Report{}
	domains = uniqueDomains(domains)

	if err := o.ledger.EnsureExists(ctx); err != nil {
		return report, err
	}
	applied, err := o.appliedSet(ctx)
	if err != nil {
		return report, err
	}
	latest, err := o.ledger.LatestBatchNumber(ctx)
	if err != nil {
		return report, err
	}
	report.Batch = latest + 1

	for _, domain := range domains {
		set, err := o.partition(ctx, domain, applied)
		if err != nil {
			return report, err
		}
		if len(set.pending) == 0 {
			o.log.WithField("domain", domain).Info("Already up to date")
			report.note(domain, "already up to date")
			continue
		}

		o.log.WithField("domain", domain).Infof("Applying %d migration(s) in batch %d", len(set.pending), report.Batch)
		for _, migration := range set.pending {
			if err := o.apply(ctx, migration, report.Batch, report); err != nil {
				return report, err
			}
			applied[migration.ID.String()] = struct{}{}
		}
	}
	return report, nil
}

// Status reports the applied and pending migrations of each domain.
// With no domains it reports every domain the registry knows.
// Apart from creating a missing ledger table it changes nothing.
func (o *Orchestrator) Status(ctx context.Context, domains []string) ([]DomainStatus, error) {
	if err := o.ledger.EnsureExists(ctx); err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		all, err := o.registry.Domains(ctx)
		if err != nil {
			return nil, err
		}
		domains = all
	}
	domains = uniqueDomains(domains)

	entries, err := o.ledger.Entries(ctx)
	if err != nil {
		return nil, err
	}
	rows := make(map[string]LedgerEntry, len(entries))
	applied := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		rows[entry.Name] = entry
		applied[entry.Name] = struct{}{}
	}

	statuses := make([]DomainStatus, 0, len(domains))
	for _, domain := range domains {
		set, err := o.partition(ctx, domain, applied)
		if err != nil {
			return statuses, err
		}
		status := DomainStatus{
			Domain:  domain,
			Applied: ids(set.applied),
			Pending: ids(set.pending),
		}
		for _, migration := range set.applied {
			status.Entries = append(status.Entries, rows[migration.ID.String()])
		}
		if len(set.all) == 0 {
			status.Note = "no migrations found"
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// RollbackLastBatch reverts the migrations of domains that belong to the most
// recent batch, newest first. Migrations of other domains in that batch stay applied.
// Domains are processed in the given order, unlike RemoveAll: callers that roll back
// dependent domains together should list the dependents first.
func (o *Orchestrator) RollbackLastBatch(ctx context.Context, domains []string) (*Report, error) {
	report := &Report{}
	domains = uniqueDomains(domains)

	if err := o.ledger.EnsureExists(ctx); err != nil {
		return report, err
	}
	latest, err := o.ledger.LatestBatchNumber(ctx)
	if err != nil {
		return report, err
	}
	if latest == 0 {
		for _, domain := range domains {
			report.note(domain, "nothing to roll back")
		}
		return report, nil
	}
	report.Batch = latest

	for _, domain := range domains {
		migrations, err := o.registry.Domain(ctx, domain)
		if err != nil {
			return report, err
		}
		rows, err := o.ledger.RowsInBatch(ctx, latest, names(migrations))
		if err != nil {
			return report, err
		}
		if len(rows) == 0 {
			o.log.WithField("domain", domain).Infof("Nothing to roll back in batch %d", latest)
			report.note(domain, fmt.Sprintf("nothing to roll back in batch %d", latest))
			continue
		}

		inBatch := make(map[string]struct{}, len(rows))
		for _, row := range rows {
			inBatch[row.Name] = struct{}{}
		}
		if err := o.revertInReverse(ctx, migrations, inBatch, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// RemoveAll reverts every applied migration of domains regardless of batch.
// Domains are processed in reverse of the given order so dependents go first.
func (o *Orchestrator) RemoveAll(ctx context.Context, domains []string) (*Report, error) {
	report := &Report{}
	domains = uniqueDomains(domains)

	if err := o.ledger.EnsureExists(ctx); err != nil {
		return report, err
	}
	applied, err := o.appliedSet(ctx)
	if err != nil {
		return report, err
	}

	for i := len(domains) - 1; i >= 0; i-- {
		domain := domains[i]
		set, err := o.partition(ctx, domain, applied)
		if err != nil {
			return report, err
		}
		if len(set.applied) == 0 {
			o.log.WithField("domain", domain).Info("Nothing to remove")
			report.note(domain, "nothing to remove")
			continue
		}

		o.log.WithField("domain", domain).Infof("Removing %d migration(s)", len(set.applied))
		if err := o.revertInReverse(ctx, set.all, applied, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// ApplySingle applies one migration by name, ignoring pending order.
// A migration that is already recorded is refused without running it.
func (o *Orchestrator) ApplySingle(ctx context.Context, name string) (*Report, error) {
	report := &Report{}

	migration, err := o.registry.Find(ctx, name)
	if err != nil {
		return report, err
	}
	if err := o.ledger.EnsureExists(ctx); err != nil {
		return report, err
	}
	applied, err := o.appliedSet(ctx)
	if err != nil {
		return report, err
	}
	if _, ok := applied[migration.ID.String()]; ok {
		return report, &LedgerError{Op: "record", Name: migration.ID.String(), Err: ErrAlreadyRecorded}
	}
	latest, err := o.ledger.LatestBatchNumber(ctx)
	if err != nil {
		return report, err
	}
	report.Batch = latest + 1

	return report, o.apply(ctx, migration, report.Batch, report)
}

// RevertSingle reverts one migration by name. A migration that is not
// recorded as applied is skipped.
func (o *Orchestrator) RevertSingle(ctx context.Context, name string) (*Report, error) {
	report := &Report{}

	migration, err := o.registry.Find(ctx, name)
	if err != nil {
		return report, err
	}
	if err := o.ledger.EnsureExists(ctx); err != nil {
		return report, err
	}
	applied, err := o.appliedSet(ctx)
	if err != nil {
		return report, err
	}
	if _, ok := applied[migration.ID.String()]; !ok {
		o.fileLog(migration, DirectionDown).Warn("Not applied, skipping")
		report.add(ReportEntry{
			Domain:    migration.ID.Domain,
			ID:        migration.ID,
			Direction: DirectionDown,
			Outcome:   OutcomeSkipped,
			Note:      "not applied",
		})
		return report, nil
	}

	return report, o.revert(ctx, migration, report)
}

// revertInReverse reverts the members of migrations found in selected, last file first.
// Reverted names are removed from selected.
func (o *Orchestrator) revertInReverse(ctx context.Context, migrations []Migration, selected map[string]struct{}, report *Report) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		migration := migrations[i]
		name := migration.ID.String()
		if _, ok := selected[name]; !ok {
			continue
		}
		if err := o.revert(ctx, migration, report); err != nil {
			return err
		}
		delete(selected, name)
	}
	return nil
}

func (o *Orchestrator) apply(ctx context.Context, migration Migration, batch int, report *Report) error {
	entry := ReportEntry{Domain: migration.ID.Domain, ID: migration.ID, Direction: DirectionUp}
	logger := o.fileLog(migration, DirectionUp)

	logger.Info("Applying migration")
	if err := migration.Up(ctx, o.conn); err != nil {
		entry.Outcome = OutcomeFailed
		report.add(entry)
		logger.WithError(err).Error("Migration failed")
		return &OperationError{ID: migration.ID, Direction: DirectionUp, Err: err}
	}

	// The ledger is written only after the operation succeeded.
	if err := o.ledger.RecordApplication(ctx, migration.ID.String(), batch); err != nil {
		entry.Outcome = OutcomeFailed
		report.add(entry)
		logger.WithError(err).Error("Migration ran but could not be recorded")
		return err
	}

	entry.Outcome = OutcomeApplied
	report.add(entry)
	logger.WithField("outcome", entry.Outcome).Info("Migration applied")
	return nil
}

func (o *Orchestrator) revert(ctx context.Context, migration Migration, report *Report) error {
	entry := ReportEntry{Domain: migration.ID.Domain, ID: migration.ID, Direction: DirectionDown}
	logger := o.fileLog(migration, DirectionDown)

	logger.Info("Reverting migration")
	if err := migration.Down(ctx, o.conn); err != nil {
		entry.Outcome = OutcomeFailed
		report.add(entry)
		logger.WithError(err).Error("Migration failed")
		return &OperationError{ID: migration.ID, Direction: DirectionDown, Err: err}
	}

	if err := o.ledger.RemoveApplication(ctx, migration.ID.String()); err != nil {
		entry.Outcome = OutcomeFailed
		report.add(entry)
		logger.WithError(err).Error("Migration reverted but ledger row could not be removed")
		return err
	}

	entry.Outcome = OutcomeReverted
	report.add(entry)
	logger.WithField("outcome", entry.Outcome).Info("Migration reverted")
	return nil
}

func (o *Orchestrator) fileLog(migration Migration, direction Direction) logrus.FieldLogger {
	return o.log.WithFields(logrus.Fields{
		"domain":    migration.ID.Domain,
		"migration": migration.ID.String(),
		"direction": direction,
	})
}

func ids(migrations []Migration) []MigrationID {
	out := make([]MigrationID, 0, len(migrations))
	for _, migration := range migrations {
		out = append(out, migration.ID)
	}
	return out
}

func names(migrations []Migration) []string {
	out := make([]string, 0, len(migrations))
	for _, migration := range migrations {
		out = append(out, migration.ID.String())
	}
	return out
}

