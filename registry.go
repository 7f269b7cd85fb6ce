package domainmigrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// DefaultMigrationsDir is the subdirectory of a domain holding its migration files.
const DefaultMigrationsDir = "migrations"

// Registry finds the migrations of each domain.
// File migrations live at <domain>/<migrationsDir>/<domain>-<NN>-<name>.sql in fsys;
// compiled-in migrations are added with Register.
// Nothing is cached: every lookup re-reads fsys.
type Registry struct {
	fsys          fs.FS
	migrationsDir string
	code          map[string][]Migration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMigrationsDir sets the per-domain subdirectory. Empty means the domain directory itself.
func WithMigrationsDir(dir string) RegistryOption {
	return func(r *Registry) { r.migrationsDir = dir }
}

// NewRegistry returns a registry reading domain directories from fsys.
// fsys may be nil for a registry of compiled-in migrations only.
func NewRegistry(fsys fs.FS, opts ...RegistryOption) *Registry {
	r := &Registry{
		fsys:          fsys,
		migrationsDir: DefaultMigrationsDir,
		code:          make(map[string][]Migration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a compiled-in migration to domain.
func (r *Registry) Register(domain string, sequence int, name string, up, down Operation) error {
	if err := ValidateDomain(domain); err != nil {
		return err
	}
	if err := ValidateMigrationName(name); err != nil {
		return err
	}
	if sequence <= 0 {
		return fmt.Errorf("invalid sequence %d for %s: must be positive", sequence, name)
	}
	if up == nil || down == nil {
		return fmt.Errorf("migration %s-%02d-%s needs both an up and a down operation", domain, sequence, name)
	}
	r.code[domain] = append(r.code[domain], Migration{
		ID:     MigrationID{Domain: domain, Sequence: sequence, Name: name},
		Up:     up,
		Down:   down,
		Source: "code",
	})
	return nil
}

func (r *Registry) domainDir(domain string) string {
	if r.migrationsDir == "" {
		return domain
	}
	return path.Join(domain, r.migrationsDir)
}

// Domain returns the migrations of domain sorted by name, which is execution order.
// A domain without a migrations directory has no migrations.
func (r *Registry) Domain(ctx context.Context, domain string) ([]Migration, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, &DiscoveryError{Domain: domain, Err: err}
	}

	migrations, err := r.readDomainFiles(domain)
	if err != nil {
		return nil, err
	}
	migrations = append(migrations, r.code[domain]...)

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].ID.String() < migrations[j].ID.String()
	})

	// Duplicate sequence check, and lexical order must agree with sequence order
	for i := 1; i < len(migrations); i++ {
		prev, cur := migrations[i-1].ID, migrations[i].ID
		if prev.Sequence == cur.Sequence {
			return nil, &DiscoveryError{Domain: domain,
				Err: fmt.Errorf("duplicate migration sequence %d: %s and %s", cur.Sequence, prev, cur)}
		}
		if prev.Sequence > cur.Sequence {
			return nil, &DiscoveryError{Domain: domain,
				Err: fmt.Errorf("%s sorts before %s: sequence numbers must share the same zero padding", prev, cur)}
		}
	}
	return migrations, nil
}

func (r *Registry) readDomainFiles(domain string) ([]Migration, error) {
	if r.fsys == nil {
		return nil, nil
	}

	dir := r.domainDir(domain)
	entries, err := fs.ReadDir(r.fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("No migrations directory for domain %s", domain)
			return nil, nil
		}
		return nil, &DiscoveryError{Domain: domain, Err: err}
	}

	var result *multierror.Error
	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), MigrationExt) {
			continue
		}
		migration, err := r.readFile(domain, path.Join(dir, entry.Name()))
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		migrations = append(migrations, migration)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, &DiscoveryError{Domain: domain, Err: err}
	}
	return migrations, nil
}

func (r *Registry) readFile(domain, file string) (Migration, error) {
	base := path.Base(file)
	id, err := ParseMigrationID(base)
	if err != nil {
		return Migration{}, err
	}
	if id.Filename() != base {
		return Migration{}, fmt.Errorf("%w: %s is not in canonical form, expected %s",
			ErrInvalidMigrationFile, base, id.Filename())
	}
	if id.Domain != domain {
		return Migration{}, fmt.Errorf("%w: %s belongs to domain %s but lives in %s",
			ErrInvalidMigrationFile, base, id.Domain, domain)
	}

	f, err := r.fsys.Open(file)
	if err != nil {
		return Migration{}, err
	}
	defer f.Close()

	contents, err := parseMigrationContents(f)
	if err != nil {
		return Migration{}, fmt.Errorf("%s: %w", base, err)
	}
	return Migration{
		ID:     id,
		Up:     sqlOperation(contents.up),
		Down:   sqlOperation(contents.down),
		Source: file,
	}, nil
}

// Find resolves a migration by its ledger name, with or without the .sql extension.
func (r *Registry) Find(ctx context.Context, name string) (Migration, error) {
	id, err := ParseMigrationID(name)
	if err != nil {
		return Migration{}, &DiscoveryError{Name: name, Err: err}
	}

	migrations, err := r.Domain(ctx, id.Domain)
	if err != nil {
		return Migration{}, err
	}
	for _, migration := range migrations {
		if migration.ID == id {
			return migration, nil
		}
	}
	return Migration{}, &DiscoveryError{Domain: id.Domain, Name: name, Err: ErrUnknownMigration}
}

// Domains lists every domain that has a directory in fsys or compiled-in migrations.
func (r *Registry) Domains(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for domain := range r.code {
		seen[domain] = struct{}{}
	}

	if r.fsys != nil {
		entries, err := fs.ReadDir(r.fsys, ".")
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &DiscoveryError{Err: err}
		}
		for _, entry := range entries {
			if entry.IsDir() && ValidateDomain(entry.Name()) == nil {
				seen[entry.Name()] = struct{}{}
			}
		}
	}

	domains := make([]string, 0, len(seen))
	for domain := range seen {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains, nil
}
