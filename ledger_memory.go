package domainmigrator

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
)

// MemoryLedger is an in-memory Ledger for tests and embedding.
// It follows the same rules as SQLLedger.
type MemoryLedger struct {
	mu     sync.RWMutex
	rows   []LedgerEntry
	nextID int64
	clock  clock.Clock
}

// NewMemoryLedger returns an empty ledger. A nil clock uses the wall clock.
func NewMemoryLedger(c clock.Clock) *MemoryLedger {
	if c == nil {
		c = clock.New()
	}
	return &MemoryLedger{clock: c, nextID: 1}
}

func (m *MemoryLedger) EnsureExists(ctx context.Context) error { return nil }

func (m *MemoryLedger) ListApplied(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.rows))
	for _, row := range m.rows {
		names = append(names, row.Name)
	}
	return names, nil
}

func (m *MemoryLedger) LatestBatchNumber(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := 0
	for _, row := range m.rows {
		if row.Batch > latest {
			latest = row.Batch
		}
	}
	return latest, nil
}

func (m *MemoryLedger) RecordApplication(ctx context.Context, name string, batch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if row.Name == name {
			return &LedgerError{Op: "record", Name: name, Err: ErrAlreadyRecorded}
		}
	}
	m.rows = append(m.rows, LedgerEntry{
		ID:        m.nextID,
		Name:      name,
		Batch:     batch,
		AppliedAt: m.clock.Now().UTC(),
	})
	m.nextID++
	return nil
}

func (m *MemoryLedger) RemoveApplication(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, row := range m.rows {
		if row.Name == name {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryLedger) RowsInBatch(ctx context.Context, batch int, candidates []string) ([]LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]struct{}, len(candidates))
	for _, name := range candidates {
		wanted[name] = struct{}{}
	}

	var rows []LedgerEntry
	for _, row := range m.rows {
		if _, ok := wanted[row.Name]; ok && row.Batch == batch {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (m *MemoryLedger) Entries(ctx context.Context) ([]LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]LedgerEntry, len(m.rows))
	copy(rows, m.rows)
	return rows, nil
}
