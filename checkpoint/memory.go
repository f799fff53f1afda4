package checkpoint

import (
	"context"
	"sync/atomic"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/puzpuzpuz/xsync/v3"
)

func init() {
	Register(cfg.StoreMemory, func(context.Context, cfg.CheckpointConfiguration) (Store, error) {
		return NewMemoryStore(), nil
	})
	Register(cfg.StoreNull, func(context.Context, cfg.CheckpointConfiguration) (Store, error) {
		return NullStore{}, nil
	})
}

// MemoryStore keeps checkpoints in process memory. Useful for dry runs and tests.
type MemoryStore struct {
	records *xsync.MapOf[Identity, Record]
	writes  atomic.Uint64
	closed  atomic.Bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: xsync.NewMapOf[Identity, Record]()}
}

// Read returns the stored ordinal for id
func (m *MemoryStore) Read(_ context.Context, id Identity) (uint64, bool, error) {
	if m.closed.Load() {
		return 0, false, ErrClosed
	}
	rec, ok := m.records.Load(id)
	if !ok {
		return 0, false, nil
	}
	return rec.Ordinal, true, nil
}

// Write overwrites the record for id
func (m *MemoryStore) Write(_ context.Context, id Identity, ordinal uint64, endpoint string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.records.Store(id, Record{
		Identity:  id,
		Ordinal:   ordinal,
		Endpoint:  endpoint,
		UpdatedAt: nowFunc(),
	})
	m.writes.Add(1)
	return nil
}

// ListAll returns all records ordered by identity
func (m *MemoryStore) ListAll(_ context.Context) ([]Record, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	records := make([]Record, 0, m.records.Size())
	m.records.Range(func(_ Identity, rec Record) bool {
		records = append(records, rec)
		return true
	})
	sortRecords(records)
	return records, nil
}

// Writes returns the number of successful writes
func (m *MemoryStore) Writes() uint64 {
	return m.writes.Load()
}

// Close marks the store closed
func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	return nil
}

// NullStore discards checkpoints and never finds one
type NullStore struct{}

func (NullStore) Read(context.Context, Identity) (uint64, bool, error)   { return 0, false, nil }
func (NullStore) Write(context.Context, Identity, uint64, string) error { return nil }
func (NullStore) ListAll(context.Context) ([]Record, error)             { return nil, nil }
func (NullStore) Close() error                                          { return nil }
