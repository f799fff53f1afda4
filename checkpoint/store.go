// Package checkpoint persists the last delivered oplog position of every
// tailer so that a restart resumes instead of replaying or skipping history.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/oplogtail/cfg"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("checkpoint store is closed")

// Identity keys a checkpoint record. One record exists per identity.
type Identity struct {
	Cluster    string
	ReplicaSet string
}

// String returns the "cluster:replicaSet" form
func (i Identity) String() string {
	return i.Cluster + ":" + i.ReplicaSet
}

// IdentityOf builds the identity of a configured tailer
func IdentityOf(t cfg.TailerConfiguration) Identity {
	return Identity{Cluster: t.Cluster, ReplicaSet: t.ReplicaSetKey()}
}

// Record is the persisted state of one tailer
type Record struct {
	Identity  Identity
	Ordinal   uint64    // Last delivered oplog position
	Endpoint  string    // Source address at the time of the write
	UpdatedAt time.Time // UTC
}

// Store is the durable last-position record per tailer identity.
// Writes are last-writer-wins; implementations must tolerate concurrent
// writers for distinct identities.
type Store interface {
	// Read returns the stored ordinal, or found=false when none exists
	Read(ctx context.Context, id Identity) (ordinal uint64, found bool, err error)
	// Write overwrites the record for id
	Write(ctx context.Context, id Identity, ordinal uint64, endpoint string) error
	// ListAll returns every stored record
	ListAll(ctx context.Context) ([]Record, error)
	// Close releases resources held by the store
	Close() error
}

// Factory opens a store from configuration
type Factory func(ctx context.Context, config cfg.CheckpointConfiguration) (Store, error)

var (
	factories = make(map[cfg.CheckpointStoreType]Factory)
	factoryMu sync.RWMutex

	nowFunc = func() time.Time { return time.Now().UTC() }
)

// Register registers a store factory for a store type
func Register(storeType cfg.CheckpointStoreType, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[storeType] = factory
}

// Open creates the store selected by config.Store
func Open(ctx context.Context, config cfg.CheckpointConfiguration) (Store, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Store]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown checkpoint store: %s", config.Store)
	}

	store, err := factory(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s checkpoint store: %w", config.Store, err)
	}
	return store, nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Identity.Cluster != records[j].Identity.Cluster {
			return records[i].Identity.Cluster < records[j].Identity.Cluster
		}
		return records[i].Identity.ReplicaSet < records[j].Identity.ReplicaSet
	})
}
