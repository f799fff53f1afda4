package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefix for Pebble storage: /checkpoint/{cluster}/{replicaSet}
const prefixCheckpoint = "/checkpoint/"

func init() {
	Register(cfg.StorePebble, func(_ context.Context, config cfg.CheckpointConfiguration) (Store, error) {
		return NewPebbleStore(config.Path)
	})
}

// pebbleRecord is the msgpack value stored under each checkpoint key
type pebbleRecord struct {
	Cluster    string `msgpack:"cluster"`
	ReplicaSet string `msgpack:"replicaset"`
	Ordinal    uint64 `msgpack:"ldt"`
	Endpoint   string `msgpack:"conn"`
	UpdatedAt  int64  `msgpack:"updated_at"` // unix ms
}

// PebbleStore persists checkpoints in a local Pebble database
type PebbleStore struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// NewPebbleStore creates or opens a Pebble checkpoint store under dataDir
func NewPebbleStore(dataDir string) (*PebbleStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("pebble checkpoint store requires a path")
	}
	path := filepath.Join(dataDir, "checkpoints")

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("Opened pebble checkpoint store")
	return &PebbleStore{db: db, path: path}, nil
}

// Read returns the stored ordinal for id
func (p *PebbleStore) Read(_ context.Context, id Identity) (uint64, bool, error) {
	if p.closed.Load() {
		return 0, false, ErrClosed
	}

	val, closer, err := p.db.Get(checkpointKey(id))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()

	var rec pebbleRecord
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return 0, false, fmt.Errorf("corrupted checkpoint for %s: %w", id, err)
	}
	return rec.Ordinal, true, nil
}

// Write overwrites the record for id and syncs it to disk
func (p *PebbleStore) Write(_ context.Context, id Identity, ordinal uint64, endpoint string) error {
	if p.closed.Load() {
		return ErrClosed
	}

	val, err := encoding.MarshalStruct(pebbleRecord{
		Cluster:    id.Cluster,
		ReplicaSet: id.ReplicaSet,
		Ordinal:    ordinal,
		Endpoint:   endpoint,
		UpdatedAt:  nowFunc().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := p.db.Set(checkpointKey(id), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// ListAll scans every checkpoint key
func (p *PebbleStore) ListAll(_ context.Context) ([]Record, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	prefix := []byte(prefixCheckpoint)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]Record, 0)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var rec pebbleRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted checkpoint")
			continue
		}

		records = append(records, Record{
			Identity:  Identity{Cluster: rec.Cluster, ReplicaSet: rec.ReplicaSet},
			Ordinal:   rec.Ordinal,
			Endpoint:  rec.Endpoint,
			UpdatedAt: time.UnixMilli(rec.UpdatedAt).UTC(),
		})
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	sortRecords(records)
	return records, nil
}

// Close closes the Pebble database
func (p *PebbleStore) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.db.Close()
}

func checkpointKey(id Identity) []byte {
	return []byte(prefixCheckpoint + id.Cluster + "/" + id.ReplicaSet)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
