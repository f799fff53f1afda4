package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the contract every backend must satisfy
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	a := Identity{Cluster: "orders", ReplicaSet: "rs0"}
	b := Identity{Cluster: "billing", ReplicaSet: "rs1"}

	_, found, err := store.Read(ctx, a)
	require.NoError(t, err)
	assert.False(t, found, "fresh store should have no checkpoint")

	require.NoError(t, store.Write(ctx, a, 6765427042935635968, "db1:27017"))
	require.NoError(t, store.Write(ctx, b, 42, "db2:27017"))

	ordinal, found, err := store.Read(ctx, a)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(6765427042935635968), ordinal)

	// Last writer wins
	require.NoError(t, store.Write(ctx, a, 6765427042935635969, "db3:27017"))
	ordinal, _, err = store.Read(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint64(6765427042935635969), ordinal)

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, b, records[0].Identity)
	assert.Equal(t, uint64(42), records[0].Ordinal)
	assert.Equal(t, a, records[1].Identity)
	assert.Equal(t, uint64(6765427042935635969), records[1].Ordinal)
	assert.Equal(t, "db3:27017", records[1].Endpoint)
	assert.False(t, records[1].UpdatedAt.IsZero())
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)
	assert.Equal(t, uint64(3), store.Writes())

	require.NoError(t, store.Close())
	_, _, err := store.Read(context.Background(), Identity{Cluster: "orders"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNullStore(t *testing.T) {
	ctx := context.Background()
	var store Store = NullStore{}

	require.NoError(t, store.Write(ctx, Identity{Cluster: "orders", ReplicaSet: "rs0"}, 10, "db1:27017"))
	_, found, err := store.Read(ctx, Identity{Cluster: "orders", ReplicaSet: "rs0"})
	require.NoError(t, err)
	assert.False(t, found)

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPebbleStore(t *testing.T) {
	dir := t.TempDir()

	store, err := NewPebbleStore(dir)
	require.NoError(t, err)
	exerciseStore(t, store)
	require.NoError(t, store.Close())

	// Survives reopen
	store, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer store.Close()

	ordinal, found, err := store.Read(context.Background(), Identity{Cluster: "billing", ReplicaSet: "rs1"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(42), ordinal)
}

func TestSQLStore_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "checkpoints.db")

	store, err := NewSQLStore(context.Background(), cfg.SQLConfiguration{Driver: "sqlite3", DSN: dsn})
	require.NoError(t, err)
	exerciseStore(t, store)
	require.NoError(t, store.Close())

	// Table creation is idempotent and data persists
	store, err = NewSQLStore(context.Background(), cfg.SQLConfiguration{Driver: "sqlite3", DSN: dsn})
	require.NoError(t, err)
	defer store.Close()

	ordinal, found, err := store.Read(context.Background(), Identity{Cluster: "orders", ReplicaSet: "rs0"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(6765427042935635969), ordinal)
}

func TestSQLStore_HighOrdinal(t *testing.T) {
	store, err := NewSQLStore(context.Background(), cfg.SQLConfiguration{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "checkpoints.db"),
	})
	require.NoError(t, err)
	defer store.Close()

	id := Identity{Cluster: "orders", ReplicaSet: "rs0"}
	high := uint64(1)<<63 | 7
	require.NoError(t, store.Write(context.Background(), id, high, ""))

	ordinal, _, err := store.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, high, ordinal)
}

func TestSQLStore_Validation(t *testing.T) {
	_, err := NewSQLStore(context.Background(), cfg.SQLConfiguration{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)

	_, err = NewSQLStore(context.Background(), cfg.SQLConfiguration{Driver: "sqlite3"})
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, cfg.CheckpointConfiguration{Store: cfg.StoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = Open(ctx, cfg.CheckpointConfiguration{Store: cfg.StoreNull})
	require.NoError(t, err)
	assert.IsType(t, NullStore{}, store)

	store, err = Open(ctx, cfg.CheckpointConfiguration{Store: cfg.StorePebble, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &PebbleStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(ctx, cfg.CheckpointConfiguration{Store: "etcd"})
	assert.Error(t, err)
}

func TestIdentity(t *testing.T) {
	id := IdentityOf(cfg.TailerConfiguration{
		Cluster: "orders",
		Mongo:   cfg.MongoConfiguration{Host: "db1", Port: 27017},
	})
	assert.Equal(t, Identity{Cluster: "orders", ReplicaSet: "db1:27017"}, id)
	assert.Equal(t, "orders:db1:27017", id.String())

	id = IdentityOf(cfg.TailerConfiguration{
		Cluster: "orders",
		Mongo:   cfg.MongoConfiguration{Host: "db1", Port: 27017, ReplicaSet: "rs0"},
	})
	assert.Equal(t, "orders:rs0", id.String())
}
