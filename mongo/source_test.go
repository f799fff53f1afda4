package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/mgo/v3/bson"
	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIter replays documents, then reports timeouts or an error
type fakeIter struct {
	docs     []bson.M
	timeouts int
	err      error
	timedOut bool
	closed   bool
}

func (f *fakeIter) Next(result interface{}) bool {
	f.timedOut = false
	if len(f.docs) > 0 {
		*(result.(*bson.M)) = f.docs[0]
		f.docs = f.docs[1:]
		return true
	}
	if f.timeouts > 0 {
		f.timeouts--
		f.timedOut = true
	}
	return false
}

func (f *fakeIter) Timeout() bool { return f.timedOut }
func (f *fakeIter) Err() error    { return f.err }
func (f *fakeIter) Close() error {
	f.closed = true
	return nil
}

func TestCursor_Next(t *testing.T) {
	it := &fakeIter{
		docs: []bson.M{
			{"ts": oplogTs(1), "op": "i", "ns": "shop.orders", "o": bson.M{"_id": orderID}},
		},
		timeouts: 1,
		err:      errors.New("EOF"),
	}
	c := &cursor{iter: it}
	ctx := context.Background()

	entry, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shop.orders", entry.Namespace)

	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, tailer.ErrIdle)

	_, err = c.Next(ctx)
	assert.EqualError(t, err, "EOF")

	require.NoError(t, c.Close())
	assert.True(t, it.closed)
}

func TestCursor_MalformedEntryKeepsCursorUsable(t *testing.T) {
	it := &fakeIter{
		docs: []bson.M{
			{"ts": oplogTs(1), "ns": "shop.orders"},
			{"ts": oplogTs(2), "op": "i", "ns": "shop.orders", "o": bson.M{"_id": orderID}},
		},
	}
	c := &cursor{iter: it}
	ctx := context.Background()

	entry, err := c.Next(ctx)
	assert.ErrorIs(t, err, tailer.ErrMalformedEntry)
	assert.Equal(t, oplogTs(1), BSONTimestamp(entry.Timestamp))

	entry, err = c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplogTs(2), BSONTimestamp(entry.Timestamp))
}

func TestCursor_DeadCursorWithoutError(t *testing.T) {
	c := &cursor{iter: &fakeIter{}}
	_, err := c.Next(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, tailer.ErrIdle)
}

func TestCursor_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &cursor{iter: &fakeIter{docs: []bson.M{{"ts": oplogTs(1), "op": "n"}}}}
	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialInfo(t *testing.T) {
	info, err := DialInfo(cfg.MongoConfiguration{
		Host:       "db1.internal",
		Port:       27018,
		ReplicaSet: "rs0",
		Username:   "tailer",
		Password:   "secret",
		AuthSource: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"db1.internal:27018"}, info.Addrs)
	assert.Equal(t, "rs0", info.ReplicaSetName)
	assert.False(t, info.Direct)
	assert.Equal(t, "admin", info.Source)
	assert.Equal(t, 10*time.Second, info.Timeout)

	info, err = DialInfo(cfg.MongoConfiguration{Host: "localhost", DialTimeoutSeconds: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:27017"}, info.Addrs)
	assert.True(t, info.Direct)
	assert.Equal(t, 3*time.Second, info.Timeout)

	_, err = DialInfo(cfg.MongoConfiguration{})
	assert.Error(t, err)
}

func TestSource_NotConnected(t *testing.T) {
	src, err := NewSource(context.Background(), cfg.TailerConfiguration{
		Cluster: "orders",
		Mongo:   cfg.MongoConfiguration{Host: "localhost", Port: 27017},
	})
	require.NoError(t, err)
	assert.Equal(t, "localhost:27017", src.Endpoint())

	_, err = src.Earliest(context.Background())
	assert.Error(t, err)
	_, err = src.Open(context.Background(), TimestampOf(oplogTs(1)))
	assert.Error(t, err)
	_, err = src.Lookup(context.Background(), "shop.orders", orderID)
	assert.Error(t, err)
	_, err = src.Lookup(context.Background(), "nodot", orderID)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, src.Ping(ctx), context.Canceled)

	assert.NoError(t, src.Close())
}
