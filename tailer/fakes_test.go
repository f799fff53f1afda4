package tailer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/oplogtail/checkpoint"
	"github.com/maxpert/oplogtail/optime"
)

const testSeconds = 1575198733

func ts(counter uint32) optime.Timestamp {
	return optime.Timestamp{Seconds: testSeconds, Counter: counter}
}

func insertEntry(counter uint32, ns string, id interface{}) ChangeEntry {
	obj := Document{"_id": id, "n": counter}
	return ChangeEntry{
		Op:        OpInsert,
		Namespace: ns,
		Timestamp: ts(counter),
		Object:    obj,
		Raw:       Document{"op": OpInsert, "ns": ns, "o": obj},
	}
}

func updateEntry(counter uint32, ns string, id interface{}) ChangeEntry {
	obj := Document{"$set": Document{"n": counter}}
	crit := Document{"_id": id}
	return ChangeEntry{
		Op:        OpUpdate,
		Namespace: ns,
		Timestamp: ts(counter),
		Object:    obj,
		Criteria:  crit,
		Raw:       Document{"op": OpUpdate, "ns": ns, "o": obj, "o2": crit},
	}
}

func noopEntry(counter uint32) ChangeEntry {
	obj := Document{"msg": "periodic noop"}
	return ChangeEntry{
		Op:        OpNoop,
		Timestamp: ts(counter),
		Object:    obj,
		Raw:       Document{"op": OpNoop, "ns": "", "o": obj},
	}
}

// fakeSource serves a fixed oplog
type fakeSource struct {
	mu        sync.Mutex
	entries   []ChangeEntry
	docs      map[string]Document
	faults    map[uint64]bool // cursor breaks once before returning these ordinals
	malformed map[uint64]bool // cursor reports these ordinals as undecodable
	pingFails int
	lookupErr int // lookups to fail before succeeding

	pings   atomic.Int32
	opens   []optime.Timestamp
	closed  atomic.Bool
	lookups atomic.Int32
}

func newFakeSource(entries ...ChangeEntry) *fakeSource {
	return &fakeSource{
		entries:   entries,
		docs:      make(map[string]Document),
		faults:    make(map[uint64]bool),
		malformed: make(map[uint64]bool),
	}
}

func docKey(ns string, id interface{}) string {
	return ns + "|" + fmt.Sprint(id)
}

func (s *fakeSource) Ping(ctx context.Context) error {
	n := s.pings.Add(1)
	if int(n) <= s.pingFails {
		return errors.New("server selection timeout")
	}
	return nil
}

func (s *fakeSource) Earliest(ctx context.Context) (optime.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return optime.Timestamp{}, errors.New("empty oplog")
	}
	return s.entries[0].Timestamp, nil
}

func (s *fakeSource) Open(ctx context.Context, from optime.Timestamp) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, from)

	c := &fakeCursor{src: s}
	for _, e := range s.entries {
		if e.Ordinal() >= from.Ordinal() {
			c.entries = append(c.entries, e)
		}
	}
	return c, nil
}

func (s *fakeSource) Lookup(ctx context.Context, namespace string, id interface{}) (Document, error) {
	n := s.lookups.Add(1)
	if int(n) <= s.lookupErr {
		return nil, errors.New("no reachable servers")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[docKey(namespace, id)], nil
}

func (s *fakeSource) Endpoint() string { return "db1:27017" }

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSource) openedAt() []optime.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]optime.Timestamp(nil), s.opens...)
}

type fakeCursor struct {
	src     *fakeSource
	entries []ChangeEntry
	idx     int
	closed  atomic.Bool
}

func (c *fakeCursor) Next(ctx context.Context) (ChangeEntry, error) {
	if err := ctx.Err(); err != nil {
		return ChangeEntry{}, err
	}

	c.src.mu.Lock()
	if c.idx < len(c.entries) {
		e := c.entries[c.idx]
		if c.src.faults[e.Ordinal()] {
			delete(c.src.faults, e.Ordinal())
			c.src.mu.Unlock()
			return ChangeEntry{}, errors.New("connection reset by peer")
		}
		c.idx++
		if c.src.malformed[e.Ordinal()] {
			c.src.mu.Unlock()
			return ChangeEntry{Timestamp: e.Timestamp}, fmt.Errorf("%w: entry %d has no op", ErrMalformedEntry, e.Ordinal())
		}
		c.src.mu.Unlock()
		return e, nil
	}
	c.src.mu.Unlock()

	select {
	case <-ctx.Done():
		return ChangeEntry{}, ctx.Err()
	case <-time.After(2 * time.Millisecond):
		return ChangeEntry{}, ErrIdle
	}
}

func (c *fakeCursor) Close() error {
	c.closed.Store(true)
	return nil
}

// recordingSink keeps every record and can fail on one ordinal
type recordingSink struct {
	mu      sync.Mutex
	records []Record
	failOn  uint64
	closed  bool
}

func (s *recordingSink) WriteRecord(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != 0 && rec.Ordinal == s.failOn {
		return errors.New("stream throughput exceeded")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) ordinals() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.records))
	for i, r := range s.records {
		out[i] = r.Ordinal
	}
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// recordingStore records every successful checkpoint write
type recordingStore struct {
	*checkpoint.MemoryStore
	mu         sync.Mutex
	written    []uint64
	failWrites atomic.Bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: checkpoint.NewMemoryStore()}
}

func (s *recordingStore) Write(ctx context.Context, id checkpoint.Identity, ordinal uint64, endpoint string) error {
	if s.failWrites.Load() {
		return errors.New("table unavailable")
	}
	s.mu.Lock()
	s.written = append(s.written, ordinal)
	s.mu.Unlock()
	return s.MemoryStore.Write(ctx, id, ordinal, endpoint)
}

func (s *recordingStore) ordinals() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.written...)
}

var testIdentity = checkpoint.Identity{Cluster: "orders", ReplicaSet: "rs0"}

func testConfig(src Source, store checkpoint.Store, sinks ...Sink) Config {
	return Config{
		Identity:          testIdentity,
		Source:            src,
		Store:             store,
		Sinks:             sinks,
		ConnectAttempts:   3,
		ConnectRetryDelay: time.Millisecond,
		ReconnectBackoff:  time.Millisecond,
	}
}

// startTailer runs t in the background and returns a channel with Run's result
func startTailer(t *Tailer) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.Run(context.Background())
	}()
	return errCh
}
