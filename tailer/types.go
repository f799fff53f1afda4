package tailer

import (
	"context"
	"errors"
	"strings"

	"github.com/maxpert/oplogtail/optime"
)

// Oplog operation kinds
const (
	OpInsert  = "i"
	OpUpdate  = "u"
	OpDelete  = "d"
	OpNoop    = "n"
	OpCommand = "c"
)

var (
	// ErrStartup means the source stayed unreachable after the bounded connectivity checks
	ErrStartup = errors.New("source unreachable")

	// ErrLookup wraps a failed full document lookup; treated as a transient read fault
	ErrLookup = errors.New("document lookup failed")

	// ErrSink wraps a sink write failure; fatal to the worker
	ErrSink = errors.New("sink write failed")

	// ErrIdle is returned by Cursor.Next when the await timeout elapses without a new entry
	ErrIdle = errors.New("no entry available")

	// ErrMalformedEntry is returned by Cursor.Next for an entry that cannot be
	// decoded. The cursor has already moved past it.
	ErrMalformedEntry = errors.New("malformed oplog entry")

	// ErrNoSinks is returned when a tailer is built without any sink
	ErrNoSinks = errors.New("data sink not registered")

	// ErrResolveRequiresTimestamp rejects full document resolution without timestamp tagging
	ErrResolveRequiresTimestamp = errors.New("full document resolution requires timestamp tagging")
)

// Document is a decoded BSON document
type Document = map[string]interface{}

// ChangeEntry is one oplog record as read from the source. Immutable once read.
type ChangeEntry struct {
	Op        string
	Namespace string // db.collection
	Timestamp optime.Timestamp
	Object    Document // o: inserted document, update descriptor or deleted id
	Criteria  Document // o2: update target
	Raw       Document // the whole entry
}

// Ordinal returns the entry position
func (e ChangeEntry) Ordinal() uint64 {
	return e.Timestamp.Ordinal()
}

// Database returns the database part of the namespace
func (e ChangeEntry) Database() string {
	db, _, _ := strings.Cut(e.Namespace, ".")
	return db
}

// Collection returns the collection part of the namespace. Collection names may contain dots.
func (e ChangeEntry) Collection() string {
	_, coll, _ := strings.Cut(e.Namespace, ".")
	return coll
}

// SubjectID returns the id of the document the entry changes: o._id for
// inserts and deletes, o2._id for updates.
func (e ChangeEntry) SubjectID() (interface{}, bool) {
	var src Document
	switch e.Op {
	case OpInsert, OpDelete:
		src = e.Object
	case OpUpdate:
		src = e.Criteria
	default:
		return nil, false
	}
	if src == nil {
		return nil, false
	}
	id, ok := src["_id"]
	if !ok || id == nil {
		return nil, false
	}
	return id, true
}

// Record is what every sink receives for one forwarded entry
type Record struct {
	Ordinal   uint64
	Tagged    bool        // include ts in the wire form
	Namespace string      // origin namespace, for routing
	Op        string      // origin operation
	Key       interface{} // subject id when known, for partitioning
	Doc       Document    // raw entry or resolved document; nil when not found
}

// Wire renders the sink wire record: {doc} or {ts, doc}
func (r Record) Wire() map[string]interface{} {
	w := make(map[string]interface{}, 2)
	if r.Doc == nil {
		w["doc"] = nil
	} else {
		w["doc"] = r.Doc
	}
	if r.Tagged {
		w["ts"] = r.Ordinal
	}
	return w
}

// Options is the per-session tailing configuration. It is passed by value at
// construction and cannot change while the tailer runs.
type Options struct {
	TagTimestamp        bool // add ts to every record
	ResolveFullDocument bool // forward the current document instead of the entry
}

// Validate rejects inconsistent options
func (o Options) Validate() error {
	if o.ResolveFullDocument && !o.TagTimestamp {
		return ErrResolveRequiresTimestamp
	}
	return nil
}

// Sink accepts one record at a time. Calls are synchronous and never
// concurrent for one tailer. A sink that wants resilience retries locally
// before returning an error; the engine treats any error as fatal.
type Sink interface {
	WriteRecord(ctx context.Context, rec Record) error
	Close() error
}

// Flusher is implemented by sinks that buffer records. Buffered records are
// flushed before every checkpoint write, so a stored position never covers
// records still sitting in a buffer.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Cursor is an open, ordered iteration over oplog entries
type Cursor interface {
	// Next blocks for the next entry. Returns ErrIdle when the await timeout
	// elapses and ErrMalformedEntry, with whatever timestamp could be read,
	// for an undecodable entry. Any other error means the cursor is unusable.
	Next(ctx context.Context) (ChangeEntry, error)
	Close() error
}

// Source is the replicated database being tailed
type Source interface {
	// Ping checks connectivity
	Ping(ctx context.Context) error
	// Earliest returns the oldest position still available
	Earliest(ctx context.Context) (optime.Timestamp, error)
	// Open returns a cursor over entries at or after from
	Open(ctx context.Context, from optime.Timestamp) (Cursor, error)
	// Lookup fetches the current state of a document. Returns nil, nil when it no longer exists.
	Lookup(ctx context.Context, namespace string, id interface{}) (Document, error)
	// Endpoint describes the connected server, recorded with each checkpoint
	Endpoint() string
	Close() error
}
