// Package mongo tails a MongoDB replica set oplog with juju/mgo.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/optime"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/rs/zerolog/log"
)

const (
	oplogDatabase   = "local"
	oplogCollection = "oplog.rs"

	defaultDialTimeout  = 10 * time.Second
	defaultAwaitTimeout = time.Second
)

// Source is a replica set reachable through mgo. The session is dialled
// lazily by the first Ping, so the tailer's bounded connectivity check also
// covers the initial dial.
type Source struct {
	info  *mgo.DialInfo
	await time.Duration

	mu       sync.Mutex
	session  *mgo.Session
	endpoint string
}

// NewSource creates a source for one tailer configuration. It does not dial.
func NewSource(_ context.Context, config cfg.TailerConfiguration) (tailer.Source, error) {
	return newSource(config.Mongo)
}

func newSource(config cfg.MongoConfiguration) (*Source, error) {
	info, err := DialInfo(config)
	if err != nil {
		return nil, err
	}

	await := time.Duration(config.AwaitTimeoutMS) * time.Millisecond
	if await <= 0 {
		await = defaultAwaitTimeout
	}

	return &Source{
		info:     info,
		await:    await,
		endpoint: info.Addrs[0],
	}, nil
}

// DialInfo builds mgo dial settings. With a replica set name the connection
// follows the primary; without one it goes straight to the host.
func DialInfo(config cfg.MongoConfiguration) (*mgo.DialInfo, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("mongo host is required")
	}
	port := config.Port
	if port == 0 {
		port = 27017
	}

	timeout := time.Duration(config.DialTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	info := &mgo.DialInfo{
		Addrs:          []string{net.JoinHostPort(config.Host, strconv.Itoa(port))},
		ReplicaSetName: config.ReplicaSet,
		Direct:         config.ReplicaSet == "",
		Timeout:        timeout,
		Username:       config.Username,
		Password:       config.Password,
		Source:         config.AuthSource,
	}
	return info, nil
}

// Ping dials on first use, refreshes the session afterwards and checks the
// server responds
func (s *Source) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		session, err := mgo.DialWithInfo(s.info)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", strings.Join(s.info.Addrs, ","), err)
		}
		session.SetMode(mgo.Monotonic, true)
		s.session = session
	} else {
		s.session.Refresh()
	}

	build, err := s.session.BuildInfo()
	if err != nil {
		return err
	}
	if servers := s.session.LiveServers(); len(servers) > 0 {
		s.endpoint = strings.Join(servers, ",")
	}

	log.Debug().
		Str("endpoint", s.endpoint).
		Str("version", build.Version).
		Msg("MongoDB reachable")
	return nil
}

func (s *Source) copySession() (*mgo.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, errors.New("mongo session not connected")
	}
	return s.session.Copy(), nil
}

// Earliest returns the timestamp of the oldest entry still in the oplog
func (s *Source) Earliest(ctx context.Context) (optime.Timestamp, error) {
	session, err := s.copySession()
	if err != nil {
		return optime.Timestamp{}, err
	}
	defer session.Close()

	var first struct {
		Ts bson.MongoTimestamp `bson:"ts"`
	}
	err = session.DB(oplogDatabase).C(oplogCollection).
		Find(nil).
		Sort("$natural").
		Select(bson.M{"ts": 1}).
		One(&first)
	if err != nil {
		return optime.Timestamp{}, fmt.Errorf("failed to read first oplog entry: %w", err)
	}
	return TimestampOf(first.Ts), nil
}

// Open starts a tailable, awaiting cursor over entries at or after from
func (s *Source) Open(ctx context.Context, from optime.Timestamp) (tailer.Cursor, error) {
	session, err := s.copySession()
	if err != nil {
		return nil, err
	}

	iter := session.DB(oplogDatabase).C(oplogCollection).
		Find(bson.M{"ts": bson.M{"$gte": BSONTimestamp(from)}}).
		LogReplay().
		Tail(s.await)

	return &cursor{iter: iter, session: session}, nil
}

// Lookup fetches the current version of a document by _id. The context
// deadline becomes the socket timeout of the query.
func (s *Source) Lookup(ctx context.Context, namespace string, id interface{}) (tailer.Document, error) {
	db, coll, ok := strings.Cut(namespace, ".")
	if !ok {
		return nil, fmt.Errorf("invalid namespace %q", namespace)
	}

	session, err := s.copySession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if deadline, ok := ctx.Deadline(); ok {
		timeout := time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
		session.SetSocketTimeout(timeout)
	}

	var doc bson.M
	err = session.DB(db).C(coll).FindId(id).One(&doc)
	if errors.Is(err, mgo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tailer.Document(doc), nil
}

// Endpoint returns the servers of the current session
func (s *Source) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
	return nil
}

// iterator is the part of mgo.Iter the cursor uses
type iterator interface {
	Next(result interface{}) bool
	Timeout() bool
	Err() error
	Close() error
}

type cursor struct {
	iter    iterator
	session *mgo.Session
}

// Next returns the next entry. An await timeout yields tailer.ErrIdle and
// leaves the cursor usable.
func (c *cursor) Next(ctx context.Context) (tailer.ChangeEntry, error) {
	if err := ctx.Err(); err != nil {
		return tailer.ChangeEntry{}, err
	}

	var raw bson.M
	if c.iter.Next(&raw) {
		return ParseEntry(raw)
	}
	if c.iter.Timeout() {
		return tailer.ChangeEntry{}, tailer.ErrIdle
	}
	if err := c.iter.Err(); err != nil {
		return tailer.ChangeEntry{}, err
	}
	return tailer.ChangeEntry{}, errors.New("oplog cursor closed by server")
}

func (c *cursor) Close() error {
	err := c.iter.Close()
	if c.session != nil {
		c.session.Close()
	}
	return err
}
