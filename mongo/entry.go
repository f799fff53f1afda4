package mongo

import (
	"fmt"

	"github.com/juju/mgo/v3/bson"
	"github.com/maxpert/oplogtail/optime"
	"github.com/maxpert/oplogtail/tailer"
)

// ParseEntry converts a raw oplog document into a change entry. Decode
// failures wrap tailer.ErrMalformedEntry; the returned entry then carries the
// timestamp when one could be read.
func ParseEntry(raw bson.M) (tailer.ChangeEntry, error) {
	ts, ok := raw["ts"].(bson.MongoTimestamp)
	if !ok {
		return tailer.ChangeEntry{}, fmt.Errorf("%w: no timestamp (%T)", tailer.ErrMalformedEntry, raw["ts"])
	}
	op, ok := raw["op"].(string)
	if !ok {
		return tailer.ChangeEntry{Timestamp: TimestampOf(ts)}, fmt.Errorf("%w: entry %d has no op", tailer.ErrMalformedEntry, ts)
	}
	ns, _ := raw["ns"].(string)

	return tailer.ChangeEntry{
		Op:        op,
		Namespace: ns,
		Timestamp: TimestampOf(ts),
		Object:    asDocument(raw["o"]),
		Criteria:  asDocument(raw["o2"]),
		Raw:       tailer.Document(raw),
	}, nil
}

// TimestampOf converts a BSON timestamp to its compound form
func TimestampOf(ts bson.MongoTimestamp) optime.Timestamp {
	return optime.FromOrdinal(uint64(ts))
}

// BSONTimestamp converts a compound timestamp to its BSON form
func BSONTimestamp(ts optime.Timestamp) bson.MongoTimestamp {
	return bson.MongoTimestamp(ts.Ordinal())
}

func asDocument(v interface{}) tailer.Document {
	switch d := v.(type) {
	case bson.M:
		return tailer.Document(d)
	case map[string]interface{}:
		return d
	case bson.D:
		return tailer.Document(d.Map())
	default:
		return nil
	}
}
