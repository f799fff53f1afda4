package sink

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/juju/mgo/v3/bson"
	"github.com/maxpert/oplogtail/encoding"
	"github.com/maxpert/oplogtail/tailer"
)

// partitionKey derives a stable routing key from the record's subject id so
// every change of one document lands on the same shard. ObjectIds use their
// hex form, other ids a hash of their canonical encoding. Records without a
// subject id get a random key.
func partitionKey(rec tailer.Record) string {
	switch id := rec.Key.(type) {
	case nil:
		return uuid.NewString()
	case bson.ObjectId:
		return id.Hex()
	case string:
		return id
	default:
		data, err := encoding.Marshal(id)
		if err != nil {
			return uuid.NewString()
		}
		return strconv.FormatUint(xxhash.Sum64(data), 16)
	}
}

// messageKey is partitionKey for brokers that accept an empty key
func messageKey(rec tailer.Record) []byte {
	if rec.Key == nil {
		return nil
	}
	return []byte(partitionKey(rec))
}
