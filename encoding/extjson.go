package encoding

import (
	"time"

	"github.com/juju/mgo/v3/bson"
)

// MarshalExtendedJSON renders a value as MongoDB extended JSON, so ObjectIds,
// dates and timestamps keep their type tags ({"$oid": ...} and friends).
func MarshalExtendedJSON(v interface{}) ([]byte, error) {
	return bson.MarshalJSON(v)
}

// UnmarshalExtendedJSON parses MongoDB extended JSON
func UnmarshalExtendedJSON(data []byte, v interface{}) error {
	return bson.UnmarshalJSON(data, v)
}

// Plain converts BSON-specific values into plain Go values suitable for
// formats without BSON type tags:
//   - bson.ObjectId      -> hex string
//   - bson.MongoTimestamp -> uint64 ordinal
//   - bson.D / bson.M    -> map[string]interface{}
//   - bson.Binary        -> []byte
//   - time.Time          -> UTC time.Time
//
// Slices and maps are converted recursively. Other values pass through.
func Plain(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case bson.ObjectId:
		return val.Hex()
	case bson.MongoTimestamp:
		return uint64(val)
	case bson.Binary:
		return val.Data
	case time.Time:
		return val.UTC()
	case bson.D:
		m := make(map[string]interface{}, len(val))
		for _, e := range val {
			m[e.Name] = Plain(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]interface{}, len(val))
		for k, e := range val {
			m[k] = Plain(e)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, e := range val {
			m[k] = Plain(e)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = Plain(e)
		}
		return out
	default:
		return v
	}
}
