// Package encoding provides centralized record serialization for oplogtail.
// ALL msgpack and extended JSON operations MUST go through this package so
// every sink renders oplog values the same way.
//
// Thread Safety: all functions are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode as
// Go strings (not []byte), so namespace and id fields survive a round trip
// unchanged.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format. BSON-specific values are
// flattened first (see Plain).
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(Plain(v)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// MarshalStruct encodes a Go struct with its msgpack tags, without flattening.
func MarshalStruct(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not []byte).
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
