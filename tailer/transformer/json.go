// Package transformer provides implementations of the tailer.Transformer
// interface for rendering forwarded records in sink-specific formats.
package transformer

import (
	"fmt"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/encoding"
	"github.com/maxpert/oplogtail/tailer"
)

const (
	FormatJSON     = "json"
	FormatMsgpack  = "msgpack"
	FormatDebezium = "debezium"
)

func init() {
	tailer.RegisterTransformer(FormatJSON, func(config cfg.SinkConfiguration) (tailer.Transformer, error) {
		return WithCompression(NewJSONTransformer(), config.Compression)
	})
	// Unset format means json
	tailer.RegisterTransformer("", func(config cfg.SinkConfiguration) (tailer.Transformer, error) {
		return WithCompression(NewJSONTransformer(), config.Compression)
	})
}

// JSONTransformer renders the wire record as MongoDB extended JSON, so
// ObjectIds, dates and timestamps keep their type tags.
type JSONTransformer struct{}

// NewJSONTransformer creates a new extended JSON transformer
func NewJSONTransformer() *JSONTransformer {
	return &JSONTransformer{}
}

// Transform renders {doc} or {ts, doc}
func (j *JSONTransformer) Transform(rec tailer.Record) ([]byte, error) {
	data, err := encoding.MarshalExtendedJSON(rec.Wire())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %d: %w", rec.Ordinal, err)
	}
	return data, nil
}

func (j *JSONTransformer) ContentType() string {
	return "application/json"
}
