package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/encoding"
	"github.com/maxpert/oplogtail/optime"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/rs/zerolog/log"
)

func init() {
	tailer.RegisterTransformer(FormatDebezium, func(config cfg.SinkConfiguration) (tailer.Transformer, error) {
		return WithCompression(NewDebeziumTransformer(config.Name), config.Compression)
	})
}

// DebeziumTransformer renders records in the envelope used by the Debezium
// MongoDB connector, so existing Kafka Connect consumers can read them.
//
// The document travels as an extended JSON string in payload.after (null for
// deletes and for resolved documents that no longer exist). Source metadata
// carries the namespace and the oplog position split into ts_ms and ord.
type DebeziumTransformer struct {
	name   string
	schema *debeziumEnvelopeSchema
}

// NewDebeziumTransformer creates a new Debezium transformer. name is reported
// as source.name.
func NewDebeziumTransformer(name string) *DebeziumTransformer {
	if name == "" {
		name = "oplogtail"
	}
	return &DebeziumTransformer{
		name:   name,
		schema: buildEnvelopeSchema(),
	}
}

type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     string                `json:"type"`
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload debeziumPayload         `json:"payload"`
}

type debeziumPayload struct {
	After  *string        `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source debeziumSource `json:"source"`
}

type debeziumSource struct {
	Connector  string `json:"connector"`
	Name       string `json:"name"`
	TsMs       int64  `json:"ts_ms"`
	Db         string `json:"db"`
	Collection string `json:"collection"`
	Ord        uint32 `json:"ord"`
}

// Transform converts a record to the Debezium JSON envelope
func (d *DebeziumTransformer) Transform(rec tailer.Record) ([]byte, error) {
	op := d.mapOperation(rec.Op)

	var after *string
	if rec.Doc != nil && op != "d" {
		data, err := encoding.MarshalExtendedJSON(rec.Doc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal document: %w", err)
		}
		s := string(data)
		after = &s
	}

	pos := optime.FromOrdinal(rec.Ordinal)
	entry := tailer.ChangeEntry{Namespace: rec.Namespace}
	tsMs := int64(pos.Seconds) * 1000

	message := debeziumMessage{
		Schema: d.schema,
		Payload: debeziumPayload{
			After: after,
			Op:    op,
			TsMs:  tsMs,
			Source: debeziumSource{
				Connector:  "mongodb",
				Name:       d.name,
				TsMs:       tsMs,
				Db:         entry.Database(),
				Collection: entry.Collection(),
				Ord:        pos.Counter,
			},
		},
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

func (d *DebeziumTransformer) ContentType() string {
	return "application/json"
}

// mapOperation maps oplog operations to Debezium operations
func (d *DebeziumTransformer) mapOperation(op string) string {
	switch op {
	case tailer.OpInsert:
		return "c"
	case tailer.OpUpdate:
		return "u"
	case tailer.OpDelete:
		return "d"
	default:
		log.Warn().Str("operation", op).Msg("unknown oplog operation, defaulting to update")
		return "u"
	}
}

func buildEnvelopeSchema() *debeziumEnvelopeSchema {
	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: "oplogtail.Envelope",
		Fields: []debeziumSchemaField{
			{
				Field:    "after",
				Type:     "string",
				Optional: true,
				Name:     "io.debezium.data.Json",
			},
			{
				Field: "op",
				Type:  "string",
			},
			{
				Field: "ts_ms",
				Type:  "int64",
			},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.debezium.connector.mongo.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "name", Type: "string"},
					{Field: "ts_ms", Type: "int64"},
					{Field: "db", Type: "string"},
					{Field: "collection", Type: "string"},
					{Field: "ord", Type: "int32"},
				},
			},
		},
	}
}
