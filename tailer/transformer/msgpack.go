package transformer

import (
	"fmt"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/encoding"
	"github.com/maxpert/oplogtail/tailer"
)

func init() {
	tailer.RegisterTransformer(FormatMsgpack, func(config cfg.SinkConfiguration) (tailer.Transformer, error) {
		return WithCompression(NewMsgpackTransformer(), config.Compression)
	})
}

// MsgpackTransformer renders the wire record as msgpack. BSON values are
// flattened (ObjectIds become hex strings).
type MsgpackTransformer struct{}

// NewMsgpackTransformer creates a new msgpack transformer
func NewMsgpackTransformer() *MsgpackTransformer {
	return &MsgpackTransformer{}
}

func (m *MsgpackTransformer) Transform(rec tailer.Record) ([]byte, error) {
	data, err := encoding.Marshal(rec.Wire())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %d: %w", rec.Ordinal, err)
	}
	return data, nil
}

func (m *MsgpackTransformer) ContentType() string {
	return "application/msgpack"
}
