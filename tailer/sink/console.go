package sink

import (
	"context"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/maxpert/oplogtail/tailer/transformer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	tailer.RegisterSink("console", func(config cfg.SinkConfiguration, label string, t tailer.Transformer) (tailer.Sink, error) {
		return NewConsoleSink(label, t, log.Logger), nil
	})
}

// ConsoleSink logs every record at info level
type ConsoleSink struct {
	label       string
	transformer tailer.Transformer
	raw         bool
	logger      zerolog.Logger
}

// NewConsoleSink creates a console sink writing to logger
func NewConsoleSink(label string, t tailer.Transformer, logger zerolog.Logger) *ConsoleSink {
	return &ConsoleSink{
		label:       label,
		transformer: t,
		raw:         t.ContentType() == "application/json" && transformer.ContentEncoding(t) == "",
		logger:      logger,
	}
}

func (c *ConsoleSink) WriteRecord(_ context.Context, rec tailer.Record) error {
	data, err := c.transformer.Transform(rec)
	if err != nil {
		return err
	}

	ev := c.logger.Info().
		Str("tailer", c.label).
		Str("ns", rec.Namespace).
		Str("op", rec.Op)
	if c.raw {
		ev = ev.RawJSON("record", data)
	} else {
		ev = ev.Hex("record", data)
	}
	ev.Msg("Record")
	return nil
}

func (c *ConsoleSink) Close() error {
	return nil
}
