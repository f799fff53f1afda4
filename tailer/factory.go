package tailer

import (
	"fmt"
	"sync"

	"github.com/maxpert/oplogtail/cfg"
)

// Transformer renders a record for the wire
type Transformer interface {
	Transform(rec Record) ([]byte, error)
	// ContentType describes the output, e.g. "application/json"
	ContentType() string
}

// SinkFactory creates a sink for one tailer from a configuration
type SinkFactory func(config cfg.SinkConfiguration, tailer string, transformer Transformer) (Sink, error)

// TransformerFactory creates a transformer from a sink configuration (format and compression)
type TransformerFactory func(config cfg.SinkConfiguration) (Transformer, error)

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// CreateTransformer creates the transformer for config.Format
func CreateTransformer(config cfg.SinkConfiguration) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[config.Format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", config.Format)
	}
	return factory(config)
}

// CreateSink creates the sink for config.Type with its transformer
func CreateSink(config cfg.SinkConfiguration, tailer string) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	trans, err := CreateTransformer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create transformer: %w", err)
	}

	return factory(config, tailer, trans)
}
