package sink

import (
	"context"
	"sync"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/tailer"
)

func init() {
	tailer.RegisterSink("mock", func(config cfg.SinkConfiguration, label string, t tailer.Transformer) (tailer.Sink, error) {
		return &MockSink{Transformer: t}, nil
	})
}

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	Transformer tailer.Transformer
	Messages    []MockMessage
	WriteErr    error
	Closed      bool
	mu          sync.Mutex
}

// MockMessage represents a delivered record for testing
type MockMessage struct {
	Record tailer.Record
	Value  []byte
}

// WriteRecord records a message for later inspection in tests
func (m *MockSink) WriteRecord(_ context.Context, rec tailer.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return m.WriteErr
	}

	var value []byte
	if m.Transformer != nil {
		var err error
		if value, err = m.Transformer.Transform(rec); err != nil {
			return err
		}
	}

	m.Messages = append(m.Messages, MockMessage{
		Record: rec,
		Value:  value,
	})

	return nil
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
