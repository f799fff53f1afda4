package sink

import (
	"context"
	"fmt"
	"strconv"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/maxpert/oplogtail/tailer/transformer"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	tailer.RegisterSink("kafka", func(config cfg.SinkConfiguration, label string, t tailer.Transformer) (tailer.Sink, error) {
		kafkaConfig := KafkaConfig{
			Brokers:          config.Brokers,
			Topic:            config.Topic,
			BatchSize:        config.BatchSize,
			BatchBytes:       DefaultKafkaBatchBytes,
			RequiredAcks:     kafka.RequireAll,
			AutoCreateTopics: true,
		}
		return NewKafkaSink(kafkaConfig, label, t)
	})
}

// messageWriter is the part of kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records to Kafka, keyed by subject id
type KafkaSink struct {
	writer      messageWriter
	topic       string
	label       string
	transformer tailer.Transformer
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	Topic            string             // Fixed topic; empty routes by namespace
	BatchSize        int                // Batch size (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create topics if they don't exist
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig, label string, t tailer.Transformer) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // same document, same partition
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return newKafkaSink(writer, config.Topic, label, t), nil
}

func newKafkaSink(w messageWriter, topic, label string, t tailer.Transformer) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic, label: label, transformer: t}
}

// WriteRecord publishes one record synchronously
func (k *KafkaSink) WriteRecord(ctx context.Context, rec tailer.Record) error {
	value, err := k.transformer.Transform(rec)
	if err != nil {
		return err
	}

	topic := k.topic
	if topic == "" {
		topic = rec.Namespace
	}

	headers := []kafka.Header{
		{Key: "tailer", Value: []byte(k.label)},
		{Key: "op", Value: []byte(rec.Op)},
		{Key: "ordinal", Value: []byte(strconv.FormatUint(rec.Ordinal, 10))},
		{Key: "content-type", Value: []byte(k.transformer.ContentType())},
	}
	if enc := transformer.ContentEncoding(k.transformer); enc != "" {
		headers = append(headers, kafka.Header{Key: "content-encoding", Value: []byte(enc)})
	}

	msg := kafka.Message{
		Topic:   topic,
		Key:     messageKey(rec),
		Value:   value,
		Headers: headers,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
