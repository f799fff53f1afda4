package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/maxpert/oplogtail/tailer/transformer"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const defaultNatsSubjectPrefix = "oplog"

func init() {
	tailer.RegisterSink("nats", func(config cfg.SinkConfiguration, label string, t tailer.Transformer) (tailer.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL, config.Topic, config.Stream, label, t)
	})
}

// NatsSink publishes records to NATS JetStream under <prefix>.<db>.<collection>
type NatsSink struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	prefix      string
	stream      string
	ensured     bool
	label       string
	transformer tailer.Transformer
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url, prefix, stream, label string, t tailer.Transformer) (*NatsSink, error) {
	if prefix == "" {
		prefix = defaultNatsSubjectPrefix
	}
	if stream == "" {
		stream = sanitizeStreamName(prefix)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{
		nc:          nc,
		js:          js,
		prefix:      prefix,
		stream:      stream,
		label:       label,
		transformer: t,
	}, nil
}

// WriteRecord publishes one record and waits for the JetStream ack
func (n *NatsSink) WriteRecord(ctx context.Context, rec tailer.Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if !n.ensured {
		if err := n.ensureStream(ctx); err != nil {
			return err
		}
		n.ensured = true
	}

	value, err := n.transformer.Transform(rec)
	if err != nil {
		return err
	}

	subject := subjectFor(n.prefix, rec.Namespace)
	msg := &nats.Msg{
		Subject: subject,
		Data:    value,
		Header: nats.Header{
			"tailer":       []string{n.label},
			"op":           []string{rec.Op},
			"ordinal":      []string{strconv.FormatUint(rec.Ordinal, 10)},
			"Content-Type": []string{n.transformer.ContentType()},
		},
	}
	if key := messageKey(rec); key != nil {
		msg.Header.Set("key", string(key))
	}
	if enc := transformer.ContentEncoding(n.transformer); enc != "" {
		msg.Header.Set("Content-Encoding", enc)
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context) error {
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      n.stream,
		Subjects:  []string{n.prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", n.stream, err)
	}
	log.Debug().Str("tailer", n.label).Str("stream", n.stream).Msg("JetStream stream ready")
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// subjectFor builds <prefix>.<db>.<collection>. Namespace characters that
// NATS treats as wildcards or separators inside tokens are replaced.
func subjectFor(prefix, namespace string) string {
	r := strings.NewReplacer("*", "_", ">", "_", " ", "_", "$", "_")
	return prefix + "." + r.Replace(namespace)
}

// sanitizeStreamName converts a subject prefix to a valid JetStream stream name.
// Stream names can't contain "." so we replace with "_"
func sanitizeStreamName(prefix string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(prefix))
}
