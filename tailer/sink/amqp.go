package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/maxpert/oplogtail/tailer/transformer"
	"github.com/streadway/amqp"
)

func init() {
	tailer.RegisterSink("amqp", func(config cfg.SinkConfiguration, label string, t tailer.Transformer) (tailer.Sink, error) {
		if config.AMQPURL == "" {
			return nil, fmt.Errorf("amqp sink requires amqp_url")
		}
		return DialAMQPSink(config.AMQPURL, config.Exchange, config.Topic, label, t)
	})
}

// amqpChannel is the part of amqp.Channel the sink uses
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes persistent messages to an exchange and waits for the
// broker confirm of each one
type AMQPSink struct {
	conn          *amqp.Connection
	channel       amqpChannel
	confirms      <-chan amqp.Confirmation
	exchange      string
	routingKey    string
	label         string
	transformer   tailer.Transformer
	confirmWithin time.Duration
}

// DialAMQPSink connects, opens a channel in confirm mode and returns the sink.
// An empty routingKey routes by namespace.
func DialAMQPSink(url, exchange, routingKey, label string, t tailer.Transformer) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	confirms := channel.NotifyPublish(make(chan amqp.Confirmation, 1))

	s := newAMQPSink(channel, confirms, exchange, routingKey, label, t)
	s.conn = conn
	return s, nil
}

func newAMQPSink(ch amqpChannel, confirms <-chan amqp.Confirmation, exchange, routingKey, label string, t tailer.Transformer) *AMQPSink {
	return &AMQPSink{
		channel:       ch,
		confirms:      confirms,
		exchange:      exchange,
		routingKey:    routingKey,
		label:         label,
		transformer:   t,
		confirmWithin: 10 * time.Second,
	}
}

// WriteRecord publishes one record and waits for its confirm
func (a *AMQPSink) WriteRecord(ctx context.Context, rec tailer.Record) error {
	body, err := a.transformer.Transform(rec)
	if err != nil {
		return err
	}

	key := a.routingKey
	if key == "" {
		key = rec.Namespace
	}

	msg := amqp.Publishing{
		ContentType:     a.transformer.ContentType(),
		ContentEncoding: transformer.ContentEncoding(a.transformer),
		Body:            body,
		DeliveryMode:    amqp.Persistent,
		Timestamp:       time.Now().UTC(),
		AppId:           "oplogtail",
		Headers: amqp.Table{
			"tailer":  a.label,
			"op":      rec.Op,
			"ordinal": int64(rec.Ordinal),
		},
	}
	if rec.Key != nil {
		msg.MessageId = partitionKey(rec)
	}

	if err := a.channel.Publish(a.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", a.exchange, key, err)
	}

	timer := time.NewTimer(a.confirmWithin)
	defer timer.Stop()

	select {
	case confirm, ok := <-a.confirms:
		if !ok {
			return fmt.Errorf("AMQP channel closed before confirm")
		}
		if !confirm.Ack {
			return fmt.Errorf("broker rejected message %d", confirm.DeliveryTag)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("no confirm from broker within %s", a.confirmWithin)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel and connection
func (a *AMQPSink) Close() error {
	if err := a.channel.Close(); err != nil {
		return fmt.Errorf("AMQP channel close error: %w", err)
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			return fmt.Errorf("AMQP connection close error: %w", err)
		}
	}
	return nil
}
