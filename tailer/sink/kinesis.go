package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/rs/zerolog/log"
)

func init() {
	tailer.RegisterSink("kinesis", func(config cfg.SinkConfiguration, label string, t tailer.Transformer) (tailer.Sink, error) {
		if config.Stream == "" {
			return nil, fmt.Errorf("kinesis sink requires stream")
		}
		awsCfg, err := loadAWSConfig(config)
		if err != nil {
			return nil, err
		}
		client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
			if config.Endpoint != "" {
				o.BaseEndpoint = aws.String(config.Endpoint)
			}
		})
		attempts, delay := retryPolicy(config)
		return NewKinesisSink(client, config.Stream, label, t, attempts, delay, clock.WallClock), nil
	})
}

// KinesisAPI is the subset of the Kinesis client used by the sink
type KinesisAPI interface {
	PutRecord(ctx context.Context, in *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// KinesisSink writes each record to a Kinesis data stream. Throughput
// exceptions are retried locally with a doubling delay.
type KinesisSink struct {
	client      KinesisAPI
	stream      string
	label       string
	transformer tailer.Transformer
	attempts    int
	delay       time.Duration
	clock       clock.Clock
}

// NewKinesisSink creates a Kinesis sink
func NewKinesisSink(client KinesisAPI, stream, label string, t tailer.Transformer, attempts int, delay time.Duration, clk clock.Clock) *KinesisSink {
	return &KinesisSink{
		client:      client,
		stream:      stream,
		label:       label,
		transformer: t,
		attempts:    attempts,
		delay:       delay,
		clock:       clk,
	}
}

func (k *KinesisSink) WriteRecord(ctx context.Context, rec tailer.Record) error {
	data, err := k.transformer.Transform(rec)
	if err != nil {
		return err
	}

	in := &kinesis.PutRecordInput{
		StreamName:   aws.String(k.stream),
		Data:         data,
		PartitionKey: aws.String(partitionKey(rec)),
	}

	err = retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := k.client.PutRecord(ctx, in)
			return err
		},
		IsFatalError: func(err error) bool {
			return !isThrottled(err)
		},
		NotifyFunc: func(err error, attempt int) {
			log.Warn().
				Err(err).
				Str("tailer", k.label).
				Str("stream", k.stream).
				Int("attempt", attempt).
				Msg("Kinesis throughput exceeded, retrying")
		},
		Attempts:    k.attempts,
		Delay:       k.delay,
		MaxDelay:    maxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       k.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		return fmt.Errorf("failed to put record to %s: %w", k.stream, err)
	}
	return nil
}

func (k *KinesisSink) Close() error {
	return nil
}

func isThrottled(err error) bool {
	var pte *types.ProvisionedThroughputExceededException
	return errors.As(err, &pte)
}
