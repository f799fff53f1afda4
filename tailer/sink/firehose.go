package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/rs/zerolog/log"
)

// MaxFirehoseBatch is the PutRecordBatch record limit
const MaxFirehoseBatch = 500

func init() {
	tailer.RegisterSink("firehose", func(config cfg.SinkConfiguration, label string, t tailer.Transformer) (tailer.Sink, error) {
		if config.Stream == "" {
			return nil, fmt.Errorf("firehose sink requires stream")
		}
		awsCfg, err := loadAWSConfig(config)
		if err != nil {
			return nil, err
		}
		client := firehose.NewFromConfig(awsCfg, func(o *firehose.Options) {
			if config.Endpoint != "" {
				o.BaseEndpoint = aws.String(config.Endpoint)
			}
		})
		attempts, delay := retryPolicy(config)
		return NewFirehoseSink(client, config.Stream, label, t, config.BatchSize, attempts, delay, clock.WallClock), nil
	})
}

// FirehoseAPI is the subset of the Firehose client used by the sink
type FirehoseAPI interface {
	PutRecordBatch(ctx context.Context, in *firehose.PutRecordBatchInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error)
}

// FirehoseSink buffers newline-delimited records and ships them to a
// delivery stream in batches. Partially failed batches re-send only the
// failed entries.
type FirehoseSink struct {
	client      FirehoseAPI
	stream      string
	label       string
	transformer tailer.Transformer
	batchSize   int
	attempts    int
	delay       time.Duration
	clock       clock.Clock
	buffer      []types.Record
}

// NewFirehoseSink creates a Firehose sink. batchSize is capped at MaxFirehoseBatch.
func NewFirehoseSink(client FirehoseAPI, stream, label string, t tailer.Transformer, batchSize, attempts int, delay time.Duration, clk clock.Clock) *FirehoseSink {
	if batchSize <= 0 || batchSize > MaxFirehoseBatch {
		batchSize = MaxFirehoseBatch
	}
	return &FirehoseSink{
		client:      client,
		stream:      stream,
		label:       label,
		transformer: t,
		batchSize:   batchSize,
		attempts:    attempts,
		delay:       delay,
		clock:       clk,
		buffer:      make([]types.Record, 0, batchSize),
	}
}

// WriteRecord buffers the record and ships the buffer once it is full
func (f *FirehoseSink) WriteRecord(ctx context.Context, rec tailer.Record) error {
	data, err := f.transformer.Transform(rec)
	if err != nil {
		return err
	}

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	f.buffer = append(f.buffer, types.Record{Data: line})

	if len(f.buffer) < f.batchSize {
		return nil
	}
	return f.Flush(ctx)
}

// Flush ships every buffered record
func (f *FirehoseSink) Flush(ctx context.Context) error {
	if len(f.buffer) == 0 {
		return nil
	}

	pending := f.buffer
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			pending, err = f.put(ctx, pending)
			return err
		},
		IsFatalError: func(err error) bool {
			return !isRetryableFirehose(err)
		},
		NotifyFunc: func(err error, attempt int) {
			log.Warn().
				Err(err).
				Str("tailer", f.label).
				Str("stream", f.stream).
				Int("pending", len(pending)).
				Int("attempt", attempt).
				Msg("Firehose batch incomplete, retrying")
		},
		Attempts:    f.attempts,
		Delay:       f.delay,
		MaxDelay:    maxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       f.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		// Keep what was not delivered for the next attempt
		f.buffer = append(f.buffer[:0], pending...)
		return fmt.Errorf("failed to put %d records to %s: %w", len(pending), f.stream, err)
	}

	f.buffer = f.buffer[:0]
	return nil
}

// errPartialBatch marks a batch where some entries were rejected
var errPartialBatch = errors.New("records rejected by firehose")

// put sends records and returns those that still need sending
func (f *FirehoseSink) put(ctx context.Context, records []types.Record) ([]types.Record, error) {
	out, err := f.client.PutRecordBatch(ctx, &firehose.PutRecordBatchInput{
		DeliveryStreamName: aws.String(f.stream),
		Records:            records,
	})
	if err != nil {
		return records, err
	}
	if out.FailedPutCount == nil || *out.FailedPutCount == 0 {
		return nil, nil
	}

	failed := make([]types.Record, 0, *out.FailedPutCount)
	for i, resp := range out.RequestResponses {
		if resp.ErrorCode != nil && i < len(records) {
			failed = append(failed, records[i])
		}
	}
	if len(failed) == 0 {
		return nil, nil
	}
	return failed, fmt.Errorf("%w: %d of %d", errPartialBatch, len(failed), len(records))
}

// Close ships anything still buffered
func (f *FirehoseSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return f.Flush(ctx)
}

func isRetryableFirehose(err error) bool {
	var unavailable *types.ServiceUnavailableException
	return errors.As(err, &unavailable) || errors.Is(err, errPartialBatch)
}
