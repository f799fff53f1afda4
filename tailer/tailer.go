package tailer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/maxpert/oplogtail/checkpoint"
	"github.com/maxpert/oplogtail/optime"
	"github.com/maxpert/oplogtail/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Forwarded records between checkpoint writes
	DefaultBatchSize = 500
	// Connectivity checks before a startup fault
	DefaultConnectAttempts = 3
	// Delay between connectivity checks
	DefaultConnectRetryDelay = 5 * time.Second
	// Sleep before reacquiring a cursor after a transient fault
	DefaultReconnectBackoff = time.Second
)

// Checkpoint write triggers
const (
	triggerBatch   = "batch"
	triggerStop    = "stop"
	triggerCommand = "command"
	triggerFatal   = "fatal"
)

// Config configures one tailer
type Config struct {
	Identity          checkpoint.Identity
	Source            Source
	Store             checkpoint.Store
	Sinks             []Sink // delivered in this order
	SinkNames         []string
	Filter            *NamespaceFilter // nil forwards every namespace
	Options           Options
	BatchSize         int
	StartAt           optime.Timestamp // explicit start, zero resumes from the store
	ConnectAttempts   int
	ConnectRetryDelay time.Duration
	ReconnectBackoff  time.Duration
	LookupTimeout     time.Duration
	Clock             clock.Clock
}

// Tailer reads one replica set's oplog, forwards records to its sinks and
// checkpoints its position. All work happens on the goroutine calling Run.
type Tailer struct {
	config   Config
	label    string
	enricher *Enricher

	stopCh       chan struct{}
	stopOnce     sync.Once
	checkpointCh chan struct{}
	doneCh       chan struct{}
	started      atomic.Bool

	// Owned by the Run goroutine
	cursor      Cursor
	batchCount  int
	lastWritten uint64
	hasWritten  bool

	// Mirrored for Status
	state          atomic.Int32
	position       atomic.Uint64
	lastCheckpoint atomic.Uint64
	entriesRead    atomic.Uint64
	forwarded      atomic.Uint64
}

// New creates a tailer. Options are fixed for its lifetime.
func New(config Config) (*Tailer, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if len(config.Sinks) == 0 {
		return nil, ErrNoSinks
	}
	if config.Identity.Cluster == "" {
		return nil, fmt.Errorf("tailer identity is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.ConnectAttempts <= 0 {
		config.ConnectAttempts = DefaultConnectAttempts
	}
	if config.ConnectRetryDelay <= 0 {
		config.ConnectRetryDelay = DefaultConnectRetryDelay
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = DefaultReconnectBackoff
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if len(config.SinkNames) != len(config.Sinks) {
		config.SinkNames = make([]string, len(config.Sinks))
		for i := range config.Sinks {
			config.SinkNames[i] = "sink-" + strconv.Itoa(i)
		}
	}

	label := config.Identity.String()
	enricher, err := NewEnricher(label, config.Source, config.Filter, config.Options, config.LookupTimeout)
	if err != nil {
		return nil, err
	}

	return &Tailer{
		config:       config,
		label:        label,
		enricher:     enricher,
		stopCh:       make(chan struct{}),
		checkpointCh: make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}, nil
}

// Identity returns the tailer identity
func (t *Tailer) Identity() checkpoint.Identity {
	return t.config.Identity
}

// Stop requests a graceful stop. The loop finishes the current entry, closes
// its cursor and writes a final checkpoint. Safe to call more than once and
// from any goroutine.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// CheckpointNow requests an out-of-cadence checkpoint without stopping.
// Requests made before the loop serves the previous one are coalesced.
func (t *Tailer) CheckpointNow() {
	select {
	case t.checkpointCh <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns
func (t *Tailer) Done() <-chan struct{} {
	return t.doneCh
}

// State returns the current engine state
func (t *Tailer) State() State {
	return State(t.state.Load())
}

// Status returns a snapshot for reporting
func (t *Tailer) Status() Status {
	pos := t.position.Load()
	st := Status{
		Identity:         t.label,
		State:            t.State().String(),
		Position:         pos,
		LastCheckpoint:   t.lastCheckpoint.Load(),
		EntriesRead:      t.entriesRead.Load(),
		RecordsForwarded: t.forwarded.Load(),
		Endpoint:         t.config.Source.Endpoint(),
	}
	if pos != 0 {
		st.PositionTime = optime.FromOrdinal(pos).Time().Format(time.RFC3339)
	}
	return st
}

// Run tails until Stop is called, ctx is cancelled or a fatal fault occurs.
// A graceful stop returns nil. Fatal faults wrap ErrStartup or ErrSink.
func (t *Tailer) Run(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("tailer %s already started", t.label)
	}
	defer close(t.doneCh)
	defer t.setState(StateStopped)

	// runCtx ends on Stop as well as on parent cancellation
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := t.connect(runCtx); err != nil {
		if runCtx.Err() != nil {
			return nil
		}
		return err
	}

	from, err := t.resolveStart(runCtx)
	if err != nil {
		if runCtx.Err() != nil {
			return nil
		}
		return err
	}

	log.Info().
		Str("tailer", t.label).
		Str("endpoint", t.config.Source.Endpoint()).
		Stringer("from", from).
		Int("sinks", len(t.config.Sinks)).
		Msg("Starting tail")

	for {
		err := t.session(runCtx, from)
		// A sink fault stays fatal even when a stop is already pending
		if errors.Is(err, ErrSink) {
			t.finish(ctx, triggerFatal)
			return err
		}
		if err == nil || runCtx.Err() != nil {
			t.finish(ctx, triggerStop)
			return nil
		}

		// Transient: reacquire at the in-memory position
		t.setState(StateReconnecting)
		telemetry.ReconnectsTotal.With(t.label).Inc()
		log.Warn().
			Err(err).
			Str("tailer", t.label).
			Uint64("position", t.position.Load()).
			Dur("backoff", t.config.ReconnectBackoff).
			Msg("Cursor lost, reconnecting")

		if !t.sleep(runCtx, t.config.ReconnectBackoff) {
			t.finish(ctx, triggerStop)
			return nil
		}
		if err := t.connect(runCtx); err != nil {
			if runCtx.Err() != nil {
				t.finish(ctx, triggerStop)
				return nil
			}
			t.finish(ctx, triggerFatal)
			return err
		}
		if pos := t.position.Load(); pos != 0 {
			from = optime.FromOrdinal(pos)
		}
	}
}

// connect runs the bounded connectivity check
func (t *Tailer) connect(ctx context.Context) error {
	t.setState(StateConnecting)

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return t.config.Source.Ping(ctx)
		},
		NotifyFunc: func(err error, attempt int) {
			log.Warn().
				Err(err).
				Str("tailer", t.label).
				Int("attempt", attempt).
				Int("attempts", t.config.ConnectAttempts).
				Msg("Source connectivity check failed")
		},
		Attempts: t.config.ConnectAttempts,
		Delay:    t.config.ConnectRetryDelay,
		Clock:    t.config.Clock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsRetryStopped(err) {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrStartup, t.config.Source.Endpoint(), t.config.ConnectAttempts, retry.LastError(err))
}

// resolveStart picks the first position with precedence explicit start >
// stored checkpoint > earliest available. A checkpoint resume skips the
// checkpointed entry itself; it was already delivered.
func (t *Tailer) resolveStart(ctx context.Context) (optime.Timestamp, error) {
	if !t.config.StartAt.IsZero() {
		log.Info().Str("tailer", t.label).Stringer("start", t.config.StartAt).Msg("Using explicit start position")
		return t.config.StartAt, nil
	}

	ordinal, found, err := t.config.Store.Read(ctx, t.config.Identity)
	if err != nil {
		return optime.Timestamp{}, fmt.Errorf("%w: failed to read checkpoint: %w", ErrStartup, err)
	}
	if found && ordinal != 0 {
		t.position.Store(ordinal)
		t.lastCheckpoint.Store(ordinal)
		t.lastWritten = ordinal
		t.hasWritten = true
		log.Info().Str("tailer", t.label).Uint64("ordinal", ordinal).Msg("Resuming from checkpoint")
		return optime.FromOrdinal(ordinal), nil
	}

	earliest, err := t.config.Source.Earliest(ctx)
	if err != nil {
		return optime.Timestamp{}, fmt.Errorf("%w: failed to find earliest oplog entry: %w", ErrStartup, err)
	}
	log.Info().Str("tailer", t.label).Stringer("earliest", earliest).Msg("No checkpoint found, starting from earliest entry")
	return earliest, nil
}

// session opens a cursor and reads until stop (nil) or a fault (error)
func (t *Tailer) session(ctx context.Context, from optime.Timestamp) error {
	t.setState(StateConnecting)

	cursor, err := t.config.Source.Open(ctx, from)
	if err != nil {
		return fmt.Errorf("failed to open cursor at %s: %w", from, err)
	}
	t.cursor = cursor
	defer t.closeCursor()

	t.setState(StateTailing)

	for {
		// Iteration boundary: commands are served here
		select {
		case <-ctx.Done():
			return nil
		case <-t.checkpointCh:
			t.writeCheckpoint(ctx, triggerCommand)
		default:
		}

		entry, err := cursor.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIdle) {
				continue
			}
			if errors.Is(err, ErrMalformedEntry) {
				t.skipMalformed(entry, err)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := t.processEntry(ctx, entry); err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrSink) {
				return nil
			}
			return err
		}
	}
}

func (t *Tailer) processEntry(ctx context.Context, entry ChangeEntry) error {
	ordinal := entry.Ordinal()

	// Entries at or before the position were processed in an earlier session
	if pos := t.position.Load(); pos != 0 && ordinal <= pos {
		telemetry.EntriesSkippedTotal.With(t.label, skipResumed).Inc()
		return nil
	}

	t.entriesRead.Add(1)
	telemetry.EntriesReadTotal.With(t.label, entry.Op).Inc()

	rec, forward, err := t.enricher.Process(ctx, entry)
	if err != nil {
		return err
	}

	if forward {
		if err := t.deliver(ctx, rec); err != nil {
			return err
		}
	}

	t.position.Store(ordinal)
	if !forward {
		return nil
	}

	t.forwarded.Add(1)
	telemetry.RecordsForwardedTotal.With(t.label).Inc()

	t.batchCount++
	if t.batchCount >= t.config.BatchSize {
		t.writeCheckpoint(ctx, triggerBatch)
		t.batchCount = 0
	}
	return nil
}

// skipMalformed drops an undecodable entry. The position advances past it
// when its timestamp is known, so a reconnect does not read it again.
func (t *Tailer) skipMalformed(entry ChangeEntry, err error) {
	telemetry.EntriesSkippedTotal.With(t.label, skipMalformed).Inc()
	log.Warn().
		Err(err).
		Str("tailer", t.label).
		Stringer("ts", entry.Timestamp).
		Msg("Skipping malformed oplog entry")

	if ordinal := entry.Ordinal(); ordinal > t.position.Load() {
		t.position.Store(ordinal)
	}
}

// deliver hands rec to every sink in order. In-flight writes are not
// interrupted by Stop.
func (t *Tailer) deliver(ctx context.Context, rec Record) error {
	writeCtx := context.WithoutCancel(ctx)
	for i, snk := range t.config.Sinks {
		start := time.Now()
		err := snk.WriteRecord(writeCtx, rec)
		telemetry.SinkWriteSeconds.With(t.label, t.config.SinkNames[i]).Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%w: %s at ordinal %d: %w", ErrSink, t.config.SinkNames[i], rec.Ordinal, err)
		}
	}
	return nil
}

// writeCheckpoint persists the in-memory position. Failures are logged and
// counted but never stop the loop. Writes never move the stored position
// backwards.
func (t *Tailer) writeCheckpoint(ctx context.Context, trigger string) {
	pos := t.position.Load()
	if pos == 0 {
		return
	}
	if t.hasWritten && pos < t.lastWritten {
		log.Warn().
			Str("tailer", t.label).
			Uint64("ordinal", pos).
			Uint64("last_written", t.lastWritten).
			Msg("Refusing to move checkpoint backwards")
		return
	}

	if err := t.flushSinks(ctx); err != nil {
		telemetry.CheckpointWritesTotal.With(t.label, trigger, "failed").Inc()
		log.Error().
			Err(err).
			Str("tailer", t.label).
			Str("trigger", trigger).
			Uint64("ordinal", pos).
			Msg("Failed to flush sinks, checkpoint skipped")
		return
	}

	start := time.Now()
	err := t.config.Store.Write(context.WithoutCancel(ctx), t.config.Identity, pos, t.config.Source.Endpoint())
	telemetry.CheckpointWriteSeconds.With(t.label).Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.CheckpointWritesTotal.With(t.label, trigger, "failed").Inc()
		log.Error().
			Err(err).
			Str("tailer", t.label).
			Str("trigger", trigger).
			Uint64("ordinal", pos).
			Msg("Failed to write checkpoint - entries may be redelivered on restart")
		return
	}

	t.lastWritten = pos
	t.hasWritten = true
	t.lastCheckpoint.Store(pos)
	telemetry.CheckpointWritesTotal.With(t.label, trigger, "success").Inc()
	telemetry.CheckpointOrdinal.With(t.label).Set(float64(optime.FromOrdinal(pos).Seconds))

	log.Debug().
		Str("tailer", t.label).
		Str("trigger", trigger).
		Uint64("ordinal", pos).
		Msg("Checkpoint written")
}

func (t *Tailer) flushSinks(ctx context.Context) error {
	for i, snk := range t.config.Sinks {
		f, ok := snk.(Flusher)
		if !ok {
			continue
		}
		if err := f.Flush(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("%s: %w", t.config.SinkNames[i], err)
		}
	}
	return nil
}

// finish closes the cursor and forces the final checkpoint
func (t *Tailer) finish(ctx context.Context, trigger string) {
	t.closeCursor()
	t.writeCheckpoint(ctx, trigger)

	log.Info().
		Str("tailer", t.label).
		Str("trigger", trigger).
		Uint64("position", t.position.Load()).
		Uint64("entries_read", t.entriesRead.Load()).
		Uint64("forwarded", t.forwarded.Load()).
		Msg("Tail stopped")
}

func (t *Tailer) closeCursor() {
	if t.cursor == nil {
		return
	}
	if err := t.cursor.Close(); err != nil {
		log.Debug().Err(err).Str("tailer", t.label).Msg("Failed to close cursor")
	}
	t.cursor = nil
}

// sleep waits for d, serving checkpoint commands meanwhile.
// Returns false if ctx ended first.
func (t *Tailer) sleep(ctx context.Context, d time.Duration) bool {
	timer := t.config.Clock.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.checkpointCh:
			t.writeCheckpoint(ctx, triggerCommand)
		case <-timer.Chan():
			return true
		}
	}
}

func (t *Tailer) setState(s State) {
	t.state.Store(int32(s))
	telemetry.TailerState.With(t.label).Set(float64(s))
}
