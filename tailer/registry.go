package tailer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/checkpoint"
	"github.com/maxpert/oplogtail/optime"
	"github.com/maxpert/oplogtail/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// SourceFactory connects the source for one tailer configuration
type SourceFactory func(ctx context.Context, config cfg.TailerConfiguration) (Source, error)

// RegistryConfig configures the set of tailers run by one process
type RegistryConfig struct {
	Tailers    []cfg.TailerConfiguration
	Checkpoint cfg.CheckpointConfiguration
	Filter     cfg.FilterConfiguration
	Sinks      []cfg.SinkConfiguration
	OpenSource SourceFactory
	Store      checkpoint.Store // optional; opened from Checkpoint when nil
}

// worker is one tailer with the resources it owns
type worker struct {
	tailer *Tailer
	source Source
	sinks  []Sink
}

// Registry runs one independent tailer per configured identity. Workers
// share nothing but the checkpoint store.
type Registry struct {
	store     checkpoint.Store
	ownsStore bool
	workers   []*worker
	byID      *xsync.MapOf[checkpoint.Identity, *Tailer]

	group   *errgroup.Group
	running atomic.Bool
	closed  atomic.Bool
	mu      sync.Mutex
}

// NewRegistry builds every tailer. On failure everything created so far is closed.
func NewRegistry(ctx context.Context, config RegistryConfig) (*Registry, error) {
	if len(config.Tailers) == 0 {
		return nil, fmt.Errorf("at least one tailer is required")
	}
	if len(config.Sinks) == 0 {
		return nil, ErrNoSinks
	}
	if config.OpenSource == nil {
		return nil, fmt.Errorf("source factory is required")
	}

	r := &Registry{
		store: config.Store,
		byID:  xsync.NewMapOf[checkpoint.Identity, *Tailer](),
	}

	if r.store == nil {
		store, err := checkpoint.Open(ctx, config.Checkpoint)
		if err != nil {
			return nil, err
		}
		r.store = store
		r.ownsStore = true
	}

	filter, err := NewNamespaceFilter(
		config.Filter.Databases,
		config.Filter.Collections,
		config.Filter.ExcludeNamespaces,
		config.Filter.DecisionCacheSize,
	)
	if err != nil {
		r.closeAll()
		return nil, fmt.Errorf("failed to create filter: %w", err)
	}

	for _, tc := range config.Tailers {
		if err := r.addTailer(ctx, tc, config, filter); err != nil {
			r.closeAll()
			return nil, fmt.Errorf("failed to add tailer %q: %w", tc.Identifier(), err)
		}
	}

	log.Info().
		Int("tailers", len(r.workers)).
		Int("sinks", len(config.Sinks)).
		Msg("Tailer registry initialized")

	return r, nil
}

func (r *Registry) addTailer(ctx context.Context, tc cfg.TailerConfiguration, config RegistryConfig, filter *NamespaceFilter) error {
	id := checkpoint.IdentityOf(tc)
	if _, exists := r.byID.Load(id); exists {
		return fmt.Errorf("duplicate tailer identity %s", id)
	}

	source, err := config.OpenSource(ctx, tc)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	w := &worker{source: source}
	r.workers = append(r.workers, w)

	names := make([]string, 0, len(config.Sinks))
	for _, sc := range config.Sinks {
		snk, err := CreateSink(sc, id.String())
		if err != nil {
			return fmt.Errorf("failed to create sink %q: %w", sc.Name, err)
		}
		w.sinks = append(w.sinks, snk)
		names = append(names, sc.Name)
	}

	t, err := New(Config{
		Identity:  id,
		Source:    source,
		Store:     r.store,
		Sinks:     w.sinks,
		SinkNames: names,
		Filter:    filter,
		Options: Options{
			TagTimestamp:        tc.SetTimestamp,
			ResolveFullDocument: tc.FullDocument,
		},
		BatchSize:         config.Checkpoint.BatchSize,
		StartAt:           optime.FromOrdinal(tc.StartOrdinal),
		ConnectAttempts:   tc.Mongo.ConnectAttempts,
		ConnectRetryDelay: time.Duration(tc.Mongo.ConnectRetryDelayMS) * time.Millisecond,
		ReconnectBackoff:  time.Duration(tc.Mongo.ReconnectBackoffMS) * time.Millisecond,
		LookupTimeout:     time.Duration(tc.Mongo.LookupTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	w.tailer = t
	r.byID.Store(id, t)

	log.Info().
		Str("tailer", id.String()).
		Str("mode", string(tc.Mode)).
		Bool("set_timestamp", tc.SetTimestamp).
		Bool("full_document", tc.FullDocument).
		Msg("Added tailer")

	return nil
}

// Start runs every tailer on its own goroutine. Cancelling ctx stops them gracefully.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return fmt.Errorf("registry closed")
	}
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("tailers", len(r.workers)).Msg("Starting tailers")

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		t := w.tailer
		g.Go(func() error {
			return t.Run(gctx)
		})
	}
	r.group = g
	return nil
}

// Stop requests a graceful stop of every tailer. It does not wait; see Wait.
func (r *Registry) Stop() {
	log.Info().Msg("Stopping tailers")
	for _, w := range r.workers {
		w.tailer.Stop()
	}
}

// CheckpointNow asks every tailer for an out-of-cadence checkpoint
func (r *Registry) CheckpointNow() {
	for _, w := range r.workers {
		w.tailer.CheckpointNow()
	}
}

// Wait blocks until every tailer has returned, then releases sinks, sources
// and the checkpoint store. Returns the first fatal error.
func (r *Registry) Wait() error {
	r.mu.Lock()
	g := r.group
	r.mu.Unlock()

	var err error
	if g != nil {
		err = g.Wait()
	}
	r.closeAll()
	return err
}

// Tailer returns the tailer for id
func (r *Registry) Tailer(id checkpoint.Identity) (*Tailer, bool) {
	return r.byID.Load(id)
}

// CheckpointTailer asks a single tailer for a checkpoint. Returns false when
// no tailer is registered under id.
func (r *Registry) CheckpointTailer(id checkpoint.Identity) bool {
	t, ok := r.byID.Load(id)
	if !ok {
		return false
	}
	t.CheckpointNow()
	return true
}

// Statuses returns a snapshot of every tailer in configuration order
func (r *Registry) Statuses() []Status {
	statuses := make([]Status, 0, len(r.workers))
	for _, w := range r.workers {
		statuses = append(statuses, w.tailer.Status())
	}
	return statuses
}

// Positions implements telemetry.PositionProvider
func (r *Registry) Positions() []telemetry.TailerPosition {
	positions := make([]telemetry.TailerPosition, 0, len(r.workers))
	for _, w := range r.workers {
		pos := optime.FromOrdinal(w.tailer.position.Load())
		positions = append(positions, telemetry.TailerPosition{
			Tailer:  w.tailer.label,
			Seconds: pos.Seconds,
		})
	}
	return positions
}

func (r *Registry) closeAll() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}

	for _, w := range r.workers {
		for _, snk := range w.sinks {
			if err := snk.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close sink")
			}
		}
		if w.source != nil {
			if err := w.source.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close source")
			}
		}
	}

	if r.ownsStore && r.store != nil {
		if err := r.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close checkpoint store")
		}
	}
}
