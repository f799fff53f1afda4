package tailer

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/oplogtail/telemetry"
	"github.com/rs/zerolog/log"
)

// Skip reasons reported in metrics
const (
	skipNoop      = "noop"
	skipCommand   = "command"
	skipFiltered  = "filtered"
	skipNoSubject = "no_subject"
	skipResumed   = "resumed"
	skipMalformed = "malformed"
)

// DocumentLookup resolves the current state of a document
type DocumentLookup interface {
	Lookup(ctx context.Context, namespace string, id interface{}) (Document, error)
}

// Enricher decides what, if anything, is forwarded for each entry
type Enricher struct {
	label         string
	lookup        DocumentLookup
	filter        *NamespaceFilter
	options       Options
	lookupTimeout time.Duration
}

// NewEnricher creates an enricher. lookup may be nil when resolution is disabled.
func NewEnricher(label string, lookup DocumentLookup, filter *NamespaceFilter, options Options, lookupTimeout time.Duration) (*Enricher, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if options.ResolveFullDocument && lookup == nil {
		return nil, fmt.Errorf("full document resolution requires a document lookup")
	}
	return &Enricher{
		label:         label,
		lookup:        lookup,
		filter:        filter,
		options:       options,
		lookupTimeout: lookupTimeout,
	}, nil
}

// Process returns the record for entry and whether it is forwarded.
// Entries that are not forwarded still advance the caller's watermark.
// Lookup failures are wrapped in ErrLookup.
func (e *Enricher) Process(ctx context.Context, entry ChangeEntry) (Record, bool, error) {
	switch entry.Op {
	case OpNoop:
		telemetry.EntriesSkippedTotal.With(e.label, skipNoop).Inc()
		return Record{}, false, nil
	case OpCommand:
		telemetry.EntriesSkippedTotal.With(e.label, skipCommand).Inc()
		return Record{}, false, nil
	}

	if !e.filter.Match(entry.Namespace) {
		telemetry.EntriesSkippedTotal.With(e.label, skipFiltered).Inc()
		return Record{}, false, nil
	}

	id, hasID := entry.SubjectID()
	rec := Record{
		Ordinal:   entry.Ordinal(),
		Tagged:    e.options.TagTimestamp,
		Namespace: entry.Namespace,
		Op:        entry.Op,
		Key:       id,
	}

	if !e.options.ResolveFullDocument {
		rec.Doc = entry.Raw
		return rec, true, nil
	}

	if !hasID {
		telemetry.EntriesSkippedTotal.With(e.label, skipNoSubject).Inc()
		log.Debug().
			Str("tailer", e.label).
			Str("ns", entry.Namespace).
			Uint64("ordinal", entry.Ordinal()).
			Msg("Entry has no subject id, not resolving")
		return Record{}, false, nil
	}

	doc, err := e.resolve(ctx, entry.Namespace, id)
	if err != nil {
		telemetry.LookupsTotal.With(e.label, "failed").Inc()
		return Record{}, false, fmt.Errorf("%w: %s: %w", ErrLookup, entry.Namespace, err)
	}

	if doc == nil {
		telemetry.LookupsTotal.With(e.label, "missing").Inc()
	} else {
		telemetry.LookupsTotal.With(e.label, "found").Inc()
	}

	rec.Doc = doc
	return rec, true, nil
}

func (e *Enricher) resolve(ctx context.Context, namespace string, id interface{}) (Document, error) {
	if e.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.lookupTimeout)
		defer cancel()
	}
	return e.lookup.Lookup(ctx, namespace, id)
}
