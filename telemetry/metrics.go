package telemetry

// Histogram bucket definitions
var (
	// SinkWriteBuckets for synchronous sink deliveries (network round trip + retries)
	SinkWriteBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// CheckpointBuckets for checkpoint store writes
	CheckpointBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
)

// Tail loop metrics. All vectors carry a "tailer" label (cluster:replicaSet).
var (
	// EntriesReadTotal counts oplog entries read by operation (i, u, d, n, c)
	EntriesReadTotal CounterVec = noopCounterVec{}

	// RecordsForwardedTotal counts records delivered to every sink
	RecordsForwardedTotal CounterVec = noopCounterVec{}

	// EntriesSkippedTotal counts entries not forwarded by reason (noop, command, filtered, resumed)
	EntriesSkippedTotal CounterVec = noopCounterVec{}

	// ReconnectsTotal counts transitions into the reconnecting state
	ReconnectsTotal CounterVec = noopCounterVec{}

	// LookupsTotal counts full document lookups by result (found, missing, failed)
	LookupsTotal CounterVec = noopCounterVec{}

	// SinkWriteSeconds measures delivery latency per sink
	SinkWriteSeconds HistogramVec = noopHistogramVec{}

	// TailerState tracks the numeric engine state (0=idle .. 4=stopped)
	TailerState GaugeVec = noopGaugeVec{}
)

// Checkpoint metrics
var (
	// CheckpointWritesTotal counts checkpoint writes by trigger (batch, stop, command, fatal) and result
	CheckpointWritesTotal CounterVec = noopCounterVec{}

	// CheckpointWriteSeconds measures checkpoint store latency
	CheckpointWriteSeconds HistogramVec = noopHistogramVec{}

	// CheckpointOrdinal tracks the last checkpointed ordinal's seconds component
	CheckpointOrdinal GaugeVec = noopGaugeVec{}

	// LagSeconds tracks how far the in-memory position trails wall clock
	LagSeconds GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	EntriesReadTotal = NewCounterVec(
		"entries_read_total",
		"Oplog entries read by tailer and operation",
		[]string{"tailer", "op"},
	)
	RecordsForwardedTotal = NewCounterVec(
		"records_forwarded_total",
		"Records delivered to all sinks",
		[]string{"tailer"},
	)
	EntriesSkippedTotal = NewCounterVec(
		"entries_skipped_total",
		"Entries advanced past without forwarding, by reason",
		[]string{"tailer", "reason"},
	)
	ReconnectsTotal = NewCounterVec(
		"reconnects_total",
		"Cursor reacquisitions after transient faults",
		[]string{"tailer"},
	)
	LookupsTotal = NewCounterVec(
		"lookups_total",
		"Full document lookups by result",
		[]string{"tailer", "result"},
	)
	SinkWriteSeconds = NewHistogramVec(
		"sink_write_seconds",
		"Sink delivery duration in seconds",
		[]string{"tailer", "sink"},
		SinkWriteBuckets,
	)
	TailerState = NewGaugeVec(
		"tailer_state",
		"Current tailer state (0=idle, 1=connecting, 2=tailing, 3=reconnecting, 4=stopped)",
		[]string{"tailer"},
	)

	CheckpointWritesTotal = NewCounterVec(
		"checkpoint_writes_total",
		"Checkpoint writes by trigger and result",
		[]string{"tailer", "trigger", "result"},
	)
	CheckpointWriteSeconds = NewHistogramVec(
		"checkpoint_write_seconds",
		"Checkpoint store write duration in seconds",
		[]string{"tailer"},
		CheckpointBuckets,
	)
	CheckpointOrdinal = NewGaugeVec(
		"checkpoint_seconds",
		"Seconds component of the last checkpointed oplog timestamp",
		[]string{"tailer"},
	)
	LagSeconds = NewGaugeVec(
		"lag_seconds",
		"Seconds between wall clock and the last processed oplog entry",
		[]string{"tailer"},
	)
}
