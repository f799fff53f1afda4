package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPositions []TailerPosition

func (s staticPositions) Positions() []TailerPosition { return s }

type recordedGauge struct {
	NoopStat
	vec   *recordingGaugeVec
	label string
}

func (g recordedGauge) Set(v float64) {
	g.vec.mu.Lock()
	defer g.vec.mu.Unlock()
	g.vec.values[g.label] = v
}

type recordingGaugeVec struct {
	mu     sync.Mutex
	values map[string]float64
}

func (r *recordingGaugeVec) With(labels ...string) Gauge {
	return recordedGauge{vec: r, label: labels[0]}
}

func (r *recordingGaugeVec) get(label string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[label]
	return v, ok
}

func TestLagCollector_Collect(t *testing.T) {
	gauges := &recordingGaugeVec{values: map[string]float64{}}
	prev := LagSeconds
	LagSeconds = gauges
	defer func() { LagSeconds = prev }()

	lc := NewLagCollector(staticPositions{
		{Tailer: "orders:rs0", Seconds: 1000},
		{Tailer: "billing:rs1", Seconds: 1200},
		{Tailer: "fresh:rs2", Seconds: 0},
	}, time.Minute)
	lc.now = func() time.Time { return time.Unix(1100, 0) }

	lc.collect()

	v, ok := gauges.get("orders:rs0")
	require.True(t, ok)
	assert.Equal(t, float64(100), v)

	// ahead of the local clock clamps to zero
	v, ok = gauges.get("billing:rs1")
	require.True(t, ok)
	assert.Equal(t, float64(0), v)

	_, ok = gauges.get("fresh:rs2")
	assert.False(t, ok)
}

func TestLagCollector_StartStop(t *testing.T) {
	gauges := &recordingGaugeVec{values: map[string]float64{}}
	prev := LagSeconds
	LagSeconds = gauges
	defer func() { LagSeconds = prev }()

	lc := NewLagCollector(staticPositions{{Tailer: "orders:rs0", Seconds: 1}}, time.Millisecond)
	lc.Start()

	require.Eventually(t, func() bool {
		_, ok := gauges.get("orders:rs0")
		return ok
	}, time.Second, 5*time.Millisecond)

	lc.Stop()
	lc.Stop()
}

func TestNoopByDefault(t *testing.T) {
	assert.NotPanics(t, func() {
		EntriesReadTotal.With("orders:rs0", "i").Inc()
		SinkWriteSeconds.With("orders:rs0", "kafka").Observe(0.1)
		TailerState.With("orders:rs0").Set(2)
	})
}
