package telemetry

import (
	"sync"
	"time"
)

// TailerPosition is the lag-relevant view of one tailer
type TailerPosition struct {
	Tailer  string
	Seconds uint32 // Seconds component of the in-memory position, 0 when unknown
}

// PositionProvider lists the current position of every tailer
type PositionProvider interface {
	Positions() []TailerPosition
}

// LagCollector periodically publishes per-tailer lag
type LagCollector struct {
	provider PositionProvider
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLagCollector creates a new lag collector
func NewLagCollector(provider PositionProvider, interval time.Duration) *LagCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &LagCollector{
		provider: provider,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (lc *LagCollector) Start() {
	lc.wg.Add(1)
	go lc.collectLoop()
}

// Stop stops the collector
func (lc *LagCollector) Stop() {
	lc.stopOnce.Do(func() { close(lc.stopCh) })
	lc.wg.Wait()
}

func (lc *LagCollector) collectLoop() {
	defer lc.wg.Done()

	ticker := time.NewTicker(lc.interval)
	defer ticker.Stop()

	lc.collect()

	for {
		select {
		case <-ticker.C:
			lc.collect()
		case <-lc.stopCh:
			return
		}
	}
}

func (lc *LagCollector) collect() {
	if lc.provider == nil {
		return
	}

	now := lc.now().Unix()
	for _, p := range lc.provider.Positions() {
		if p.Seconds == 0 {
			continue
		}
		lag := now - int64(p.Seconds)
		if lag < 0 {
			lag = 0
		}
		LagSeconds.With(p.Tailer).Set(float64(lag))
	}
}
