package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsProvider interface for components that provide log and queue stats
type StatsProvider interface {
	MaxSeq(ctx context.Context) (int64, error)
	QueueCounts(ctx context.Context) (map[string]int64, error)
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
	defer cancel()

	if seq, err := mc.provider.MaxSeq(ctx); err == nil {
		LogMaxSeq.Set(float64(seq))
	} else {
		log.Debug().Err(err).Msg("Failed to collect log max seq")
	}

	counts, err := mc.provider.QueueCounts(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to collect queue stats")
		return
	}
	for state, n := range counts {
		QueueDepth.With(state).Set(float64(n))
	}
}
