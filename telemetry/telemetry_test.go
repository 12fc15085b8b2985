package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxpert/labeler/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct{}

func (fakeStats) MaxSeq(context.Context) (int64, error) { return 42, nil }

func (fakeStats) QueueCounts(context.Context) (map[string]int64, error) {
	return map[string]int64{"pending": 3, "dead": 1}, nil
}

func TestNoopDefaults(t *testing.T) {
	// Uninitialized metrics must be safe to use
	PollerItemsTotal.With("signed").Inc()
	QueueDepth.With("pending").Set(1)
	QueryDurationSeconds.Observe(0.1)
	LogMaxSeq.Set(1)
	SinkPublishSeconds.With("kafka").Observe(0.2)
}

func TestMetricsCollector_ExportsGauges(t *testing.T) {
	original := cfg.Config
	defer func() {
		cfg.Config = original
		registry = nil
	}()
	cfg.Config = cfg.NewDefault()
	cfg.Config.InstanceID = "test"
	cfg.Config.Prometheus.Enabled = true

	InitializeTelemetry()
	InitMetrics()
	require.True(t, Enabled())

	SinkPublishSeconds.With("kafka").Observe(0.2)
	SinkSkippedTotal.With("kafka").Inc()

	mc := NewMetricsCollector(fakeStats{}, time.Hour)
	mc.Start()
	mc.Stop()

	handler := GetMetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `labeler_log_max_seq{instance_id="test"} 42`)
	assert.Contains(t, text, `labeler_queue_depth{instance_id="test",state="pending"} 3`)
	assert.Contains(t, text, `labeler_queue_depth{instance_id="test",state="dead"} 1`)
	assert.Contains(t, text, `labeler_sink_publish_seconds_count{instance_id="test",sink="kafka"} 1`)
	assert.Contains(t, text, `labeler_sink_skipped_total{instance_id="test",sink="kafka"} 1`)
}
