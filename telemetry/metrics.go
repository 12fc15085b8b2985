package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// BatchBuckets for poller batches (claim + sign + append + commit)
	BatchBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// ReadBuckets for log reads served to query clients
	ReadBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

	// RowBuckets for number of labels returned or processed per call
	RowBuckets = []float64{0, 1, 5, 10, 20, 50, 100, 250}

	// PublishBuckets for sink publishes, retries included
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120}
)

// Queue Poller Metrics
var (
	// PollerBatchesTotal counts poller batches by result (committed, failed)
	PollerBatchesTotal CounterVec = noopCounterVec{}

	// PollerItemsTotal counts queue items by outcome (signed, dropped, failed)
	PollerItemsTotal CounterVec = noopCounterVec{}

	// PollerMismatchTotal counts batches whose deleted or created counts differ from the selection
	PollerMismatchTotal Counter = NoopStat{}

	// PollerBatchSeconds measures batch latency
	PollerBatchSeconds Histogram = NoopStat{}

	// QueueDepth tracks queue rows by state (pending, claimed, retrying, dead)
	QueueDepth GaugeVec = noopGaugeVec{}
)

// Label Log Metrics
var (
	// LabelsAppendedTotal counts labels appended by path (poller, direct)
	LabelsAppendedTotal CounterVec = noopCounterVec{}

	// LogMaxSeq tracks the highest committed sequence number
	LogMaxSeq Gauge = NoopStat{}
)

// Subscription Metrics
var (
	// SubscribersActive tracks currently connected subscribers
	SubscribersActive Gauge = NoopStat{}

	// SubscriptionsTotal counts finished subscriptions by result (closed, future_cursor, invalid, internal, too_slow)
	SubscriptionsTotal CounterVec = noopCounterVec{}

	// FramesSentTotal counts frames written by type (labels, error)
	FramesSentTotal CounterVec = noopCounterVec{}

	// ReplayEntriesTotal counts entries sent during replay
	ReplayEntriesTotal Counter = NoopStat{}
)

// Query and Write Endpoint Metrics
var (
	// QueryRequestsTotal counts query requests by result (success, invalid, failed)
	QueryRequestsTotal CounterVec = noopCounterVec{}

	// QueryDurationSeconds measures query latency
	QueryDurationSeconds Histogram = NoopStat{}

	// QueryRowsReturned measures labels returned per query
	QueryRowsReturned Histogram = NoopStat{}

	// WriteRequestsTotal counts write requests by endpoint and result
	WriteRequestsTotal CounterVec = noopCounterVec{}
)

// Sink Publisher Metrics
var (
	// SinkPublishedTotal counts labels published by sink
	SinkPublishedTotal CounterVec = noopCounterVec{}

	// SinkFailuresTotal counts failed publish attempts by sink
	SinkFailuresTotal CounterVec = noopCounterVec{}

	// SinkSkippedTotal counts entries a sink rejected permanently, by sink
	SinkSkippedTotal CounterVec = noopCounterVec{}

	// SinkPublishSeconds measures publish latency by sink
	SinkPublishSeconds HistogramVec = noopHistogramVec{}

	// SinkCursor tracks the last published sequence by sink
	SinkCursor GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Queue Poller Metrics
	PollerBatchesTotal = NewCounterVec(
		"poller_batches_total",
		"Poller batches by result",
		[]string{"result"},
	)
	PollerItemsTotal = NewCounterVec(
		"poller_items_total",
		"Queue items processed by outcome",
		[]string{"outcome"},
	)
	PollerMismatchTotal = NewCounter(
		"poller_mismatch_total",
		"Batches whose deleted or created counts differ from the selection",
	)
	PollerBatchSeconds = NewHistogramWithBuckets(
		"poller_batch_seconds",
		"Poller batch duration in seconds",
		BatchBuckets,
	)
	QueueDepth = NewGaugeVec(
		"queue_depth",
		"Outbound queue rows by state",
		[]string{"state"},
	)

	// Label Log Metrics
	LabelsAppendedTotal = NewCounterVec(
		"labels_appended_total",
		"Labels appended to the log by path",
		[]string{"path"},
	)
	LogMaxSeq = NewGauge(
		"log_max_seq",
		"Highest committed label sequence number",
	)

	// Subscription Metrics
	SubscribersActive = NewGauge(
		"subscribers_active",
		"Number of connected label subscribers",
	)
	SubscriptionsTotal = NewCounterVec(
		"subscriptions_total",
		"Finished subscriptions by result",
		[]string{"result"},
	)
	FramesSentTotal = NewCounterVec(
		"frames_sent_total",
		"Frames written to subscribers by type",
		[]string{"type"},
	)
	ReplayEntriesTotal = NewCounter(
		"replay_entries_total",
		"Entries sent to subscribers during replay",
	)

	// Query and Write Endpoint Metrics
	QueryRequestsTotal = NewCounterVec(
		"query_requests_total",
		"Label query requests by result",
		[]string{"result"},
	)
	QueryDurationSeconds = NewHistogramWithBuckets(
		"query_duration_seconds",
		"Label query duration in seconds",
		ReadBuckets,
	)
	QueryRowsReturned = NewHistogramWithBuckets(
		"query_rows_returned",
		"Labels returned per query",
		RowBuckets,
	)
	WriteRequestsTotal = NewCounterVec(
		"write_requests_total",
		"Write endpoint requests by endpoint and result",
		[]string{"endpoint", "result"},
	)

	// Sink Publisher Metrics
	SinkPublishedTotal = NewCounterVec(
		"sink_published_total",
		"Labels published to external sinks",
		[]string{"sink"},
	)
	SinkFailuresTotal = NewCounterVec(
		"sink_failures_total",
		"Failed sink publish attempts",
		[]string{"sink"},
	)
	SinkSkippedTotal = NewCounterVec(
		"sink_skipped_total",
		"Labels skipped because the sink can never accept them",
		[]string{"sink"},
	)
	SinkPublishSeconds = NewHistogramVec(
		"sink_publish_seconds",
		"Sink publish duration in seconds, retries included",
		[]string{"sink"},
		PublishBuckets,
	)
	SinkCursor = NewGaugeVec(
		"sink_cursor",
		"Last label sequence published by sink",
		[]string{"sink"},
	)
}
