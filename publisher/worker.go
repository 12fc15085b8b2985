package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/labeler/label"
	"github.com/maxpert/labeler/store"
	"github.com/maxpert/labeler/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading entries per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
)

var errWorkerStopped = errors.New("worker stopped")

// WorkerConfig configures a sink worker
type WorkerConfig struct {
	Name            string        // Sink name (for cursor tracking)
	Log             LogReader     // Committed label log
	Cursors         *CursorStore  // Persisted sink positions
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Entry transformer
	Filter          Filter        // Entry filter
	TopicPrefix     string        // Topic prefix (e.g., "labels")
	BatchSize       int           // Entries per poll cycle
	PollInterval    time.Duration // Poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts
}

// Worker polls the label log and publishes entries to a sink
type Worker struct {
	config      WorkerConfig
	cursor      atomic.Int64 // last published seq
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a new sink worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("label log is required")
	}
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	// The log is never compacted, so a new sink (cursor 0) starts at the
	// beginning.
	cursor, err := config.Cursors.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	w := &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.cursor.Store(cursor)
	telemetry.SinkCursor.With(config.Name).Set(float64(cursor))

	return w, nil
}

// Name returns the sink name
func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the seq of the last entry published or skipped
func (w *Worker) Cursor() int64 {
	return w.cursor.Load()
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("sink", w.config.Name).
		Int64("cursor", w.cursor.Load()).
		Msg("Starting sink worker")

	go w.pollLoop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Msg("Sink worker stopped")
}

// pollLoop is the main worker loop
func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		n, err := w.poll(ctx)
		if err != nil {
			if errors.Is(err, errWorkerStopped) || ctx.Err() != nil {
				return
			}
			log.Error().
				Err(err).
				Str("sink", w.config.Name).
				Int64("cursor", w.cursor.Load()).
				Msg("Sink poll failed")
			w.sleep(w.config.PollInterval)
			continue
		}
		if n == 0 {
			w.sleep(w.config.PollInterval)
		}
	}
}

// poll publishes one batch past the cursor and returns how many entries it
// consumed.
func (w *Worker) poll(ctx context.Context) (int, error) {
	entries, err := w.config.Log.QueryLabels(ctx, store.LabelQuery{
		Cursor: w.cursor.Load(),
		Limit:  w.config.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read label log: %w", err)
	}

	for i, entry := range entries {
		if err := w.processEntry(entry); err != nil {
			telemetry.SinkFailuresTotal.With(w.config.Name).Inc()
			return i, fmt.Errorf("seq %d: %w", entry.Seq, err)
		}
	}
	return len(entries), nil
}

// processEntry publishes a single entry and advances the cursor.
// Delivery is at-least-once: the cursor moves only after a successful
// publish, so a crash in between redelivers the entry on restart. Entries
// the sink rejects with ErrUnpublishable are skipped.
func (w *Worker) processEntry(entry label.Entry) error {
	if w.config.Filter.Match(entry.URI, entry.Val) {
		data, err := w.config.Transformer.Transform(entry)
		if err != nil {
			return fmt.Errorf("failed to transform entry: %w", err)
		}
		topic := w.topic(entry.Val)
		start := time.Now()
		err = w.publishWithRetry(topic, entry.URI, data)
		telemetry.SinkPublishSeconds.With(w.config.Name).Observe(time.Since(start).Seconds())
		switch {
		case errors.Is(err, ErrUnpublishable):
			log.Error().
				Err(err).
				Str("sink", w.config.Name).
				Str("topic", topic).
				Int64("seq", entry.Seq).
				Msg("Sink rejected label permanently, skipping")
			telemetry.SinkSkippedTotal.With(w.config.Name).Inc()
		case err != nil:
			return err
		default:
			telemetry.SinkPublishedTotal.With(w.config.Name).Inc()
		}
	}

	if err := w.config.Cursors.AdvanceCursor(w.config.Name, entry.Seq); err != nil {
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Int64("seq", entry.Seq).
			Msg("Failed to persist sink cursor - entry may be redelivered")
	}
	w.cursor.Store(entry.Seq)
	telemetry.SinkCursor.With(w.config.Name).Set(float64(entry.Seq))
	return nil
}

// topic builds the topic name for a label value
func (w *Worker) topic(val string) string {
	if w.config.TopicPrefix == "" {
		return val
	}
	return w.config.TopicPrefix + "." + val
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted, the sink rejected the entry
// permanently, or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil || errors.Is(err, ErrUnpublishable) {
			return err
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish label, retrying")

		if !w.sleep(delay) {
			return errWorkerStopped
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
