// Package poller drains the outbound queue into the signed label log.
//
// Each tick claims batches of queue rows until none are left. A batch is
// signed, appended and deleted in one datastore transaction, and the new log
// entries are published to the hub only after that transaction commits.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/labeler/label"
	"github.com/maxpert/labeler/notify"
	"github.com/maxpert/labeler/store"
	"github.com/maxpert/labeler/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default interval between ticks
	DefaultInterval = time.Second
	// Default number of queue rows claimed per batch
	DefaultBatchSize = 20
)

// Signer signs labels on behalf of the labeler identity.
type Signer interface {
	DID() string
	Sign(u label.Unsigned) (label.Signed, error)
}

// Config configures the queue poller
type Config struct {
	Store     *store.Store
	Signer    Signer
	Hub       *notify.Hub
	Interval  time.Duration    // Time between ticks
	BatchSize int              // Queue rows per batch
	Now       func() time.Time // Creation time source, defaults to time.Now
}

// Poller turns queue rows into log entries exactly once
type Poller struct {
	config      Config
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// New creates a poller
func New(config Config) (*Poller, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}

	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Poller{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start starts the tick loop
func (p *Poller) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return
	}

	p.running.Store(true)
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	log.Info().
		Dur("interval", p.config.Interval).
		Int("batch_size", p.config.BatchSize).
		Msg("Starting queue poller")

	go p.tickLoop()
}

// Stop stops the tick loop after the in-flight batch completes
func (p *Poller) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Load() {
		return
	}

	close(p.stopCh)
	<-p.doneCh
	p.running.Store(false)

	log.Info().Msg("Queue poller stopped")
}

func (p *Poller) tickLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.Tick(context.Background()); err != nil {
				log.Error().Err(err).Msg("Queue poller tick failed")
			}
		}
	}
}

func (p *Poller) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Tick processes batches until the queue has nothing claimable. It returns
// the number of log entries created. A failed batch is rolled back and its
// rows are retried on the next tick.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	created := 0
	for !p.stopping() {
		entries, more, err := p.processBatch(ctx)
		created += len(entries)
		if err != nil {
			telemetry.PollerBatchesTotal.With("failed").Inc()
			return created, err
		}
		if !more {
			break
		}
	}
	return created, nil
}

// processBatch claims, signs, appends and deletes one batch. more is false
// when the queue had nothing to claim.
func (p *Poller) processBatch(ctx context.Context) (entries []label.Entry, more bool, err error) {
	start := time.Now()

	batch, err := p.config.Store.ClaimBatch(ctx, p.config.BatchSize)
	if err != nil {
		return nil, false, err
	}
	if batch == nil {
		return nil, false, nil
	}

	cts := label.Truncate(p.config.Now())
	signed := make([]label.Signed, 0, len(batch.Items))
	signedIDs := make([]int64, 0, len(batch.Items))
	dropped := 0
	for _, item := range batch.Items {
		kind, ok := label.ParseKind(item.Kind)
		if !ok {
			log.Warn().
				Int64("id", item.ID).
				Str("kind", item.Kind).
				Str("uri", item.URI).
				Msg("Dropping queue item with unknown kind")
			dropped++
			continue
		}

		s, err := p.config.Signer.Sign(label.Unsigned{
			Src: p.config.Signer.DID(),
			URI: item.URI,
			Val: kind.Value(),
			Neg: item.Neg,
			Cts: cts,
			Exp: item.Exp,
		})
		if err != nil {
			batch.Abort(ctx)
			telemetry.PollerItemsTotal.With("failed").Inc()
			p.recordFailure(ctx, []int64{item.ID}, err)
			return nil, true, fmt.Errorf("failed to sign queue item %d: %w", item.ID, err)
		}
		signed = append(signed, s)
		signedIDs = append(signedIDs, item.ID)
	}

	if len(signed) > 0 {
		entries, err = batch.Append(ctx, signed)
		if err != nil {
			batch.Abort(ctx)
			telemetry.PollerItemsTotal.With("failed").Add(float64(len(signedIDs)))
			p.recordFailure(ctx, signedIDs, err)
			return nil, true, err
		}
	}

	deleted, err := batch.Finish(ctx)
	if err != nil {
		return nil, true, err
	}

	telemetry.PollerBatchesTotal.With("committed").Inc()
	telemetry.PollerBatchSeconds.Observe(time.Since(start).Seconds())
	telemetry.PollerItemsTotal.With("signed").Add(float64(len(entries)))
	telemetry.PollerItemsTotal.With("dropped").Add(float64(dropped))
	telemetry.LabelsAppendedTotal.With("poller").Add(float64(len(entries)))

	if deleted != int64(len(batch.Items)) || len(entries) != len(batch.Items)-dropped {
		telemetry.PollerMismatchTotal.Inc()
		log.Warn().
			Int("selected", len(batch.Items)).
			Int64("deleted", deleted).
			Int("created", len(entries)).
			Int("dropped", dropped).
			Msg("Queue batch counts do not match selection")
	}

	p.config.Hub.PublishAll(notify.TopicLabels, entries)

	if len(entries) > 0 {
		log.Debug().
			Int("created", len(entries)).
			Int64("last_seq", entries[len(entries)-1].Seq).
			Msg("Committed queue batch")
	}
	return entries, true, nil
}

// recordFailure counts a failed attempt against queue rows so repeated
// failures end in the dead-letter table. Finish errors are not counted:
// they come from the datastore, not from the rows.
func (p *Poller) recordFailure(ctx context.Context, ids []int64, cause error) {
	if ctx.Err() != nil {
		return
	}
	if err := p.config.Store.RecordFailure(ctx, ids, cause); err != nil {
		log.Error().Err(err).Ints64("ids", ids).Msg("Failed to record queue item failure")
	}
}
