package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/labeler/label"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	offset atomic.Int64
}

func (c *fakeClock) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

func (c *fakeClock) Advance(d time.Duration) {
	c.offset.Add(int64(d))
}

func enqueueN(t *testing.T, s *Store, n int) {
	t.Helper()
	items := make([]QueueItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, QueueItem{Kind: "github", URI: "did:plc:user" + string(rune('a'+i%26))})
	}
	count, err := s.Enqueue(context.Background(), items...)
	require.NoError(t, err)
	require.Equal(t, n, count)
}

func labelsFor(items []QueueItem) []label.Signed {
	out := make([]label.Signed, 0, len(items))
	for _, it := range items {
		out = append(out, signedLabel(it.URI, it.Kind))
	}
	return out
}

func TestQueue_EnqueueValidates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, QueueItem{URI: "did:plc:alice"})
	assert.ErrorIs(t, err, ErrEmptyKind)
	_, err = s.Enqueue(ctx, QueueItem{Kind: "github"})
	assert.ErrorIs(t, err, ErrEmptyURI)

	n, err := s.Enqueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_ClaimEmpty(t *testing.T) {
	s := openTestStore(t)
	b, err := s.ClaimBatch(context.Background(), 20)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestQueue_ClaimAppendFinish(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Enqueue(ctx,
		QueueItem{Kind: "github", URI: "did:plc:alice"},
		QueueItem{Kind: "twitch", URI: "did:plc:bob", Neg: true, Exp: &exp},
	)
	require.NoError(t, err)

	b, err := s.ClaimBatch(ctx, 20)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Len(t, b.Items, 2)
	assert.Equal(t, "did:plc:alice", b.Items[0].URI)
	assert.True(t, b.Items[1].Neg)
	require.NotNil(t, b.Items[1].Exp)
	assert.True(t, b.Items[1].Exp.Equal(exp))

	entries, err := b.Append(ctx, labelsFor(b.Items))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	deleted, err := b.Finish(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = b.Finish(ctx)
	assert.Error(t, err)

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{}, stats)

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestQueue_ClaimRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueN(t, s, 5)

	b, err := s.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, b.Items, 3)
	_, err = b.Finish(ctx)
	require.NoError(t, err)

	b, err = s.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, b.Items, 2)
	_, err = b.Finish(ctx)
	require.NoError(t, err)

	b, err = s.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestQueue_AbortLeavesRowsAndLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueN(t, s, 2)

	b, err := s.ClaimBatch(ctx, 20)
	require.NoError(t, err)
	_, err = b.Append(ctx, labelsFor(b.Items))
	require.NoError(t, err)
	b.Abort(ctx)

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)

	b, err = s.ClaimBatch(ctx, 20)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Len(t, b.Items, 2)
	b.Abort(ctx)
}

func TestQueue_ClaimColumnsExcludeOtherOwners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.db")
	clock := &fakeClock{}
	a := openTestStoreAt(t, path, Config{Owner: "a", ClaimTimeout: time.Minute, Now: clock.Now})
	b := openTestStoreAt(t, path, Config{Owner: "b", ClaimTimeout: time.Minute, Now: clock.Now})
	ctx := context.Background()
	enqueueN(t, a, 4)

	claimedA, err := a.markClaims(ctx, 20)
	require.NoError(t, err)
	assert.Len(t, claimedA, 4)

	claimedB, err := b.markClaims(ctx, 20)
	require.NoError(t, err)
	assert.Empty(t, claimedB)

	stats, err := a.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Claimed)

	clock.Advance(2 * time.Minute)
	claimedB, err = b.markClaims(ctx, 20)
	require.NoError(t, err)
	assert.ElementsMatch(t, claimedA, claimedB)

	// a's claims were taken over, so a has nothing to process.
	batchA, err := a.ClaimBatch(ctx, 20)
	require.NoError(t, err)
	assert.Nil(t, batchA)

	clock.Advance(2 * time.Minute)
	batchB, err := b.ClaimBatch(ctx, 20)
	require.NoError(t, err)
	require.NotNil(t, batchB)
	assert.Len(t, batchB.Items, 4)
	deleted, err := batchB.Finish(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
}

func TestQueue_DeadLetter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.db")
	s := openTestStoreAt(t, path, Config{Owner: "test", MaxAttempts: 2})
	ctx := context.Background()
	_, err := s.Enqueue(ctx, QueueItem{Kind: "github", URI: "did:plc:poison"})
	require.NoError(t, err)

	cause := errors.New("signing exploded")
	for i := 0; i < 2; i++ {
		b, err := s.ClaimBatch(ctx, 20)
		require.NoError(t, err)
		require.NotNil(t, b, "attempt %d", i)
		require.Len(t, b.Items, 1)
		assert.Equal(t, i, b.Items[0].Attempts)
		b.Abort(ctx)
		require.NoError(t, s.RecordFailure(ctx, []int64{b.Items[0].ID}, cause))
	}

	b, err := s.ClaimBatch(ctx, 20)
	require.NoError(t, err)
	assert.Nil(t, b)

	dead, err := s.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "did:plc:poison", dead[0].URI)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Equal(t, "signing exploded", dead[0].LastError)

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Dead: 1}, stats)

	counts, err := s.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"pending": 0, "claimed": 0, "retrying": 0, "dead": 1}, counts)

	var logs bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&logs)
	require.NoError(t, s.RequeueDead(ctx, dead[0].ID))
	log.Logger = original
	assert.Equal(t, 1, strings.Count(logs.String(), "Requeued dead letter"))

	assert.ErrorIs(t, s.RequeueDead(ctx, dead[0].ID), ErrNotFound)

	b, err = s.ClaimBatch(ctx, 20)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 0, b.Items[0].Attempts)
	assert.Equal(t, "did:plc:poison", b.Items[0].URI)
	b.Abort(ctx)
}

func TestQueue_ConcurrentClaimersProcessEachRowOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.db")
	stores := []*Store{
		openTestStoreAt(t, path, Config{Owner: "one"}),
		openTestStoreAt(t, path, Config{Owner: "two"}),
	}
	ctx := context.Background()
	enqueueN(t, stores[0], 20)

	var wg sync.WaitGroup
	errs := make(chan error, len(stores))
	for _, s := range stores {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for {
				b, err := s.ClaimBatch(ctx, 3)
				if err != nil {
					errs <- err
					return
				}
				if b == nil {
					return
				}
				if _, err := b.Append(ctx, labelsFor(b.Items)); err != nil {
					b.Abort(ctx)
					errs <- err
					return
				}
				if _, err := b.Finish(ctx); err != nil {
					errs <- err
					return
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := stores[0].CountLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	stats, err := stores[1].QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}
