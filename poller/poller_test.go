package poller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/labeler/label"
	"github.com/maxpert/labeler/notify"
	"github.com/maxpert/labeler/signer"
	"github.com/maxpert/labeler/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDID = "did:web:labeler.example.com"

func newSigner(t *testing.T) *signer.Signer {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	s, err := signer.New(seed, testDID)
	require.NoError(t, err)
	return s
}

func openStore(t *testing.T, path, owner string, maxAttempts int) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Driver:      store.DriverSQLite,
		DSN:         path,
		Owner:       owner,
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newPoller(t *testing.T, st *store.Store, sig Signer, hub *notify.Hub) *Poller {
	t.Helper()
	p, err := New(Config{Store: st, Signer: sig, Hub: hub, Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	return p
}

func enqueue(t *testing.T, st *store.Store, items ...store.QueueItem) {
	t.Helper()
	n, err := st.Enqueue(context.Background(), items...)
	require.NoError(t, err)
	require.Equal(t, len(items), n)
}

func githubItems(n int) []store.QueueItem {
	items := make([]store.QueueItem, n)
	for i := range items {
		items[i] = store.QueueItem{Kind: "github", URI: fmt.Sprintf("did:plc:user%03d", i)}
	}
	return items
}

// failingSigner refuses to sign one subject.
type failingSigner struct {
	*signer.Signer
	poison string
}

func (f failingSigner) Sign(u label.Unsigned) (label.Signed, error) {
	if u.URI == f.poison {
		return label.Signed{}, errors.New("hsm unavailable")
	}
	return f.Signer.Sign(u)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	st := openStore(t, filepath.Join(t.TempDir(), "labels.db"), "a", 0)
	_, err = New(Config{Store: st, Hub: notify.NewHub()})
	assert.Error(t, err)
	_, err = New(Config{Store: st, Signer: newSigner(t)})
	assert.Error(t, err)
}

func TestPoller_DrainsQueueExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, filepath.Join(t.TempDir(), "labels.db"), "a", 0)
	sig := newSigner(t)
	hub := notify.NewHub()

	sub := hub.NewSubscription(100)
	hub.Subscribe(notify.TopicLabels, sub)

	enqueue(t, st, githubItems(45)...)

	p := newPoller(t, st, sig, hub)
	created, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45, created)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)

	created, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, created)

	maxSeq, err := st.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(45), maxSeq)

	for want := int64(1); want <= 45; want++ {
		select {
		case e := <-sub.C():
			assert.Equal(t, want, e.Seq)
			assert.Equal(t, testDID, e.Src)
			assert.Equal(t, "github", e.Val)
			assert.NoError(t, sig.Verify(e.Signed))
		case <-time.After(time.Second):
			t.Fatalf("missing published entry %d", want)
		}
	}
}

func TestPoller_CarriesNegationAndExpiry(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, filepath.Join(t.TempDir(), "labels.db"), "a", 0)
	sig := newSigner(t)

	exp := time.Date(2031, 2, 3, 4, 5, 6, 789000000, time.UTC)
	enqueue(t, st, store.QueueItem{Kind: "twitch", URI: "did:plc:bob", Neg: true, Exp: &exp})

	fixed := time.Date(2025, 1, 1, 0, 0, 0, 123456789, time.UTC)
	p, err := New(Config{Store: st, Signer: sig, Hub: notify.NewHub(), Now: func() time.Time { return fixed }})
	require.NoError(t, err)

	created, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	entries, err := st.QueryLabels(ctx, store.LabelQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "twitch", e.Val)
	assert.True(t, e.Neg)
	require.NotNil(t, e.Exp)
	assert.True(t, exp.Equal(*e.Exp))
	assert.True(t, label.Truncate(fixed).Equal(e.Cts))
	assert.NoError(t, sig.Verify(e.Signed))
}

func TestPoller_DropsUnknownKinds(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, filepath.Join(t.TempDir(), "labels.db"), "a", 0)

	enqueue(t, st,
		store.QueueItem{Kind: "github", URI: "did:plc:alice"},
		store.QueueItem{Kind: "myspace", URI: "did:plc:bob"},
	)

	p := newPoller(t, st, newSigner(t), notify.NewHub())
	created, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending, "unknown kinds are deleted, not retried")

	entries, err := st.QueryLabels(ctx, store.LabelQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "did:plc:alice", entries[0].URI)
}

func TestPoller_ConcurrentPollersDoNotDuplicate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "labels.db")
	stA := openStore(t, path, "poller-a", 0)
	stB := openStore(t, path, "poller-b", 0)
	sig := newSigner(t)

	enqueue(t, stA, githubItems(20)...)

	pollers := []*Poller{
		newPoller(t, stA, sig, notify.NewHub()),
		newPoller(t, stB, sig, notify.NewHub()),
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(pollers))
	for _, p := range pollers {
		wg.Add(1)
		go func(p *Poller) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := p.Tick(ctx); err != nil {
					errs <- err
					return
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := stA.CountLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	entries, err := stA.QueryLabels(ctx, store.LabelQuery{Limit: 100})
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, e := range entries {
		assert.False(t, seen[e.URI], "duplicate label for %s", e.URI)
		seen[e.URI] = true
	}
	assert.Len(t, seen, 20)
}

func TestPoller_DeadLettersPoisonItem(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, filepath.Join(t.TempDir(), "labels.db"), "a", 2)
	sig := failingSigner{Signer: newSigner(t), poison: "did:plc:poison"}

	enqueue(t, st,
		store.QueueItem{Kind: "github", URI: "did:plc:alice"},
		store.QueueItem{Kind: "github", URI: "did:plc:poison"},
		store.QueueItem{Kind: "github", URI: "did:plc:carol"},
	)

	p := newPoller(t, st, sig, notify.NewHub())

	for i := 0; i < 2; i++ {
		created, err := p.Tick(ctx)
		require.Error(t, err)
		assert.Zero(t, created)
	}

	n, err := st.CountLabels(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "failed batches must not leave partial labels")

	created, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, int64(1), stats.Dead)

	dead, err := st.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "did:plc:poison", dead[0].URI)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "hsm unavailable")
}

// unsignedSigner returns labels without a signature, which the log refuses.
type unsignedSigner struct {
	*signer.Signer
}

func (u unsignedSigner) Sign(l label.Unsigned) (label.Signed, error) {
	return label.Signed{Unsigned: l}, nil
}

func TestPoller_AppendFailuresDeadLetterBatch(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, filepath.Join(t.TempDir(), "labels.db"), "a", 2)

	enqueue(t, st,
		store.QueueItem{Kind: "github", URI: "did:plc:alice"},
		store.QueueItem{Kind: "github", URI: "did:plc:bob"},
	)

	p := newPoller(t, st, unsignedSigner{Signer: newSigner(t)}, notify.NewHub())

	for i := 0; i < 2; i++ {
		created, err := p.Tick(ctx)
		require.Error(t, err)
		assert.Zero(t, created)
	}

	created, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, created)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, int64(2), stats.Dead)

	dead, err := st.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	for _, d := range dead {
		assert.Equal(t, 2, d.Attempts)
		assert.Contains(t, d.LastError, "not signed")
	}
}

func TestPoller_StartStop(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, filepath.Join(t.TempDir(), "labels.db"), "a", 0)
	hub := notify.NewHub()
	sub := hub.NewSubscription(10)
	hub.Subscribe(notify.TopicLabels, sub)

	p := newPoller(t, st, newSigner(t), hub)
	p.Start()
	p.Start()

	enqueue(t, st, githubItems(3)...)

	require.Eventually(t, func() bool {
		seq, err := st.MaxSeq(ctx)
		return err == nil && seq == 3
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()

	got := 0
	for got < 3 {
		select {
		case <-sub.C():
			got++
		case <-time.After(time.Second):
			t.Fatalf("expected 3 published entries, got %d", got)
		}
	}
}
