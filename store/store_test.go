package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/labeler/label"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSource = "did:web:labeler.example.com"

func openTestStoreAt(t *testing.T, path string, cfg Config) *Store {
	t.Helper()
	cfg.Driver = DriverSQLite
	cfg.DSN = path
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStoreAt(t, filepath.Join(t.TempDir(), "labels.db"), Config{Owner: "test"})
}

func signedLabel(uri, val string) label.Signed {
	return label.Signed{
		Unsigned: label.Unsigned{
			Src: testSource,
			URI: uri,
			Val: val,
			Cts: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
		Sig: []byte{0x01, 0x02},
	}
}

func TestStore_AppendAssignsIncreasingSeq(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	var last int64
	for i := 0; i < 3; i++ {
		entries, err := s.AppendLabels(ctx, []label.Signed{
			signedLabel("at://a/1", "github"),
			signedLabel("at://a/2", "github"),
		})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		for _, e := range entries {
			assert.Greater(t, e.Seq, last)
			last = e.Seq
		}
	}

	seq, err = s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, seq)
	assert.Equal(t, int64(6), seq)

	n, err := s.CountLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestStore_AppendRejectsUnsigned(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	unsigned := signedLabel("at://a/1", "github")
	unsigned.Sig = nil
	_, err := s.AppendLabels(ctx, []label.Signed{signedLabel("at://a/0", "github"), unsigned})
	require.Error(t, err)

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq, "failed append must not leave partial rows")
}

func TestStore_LabelFieldsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	exp := time.Date(2025, 1, 2, 3, 4, 5, 678_000_000, time.UTC)
	l := signedLabel("at://did:plc:alice/app.bsky.feed.post/1", "twitch")
	l.CID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	l.Neg = true
	l.Exp = &exp
	l.Sig = []byte{0x00, 0xff, 0x27, 0x5c}

	_, err := s.AppendLabels(ctx, []label.Signed{l})
	require.NoError(t, err)

	entries, err := s.QueryLabels(ctx, LabelQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, l.URI, got.URI)
	assert.Equal(t, l.CID, got.CID)
	assert.True(t, got.Neg)
	assert.True(t, got.Cts.Equal(l.Cts))
	require.NotNil(t, got.Exp)
	assert.True(t, got.Exp.Equal(exp))
	assert.Equal(t, l.Sig, got.Sig)
}

func TestStore_QueryLabelsFilters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	other := signedLabel("at://b/1", "youtube")
	other.Src = "did:web:other.example.com"
	_, err := s.AppendLabels(ctx, []label.Signed{
		signedLabel("at://a/1", "github"),
		signedLabel("at://a/2", "github"),
		other,
		signedLabel("at://a_%/1", "website"),
		signedLabel("AT://A/3", "website"),
	})
	require.NoError(t, err)

	uris := func(entries []label.Entry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.URI)
		}
		return out
	}

	all, err := s.QueryLabels(ctx, LabelQuery{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	prefixed, err := s.QueryLabels(ctx, LabelQuery{URIPrefixes: []string{"at://a/"}, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"at://a/1", "at://a/2"}, uris(prefixed))

	literal, err := s.QueryLabels(ctx, LabelQuery{URIPrefixes: []string{"at://a_%"}, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"at://a_%/1"}, uris(literal))

	mixed, err := s.QueryLabels(ctx, LabelQuery{
		URIPrefixes: []string{"at://b/"},
		URIExact:    []string{"at://a/2"},
		Limit:       50,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"at://a/2", "at://b/1"}, uris(mixed))

	exact, err := s.QueryLabels(ctx, LabelQuery{URIExact: []string{"at://a/"}, Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, exact)

	bySource, err := s.QueryLabels(ctx, LabelQuery{Sources: []string{"did:web:other.example.com"}, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"at://b/1"}, uris(bySource))

	page, err := s.QueryLabels(ctx, LabelQuery{Cursor: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)
}

func TestPrefixMatch_EscapesPatterns(t *testing.T) {
	pg := &Store{dialect: "postgres"}
	sql, args, err := goqu.Dialect("postgres").From(labelsTable).Prepared(true).
		Where(pg.prefixMatch("uri", "at://a_%!/")).ToSQL()
	require.NoError(t, err)
	assert.Contains(t, sql, `"uri" LIKE $1 ESCAPE '!'`)
	assert.Equal(t, []interface{}{"at://a!_!%!!/%"}, args)

	lite := &Store{dialect: "sqlite3"}
	sql, args, err = goqu.Dialect("sqlite3").From(labelsTable).Prepared(true).
		Where(lite.prefixMatch("uri", "at://a*?[/")).ToSQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "GLOB ?")
	assert.Equal(t, []interface{}{"at://a[*][?][[]/*"}, args)
}
