package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGlobFilter(t *testing.T) {
	filter, err := NewGlobFilter([]string{"did:plc:*", "at://*"}, []string{"github", "bluesky"})
	require.NoError(t, err)
	require.NotNil(t, filter)

	assert.Len(t, filter.uriGlobs, 2)
	assert.Len(t, filter.valueGlobs, 2)
}

func TestNewGlobFilterEmptyPatterns(t *testing.T) {
	filter, err := NewGlobFilter(nil, nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("did:plc:alice", "github"))
	assert.True(t, filter.Match("at://did:plc:bob/app.bsky.feed.post/1", "website"))
	assert.True(t, filter.Match("", ""))
}

func TestGlobFilterExactMatch(t *testing.T) {
	filter, err := NewGlobFilter([]string{"did:plc:alice"}, []string{"github"})
	require.NoError(t, err)

	assert.True(t, filter.Match("did:plc:alice", "github"))
	assert.False(t, filter.Match("did:plc:bob", "github"))
	assert.False(t, filter.Match("did:plc:alice", "website"))
}

func TestGlobFilterWildcard(t *testing.T) {
	filter, err := NewGlobFilter([]string{"did:plc:*"}, []string{"git*"})
	require.NoError(t, err)

	assert.True(t, filter.Match("did:plc:alice", "github"))
	assert.True(t, filter.Match("did:plc:bob", "gitlab"))
	assert.False(t, filter.Match("did:web:example.com", "github"))
	assert.False(t, filter.Match("did:plc:alice", "website"))
}

func TestGlobFilterMultiplePatterns(t *testing.T) {
	filter, err := NewGlobFilter(nil, []string{"github", "gitlab", "codeberg"})
	require.NoError(t, err)

	for _, val := range []string{"github", "gitlab", "codeberg"} {
		assert.True(t, filter.Match("did:plc:alice", val), val)
	}
	assert.False(t, filter.Match("did:plc:alice", "website"))
}

func TestGlobFilterOnlyURIPatterns(t *testing.T) {
	filter, err := NewGlobFilter([]string{"at://*"}, nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("at://did:plc:alice/app.bsky.feed.post/1", "anything"))
	assert.False(t, filter.Match("did:plc:alice", "anything"))
}

func TestGlobFilterQuestionMarkAndRanges(t *testing.T) {
	filter, err := NewGlobFilter([]string{"did:plc:user00?"}, []string{"[gh]*"})
	require.NoError(t, err)

	assert.True(t, filter.Match("did:plc:user001", "github"))
	assert.True(t, filter.Match("did:plc:user009", "hackernews"))
	assert.False(t, filter.Match("did:plc:user010", "github"))
	assert.False(t, filter.Match("did:plc:user001", "website"))
}

func TestGlobFilterCaseSensitive(t *testing.T) {
	filter, err := NewGlobFilter(nil, []string{"github"})
	require.NoError(t, err)

	assert.False(t, filter.Match("did:plc:alice", "GitHub"))
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[unclosed"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid uri pattern")

	_, err = NewGlobFilter(nil, []string{"[unclosed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid value pattern")
}

func BenchmarkGlobFilterMatch(b *testing.B) {
	filter, _ := NewGlobFilter([]string{"did:plc:*"}, []string{"github", "gitlab"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		filter.Match("did:plc:alice", "gitlab")
	}
}
