package label

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindTableIsExhaustive(t *testing.T) {
	for k := KindUnknown + 1; k < kindCount; k++ {
		assert.NotEmpty(t, k.Value(), "kind %d has no value", k)
		assert.NotEmpty(t, k.Display(), "kind %d has no display name", k)

		parsed, ok := ParseKind(k.Value())
		require.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	assert.Len(t, Kinds(), int(kindCount)-1)
}

func TestParseKindUnknown(t *testing.T) {
	_, ok := ParseKind("not-a-kind")
	assert.False(t, ok)

	_, ok = ParseKind("")
	assert.False(t, ok)

	assert.False(t, KindUnknown.Valid())
	assert.False(t, kindCount.Valid())
	assert.Equal(t, "unknown", Kind(200).String())
}

func TestFindLinksInProfile(t *testing.T) {
	text := `Hi! Code at https://github.com/alice, videos on https://www.youtube.com/@alice.
Blog: https://alice.example.org/posts and https://hachyderm.io/@alice. Also https://github.com/alice/repo`

	kinds := FindLinksInProfile(text)
	assert.Equal(t, []Kind{KindGitHub, KindMastodon, KindWebsite, KindYouTube}, kinds)
}

func TestFindLinksInProfileNoLinks(t *testing.T) {
	assert.Empty(t, FindLinksInProfile("just text, github.com without scheme"))
}

func TestValidate(t *testing.T) {
	valid := Unsigned{
		Src: "did:web:labeler.example.com",
		URI: "at://did:plc:abc/app.bsky.feed.post/1",
		Val: "github",
		Cts: time.Now(),
	}
	require.NoError(t, valid.Validate())

	withCID := valid
	withCID.CID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	require.NoError(t, withCID.Validate())

	badCID := valid
	badCID.CID = "not-a-cid"
	assert.Error(t, badCID.Validate())

	noSrc := valid
	noSrc.Src = ""
	assert.ErrorIs(t, noSrc.Validate(), ErrMissingSource)

	noVal := valid
	noVal.Val = ""
	assert.ErrorIs(t, noVal.Validate(), ErrMissingValue)

	long := valid
	long.Val = string(make([]byte, MaxValueLength+1))
	assert.ErrorIs(t, long.Validate(), ErrValueTooLong)

	noTime := valid
	noTime.Cts = time.Time{}
	assert.ErrorIs(t, noTime.Validate(), ErrMissingTime)
}

func TestNormalizeTruncatesToMillis(t *testing.T) {
	cts := time.Date(2024, 5, 1, 12, 30, 45, 123456789, time.FixedZone("X", 3600))
	exp := cts.Add(time.Hour)
	u := Unsigned{Cts: cts, Exp: &exp}.Normalize()

	assert.Equal(t, "2024-05-01T11:30:45.123Z", FormatTime(u.Cts))
	assert.Equal(t, 0, u.Cts.Nanosecond()%int(time.Millisecond))
	assert.Equal(t, time.UTC, u.Cts.Location())
	assert.Equal(t, "2024-05-01T12:30:45.123Z", FormatTime(*u.Exp))
}

func TestParseTime(t *testing.T) {
	ts, err := ParseTime("2024-05-01T11:30:45.123Z")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T11:30:45.123Z", FormatTime(ts))

	ts, err = ParseTime("2024-05-01T13:30:45.123456+02:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T11:30:45.123Z", FormatTime(ts))

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}

func TestWireRoundTrip(t *testing.T) {
	exp := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	signed := Signed{
		Unsigned: Unsigned{
			Src: "did:web:labeler.example.com",
			URI: "did:plc:abc",
			Val: "twitch",
			Neg: true,
			Cts: time.Date(2024, 5, 1, 11, 30, 45, 123000000, time.UTC),
			Exp: &exp,
		},
		Sig: []byte{1, 2, 3, 4},
	}

	w := ToWire(signed)
	assert.Equal(t, Version, w.Ver)
	assert.Equal(t, "2024-05-01T11:30:45.123Z", w.Cts)
	assert.Equal(t, "2025-01-01T00:00:00.000Z", w.Exp)

	back, err := FromWire(w)
	require.NoError(t, err)
	assert.True(t, back.Cts.Equal(signed.Cts))
	assert.True(t, back.Exp.Equal(exp))
	assert.Equal(t, signed.Sig, back.Sig)
	assert.True(t, back.IsSigned())
}

func TestWireJSONBytes(t *testing.T) {
	w := Wire{Ver: 1, Src: "did:web:x", URI: "at://a", Val: "github", Cts: "2024-05-01T11:30:45.123Z", Sig: Bytes{0xde, 0xad, 0xbe, 0xef}}

	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sig":{"$bytes":"3q2+7w"}`)
	assert.NotContains(t, string(data), `"exp"`)
	assert.NotContains(t, string(data), `"neg"`)

	var back Wire
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, w, back)
}
