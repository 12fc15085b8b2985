package label

// Kind is a label value producers may request through the outbound queue.
// The set is closed: every Kind has an entry in kindTable, and ParseKind is
// the only way to turn a stored string back into a Kind.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindGitHub
	KindMastodon
	KindWebsite
	KindYouTube
	KindTwitch

	kindCount
)

type kindInfo struct {
	value   string
	display string
	hosts   []string
}

// kindTable is indexed by Kind; its length is fixed by kindCount so a new
// constant without a table row fails the lookup test.
var kindTable = [kindCount]kindInfo{
	KindUnknown:  {},
	KindGitHub:   {value: "github", display: "GitHub", hosts: []string{"github.com"}},
	KindMastodon: {value: "mastodon", display: "Mastodon", hosts: []string{"mastodon.social", "mastodon.online", "fosstodon.org", "hachyderm.io"}},
	KindWebsite:  {value: "website", display: "Website"},
	KindYouTube:  {value: "youtube", display: "YouTube", hosts: []string{"youtube.com", "youtu.be"}},
	KindTwitch:   {value: "twitch", display: "Twitch", hosts: []string{"twitch.tv"}},
}

var kindByValue = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k := KindUnknown + 1; k < kindCount; k++ {
		m[kindTable[k].value] = k
	}
	return m
}()

// Kinds returns every recognized Kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := KindUnknown + 1; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// ParseKind maps a label value to its Kind.
func ParseKind(value string) (Kind, bool) {
	k, ok := kindByValue[value]
	return k, ok
}

// Value is the label value written into signed labels.
func (k Kind) Value() string {
	if k >= kindCount {
		return ""
	}
	return kindTable[k].value
}

// Display is the human readable name of the kind.
func (k Kind) Display() string {
	if k >= kindCount {
		return ""
	}
	return kindTable[k].display
}

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	return k > KindUnknown && k < kindCount
}

func (k Kind) String() string {
	if !k.Valid() {
		return "unknown"
	}
	return kindTable[k].value
}
