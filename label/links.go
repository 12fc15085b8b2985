package label

import (
	"net/url"
	"regexp"
	"strings"
)

var linkPattern = regexp.MustCompile(`https?://[^\s<>"'()]+`)

// FindLinksInProfile returns the kinds of the sites linked from a profile
// description, deduplicated and in Kind order. Any http(s) link whose host
// does not belong to a specific kind counts as KindWebsite.
func FindLinksInProfile(text string) []Kind {
	found := make(map[Kind]bool)
	for _, raw := range linkPattern.FindAllString(text, -1) {
		u, err := url.Parse(strings.TrimRight(raw, ".,;:!?"))
		if err != nil || u.Host == "" {
			continue
		}
		found[kindForHost(u.Hostname())] = true
	}

	var out []Kind
	for _, k := range Kinds() {
		if found[k] {
			out = append(out, k)
		}
	}
	return out
}

func kindForHost(host string) Kind {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for k := KindUnknown + 1; k < kindCount; k++ {
		for _, h := range kindTable[k].hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return k
			}
		}
	}
	return KindWebsite
}
