package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters labels by uri and value glob patterns
type GlobFilter struct {
	uriGlobs   []glob.Glob
	valueGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(uriPatterns, valuePatterns []string) (*GlobFilter, error) {
	uriGlobs, err := compileGlobs("uri", uriPatterns)
	if err != nil {
		return nil, err
	}
	valueGlobs, err := compileGlobs("value", valuePatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{uriGlobs: uriGlobs, valueGlobs: valueGlobs}, nil
}

func compileGlobs(what string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", what, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns true if the uri and value match the configured patterns
// If no patterns are configured, all labels match
func (f *GlobFilter) Match(uri, val string) bool {
	return matchAny(f.valueGlobs, val) && matchAny(f.uriGlobs, uri)
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
