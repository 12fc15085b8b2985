// Package query serves label log reads filtered by subject pattern and
// issuer, paginated by sequence cursor.
package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/labeler/label"
	"github.com/maxpert/labeler/store"
	"github.com/maxpert/labeler/telemetry"
)

const (
	// Wildcard matches every subject alone, or any suffix when trailing.
	Wildcard = "*"

	DefaultLimit     = 50
	MaxLimit         = 250
	DefaultCacheSize = 1024
)

// ErrKindInvalidRequest is the machine readable kind of client errors.
const ErrKindInvalidRequest = "InvalidRequest"

// Error is a client error with a machine readable kind.
type Error struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func invalid(format string, args ...any) *Error {
	return &Error{Kind: ErrKindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Params are the raw request parameters.
type Params struct {
	URIPatterns []string
	Sources     []string
	Cursor      string
	Limit       string
}

// Result is one page of labels. Cursor is the seq of the last label, or "0".
type Result struct {
	Cursor string       `json:"cursor"`
	Labels []label.Wire `json:"labels"`
}

// Reader is the read side of the label store.
type Reader interface {
	QueryLabels(ctx context.Context, q store.LabelQuery) ([]label.Entry, error)
}

// Config bounds request limits and the compiled pattern cache.
type Config struct {
	DefaultLimit int
	MaxLimit     int
	CacheSize    int
}

// Service answers label queries.
type Service struct {
	reader   Reader
	config   Config
	patterns *lru.Cache[uint64, *uriFilter]
}

// uriFilter is a compiled pattern list.
type uriFilter struct {
	key      string
	all      bool
	prefixes []string
	exact    []string
}

// New creates a query service.
func New(reader Reader, config Config) (*Service, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = MaxLimit
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = DefaultLimit
	}
	if config.DefaultLimit > config.MaxLimit {
		return nil, fmt.Errorf("default limit %d exceeds max limit %d", config.DefaultLimit, config.MaxLimit)
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}

	cache, err := lru.New[uint64, *uriFilter](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern cache: %w", err)
	}
	return &Service{reader: reader, config: config, patterns: cache}, nil
}

// QueryLabels validates p and reads one page from the log. Validation
// failures are returned as *Error.
func (s *Service) QueryLabels(ctx context.Context, p Params) (Result, error) {
	limit, err := s.parseLimit(p.Limit)
	if err != nil {
		return Result{}, err
	}
	cursor, err := ParseCursor(p.Cursor)
	if err != nil {
		return Result{}, err
	}
	filter, err := s.compile(p.URIPatterns)
	if err != nil {
		return Result{}, err
	}

	q := store.LabelQuery{
		Cursor:  cursor,
		Sources: p.Sources,
		Limit:   limit,
	}
	if !filter.all {
		q.URIPrefixes = filter.prefixes
		q.URIExact = filter.exact
	}

	entries, err := s.reader.QueryLabels(ctx, q)
	if err != nil {
		return Result{}, fmt.Errorf("failed to query labels: %w", err)
	}
	telemetry.QueryRowsReturned.Observe(float64(len(entries)))

	res := Result{Cursor: "0", Labels: label.EntriesToWire(entries)}
	if n := len(entries); n > 0 {
		res.Cursor = strconv.FormatInt(entries[n-1].Seq, 10)
	}
	return res, nil
}

func (s *Service) parseLimit(raw string) (int, error) {
	if raw == "" {
		return s.config.DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid("limit must be an integer, got %q", raw)
	}
	if n < 1 || n > s.config.MaxLimit {
		return 0, invalid("limit must be between 1 and %d, got %d", s.config.MaxLimit, n)
	}
	return n, nil
}

// ParseCursor parses a non-negative sequence cursor. Empty means 0.
func ParseCursor(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, invalid("cursor must be a non-negative integer, got %q", raw)
	}
	return n, nil
}

func (s *Service) compile(patterns []string) (*uriFilter, error) {
	key := strings.Join(patterns, "\x00")
	h := xxhash.Sum64String(key)
	if f, ok := s.patterns.Get(h); ok && f.key == key {
		return f, nil
	}

	f, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	f.key = key
	s.patterns.Add(h, f)
	return f, nil
}

func compilePatterns(patterns []string) (*uriFilter, error) {
	f := &uriFilter{all: len(patterns) == 0}
	for _, p := range patterns {
		if p == Wildcard {
			f.all = true
			continue
		}
		i := strings.Index(p, Wildcard)
		switch {
		case i < 0:
			f.exact = append(f.exact, p)
		case i == len(p)-1:
			f.prefixes = append(f.prefixes, p[:i])
		default:
			return nil, invalid("only trailing wildcards are supported in uriPatterns, got %q", p)
		}
	}
	return f, nil
}
