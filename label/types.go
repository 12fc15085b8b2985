// Package label defines the label data model shared by the signer, the
// store, the subscription stream and the query service.
package label

import (
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
)

// Version is the label schema version carried in every signed label.
const Version = 1

// MaxValueLength is the longest label value accepted, in bytes.
const MaxValueLength = 128

// TimeLayout renders timestamps with millisecond precision in UTC.
const TimeLayout = "2006-01-02T15:04:05.000Z"

var (
	ErrMissingSource = errors.New("label: missing src")
	ErrMissingURI    = errors.New("label: missing uri")
	ErrMissingValue  = errors.New("label: missing val")
	ErrMissingTime   = errors.New("label: missing cts")
	ErrValueTooLong  = fmt.Errorf("label: val longer than %d bytes", MaxValueLength)
)

// Unsigned is a label before signing.
type Unsigned struct {
	Src string
	URI string
	CID string // optional
	Val string
	Neg bool
	Cts time.Time
	Exp *time.Time // optional
}

// Signed is an Unsigned label plus its detached signature.
type Signed struct {
	Unsigned
	Sig []byte
}

// Entry is a signed label with its log sequence number.
type Entry struct {
	Seq int64
	Signed
}

// Validate checks that every required field is present and well formed.
func (u Unsigned) Validate() error {
	switch {
	case u.Src == "":
		return ErrMissingSource
	case u.URI == "":
		return ErrMissingURI
	case u.Val == "":
		return ErrMissingValue
	case len(u.Val) > MaxValueLength:
		return ErrValueTooLong
	case u.Cts.IsZero():
		return ErrMissingTime
	}
	if u.CID != "" {
		if _, err := cid.Decode(u.CID); err != nil {
			return fmt.Errorf("label: invalid cid %q: %w", u.CID, err)
		}
	}
	return nil
}

// Normalize returns a copy with timestamps truncated to milliseconds in UTC,
// the precision at which they are signed and stored.
func (u Unsigned) Normalize() Unsigned {
	u.Cts = Truncate(u.Cts)
	if u.Exp != nil {
		exp := Truncate(*u.Exp)
		u.Exp = &exp
	}
	return u
}

// IsSigned reports whether the label already carries a signature.
func (s Signed) IsSigned() bool {
	return len(s.Sig) > 0
}

// Truncate converts t to UTC millisecond precision.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// FormatTime renders t in the canonical label timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp rendered by FormatTime. RFC 3339 input is
// accepted as well and truncated to millisecond precision.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("label: invalid timestamp %q: %w", s, err)
	}
	return Truncate(t), nil
}
