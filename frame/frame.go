// Package frame implements the binary framing used on the label
// subscription stream. Every message is a CBOR header immediately followed
// by a CBOR body.
package frame

import (
	"errors"
	"fmt"

	"github.com/maxpert/labeler/encoding"
	"github.com/maxpert/labeler/label"
)

// Op distinguishes regular messages from error messages.
type Op int

const (
	OpMessage Op = 1
	OpError   Op = -1
)

// TypeLabels tags a message frame carrying labels.
const TypeLabels = "#labels"

// Error kinds sent in error frames before the stream is closed.
const (
	ErrKindFutureCursor    = "FutureCursor"
	ErrKindInvalidRequest  = "InvalidRequest"
	ErrKindInternal        = "InternalError"
	ErrKindConsumerTooSlow = "ConsumerTooSlow"
)

var (
	ErrUnknownOp    = errors.New("frame: unknown op")
	ErrUnknownType  = errors.New("frame: unknown message type")
	ErrTrailingData = errors.New("frame: trailing data after body")
	ErrEmptyFrame   = errors.New("frame: empty frame")
)

type header struct {
	Op   Op     `cbor:"op"`
	Type string `cbor:"t,omitempty"`
}

// Labels is the body of a #labels message.
type Labels struct {
	Seq    int64        `cbor:"seq"`
	Labels []label.Wire `cbor:"labels"`
}

// ErrorBody is the body of an error frame.
type ErrorBody struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message,omitempty"`
}

// Frame is one decoded stream message. Exactly one of Labels or Error is set,
// matching Op.
type Frame struct {
	Op     Op
	Type   string
	Labels *Labels
	Error  *ErrorBody
}

// NewLabels builds a #labels message frame for one log position.
func NewLabels(seq int64, labels ...label.Wire) Frame {
	if len(labels) == 0 {
		labels = nil
	}
	return Frame{
		Op:     OpMessage,
		Type:   TypeLabels,
		Labels: &Labels{Seq: seq, Labels: labels},
	}
}

// FromEntry builds the #labels frame for a single log entry.
func FromEntry(e label.Entry) Frame {
	return NewLabels(e.Seq, label.ToWire(e.Signed))
}

// NewError builds an error frame.
func NewError(kind, message string) Frame {
	return Frame{
		Op:    OpError,
		Error: &ErrorBody{Error: kind, Message: message},
	}
}

// IsError reports whether f is an error frame.
func (f Frame) IsError() bool {
	return f.Op == OpError
}

// Encode renders f as header bytes followed by body bytes.
func Encode(f Frame) ([]byte, error) {
	var body any
	h := header{Op: f.Op}
	switch f.Op {
	case OpMessage:
		if f.Type != TypeLabels || f.Labels == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
		}
		h.Type = f.Type
		body = f.Labels
	case OpError:
		if f.Error == nil {
			return nil, fmt.Errorf("frame: error frame without body")
		}
		body = f.Error
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, f.Op)
	}

	hb, err := encoding.MarshalCBOR(h)
	if err != nil {
		return nil, fmt.Errorf("frame: encode header: %w", err)
	}
	bb, err := encoding.MarshalCBOR(body)
	if err != nil {
		return nil, fmt.Errorf("frame: encode body: %w", err)
	}
	return append(hb, bb...), nil
}

// Decode parses a frame produced by Encode.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	var h header
	rest, err := encoding.UnmarshalCBORFirst(data, &h)
	if err != nil {
		return Frame{}, fmt.Errorf("frame: decode header: %w", err)
	}

	f := Frame{Op: h.Op, Type: h.Type}
	switch h.Op {
	case OpMessage:
		if h.Type != TypeLabels {
			return Frame{}, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
		}
		f.Labels = &Labels{}
		rest, err = encoding.UnmarshalCBORFirst(rest, f.Labels)
		if len(f.Labels.Labels) == 0 {
			f.Labels.Labels = nil
		}
	case OpError:
		f.Error = &ErrorBody{}
		rest, err = encoding.UnmarshalCBORFirst(rest, f.Error)
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownOp, h.Op)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("frame: decode body: %w", err)
	}
	if len(rest) != 0 {
		return Frame{}, ErrTrailingData
	}
	return f, nil
}
