package publisher

import (
	"context"
	"errors"

	"github.com/maxpert/labeler/label"
	"github.com/maxpert/labeler/store"
)

// LogReader is the committed label log a worker mirrors.
type LogReader interface {
	QueryLabels(ctx context.Context, q store.LabelQuery) ([]label.Entry, error)
}

// ErrUnpublishable marks a publish error no retry can fix, such as a topic
// name the destination rejects. Sinks wrap it; the worker logs the entry,
// counts it as skipped and moves its cursor past it.
var ErrUnpublishable = errors.New("entry cannot be published")

// Sink represents a destination for label events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts a log entry to a sink-specific payload
type Transformer interface {
	Transform(entry label.Entry) ([]byte, error)
}

// Filter determines whether a log entry should be published
type Filter interface {
	// Match returns true if a label with this uri and value should be published
	Match(uri, val string) bool
}

// Event is the payload every transformer renders: the log position plus the
// label exactly as the query endpoint returns it.
type Event struct {
	Seq   int64      `json:"seq"`
	Label label.Wire `json:"label"`
}

// NewEvent builds the sink payload for a log entry.
func NewEvent(entry label.Entry) Event {
	return Event{Seq: entry.Seq, Label: label.ToWire(entry.Signed)}
}
