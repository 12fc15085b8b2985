// Package notify fans committed log entries out to live subscribers.
package notify

import (
	"errors"
	"sync/atomic"

	"github.com/maxpert/labeler/label"
	"github.com/puzpuzpuz/xsync/v3"
)

// TopicLabels is the topic every committed label is published on.
const TopicLabels = "labels"

// ErrSubscriberTooSlow is returned by Deliver when a subscriber's buffer is full.
var ErrSubscriberTooSlow = errors.New("notify: subscriber too slow")

// ErrSubscriberClosed is returned by Deliver after a subscriber was closed.
var ErrSubscriberClosed = errors.New("notify: subscriber closed")

// Subscriber receives published entries. Deliver must not block for a
// subscriber in a broadcast set, and an error there removes it from the set.
// Targeted deliveries run on the publisher's goroutine and may block it.
type Subscriber interface {
	ID() uint64
	Deliver(entry label.Entry) error
}

// Hub is a concurrency-safe registry of topic to subscriber set.
type Hub struct {
	topics *xsync.MapOf[string, *xsync.MapOf[uint64, Subscriber]]
	nextID atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		topics: xsync.NewMapOf[string, *xsync.MapOf[uint64, Subscriber]](),
	}
}

// NextID allocates a subscriber identity.
func (h *Hub) NextID() uint64 {
	return h.nextID.Add(1)
}

func (h *Hub) topic(name string) *xsync.MapOf[uint64, Subscriber] {
	set, _ := h.topics.LoadOrCompute(name, func() *xsync.MapOf[uint64, Subscriber] {
		return xsync.NewMapOf[uint64, Subscriber]()
	})
	return set
}

// Subscribe adds sub to the broadcast set of topic.
func (h *Hub) Subscribe(topic string, sub Subscriber) {
	h.topic(topic).Store(sub.ID(), sub)
}

// Unsubscribe removes sub from topic. It is idempotent.
func (h *Hub) Unsubscribe(topic string, sub Subscriber) {
	if set, ok := h.topics.Load(topic); ok {
		set.Delete(sub.ID())
	}
}

// Subscribers returns the current size of the broadcast set of topic.
func (h *Hub) Subscribers(topic string) int {
	if set, ok := h.topics.Load(topic); ok {
		return set.Size()
	}
	return 0
}

// Publish delivers entry to targets when given, leaving the broadcast set
// untouched, and otherwise to every subscriber of topic at call time.
// Subscribers whose delivery fails are removed from topic. It returns the
// number of successful deliveries.
func (h *Hub) Publish(topic string, entry label.Entry, targets ...Subscriber) int {
	if len(targets) > 0 {
		delivered := 0
		for _, sub := range targets {
			if sub.Deliver(entry) == nil {
				delivered++
			}
		}
		return delivered
	}

	set, ok := h.topics.Load(topic)
	if !ok {
		return 0
	}
	delivered := 0
	set.Range(func(id uint64, sub Subscriber) bool {
		if err := sub.Deliver(entry); err != nil {
			set.Delete(id)
			return true
		}
		delivered++
		return true
	})
	return delivered
}

// PublishAll broadcasts entries in order.
func (h *Hub) PublishAll(topic string, entries []label.Entry) {
	for _, e := range entries {
		h.Publish(topic, e)
	}
}
