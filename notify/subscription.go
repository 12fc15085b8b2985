package notify

import (
	"sync"

	"github.com/maxpert/labeler/label"
)

// defaultBufferSize is the per-subscription entry buffer when none is given.
const defaultBufferSize = 256

// Subscription is a channel-backed Subscriber. When its buffer overflows the
// channel is closed and Err reports ErrSubscriberTooSlow, so a consumer never
// silently misses an entry.
type Subscription struct {
	id uint64
	ch chan label.Entry

	mu     sync.Mutex
	closed bool
	err    error
}

// NewSubscription creates a subscription with a buffer of size entries.
func (h *Hub) NewSubscription(size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Subscription{
		id: h.NextID(),
		ch: make(chan label.Entry, size),
	}
}

// ID implements Subscriber.
func (s *Subscription) ID() uint64 {
	return s.id
}

// C returns the entry channel. It is closed on overflow or Close.
func (s *Subscription) C() <-chan label.Entry {
	return s.ch
}

// Deliver implements Subscriber without blocking.
func (s *Subscription) Deliver(entry label.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.ch <- entry:
		return nil
	default:
		s.closeLocked(ErrSubscriberTooSlow)
		return ErrSubscriberTooSlow
	}
}

// Err reports why the channel was closed, nil after a plain Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the channel. It is idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(nil)
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}
