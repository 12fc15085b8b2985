// Package subscription streams the label log to websocket clients: a bounded
// replay from the client's cursor followed by the live tail, every seq after
// the cursor delivered exactly once and in order.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/maxpert/labeler/frame"
	"github.com/maxpert/labeler/label"
	"github.com/maxpert/labeler/notify"
	"github.com/maxpert/labeler/store"
	"github.com/maxpert/labeler/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPageSize     = 50
	DefaultSendBuffer   = 1024
	DefaultWriteTimeout = 10 * time.Second
)

// State is the lifecycle position of one subscriber connection.
type State int

const (
	StateHandshaking State = iota
	StateValidating
	StateReplaying
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateValidating:
		return "validating"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Reader is the read side of the label store used for replay.
type Reader interface {
	MaxSeq(ctx context.Context) (int64, error)
	QueryLabels(ctx context.Context, q store.LabelQuery) ([]label.Entry, error)
}

// Config configures the subscription handler
type Config struct {
	Store          Reader
	Hub            *notify.Hub
	PageSize       int           // Entries per replay query
	SendBuffer     int           // Live entries buffered per connection
	WriteTimeout   time.Duration // Per-frame write deadline
	OriginPatterns []string      // Allowed cross-origin hosts
}

// Handler upgrades requests to label subscription streams.
type Handler struct {
	config Config

	// mu orders sessions.Add against Close so Wait never races an Add.
	mu       sync.Mutex
	closed   bool
	closing  chan struct{}
	sessions sync.WaitGroup
}

// NewHandler creates a subscription handler
func NewHandler(config Config) (*Handler, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultSendBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	return &Handler{config: config, closing: make(chan struct{})}, nil
}

// Close ends every open stream with a going-away status and waits for the
// sessions to finish. Later requests get 503.
func (h *Handler) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.closing)
	}
	h.mu.Unlock()
	h.sessions.Wait()
}

// acquire registers a session unless the handler is closing.
func (h *Handler) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions.Add(1)
	return true
}

// protocolError ends a session with an error frame.
type protocolError struct {
	kind    string
	message string
	status  websocket.StatusCode
}

func (e *protocolError) Error() string {
	return e.kind + ": " + e.message
}

var errClientGone = errors.New("subscription: client disconnected")

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.acquire() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.sessions.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.OriginPatterns,
	})
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Subscription handshake failed")
		return
	}

	s := &session{
		config:  h.config,
		conn:    conn,
		remote:  r.RemoteAddr,
		closing: h.closing,
	}
	s.send = s.writeEntry

	telemetry.SubscribersActive.Inc()
	defer telemetry.SubscribersActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	result := s.run(ctx, r.URL.Query().Get("cursor"))
	telemetry.SubscriptionsTotal.With(result).Inc()
}

type session struct {
	config Config
	conn   *websocket.Conn
	remote string
	send   func(ctx context.Context, e label.Entry) error

	// closed when the handler shuts down
	closing <-chan struct{}

	state   State
	cursor  int64
	lastSeq int64
}

func (s *session) setState(st State) {
	s.state = st
	log.Debug().
		Str("remote", s.remote).
		Str("state", st.String()).
		Int64("last_seq", s.lastSeq).
		Msg("Subscription state changed")
}

// run drives the session to completion and returns its result label.
func (s *session) run(ctx context.Context, rawCursor string) string {
	defer s.setState(StateClosed)

	s.setState(StateHandshaking)
	cursor, err := parseCursor(rawCursor)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.cursor = cursor
	s.lastSeq = cursor

	// Client frames are not part of the protocol; CloseRead notices disconnects.
	ctx = s.conn.CloseRead(ctx)

	s.setState(StateValidating)
	maxSeq, err := s.config.Store.MaxSeq(ctx)
	if err != nil {
		return s.fail(ctx, internalError(err))
	}
	if cursor > maxSeq {
		return s.fail(ctx, &protocolError{
			kind:    frame.ErrKindFutureCursor,
			message: fmt.Sprintf("cursor %d is ahead of the log tail %d", cursor, maxSeq),
			status:  websocket.StatusPolicyViolation,
		})
	}

	// Register before replay so entries committed meanwhile are buffered.
	sub := s.subscribe()
	defer func() { s.unsubscribe(sub) }()

	s.setState(StateReplaying)
	replayed := s.lastSeq
	for {
		if err := s.catchUp(ctx, 0); err != nil {
			return s.fail(ctx, err)
		}
		if !errors.Is(sub.Err(), notify.ErrSubscriberTooSlow) {
			break
		}
		// Everything the overflow dropped is committed, so the next pass
		// pages it in under a fresh registration.
		log.Debug().
			Str("remote", s.remote).
			Int64("last_seq", s.lastSeq).
			Msg("Live buffer overflowed during replay, resubscribing")
		s.unsubscribe(sub)
		sub = s.subscribe()
	}
	telemetry.ReplayEntriesTotal.Add(float64(s.lastSeq - replayed))

	s.setState(StateLive)
	if err := s.live(ctx, sub); err != nil {
		return s.fail(ctx, err)
	}
	return "closed"
}

func (s *session) subscribe() *notify.Subscription {
	sub := s.config.Hub.NewSubscription(s.config.SendBuffer)
	s.config.Hub.Subscribe(notify.TopicLabels, sub)
	return sub
}

func (s *session) unsubscribe(sub *notify.Subscription) {
	s.config.Hub.Unsubscribe(notify.TopicLabels, sub)
	sub.Close()
}

// catchUp sends stored entries after lastSeq in pages until a page comes
// back empty or, when upTo > 0, until the entry before upTo was sent.
// Entries go out through the hub as a targeted publish to this session.
func (s *session) catchUp(ctx context.Context, upTo int64) error {
	target := &replayTarget{id: s.config.Hub.NextID(), ctx: ctx, session: s}
	for {
		entries, err := s.config.Store.QueryLabels(ctx, store.LabelQuery{
			Cursor: s.lastSeq,
			Limit:  s.config.PageSize,
		})
		if err != nil {
			if ctx.Err() != nil {
				return errClientGone
			}
			return internalError(err)
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			if upTo > 0 && e.Seq >= upTo {
				return nil
			}
			if s.config.Hub.Publish(notify.TopicLabels, e, target) == 0 {
				return target.err
			}
		}
		if upTo > 0 && s.lastSeq >= upTo-1 {
			return nil
		}
	}
}

// live forwards hub entries until the client leaves or the buffer overflows.
func (s *session) live(ctx context.Context, sub *notify.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return errClientGone
		case e, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), notify.ErrSubscriberTooSlow) {
					return &protocolError{
						kind:    frame.ErrKindConsumerTooSlow,
						message: "subscriber fell too far behind the live tail",
						status:  websocket.StatusTryAgainLater,
					}
				}
				return errClientGone
			}
			if err := s.forward(ctx, e); err != nil {
				return err
			}
		}
	}
}

// forward sends a live entry, dropping ones already sent and first filling
// any gap from the store.
func (s *session) forward(ctx context.Context, e label.Entry) error {
	if e.Seq <= s.lastSeq {
		return nil
	}
	if e.Seq > s.lastSeq+1 {
		if err := s.catchUp(ctx, e.Seq); err != nil {
			return err
		}
	}
	return s.emit(ctx, e)
}

// replayTarget receives historical entries for one session. Unlike a live
// Subscription its Deliver writes the frame on the calling goroutine, which
// is always the session's own.
type replayTarget struct {
	id      uint64
	ctx     context.Context
	session *session
	err     error
}

func (t *replayTarget) ID() uint64 {
	return t.id
}

func (t *replayTarget) Deliver(e label.Entry) error {
	t.err = t.session.emit(t.ctx, e)
	return t.err
}

func (s *session) emit(ctx context.Context, e label.Entry) error {
	if err := s.send(ctx, e); err != nil {
		return err
	}
	s.lastSeq = e.Seq
	return nil
}

func (s *session) writeEntry(ctx context.Context, e label.Entry) error {
	data, err := frame.Encode(frame.FromEntry(e))
	if err != nil {
		return internalError(err)
	}
	if err := s.write(ctx, data); err != nil {
		return errClientGone
	}
	telemetry.FramesSentTotal.With("labels").Inc()
	return nil
}

func (s *session) write(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageBinary, data)
}

// fail sends the final error frame for protocol errors and closes the
// connection. It returns the session result label.
func (s *session) fail(ctx context.Context, err error) string {
	var perr *protocolError
	if !errors.As(err, &perr) {
		select {
		case <-s.closing:
			s.conn.Close(websocket.StatusGoingAway, "shutting down")
			return "shutdown"
		default:
		}
		s.conn.CloseNow()
		return "closed"
	}

	log.Debug().
		Str("remote", s.remote).
		Str("kind", perr.kind).
		Str("message", perr.message).
		Int64("cursor", s.cursor).
		Msg("Closing subscription with error frame")

	data, encErr := frame.Encode(frame.NewError(perr.kind, perr.message))
	if encErr == nil {
		if werr := s.write(context.WithoutCancel(ctx), data); werr == nil {
			telemetry.FramesSentTotal.With("error").Inc()
		}
	}
	s.conn.Close(perr.status, perr.kind)

	switch perr.kind {
	case frame.ErrKindFutureCursor:
		return "future_cursor"
	case frame.ErrKindInvalidRequest:
		return "invalid"
	case frame.ErrKindConsumerTooSlow:
		return "too_slow"
	}
	return "internal"
}

func internalError(err error) error {
	log.Error().Err(err).Msg("Subscription failed")
	return &protocolError{
		kind:    frame.ErrKindInternal,
		message: "internal error",
		status:  websocket.StatusInternalError,
	}
}

func parseCursor(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, &protocolError{
			kind:    frame.ErrKindInvalidRequest,
			message: fmt.Sprintf("cursor must be a non-negative integer, got %q", raw),
			status:  websocket.StatusPolicyViolation,
		}
	}
	return n, nil
}
