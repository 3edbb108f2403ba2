// Package rpc implements request/response correlation over a message
// channel. Correlation is strictly by id: responses may arrive in any
// order relative to request issuance, late responses after a deadline
// are dropped, and every pending request resolves exactly once.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/channel"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
)

// DefaultRequestTimeout is the per-request deadline.
const DefaultRequestTimeout = 5 * time.Second

// Standard errors returned by the session.
var (
	// ErrClosed indicates the session has been disposed.
	ErrClosed = errors.New("rpc session closed")

	// ErrDeadlineExceeded indicates no response arrived within the deadline.
	ErrDeadlineExceeded = errors.New("request deadline exceeded")
)

// Result is the terminal state of a request: either a raw result
// payload or an error (remote error, deadline, or session shutdown).
type Result struct {
	Result json.RawMessage
	Err    error
}

// NotificationHandler receives inbound notification params.
type NotificationHandler func(method string, params json.RawMessage)

// pendingRequest tracks one outstanding request. It is destroyed
// exactly once, by a matching response or by deadline expiry.
type pendingRequest struct {
	id    int64
	ch    chan Result
	timer *time.Timer
}

// Session correlates requests and responses over one channel. Ids come
// from a monotonically increasing counter starting at 1 and are never
// reused, even after resolution.
type Session struct {
	ch     channel.Channel
	logger *zap.Logger

	nextID  atomic.Int64
	timeout time.Duration

	mu       sync.Mutex
	pending  map[int64]*pendingRequest
	handlers map[string][]NotificationHandler

	history *History
	closed  atomic.Bool
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout overrides the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHistoryCapacity sets the message-history ring capacity.
// Zero disables history.
func WithHistoryCapacity(n int) Option {
	return func(s *Session) {
		s.history = NewHistory(n)
	}
}

// NewSession creates a session bound to ch and subscribes to its
// inbound messages.
func NewSession(ch channel.Channel, opts ...Option) *Session {
	s := &Session{
		ch:       ch,
		logger:   zap.NewNop(),
		timeout:  DefaultRequestTimeout,
		pending:  make(map[int64]*pendingRequest),
		handlers: make(map[string][]NotificationHandler),
		history:  NewHistory(DefaultHistoryCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	ch.Subscribe(s.dispatch)
	return s
}

// SendRequest transmits a request and returns a channel that yields the
// terminal Result exactly once: a matching response or, failing that
// within the deadline, ErrDeadlineExceeded.
func (s *Session) SendRequest(method string, params any) <-chan Result {
	ch := make(chan Result, 1)
	if s.closed.Load() {
		ch <- Result{Err: ErrClosed}
		return ch
	}

	id := s.nextID.Add(1)
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		ch <- Result{Err: err}
		return ch
	}

	p := &pendingRequest{id: id, ch: ch}
	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()

	p.timer = time.AfterFunc(s.timeout, func() {
		if s.resolve(id, Result{Err: ErrDeadlineExceeded}) {
			s.logger.Debug("request timed out",
				zap.Int64("id", id), zap.String("method", method))
		}
	})

	s.record(DirectionOutbound, msg)
	if err := s.ch.Send(msg); err != nil {
		// Encoding failure: fail fast instead of waiting out the deadline.
		s.resolve(id, Result{Err: err})
	}
	return ch
}

// Call is a blocking convenience over SendRequest: it waits for the
// terminal result, honours ctx, and unmarshals a successful result
// into out when out is non-nil.
func (s *Session) Call(ctx context.Context, method string, params, out any) error {
	select {
	case res := <-s.SendRequest(method, params):
		if res.Err != nil {
			return res.Err
		}
		if out != nil && len(res.Result) > 0 {
			if err := json.Unmarshal(res.Result, out); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendNotification transmits a fire-and-forget notification. No id is
// assigned and no pending entry is created.
func (s *Session) SendNotification(method string, params any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	s.record(DirectionOutbound, msg)
	return s.ch.Send(msg)
}

// OnNotification registers a handler for a notification method. Every
// registered handler for a method is invoked, in registration order.
func (s *Session) OnNotification(method string, h NotificationHandler) {
	s.mu.Lock()
	s.handlers[method] = append(s.handlers[method], h)
	s.mu.Unlock()
}

// Close disposes the session: every outstanding request resolves with
// ErrClosed and the underlying channel is closed. Idempotent.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]*pendingRequest)
	s.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- Result{Err: ErrClosed}
	}
	return s.ch.Close()
}

// History returns a snapshot of recent messages, oldest first.
func (s *Session) History() []HistoryEntry {
	if s.history == nil {
		return nil
	}
	return s.history.Entries()
}

// dispatch routes one inbound message. Responses resolve their pending
// entry; notifications fan out to handlers; anything unmatched is
// dropped with a log line, never an error.
func (s *Session) dispatch(msg *protocol.Message) {
	s.record(DirectionInbound, msg)

	switch msg.Kind() {
	case protocol.KindResponse:
		res := Result{Result: msg.Result}
		if msg.Error != nil {
			res = Result{Err: msg.Error}
		}
		if !s.resolve(*msg.ID, res) {
			// Stale or duplicate: already resolved, timed out, or never
			// issued. Observability only.
			s.logger.Debug("dropping response with no pending request",
				zap.Int64("id", *msg.ID))
		}

	case protocol.KindNotification:
		s.mu.Lock()
		handlers := append([]NotificationHandler(nil), s.handlers[msg.Method]...)
		s.mu.Unlock()
		for _, h := range handlers {
			h(msg.Method, msg.Params)
		}

	case protocol.KindRequest:
		// The analysis service does not call back into the core.
		s.logger.Debug("ignoring inbound request", zap.String("method", msg.Method))

	default:
		s.logger.Warn("dropping message with unknown shape")
	}
}

// resolve completes a pending request at most once. Reports whether
// this call performed the resolution.
func (s *Session) resolve(id int64, res Result) bool {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- res
	return true
}

func (s *Session) record(dir Direction, msg *protocol.Message) {
	if s.history != nil {
		s.history.Record(dir, msg)
	}
}
