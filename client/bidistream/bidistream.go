/*
Copyright 2026 Meridian Data, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bidistream implements the request-response runtime shared by the
// long-lived bidirectional streams of the SDK. It multiplexes tagged requests
// onto a single stream, fans matching responses back to the callers, and
// preserves unanswered requests across reconnects so that hosts only have to
// re-open the transport.
package bidistream

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/gravitational/trace"

	meridian "github.com/meridiandb/meridian-go"
)

// Peer is the transport view of one established stream. Generated gRPC
// stream clients satisfy it after a thin adaptation.
type Peer[R, S any] interface {
	// Send transmits one client frame.
	Send(R) error
	// Recv blocks for the next server frame.
	Recv() (S, error)
	// CloseSend closes the client side of the stream.
	CloseSend() error
}

// OpenFunc establishes a new stream. The context is cancelled when the
// connection is force-disconnected, the session closes, or the context
// passed to Start ends; pass a long-lived context to Start to keep the
// connection up beyond the call.
type OpenFunc[R, S any] func(ctx context.Context) (Peer[R, S], error)

// Hooks adapt the runtime to one concrete protocol.
type Hooks[R, S, T any] struct {
	// OnResponse observes every server frame before request matching and
	// performs protocol side effects (pong, event fan-out). Runs on the
	// read loop; must not block.
	OnResponse func(S)
	// RequestID extracts the request id a frame answers, if any.
	RequestID func(S) (int64, bool)
	// Result converts a frame into the caller-visible result, or into the
	// error that rejects the waiting request.
	Result func(S) (T, error)
}

// Config configures a Session.
type Config[R, S, T any] struct {
	// Hooks adapt the runtime to the protocol, required.
	Hooks Hooks[R, S, T]
	// Log emits connection lifecycle diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config[R, S, T]) CheckAndSetDefaults() error {
	if c.Hooks.RequestID == nil {
		return trace.BadParameter("missing parameter Hooks.RequestID")
	}
	if c.Hooks.Result == nil {
		return trace.BadParameter("missing parameter Hooks.Result")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(meridian.ComponentKey, meridian.ComponentStream)
	return nil
}

// NewSession returns a new stream session in the disconnected state; call
// Start to attach a transport.
func NewSession[R, S, T any](cfg Config[R, S, T]) (*Session[R, S, T], error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Session[R, S, T]{
		cfg:     cfg,
		pending: make(map[int64]*pendingRequest[R, T]),
		queueC:  make(chan struct{}, 1),
	}, nil
}

type queueEntry[R any] struct {
	// id is non-zero for tracked requests that have an entry in the
	// pending map.
	id int64
	// initial marks the handshake frame of a connection attempt; stale
	// ones are dropped when the queue is rebuilt.
	initial bool
	r       R
}

type outcome[T any] struct {
	value T
	err   error
}

type pendingRequest[R, T any] struct {
	id int64
	r  R
	// done receives exactly one outcome; buffered so the read loop never
	// blocks on an abandoned waiter.
	done chan outcome[T]
}

// conn is the state of one established transport.
type conn[R, S any] struct {
	peer   Peer[R, S]
	ctx    context.Context
	cancel context.CancelCauseFunc
	// closedC is closed when both loops have observed the end of the
	// connection.
	closedC chan struct{}
	err     error
}

// Session multiplexes tagged requests over a sequence of transports. All
// exported methods are safe for concurrent use.
type Session[R, S, T any] struct {
	cfg Config[R, S, T]

	mu      sync.Mutex
	queue   []queueEntry[R]
	pending map[int64]*pendingRequest[R, T]
	conn    *conn[R, S]
	// last is the most recent connection, kept after teardown clears conn
	// so WaitDisconnect can still report how that connection ended.
	last   *conn[R, S]
	closed bool

	// queueC wakes the write loop after an enqueue.
	queueC chan struct{}
}

// Send enqueues an untracked frame for the active or next connection.
// It never blocks on transport I/O and fails only on a closed session.
func (s *Session[R, S, T]) Send(r R) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return trace.ConnectionProblem(nil, "stream session is closed")
	}
	s.queue = append(s.queue, queueEntry[R]{r: r})
	s.wakeWriterLocked()
	return nil
}

// SendRequest enqueues a tracked frame and blocks until a response with a
// matching request id arrives, ctx is done, or the session closes. The id
// must be unique and non-zero for the lifetime of the session.
func (s *Session[R, S, T]) SendRequest(ctx context.Context, id int64, r R) (T, error) {
	var zero T
	if id == 0 {
		return zero, trace.BadParameter("request id must be non-zero")
	}
	p := &pendingRequest[R, T]{id: id, r: r, done: make(chan outcome[T], 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return zero, trace.ConnectionProblem(nil, "stream session is closed")
	}
	if _, exists := s.pending[id]; exists {
		s.mu.Unlock()
		return zero, trace.BadParameter("duplicate request id %v", id)
	}
	s.pending[id] = p
	s.queue = append(s.queue, queueEntry[R]{id: id, r: r})
	s.wakeWriterLocked()
	s.mu.Unlock()

	select {
	case out := <-p.done:
		return out.value, trace.Wrap(out.err)
	case <-ctx.Done():
		s.abandon(id)
		return zero, trace.Wrap(ctx.Err())
	}
}

// abandon removes a cancelled request from the pending map and, if it has
// not been transmitted yet, from the outbound queue. A transmitted request
// cannot be un-sent; its late response is dropped by the read loop.
func (s *Session[R, S, T]) abandon(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	s.queue = slices.DeleteFunc(s.queue, func(e queueEntry[R]) bool {
		return e.id == id
	})
}

// Start opens a new transport via open, transmits initial first, replays
// unanswered tracked requests in original id order, and launches the read
// and write loops. It fails when the session is closed or already connected.
func (s *Session[R, S, T]) Start(ctx context.Context, open OpenFunc[R, S], initial R) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return trace.ConnectionProblem(nil, "stream session is closed")
	}
	if s.conn != nil {
		s.mu.Unlock()
		return trace.AlreadyExists("stream session is already connected")
	}
	s.rebuildQueueLocked(initial)
	s.mu.Unlock()

	connCtx, cancel := context.WithCancelCause(ctx)
	peer, err := open(connCtx)
	if err != nil {
		cancel(err)
		return trace.Wrap(err)
	}
	c := &conn[R, S]{
		peer:    peer,
		ctx:     connCtx,
		cancel:  cancel,
		closedC: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel(nil)
		_ = peer.CloseSend()
		return trace.ConnectionProblem(nil, "stream session is closed")
	}
	s.conn = c
	s.last = c
	s.mu.Unlock()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		s.writeLoop(c)
	}()
	go func() {
		defer loops.Done()
		s.readLoop(c)
	}()
	go func() {
		loops.Wait()
		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
		}
		c.err = context.Cause(c.ctx)
		s.mu.Unlock()
		close(c.closedC)
	}()
	return nil
}

// rebuildQueueLocked resets the outbound queue for a fresh connection:
// the initial frame, then unanswered tracked requests ordered by id, then
// untracked frames that were never transmitted.
func (s *Session[R, S, T]) rebuildQueueLocked(initial R) {
	replay := make([]*pendingRequest[R, T], 0, len(s.pending))
	for _, p := range s.pending {
		replay = append(replay, p)
	}
	slices.SortFunc(replay, func(a, b *pendingRequest[R, T]) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})

	queue := make([]queueEntry[R], 0, len(replay)+len(s.queue)+1)
	queue = append(queue, queueEntry[R]{initial: true, r: initial})
	for _, p := range replay {
		queue = append(queue, queueEntry[R]{id: p.id, r: p.r})
	}
	for _, e := range s.queue {
		if e.id == 0 && !e.initial {
			queue = append(queue, e)
		}
	}
	s.queue = queue
	s.wakeWriterLocked()
}

func (s *Session[R, S, T]) wakeWriterLocked() {
	select {
	case s.queueC <- struct{}{}:
	default:
	}
}

func (s *Session[R, S, T]) writeLoop(c *conn[R, S]) {
	for {
		s.mu.Lock()
		var (
			entry queueEntry[R]
			ok    bool
		)
		if s.conn == c && len(s.queue) > 0 {
			entry, ok = s.queue[0], true
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-s.queueC:
				continue
			case <-c.ctx.Done():
				return
			}
		}
		if err := c.peer.Send(entry.r); err != nil {
			c.cancel(trace.ConnectionProblem(err, "failed to send stream request"))
			return
		}
	}
}

func (s *Session[R, S, T]) readLoop(c *conn[R, S]) {
	for {
		resp, err := c.peer.Recv()
		if err != nil {
			c.cancel(trace.ConnectionProblem(err, "stream terminated"))
			return
		}
		if s.cfg.Hooks.OnResponse != nil {
			s.cfg.Hooks.OnResponse(resp)
		}
		id, ok := s.cfg.Hooks.RequestID(resp)
		if !ok {
			continue
		}
		s.mu.Lock()
		p, tracked := s.pending[id]
		if tracked {
			delete(s.pending, id)
		}
		s.mu.Unlock()
		if !tracked {
			// Either cancelled by the caller or an id we never sent.
			s.cfg.Log.DebugContext(c.ctx, "dropping response for unknown request", "request_id", id)
			continue
		}
		value, err := s.cfg.Hooks.Result(resp)
		p.done <- outcome[T]{value: value, err: err}
	}
}

// WaitDisconnect blocks until the connection most recently established by
// Start ends and returns the error that ended it. If that connection has
// already ended, its terminal error is returned right away; a session that
// never connected returns nil.
func (s *Session[R, S, T]) WaitDisconnect(ctx context.Context) error {
	s.mu.Lock()
	c := s.last
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.closedC:
		return trace.Wrap(c.err)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Disconnect force-ends the current connection without closing the session.
// Unanswered tracked requests stay pending and are replayed on the next
// Start.
func (s *Session[R, S, T]) Disconnect() {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.cancel(trace.ConnectionProblem(nil, "connection force-disconnected"))
	_ = c.peer.CloseSend()
}

// Close terminates the session: the active connection is torn down, the
// outbound queue is dropped, and every pending request is rejected.
// Close is idempotent.
func (s *Session[R, S, T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	pending := s.pending
	s.pending = make(map[int64]*pendingRequest[R, T])
	s.queue = nil
	s.mu.Unlock()

	for _, p := range pending {
		p.done <- outcome[T]{err: trace.ConnectionProblem(nil, "stream session is closed")}
	}
	if c != nil {
		c.cancel(trace.ConnectionProblem(nil, "stream session is closed"))
		_ = c.peer.CloseSend()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Session[R, S, T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
