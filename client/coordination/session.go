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

// Package coordination implements the client side of coordination sessions:
// a reconnecting stream that owns distributed semaphores, answers server
// pings, and preserves its server-assigned session id across transport
// failures.
package coordination

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"

	meridian "github.com/meridiandb/meridian-go"
	"github.com/meridiandb/meridian-go/client"
	"github.com/meridiandb/meridian-go/client/bidistream"
	"github.com/meridiandb/meridian-go/defaults"
	"github.com/meridiandb/meridian-go/types/coordination"
	"github.com/meridiandb/meridian-go/types/status"
	"github.com/meridiandb/meridian-go/utils"
	"github.com/meridiandb/meridian-go/utils/retryutils"
)

// Driver is the subset of the driver the session uses.
type Driver interface {
	// Ready blocks until the underlying channel can serve requests.
	Ready(ctx context.Context) error
	// CoordinationSession opens a coordination session stream.
	CoordinationSession(ctx context.Context, opts ...grpc.CallOption) (client.CoordinationPeer, error)
}

// ExpiredEvent notifies that the server invalidated the session. All
// semaphores acquired under the expired id were released server-side and
// must be re-acquired.
type ExpiredEvent struct {
	// SessionID is the invalidated session id.
	SessionID uint64
	// Time is when the client learned about the expiration.
	Time time.Time
}

// SemaphoreChanged fires a one-shot semaphore watch.
type SemaphoreChanged struct {
	// Name is the watched semaphore.
	Name string
	// DataChanged reports a data blob change.
	DataChanged bool
	// OwnersChanged reports an ownership change.
	OwnersChanged bool
}

// SessionConfig configures a coordination session.
type SessionConfig struct {
	// Driver supplies streams and channel readiness, required.
	Driver Driver
	// Path is the coordination node path, required.
	Path string
	// Description annotates the session server-side.
	Description string
	// SessionTimeout is how long the server keeps the session alive after
	// the client disappears.
	SessionTimeout time.Duration
	// StartTimeout bounds the wait for a session start confirmation on
	// each connection attempt.
	StartTimeout time.Duration
	// Log emits session lifecycle diagnostics.
	Log *slog.Logger
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *SessionConfig) CheckAndSetDefaults() error {
	if cfg.Driver == nil {
		return trace.BadParameter("coordination session config: missing parameter Driver")
	}
	if cfg.Path == "" {
		return trace.BadParameter("coordination session config: missing parameter Path")
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = defaults.SessionTimeout
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = defaults.SessionStartTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	cfg.Log = cfg.Log.With(meridian.ComponentKey, meridian.ComponentCoordination)
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type watchEntry struct {
	name string
	ch   chan SemaphoreChanged
}

// Session is a coordination session. One Session owns at most one active
// stream at a time and re-establishes it, preserving the server session id,
// until Close is called or an unrecoverable error occurs.
type Session struct {
	cfg    SessionConfig
	stream *bidistream.Session[coordination.ClientMessage, coordination.ServerMessage, coordination.ServerMessage]
	// retry paces reconnects; reset on every successful session start.
	retry retryutils.Retry

	// reqID allocates request ids, unique per session, strictly growing.
	reqID atomic.Int64

	cancel   context.CancelFunc
	closeCtx context.Context
	// doneCh is closed when the connection loop exits.
	doneCh chan struct{}

	mu sync.Mutex
	// sessionID is the server-assigned id, zero until the first start and
	// after an expiration.
	sessionID uint64
	// seqNo orders session start attempts.
	seqNo uint64
	// watches maps describe request ids to their one-shot watch.
	watches map[int64]watchEntry
	// startedC confirms the start attempt of the current connection.
	startedC chan struct{}
	// stoppedC confirms a session stop during Close.
	stoppedC chan struct{}
	// firstReadyC is closed when the session starts for the first time.
	firstReadyC chan struct{}
	firstReady  sync.Once
	closing     bool
	// terminalErr is the unrecoverable error that ended the connection
	// loop, if any.
	terminalErr error

	expiredC chan ExpiredEvent
}

// NewSession creates a coordination session and starts its connection loop.
// Use Ready to await the first successful session start.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	retry, err := retryutils.NewExponential(retryutils.ExponentialConfig{
		Base:   defaults.SessionRetryBase,
		Max:    defaults.SessionRetryMax,
		Jitter: retryutils.NewProportionalJitter(0.5),
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		retry:       retry,
		cancel:      cancel,
		closeCtx:    ctx,
		doneCh:      make(chan struct{}),
		watches:     make(map[int64]watchEntry),
		stoppedC:    make(chan struct{}),
		firstReadyC: make(chan struct{}),
		expiredC:    make(chan ExpiredEvent, 1),
	}
	stream, err := bidistream.NewSession(bidistream.Config[coordination.ClientMessage, coordination.ServerMessage, coordination.ServerMessage]{
		Hooks: bidistream.Hooks[coordination.ClientMessage, coordination.ServerMessage, coordination.ServerMessage]{
			OnResponse: s.handleResponse,
			RequestID:  extractRequestID,
			Result:     extractResult,
		},
		Log: cfg.Log,
	})
	if err != nil {
		cancel()
		return nil, trace.Wrap(err)
	}
	s.stream = stream
	go func() {
		s.runConnectionLoop()
		close(s.doneCh)
	}()
	return s, nil
}

// extractRequestID reports the request id a frame completes. Informational
// frames such as AcquirePending carry a request id but do not complete the
// request and are excluded on purpose.
func extractRequestID(m coordination.ServerMessage) (int64, bool) {
	switch m := m.(type) {
	case *coordination.AcquireResult:
		return m.ReqID, true
	case *coordination.ReleaseResult:
		return m.ReqID, true
	case *coordination.CreateResult:
		return m.ReqID, true
	case *coordination.UpdateResult:
		return m.ReqID, true
	case *coordination.DeleteResult:
		return m.ReqID, true
	case *coordination.DescribeResult:
		return m.ReqID, true
	default:
		return 0, false
	}
}

// extractResult converts a result frame into the caller-visible value or
// the error rejecting the request.
func extractResult(m coordination.ServerMessage) (coordination.ServerMessage, error) {
	type resulter interface {
		Err() error
	}
	if r, ok := m.(resulter); ok {
		if err := r.Err(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return m, nil
}

// handleResponse performs the protocol side effects of a server frame. It
// runs on the stream read loop and must not block.
func (s *Session) handleResponse(m coordination.ServerMessage) {
	switch m := m.(type) {
	case *coordination.Ping:
		// The server measures liveness by the echo, answer on the
		// same connection right away.
		if err := s.stream.Send(&coordination.Pong{Opaque: m.Opaque}); err != nil {
			s.cfg.Log.Debug("failed to enqueue pong", "error", err)
		}
	case *coordination.SessionStarted:
		s.mu.Lock()
		s.sessionID = m.SessionID
		startedC := s.startedC
		s.startedC = nil
		s.mu.Unlock()
		if startedC != nil {
			close(startedC)
		}
		s.retry.Reset()
		s.firstReady.Do(func() { close(s.firstReadyC) })
		s.cfg.Log.Debug("session started", "session_id", m.SessionID)
	case *coordination.SessionStopped:
		s.mu.Lock()
		stoppedC := s.stoppedC
		s.stoppedC = nil
		s.mu.Unlock()
		if stoppedC != nil {
			close(stoppedC)
		}
	case *coordination.Failure:
		s.handleFailure(m)
	case *coordination.DescribeChanged:
		s.mu.Lock()
		watch, ok := s.watches[m.ReqID]
		if ok {
			delete(s.watches, m.ReqID)
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		watch.ch <- SemaphoreChanged{
			Name:          watch.name,
			DataChanged:   m.DataChanged,
			OwnersChanged: m.OwnersChanged,
		}
		close(watch.ch)
	case *coordination.AcquirePending:
		// Informational: the semaphore is busy and the acquire joined
		// the waiter queue.
		s.cfg.Log.Debug("acquire is pending", "request_id", m.ReqID)
	}
}

// handleFailure processes a stream-level failure frame. Session
// invalidation resets the session id so the next start creates a fresh
// session; every failure ends the current connection.
func (s *Session) handleFailure(m *coordination.Failure) {
	if m.Status == status.CodeSessionExpired || m.Status == status.CodeBadSession {
		s.mu.Lock()
		oldID := s.sessionID
		s.sessionID = 0
		watches := s.watches
		s.watches = make(map[int64]watchEntry)
		s.mu.Unlock()

		for _, watch := range watches {
			close(watch.ch)
		}
		event := ExpiredEvent{SessionID: oldID, Time: s.cfg.Clock.Now()}
		select {
		case s.expiredC <- event:
		default:
		}
		s.cfg.Log.Warn("session expired", "session_id", oldID, "status", m.Status)
	} else {
		s.cfg.Log.Debug("session stream failure", "status", m.Status)
	}
	s.stream.Disconnect()
}

// runConnectionLoop keeps exactly one stream established until the session
// closes or hits an unrecoverable error.
func (s *Session) runConnectionLoop() {
	err := retryutils.Do(s.closeCtx, retryutils.RetryConfig{
		Driver: s.retry,
		Retryable: func(err error) bool {
			return status.IsStreamRetryable(err)
		},
		OnRetry: func(attempt int, err error) {
			s.cfg.Log.Debug("reconnecting session", "attempt", attempt, "error", err)
		},
	}, s.connectOnce)
	s.finish(err)
}

// connectOnce runs a single connection: dial, start the session, and serve
// until disconnect. Any disconnect is surfaced as an error so the retry
// loop decides whether to re-establish.
func (s *Session) connectOnce(ctx context.Context) error {
	if err := s.cfg.Driver.Ready(ctx); err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	s.seqNo++
	startedC := make(chan struct{})
	s.startedC = startedC
	start := &coordination.SessionStart{
		Path:          s.cfg.Path,
		SessionID:     s.sessionID,
		TimeoutMillis: s.cfg.SessionTimeout.Milliseconds(),
		Description:   s.cfg.Description,
		SeqNo:         s.seqNo,
	}
	s.mu.Unlock()

	err := s.stream.Start(ctx, func(ctx context.Context) (bidistream.Peer[coordination.ClientMessage, coordination.ServerMessage], error) {
		return s.cfg.Driver.CoordinationSession(ctx)
	}, start)
	if err != nil {
		return trace.Wrap(err)
	}

	startTimeout := s.cfg.Clock.After(s.cfg.StartTimeout)
	select {
	case <-startedC:
	case <-startTimeout:
		s.stream.Disconnect()
		_ = s.stream.WaitDisconnect(ctx)
		return trace.ConnectionProblem(nil, "timed out waiting for session start confirmation")
	case <-ctx.Done():
		s.stream.Disconnect()
		return utils.WaitDone(ctx)
	}

	// A disconnect never reads as success: the retry loop runs until the
	// session closes or the disconnect error is unrecoverable.
	if err := s.stream.WaitDisconnect(ctx); err != nil {
		return trace.Wrap(err)
	}
	return trace.ConnectionProblem(nil, "session stream disconnected")
}

// finish records the terminal state of the connection loop and rejects all
// outstanding requests by closing the stream session.
func (s *Session) finish(err error) {
	s.mu.Lock()
	closing := s.closing
	if !closing && err != nil {
		s.terminalErr = err
	}
	s.mu.Unlock()
	if !closing && err != nil {
		s.cfg.Log.Warn("session terminated", "error", err)
	}
	_ = s.stream.Close()
}

// Ready blocks until the session has started at least once.
func (s *Session) Ready(ctx context.Context) error {
	select {
	case <-s.firstReadyC:
		return nil
	case <-s.doneCh:
		return s.closedError()
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// SessionID returns the current server-assigned session id, zero when the
// session has not started or has expired.
func (s *Session) SessionID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Expired returns the channel delivering session expiration events.
// Delivery is at-least-once around reconnects; consumers must tolerate
// duplicates.
func (s *Session) Expired() <-chan ExpiredEvent {
	return s.expiredC
}

func (s *Session) closedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalErr != nil {
		return trace.Wrap(s.terminalErr)
	}
	return trace.ConnectionProblem(nil, "coordination session is closed")
}

func (s *Session) nextReqID() int64 {
	return s.reqID.Add(1)
}

// opContext scopes one request to both the caller deadline and the session
// lifetime, so requests in flight during Close unblock promptly.
func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return utils.AnyDoneContext(ctx, s.closeCtx)
}

// AcquireSemaphoreRequest is the argument of AcquireSemaphore.
type AcquireSemaphoreRequest struct {
	// Name is the semaphore name, required.
	Name string
	// Count is the number of units, defaults to 1.
	Count uint64
	// Timeout bounds the server-side wait for capacity; zero tries to
	// acquire without waiting.
	Timeout time.Duration
	// Data is attached to the acquire, visible to describers.
	Data []byte
	// Ephemeral creates the semaphore on first acquire and deletes it on
	// last release.
	Ephemeral bool
}

// AcquireSemaphore acquires units of a semaphore. It returns false when the
// server-side wait timed out without capacity.
func (s *Session) AcquireSemaphore(ctx context.Context, req AcquireSemaphoreRequest) (bool, error) {
	if req.Name == "" {
		return false, trace.BadParameter("missing parameter Name")
	}
	if req.Count == 0 {
		req.Count = 1
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	id := s.nextReqID()
	resp, err := s.stream.SendRequest(ctx, id, &coordination.AcquireSemaphore{
		ReqID:         id,
		Name:          req.Name,
		Count:         req.Count,
		TimeoutMillis: req.Timeout.Milliseconds(),
		Data:          req.Data,
		Ephemeral:     req.Ephemeral,
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	result, ok := resp.(*coordination.AcquireResult)
	if !ok {
		return false, trace.BadParameter("unexpected response type %T to acquire request", resp)
	}
	return result.Acquired, nil
}

// ReleaseSemaphore releases all units of a semaphore held by this session.
// It returns false when nothing was held.
func (s *Session) ReleaseSemaphore(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, trace.BadParameter("missing parameter name")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	id := s.nextReqID()
	resp, err := s.stream.SendRequest(ctx, id, &coordination.ReleaseSemaphore{ReqID: id, Name: name})
	if err != nil {
		return false, trace.Wrap(err)
	}
	result, ok := resp.(*coordination.ReleaseResult)
	if !ok {
		return false, trace.BadParameter("unexpected response type %T to release request", resp)
	}
	return result.Released, nil
}

// CreateSemaphoreRequest is the argument of CreateSemaphore.
type CreateSemaphoreRequest struct {
	// Name is the semaphore name, required.
	Name string
	// Limit is the total number of units, required.
	Limit uint64
	// Data is an initial data blob.
	Data []byte
}

// CreateSemaphore creates a persistent semaphore.
func (s *Session) CreateSemaphore(ctx context.Context, req CreateSemaphoreRequest) error {
	if req.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if req.Limit == 0 {
		return trace.BadParameter("missing parameter Limit")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	id := s.nextReqID()
	_, err := s.stream.SendRequest(ctx, id, &coordination.CreateSemaphore{
		ReqID: id,
		Name:  req.Name,
		Limit: req.Limit,
		Data:  req.Data,
	})
	return trace.Wrap(err)
}

// UpdateSemaphoreRequest is the argument of UpdateSemaphore.
type UpdateSemaphoreRequest struct {
	// Name is the semaphore name, required.
	Name string
	// Data replaces the semaphore data blob.
	Data []byte
}

// UpdateSemaphore replaces the data blob of a semaphore.
func (s *Session) UpdateSemaphore(ctx context.Context, req UpdateSemaphoreRequest) error {
	if req.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	id := s.nextReqID()
	_, err := s.stream.SendRequest(ctx, id, &coordination.UpdateSemaphore{
		ReqID: id,
		Name:  req.Name,
		Data:  req.Data,
	})
	return trace.Wrap(err)
}

// DeleteSemaphoreRequest is the argument of DeleteSemaphore.
type DeleteSemaphoreRequest struct {
	// Name is the semaphore name, required.
	Name string
	// Force deletes the semaphore even when currently acquired.
	Force bool
}

// DeleteSemaphore deletes a semaphore.
func (s *Session) DeleteSemaphore(ctx context.Context, req DeleteSemaphoreRequest) error {
	if req.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	id := s.nextReqID()
	_, err := s.stream.SendRequest(ctx, id, &coordination.DeleteSemaphore{
		ReqID: id,
		Name:  req.Name,
		Force: req.Force,
	})
	return trace.Wrap(err)
}

// DescribeSemaphoreRequest is the argument of DescribeSemaphore.
type DescribeSemaphoreRequest struct {
	// Name is the semaphore name, required.
	Name string
	// IncludeOwners adds the ownership list to the description.
	IncludeOwners bool
	// IncludeWaiters adds the waiter queue to the description.
	IncludeWaiters bool
	// WatchData installs a one-shot watch for the next data change.
	WatchData bool
	// WatchOwners installs a one-shot watch for the next ownership
	// change.
	WatchOwners bool
}

// SemaphoreView is the result of DescribeSemaphore.
type SemaphoreView struct {
	// Description is the server-side view of the semaphore.
	Description coordination.SemaphoreDescription
	// WatchAdded confirms a requested watch was installed.
	WatchAdded bool
	// Changed delivers at most one change notification and is then
	// closed. Nil when no watch was requested or installed; watching
	// again requires another DescribeSemaphore call.
	Changed <-chan SemaphoreChanged
}

// DescribeSemaphore fetches the semaphore description and optionally
// installs a one-shot change watch.
func (s *Session) DescribeSemaphore(ctx context.Context, req DescribeSemaphoreRequest) (*SemaphoreView, error) {
	if req.Name == "" {
		return nil, trace.BadParameter("missing parameter Name")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	id := s.nextReqID()
	wantWatch := req.WatchData || req.WatchOwners

	var watchC chan SemaphoreChanged
	if wantWatch {
		// Registered before the request is sent: the change
		// notification may race the describe result.
		watchC = make(chan SemaphoreChanged, 1)
		s.mu.Lock()
		s.watches[id] = watchEntry{name: req.Name, ch: watchC}
		s.mu.Unlock()
	}

	resp, err := s.stream.SendRequest(ctx, id, &coordination.DescribeSemaphore{
		ReqID:          id,
		Name:           req.Name,
		IncludeOwners:  req.IncludeOwners,
		IncludeWaiters: req.IncludeWaiters,
		WatchData:      req.WatchData,
		WatchOwners:    req.WatchOwners,
	})
	if err != nil {
		s.dropWatch(id)
		return nil, trace.Wrap(err)
	}
	result, ok := resp.(*coordination.DescribeResult)
	if !ok {
		s.dropWatch(id)
		return nil, trace.BadParameter("unexpected response type %T to describe request", resp)
	}

	view := &SemaphoreView{
		Description: result.Description,
		WatchAdded:  result.WatchAdded,
	}
	if wantWatch && result.WatchAdded {
		view.Changed = watchC
	} else if wantWatch {
		s.dropWatch(id)
	}
	return view, nil
}

func (s *Session) dropWatch(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watches, id)
}

// Close stops the session: a stop request is sent on the active stream and
// the server acknowledgment is awaited within the ctx budget. The
// underlying stream is always closed on exit, even on timeout.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	stoppedC := s.stoppedC
	s.mu.Unlock()

	defer func() {
		s.cancel()
		_ = s.stream.Close()
		<-s.doneCh
	}()

	if err := s.stream.Send(&coordination.SessionStop{}); err != nil {
		// No live stream to stop gracefully.
		return nil
	}
	if stoppedC == nil {
		return nil
	}
	select {
	case <-stoppedC:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}
