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

package bidistream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

type testRequest struct {
	ID   int64
	Body string
}

type testResponse struct {
	ID   int64
	Body string
	Fail bool
}

// fakePeer is an in-memory transport. Recv and Send honor the connection
// context the same way a gRPC client stream does: cancelling it fails both.
type fakePeer struct {
	ctx   context.Context
	sentC chan testRequest
	recvC chan testResponse

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		sentC:  make(chan testRequest, 128),
		recvC:  make(chan testResponse, 128),
		closed: make(chan struct{}),
	}
}

func (p *fakePeer) Send(r testRequest) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.sentC <- r:
		return nil
	}
}

func (p *fakePeer) Recv() (testResponse, error) {
	select {
	case resp := <-p.recvC:
		return resp, nil
	case <-p.closed:
		return testResponse{}, io.EOF
	case <-p.ctx.Done():
		return testResponse{}, p.ctx.Err()
	}
}

func (p *fakePeer) CloseSend() error { return nil }

// terminate simulates the server dropping the stream.
func (p *fakePeer) terminate() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *fakePeer) open(ctx context.Context) (Peer[testRequest, testResponse], error) {
	p.ctx = ctx
	return p, nil
}

func newTestSession(t *testing.T) *Session[testRequest, testResponse, string] {
	t.Helper()
	s, err := NewSession(Config[testRequest, testResponse, string]{
		Hooks: Hooks[testRequest, testResponse, string]{
			RequestID: func(r testResponse) (int64, bool) {
				return r.ID, r.ID != 0
			},
			Result: func(r testResponse) (string, error) {
				if r.Fail {
					return "", trace.BadParameter("request rejected")
				}
				return r.Body, nil
			},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func nextSent(t *testing.T, p *fakePeer) testRequest {
	t.Helper()
	select {
	case r := <-p.sentC:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a transmitted frame")
		return testRequest{}
	}
}

func TestSendRequestRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	peer := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer.open, testRequest{Body: "init"}))

	require.Equal(t, testRequest{Body: "init"}, nextSent(t, peer))

	resultC := make(chan string, 1)
	errC := make(chan error, 1)
	go func() {
		result, err := s.SendRequest(context.Background(), 1, testRequest{ID: 1, Body: "ping"})
		resultC <- result
		errC <- err
	}()

	require.Equal(t, testRequest{ID: 1, Body: "ping"}, nextSent(t, peer))
	peer.recvC <- testResponse{ID: 1, Body: "pong"}

	require.Equal(t, "pong", <-resultC)
	require.NoError(t, <-errC)
}

func TestSendRequestResultError(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	peer := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer.open, testRequest{Body: "init"}))
	nextSent(t, peer)

	errC := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), 1, testRequest{ID: 1})
		errC <- err
	}()
	nextSent(t, peer)
	peer.recvC <- testResponse{ID: 1, Fail: true}
	require.True(t, trace.IsBadParameter(<-errC))
}

func TestReplayAfterReconnect(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	peer1 := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer1.open, testRequest{Body: "init"}))
	nextSent(t, peer1)

	results := make(chan string, 2)
	for _, id := range []int64{1, 2} {
		go func(id int64) {
			result, err := s.SendRequest(context.Background(), id, testRequest{ID: id, Body: "req"})
			require.NoError(t, err)
			results <- result
		}(id)
	}
	// Both requests hit the wire on the first connection; the submission
	// order is racy so only the count is asserted.
	nextSent(t, peer1)
	nextSent(t, peer1)

	peer1.terminate()
	require.Error(t, s.WaitDisconnect(context.Background()))

	// The new connection must carry the initial frame first, then the
	// unanswered requests in id order.
	peer2 := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer2.open, testRequest{Body: "init"}))
	require.Equal(t, testRequest{Body: "init"}, nextSent(t, peer2))
	require.Equal(t, testRequest{ID: 1, Body: "req"}, nextSent(t, peer2))
	require.Equal(t, testRequest{ID: 2, Body: "req"}, nextSent(t, peer2))

	peer2.recvC <- testResponse{ID: 1, Body: "done"}
	peer2.recvC <- testResponse{ID: 2, Body: "done"}
	require.Equal(t, "done", <-results)
	require.Equal(t, "done", <-results)
}

func TestCancelledRequestIsNotReplayed(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	peer1 := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer1.open, testRequest{Body: "init"}))
	nextSent(t, peer1)

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(ctx, 1, testRequest{ID: 1})
		errC <- err
	}()
	nextSent(t, peer1)
	cancel()
	require.ErrorIs(t, <-errC, context.Canceled)

	peer1.terminate()
	require.Error(t, s.WaitDisconnect(context.Background()))

	peer2 := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer2.open, testRequest{Body: "init"}))
	require.Equal(t, testRequest{Body: "init"}, nextSent(t, peer2))

	// The cancelled request must not come back; the next frame is the next
	// request.
	go func() {
		_, _ = s.SendRequest(context.Background(), 2, testRequest{ID: 2})
	}()
	require.Equal(t, testRequest{ID: 2}, nextSent(t, peer2))
}

func TestUntransmittedFramesSurviveUntilStart(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	require.NoError(t, s.Send(testRequest{Body: "queued"}))

	peer := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer.open, testRequest{Body: "init"}))
	require.Equal(t, testRequest{Body: "init"}, nextSent(t, peer))
	require.Equal(t, testRequest{Body: "queued"}, nextSent(t, peer))
}

func TestCloseRejectsPending(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	peer := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer.open, testRequest{Body: "init"}))
	nextSent(t, peer)

	errC := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), 1, testRequest{ID: 1})
		errC <- err
	}()
	nextSent(t, peer)

	require.NoError(t, s.Close())
	require.True(t, trace.IsConnectionProblem(<-errC))
	require.True(t, s.Closed())

	// Closed sessions reject everything, and Close stays idempotent.
	require.Error(t, s.Send(testRequest{}))
	_, err := s.SendRequest(context.Background(), 2, testRequest{ID: 2})
	require.Error(t, err)
	require.Error(t, s.Start(context.Background(), peer.open, testRequest{}))
	require.NoError(t, s.Close())
}

func TestDuplicateRequestID(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	peer := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer.open, testRequest{Body: "init"}))
	nextSent(t, peer)

	go func() {
		_, _ = s.SendRequest(context.Background(), 1, testRequest{ID: 1})
	}()
	nextSent(t, peer)

	_, err := s.SendRequest(context.Background(), 1, testRequest{ID: 1})
	require.True(t, trace.IsBadParameter(err))

	_, err = s.SendRequest(context.Background(), 0, testRequest{})
	require.True(t, trace.IsBadParameter(err))
}

func TestStartWhileConnected(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	peer := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer.open, testRequest{Body: "init"}))
	require.True(t, trace.IsAlreadyExists(s.Start(context.Background(), newFakePeer().open, testRequest{})))
}

func TestUnknownResponseIsDropped(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	peer := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer.open, testRequest{Body: "init"}))
	nextSent(t, peer)

	// A response nobody asked for must not break the session.
	peer.recvC <- testResponse{ID: 42, Body: "stray"}

	resultC := make(chan string, 1)
	go func() {
		result, err := s.SendRequest(context.Background(), 1, testRequest{ID: 1})
		require.NoError(t, err)
		resultC <- result
	}()
	nextSent(t, peer)
	peer.recvC <- testResponse{ID: 1, Body: "ok"}
	require.Equal(t, "ok", <-resultC)
}

func TestWaitDisconnectAfterConnectionEnded(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	peer := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer.open, testRequest{Body: "init"}))
	nextSent(t, peer)

	peer.terminate()
	// Let the teardown fully unwind before asking. The terminal error must
	// not be lost once the connection is gone, or reconnect loops built on
	// WaitDisconnect would mistake a dead stream for a clean shutdown.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn == nil
	}, 5*time.Second, time.Millisecond)

	require.True(t, trace.IsConnectionProblem(s.WaitDisconnect(context.Background())))
}

func TestLogCarriesStreamComponent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s, err := NewSession(Config[testRequest, testResponse, string]{
		Hooks: Hooks[testRequest, testResponse, string]{
			RequestID: func(r testResponse) (int64, bool) {
				return r.ID, r.ID != 0
			},
			Result: func(r testResponse) (string, error) {
				return r.Body, nil
			},
		},
		Log: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	peer := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer.open, testRequest{Body: "init"}))
	nextSent(t, peer)

	// A stray response is logged by the read loop; completing a tracked
	// request afterwards guarantees the log line has been written.
	peer.recvC <- testResponse{ID: 42, Body: "stray"}
	resultC := make(chan string, 1)
	go func() {
		result, err := s.SendRequest(context.Background(), 1, testRequest{ID: 1})
		require.NoError(t, err)
		resultC <- result
	}()
	nextSent(t, peer)
	peer.recvC <- testResponse{ID: 1, Body: "ok"}
	require.Equal(t, "ok", <-resultC)

	require.Contains(t, buf.String(), "component=stream")
}

func TestDisconnectKeepsSessionUsable(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	peer1 := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer1.open, testRequest{Body: "init"}))
	nextSent(t, peer1)

	s.Disconnect()
	require.Error(t, s.WaitDisconnect(context.Background()))
	require.False(t, s.Closed())

	peer2 := newFakePeer()
	require.NoError(t, s.Start(context.Background(), peer2.open, testRequest{Body: "init"}))
	require.Equal(t, testRequest{Body: "init"}, nextSent(t, peer2))
}
