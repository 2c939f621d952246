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

package topicwriter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/meridiandb/meridian-go/client"
	"github.com/meridiandb/meridian-go/types/topic"
)

// streamEvent is a frame or failure the stream actor reports to the writer
// event loop.
type streamEvent interface {
	// source identifies the connection the event belongs to, so the
	// writer can discard events of an already replaced stream.
	source() *streamActor
}

type streamInitEvent struct {
	actor *streamActor
	resp  *topic.InitResponse
}

type streamAcksEvent struct {
	actor *streamActor
	resp  *topic.WriteResponse
}

type streamErrorEvent struct {
	actor *streamActor
	err   error
}

func (e streamInitEvent) source() *streamActor  { return e.actor }
func (e streamAcksEvent) source() *streamActor  { return e.actor }
func (e streamErrorEvent) source() *streamActor { return e.actor }

// tokenSource supplies fresh auth tokens for rotation on a live stream.
type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

// streamActor owns exactly one write stream: it transmits queued client
// frames, translates server frames into events for the writer loop, and
// periodically rotates the auth token. It never interprets errors; the
// writer decides whether to reconnect.
type streamActor struct {
	peer          client.TopicWritePeer
	events        chan<- streamEvent
	sendC         chan topic.ClientMessage
	tokens        tokenSource
	tokenInterval time.Duration
	clock         clockwork.Clock
	log           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// newStreamActor takes ownership of the context the stream was opened on;
// cancel must abort that context so stopping the actor unblocks a Recv in
// flight. CloseSend alone is a half-close and leaves the receive side up.
func newStreamActor(
	ctx context.Context,
	cancel context.CancelFunc,
	peer client.TopicWritePeer,
	events chan<- streamEvent,
	tokens tokenSource,
	tokenInterval time.Duration,
	clock clockwork.Clock,
	log *slog.Logger,
) *streamActor {
	// A loop returning an error cancels the group context, which stops
	// the sibling loop.
	group, groupCtx := errgroup.WithContext(ctx)
	a := &streamActor{
		peer:          peer,
		events:        events,
		sendC:         make(chan topic.ClientMessage, 16),
		tokens:        tokens,
		tokenInterval: tokenInterval,
		clock:         clock,
		log:           log,
		ctx:           groupCtx,
		cancel:        cancel,
	}
	group.Go(a.readLoop)
	group.Go(a.writeLoop)
	return a
}

// enqueue hands a frame to the write loop. It blocks only while the
// transport applies backpressure and unblocks when the actor stops.
func (a *streamActor) enqueue(m topic.ClientMessage) error {
	select {
	case a.sendC <- m:
		return nil
	case <-a.ctx.Done():
		return trace.ConnectionProblem(a.ctx.Err(), "write stream is closed")
	}
}

// stop tears the stream down: cancelling the connection context aborts a
// blocked Recv, CloseSend half-closes the send side. Safe to call multiple
// times; it does not wait for in-flight transport calls.
func (a *streamActor) stop() {
	a.cancel()
	_ = a.peer.CloseSend()
}

// fail reports a connection failure to the writer, once; later failures of
// the same connection are suppressed by the cancelled context.
func (a *streamActor) fail(err error) {
	select {
	case a.events <- streamErrorEvent{actor: a, err: err}:
	case <-a.ctx.Done():
	}
}

func (a *streamActor) post(e streamEvent) {
	select {
	case a.events <- e:
	case <-a.ctx.Done():
	}
}

func (a *streamActor) readLoop() error {
	for {
		resp, err := a.peer.Recv()
		if err != nil {
			err = trace.ConnectionProblem(err, "write stream terminated")
			a.fail(err)
			return err
		}
		if err := resp.Err(); err != nil {
			err = trace.Wrap(err)
			a.fail(err)
			return err
		}
		switch payload := resp.Payload.(type) {
		case *topic.InitResponse:
			a.post(streamInitEvent{actor: a, resp: payload})
		case *topic.WriteResponse:
			a.post(streamAcksEvent{actor: a, resp: payload})
		case *topic.UpdateTokenResponse:
			a.log.Debug("auth token updated on write stream")
		default:
			a.log.Debug("ignoring unexpected write stream frame", "type", fmt.Sprintf("%T", payload))
		}
	}
}

func (a *streamActor) writeLoop() error {
	ticker := a.clock.NewTicker(a.tokenInterval)
	defer ticker.Stop()
	for {
		select {
		case m := <-a.sendC:
			if err := a.peer.Send(m); err != nil {
				err = trace.ConnectionProblem(err, "failed to send write stream frame")
				a.fail(err)
				return err
			}
		case <-ticker.Chan():
			token, err := a.tokens.Token(a.ctx)
			if err != nil {
				a.log.Warn("failed to refresh auth token", "error", err)
				continue
			}
			if err := a.peer.Send(&topic.UpdateTokenRequest{Token: token}); err != nil {
				err = trace.ConnectionProblem(err, "failed to send token update")
				a.fail(err)
				return err
			}
		case <-a.ctx.Done():
			return nil
		}
	}
}
