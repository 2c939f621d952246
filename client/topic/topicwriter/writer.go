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

// Package topicwriter implements the topic producer: a buffered writer that
// batches messages under size and in-flight caps, survives stream
// reconnects by renumbering and retransmitting its sliding window, and
// relies on server-side seqno deduplication for exactly-once delivery.
package topicwriter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"

	"github.com/meridiandb/meridian-go/client"
	"github.com/meridiandb/meridian-go/client/topic/topiccodec"
	"github.com/meridiandb/meridian-go/defaults"
	"github.com/meridiandb/meridian-go/types/status"
	"github.com/meridiandb/meridian-go/types/topic"
	"github.com/meridiandb/meridian-go/utils/retryutils"
)

// Message is one message submitted by the caller.
type Message struct {
	// Data is the payload, at most 48 MiB.
	Data []byte
	// SeqNo is the caller-assigned seqno in manual mode; zero selects
	// automatic numbering. The first write pins the mode.
	SeqNo int64
	// CreatedAt defaults to the current time.
	CreatedAt time.Time
	// Metadata is optional application metadata.
	Metadata []topic.MetadataItem
}

// Ack is the acknowledgment of one message.
type Ack struct {
	// SeqNo is the acknowledged message.
	SeqNo int64
	// Status is the persistence outcome.
	Status topic.WriteStatus
	// Offset is the partition offset of a written message.
	Offset int64
}

// SessionInfo describes the write session after an automatic-mode
// renumbering, so external seqno tracking can align with the server.
type SessionInfo struct {
	// SessionID identifies the write session for diagnostics.
	SessionID string
	// LastSeqNo is the last seqno the server had persisted.
	LastSeqNo int64
	// NextSeqNo is the seqno the next written message will get.
	NextSeqNo int64
	// PartitionID is the partition serving the stream.
	PartitionID int64
}

// WriterStats provide counters about the writer's lifetime.
type WriterStats struct {
	// Accepted is the number of messages taken into the buffer.
	Accepted int64
	// Acked is the number of messages confirmed written.
	Acked int64
	// Skipped is the number of messages the server dropped as duplicates.
	Skipped int64
	// Retries is the number of stream reconnects.
	Retries int64
}

type writerState int

const (
	// stateConnecting means no stream exists; a dial attempt is running
	// or waiting out a backoff.
	stateConnecting writerState = iota
	// stateInitializing means the stream is open and the init response
	// is pending.
	stateInitializing
	// stateReady means messages flow.
	stateReady
	// stateClosed is terminal.
	stateClosed
)

type writeCmd struct {
	msgs  []pendingMessage
	reply chan error
}

type flushCmd struct {
	reply chan flushReply
}

type flushReply struct {
	seqNo int64
	err   error
}

type closeCmd struct {
	reply chan error
}

type destroyCmd struct {
	reply chan struct{}
}

type streamConnectedEvent struct {
	peer client.TopicWritePeer
	// ctx is the per-connection context the stream was opened on; cancel
	// aborts it, tearing the transport down.
	ctx    context.Context
	cancel context.CancelFunc
}

type streamConnectFailedEvent struct {
	err error
}

func (e streamConnectedEvent) source() *streamActor     { return nil }
func (e streamConnectFailedEvent) source() *streamActor { return nil }

// Writer is a topic producer. All state below is owned by the run loop;
// exported methods communicate with it through the command channel and are
// safe for concurrent use.
type Writer struct {
	cfg   WriterConfig
	codec topiccodec.Codec

	cmdC    chan any
	eventsC chan streamEvent

	acksC     chan []Ack
	sessionsC chan SessionInfo

	closeCtx context.Context
	cancel   context.CancelFunc
	doneCh   chan struct{}
	readyC   chan struct{}
	ready    sync.Once

	accepted atomic.Int64
	acked    atomic.Int64
	skipped  atomic.Int64
	retries  atomic.Int64

	errMu       sync.Mutex
	terminalErr error

	// Everything below is touched only by the run loop.
	state        writerState
	closing      bool
	window       window
	seqnos       seqNoManager
	actor        *streamActor
	retry        retryutils.Retry
	graceC       <-chan time.Time
	flushWaiters []chan flushReply
	closeWaiters []chan error
}

// NewWriter creates a topic writer and starts connecting. Writes are
// accepted immediately and buffered until the stream initializes.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	codec, err := cfg.Codecs.Get(cfg.Codec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	retry, err := retryutils.NewExponential(retryutils.ExponentialConfig{
		Base:   cfg.RetryBase,
		Max:    cfg.RetryMax,
		Jitter: retryutils.NewProportionalJitter(0.5),
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		cfg:       cfg,
		codec:     codec,
		cmdC:      make(chan any),
		eventsC:   make(chan streamEvent, 16),
		acksC:     make(chan []Ack, 1024),
		sessionsC: make(chan SessionInfo, 16),
		closeCtx:  ctx,
		cancel:    cancel,
		doneCh:    make(chan struct{}),
		readyC:    make(chan struct{}),
		retry:     retry,
	}
	go w.run()
	return w, nil
}

func (w *Writer) run() {
	defer close(w.doneCh)
	ticker := w.cfg.Clock.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	w.startConnect()
	for {
		select {
		case cmd := <-w.cmdC:
			w.handleCommand(cmd)
		case e := <-w.eventsC:
			w.handleStreamEvent(e)
		case <-ticker.Chan():
			// Periodic flush of a partially filled buffer.
			w.trySend(true)
		case <-w.graceC:
			w.terminate(trace.ConnectionProblem(nil,
				"writer was force-closed: no acknowledgment within the graceful shutdown timeout of %v",
				w.cfg.GracefulShutdownTimeout))
		}
		if w.state == stateClosed {
			return
		}
	}
}

// startConnect launches a dial attempt. The backoff wait happens inside
// the goroutine so the run loop stays responsive.
func (w *Writer) startConnect() {
	w.state = stateConnecting
	after := w.retry.After()
	go func() {
		select {
		case <-after:
		case <-w.closeCtx.Done():
			return
		}
		// Each stream gets its own context so a reconnect can abort the
		// replaced transport without touching the writer lifetime.
		ctx, cancel := context.WithCancel(w.closeCtx)
		if err := w.cfg.Driver.Ready(ctx); err != nil {
			cancel()
			w.postConnectResult(streamConnectFailedEvent{err: trace.Wrap(err)})
			return
		}
		peer, err := w.cfg.Driver.TopicWrite(ctx)
		if err != nil {
			cancel()
			w.postConnectResult(streamConnectFailedEvent{err: trace.Wrap(err)})
			return
		}
		w.postConnectResult(streamConnectedEvent{peer: peer, ctx: ctx, cancel: cancel})
	}()
}

func (w *Writer) postConnectResult(e streamEvent) {
	select {
	case w.eventsC <- e:
	case <-w.closeCtx.Done():
		if connected, ok := e.(streamConnectedEvent); ok {
			connected.cancel()
			_ = connected.peer.CloseSend()
		}
	}
}

func (w *Writer) handleCommand(cmd any) {
	switch cmd := cmd.(type) {
	case writeCmd:
		cmd.reply <- w.handleWrite(cmd.msgs)
	case flushCmd:
		w.handleFlush(cmd)
	case closeCmd:
		w.handleClose(cmd)
	case destroyCmd:
		w.terminate(trace.ConnectionProblem(nil, "topic writer was destroyed"))
		cmd.reply <- struct{}{}
	}
}

func (w *Writer) handleWrite(msgs []pendingMessage) error {
	if w.closing {
		return trace.ConnectionProblem(nil, "topic writer is closed")
	}
	// Validate the whole batch against a scratch copy first, so a
	// mid-batch seqno error leaves no partial append behind.
	scratch := w.seqnos
	for i := range msgs {
		if _, err := scratch.assign(msgs[i].seqNo); err != nil {
			return trace.Wrap(err)
		}
	}
	for i := range msgs {
		seqNo, err := w.seqnos.assign(msgs[i].seqNo)
		if err != nil {
			return trace.Wrap(err)
		}
		msgs[i].seqNo = seqNo
		w.window.append(msgs[i])
		w.accepted.Add(1)
	}
	w.trySend(false)
	return nil
}

func (w *Writer) handleFlush(cmd flushCmd) {
	if w.window.empty() {
		cmd.reply <- flushReply{seqNo: w.seqnos.last}
		return
	}
	w.flushWaiters = append(w.flushWaiters, cmd.reply)
	w.trySend(true)
}

func (w *Writer) handleClose(cmd closeCmd) {
	if w.closing {
		// Second close returns right away.
		cmd.reply <- nil
		return
	}
	w.closing = true
	if w.window.empty() {
		w.closeWaiters = append(w.closeWaiters, cmd.reply)
		w.terminate(nil)
		return
	}
	w.closeWaiters = append(w.closeWaiters, cmd.reply)
	w.graceC = w.cfg.Clock.After(w.cfg.GracefulShutdownTimeout)
	w.trySend(true)
}

func (w *Writer) handleStreamEvent(e streamEvent) {
	if src := e.source(); src != nil && src != w.actor {
		// A frame of an already replaced stream.
		return
	}
	switch e := e.(type) {
	case streamConnectedEvent:
		w.handleConnected(e)
	case streamConnectFailedEvent:
		w.handleStreamError(e.err)
	case streamInitEvent:
		w.handleInit(e.resp)
	case streamAcksEvent:
		w.handleAcks(e.resp)
	case streamErrorEvent:
		w.handleStreamError(e.err)
	}
}

func (w *Writer) handleConnected(e streamConnectedEvent) {
	w.actor = newStreamActor(e.ctx, e.cancel, e.peer, w.eventsC, w.cfg.Driver, w.cfg.UpdateTokenInterval, w.cfg.Clock, w.cfg.Log)
	w.state = stateInitializing
	init := &topic.InitRequest{
		Path:           w.cfg.Topic,
		ProducerID:     w.cfg.ProducerID,
		GetLastSeqNo:   true,
		MessageGroupID: w.cfg.MessageGroupID,
		PartitionID:    w.cfg.PartitionID,
	}
	if err := w.actor.enqueue(init); err != nil {
		w.handleStreamError(err)
	}
}

// handleInit reconciles the window with the server state: messages the
// server already persisted are dropped, the remainder is queued for
// retransmission, and automatic mode renumbers it to continue the server
// sequence.
func (w *Writer) handleInit(resp *topic.InitResponse) {
	w.window.dropAcknowledged(resp.LastSeqNo)
	w.window.requeueInflight()
	w.window.compact()

	if w.seqnos.mode != seqNoModeManual {
		last := w.window.renumber(resp.LastSeqNo + 1)
		w.seqnos.rebase(last)
		info := SessionInfo{
			SessionID:   resp.SessionID,
			LastSeqNo:   resp.LastSeqNo,
			NextSeqNo:   w.seqnos.next(),
			PartitionID: resp.PartitionID,
		}
		select {
		case w.sessionsC <- info:
		default:
		}
	}

	w.state = stateReady
	w.retry.Reset()
	w.ready.Do(func() { close(w.readyC) })
	w.cfg.Log.Debug("write session initialized",
		"session_id", resp.SessionID, "last_seqno", resp.LastSeqNo)

	w.notifyFlushWaitersIfDrained()
	if w.closing && w.window.empty() {
		w.terminate(nil)
		return
	}
	w.trySend(true)
}

func (w *Writer) handleAcks(resp *topic.WriteResponse) {
	acks := make([]Ack, 0, len(resp.Acks))
	for _, ack := range resp.Acks {
		w.window.ack(ack.SeqNo)
		if ack.Status == topic.WriteStatusSkipped {
			w.skipped.Add(1)
		} else {
			w.acked.Add(1)
		}
		acks = append(acks, Ack{SeqNo: ack.SeqNo, Status: ack.Status, Offset: ack.Offset})
	}
	select {
	case w.acksC <- acks:
	default:
		w.cfg.Log.Warn("dropping acknowledgment batch: consumer is not draining the acks channel")
	}

	if w.window.needsCompact(w.cfg.MaxGarbageCount, w.cfg.MaxGarbageSize) {
		removed := w.window.compact()
		w.cfg.Log.Debug("compacted writer window", "removed", removed)
	}

	w.notifyFlushWaitersIfDrained()
	if w.closing && w.window.empty() {
		w.terminate(nil)
		return
	}
	w.trySend(w.closing || len(w.flushWaiters) > 0)
}

func (w *Writer) notifyFlushWaitersIfDrained() {
	if len(w.flushWaiters) == 0 || !w.window.empty() {
		return
	}
	for _, waiter := range w.flushWaiters {
		waiter <- flushReply{seqNo: w.seqnos.last}
	}
	w.flushWaiters = nil
}

func (w *Writer) handleStreamError(err error) {
	if w.actor != nil {
		w.actor.stop()
		w.actor = nil
	}
	if w.state == stateClosed {
		return
	}
	if !status.IsStreamRetryable(err) {
		w.terminate(trace.Wrap(err))
		return
	}
	w.retries.Add(1)
	w.retry.Inc()
	w.cfg.Log.Debug("write stream failed, reconnecting", "error", err)
	w.startConnect()
}

// trySend moves buffered messages to the stream in batches. Outside of
// forced sends (flush interval, explicit flush, drain on close, post-init
// retransmission) nothing is sent until the buffer crosses the size
// threshold; either way the in-flight cap holds.
func (w *Writer) trySend(force bool) {
	if w.state != stateReady || w.actor == nil {
		return
	}
	if !force && w.window.bufferSize < w.cfg.MaxBufferBytes {
		return
	}
	for w.window.bufferLen() > 0 && w.window.inflightLen() < w.cfg.MaxInflightCount {
		batch := w.window.takeBatch(defaults.MaxBatchSize, w.cfg.MaxInflightCount-w.window.inflightLen())
		if len(batch) == 0 {
			return
		}
		req := &topic.WriteRequest{
			Codec:    batch[0].codec,
			Tx:       w.cfg.Tx,
			Messages: make([]topic.MessageData, 0, len(batch)),
		}
		for _, m := range batch {
			req.Messages = append(req.Messages, topic.MessageData{
				Data:             m.data,
				SeqNo:            m.seqNo,
				CreatedAt:        m.createdAt,
				UncompressedSize: m.uncompressedSize,
				Metadata:         m.metadata,
			})
		}
		if err := w.actor.enqueue(req); err != nil {
			// The stream died; the error event is on its way and the
			// batch stays in flight for retransmission after reconnect.
			return
		}
	}
}

// terminate moves the writer to the closed state. A nil error is a
// graceful completion; a non-nil error rejects all waiters.
func (w *Writer) terminate(err error) {
	if w.state == stateClosed {
		return
	}
	w.state = stateClosed
	if w.actor != nil {
		w.actor.stop()
		w.actor = nil
	}
	w.cancel()

	if err != nil {
		w.errMu.Lock()
		w.terminalErr = err
		w.errMu.Unlock()
		w.cfg.Log.Warn("topic writer closed", "error", err)
	}

	waiterErr := err
	if waiterErr == nil {
		waiterErr = trace.ConnectionProblem(nil, "topic writer is closed")
	}
	for _, waiter := range w.flushWaiters {
		waiter <- flushReply{err: waiterErr}
	}
	w.flushWaiters = nil
	for _, waiter := range w.closeWaiters {
		waiter <- err
	}
	w.closeWaiters = nil
	close(w.acksC)
	close(w.sessionsC)
}

// prepare validates and converts caller messages off the event loop:
// payload limits are enforced and compression happens here, so large
// payloads do not stall the loop.
func (w *Writer) prepare(msgs []Message) ([]pendingMessage, error) {
	prepared := make([]pendingMessage, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if len(m.Data) > defaults.MaxPayloadSize {
			return nil, trace.LimitExceeded("message payload of %v bytes exceeds the limit of %v bytes",
				len(m.Data), defaults.MaxPayloadSize)
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = w.cfg.Clock.Now()
		}
		data := m.Data
		codec := topic.CodecRaw
		if w.cfg.Codec != topic.CodecRaw && len(m.Data) >= w.cfg.MinRawSize {
			compressed, err := w.codec.Compress(m.Data)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			data = compressed
			codec = w.cfg.Codec
		}
		prepared = append(prepared, pendingMessage{
			data:             data,
			codec:            codec,
			seqNo:            m.SeqNo,
			createdAt:        createdAt,
			uncompressedSize: int64(len(m.Data)),
			metadata:         m.Metadata,
		})
	}
	return prepared, nil
}

// Write validates, numbers, and buffers the messages. It returns once the
// messages are accepted into the buffer; delivery confirmations arrive on
// the Acks channel.
func (w *Writer) Write(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	prepared, err := w.prepare(msgs)
	if err != nil {
		return trace.Wrap(err)
	}
	cmd := writeCmd{msgs: prepared, reply: make(chan error, 1)}
	if err := w.submit(ctx, cmd); err != nil {
		return trace.Wrap(err)
	}
	select {
	case err := <-cmd.reply:
		return trace.Wrap(err)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Flush blocks until every buffered and in-flight message is acknowledged
// and returns the last assigned seqno. Flushing an empty writer returns
// right away.
func (w *Writer) Flush(ctx context.Context) (int64, error) {
	cmd := flushCmd{reply: make(chan flushReply, 1)}
	if err := w.submit(ctx, cmd); err != nil {
		return 0, trace.Wrap(err)
	}
	select {
	case reply := <-cmd.reply:
		return reply.seqNo, trace.Wrap(reply.err)
	case <-ctx.Done():
		return 0, trace.Wrap(ctx.Err())
	}
}

// Close drains the writer and closes it: buffered messages keep flowing
// until everything is acknowledged or the graceful shutdown timeout fires.
// Close is idempotent; a second call returns immediately.
func (w *Writer) Close(ctx context.Context) error {
	cmd := closeCmd{reply: make(chan error, 1)}
	select {
	case w.cmdC <- cmd:
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
	select {
	case err := <-cmd.reply:
		return trace.Wrap(err)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Destroy closes the writer immediately, rejecting all buffered work.
func (w *Writer) Destroy() {
	cmd := destroyCmd{reply: make(chan struct{}, 1)}
	if err := w.submit(context.Background(), cmd); err != nil {
		return
	}
	<-cmd.reply
}

// submit hands a command to the run loop.
func (w *Writer) submit(ctx context.Context, cmd any) error {
	select {
	case w.cmdC <- cmd:
		return nil
	case <-w.doneCh:
		if err := w.Err(); err != nil {
			return trace.Wrap(err)
		}
		return trace.ConnectionProblem(nil, "topic writer is closed")
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Ready blocks until the first write session is initialized.
func (w *Writer) Ready(ctx context.Context) error {
	select {
	case <-w.readyC:
		return nil
	case <-w.doneCh:
		if err := w.Err(); err != nil {
			return trace.Wrap(err)
		}
		return trace.ConnectionProblem(nil, "topic writer is closed")
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Acks returns the channel delivering acknowledgment batches. The channel
// is closed when the writer closes; slow consumers may lose batches.
func (w *Writer) Acks() <-chan []Ack {
	return w.acksC
}

// Sessions returns the channel delivering session events emitted after
// automatic-mode renumbering.
func (w *Writer) Sessions() <-chan SessionInfo {
	return w.sessionsC
}

// Done returns a channel closed when the writer has fully stopped.
func (w *Writer) Done() <-chan struct{} {
	return w.doneCh
}

// Err returns the terminal error of the writer, nil while it is running or
// after a graceful close.
func (w *Writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.terminalErr
}

// Stats returns up-to-date counters from this writer.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Accepted: w.accepted.Load(),
		Acked:    w.acked.Load(),
		Skipped:  w.skipped.Load(),
		Retries:  w.retries.Load(),
	}
}
