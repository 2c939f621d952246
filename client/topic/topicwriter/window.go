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
	"time"

	"github.com/meridiandb/meridian-go/types/topic"
)

// pendingMessage is one message tracked by the writer window.
type pendingMessage struct {
	// data is the payload as it goes on the wire, compressed when a
	// non-raw codec applies.
	data []byte
	// codec is the codec data is encoded with: raw for payloads below the
	// compression threshold.
	codec            topic.Codec
	seqNo            int64
	createdAt        time.Time
	uncompressedSize int64
	metadata         []topic.MetadataItem
}

// window is the sliding send window of the writer: one ordered message
// sequence split into three contiguous regions by two indices,
//
//	[ garbage … )[ inflight … )[ buffer … )
//	0            inflightStart bufferStart   len
//
// Garbage is acknowledged and awaits compaction, inflight is transmitted
// and unacknowledged, buffer is not yet transmitted. Messages only ever
// move by the indices advancing; random deletion is forbidden. Owned by
// the writer event loop, not safe for concurrent use.
type window struct {
	messages      []pendingMessage
	inflightStart int
	bufferStart   int

	bufferSize   int64
	inflightSize int64
	garbageSize  int64
}

func (w *window) bufferLen() int {
	return len(w.messages) - w.bufferStart
}

func (w *window) inflightLen() int {
	return w.bufferStart - w.inflightStart
}

func (w *window) garbageLen() int {
	return w.inflightStart
}

// append adds a message to the buffer region.
func (w *window) append(m pendingMessage) {
	w.messages = append(w.messages, m)
	w.bufferSize += int64(len(m.data))
}

// takeBatch moves a prefix of the buffer region into the inflight region
// and returns it: at most maxCount messages totalling at most maxBytes,
// all encoded with the same codec. The first message is always taken, even
// when it alone exceeds maxBytes; the server limit applies to batches the
// client could have split, not to a single oversized message.
func (w *window) takeBatch(maxBytes int64, maxCount int) []pendingMessage {
	if w.bufferLen() == 0 || maxCount <= 0 {
		return nil
	}
	var (
		count int
		size  int64
	)
	codec := w.messages[w.bufferStart].codec
	for _, m := range w.messages[w.bufferStart:] {
		if count >= maxCount {
			break
		}
		if count > 0 && (m.codec != codec || size+int64(len(m.data)) > maxBytes) {
			break
		}
		count++
		size += int64(len(m.data))
	}
	batch := w.messages[w.bufferStart : w.bufferStart+count]
	w.bufferStart += count
	w.bufferSize -= size
	w.inflightSize += size
	return batch
}

// ack marks the inflight prefix with seqno ≤ upTo as garbage and returns
// the number of messages acknowledged.
func (w *window) ack(upTo int64) int {
	acked := 0
	for w.inflightStart < w.bufferStart && w.messages[w.inflightStart].seqNo <= upTo {
		size := int64(len(w.messages[w.inflightStart].data))
		w.inflightSize -= size
		w.garbageSize += size
		w.inflightStart++
		acked++
	}
	return acked
}

// needsCompact reports whether the garbage region exceeds the configured
// bounds.
func (w *window) needsCompact(maxCount int, maxSize int64) bool {
	return w.garbageLen() > maxCount || w.garbageSize > maxSize
}

// compact drops the garbage region, shifting the remaining messages to the
// start of the sequence. Returns the number of dropped messages.
func (w *window) compact() int {
	removed := w.inflightStart
	if removed == 0 {
		w.garbageSize = 0
		return 0
	}
	w.messages = append(w.messages[:0], w.messages[removed:]...)
	w.inflightStart = 0
	w.bufferStart -= removed
	w.garbageSize = 0
	return removed
}

// dropAcknowledged moves every inflight message with seqno ≤ lastSeqNo
// into the garbage region: the server already persisted them in a previous
// incarnation of the stream. Buffered messages are never dropped, they
// were never transmitted; low seqnos there predate the session and get
// renumbered instead. Returns the number of dropped messages.
func (w *window) dropAcknowledged(lastSeqNo int64) int {
	dropped := 0
	for w.inflightStart < w.bufferStart && w.messages[w.inflightStart].seqNo <= lastSeqNo {
		size := int64(len(w.messages[w.inflightStart].data))
		w.inflightSize -= size
		w.garbageSize += size
		w.inflightStart++
		dropped++
	}
	return dropped
}

// requeueInflight moves the whole inflight region back into the buffer for
// retransmission on a fresh stream.
func (w *window) requeueInflight() {
	w.bufferStart = w.inflightStart
	w.bufferSize += w.inflightSize
	w.inflightSize = 0
}

// renumber rewrites the seqnos of all live messages sequentially starting
// at from, and returns the last assigned seqno (from-1 when the window has
// no live messages).
func (w *window) renumber(from int64) int64 {
	next := from
	for i := w.inflightStart; i < len(w.messages); i++ {
		w.messages[i].seqNo = next
		next++
	}
	return next - 1
}

// lastLiveSeqNo returns the seqno of the newest live message, or zero when
// the window has none.
func (w *window) lastLiveSeqNo() int64 {
	if len(w.messages) == w.inflightStart {
		return 0
	}
	return w.messages[len(w.messages)-1].seqNo
}

// empty reports whether both the buffer and the inflight regions are
// empty.
func (w *window) empty() bool {
	return w.bufferLen() == 0 && w.inflightLen() == 0
}
