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

import "github.com/gravitational/trace"

type seqNoMode int

const (
	// seqNoModeUnset means no message has been written yet; the first
	// write pins the mode for the lifetime of the writer.
	seqNoModeUnset seqNoMode = iota
	// seqNoModeAuto numbers messages client-side.
	seqNoModeAuto
	// seqNoModeManual uses caller-provided seqnos.
	seqNoModeManual
)

// seqNoManager assigns sequence numbers and enforces the auto/manual mode
// pinning. Owned by the writer event loop, not safe for concurrent use.
type seqNoManager struct {
	mode seqNoMode
	// last is the last assigned seqno.
	last int64
	// highestUser is the highest caller-provided seqno, manual mode only.
	highestUser int64
}

// assign validates and assigns the seqno of one message. userSeqNo of zero
// means the caller did not provide one.
func (m *seqNoManager) assign(userSeqNo int64) (int64, error) {
	if userSeqNo < 0 {
		return 0, trace.BadParameter("message seqno must be positive, got %v", userSeqNo)
	}
	if m.mode == seqNoModeUnset {
		if userSeqNo > 0 {
			m.mode = seqNoModeManual
		} else {
			m.mode = seqNoModeAuto
		}
	}
	switch m.mode {
	case seqNoModeAuto:
		if userSeqNo != 0 {
			return 0, trace.BadParameter("writer is in automatic seqno mode, message seqno %v is not allowed", userSeqNo)
		}
		m.last++
		return m.last, nil
	default:
		if userSeqNo == 0 {
			return 0, trace.BadParameter("writer is in manual seqno mode, message seqno is required")
		}
		if userSeqNo <= m.highestUser {
			return 0, trace.BadParameter("message seqno %v is not greater than the previously submitted %v", userSeqNo, m.highestUser)
		}
		m.highestUser = userSeqNo
		m.last = userSeqNo
		return userSeqNo, nil
	}
}

// rebase moves the last assigned seqno after a renumbering, so that
// subsequent automatic assignments continue the server sequence.
func (m *seqNoManager) rebase(last int64) {
	if last > m.last {
		m.last = last
	}
}

// next is the seqno the next automatic assignment would produce.
func (m *seqNoManager) next() int64 {
	return m.last + 1
}
