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

// Package defaults holds the default values and hard server limits shared by
// the client packages.
package defaults

import "time"

const (
	// DialTimeout is a default TCP dial timeout we set for our
	// connection attempts.
	DialTimeout = 30 * time.Second

	// SessionTimeout is the default coordination session timeout the server
	// is asked to keep the session alive for after the client disappears.
	SessionTimeout = 30 * time.Second

	// SessionStartTimeout is how long the client waits for the server to
	// confirm a session start before re-dialing.
	SessionStartTimeout = 5 * time.Second

	// SessionRetryBase is the initial reconnect backoff of a
	// coordination session.
	SessionRetryBase = 50 * time.Millisecond

	// SessionRetryMax caps the reconnect backoff of a coordination session.
	SessionRetryMax = 5 * time.Second

	// WriterMaxBufferBytes is how many unsent payload bytes a topic writer
	// accumulates before applying backpressure to producers.
	WriterMaxBufferBytes = 256 * 1024 * 1024

	// WriterMaxInflightCount is the maximum number of messages a topic
	// writer keeps sent-but-unacknowledged.
	WriterMaxInflightCount = 1000

	// WriterFlushInterval is the period of the topic writer's background
	// flush of a partially filled buffer.
	WriterFlushInterval = time.Second

	// WriterUpdateTokenInterval is how often the topic writer refreshes the
	// auth token on a live stream.
	WriterUpdateTokenInterval = time.Minute

	// WriterGracefulShutdownTimeout bounds how long a closing topic writer
	// waits for outstanding acknowledgments before giving up.
	WriterGracefulShutdownTimeout = 30 * time.Second

	// WriterMaxGarbageCount is the number of acknowledged messages kept in
	// the writer window before the window is compacted.
	WriterMaxGarbageCount = 1000

	// WriterMaxGarbageSize is the acknowledged payload volume kept in the
	// writer window before the window is compacted.
	WriterMaxGarbageSize = 100 * 1024 * 1024

	// CodecMinRawSize is the payload size below which compression is
	// skipped even when a non-raw codec is configured.
	CodecMinRawSize = 1024
)

const (
	// MaxBatchSize is the server-enforced limit on a single write request.
	// The client must slice batches under it.
	MaxBatchSize = 50 * 1024 * 1024

	// MaxPayloadSize is the server-enforced limit on a single message
	// payload, checked before the message is accepted into the buffer.
	MaxPayloadSize = 48 * 1024 * 1024
)
