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

// Package topic defines the message unions of the topic write stream.
package topic

import (
	"time"

	"github.com/meridiandb/meridian-go/types/status"
)

// Codec identifies the compression applied to message payloads. The values
// are fixed by the wire protocol.
type Codec int32

const (
	// CodecUnspecified is an invalid codec id.
	CodecUnspecified Codec = 0
	// CodecRaw is the identity codec.
	CodecRaw Codec = 1
	// CodecGzip is DEFLATE with gzip framing.
	CodecGzip Codec = 2
	// CodecZstd is Zstandard.
	CodecZstd Codec = 4
)

// String returns the codec wire name.
func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "RAW"
	case CodecGzip:
		return "GZIP"
	case CodecZstd:
		return "ZSTD"
	default:
		return "UNSPECIFIED"
	}
}

// ClientMessage is a client-to-server frame of the write stream.
type ClientMessage interface {
	isClientMessage()
}

// InitRequest is the first frame of every write stream.
type InitRequest struct {
	// Path is the topic path.
	Path string
	// ProducerID scopes sequence-number deduplication on the server.
	ProducerID string
	// GetLastSeqNo asks the server to report the last persisted seqno of
	// this producer in the init response.
	GetLastSeqNo bool
	// MessageGroupID pins all messages to the partition owning the group.
	// Mutually exclusive with PartitionID.
	MessageGroupID string
	// PartitionID pins all messages to an explicit partition. Non-nil
	// only when explicit partitioning is requested.
	PartitionID *int64
}

// TransactionIdentity addresses the transaction a write belongs to.
type TransactionIdentity struct {
	// ID is the transaction id.
	ID string
	// SessionID is the query session owning the transaction.
	SessionID string
}

// MetadataItem is a key-value pair attached to a message.
type MetadataItem struct {
	Key   string
	Value []byte
}

// MessageData is one message of a write request.
type MessageData struct {
	// Data is the payload, compressed per the request codec.
	Data []byte
	// SeqNo orders and deduplicates messages of one producer.
	SeqNo int64
	// CreatedAt is the client-side creation timestamp.
	CreatedAt time.Time
	// UncompressedSize is the payload size before compression.
	UncompressedSize int64
	// Metadata is optional application metadata.
	Metadata []MetadataItem
}

// WriteRequest carries a batch of messages sharing one codec.
type WriteRequest struct {
	// Codec applies to every message of the batch.
	Codec Codec
	// Tx, when non-nil, makes the write transactional.
	Tx *TransactionIdentity
	// Messages are ordered by strictly increasing SeqNo.
	Messages []MessageData
}

// UpdateTokenRequest rotates the auth token of a live stream.
type UpdateTokenRequest struct {
	Token string
}

func (*InitRequest) isClientMessage()        {}
func (*WriteRequest) isClientMessage()       {}
func (*UpdateTokenRequest) isClientMessage() {}

// ServerMessage is a server-to-client frame of the write stream: a status
// envelope around one response payload.
type ServerMessage struct {
	// Status is the envelope status; non-success fails the stream.
	Status status.Code
	// Issues accompany a non-success status.
	Issues []*status.Issue
	// Payload is one of InitResponse, WriteResponse, UpdateTokenResponse.
	Payload ServerPayload
}

// Err converts the envelope into an error, nil on success.
func (m *ServerMessage) Err() error {
	return status.FromResult(m.Status, m.Issues)
}

// ServerPayload is the payload union of ServerMessage.
type ServerPayload interface {
	isServerPayload()
}

// InitResponse confirms stream initialization.
type InitResponse struct {
	// SessionID identifies the write session for diagnostics.
	SessionID string
	// LastSeqNo is the last persisted seqno of the producer; only set
	// when the init request asked for it.
	LastSeqNo int64
	// PartitionID is the partition serving this stream.
	PartitionID int64
	// SupportedCodecs lists codecs the server accepts on this topic.
	SupportedCodecs []Codec
}

// WriteStatus is the per-message outcome reported by an acknowledgment.
type WriteStatus int32

const (
	// WriteStatusUnspecified is a protocol violation.
	WriteStatusUnspecified WriteStatus = iota
	// WriteStatusWritten means the message was persisted.
	WriteStatusWritten
	// WriteStatusSkipped means the seqno was already persisted earlier
	// and the message was dropped as a duplicate.
	WriteStatusSkipped
	// WriteStatusWrittenInTx means the message was written inside the
	// transaction named by the write request.
	WriteStatusWrittenInTx
)

// String returns the wire name of the status.
func (s WriteStatus) String() string {
	switch s {
	case WriteStatusWritten:
		return "WRITTEN"
	case WriteStatusSkipped:
		return "SKIPPED"
	case WriteStatusWrittenInTx:
		return "WRITTEN_IN_TX"
	default:
		return "UNSPECIFIED"
	}
}

// WriteAck acknowledges one message.
type WriteAck struct {
	// SeqNo is the acknowledged message.
	SeqNo int64
	// Status is the outcome.
	Status WriteStatus
	// Offset is the partition offset of a written message.
	Offset int64
}

// WriteResponse acknowledges a prefix of in-flight messages in seqno order.
type WriteResponse struct {
	// Acks are ordered by strictly increasing SeqNo.
	Acks []WriteAck
	// PartitionID is the partition that persisted the batch.
	PartitionID int64
}

// UpdateTokenResponse confirms a token rotation.
type UpdateTokenResponse struct{}

func (*InitResponse) isServerPayload()        {}
func (*WriteResponse) isServerPayload()       {}
func (*UpdateTokenResponse) isServerPayload() {}
