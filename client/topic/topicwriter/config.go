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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"

	meridian "github.com/meridiandb/meridian-go"
	"github.com/meridiandb/meridian-go/client"
	"github.com/meridiandb/meridian-go/client/topic/topiccodec"
	"github.com/meridiandb/meridian-go/defaults"
	"github.com/meridiandb/meridian-go/types/topic"
)

// Driver is the subset of the driver the writer uses.
type Driver interface {
	// Ready blocks until the underlying channel can serve requests.
	Ready(ctx context.Context) error
	// TopicWrite opens a topic write stream.
	TopicWrite(ctx context.Context, opts ...grpc.CallOption) (client.TopicWritePeer, error)
	// Token returns the current auth bearer token.
	Token(ctx context.Context) (string, error)
}

// WriterConfig configures a topic writer.
type WriterConfig struct {
	// Driver supplies streams and tokens, required.
	Driver Driver
	// Topic is the topic path, required.
	Topic string
	// ProducerID scopes server-side seqno deduplication; a random id is
	// generated when empty.
	ProducerID string
	// MessageGroupID pins messages to the partition owning the group.
	// Mutually exclusive with PartitionID.
	MessageGroupID string
	// PartitionID pins messages to an explicit partition.
	PartitionID *int64
	// Codec compresses payloads; defaults to RAW.
	Codec topic.Codec
	// Codecs resolves codec ids; defaults to the built-in registry.
	Codecs *topiccodec.Registry
	// MinRawSize is the payload size below which compression is skipped.
	MinRawSize int
	// Tx, when non-nil, makes every write transactional.
	Tx *topic.TransactionIdentity
	// MaxBufferBytes is the buffered volume that triggers a send outside
	// the flush interval.
	MaxBufferBytes int64
	// MaxInflightCount caps sent-but-unacknowledged messages.
	MaxInflightCount int
	// FlushInterval is the period of background sends of a partially
	// filled buffer.
	FlushInterval time.Duration
	// UpdateTokenInterval is how often the auth token is refreshed on a
	// live stream.
	UpdateTokenInterval time.Duration
	// GracefulShutdownTimeout bounds how long Close waits for outstanding
	// acknowledgments.
	GracefulShutdownTimeout time.Duration
	// MaxGarbageCount is the acknowledged message count that triggers
	// window compaction.
	MaxGarbageCount int
	// MaxGarbageSize is the acknowledged payload volume that triggers
	// window compaction.
	MaxGarbageSize int64
	// RetryBase is the initial reconnect backoff.
	RetryBase time.Duration
	// RetryMax caps the reconnect backoff.
	RetryMax time.Duration
	// Log emits writer lifecycle diagnostics.
	Log *slog.Logger
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *WriterConfig) CheckAndSetDefaults() error {
	if cfg.Driver == nil {
		return trace.BadParameter("topic writer config: missing parameter Driver")
	}
	if cfg.Topic == "" {
		return trace.BadParameter("topic writer config: missing parameter Topic")
	}
	if cfg.MessageGroupID != "" && cfg.PartitionID != nil {
		return trace.BadParameter("topic writer config: MessageGroupID and PartitionID are mutually exclusive")
	}
	if cfg.ProducerID == "" {
		cfg.ProducerID = uuid.NewString()
	}
	if cfg.Codec == topic.CodecUnspecified {
		cfg.Codec = topic.CodecRaw
	}
	if cfg.Codecs == nil {
		codecs, err := topiccodec.NewRegistry()
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Codecs = codecs
	}
	if _, err := cfg.Codecs.Get(cfg.Codec); err != nil {
		return trace.Wrap(err)
	}
	if cfg.MinRawSize == 0 {
		cfg.MinRawSize = defaults.CodecMinRawSize
	}
	if cfg.MaxBufferBytes == 0 {
		cfg.MaxBufferBytes = defaults.WriterMaxBufferBytes
	}
	if cfg.MaxInflightCount == 0 {
		cfg.MaxInflightCount = defaults.WriterMaxInflightCount
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = defaults.WriterFlushInterval
	}
	if cfg.UpdateTokenInterval == 0 {
		cfg.UpdateTokenInterval = defaults.WriterUpdateTokenInterval
	}
	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = defaults.WriterGracefulShutdownTimeout
	}
	if cfg.MaxGarbageCount == 0 {
		cfg.MaxGarbageCount = defaults.WriterMaxGarbageCount
	}
	if cfg.MaxGarbageSize == 0 {
		cfg.MaxGarbageSize = defaults.WriterMaxGarbageSize
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = defaults.SessionRetryBase
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = defaults.SessionRetryMax
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	cfg.Log = cfg.Log.With(meridian.ComponentKey, meridian.ComponentTopicWriter)
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}
