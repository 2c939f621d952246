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

// Package topiccodec implements the payload compression codecs of the topic
// service and the registry resolving codec ids from the wire.
package topiccodec

import (
	"bytes"
	"io"
	"sync"

	"github.com/gravitational/trace"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/meridiandb/meridian-go/types/topic"
)

// Codec compresses and decompresses message payloads. Implementations must
// be safe for concurrent use.
type Codec interface {
	// ID is the wire id of the codec.
	ID() topic.Codec
	// Compress returns the compressed form of p.
	Compress(p []byte) ([]byte, error)
	// Decompress returns the original payload.
	Decompress(p []byte) ([]byte, error)
}

// NewRegistry returns a registry with the built-in codecs (RAW, GZIP, ZSTD)
// installed.
func NewRegistry() (*Registry, error) {
	zstdCodec, err := NewZstd()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Registry{codecs: make(map[topic.Codec]Codec)}
	r.Register(Raw{})
	r.Register(Gzip{})
	r.Register(zstdCodec)
	return r, nil
}

// Registry resolves codec ids to implementations.
type Registry struct {
	mu     sync.RWMutex
	codecs map[topic.Codec]Codec
}

// Register installs a codec, replacing a previous one with the same id.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.ID()] = c
}

// Get resolves a codec id. Unknown ids fail messages carrying them.
func (r *Registry) Get(id topic.Codec) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[id]
	if !ok {
		return nil, trace.BadParameter("unsupported codec %v", id)
	}
	return c, nil
}

// Raw is the identity codec.
type Raw struct{}

// ID implements Codec.
func (Raw) ID() topic.Codec { return topic.CodecRaw }

// Compress implements Codec.
func (Raw) Compress(p []byte) ([]byte, error) { return p, nil }

// Decompress implements Codec.
func (Raw) Decompress(p []byte) ([]byte, error) { return p, nil }

// Gzip is DEFLATE with gzip framing.
type Gzip struct{}

// ID implements Codec.
func (Gzip) ID() topic.Codec { return topic.CodecGzip }

// Compress implements Codec.
func (Gzip) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.Close(); err != nil {
		return nil, trace.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Decompress implements Codec.
func (Gzip) Decompress(p []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// NewZstd returns the Zstandard codec.
func NewZstd() (Zstd, error) {
	// Both halves are stateless in EncodeAll/DecodeAll mode and are
	// shared across goroutines.
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return Zstd{}, trace.Wrap(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Zstd{}, trace.Wrap(err)
	}
	return Zstd{enc: enc, dec: dec}, nil
}

// Zstd is Zstandard.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// ID implements Codec.
func (z Zstd) ID() topic.Codec { return topic.CodecZstd }

// Compress implements Codec.
func (z Zstd) Compress(p []byte) ([]byte, error) {
	return z.enc.EncodeAll(p, nil), nil
}

// Decompress implements Codec.
func (z Zstd) Decompress(p []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(p, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
