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

package topiccodec

import (
	"bytes"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian-go/types/topic"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 128)

	registry, err := NewRegistry()
	require.NoError(t, err)
	for _, id := range []topic.Codec{topic.CodecRaw, topic.CodecGzip, topic.CodecZstd} {
		t.Run(id.String(), func(t *testing.T) {
			t.Parallel()

			codec, err := registry.Get(id)
			require.NoError(t, err)
			require.Equal(t, id, codec.ID())

			compressed, err := codec.Compress(payload)
			require.NoError(t, err)
			if id != topic.CodecRaw {
				// Repetitive input must actually shrink.
				require.Less(t, len(compressed), len(payload))
			}

			out, err := codec.Decompress(compressed)
			require.NoError(t, err)
			require.Equal(t, payload, out)
		})
	}
}

func TestRawIsIdentity(t *testing.T) {
	t.Parallel()

	payload := []byte("untouched")
	out, err := Raw{}.Compress(payload)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestEmptyPayload(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry()
	require.NoError(t, err)
	for _, id := range []topic.Codec{topic.CodecGzip, topic.CodecZstd} {
		codec, err := registry.Get(id)
		require.NoError(t, err)

		compressed, err := codec.Compress(nil)
		require.NoError(t, err)
		out, err := codec.Decompress(compressed)
		require.NoError(t, err)
		require.Empty(t, out)
	}
}

func TestUnknownCodec(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry()
	require.NoError(t, err)

	_, err = registry.Get(topic.Codec(99))
	require.True(t, trace.IsBadParameter(err))

	_, err = registry.Get(topic.CodecUnspecified)
	require.True(t, trace.IsBadParameter(err))
}

func TestDecompressGarbage(t *testing.T) {
	t.Parallel()

	_, err := Gzip{}.Decompress([]byte("definitely not gzip"))
	require.Error(t, err)

	zstdCodec, err := NewZstd()
	require.NoError(t, err)
	_, err = zstdCodec.Decompress([]byte("definitely not zstd"))
	require.Error(t, err)
}

func TestRegisterOverride(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry()
	require.NoError(t, err)
	registry.Register(Raw{})
	codec, err := registry.Get(topic.CodecRaw)
	require.NoError(t, err)
	require.Equal(t, topic.CodecRaw, codec.ID())
}
