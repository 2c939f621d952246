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

package utils

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

type ctxKey string

func TestAnyDoneContextParentCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	other := context.Background()

	ctx, stop := AnyDoneContext(parent, other)
	defer stop()

	cancelParent()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled with its parent")
	}
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestAnyDoneContextOtherCancel(t *testing.T) {
	t.Parallel()

	other, cancelOther := context.WithCancel(context.Background())

	ctx, stop := AnyDoneContext(context.Background(), other)
	defer stop()

	cancelOther()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled with the secondary parent")
	}
	require.ErrorIs(t, context.Cause(ctx), context.Canceled)
}

func TestAnyDoneContextCarriesParentValues(t *testing.T) {
	t.Parallel()

	parent := context.WithValue(context.Background(), ctxKey("k"), "v")
	ctx, stop := AnyDoneContext(parent, context.Background())
	defer stop()
	require.Equal(t, "v", ctx.Value(ctxKey("k")))
}

func TestAnyDoneContextStopReleases(t *testing.T) {
	t.Parallel()

	ctx, stop := AnyDoneContext(context.Background(), context.Background())
	stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stop must cancel the derived context")
	}
}

func TestWaitDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, WaitDone(ctx), context.Canceled)
}

func TestWaitDoneConvertsCause(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(trace.ConnectionProblem(nil, "stream torn down"))
	err := WaitDone(ctx)
	require.True(t, trace.IsConnectionProblem(err))
	require.Contains(t, err.Error(), "operation aborted")
}
