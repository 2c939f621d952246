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

// Package utils holds small helpers shared across the SDK.
package utils

import (
	"context"

	"github.com/gravitational/trace"
)

// AnyDoneContext returns a context cancelled as soon as any of the parents
// is done. The first parent carries the values; the returned stop function
// releases the watcher goroutine and must be called on all paths.
func AnyDoneContext(parent context.Context, others ...context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if len(others) == 0 {
		return ctx, func() { cancel(nil) }
	}
	stopC := make(chan struct{})
	for _, other := range others {
		go func(other context.Context) {
			select {
			case <-other.Done():
				cancel(other.Err())
			case <-ctx.Done():
			case <-stopC:
			}
		}(other)
	}
	return ctx, func() {
		close(stopC)
		cancel(nil)
	}
}

// WaitDone blocks until ctx is done and converts the cancellation cause into
// a connection problem, so that callers awaiting an abort get an error value
// rather than a bare struct{}.
func WaitDone(ctx context.Context) error {
	<-ctx.Done()
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return trace.ConnectionProblem(cause, "operation aborted")
	}
	return trace.Wrap(ctx.Err())
}
