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

package status

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestFromResult(t *testing.T) {
	t.Parallel()

	require.NoError(t, FromResult(CodeSuccess, nil))

	err := FromResult(CodeUnspecified, nil)
	require.True(t, trace.IsBadParameter(err))

	err = FromResult(CodeOverloaded, []*Issue{{Message: "shard is overloaded"}})
	require.Error(t, err)
	require.Equal(t, CodeOverloaded, ErrorCode(err))
	require.Contains(t, err.Error(), "OVERLOADED")
	require.Contains(t, err.Error(), "shard is overloaded")
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	err := FromResult(CodeBadSession, nil)
	require.Equal(t, CodeBadSession, ErrorCode(trace.Wrap(err, "wrapped")))
	require.Equal(t, CodeUnspecified, ErrorCode(trace.BadParameter("no code here")))
	require.Equal(t, CodeUnspecified, ErrorCode(nil))
}

func TestIssueTreeRendering(t *testing.T) {
	t.Parallel()

	issue := &Issue{
		Message: "query failed",
		Issues: []*Issue{
			{Message: "table not found"},
			{Message: "retry budget exhausted"},
		},
	}
	require.Equal(t, "query failed [table not found; retry budget exhausted]", issue.String())
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		idempotent    bool
		nonIdempotent bool
	}{
		{
			name:          "unavailable",
			err:           FromResult(CodeUnavailable, nil),
			idempotent:    true,
			nonIdempotent: false,
		},
		{
			name:          "overloaded",
			err:           FromResult(CodeOverloaded, nil),
			idempotent:    true,
			nonIdempotent: false,
		},
		{
			name:          "bad request",
			err:           FromResult(CodeBadRequest, nil),
			idempotent:    false,
			nonIdempotent: false,
		},
		{
			name:          "unauthorized",
			err:           FromResult(CodeUnauthorized, nil),
			idempotent:    false,
			nonIdempotent: false,
		},
		{
			name:          "transport unavailable",
			err:           grpcstatus.Error(codes.Unavailable, "connection refused"),
			idempotent:    true,
			nonIdempotent: false,
		},
		{
			name:          "nil",
			err:           nil,
			idempotent:    false,
			nonIdempotent: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.idempotent, IsRetryable(tt.err, true))
			require.Equal(t, tt.nonIdempotent, IsRetryable(tt.err, false))
		})
	}
}

func TestIsStreamRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "nil",
			err:       nil,
			retryable: false,
		},
		{
			name:      "local cancellation",
			err:       context.Canceled,
			retryable: false,
		},
		{
			name:      "wrapped local cancellation",
			err:       trace.Wrap(context.Canceled),
			retryable: false,
		},
		{
			name:      "local deadline",
			err:       context.DeadlineExceeded,
			retryable: false,
		},
		{
			name:      "session expired",
			err:       FromResult(CodeSessionExpired, nil),
			retryable: true,
		},
		{
			name:      "bad session",
			err:       FromResult(CodeBadSession, nil),
			retryable: true,
		},
		{
			name:      "aborted",
			err:       FromResult(CodeAborted, nil),
			retryable: true,
		},
		{
			name:      "unauthorized",
			err:       FromResult(CodeUnauthorized, nil),
			retryable: false,
		},
		{
			name:      "transport cancelled by channel rotation",
			err:       grpcstatus.Error(codes.Canceled, "stream cancelled"),
			retryable: true,
		},
		{
			name:      "transport internal",
			err:       grpcstatus.Error(codes.Internal, "RST_STREAM"),
			retryable: true,
		},
		{
			name:      "transport invalid argument",
			err:       grpcstatus.Error(codes.InvalidArgument, "bad frame"),
			retryable: false,
		},
		{
			name:      "connection problem",
			err:       trace.ConnectionProblem(nil, "stream terminated"),
			retryable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.retryable, IsStreamRetryable(tt.err))
		})
	}
}

func TestFromGRPC(t *testing.T) {
	t.Parallel()

	require.NoError(t, FromGRPC(nil))
	require.True(t, trace.IsConnectionProblem(FromGRPC(grpcstatus.Error(codes.Unavailable, "down"))))
	require.True(t, trace.IsNotFound(FromGRPC(grpcstatus.Error(codes.NotFound, "no such node"))))
	require.True(t, trace.IsAlreadyExists(FromGRPC(grpcstatus.Error(codes.AlreadyExists, "exists"))))
	require.True(t, trace.IsBadParameter(FromGRPC(grpcstatus.Error(codes.InvalidArgument, "bad"))))
	require.True(t, trace.IsAccessDenied(FromGRPC(grpcstatus.Error(codes.PermissionDenied, "denied"))))
	require.True(t, trace.IsLimitExceeded(FromGRPC(grpcstatus.Error(codes.ResourceExhausted, "too much"))))
}
