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

// Package status defines the server status codes carried by operation result
// envelopes, the issue trees attached to them, and the error classification
// used by retry loops across the SDK.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gravitational/trace"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Code is a server status code attached to every operation result.
type Code int32

const (
	// CodeUnspecified means the server did not set a status code,
	// which is a protocol violation.
	CodeUnspecified Code = iota
	// CodeSuccess means the operation completed.
	CodeSuccess
	// CodeBadRequest means the request was malformed.
	CodeBadRequest
	// CodeUnauthorized means the caller lacks permissions.
	CodeUnauthorized
	// CodeInternalError is an unclassified server-side failure.
	CodeInternalError
	// CodeAborted means the operation was aborted and can be retried.
	CodeAborted
	// CodeUnavailable means the server (or a shard of it) is temporarily
	// unable to serve the request.
	CodeUnavailable
	// CodeOverloaded means the server sheds load; retry with backoff.
	CodeOverloaded
	// CodeNotFound means the addressed entity does not exist.
	CodeNotFound
	// CodeAlreadyExists means the entity being created exists.
	CodeAlreadyExists
	// CodeBadSession means the server does not know the session id.
	CodeBadSession
	// CodeSessionExpired means the server invalidated the session.
	CodeSessionExpired
	// CodePreconditionFailed means a state precondition does not hold.
	CodePreconditionFailed
	// CodeCancelled means the server cancelled the operation.
	CodeCancelled
)

// String returns the wire name of the code.
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeBadRequest:
		return "BAD_REQUEST"
	case CodeUnauthorized:
		return "UNAUTHORIZED"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeAborted:
		return "ABORTED"
	case CodeUnavailable:
		return "UNAVAILABLE"
	case CodeOverloaded:
		return "OVERLOADED"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeAlreadyExists:
		return "ALREADY_EXISTS"
	case CodeBadSession:
		return "BAD_SESSION"
	case CodeSessionExpired:
		return "SESSION_EXPIRED"
	case CodePreconditionFailed:
		return "PRECONDITION_FAILED"
	case CodeCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("STATUS_CODE(%d)", int32(c))
	}
}

// Issue is a node of the diagnostic tree the server attaches to failed
// operations.
type Issue struct {
	// Message is a human readable description of the issue.
	Message string
	// Code is a server-defined issue code.
	Code uint32
	// Severity is a server-defined severity, lower is more severe.
	Severity uint32
	// Issues are nested sub-issues.
	Issues []*Issue
}

func (i *Issue) String() string {
	if i == nil {
		return ""
	}
	if len(i.Issues) == 0 {
		return i.Message
	}
	nested := make([]string, 0, len(i.Issues))
	for _, sub := range i.Issues {
		nested = append(nested, sub.String())
	}
	return fmt.Sprintf("%v [%v]", i.Message, strings.Join(nested, "; "))
}

// Error is a failed operation result: a status code plus the issue tree
// reported by the server.
type Error struct {
	// Code is the status code of the failed operation.
	Code Code
	// Issues is the diagnostic tree reported by the server, may be empty.
	Issues []*Issue
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("operation failed with status %v", e.Code)
	}
	messages := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		messages = append(messages, issue.String())
	}
	return fmt.Sprintf("operation failed with status %v: %v", e.Code, strings.Join(messages, "; "))
}

// FromResult converts a result envelope into an error: nil on success,
// *Error otherwise. A missing status code is reported as a protocol
// violation.
func FromResult(code Code, issues []*Issue) error {
	switch code {
	case CodeSuccess:
		return nil
	case CodeUnspecified:
		return trace.BadParameter("server response is missing a status code")
	default:
		return &Error{Code: code, Issues: issues}
	}
}

// ErrorCode extracts the server status code from an error chain,
// returning CodeUnspecified when the chain carries none.
func ErrorCode(err error) Code {
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return CodeUnspecified
}

// IsRetryable reports whether a unary operation that failed with err may be
// safely re-driven. Operations with side effects must pass idempotent=false,
// which restricts retries to failures known to have happened before any
// server-side work.
func IsRetryable(err error, idempotent bool) bool {
	if err == nil {
		return false
	}
	switch ErrorCode(err) {
	case CodeUnavailable, CodeOverloaded, CodeAborted, CodeBadSession, CodeSessionExpired:
		return idempotent
	case CodeUnspecified:
		// No server status code: fall through to transport classification.
	default:
		return false
	}
	switch transportCode(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return idempotent
	}
	return false
}

// IsStreamRetryable reports whether a long-lived stream that terminated with
// err should be re-established. Streams always reconnect on transport
// cancellation: channel rotation driven by endpoint rediscovery cancels
// active streams without the server having failed.
func IsStreamRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch ErrorCode(err) {
	case CodeUnavailable, CodeOverloaded, CodeAborted, CodeBadSession, CodeSessionExpired:
		return true
	}
	switch transportCode(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Canceled, codes.DeadlineExceeded, codes.Internal:
		return true
	}
	return trace.IsConnectionProblem(err)
}

// transportCode extracts a gRPC status code from the error chain.
// codes.OK is returned when the chain carries no gRPC status.
func transportCode(err error) codes.Code {
	for ; err != nil; err = errors.Unwrap(err) {
		if s, ok := grpcstatus.FromError(err); ok {
			return s.Code()
		}
	}
	return codes.OK
}

// FromGRPC converts a gRPC transport error into the trace taxonomy used
// throughout the SDK, preserving the original error in the cause chain.
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	s, ok := grpcstatus.FromError(err)
	if !ok {
		return trace.Wrap(err)
	}
	switch s.Code() {
	case codes.OK:
		return nil
	case codes.Canceled, codes.Unavailable, codes.DeadlineExceeded:
		return trace.ConnectionProblem(err, "%s", s.Message())
	case codes.NotFound:
		return trace.NotFound("%s", s.Message())
	case codes.AlreadyExists:
		return trace.AlreadyExists("%s", s.Message())
	case codes.InvalidArgument:
		return trace.BadParameter("%s", s.Message())
	case codes.PermissionDenied, codes.Unauthenticated:
		return trace.AccessDenied("%s", s.Message())
	case codes.ResourceExhausted:
		return trace.LimitExceeded("%s", s.Message())
	default:
		return trace.Wrap(err)
	}
}
