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

// Package coordination defines the message unions of the coordination
// session stream. The shapes mirror the generated protobuf oneof wrappers of
// the coordination service so the session code can stay free of codegen
// artifacts.
package coordination

import (
	"github.com/meridiandb/meridian-go/types/status"
)

// ClientMessage is a client-to-server frame of the session stream.
type ClientMessage interface {
	isClientMessage()
}

// SessionStart opens a new server session or resumes an existing one when
// SessionID is non-zero. SeqNo must strictly grow across start attempts of
// one client-side session.
type SessionStart struct {
	// Path is the coordination node path the session attaches to.
	Path string
	// SessionID is zero for a new session and the previously assigned id
	// when resuming after a reconnect.
	SessionID uint64
	// TimeoutMillis is how long the server keeps the session alive after
	// the client disappears.
	TimeoutMillis int64
	// Description is a free-form session annotation.
	Description string
	// SeqNo orders start attempts; the server ignores stale ones.
	SeqNo uint64
}

// SessionStop asks the server to tear the session down.
type SessionStop struct{}

// Pong answers a server Ping, echoing its opaque payload.
type Pong struct {
	// Opaque is the value from the Ping being answered.
	Opaque uint64
}

// AcquireSemaphore acquires count units of a semaphore, waiting up to
// TimeoutMillis server-side for capacity.
type AcquireSemaphore struct {
	// ReqID ties the eventual result to this request.
	ReqID int64
	// Name is the semaphore name.
	Name string
	// Count is the number of units to acquire.
	Count uint64
	// TimeoutMillis bounds the server-side wait; zero means try-acquire.
	TimeoutMillis int64
	// Data is attached to the acquire and visible to describers.
	Data []byte
	// Ephemeral semaphores are created on first acquire and deleted on
	// last release.
	Ephemeral bool
}

// ReleaseSemaphore releases all units of a semaphore held by this session.
type ReleaseSemaphore struct {
	ReqID int64
	Name  string
}

// CreateSemaphore creates a persistent semaphore.
type CreateSemaphore struct {
	ReqID int64
	Name  string
	// Limit is the total number of units.
	Limit uint64
	Data  []byte
}

// UpdateSemaphore replaces the data blob of a semaphore.
type UpdateSemaphore struct {
	ReqID int64
	Name  string
	Data  []byte
}

// DeleteSemaphore deletes a semaphore. Force deletes it even when acquired.
type DeleteSemaphore struct {
	ReqID int64
	Name  string
	Force bool
}

// DescribeSemaphore fetches a semaphore description and optionally installs
// a one-shot change watch.
type DescribeSemaphore struct {
	ReqID int64
	Name  string
	// IncludeOwners adds the ownership list to the description.
	IncludeOwners bool
	// IncludeWaiters adds the waiter queue to the description.
	IncludeWaiters bool
	// WatchData subscribes to the next data change.
	WatchData bool
	// WatchOwners subscribes to the next ownership change.
	WatchOwners bool
}

func (*SessionStart) isClientMessage()      {}
func (*SessionStop) isClientMessage()       {}
func (*Pong) isClientMessage()              {}
func (*AcquireSemaphore) isClientMessage()  {}
func (*ReleaseSemaphore) isClientMessage()  {}
func (*CreateSemaphore) isClientMessage()   {}
func (*UpdateSemaphore) isClientMessage()   {}
func (*DeleteSemaphore) isClientMessage()   {}
func (*DescribeSemaphore) isClientMessage() {}

// ServerMessage is a server-to-client frame of the session stream.
type ServerMessage interface {
	isServerMessage()
}

// Ping is a server liveness probe; the client must answer with Pong
// carrying the same opaque value.
type Ping struct {
	Opaque uint64
}

// Failure reports a stream-level failure. SESSION_EXPIRED and BAD_SESSION
// invalidate the server session; everything else only ends the connection.
type Failure struct {
	Status status.Code
	Issues []*status.Issue
}

// SessionStarted confirms a SessionStart attempt.
type SessionStarted struct {
	// SessionID is the server-assigned session id.
	SessionID uint64
}

// SessionStopped confirms a SessionStop.
type SessionStopped struct {
	SessionID uint64
}

// Result is the envelope shared by per-request results.
type Result struct {
	// ReqID matches the id of the originating request.
	ReqID  int64
	Status status.Code
	Issues []*status.Issue
}

// Err converts the result envelope into an error, nil on success.
func (r Result) Err() error {
	return status.FromResult(r.Status, r.Issues)
}

// AcquirePending signals that an acquire request started waiting for
// capacity. Informational: the final result follows with the same ReqID.
type AcquirePending struct {
	ReqID int64
}

// AcquireResult completes an AcquireSemaphore request.
type AcquireResult struct {
	Result
	// Acquired is false when the server-side wait timed out.
	Acquired bool
}

// ReleaseResult completes a ReleaseSemaphore request.
type ReleaseResult struct {
	Result
	// Released is false when the session held nothing.
	Released bool
}

// CreateResult completes a CreateSemaphore request.
type CreateResult struct {
	Result
}

// UpdateResult completes an UpdateSemaphore request.
type UpdateResult struct {
	Result
}

// DeleteResult completes a DeleteSemaphore request.
type DeleteResult struct {
	Result
}

// DescribeResult completes a DescribeSemaphore request.
type DescribeResult struct {
	Result
	Description SemaphoreDescription
	// WatchAdded confirms that a requested watch was installed.
	WatchAdded bool
}

// DescribeChanged fires a previously installed one-shot watch. ReqID is the
// id of the DescribeSemaphore that installed the watch.
type DescribeChanged struct {
	ReqID         int64
	DataChanged   bool
	OwnersChanged bool
}

func (*Ping) isServerMessage()            {}
func (*Failure) isServerMessage()         {}
func (*SessionStarted) isServerMessage()  {}
func (*SessionStopped) isServerMessage()  {}
func (*AcquirePending) isServerMessage()  {}
func (*AcquireResult) isServerMessage()   {}
func (*ReleaseResult) isServerMessage()   {}
func (*CreateResult) isServerMessage()    {}
func (*UpdateResult) isServerMessage()    {}
func (*DeleteResult) isServerMessage()    {}
func (*DescribeResult) isServerMessage()  {}
func (*DescribeChanged) isServerMessage() {}

// SemaphoreSession describes one owner or waiter of a semaphore.
type SemaphoreSession struct {
	// OrderID breaks ties in the waiter queue.
	OrderID uint64
	// SessionID identifies the owning or waiting session.
	SessionID uint64
	// TimeoutMillis is the remaining wait budget of a waiter.
	TimeoutMillis int64
	// Count is the number of units acquired or requested.
	Count uint64
	// Data was attached by the acquirer.
	Data []byte
}

// SemaphoreDescription is the server-side view of a semaphore returned by
// DescribeSemaphore.
type SemaphoreDescription struct {
	Name string
	Data []byte
	// Count is the number of units currently acquired.
	Count uint64
	// Limit is the total number of units.
	Limit uint64
	// Ephemeral semaphores live between first acquire and last release.
	Ephemeral bool
	// Owners is present when IncludeOwners was set.
	Owners []SemaphoreSession
	// Waiters is present when IncludeWaiters was set.
	Waiters []SemaphoreSession
}
