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

// Package meridian holds constants shared across the SDK packages.
package meridian

const (
	// ComponentKey is the name of a log attribute identifying a component.
	ComponentKey = "component"

	// ComponentClient is the gRPC driver.
	ComponentClient = "client"

	// ComponentStream is the bidirectional stream runtime.
	ComponentStream = "stream"

	// ComponentCoordination is the coordination session.
	ComponentCoordination = "coordination"

	// ComponentTopicWriter is the topic writer.
	ComponentTopicWriter = "topicwriter"
)

const (
	// AuthTicketHeader is the metadata header carrying the auth token on
	// every outgoing request.
	AuthTicketHeader = "x-ydb-auth-ticket"
)
