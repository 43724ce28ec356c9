/*
 * Copyright 2025 The Perch Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package replication

import "fmt"

// State is the replicator's lifecycle state.
type State int

const (
	// Stopped is the terminal and initial state.
	Stopped State = iota

	// Offline means the replicator is waiting out a backoff before
	// reconnecting.
	Offline

	// Connecting means the transport is being established.
	Connecting

	// Idle means connected with no activity in flight.
	Idle

	// Busy means workers are processing messages.
	Busy

	// Stopping means a cooperative shutdown is draining the workers.
	Stopping
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state_%d", int(s))
	}
}

// Progress reports replication progress at the overall level.
type Progress struct {
	// DocsCompleted counts revisions fully transferred and acknowledged.
	DocsCompleted uint64

	// DocsTotal is never below DocsCompleted. It is raised only as
	// revisions complete, so it does not count revisions still waiting
	// to transfer.
	DocsTotal uint64
}

// DocumentError records a per-document failure that did not stop the
// replicator.
type DocumentError struct {
	Collection string
	DocID      string
	Pushing    bool
	Err        error
}

// Status is delivered to the status callback on every change.
type Status struct {
	State    State
	Progress Progress
	// Err is the error that stopped, or is backing off, the replicator.
	Err error
	// DocErrors accumulates per-document failures.
	DocErrors []DocumentError
}
