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

import (
	"context"
	"time"

	"github.com/perchdb/perch/internal/validation"
	"github.com/perchdb/perch/pkg/replication/blip"
)

// Mode selects how a direction replicates.
type Mode int

const (
	// Disabled turns the direction off.
	Disabled Mode = iota

	// OneShot transfers everything pending, then goes idle and stops.
	OneShot

	// Continuous keeps the direction alive, streaming new changes.
	Continuous
)

// Dialer establishes the frame transport to the remote. The engine never
// dials networks itself; the embedding application supplies the
// transport (or a blip.Pipe end for in-process peers).
type Dialer func(ctx context.Context) (blip.FrameConn, error)

const (
	// DefaultChangesBatchSize is how many changes a feed batch carries.
	DefaultChangesBatchSize = 200

	// DefaultMailboxSize bounds each worker's mailbox; a full mailbox
	// pauses the upstream worker.
	DefaultMailboxSize = 1000

	// DefaultCheckpointInterval is how often progress is persisted.
	DefaultCheckpointInterval = 5 * time.Second

	// minBackoff and maxBackoff bound the retry schedule.
	minBackoff = 2 * time.Second
	maxBackoff = 10 * time.Minute
)

// Config configures a Replicator.
type Config struct {
	// RemoteURL is the canonical remote address, part of the checkpoint
	// identity.
	RemoteURL string `validate:"required"`

	// RemoteDBName names the database at the remote.
	RemoteDBName string `validate:"required"`

	// Collection names the local collection to replicate; empty selects
	// the default collection.
	Collection string

	Push Mode
	Pull Mode

	// Passive serves the peer's replication without initiating either
	// direction: the listener side of a sync session. A passive
	// replicator runs until stopped or disconnected.
	Passive bool

	// FilterID is an opaque filter identity mixed into the checkpoint
	// fingerprint.
	FilterID string

	// Dial supplies the transport.
	Dial Dialer `validate:"required"`

	ChangesBatchSize   int           `validate:"gte=0"`
	MailboxSize        int           `validate:"gte=0"`
	CheckpointInterval time.Duration `validate:"gte=0"`

	// OnStatus, when set, receives every status change.
	OnStatus func(Status)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c)
}

func (c *Config) ensureDefaults() {
	if c.ChangesBatchSize == 0 {
		c.ChangesBatchSize = DefaultChangesBatchSize
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
}
