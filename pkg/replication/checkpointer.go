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
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/perchdb/perch/internal/logging"
	"github.com/perchdb/perch/pkg/db"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/errors"
	"github.com/perchdb/perch/pkg/replication/blip"
)

// checkpointBody is the persisted progress pair. Sequences are strings
// on the wire so peers with non-numeric sequence spaces interoperate.
type checkpointBody struct {
	Local  string `json:"local,omitempty"`
	Remote string `json:"remote,omitempty"`
}

// checkpointer owns the replication's durable progress: the local
// sequence pushed and the remote sequence pulled, keyed by a stable
// fingerprint of the replication's identity.
type checkpointer struct {
	database *db.Database
	store    storage.KeyStore
	id       string
	logger   logging.Logger

	mu        sync.Mutex
	localSeq  uint64
	remoteSeq uint64
	dirty     bool

	// pending tracks pushed-but-unacked sequences in send order; the
	// checkpoint only advances past a sequence when everything older is
	// acked too. remotePending does the same for pulled sequences.
	pending []uint64
	acked   map[uint64]bool

	remotePending []uint64
	remoteAcked   map[uint64]bool
}

// checkpointID computes the stable fingerprint of the replication:
// SHA-1 over the local private UUID, remote URL, remote database name,
// filter and collection path.
func checkpointID(database *db.Database, cfg *Config) string {
	h := sha1.New()
	h.Write([]byte(database.UUIDs().Private.String()))
	h.Write([]byte{0})
	h.Write([]byte(cfg.RemoteURL))
	h.Write([]byte{0})
	h.Write([]byte(cfg.RemoteDBName))
	h.Write([]byte{0})
	h.Write([]byte(cfg.FilterID))
	h.Write([]byte{0})
	h.Write([]byte(cfg.Collection))
	return "cp-" + hex.EncodeToString(h.Sum(nil))
}

// CheckpointID returns the checkpoint key a replicator with the given
// configuration stores its progress under, exposed for inspection
// tooling.
func CheckpointID(database *db.Database, cfg Config) string {
	return checkpointID(database, &cfg)
}

func newCheckpointer(database *db.Database, cfg *Config) (*checkpointer, error) {
	store, err := database.CheckpointStore()
	if err != nil {
		return nil, err
	}
	id := checkpointID(database, cfg)
	return &checkpointer{
		database: database,
		store:    store,
		id:       id,
		logger:      logging.New("replicator.checkpointer", logging.NewField("checkpoint", id)),
		acked:       make(map[uint64]bool),
		remoteAcked: make(map[uint64]bool),
	}, nil
}

// load reads the local checkpoint and reconciles it with the remote's
// copy. Disagreement resets progress to the older of the two, which is
// always safe: replication re-sends, it never skips.
func (c *checkpointer) load(ctx context.Context, socket *blip.Socket) error {
	local, err := c.loadLocal(ctx)
	if err != nil {
		return err
	}

	remote, err := c.loadRemote(ctx, socket)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The local copy is authoritative when the remote has no record of
	// this checkpoint; a disagreeing remote wins downward, since
	// replication re-sends but never skips.
	c.localSeq = parseSeq(local.Local)
	c.remoteSeq = parseSeq(local.Remote)
	if remote != (checkpointBody{}) {
		c.localSeq = minSeq(c.localSeq, parseSeq(remote.Local))
		c.remoteSeq = minSeq(c.remoteSeq, parseSeq(remote.Remote))
	}
	c.logger.Infof("starting from localSeq=%d remoteSeq=%d", c.localSeq, c.remoteSeq)
	return nil
}

func (c *checkpointer) loadLocal(ctx context.Context) (checkpointBody, error) {
	rec, err := c.store.Get(ctx, c.id, storage.EntireBody)
	if errors.Is(err, storage.ErrNotFound) {
		return checkpointBody{}, nil
	}
	if err != nil {
		return checkpointBody{}, err
	}

	var body checkpointBody
	if err := json.Unmarshal(rec.Body, &body); err != nil {
		return checkpointBody{}, errors.Corrupt(fmt.Sprintf("checkpoint %s: %s", c.id, err))
	}
	return body, nil
}

func (c *checkpointer) loadRemote(ctx context.Context, socket *blip.Socket) (checkpointBody, error) {
	req := blip.NewRequest(profileGetCheckpoint)
	req.Properties[propClient] = c.id

	reply, err := socket.SendRequest(ctx, req)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeRemote {
			// A remote that has never seen this checkpoint is a fresh
			// start, not a failure.
			return checkpointBody{}, nil
		}
		return checkpointBody{}, err
	}

	var body checkpointBody
	if len(reply.Body) > 0 {
		if err := json.Unmarshal(reply.Body, &body); err != nil {
			return checkpointBody{}, errors.Corrupt(fmt.Sprintf("remote checkpoint: %s", err))
		}
	}
	return body, nil
}

// save persists the progress locally and mirrors it to the remote.
func (c *checkpointer) save(ctx context.Context, socket *blip.Socket) error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	body := checkpointBody{
		Local:  strconv.FormatUint(c.localSeq, 10),
		Remote: strconv.FormatUint(c.remoteSeq, 10),
	}
	c.dirty = false
	c.mu.Unlock()

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	err = c.database.WithTransaction(ctx, func(txn storage.Transaction) error {
		// Progress must survive a crash; flush the WAL with the commit.
		txn.SetWALFlush()
		return c.store.SetRaw(ctx, c.id, encoded, txn)
	})
	if err != nil {
		return err
	}

	if socket != nil {
		req := blip.NewRequest(profileSetCheckpoint)
		req.Properties[propClient] = c.id
		req.Body = encoded
		if _, err := socket.SendRequest(ctx, req); err != nil {
			// The local copy is authoritative; a failed mirror only costs
			// re-scanning on the next session.
			c.logger.Warnf("mirror checkpoint to remote: %s", err)
		}
	}
	return nil
}

// idle reports that no pushed or pulled sequence is awaiting completion.
func (c *checkpointer) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) == 0 && len(c.remotePending) == 0
}

// sequences returns the current progress pair.
func (c *checkpointer) sequences() (localSeq, remoteSeq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSeq, c.remoteSeq
}

// setRemoteSeq advances pull progress directly, used when the peer
// reports being caught up with no revisions outstanding.
func (c *checkpointer) setRemoteSeq(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remotePending) == 0 && seq > c.remoteSeq {
		c.remoteSeq = seq
		c.dirty = true
	}
}

// addRemotePending registers a remote sequence whose revision is being
// transferred.
func (c *checkpointer) addRemotePending(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remotePending = append(c.remotePending, seq)
	sort.Slice(c.remotePending, func(i, j int) bool { return c.remotePending[i] < c.remotePending[j] })
}

// completeRemotePending marks a pulled sequence done (inserted, skipped
// or failed permanently) and advances the contiguous frontier.
func (c *checkpointer) completeRemotePending(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remoteAcked[seq] = true
	for len(c.remotePending) > 0 && c.remoteAcked[c.remotePending[0]] {
		delete(c.remoteAcked, c.remotePending[0])
		if c.remotePending[0] > c.remoteSeq {
			c.remoteSeq = c.remotePending[0]
			c.dirty = true
		}
		c.remotePending = c.remotePending[1:]
	}
}

// addPending registers a pushed sequence awaiting its ack.
func (c *checkpointer) addPending(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, seq)
	sort.Slice(c.pending, func(i, j int) bool { return c.pending[i] < c.pending[j] })
}

// completePending marks a pushed sequence acked. The local checkpoint
// advances to the highest sequence with no older sequence outstanding,
// so an out-of-order ack never over-advances progress.
func (c *checkpointer) completePending(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.acked[seq] = true
	for len(c.pending) > 0 && c.acked[c.pending[0]] {
		delete(c.acked, c.pending[0])
		if c.pending[0] > c.localSeq {
			c.localSeq = c.pending[0]
			c.dirty = true
		}
		c.pending = c.pending[1:]
	}
}

func parseSeq(s string) uint64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func minSeq(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
