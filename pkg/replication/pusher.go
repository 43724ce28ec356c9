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
	"strconv"
	"sync"

	"github.com/perchdb/perch/pkg/blob"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/document"
	"github.com/perchdb/perch/pkg/document/vtime"
	"github.com/perchdb/perch/pkg/errors"
	"github.com/perchdb/perch/pkg/metrics"
	"github.com/perchdb/perch/pkg/replication/blip"
)

// changesFeed enumerates local changes since the push checkpoint and
// streams batches to the pusher. It is also driven by a remote
// subChanges subscription, in which case the outgoing profile is
// "changes" rather than "proposeChanges".
type changesFeed struct {
	r *Replicator

	mu        sync.Mutex
	lastSeq   uint64
	profile   string
	onDrained func()
	running   bool
}

// start positions the feed and begins pumping batches.
func (f *changesFeed) start(since uint64, profile string, onDrained func()) {
	f.mu.Lock()
	f.lastSeq = since
	f.profile = profile
	f.onDrained = onDrained
	f.mu.Unlock()
	f.poke()
}

// poke re-runs the feed from its cursor; used by the collection observer
// in continuous mode.
func (f *changesFeed) poke() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()
	go f.pump()
}

func (f *changesFeed) pump() {
	r := f.r
	ctx := r.ctx

	for {
		f.mu.Lock()
		since := f.lastSeq
		profile := f.profile
		f.mu.Unlock()

		batch, lastSeq, err := f.nextBatch(ctx, since)
		if err != nil {
			r.fail(err)
			return
		}
		if len(batch) == 0 {
			break
		}

		f.mu.Lock()
		f.lastSeq = lastSeq
		f.mu.Unlock()

		entries := batch
		if !r.pusher.post(func() { r.pushBatch(entries, profile) }) {
			return
		}
	}

	f.mu.Lock()
	f.running = false
	onDrained := f.onDrained
	f.mu.Unlock()

	// The drained signal goes through the pusher mailbox so it lands
	// after every batch already in flight; the receiver must see the
	// batches before the caught-up marker.
	if onDrained != nil {
		r.pusher.post(onDrained)
	}
}

func (f *changesFeed) nextBatch(ctx context.Context, since uint64) ([]changeEntry, uint64, error) {
	r := f.r

	it, err := r.coll.EnumerateChanges(ctx, since, storage.MetaOnly)
	if err != nil {
		return nil, since, err
	}
	defer func() { _ = it.Close() }()

	var entries []changeEntry
	lastSeq := since
	for it.Next() {
		rec := it.Record()
		doc, err := document.FromRecord(rec)
		if err != nil {
			r.recordDocError(rec.Key, true, err)
			lastSeq = rec.Sequence
			continue
		}

		entries = append(entries, changeEntry{
			Sequence: rec.Sequence,
			DocID:    rec.Key,
			RevID:    doc.RevID().String(),
			Deleted:  doc.Deleted(),
		})
		lastSeq = rec.Sequence
		if len(entries) >= r.cfg.ChangesBatchSize {
			break
		}
	}
	return entries, lastSeq, it.Err()
}

// pushBatch sends one changes (or proposeChanges) message and pushes the
// revisions the remote asked for.
func (r *Replicator) pushBatch(entries []changeEntry, profile string) {
	body, err := encodeChanges(entries)
	if err != nil {
		r.fail(err)
		return
	}

	req := blip.NewRequest(profile)
	req.Body = body
	req.Compressed = true

	reply, err := r.socket.SendRequest(r.ctx, req)
	if err != nil {
		r.fail(err)
		return
	}

	wants, err := decodeChangesReply(reply.Body)
	if err != nil {
		r.fail(err)
		return
	}

	for i, entry := range entries {
		r.checkpointer.addPending(entry.Sequence)

		var ancestors []string
		wanted := false
		if i < len(wants) && wants[i] != nil {
			wanted = true
			ancestors = wants[i]
		}
		if !wanted {
			r.checkpointer.completePending(entry.Sequence)
			continue
		}

		r.pushRevision(entry, ancestors)
	}
}

// pushRevision assembles the revision body and history and sends it as a
// single rev message, advancing the checkpoint when the remote acks.
func (r *Replicator) pushRevision(entry changeEntry, remoteAncestors []string) {
	ctx := r.ctx

	doc, err := r.coll.GetDocument(ctx, entry.DocID, storage.EntireBody)
	if err != nil {
		r.recordDocError(entry.DocID, true, err)
		r.checkpointer.completePending(entry.Sequence)
		r.sendNoRev(entry, err)
		return
	}

	info, ok := doc.SelectedRevision()
	if revID, perr := parseEntryRevID(entry.RevID); perr == nil {
		info, ok = doc.SelectRevision(revID)
	}
	if !ok {
		err := errors.NotFound("revision vanished before push")
		r.recordDocError(entry.DocID, true, err)
		r.checkpointer.completePending(entry.Sequence)
		r.sendNoRev(entry, err)
		return
	}

	history := doc.Tree().History(info.ID)
	history = trimHistoryAt(history, remoteAncestors)

	req := blip.NewRequest(profileRev)
	req.Compressed = true
	req.Properties[propDocID] = entry.DocID
	req.Properties[propRevID] = info.ID.String()
	req.Properties[propSequence] = strconv.FormatUint(entry.Sequence, 10)
	req.Properties[propHistory] = encodeHistory(history)
	if info.IsDeleted() {
		req.Properties[propDeleted] = "1"
	}
	req.Body = info.Body

	if _, err := r.socket.SendRequest(ctx, req); err != nil {
		if errors.CodeOf(err) == errors.CodeRemote {
			// The remote rejected this document; skip it and continue.
			r.recordDocError(entry.DocID, true, err)
			r.checkpointer.completePending(entry.Sequence)
			return
		}
		r.fail(err)
		return
	}

	r.checkpointer.completePending(entry.Sequence)
	r.addProgress(1)
	metrics.DocumentsPushed.WithLabelValues(r.id).Inc()
}

// sendNoRev tells the remote a announced revision will not arrive.
func (r *Replicator) sendNoRev(entry changeEntry, cause error) {
	msg := blip.NewRequest(profileNoRev)
	msg.Properties[propDocID] = entry.DocID
	msg.Properties[propRevID] = entry.RevID
	msg.Properties[propSequence] = strconv.FormatUint(entry.Sequence, 10)
	msg.Properties[propReason] = cause.Error()
	if err := r.socket.SendNoReply(msg); err != nil {
		r.logger.Debugf("send norev: %s", err)
	}
}

// serveGetAttachment answers the remote's request for a blob the pushed
// body references.
func (r *Replicator) serveGetAttachment(req *blip.Message) (*blip.Message, error) {
	key, err := blobKeyOf(req.Properties[propDigest])
	if err != nil {
		return nil, err
	}

	contents, err := r.database.BlobStore().GetContents(key)
	if err != nil {
		return nil, err
	}

	metrics.BlobBytesTransferred.WithLabelValues(r.id, "out").Add(float64(len(contents)))
	reply := req.Response()
	reply.Compressed = true
	reply.Body = contents
	return reply, nil
}

// trimHistoryAt cuts the history at the first ancestor the remote
// already has; everything older is redundant on the wire.
func trimHistoryAt(history []vtime.RevID, remoteAncestors []string) []vtime.RevID {
	if len(remoteAncestors) == 0 {
		return history
	}
	known := make(map[string]bool, len(remoteAncestors))
	for _, a := range remoteAncestors {
		known[a] = true
	}
	for i, id := range history {
		if known[id.String()] {
			return history[:i+1]
		}
	}
	return history
}

func parseEntryRevID(s string) (vtime.RevID, error) {
	return vtime.ParseRevID(s)
}

func blobKeyOf(digest string) (blob.Key, error) {
	return blob.KeyFromDigest(digest)
}
