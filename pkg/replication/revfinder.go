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
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/document/vtime"
	"github.com/perchdb/perch/pkg/errors"
	"github.com/perchdb/perch/pkg/replication/blip"
)

// serveChanges is the RevFinder: it receives a remote changes batch,
// diffs each announced revision against the local tree and replies with
// the per-change verdicts. Sequences of revisions we want are registered
// in the pull window; unwanted ones complete immediately so the
// checkpoint can pass them.
func (r *Replicator) serveChanges(req *blip.Message) (*blip.Message, error) {
	entries, err := decodeChanges(req.Body)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		// An empty batch means the remote feed is caught up.
		r.pullCaughtUp()
		return nil, nil
	}

	reply := make(changesReply, len(entries))
	for i, entry := range entries {
		revID, err := vtime.ParseRevID(entry.RevID)
		if err != nil {
			r.recordDocError(entry.DocID, false, err)
			continue
		}

		doc, err := r.coll.GetDocument(r.ctx, entry.DocID, storage.MetaOnly)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Unknown document: want the whole history.
			reply[i] = []string{}
		case err != nil:
			r.recordDocError(entry.DocID, false, err)
			continue
		case doc.Tree().Contains(revID):
			// Already known; nothing to transfer.
		default:
			// Known document, new revision: list the leaves we have so
			// the sender can trim the history it ships.
			ancestors := []string{}
			for _, leaf := range doc.Tree().Leaves() {
				ancestors = append(ancestors, leaf.ID.String())
			}
			reply[i] = ancestors
		}

		if reply[i] != nil {
			r.checkpointer.addRemotePending(entry.Sequence)
		}
	}

	// Sequences we did not ask for are already as good as pulled.
	for i, entry := range entries {
		if reply[i] == nil {
			r.checkpointer.addRemotePending(entry.Sequence)
			r.checkpointer.completeRemotePending(entry.Sequence)
		}
	}

	body, err := encodeChangesReply(reply)
	if err != nil {
		return nil, err
	}

	out := req.Response()
	out.Compressed = true
	out.Body = body
	return out, nil
}

// serveNoRev handles the remote's notice that an announced revision is
// not coming; the sequence completes so the checkpoint can move on.
func (r *Replicator) serveNoRev(req *blip.Message) (*blip.Message, error) {
	seq := parseSeq(req.Properties[propSequence])
	if seq > 0 {
		r.checkpointer.completeRemotePending(seq)
	}
	r.recordDocError(req.Properties[propDocID], false,
		errors.Remote("remote skipped revision: "+req.Properties[propReason]))
	return nil, nil
}
