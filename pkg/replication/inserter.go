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
	"fmt"

	"github.com/perchdb/perch/pkg/blob"
	"github.com/perchdb/perch/pkg/db"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/document"
	"github.com/perchdb/perch/pkg/document/vtime"
	"github.com/perchdb/perch/pkg/errors"
	"github.com/perchdb/perch/pkg/metrics"
	"github.com/perchdb/perch/pkg/replication/blip"
)

// incomingRev is a received revision queued for insertion.
type incomingRev struct {
	docID    string
	revID    vtime.RevID
	history  []vtime.RevID
	body     document.Body
	deleted  bool
	sequence uint64
	// attachments carries blob contents fetched ahead of the insert,
	// keyed by digest.
	attachments map[blob.Key][]byte
	// reply answers the rev message after the batch commits.
	reply func(error)
}

// servePulledRev is the Puller: it validates a pushed revision, fetches
// any attachments the body references that the local store is missing,
// and hands the revision to the inserter. The reply to the rev message
// is deferred until the insert batch commits.
func (r *Replicator) servePulledRev(req *blip.Message) (*blip.Message, error) {
	revID, err := vtime.ParseRevID(req.Properties[propRevID])
	if err != nil {
		return nil, err
	}
	history, err := decodeHistory(req.Properties[propHistory])
	if err != nil {
		return nil, err
	}
	body, err := document.DecodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	rev := &incomingRev{
		docID:    req.Properties[propDocID],
		revID:    revID,
		history:  history,
		body:     body,
		deleted:  req.Properties[propDeleted] == "1",
		sequence: parseSeq(req.Properties[propSequence]),
	}
	if err := document.ValidateDocID(rev.docID); err != nil {
		return nil, err
	}

	// Pull the attachments the body claims before the insert, so a
	// committed revision never references a missing blob.
	for _, ref := range document.Attachments(body) {
		key, err := blob.KeyFromDigest(ref.Digest)
		if err != nil {
			return nil, err
		}
		if r.database.BlobStore().Has(key) {
			continue
		}
		contents, err := r.fetchAttachment(key)
		if err != nil {
			return nil, err
		}
		if rev.attachments == nil {
			rev.attachments = make(map[blob.Key][]byte)
		}
		rev.attachments[key] = contents
	}

	// The reply waits for the batch commit; answering asynchronously
	// keeps the socket's dispatch loop free so revisions keep
	// accumulating into the batch.
	rev.reply = func(err error) {
		var reply *blip.Message
		if err != nil {
			reply = req.ErrorResponse(errors.DomainOf(err), int(errors.CodeOf(err)), err.Error())
		} else {
			reply = req.Response()
		}
		if serr := r.socket.SendReply(reply); serr != nil {
			r.logger.Debugf("reply to rev: %s", serr)
		}
	}

	if !r.inserter.post(func() { r.insertRev(rev) }) {
		return nil, errors.Canceled("replicator stopping")
	}
	return blip.ReplyLater, nil
}

// fetchAttachment requests a blob from the remote and verifies its
// digest.
func (r *Replicator) fetchAttachment(key blob.Key) ([]byte, error) {
	req := blip.NewRequest(profileGetAttachment)
	req.Properties[propDigest] = key.Digest()

	reply, err := r.socket.SendRequest(r.ctx, req)
	if err != nil {
		return nil, err
	}
	if blob.KeyFromContent(reply.Body) != key {
		return nil, errors.CorruptData(fmt.Sprintf("attachment %s digest mismatch", key))
	}

	metrics.BlobBytesTransferred.WithLabelValues(r.id, "in").Add(float64(len(reply.Body)))
	return reply.Body, nil
}

// insertRev batches revisions into a single write transaction: the first
// post opens the batch, and a trailing flush task (queued behind every
// rev already in the mailbox) commits it.
func (r *Replicator) insertRev(rev *incomingRev) {
	r.insertBatch = append(r.insertBatch, rev)
	if len(r.insertBatch) == 1 {
		r.inserter.post(func() { r.flushInserts() })
	}
}

// flushInserts commits the accumulated batch in one transaction.
func (r *Replicator) flushInserts() {
	batch := r.insertBatch
	r.insertBatch = nil
	if len(batch) == 0 {
		return
	}

	ctx := r.ctx
	results := make([]error, len(batch))

	err := r.database.WithTransaction(ctx, func(txn storage.Transaction) error {
		for i, rev := range batch {
			results[i] = r.insertOne(ctx, rev, txn)
		}
		return nil
	})

	for i, rev := range batch {
		res := results[i]
		if err != nil {
			res = err
		}
		if res != nil {
			r.recordDocError(rev.docID, false, res)
		} else {
			r.addProgress(1)
			metrics.DocumentsPulled.WithLabelValues(r.id).Inc()
		}
		if rev.sequence > 0 {
			r.checkpointer.completeRemotePending(rev.sequence)
		}
		rev.reply(res)
	}
	r.maybeComplete()
}

// insertOne stages the revision's attachments and inserts it with its
// history inside the batch transaction.
func (r *Replicator) insertOne(ctx context.Context, rev *incomingRev, txn storage.Transaction) error {
	for key, contents := range rev.attachments {
		pending, err := r.database.NewPendingBlob(txn)
		if err != nil {
			return err
		}
		if _, err := pending.Stream.Write(contents); err != nil {
			return err
		}
		expected := key
		if _, err := pending.Stage(txn, &expected); err != nil {
			return err
		}
	}

	_, err := r.coll.PutDocumentInTxn(ctx, db.PutRequest{
		DocID:         rev.docID,
		Body:          rev.body,
		ExistingRevID: rev.revID,
		History:       rev.history,
		Deleted:       rev.deleted,
		AllowConflict: true,
	}, txn)
	return err
}
