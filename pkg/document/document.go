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

// Package document assembles logical documents from stored records and
// revision trees, and encodes them back for storage.
package document

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/document/revtree"
	"github.com/perchdb/perch/pkg/document/vtime"
	"github.com/perchdb/perch/pkg/errors"
)

// MaxDocIDLength is the maximum length of a document ID in bytes.
const MaxDocIDLength = 250

// DefaultMaxRevTreeDepth is the pruning depth used when the database does
// not configure one.
const DefaultMaxRevTreeDepth = 20

// ValidateDocID checks that the given ID is usable as a document ID:
// non-empty, at most 250 bytes, valid UTF-8 without control characters.
func ValidateDocID(docID string) error {
	if docID == "" {
		return errors.InvalidArgument("document id is empty")
	}
	if len(docID) > MaxDocIDLength {
		return errors.InvalidArgument(fmt.Sprintf(
			"document id exceeds %d bytes", MaxDocIDLength))
	}
	if !utf8.ValidString(docID) {
		return errors.InvalidArgument("document id is not valid UTF-8")
	}
	for _, r := range docID {
		if r < 0x20 || r == 0x7f {
			return errors.InvalidArgument("document id contains control characters")
		}
	}
	return nil
}

// Document is a logical document: a stored record plus its decoded
// revision tree.
type Document struct {
	id       string
	tree     *revtree.Tree
	sequence uint64
	exists   bool
	expires  int64

	// selected is the cursor the Select* operations move.
	selected vtime.RevID
}

// New creates an in-memory document that does not exist in storage yet.
func New(docID string) (*Document, error) {
	if err := ValidateDocID(docID); err != nil {
		return nil, err
	}
	return &Document{id: docID, tree: revtree.New()}, nil
}

// FromRecord reconstructs a document from a stored record, decoding the
// revision tree from the record's meta blob.
func FromRecord(record storage.Record) (*Document, error) {
	tree, err := revtree.Decode(record.Meta)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", record.Key, err)
	}

	doc := &Document{
		id:       record.Key,
		tree:     tree,
		sequence: record.Sequence,
		exists:   record.Exists,
		expires:  record.Expiration,
	}
	if current, ok := tree.Current(); ok {
		doc.selected = current.ID
		// The current body is stored in the record body column; the tree
		// keeps only non-current bodies.
		if current.Body == nil && record.Body != nil {
			tree.SetBody(current.ID, record.Body)
		}
	}
	return doc, nil
}

// ID returns the document ID.
func (d *Document) ID() string { return d.id }

// Sequence returns the sequence the document was last persisted at.
func (d *Document) Sequence() uint64 { return d.sequence }

// Exists returns whether the document has been persisted.
func (d *Document) Exists() bool { return d.exists }

// Expiration returns the scheduled expiration timestamp, or zero.
func (d *Document) Expiration() int64 { return d.expires }

// Tree exposes the underlying revision tree.
func (d *Document) Tree() *revtree.Tree { return d.tree }

// Deleted returns whether the current revision is a tombstone.
func (d *Document) Deleted() bool {
	current, ok := d.tree.Current()
	return ok && current.IsDeleted()
}

// Conflicted returns whether the document has more than one live leaf.
func (d *Document) Conflicted() bool {
	return d.tree.Conflicted()
}

// RevID returns the current revision ID.
func (d *Document) RevID() vtime.RevID {
	current, ok := d.tree.Current()
	if !ok {
		return vtime.NullRevID
	}
	return current.ID
}

// SelectCurrent moves the cursor to the current revision.
func (d *Document) SelectCurrent() (revtree.RevInfo, bool) {
	current, ok := d.tree.Current()
	if ok {
		d.selected = current.ID
	}
	return current, ok
}

// SelectRevision moves the cursor to the given revision.
func (d *Document) SelectRevision(id vtime.RevID) (revtree.RevInfo, bool) {
	info, ok := d.tree.Get(id)
	if ok {
		d.selected = id
	}
	return info, ok
}

// SelectParent moves the cursor to the parent of the selection.
func (d *Document) SelectParent() (revtree.RevInfo, bool) {
	info, ok := d.tree.Parent(d.selected)
	if ok {
		d.selected = info.ID
	}
	return info, ok
}

// SelectNext moves the cursor to the next revision in storage order,
// visiting every revision of the document.
func (d *Document) SelectNext() (revtree.RevInfo, bool) {
	info, ok := d.tree.Next(d.selected)
	if ok {
		d.selected = info.ID
	}
	return info, ok
}

// SelectNextLeaf moves the cursor to the next leaf in descending
// (generation, revID) order.
func (d *Document) SelectNextLeaf() (revtree.RevInfo, bool) {
	info, ok := d.tree.NextLeaf(d.selected)
	if ok {
		d.selected = info.ID
	}
	return info, ok
}

// SelectedRevision returns the revision under the cursor.
func (d *Document) SelectedRevision() (revtree.RevInfo, bool) {
	return d.tree.Get(d.selected)
}

// PutRequest describes a revision write.
type PutRequest struct {
	Body Body
	// ExistingRevID with History is the replicator path: insert the given
	// revision with its ancestor chain. When zero, a new revision is
	// created as a child of ParentRevID.
	ExistingRevID vtime.RevID
	History       []vtime.RevID
	ParentRevID   vtime.RevID
	Deleted       bool
	AllowConflict bool
	// VersionVectors selects the vector encoding for new revision IDs.
	VersionVectors bool
	LocalPeer      vtime.PeerID
}

// PutNewRevision creates a new revision from the request and returns its
// ID. The parent defaults to the current revision.
func (d *Document) PutNewRevision(req PutRequest) (vtime.RevID, error) {
	encoded, err := EncodeBody(req.Body)
	if err != nil {
		return vtime.NullRevID, err
	}

	parent := req.ParentRevID
	if parent.IsZero() {
		parent = d.RevID()
	} else if !d.tree.Contains(parent) {
		return vtime.NullRevID, errors.Conflict(fmt.Sprintf(
			"parent revision %s not found", parent))
	}

	var flags revtree.Flags
	if req.Deleted {
		flags |= revtree.Deleted
	}
	if len(Attachments(req.Body)) > 0 {
		flags |= revtree.HasAttachments
	}

	var newID vtime.RevID
	if req.VersionVectors {
		newID = vtime.MakeVersionRevID(parent, req.LocalPeer, req.LocalPeer)
	} else {
		newID = vtime.MakeRevID(parent, req.Deleted, encoded)
	}

	if err := d.tree.Insert(newID, encoded, parent, flags, req.AllowConflict); err != nil {
		return vtime.NullRevID, err
	}
	d.selected = newID
	return newID, nil
}

// PutExistingRevision inserts a replicated revision with its history. It
// returns the number of revisions added; zero means it was already known.
func (d *Document) PutExistingRevision(req PutRequest) (int, error) {
	if req.ExistingRevID.IsZero() {
		return 0, errors.InvalidArgument("existing revision id is required")
	}

	encoded, err := EncodeBody(req.Body)
	if err != nil {
		return 0, err
	}

	var flags revtree.Flags
	if req.Deleted {
		flags |= revtree.Deleted
	}
	if len(Attachments(req.Body)) > 0 {
		flags |= revtree.HasAttachments
	}

	history := req.History
	if len(history) == 0 || !history[0].Equals(req.ExistingRevID) {
		history = append([]vtime.RevID{req.ExistingRevID}, history...)
	}

	added, err := d.tree.InsertHistory(history, encoded, flags)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		d.selected = req.ExistingRevID
	}
	return added, nil
}

// ResolveConflict resolves a conflict between two leaves; see
// revtree.Tree.ResolveConflict.
func (d *Document) ResolveConflict(
	winner, loser vtime.RevID,
	mergedBody Body,
) (vtime.RevID, error) {
	var encoded []byte
	if mergedBody != nil {
		var err error
		if encoded, err = EncodeBody(mergedBody); err != nil {
			return vtime.NullRevID, err
		}
	}
	id, err := d.tree.ResolveConflict(winner, loser, encoded, 0)
	if err != nil {
		return vtime.NullRevID, err
	}
	d.selected = id
	return id, nil
}

// Save prunes the tree to the given depth, encodes it and writes the
// record within the transaction. It returns the newly assigned sequence.
func (d *Document) Save(
	ctx context.Context,
	ks storage.KeyStore,
	txn storage.Transaction,
	maxRevTreeDepth int,
) (uint64, error) {
	if maxRevTreeDepth <= 0 {
		maxRevTreeDepth = DefaultMaxRevTreeDepth
	}
	d.tree.Prune(maxRevTreeDepth, 0)

	current, ok := d.tree.Current()
	if !ok {
		return 0, errors.NotFound(fmt.Sprintf("document %q has no revisions", d.id))
	}

	// The current body lives in the record's body column; the meta blob
	// carries the remaining tree.
	body := current.Body
	meta, err := d.tree.EncodeWithout(current.ID)
	if err != nil {
		return 0, err
	}

	var flags storage.RecordFlags
	if current.IsDeleted() {
		flags |= storage.RecordDeleted
	}
	if d.tree.Conflicted() {
		flags |= storage.RecordConflicted
	}
	if current.Flags&revtree.HasAttachments != 0 {
		flags |= storage.RecordHasAttachments
	}

	seq, err := ks.Set(ctx, storage.Record{
		Key:        d.id,
		Meta:       meta,
		Body:       body,
		Flags:      flags,
		Expiration: d.expires,
	}, txn)
	if err != nil {
		return 0, err
	}

	d.tree.SetSequence(current.ID, seq)
	d.sequence = seq
	d.exists = true
	return seq, nil
}
