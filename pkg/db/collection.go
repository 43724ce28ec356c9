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

package db

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/perchdb/perch/internal/logging"
	"github.com/perchdb/perch/pkg/blob"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/db/tracker"
	"github.com/perchdb/perch/pkg/document"
	"github.com/perchdb/perch/pkg/document/vtime"
	"github.com/perchdb/perch/pkg/errors"
	"github.com/perchdb/perch/pkg/metrics"
	"github.com/perchdb/perch/pkg/query"
)

// Collection is a named partition of a database's documents with its own
// sequence counter, expiration index and observers.
type Collection struct {
	db      *Database
	name    string
	ks      storage.KeyStore
	tracker *tracker.Tracker
	logger  logging.Logger

	// cache holds recently read records; any write to a document evicts
	// its entry.
	cache *lru.Cache[string, storage.Record]
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Database returns the owning database.
func (c *Collection) Database() *Database { return c.db }

// KeyStore exposes the backing key-store, used by the query planner.
func (c *Collection) KeyStore() storage.KeyStore { return c.ks }

// GetDocument loads the document with the given ID.
func (c *Collection) GetDocument(ctx context.Context, docID string, content storage.ContentOption) (*document.Document, error) {
	if err := document.ValidateDocID(docID); err != nil {
		return nil, err
	}

	if content == storage.EntireBody {
		if rec, ok := c.cache.Get(docID); ok {
			return document.FromRecord(rec)
		}
	}

	rec, err := c.ks.Get(ctx, docID, content)
	if err != nil {
		return nil, err
	}
	if content == storage.EntireBody && !c.db.store.InTransaction() {
		c.cache.Add(docID, rec)
	}
	return document.FromRecord(rec)
}

// PutRequest describes a document write at the collection level.
type PutRequest struct {
	DocID string
	Body  document.Body

	// ParentRevID is the revision being updated; the null RevID targets
	// the current revision (or creates the document).
	ParentRevID vtime.RevID

	// ExistingRevID with History inserts a replicated revision.
	ExistingRevID vtime.RevID
	History       []vtime.RevID

	Deleted       bool
	AllowConflict bool
}

// PutResult reports a completed write.
type PutResult struct {
	Doc      *document.Document
	RevID    vtime.RevID
	Sequence uint64
	// Added is the number of revisions inserted; zero means the write was
	// a no-op (the revision was already known).
	Added int
}

// PutDocument writes a revision and commits it, notifying observers
// after the transaction lands.
func (c *Collection) PutDocument(ctx context.Context, req PutRequest) (*PutResult, error) {
	var result *PutResult
	err := c.db.WithTransaction(ctx, func(txn storage.Transaction) error {
		var err error
		result, err = c.putDocumentInTxn(ctx, req, txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PutDocumentInTxn writes a revision inside an already-open transaction.
// Observer notification still waits for the outermost commit.
func (c *Collection) PutDocumentInTxn(ctx context.Context, req PutRequest, txn storage.Transaction) (*PutResult, error) {
	return c.putDocumentInTxn(ctx, req, txn)
}

func (c *Collection) putDocumentInTxn(ctx context.Context, req PutRequest, txn storage.Transaction) (*PutResult, error) {
	if err := document.ValidateDocID(req.DocID); err != nil {
		return nil, err
	}
	c.cache.Remove(req.DocID)

	doc, err := c.GetDocument(ctx, req.DocID, storage.EntireBody)
	if errors.Is(err, storage.ErrNotFound) {
		doc, err = document.New(req.DocID)
	}
	if err != nil {
		return nil, err
	}

	docReq := document.PutRequest{
		Body:           req.Body,
		ParentRevID:    req.ParentRevID,
		ExistingRevID:  req.ExistingRevID,
		History:        req.History,
		Deleted:        req.Deleted,
		AllowConflict:  req.AllowConflict,
		VersionVectors: c.db.cfg.VersionVectors,
		LocalPeer:      c.db.PeerID(),
	}

	result := &PutResult{Doc: doc}
	if req.ExistingRevID.IsZero() {
		revID, err := doc.PutNewRevision(docReq)
		if err != nil {
			return nil, err
		}
		result.RevID = revID
		result.Added = 1
	} else {
		added, err := doc.PutExistingRevision(docReq)
		if err != nil {
			return nil, err
		}
		if added == 0 {
			result.RevID = req.ExistingRevID
			return result, nil
		}
		result.RevID = req.ExistingRevID
		result.Added = added
	}

	seq, err := doc.Save(ctx, c.ks, txn, c.db.cfg.MaxRevTreeDepth)
	if err != nil {
		return nil, err
	}
	result.Sequence = seq

	change := tracker.Change{
		DocID:    req.DocID,
		Sequence: seq,
		RevID:    doc.RevID(),
	}
	if doc.Deleted() {
		change.Flags |= tracker.ChangeDeleted
	}
	txn.OnCommit(func() {
		c.tracker.AddChange(change)
		metrics.DocumentsSaved.WithLabelValues(c.db.name, c.name).Inc()
		metrics.CommitsTotal.WithLabelValues(c.db.name).Inc()
	})
	return result, nil
}

// DeleteDocument writes a tombstone revision for the document.
func (c *Collection) DeleteDocument(ctx context.Context, docID string, parent vtime.RevID) (*PutResult, error) {
	return c.PutDocument(ctx, PutRequest{
		DocID:       docID,
		ParentRevID: parent,
		Deleted:     true,
	})
}

// PurgeDocument removes the document from storage entirely and emits a
// purge notification.
func (c *Collection) PurgeDocument(ctx context.Context, docID string) error {
	return c.db.WithTransaction(ctx, func(txn storage.Transaction) error {
		removed, err := c.ks.Del(ctx, docID, txn)
		if err != nil {
			return err
		}
		if !removed {
			return storage.ErrNotFound
		}
		c.cache.Remove(docID)
		txn.OnCommit(func() {
			c.tracker.AddChange(tracker.Change{
				DocID: docID,
				Flags: tracker.ChangePurged,
			})
		})
		return nil
	})
}

// SetDocumentExpiration schedules (or with zero, clears) the document's
// expiration and reschedules the sweeper.
func (c *Collection) SetDocumentExpiration(ctx context.Context, docID string, when int64) error {
	err := c.db.WithTransaction(ctx, func(txn storage.Transaction) error {
		if err := c.ks.SetExpiration(ctx, docID, when, txn); err != nil {
			return err
		}
		c.cache.Remove(docID)
		return nil
	})
	if err != nil {
		return err
	}
	c.db.sweeper.schedule()
	return nil
}

// NextExpiration returns the earliest pending expiration, or zero.
func (c *Collection) NextExpiration(ctx context.Context) (int64, error) {
	return c.ks.NextExpiration(ctx)
}

// LastSequence returns the latest sequence committed in this collection.
func (c *Collection) LastSequence(ctx context.Context) (uint64, error) {
	return c.ks.LastSequence(ctx)
}

// DocumentCount returns the number of live documents.
func (c *Collection) DocumentCount(ctx context.Context) (uint64, error) {
	return c.ks.DocumentCount(ctx)
}

// countingIterator keeps the database open-enumerator count accurate.
type countingIterator struct {
	storage.Iterator
	db     *Database
	closed bool
}

func (it *countingIterator) Close() error {
	if !it.closed {
		it.closed = true
		it.db.enumerators.Add(-1)
	}
	return it.Iterator.Close()
}

// EnumerateDocuments returns a lazy sequence of records.
func (c *Collection) EnumerateDocuments(ctx context.Context, opts storage.EnumerateOptions) (storage.Iterator, error) {
	it, err := c.ks.Enumerate(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.db.enumerators.Add(1)
	return &countingIterator{Iterator: it, db: c.db}, nil
}

// EnumerateChanges returns records changed since the given sequence, in
// sequence order.
func (c *Collection) EnumerateChanges(ctx context.Context, since uint64, content storage.ContentOption) (storage.Iterator, error) {
	return c.EnumerateDocuments(ctx, storage.EnumerateOptions{
		Since:          since,
		IncludeDeleted: true,
		Content:        content,
	})
}

// CreateIndex creates a secondary index on the collection.
func (c *Collection) CreateIndex(ctx context.Context, spec storage.IndexSpec) error {
	return c.ks.CreateIndex(ctx, spec)
}

// DeleteIndex removes the named index.
func (c *Collection) DeleteIndex(ctx context.Context, name string) error {
	return c.ks.DeleteIndex(ctx, name)
}

// IndexesInfo lists the collection's indexes.
func (c *Collection) IndexesInfo(ctx context.Context) ([]storage.IndexInfo, error) {
	return c.ks.IndexesInfo(ctx)
}

// ObserveCollection registers a coalesced observer for any change.
func (c *Collection) ObserveCollection(since uint64, callback func()) *tracker.CollectionObserver {
	return c.tracker.ObserveCollection(since, callback)
}

// ObserveDocument registers an observer for one document.
func (c *Collection) ObserveDocument(docID string, callback func(tracker.Change)) *tracker.DocumentObserver {
	return c.tracker.ObserveDocument(docID, callback)
}

// Tracker exposes the change tail, used by the replicator's changes feed.
func (c *Collection) Tracker() *tracker.Tracker {
	return c.tracker
}

// QueryCompiler returns a compiler translating query ASTs against this
// collection and its current indexes. Recreate it after index changes.
func (c *Collection) QueryCompiler(ctx context.Context) (*query.Compiler, error) {
	infos, err := c.ks.IndexesInfo(ctx)
	if err != nil {
		return nil, err
	}
	return query.NewCompiler("kv_"+c.name, infos)
}

// ExplainQuery compiles the query AST and returns the SQL it would run.
func (c *Collection) ExplainQuery(ctx context.Context, ast any) (string, error) {
	compiler, err := c.QueryCompiler(ctx)
	if err != nil {
		return "", err
	}
	return compiler.Explain(ast)
}

// liveBlobKeys collects the blob keys referenced by any persisted
// revision body into keep.
func (c *Collection) liveBlobKeys(ctx context.Context, keep map[blob.Key]bool) error {
	it, err := c.EnumerateDocuments(ctx, storage.EnumerateOptions{
		IncludeDeleted: true,
		Content:        storage.EntireBody,
	})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()

	for it.Next() {
		rec := it.Record()
		doc, err := document.FromRecord(rec)
		if err != nil {
			return err
		}
		tree := doc.Tree()
		for rev, ok := tree.First(); ok; rev, ok = tree.Next(rev.ID) {
			body, err := document.DecodeBody(rev.Body)
			if err != nil {
				continue
			}
			for _, ref := range document.Attachments(body) {
				key, err := blob.KeyFromDigest(ref.Digest)
				if err == nil {
					keep[key] = true
				}
			}
		}
	}
	return it.Err()
}
