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

package db_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/blob"
	"github.com/perchdb/perch/pkg/db"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/db/tracker"
	"github.com/perchdb/perch/pkg/document"
	"github.com/perchdb/perch/pkg/document/vtime"
	"github.com/perchdb/perch/pkg/errors"
)

// openDB opens a tree-form database; the revision-ID assertions below
// depend on "<gen>-<digest>" IDs.
func openDB(t *testing.T) *db.Database {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.VersionVectors = false

	database, err := db.Open(filepath.Join(t.TempDir(), "test"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	coll, err := database.DefaultCollection()
	require.NoError(t, err)

	result, err := coll.PutDocument(ctx, db.PutRequest{
		DocID: "doc1",
		Body:  document.Body{"x": float64(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, vtime.FormTree, result.RevID.Form())
	assert.Equal(t, 1, result.RevID.Generation())
	assert.Equal(t, uint64(1), result.Sequence)

	doc, err := coll.GetDocument(ctx, "doc1", storage.EntireBody)
	require.NoError(t, err)
	assert.Equal(t, result.RevID, doc.RevID())
	assert.Equal(t, uint64(1), doc.Sequence())

	current, ok := doc.SelectCurrent()
	assert.True(t, ok)
	body, err := document.DecodeBody(current.Body)
	assert.NoError(t, err)
	assert.Equal(t, document.Body{"x": float64(1)}, body)
}

func TestConflictCreation(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	coll, err := database.DefaultCollection()
	require.NoError(t, err)

	r1, err := coll.PutDocument(ctx, db.PutRequest{
		DocID: "doc1", Body: document.Body{"v": float64(1)},
	})
	require.NoError(t, err)

	_, err = coll.PutDocument(ctx, db.PutRequest{
		DocID: "doc1", Body: document.Body{"v": float64(2)}, ParentRevID: r1.RevID,
	})
	require.NoError(t, err)

	// A second child of r1 without allowConflict is rejected.
	_, err = coll.PutDocument(ctx, db.PutRequest{
		DocID: "doc1", Body: document.Body{"v": float64(3)}, ParentRevID: r1.RevID,
	})
	assert.Equal(t, errors.CodeConflict, errors.CodeOf(err))

	_, err = coll.PutDocument(ctx, db.PutRequest{
		DocID: "doc1", Body: document.Body{"v": float64(3)},
		ParentRevID: r1.RevID, AllowConflict: true,
	})
	require.NoError(t, err)

	doc, err := coll.GetDocument(ctx, "doc1", storage.EntireBody)
	require.NoError(t, err)
	assert.True(t, doc.Conflicted())

	current, ok := doc.SelectCurrent()
	assert.True(t, ok)
	next, ok := doc.SelectNextLeaf()
	assert.True(t, ok)
	assert.Equal(t, 2, current.ID.Generation())
	assert.Equal(t, 2, next.ID.Generation())
	assert.Positive(t, current.ID.Compare(next.ID))
}

func TestBlobInstallOnCommit(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)

	content := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB
	expected := blob.KeyFromContent(content)

	// Abort discards the staged blob.
	txn, err := database.BeginTransaction(ctx)
	require.NoError(t, err)
	pending, err := database.NewPendingBlob(txn)
	require.NoError(t, err)
	_, err = pending.Stream.Write(content)
	require.NoError(t, err)
	key, err := pending.Stage(txn, &expected)
	require.NoError(t, err)
	require.NoError(t, txn.Abort())

	_, err = database.BlobStore().GetContents(key)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))

	// Commit installs it.
	txn, err = database.BeginTransaction(ctx)
	require.NoError(t, err)
	pending, err = database.NewPendingBlob(txn)
	require.NoError(t, err)
	_, err = pending.Stream.Write(content)
	require.NoError(t, err)
	key, err = pending.Stage(txn, &expected)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	got, err := database.BlobStore().GetContents(key)
	require.NoError(t, err)
	assert.Equal(t, len(content), len(got))
	assert.Equal(t, blob.KeyFromContent(got), key)
}

func TestPruningKeepsCurrentRevID(t *testing.T) {
	ctx := context.Background()
	cfg := db.DefaultConfig()
	cfg.VersionVectors = false
	cfg.MaxRevTreeDepth = 20

	database, err := db.Open(filepath.Join(t.TempDir(), "prune"), cfg)
	require.NoError(t, err)
	defer func() { _ = database.Close() }()

	coll, err := database.DefaultCollection()
	require.NoError(t, err)

	var last vtime.RevID
	for i := 0; i < 50; i++ {
		result, err := coll.PutDocument(ctx, db.PutRequest{
			DocID:       "doc1",
			Body:        document.Body{"i": float64(i)},
			ParentRevID: last,
		})
		require.NoError(t, err)
		last = result.RevID
	}
	assert.Equal(t, 50, last.Generation())

	doc, err := coll.GetDocument(ctx, "doc1", storage.EntireBody)
	require.NoError(t, err)
	assert.Equal(t, last, doc.RevID())
	assert.LessOrEqual(t, doc.Tree().Len(), 20)
	assert.Len(t, doc.Tree().History(last), doc.Tree().Len())
}

func TestPurgeEmitsNotification(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	coll, err := database.DefaultCollection()
	require.NoError(t, err)

	_, err = coll.PutDocument(ctx, db.PutRequest{DocID: "doc1", Body: document.Body{}})
	require.NoError(t, err)

	purged := make(chan tracker.Change, 1)
	obs := coll.ObserveDocument("doc1", func(change tracker.Change) {
		purged <- change
	})
	defer obs.Remove()

	require.NoError(t, coll.PurgeDocument(ctx, "doc1"))

	select {
	case change := <-purged:
		assert.NotZero(t, change.Flags&tracker.ChangePurged)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for purge notification")
	}

	_, err = coll.GetDocument(ctx, "doc1", storage.MetaOnly)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))

	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(coll.PurgeDocument(ctx, "missing")))
}

func TestCollectionObserverCoalesces(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	coll, err := database.DefaultCollection()
	require.NoError(t, err)

	notified := make(chan struct{}, 16)
	obs := coll.ObserveCollection(0, func() {
		notified <- struct{}{}
	})
	defer obs.Remove()

	var parent vtime.RevID
	for i := 0; i < 5; i++ {
		result, err := coll.PutDocument(ctx, db.PutRequest{
			DocID: "doc1", Body: document.Body{"i": float64(i)}, ParentRevID: parent,
		})
		require.NoError(t, err)
		parent = result.RevID
	}

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for collection notification")
	}

	changes, overflow := obs.GetChanges(100)
	assert.False(t, overflow)
	assert.NotEmpty(t, changes)
	assert.Equal(t, "doc1", changes[0].DocID)
}

func TestExpirationSweep(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	coll, err := database.DefaultCollection()
	require.NoError(t, err)

	_, err = coll.PutDocument(ctx, db.PutRequest{DocID: "ephemeral", Body: document.Body{}})
	require.NoError(t, err)

	expired := make(chan tracker.Change, 1)
	obs := coll.ObserveDocument("ephemeral", func(change tracker.Change) {
		if change.Flags&tracker.ChangeExpired != 0 {
			expired <- change
		}
	})
	defer obs.Remove()

	when := time.Now().Add(200 * time.Millisecond).UnixMilli()
	require.NoError(t, coll.SetDocumentExpiration(ctx, "ephemeral", when))

	next, err := coll.NextExpiration(ctx)
	require.NoError(t, err)
	assert.Equal(t, when, next)

	select {
	case change := <-expired:
		assert.NotZero(t, change.Flags&tracker.ChangePurged)
	case <-time.After(10 * time.Second):
		t.Fatal("document was not expired")
	}

	_, err = coll.GetDocument(ctx, "ephemeral", storage.MetaOnly)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestDeleteDocumentWritesTombstone(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	coll, err := database.DefaultCollection()
	require.NoError(t, err)

	r1, err := coll.PutDocument(ctx, db.PutRequest{DocID: "doc1", Body: document.Body{}})
	require.NoError(t, err)

	r2, err := coll.DeleteDocument(ctx, "doc1", r1.RevID)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.RevID.Generation())

	doc, err := coll.GetDocument(ctx, "doc1", storage.EntireBody)
	require.NoError(t, err)
	assert.True(t, doc.Deleted())

	count, err := coll.DocumentCount(ctx)
	assert.NoError(t, err)
	assert.Zero(t, count)
}

func TestLastSequenceAdvances(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	coll, err := database.DefaultCollection()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := coll.PutDocument(ctx, db.PutRequest{
			DocID: "doc-" + string(rune('a'+i)), Body: document.Body{},
		})
		require.NoError(t, err)
	}

	last, err := coll.LastSequence(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

func TestUUIDsPersistAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	cfg := db.DefaultConfig()

	database, err := db.Open(path, cfg)
	require.NoError(t, err)
	uuids := database.UUIDs()
	require.NoError(t, database.Close())

	reopened, err := db.Open(path, cfg)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.Equal(t, uuids.Public, reopened.UUIDs().Public)
	assert.Equal(t, uuids.Private, reopened.UUIDs().Private)
	assert.Equal(t, uuids.Peer, reopened.PeerID())
}

func TestExplainQueryUsesCollectionIndexes(t *testing.T) {
	ctx := context.Background()
	database := openDB(t)
	coll, err := database.DefaultCollection()
	require.NoError(t, err)

	require.NoError(t, coll.CreateIndex(ctx, storage.IndexSpec{
		Name: "by_age", Type: storage.IndexValue, Expression: "age",
	}))

	sql, err := coll.ExplainQuery(ctx, map[string]any{
		"WHAT":  []any{[]any{"._id"}},
		"WHERE": []any{">=", []any{".age"}, []any{"$min"}},
		"LIMIT": float64(10),
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `FROM "kv__default" AS doc`)
	assert.Contains(t, sql, `perch_value(doc.body, 'age') >= ?`)
	assert.Contains(t, sql, "LIMIT 10")
}

func TestCloseRefusesOpenEnumerator(t *testing.T) {
	ctx := context.Background()
	cfg := db.DefaultConfig()
	database, err := db.Open(filepath.Join(t.TempDir(), "enum"), cfg)
	require.NoError(t, err)

	coll, err := database.DefaultCollection()
	require.NoError(t, err)
	_, err = coll.PutDocument(ctx, db.PutRequest{DocID: "doc1", Body: document.Body{}})
	require.NoError(t, err)

	it, err := coll.EnumerateDocuments(ctx, storage.EnumerateOptions{})
	require.NoError(t, err)

	assert.Equal(t, errors.CodeBusy, errors.CodeOf(database.Close()))
	require.NoError(t, it.Close())
	assert.NoError(t, database.Close())
}
