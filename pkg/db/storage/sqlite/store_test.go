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

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/db/storage/sqlite"
	"github.com/perchdb/perch/pkg/errors"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "db.sqlite3"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSetAssignsSequences(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	ks, err := store.KeyStore("_default")
	require.NoError(t, err)

	txn, err := store.Begin(ctx)
	require.NoError(t, err)

	seq1, err := ks.Set(ctx, storage.Record{Key: "a", Body: []byte(`{"x":1}`)}, txn)
	assert.NoError(t, err)
	seq2, err := ks.Set(ctx, storage.Record{Key: "b", Body: []byte(`{"x":2}`)}, txn)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
	require.NoError(t, txn.Commit())

	last, err := ks.LastSequence(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	rec, err := ks.Get(ctx, "a", storage.EntireBody)
	assert.NoError(t, err)
	assert.True(t, rec.Exists)
	assert.Equal(t, []byte(`{"x":1}`), rec.Body)
	assert.Equal(t, uint64(1), rec.Sequence)

	bySeq, err := ks.GetBySequence(ctx, 2, storage.EntireBody)
	assert.NoError(t, err)
	assert.Equal(t, "b", bySeq.Key)

	// Updating a record assigns a fresh sequence.
	txn, err = store.Begin(ctx)
	require.NoError(t, err)
	seq3, err := ks.Set(ctx, storage.Record{Key: "a", Body: []byte(`{"x":3}`)}, txn)
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), seq3)
	require.NoError(t, txn.Commit())
}

func TestAbortRestoresState(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	ks, err := store.KeyStore("_default")
	require.NoError(t, err)

	txn, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = ks.Set(ctx, storage.Record{Key: "kept", Body: []byte(`{}`)}, txn)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn, err = store.Begin(ctx)
	require.NoError(t, err)
	_, err = ks.Set(ctx, storage.Record{Key: "doomed", Body: []byte(`{}`)}, txn)
	require.NoError(t, err)
	aborted := false
	txn.OnAbort(func() { aborted = true })
	require.NoError(t, txn.Abort())
	assert.True(t, aborted)

	// Sequence counter and contents match the pre-begin state.
	last, err := ks.LastSequence(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), last)

	_, err = ks.Get(ctx, "doomed", storage.MetaOnly)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestNestedTransactions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	ks, err := store.KeyStore("_default")
	require.NoError(t, err)

	outer, err := store.Begin(ctx)
	require.NoError(t, err)
	inner, err := store.Begin(ctx)
	require.NoError(t, err)

	_, err = ks.Set(ctx, storage.Record{Key: "nested", Body: []byte(`{}`)}, inner)
	assert.NoError(t, err)

	committed := false
	outer.OnCommit(func() { committed = true })

	// The inner commit only drops a reference; the write is not yet
	// durable.
	require.NoError(t, inner.Commit())
	assert.True(t, store.InTransaction())
	assert.False(t, committed)

	require.NoError(t, outer.Commit())
	assert.False(t, store.InTransaction())
	assert.True(t, committed)
}

func TestWriteRequiresTransaction(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	ks, err := store.KeyStore("_default")
	require.NoError(t, err)

	_, err = ks.Set(ctx, storage.Record{Key: "a"}, nil)
	assert.Equal(t, errors.CodeNotInTransaction, errors.CodeOf(err))
}

func TestSecondWriterRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite3")
	store, err := sqlite.Open(path, sqlite.Options{})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = sqlite.Open(path, sqlite.Options{})
	assert.Equal(t, errors.CodeBusy, errors.CodeOf(err))

	// A reader is fine.
	reader, err := sqlite.Open(path, sqlite.Options{ReadOnly: true})
	assert.NoError(t, err)
	assert.NoError(t, reader.Close())
}

func TestCloseWithOpenTransaction(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.sqlite3")
	store, err := sqlite.Open(path, sqlite.Options{})
	require.NoError(t, err)

	txn, err := store.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, errors.CodeTransactionNotClosed, errors.CodeOf(store.Close()))

	require.NoError(t, txn.Abort())
	assert.NoError(t, store.Close())
}

func TestEnumerate(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	ks, err := store.KeyStore("_default")
	require.NoError(t, err)

	txn, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, key := range []string{"c", "a", "b"} {
		_, err = ks.Set(ctx, storage.Record{Key: key, Body: []byte(`{}`)}, txn)
		require.NoError(t, err)
	}
	_, err = ks.Set(ctx, storage.Record{Key: "gone", Flags: storage.RecordDeleted}, txn)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	keysOf := func(opts storage.EnumerateOptions) []string {
		it, err := ks.Enumerate(ctx, opts)
		require.NoError(t, err)
		defer func() { _ = it.Close() }()
		var keys []string
		for it.Next() {
			keys = append(keys, it.Record().Key)
		}
		require.NoError(t, it.Err())
		return keys
	}

	assert.Equal(t, []string{"a", "b", "c"}, keysOf(storage.EnumerateOptions{}))
	assert.Equal(t, []string{"c", "b", "a"}, keysOf(storage.EnumerateOptions{Descending: true}))
	assert.Equal(t, []string{"a", "b", "c", "gone"},
		keysOf(storage.EnumerateOptions{IncludeDeleted: true}))

	// Since enumerates in sequence order.
	assert.Equal(t, []string{"b", "gone"},
		keysOf(storage.EnumerateOptions{Since: 2, IncludeDeleted: true}))

	count, err := ks.DocumentCount(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

func TestExpiration(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	ks, err := store.KeyStore("_default")
	require.NoError(t, err)

	txn, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = ks.Set(ctx, storage.Record{Key: "soon", Body: []byte(`{}`)}, txn)
	require.NoError(t, err)
	_, err = ks.Set(ctx, storage.Record{Key: "later", Body: []byte(`{}`)}, txn)
	require.NoError(t, err)
	require.NoError(t, ks.SetExpiration(ctx, "soon", 1000, txn))
	require.NoError(t, ks.SetExpiration(ctx, "later", 2000, txn))
	require.NoError(t, txn.Commit())

	next, err := ks.NextExpiration(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1000), next)

	txn, err = store.Begin(ctx)
	require.NoError(t, err)
	expired, err := ks.ExpireRecords(ctx, 1500, txn)
	assert.NoError(t, err)
	assert.Equal(t, []string{"soon"}, expired)
	require.NoError(t, txn.Commit())

	_, err = ks.Get(ctx, "soon", storage.MetaOnly)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))

	purges, err := ks.PurgeCount(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), purges)

	next, err = ks.NextExpiration(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(2000), next)
}

func TestRawStore(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	raw, err := store.RawStore("checkpoints")
	require.NoError(t, err)

	txn, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, raw.SetRaw(ctx, "cp-1", []byte(`{"local":"5"}`), txn))
	require.NoError(t, txn.Commit())

	rec, err := raw.Get(ctx, "cp-1", storage.EntireBody)
	assert.NoError(t, err)
	assert.Equal(t, []byte(`{"local":"5"}`), rec.Body)

	_, err = raw.Set(ctx, storage.Record{Key: "cp-2"}, nil)
	assert.Equal(t, errors.CodeUnsupported, errors.CodeOf(err))
}

func TestValueIndexDDL(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	ks, err := store.KeyStore("_default")
	require.NoError(t, err)

	require.NoError(t, ks.CreateIndex(ctx, storage.IndexSpec{
		Name:       "by_name",
		Type:       storage.IndexValue,
		Expression: "name",
	}))
	require.NoError(t, ks.CreateIndex(ctx, storage.IndexSpec{
		Name:       "by_age",
		Type:       storage.IndexValue,
		Expression: "age",
	}))

	infos, err := ks.IndexesInfo(ctx)
	assert.NoError(t, err)
	assert.Len(t, infos, 2)
	assert.Equal(t, "by_age", infos[0].Spec.Name)
	assert.Equal(t, "idx_by_age", infos[0].Table)
	assert.Equal(t, "idx_by_name", infos[1].Table)

	// The index works against stored bodies.
	txn, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = ks.Set(ctx, storage.Record{Key: "d", Body: []byte(`{"age":7,"name":"kit"}`)}, txn)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	require.NoError(t, ks.DeleteIndex(ctx, "by_age"))
	infos, err = ks.IndexesInfo(ctx)
	assert.NoError(t, err)
	assert.Len(t, infos, 1)

	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(ks.DeleteIndex(ctx, "by_age")))
}
