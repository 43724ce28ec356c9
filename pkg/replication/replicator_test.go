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

package replication_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/blob"
	"github.com/perchdb/perch/pkg/db"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/document"
	"github.com/perchdb/perch/pkg/errors"
	"github.com/perchdb/perch/pkg/replication"
	"github.com/perchdb/perch/pkg/replication/blip"
)

func openTestDB(t *testing.T, name string) *db.Database {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.VersionVectors = false

	database, err := db.Open(filepath.Join(t.TempDir(), name), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// dialOnce hands out the given transport on the first dial and fails
// afterwards, so a reconnecting replicator goes offline instead of
// spinning.
func dialOnce(conn blip.FrameConn) replication.Dialer {
	used := false
	return func(ctx context.Context) (blip.FrameConn, error) {
		if used {
			return nil, errors.NetworkReset("test transport already consumed")
		}
		used = true
		return conn, nil
	}
}

func startPassive(t *testing.T, database *db.Database, conn blip.FrameConn) *replication.Replicator {
	t.Helper()
	repl, err := replication.New(database, replication.Config{
		RemoteURL:    "ws://peer:4984/peer",
		RemoteDBName: "peer",
		Passive:      true,
		Dial:         dialOnce(conn),
	})
	require.NoError(t, err)
	repl.Start()
	t.Cleanup(func() {
		repl.Stop()
		select {
		case <-repl.Done():
		case <-time.After(10 * time.Second):
			t.Log("passive replicator did not stop in time")
		}
	})
	return repl
}

func waitDone(t *testing.T, repl *replication.Replicator) {
	t.Helper()
	select {
	case <-repl.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("replication did not finish")
	}
}

func TestPullReplication(t *testing.T) {
	ctx := context.Background()
	dbA := openTestDB(t, "peer-a")
	dbB := openTestDB(t, "peer-b")

	collA, err := dbA.DefaultCollection()
	require.NoError(t, err)

	// Seed A with 100 documents, one carrying an attachment.
	attachment := bytes.Repeat([]byte("binary "), 4096)
	attKey, _, err := dbA.BlobStore().Create(bytes.NewReader(attachment), nil)
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		body := document.Body{"n": float64(i)}
		if i == 42 {
			body["file"] = map[string]any{
				"@type":  "blob",
				"digest": attKey.Digest(),
				"length": float64(len(attachment)),
			}
		}
		_, err := collA.PutDocument(ctx, db.PutRequest{
			DocID: fmt.Sprintf("doc-%04d", i),
			Body:  body,
		})
		require.NoError(t, err)
	}

	connA, connB := blip.Pipe()
	startPassive(t, dbA, connA)

	cfgB := replication.Config{
		RemoteURL:    "ws://a:4984/peer-a",
		RemoteDBName: "peer-a",
		Pull:         replication.OneShot,
		Dial:         dialOnce(connB),
	}
	replB, err := replication.New(dbB, cfgB)
	require.NoError(t, err)
	replB.Start()
	waitDone(t, replB)

	status := replB.Status()
	assert.Equal(t, replication.Stopped, status.State)
	assert.Empty(t, status.DocErrors)
	assert.Equal(t, uint64(100), status.Progress.DocsCompleted)

	collB, err := dbB.DefaultCollection()
	require.NoError(t, err)

	lastSeq, err := collB.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), lastSeq)

	count, err := collB.DocumentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), count)

	// Spot-check a replicated document: same revID and body as A's.
	docA, err := collA.GetDocument(ctx, "doc-0042", storage.EntireBody)
	require.NoError(t, err)
	docB, err := collB.GetDocument(ctx, "doc-0042", storage.EntireBody)
	require.NoError(t, err)
	assert.Equal(t, docA.RevID(), docB.RevID())

	// The attachment came across and verifies against its digest.
	got, err := dbB.BlobStore().GetContents(attKey)
	require.NoError(t, err)
	assert.Equal(t, blob.KeyFromContent(got), attKey)

	// The checkpoint records the remote progress.
	store, err := dbB.CheckpointStore()
	require.NoError(t, err)
	rec, err := store.Get(ctx, replication.CheckpointID(dbB, cfgB), storage.EntireBody)
	require.NoError(t, err)

	var body struct {
		Local  string `json:"local"`
		Remote string `json:"remote"`
	}
	require.NoError(t, json.Unmarshal(rec.Body, &body))
	assert.Equal(t, "100", body.Remote)
}

func TestPushReplication(t *testing.T) {
	ctx := context.Background()
	dbA := openTestDB(t, "push-a")
	dbB := openTestDB(t, "push-b")

	collA, err := dbA.DefaultCollection()
	require.NoError(t, err)
	for i := 1; i <= 10; i++ {
		_, err := collA.PutDocument(ctx, db.PutRequest{
			DocID: fmt.Sprintf("doc-%02d", i),
			Body:  document.Body{"n": float64(i)},
		})
		require.NoError(t, err)
	}

	connA, connB := blip.Pipe()
	startPassive(t, dbB, connB)

	cfgA := replication.Config{
		RemoteURL:    "ws://b:4984/push-b",
		RemoteDBName: "push-b",
		Push:         replication.OneShot,
		Dial:         dialOnce(connA),
	}
	replA, err := replication.New(dbA, cfgA)
	require.NoError(t, err)
	replA.Start()
	waitDone(t, replA)

	collB, err := dbB.DefaultCollection()
	require.NoError(t, err)
	count, err := collB.DocumentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), count)

	// The push checkpoint advanced to A's last sequence.
	store, err := dbA.CheckpointStore()
	require.NoError(t, err)
	rec, err := store.Get(ctx, replication.CheckpointID(dbA, cfgA), storage.EntireBody)
	require.NoError(t, err)

	var body struct {
		Local string `json:"local"`
	}
	require.NoError(t, json.Unmarshal(rec.Body, &body))
	assert.Equal(t, "10", body.Local)
}

func TestPullIsIncremental(t *testing.T) {
	ctx := context.Background()
	dbA := openTestDB(t, "incr-a")
	dbB := openTestDB(t, "incr-b")

	collA, err := dbA.DefaultCollection()
	require.NoError(t, err)
	_, err = collA.PutDocument(ctx, db.PutRequest{DocID: "one", Body: document.Body{}})
	require.NoError(t, err)

	run := func() {
		connA, connB := blip.Pipe()
		startPassive(t, dbA, connA)

		repl, err := replication.New(dbB, replication.Config{
			RemoteURL:    "ws://a:4984/incr-a",
			RemoteDBName: "incr-a",
			Pull:         replication.OneShot,
			Dial:         dialOnce(connB),
		})
		require.NoError(t, err)
		repl.Start()
		waitDone(t, repl)
	}

	run()

	collB, err := dbB.DefaultCollection()
	require.NoError(t, err)
	count, err := collB.DocumentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	// A second session transfers only the new document; the first one
	// is already known and re-inserting it is a no-op.
	_, err = collA.PutDocument(ctx, db.PutRequest{DocID: "two", Body: document.Body{}})
	require.NoError(t, err)

	run()

	count, err = collB.DocumentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	lastSeq, err := collB.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lastSeq)
}

func TestReplicatorRejectsEmptyConfig(t *testing.T) {
	database := openTestDB(t, "cfg")

	_, err := replication.New(database, replication.Config{
		RemoteURL:    "ws://x/db",
		RemoteDBName: "db",
		Dial: func(ctx context.Context) (blip.FrameConn, error) {
			return nil, errors.NetworkReset("unused")
		},
	})
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
}
