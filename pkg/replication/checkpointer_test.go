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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/db"
)

func testCheckpointer(t *testing.T) *checkpointer {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "cp"), db.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	cfg := Config{
		RemoteURL:    "ws://remote:4984/other",
		RemoteDBName: "other",
		Dial:         nil,
	}
	cp, err := newCheckpointer(database, &cfg)
	require.NoError(t, err)
	return cp
}

func TestPendingWindowAdvancesInOrder(t *testing.T) {
	cp := testCheckpointer(t)

	cp.addPending(1)
	cp.addPending(2)
	cp.addPending(3)

	// An out-of-order ack must not advance the checkpoint past the
	// oldest outstanding sequence.
	cp.completePending(3)
	local, _ := cp.sequences()
	assert.Equal(t, uint64(0), local)

	cp.completePending(1)
	local, _ = cp.sequences()
	assert.Equal(t, uint64(1), local)

	cp.completePending(2)
	local, _ = cp.sequences()
	assert.Equal(t, uint64(3), local)
	assert.True(t, cp.idle())
}

func TestRemoteWindow(t *testing.T) {
	cp := testCheckpointer(t)

	cp.addRemotePending(10)
	cp.addRemotePending(11)
	assert.False(t, cp.idle())

	// A direct advance is ignored while revisions are outstanding.
	cp.setRemoteSeq(99)
	_, remote := cp.sequences()
	assert.Equal(t, uint64(0), remote)

	cp.completeRemotePending(11)
	cp.completeRemotePending(10)
	_, remote = cp.sequences()
	assert.Equal(t, uint64(11), remote)

	cp.setRemoteSeq(99)
	_, remote = cp.sequences()
	assert.Equal(t, uint64(99), remote)
}

func TestCheckpointSaveAndReload(t *testing.T) {
	ctx := context.Background()
	cp := testCheckpointer(t)

	cp.addPending(5)
	cp.completePending(5)
	cp.addRemotePending(9)
	cp.completeRemotePending(9)
	require.NoError(t, cp.save(ctx, nil))

	body, err := cp.loadLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", body.Local)
	assert.Equal(t, "9", body.Remote)

	// Saving again with no progress is a no-op.
	require.NoError(t, cp.save(ctx, nil))
}

func TestCheckpointIDIsStable(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "id"), db.DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = database.Close() }()

	base := Config{RemoteURL: "ws://h/db", RemoteDBName: "db"}
	id1 := CheckpointID(database, base)
	id2 := CheckpointID(database, base)
	assert.Equal(t, id1, id2)

	other := base
	other.Collection = "logs"
	assert.NotEqual(t, id1, CheckpointID(database, other))

	filtered := base
	filtered.FilterID = "by-channel"
	assert.NotEqual(t, id1, CheckpointID(database, filtered))
}

func TestBackoffSchedule(t *testing.T) {
	backoff := minBackoff
	var schedule []string
	for i := 0; i < 12; i++ {
		schedule = append(schedule, backoff.String())
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	assert.Equal(t, "2s", schedule[0])
	assert.Equal(t, "4s", schedule[1])
	assert.Equal(t, "10m0s", schedule[len(schedule)-1])
}
