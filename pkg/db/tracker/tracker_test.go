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

package tracker_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/perchdb/perch/pkg/db/tracker"
)

func TestSinceAndOverflow(t *testing.T) {
	tr := tracker.New(4)
	defer tr.Close()

	for i := 1; i <= 4; i++ {
		tr.AddChange(tracker.Change{DocID: fmt.Sprintf("doc-%d", i), Sequence: uint64(i)})
	}

	changes, overflow := tr.Since(2)
	assert.False(t, overflow)
	assert.Len(t, changes, 2)
	assert.Equal(t, uint64(3), changes[0].Sequence)

	// Pushing past the ring capacity drops the tail.
	tr.AddChange(tracker.Change{DocID: "doc-5", Sequence: 5})
	_, overflow = tr.Since(0)
	assert.True(t, overflow)

	changes, overflow = tr.Since(1)
	assert.False(t, overflow)
	assert.Len(t, changes, 4)
}

func TestCollectionObserver(t *testing.T) {
	tr := tracker.New(0)
	defer tr.Close()

	fired := make(chan struct{}, 8)
	obs := tr.ObserveCollection(0, func() { fired <- struct{}{} })
	defer obs.Remove()

	tr.AddChange(tracker.Change{DocID: "a", Sequence: 1})
	tr.AddChange(tracker.Change{DocID: "b", Sequence: 2})

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("observer was not notified")
	}

	changes, overflow := obs.GetChanges(10)
	assert.False(t, overflow)
	assert.Len(t, changes, 2)

	// Pulling rearms the observer; a new change fires it again.
	tr.AddChange(tracker.Change{DocID: "c", Sequence: 3})
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("observer was not re-notified")
	}

	changes, _ = obs.GetChanges(10)
	assert.Len(t, changes, 1)
	assert.Equal(t, "c", changes[0].DocID)
}

func TestDocumentObserver(t *testing.T) {
	tr := tracker.New(0)
	defer tr.Close()

	got := make(chan tracker.Change, 1)
	obs := tr.ObserveDocument("watched", func(change tracker.Change) { got <- change })
	defer obs.Remove()

	tr.AddChange(tracker.Change{DocID: "other", Sequence: 1})
	tr.AddChange(tracker.Change{DocID: "watched", Sequence: 2, Flags: tracker.ChangeDeleted})

	select {
	case change := <-got:
		assert.Equal(t, "watched", change.DocID)
		assert.Equal(t, uint64(2), change.Sequence)
		assert.NotZero(t, change.Flags&tracker.ChangeDeleted)
	case <-time.After(5 * time.Second):
		t.Fatal("document observer was not notified")
	}
}

func TestObserverPanicIsContained(t *testing.T) {
	tr := tracker.New(0)
	defer tr.Close()

	fine := make(chan struct{}, 1)
	panicky := tr.ObserveDocument("doc", func(tracker.Change) { panic("boom") })
	defer panicky.Remove()
	healthy := tr.ObserveDocument("doc", func(tracker.Change) { fine <- struct{}{} })
	defer healthy.Remove()

	tr.AddChange(tracker.Change{DocID: "doc", Sequence: 1})

	select {
	case <-fine:
	case <-time.After(5 * time.Second):
		t.Fatal("healthy observer starved by panicking observer")
	}
}
