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

// Package tracker keeps an in-memory tail of recent changes per
// collection and fans them out to collection and per-document observers.
// Notifications fire after commit on a dispatch goroutine, never under
// the write lock.
package tracker

import (
	"sync"
	"sync/atomic"

	"github.com/perchdb/perch/internal/logging"
	"github.com/perchdb/perch/pkg/document/vtime"
)

// DefaultRingSize is the number of recent changes retained per collection.
const DefaultRingSize = 1000

// ChangeFlags describe what happened to the document.
type ChangeFlags uint8

const (
	// ChangeDeleted marks a tombstone write.
	ChangeDeleted ChangeFlags = 1 << iota

	// ChangePurged marks a purge; the document is gone from storage.
	ChangePurged

	// ChangeExpired marks a purge performed by the expiration sweeper.
	ChangeExpired
)

// Change is a single entry of the change tail.
type Change struct {
	DocID    string
	Sequence uint64
	RevID    vtime.RevID
	Flags    ChangeFlags
}

// Tracker is the per-collection change tail and observer registry.
type Tracker struct {
	mu       sync.Mutex
	ring     []Change
	ringSize int
	// dropped is the highest sequence pushed out of the ring, zero when
	// nothing has been dropped yet.
	dropped uint64

	nextObserverID atomic.Uint64
	collectionObs  map[uint64]*CollectionObserver
	docObs         map[string]map[uint64]*DocumentObserver

	dispatch chan func()
	done     chan struct{}
	closed   bool

	logger logging.Logger
}

// New creates a tracker with the given ring capacity; zero means
// DefaultRingSize.
func New(ringSize int) *Tracker {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	t := &Tracker{
		ringSize:      ringSize,
		collectionObs: make(map[uint64]*CollectionObserver),
		docObs:        make(map[string]map[uint64]*DocumentObserver),
		dispatch:      make(chan func(), 256),
		done:          make(chan struct{}),
		logger:        logging.New("tracker"),
	}
	go t.run()
	return t
}

func (t *Tracker) run() {
	defer close(t.done)
	for fn := range t.dispatch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Errorf("observer panicked: %v", r)
				}
			}()
			fn()
		}()
	}
}

// Close stops the dispatch goroutine after draining pending
// notifications.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.dispatch)
	<-t.done
}

// AddChange appends a committed change to the tail and schedules observer
// notification. The caller must invoke it after the transaction commits.
func (t *Tracker) AddChange(change Change) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	t.ring = append(t.ring, change)
	if len(t.ring) > t.ringSize {
		t.dropped = t.ring[0].Sequence
		t.ring = t.ring[1:]
	}

	var notify []func()
	for _, obs := range t.collectionObs {
		if obs.pending.CompareAndSwap(false, true) {
			callback := obs.callback
			notify = append(notify, callback)
		}
	}
	if obsMap, ok := t.docObs[change.DocID]; ok {
		for _, obs := range obsMap {
			callback := obs.callback
			c := change
			notify = append(notify, func() { callback(c) })
		}
	}
	t.mu.Unlock()

	for _, fn := range notify {
		t.dispatch <- fn
	}
}

// Since returns the changes after the given sequence. overflow reports
// that the ring no longer reaches back that far, and the caller must
// fall back to enumerating storage.
func (t *Tracker) Since(lastSeq uint64) (changes []Change, overflow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dropped > lastSeq {
		return nil, true
	}
	for _, change := range t.ring {
		if change.Sequence > lastSeq {
			changes = append(changes, change)
		}
	}
	return changes, false
}

// CollectionObserver is notified, coalesced, whenever any change lands.
type CollectionObserver struct {
	tracker  *Tracker
	id       uint64
	callback func()
	pending  atomic.Bool
	lastSeq  uint64
	seqMu    sync.Mutex
}

// ObserveCollection registers a coalesced observer. The callback runs on
// the dispatch goroutine; the observer pulls the actual changes with
// GetChanges.
func (t *Tracker) ObserveCollection(since uint64, callback func()) *CollectionObserver {
	obs := &CollectionObserver{
		tracker:  t,
		id:       t.nextObserverID.Add(1),
		callback: callback,
		lastSeq:  since,
	}
	t.mu.Lock()
	t.collectionObs[obs.id] = obs
	t.mu.Unlock()
	return obs
}

// GetChanges returns up to max changes since the last poll, rearming the
// observer. overflow reports that the ring wrapped past the observer's
// position.
func (o *CollectionObserver) GetChanges(max int) (changes []Change, overflow bool) {
	o.pending.Store(false)

	o.seqMu.Lock()
	defer o.seqMu.Unlock()

	all, overflow := o.tracker.Since(o.lastSeq)
	if overflow {
		return nil, true
	}
	if max > 0 && len(all) > max {
		all = all[:max]
	}
	if len(all) > 0 {
		o.lastSeq = all[len(all)-1].Sequence
	}
	return all, false
}

// Remove unregisters the observer.
func (o *CollectionObserver) Remove() {
	t := o.tracker
	t.mu.Lock()
	delete(t.collectionObs, o.id)
	t.mu.Unlock()
}

// DocumentObserver is notified for changes to a single document.
type DocumentObserver struct {
	tracker  *Tracker
	id       uint64
	docID    string
	callback func(Change)
}

// ObserveDocument registers an observer for the given document.
func (t *Tracker) ObserveDocument(docID string, callback func(Change)) *DocumentObserver {
	obs := &DocumentObserver{
		tracker:  t,
		id:       t.nextObserverID.Add(1),
		docID:    docID,
		callback: callback,
	}
	t.mu.Lock()
	if t.docObs[docID] == nil {
		t.docObs[docID] = make(map[uint64]*DocumentObserver)
	}
	t.docObs[docID][obs.id] = obs
	t.mu.Unlock()
	return obs
}

// Remove unregisters the observer.
func (o *DocumentObserver) Remove() {
	t := o.tracker
	t.mu.Lock()
	if obsMap, ok := t.docObs[o.docID]; ok {
		delete(obsMap, o.id)
		if len(obsMap) == 0 {
			delete(t.docObs, o.docID)
		}
	}
	t.mu.Unlock()
}
