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
	"time"

	"github.com/perchdb/perch/internal/logging"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/db/tracker"
)

// sweeper purges expired documents. It sleeps until the earliest pending
// expiration across collections and re-arms after every sweep or
// SetDocumentExpiration call.
type sweeper struct {
	db     *Database
	wake   chan struct{}
	done   chan struct{}
	logger logging.Logger

	// now is the clock, injectable in tests.
	now func() int64
}

func newSweeper(db *Database) *sweeper {
	s := &sweeper{
		db:     db,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logging.New("sweeper", logging.NewField("db", db.name)),
		now: func() int64 {
			return time.Now().UnixMilli()
		},
	}
	if !db.cfg.ReadOnly {
		go s.run()
	} else {
		close(s.done)
	}
	return s
}

// schedule re-arms the sweeper after an expiration change.
func (s *sweeper) schedule() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *sweeper) stop() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.wake)
	<-s.done
}

func (s *sweeper) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := s.nextExpiration()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next > 0 {
			delay := time.Duration(next-s.now()) * time.Millisecond
			if delay < 0 {
				delay = 0
			}
			timer.Reset(delay)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case _, ok := <-s.wake:
			if !ok {
				return
			}
		case <-timer.C:
			s.sweep()
		}
	}
}

func (s *sweeper) nextExpiration() int64 {
	ctx := context.Background()
	var next int64

	s.db.collMu.Lock()
	colls := make([]*Collection, 0, len(s.db.collections))
	for _, coll := range s.db.collections {
		colls = append(colls, coll)
	}
	s.db.collMu.Unlock()

	for _, coll := range colls {
		when, err := coll.NextExpiration(ctx)
		if err != nil {
			s.logger.Warnf("next expiration: %s", err)
			continue
		}
		if when > 0 && (next == 0 || when < next) {
			next = when
		}
	}
	return next
}

// sweep purges every due document and emits expiration notifications.
func (s *sweeper) sweep() {
	ctx := context.Background()
	now := s.now()

	s.db.collMu.Lock()
	colls := make([]*Collection, 0, len(s.db.collections))
	for _, coll := range s.db.collections {
		colls = append(colls, coll)
	}
	s.db.collMu.Unlock()

	for _, coll := range colls {
		coll := coll
		err := s.db.WithTransaction(ctx, func(txn storage.Transaction) error {
			expired, err := coll.ks.ExpireRecords(ctx, now, txn)
			if err != nil {
				return err
			}
			for _, docID := range expired {
				docID := docID
				coll.cache.Remove(docID)
				txn.OnCommit(func() {
					coll.tracker.AddChange(tracker.Change{
						DocID: docID,
						Flags: tracker.ChangePurged | tracker.ChangeExpired,
					})
				})
			}
			if len(expired) > 0 {
				s.logger.Infof("expired %d documents in %s", len(expired), coll.name)
			}
			return nil
		})
		if err != nil {
			s.logger.Warnf("expiration sweep: %s", err)
		}
	}
}
