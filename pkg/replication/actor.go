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
	"sync"

	"github.com/perchdb/perch/internal/logging"
)

// actor is a single-goroutine worker with a bounded mailbox. Handlers
// run to completion in post order; a full mailbox blocks the sender,
// which is the backpressure between workers.
type actor struct {
	name    string
	mailbox chan func()
	logger  logging.Logger

	// onActivity is called with +1 on post and -1 after the handler
	// runs; the replicator derives Idle/Busy from the sum over actors.
	onActivity func(delta int)

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func newActor(name string, mailboxSize int, onActivity func(delta int)) *actor {
	a := &actor{
		name:       name,
		mailbox:    make(chan func(), mailboxSize),
		logger:     logging.New("replicator." + name),
		onActivity: onActivity,
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case fn, ok := <-a.mailbox:
			if !ok {
				return
			}
			a.invoke(fn)
		case <-a.stopped:
			// Drain what was posted before the stop, then exit.
			for {
				select {
				case fn := <-a.mailbox:
					a.invoke(fn)
				default:
					return
				}
			}
		}
	}
}

func (a *actor) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorf("handler panicked: %v", r)
		}
		a.onActivity(-1)
	}()
	fn()
}

// post enqueues a handler. It blocks while the mailbox is full and
// reports false when the actor has stopped.
func (a *actor) post(fn func()) bool {
	select {
	case <-a.stopped:
		return false
	default:
	}

	a.onActivity(+1)
	select {
	case a.mailbox <- fn:
		return true
	case <-a.stopped:
		a.onActivity(-1)
		return false
	}
}

// stop completes the current handler, drains the mailbox, then stops.
func (a *actor) stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
	<-a.done
}
