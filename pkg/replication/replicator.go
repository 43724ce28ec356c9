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

// Package replication implements the replicator: a state machine
// coordinating six roles (checkpointer, changes feed, rev finder,
// pusher, puller, inserter) over a BLIP socket to sync a local
// collection with a remote peer. Only the pusher and inserter are
// single-goroutine actors with bounded mailboxes; the changes feed runs
// on its own goroutine, the rev finder and puller are socket request
// handlers, and the checkpointer is mutex-guarded state shared by the
// others. All peers are equal; the same code serves the active and
// passive sides.
package replication

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/perchdb/perch/internal/logging"
	"github.com/perchdb/perch/pkg/db"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/errors"
	"github.com/perchdb/perch/pkg/metrics"
	"github.com/perchdb/perch/pkg/replication/blip"
)

// Replicator synchronizes one local collection with a remote database.
type Replicator struct {
	id       string
	database *db.Database
	coll     *db.Collection
	cfg      Config
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	socket       *blip.Socket
	checkpointer *checkpointer

	feed     *changesFeed
	feedObs  interface{ Remove() }
	pusher   *actor
	inserter *actor

	insertBatch []*incomingRev

	// stateMu guards state, status and the completion flags.
	stateMu      sync.Mutex
	state        State
	status       Status
	activity     int
	pushDrained  bool
	pullDone     bool
	completeOnce sync.Once
	completeCh   chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a replicator for the given database and configuration.
// Start must be called to begin replicating.
func New(database *db.Database, cfg Config) (*Replicator, error) {
	cfg.ensureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.InvalidArgument("replicator config: " + err.Error())
	}
	if !cfg.Passive && cfg.Push == Disabled && cfg.Pull == Disabled {
		return nil, errors.InvalidArgument("replicator: both directions disabled")
	}

	collName := cfg.Collection
	if collName == "" {
		collName = db.DefaultCollectionName
	}
	coll, err := database.Collection(collName)
	if err != nil {
		return nil, err
	}

	cp, err := newCheckpointer(database, &cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Replicator{
		id:           xid.New().String(),
		database:     database,
		coll:         coll,
		cfg:          cfg,
		logger:       logging.New("replicator", logging.NewField("remote", cfg.RemoteURL)),
		ctx:          ctx,
		cancel:       cancel,
		checkpointer: cp,
		state:        Stopped,
		completeCh:   make(chan struct{}),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	r.feed = &changesFeed{r: r}
	return r, nil
}

// ID returns the replicator's instance ID.
func (r *Replicator) ID() string { return r.id }

// Status returns the current status snapshot.
func (r *Replicator) Status() Status {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.status
}

// Start transitions Stopped -> Connecting and runs the replication in
// the background.
func (r *Replicator) Start() {
	r.stateMu.Lock()
	if r.state != Stopped {
		r.stateMu.Unlock()
		return
	}
	r.state = Connecting
	r.stateMu.Unlock()

	go r.run()
}

// Stop requests a cooperative shutdown: workers finish their current
// messages, the checkpoint is saved, then the transport closes.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Done returns a channel closed when the replicator reaches Stopped.
func (r *Replicator) Done() <-chan struct{} {
	return r.done
}

func (r *Replicator) run() {
	defer close(r.done)
	defer r.setState(Stopped)

	backoff := minBackoff
	for {
		r.setState(Connecting)

		err := r.runSession()
		if err == nil {
			return
		}
		if !errors.IsTransient(err) {
			r.logger.Errorf("stopping on permanent error: %s", err)
			r.setError(err)
			return
		}

		r.logger.Warnf("offline after transient error (retry in %s): %s", backoff, err)
		r.setError(err)
		r.setState(Offline)

		select {
		case <-time.After(backoff):
		case <-r.stopCh:
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runSession establishes one transport session and replicates until the
// session completes, fails, or is stopped. A nil return means the
// replicator is done; an error asks run for a retry decision.
func (r *Replicator) runSession() error {
	conn, err := r.cfg.Dial(r.ctx)
	if err != nil {
		return err
	}

	socket := blip.NewSocket(conn)
	r.socket = socket
	r.registerHandlers(socket)

	// The workers must exist before the socket can dispatch a request.
	r.pusher = newActor("pusher", r.cfg.MailboxSize, r.onActivity)
	r.inserter = newActor("inserter", r.cfg.MailboxSize, r.onActivity)
	defer func() {
		r.pusher.stop()
		r.inserter.stop()
	}()

	socket.Open()

	if err := r.checkpointer.load(r.ctx, socket); err != nil {
		_ = socket.Close()
		return err
	}

	r.setState(Idle)
	r.startDirections()

	saveTicker := time.NewTicker(r.cfg.CheckpointInterval)
	defer saveTicker.Stop()

	for {
		select {
		case <-saveTicker.C:
			if err := r.checkpointer.save(r.ctx, socket); err != nil {
				r.logger.Warnf("periodic checkpoint save: %s", err)
			}

		case <-r.completeCh:
			r.setState(Stopping)
			r.finishSession(socket)
			return nil

		case <-r.stopCh:
			r.setState(Stopping)
			r.finishSession(socket)
			return nil

		case <-socket.Closed():
			if err := r.checkpointer.save(r.ctx, nil); err != nil {
				r.logger.Warnf("checkpoint save after close: %s", err)
			}
			return errors.NetworkReset("transport closed")
		}
	}
}

// finishSession drains workers, saves the checkpoint and closes the
// socket.
func (r *Replicator) finishSession(socket *blip.Socket) {
	if r.feedObs != nil {
		r.feedObs.Remove()
		r.feedObs = nil
	}
	r.pusher.stop()
	r.inserter.stop()

	if err := r.checkpointer.save(r.ctx, socket); err != nil {
		r.logger.Warnf("final checkpoint save: %s", err)
	}
	_ = socket.Close()
	r.cancel()
}

// startDirections kicks off the configured push and pull sides. A
// passive replicator starts neither; it only answers the peer.
func (r *Replicator) startDirections() {
	if r.cfg.Passive {
		return
	}
	localSeq, remoteSeq := r.checkpointer.sequences()

	if r.cfg.Push != Disabled {
		r.feed.start(localSeq, profileProposeChanges, r.pushFeedDrained)

		if r.cfg.Push == Continuous {
			r.feedObs = r.coll.ObserveCollection(localSeq, func() {
				r.feed.poke()
			})
		}
	} else {
		r.stateMu.Lock()
		r.pushDrained = true
		r.stateMu.Unlock()
	}

	if r.cfg.Pull != Disabled {
		req := blip.NewRequest(profileSubChanges)
		req.Properties[propSince] = strconv.FormatUint(remoteSeq, 10)
		if r.cfg.Pull == Continuous {
			req.Properties[propContinuous] = "true"
		}
		if r.cfg.FilterID != "" {
			req.Properties[propFilter] = r.cfg.FilterID
		}
		go func() {
			if _, err := r.socket.SendRequest(r.ctx, req); err != nil {
				r.fail(err)
			}
		}()
	} else {
		r.stateMu.Lock()
		r.pullDone = true
		r.stateMu.Unlock()
	}
}

// pushFeedDrained is called when the feed has enumerated everything
// pending; for a one-shot push the direction is complete once the
// in-flight window drains too.
func (r *Replicator) pushFeedDrained() {
	r.stateMu.Lock()
	r.pushDrained = true
	r.stateMu.Unlock()
	r.maybeComplete()
}

// pullCaughtUp is called when the remote reports its feed is drained.
func (r *Replicator) pullCaughtUp() {
	r.stateMu.Lock()
	r.pullDone = true
	r.stateMu.Unlock()
	r.maybeComplete()
}

// maybeComplete finishes a one-shot replication once both directions are
// drained, the checkpoint windows are empty and no work is in flight.
func (r *Replicator) maybeComplete() {
	if r.cfg.Passive || r.cfg.Push == Continuous || r.cfg.Pull == Continuous {
		return
	}

	r.stateMu.Lock()
	done := r.pushDrained && r.pullDone && r.activity == 0
	r.stateMu.Unlock()

	if done && r.checkpointer.idle() {
		r.completeOnce.Do(func() { close(r.completeCh) })
	}
}

func (r *Replicator) onActivity(delta int) {
	r.stateMu.Lock()
	r.activity += delta
	activity := r.activity
	state := r.state
	r.stateMu.Unlock()

	if state == Idle && activity > 0 {
		r.setState(Busy)
	} else if state == Busy && activity == 0 {
		r.setState(Idle)
		r.maybeComplete()
	} else if activity == 0 {
		r.maybeComplete()
	}
}

// fail routes a worker error: transient errors tear down the session so
// the run loop retries; permanent ones stop the replicator.
func (r *Replicator) fail(err error) {
	if errors.CodeOf(err) == errors.CodeCanceled {
		return
	}
	r.logger.Warnf("replication error: %s", err)
	r.setError(err)
	if r.socket != nil {
		_ = r.socket.Close()
	}
	if !errors.IsTransient(err) {
		r.Stop()
	}
}

func (r *Replicator) setState(state State) {
	r.stateMu.Lock()
	if r.state == state {
		r.stateMu.Unlock()
		return
	}
	r.state = state
	r.status.State = state
	status := r.status
	r.stateMu.Unlock()

	metrics.ReplicatorState.WithLabelValues(r.id).Set(float64(state))
	r.notify(status)
}

func (r *Replicator) setError(err error) {
	r.stateMu.Lock()
	r.status.Err = err
	status := r.status
	r.stateMu.Unlock()
	r.notify(status)
}

func (r *Replicator) addProgress(docs uint64) {
	r.stateMu.Lock()
	r.status.Progress.DocsCompleted += docs
	if r.status.Progress.DocsCompleted > r.status.Progress.DocsTotal {
		r.status.Progress.DocsTotal = r.status.Progress.DocsCompleted
	}
	status := r.status
	r.stateMu.Unlock()
	r.notify(status)
}

// recordDocError logs a per-document failure without stopping the
// replicator.
func (r *Replicator) recordDocError(docID string, pushing bool, err error) {
	r.logger.Warnf("document %q: %s", docID, err)

	r.stateMu.Lock()
	r.status.DocErrors = append(r.status.DocErrors, DocumentError{
		Collection: r.coll.Name(),
		DocID:      docID,
		Pushing:    pushing,
		Err:        err,
	})
	status := r.status
	r.stateMu.Unlock()
	r.notify(status)
}

func (r *Replicator) notify(status Status) {
	if r.cfg.OnStatus != nil {
		r.cfg.OnStatus(status)
	}
}

// registerHandlers installs the passive-side protocol handlers: every
// peer can answer checkpoints, serve a changes subscription, diff
// incoming changes and accept pushed revisions.
func (r *Replicator) registerHandlers(socket *blip.Socket) {
	socket.RegisterHandler(profileGetCheckpoint, r.serveGetCheckpoint)
	socket.RegisterHandler(profileSetCheckpoint, r.serveSetCheckpoint)
	socket.RegisterHandler(profileSubChanges, r.serveSubChanges)
	socket.RegisterHandler(profileChanges, r.serveChanges)
	socket.RegisterHandler(profileProposeChanges, r.serveChanges)
	socket.RegisterHandler(profileRev, r.servePulledRev)
	socket.RegisterHandler(profileNoRev, r.serveNoRev)
	socket.RegisterHandler(profileGetAttachment, r.serveGetAttachment)
	socket.RegisterHandler(profileProveAttachment, r.serveProveAttachment)
}

// serveGetCheckpoint answers a peer's stored checkpoint.
func (r *Replicator) serveGetCheckpoint(req *blip.Message) (*blip.Message, error) {
	store, err := r.database.CheckpointStore()
	if err != nil {
		return nil, err
	}

	client := req.Properties[propClient]
	rec, err := store.Get(r.ctx, "peer-"+client, storage.EntireBody)
	if err != nil {
		return nil, err
	}

	reply := req.Response()
	reply.Body = rec.Body
	return reply, nil
}

// serveSetCheckpoint stores a peer's checkpoint.
func (r *Replicator) serveSetCheckpoint(req *blip.Message) (*blip.Message, error) {
	store, err := r.database.CheckpointStore()
	if err != nil {
		return nil, err
	}

	client := req.Properties[propClient]
	body := req.Body
	err = r.database.WithTransaction(r.ctx, func(txn storage.Transaction) error {
		return store.SetRaw(r.ctx, "peer-"+client, body, txn)
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// serveSubChanges starts feeding our changes to the subscribing peer.
func (r *Replicator) serveSubChanges(req *blip.Message) (*blip.Message, error) {
	since := parseSeq(req.Properties[propSince])
	continuous := req.Properties[propContinuous] == "true"

	// An empty changes message tells the subscriber it is caught up.
	r.feed.start(since, profileChanges, r.notifyCaughtUp)

	if continuous {
		r.feedObs = r.coll.ObserveCollection(since, func() {
			r.feed.poke()
		})
	}
	return nil, nil
}

// notifyCaughtUp sends the empty changes batch marking the feed drained.
func (r *Replicator) notifyCaughtUp() {
	req := blip.NewRequest(profileChanges)
	req.Body = []byte("[]")
	if _, err := r.socket.SendRequest(r.ctx, req); err != nil {
		r.logger.Debugf("send caught-up marker: %s", err)
	}
}

// serveProveAttachment proves possession of a blob without sending it:
// the reply is the SHA-1 of the peer's nonce concatenated with the blob
// contents.
func (r *Replicator) serveProveAttachment(req *blip.Message) (*blip.Message, error) {
	key, err := blobKeyOf(req.Properties[propDigest])
	if err != nil {
		return nil, err
	}
	contents, err := r.database.BlobStore().GetContents(key)
	if err != nil {
		return nil, err
	}

	h := sha1.New()
	h.Write([]byte(req.Properties[propNonce]))
	h.Write(contents)

	reply := req.Response()
	reply.Body = []byte(hex.EncodeToString(h.Sum(nil)))
	return reply, nil
}
