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

// Package db is the database façade: it composes the storage engine, the
// blob store, the sequence tracker and the expiration sweeper into the
// Database / Collection / Transaction surface.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/perchdb/perch/internal/logging"
	"github.com/perchdb/perch/pkg/blob"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/db/storage/sqlite"
	"github.com/perchdb/perch/pkg/db/tracker"
	"github.com/perchdb/perch/pkg/document/vtime"
	"github.com/perchdb/perch/pkg/errors"
)

const (
	// BundleExtension is the directory suffix of a database bundle.
	BundleExtension = ".perch"

	dbFileName       = "db.sqlite3"
	attachmentsDir   = "Attachments"
	infoStoreName    = "info"
	checkpointsStore = "checkpoints"

	// DefaultCollectionName names the collection that exists implicitly.
	DefaultCollectionName = "_default"

	uuidsInfoKey = "uuids"
)

// UUIDs identify a database instance. The public UUID is shared with
// peers; the private UUID changes when the file is copied, invalidating
// checkpoints that no longer apply.
type UUIDs struct {
	Public  uuid.UUID `json:"public"`
	Private uuid.UUID `json:"private"`
	// Peer is the compact ID used in version vectors.
	Peer vtime.PeerID `json:"-"`

	PeerHex string `json:"peer"`
}

// Database is an open database bundle.
type Database struct {
	name string
	dir  string
	cfg  Config

	store *sqlite.Store
	blobs *blob.Store

	collections map[string]*Collection
	collMu      sync.Mutex

	uuids UUIDs

	sweeper *sweeper
	logger  logging.Logger

	// enumerators counts open iterators; Close refuses while nonzero.
	enumerators atomic.Int64
	closed      atomic.Bool
}

// Open opens (or creates) the database bundle at the given path. The
// path names the bundle directory, with or without the ".perch"
// extension.
func Open(path string, cfg Config) (*Database, error) {
	cfg.ensureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.InvalidArgument(fmt.Sprintf("database config: %s", err))
	}

	if !strings.HasSuffix(path, BundleExtension) {
		path += BundleExtension
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.CantOpenFile(fmt.Sprintf("%s: %s", path, err))
	}

	store, err := sqlite.Open(filepath.Join(path, dbFileName), sqlite.Options{
		ReadOnly: cfg.ReadOnly,
	})
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewStore(filepath.Join(path, attachmentsDir), blob.Options{
		EncryptionKey: cfg.EncryptionKey,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	name := strings.TrimSuffix(filepath.Base(path), BundleExtension)
	database := &Database{
		name:        name,
		dir:         path,
		cfg:         cfg,
		store:       store,
		blobs:       blobs,
		collections: make(map[string]*Collection),
		logger:      logging.New("db", logging.NewField("db", name)),
	}

	if err := database.loadUUIDs(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}

	database.sweeper = newSweeper(database)
	return database, nil
}

// loadUUIDs loads the instance identity from the info store, creating it
// on first open.
func (d *Database) loadUUIDs(ctx context.Context) error {
	info, err := d.store.RawStore(infoStoreName)
	if err != nil {
		return err
	}

	rec, err := info.Get(ctx, uuidsInfoKey, storage.EntireBody)
	if err == nil {
		if jerr := json.Unmarshal(rec.Body, &d.uuids); jerr != nil {
			return errors.Corrupt(fmt.Sprintf("database uuids: %s", jerr))
		}
		d.uuids.Peer, err = vtime.PeerIDFromHex(d.uuids.PeerHex)
		if err != nil {
			return errors.Corrupt(fmt.Sprintf("database peer id: %s", err))
		}
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if d.cfg.ReadOnly {
		return errors.NotWriteable("database has no identity and is read-only")
	}

	d.uuids = UUIDs{
		Public:  uuid.New(),
		Private: uuid.New(),
		Peer:    vtime.NewPeerID(),
	}
	d.uuids.PeerHex = d.uuids.Peer.String()

	encoded, err := json.Marshal(d.uuids)
	if err != nil {
		return fmt.Errorf("encode uuids: %w", err)
	}

	return d.WithTransaction(ctx, func(txn storage.Transaction) error {
		return info.SetRaw(ctx, uuidsInfoKey, encoded, txn)
	})
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// Dir returns the bundle directory.
func (d *Database) Dir() string { return d.dir }

// Config returns the configuration the database was opened with.
func (d *Database) Config() Config { return d.cfg }

// UUIDs returns the instance identity.
func (d *Database) UUIDs() UUIDs { return d.uuids }

// PeerID returns the compact identity used in version vectors.
func (d *Database) PeerID() vtime.PeerID { return d.uuids.Peer }

// BlobStore returns the attachment store.
func (d *Database) BlobStore() *blob.Store { return d.blobs }

// Store exposes the underlying storage engine.
func (d *Database) Store() storage.Store { return d.store }

// CheckpointStore returns the raw key-store holding replication
// checkpoints.
func (d *Database) CheckpointStore() (storage.KeyStore, error) {
	return d.store.RawStore(checkpointsStore)
}

// InfoStore returns the raw key-store holding instance metadata.
func (d *Database) InfoStore() (storage.KeyStore, error) {
	return d.store.RawStore(infoStoreName)
}

// DefaultCollection returns the collection that exists implicitly.
func (d *Database) DefaultCollection() (*Collection, error) {
	return d.Collection(DefaultCollectionName)
}

// Collection returns the named collection, creating it on first use.
func (d *Database) Collection(name string) (*Collection, error) {
	if d.closed.Load() {
		return nil, errors.Canceled("database is closed")
	}

	d.collMu.Lock()
	defer d.collMu.Unlock()

	if coll, ok := d.collections[name]; ok {
		return coll, nil
	}

	ks, err := d.store.KeyStore(name)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[string, storage.Record](d.cfg.DocumentCacheSize)
	if err != nil {
		return nil, errors.InvalidArgument(fmt.Sprintf("document cache: %s", err))
	}

	coll := &Collection{
		db:      d,
		name:    name,
		ks:      ks,
		tracker: tracker.New(d.cfg.TrackerRingSize),
		logger:  logging.New("collection", logging.NewField("coll", name)),
		cache:   cache,
	}
	d.collections[name] = coll
	return coll, nil
}

// WithTransaction runs fn inside the write transaction, committing on
// nil and aborting on error. Nested calls join the open transaction.
func (d *Database) WithTransaction(ctx context.Context, fn func(txn storage.Transaction) error) error {
	txn, err := d.store.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(txn); err != nil {
		if aerr := txn.Abort(); aerr != nil {
			d.logger.Warnf("abort transaction: %s", aerr)
		}
		return err
	}
	return txn.Commit()
}

// BeginTransaction opens (or nests into) the write transaction.
func (d *Database) BeginTransaction(ctx context.Context) (storage.Transaction, error) {
	return d.store.Begin(ctx)
}

// PendingBlob is a blob upload tied to a transaction: it installs into
// the content-addressed store only when the transaction commits.
type PendingBlob struct {
	Stream *blob.WriteStream
	db     *Database
}

// NewPendingBlob opens a blob upload that follows the transaction's
// outcome: staged content installs on commit and is discarded on abort.
func (d *Database) NewPendingBlob(txn storage.Transaction) (*PendingBlob, error) {
	stream, err := d.blobs.OpenWriteStream()
	if err != nil {
		return nil, err
	}

	pending := &PendingBlob{Stream: stream, db: d}
	txn.OnAbort(func() {
		if err := stream.Close(); err != nil {
			d.logger.Warnf("discard pending blob: %s", err)
		}
	})
	return pending, nil
}

// Stage finishes the upload and schedules installation at commit. The
// returned key is the computed digest; when expected is non-nil a
// mismatch fails immediately.
func (p *PendingBlob) Stage(txn storage.Transaction, expected *blob.Key) (blob.Key, error) {
	key := p.Stream.ComputedKey()
	if expected != nil && *expected != key {
		_ = p.Stream.Close()
		return blob.Key{}, errors.CorruptData(fmt.Sprintf(
			"blob digest mismatch: expected %s, got %s", expected, key))
	}

	txn.OnCommit(func() {
		if _, err := p.Stream.Install(&key); err != nil {
			p.db.logger.Errorf("install blob %s: %s", key, err)
		}
	})
	return key, nil
}

// Compact vacuums the file and collects orphaned blobs: any installed
// blob no longer referenced by a persisted revision body is deleted.
func (d *Database) Compact(ctx context.Context) error {
	if d.closed.Load() {
		return errors.Canceled("database is closed")
	}

	keep := make(map[blob.Key]bool)
	d.collMu.Lock()
	colls := make([]*Collection, 0, len(d.collections))
	for _, coll := range d.collections {
		colls = append(colls, coll)
	}
	d.collMu.Unlock()

	for _, coll := range colls {
		if err := coll.liveBlobKeys(ctx, keep); err != nil {
			return err
		}
	}

	deleted, err := d.blobs.DeleteExcept(keep)
	if err != nil {
		return err
	}
	if deleted > 0 {
		d.logger.Infof("compaction deleted %d orphaned blobs", deleted)
	}

	return d.store.Compact(ctx)
}

// Close releases the database. It fails with an error while iterators
// are open or a transaction is pending.
func (d *Database) Close() error {
	if d.closed.Load() {
		return nil
	}
	if n := d.enumerators.Load(); n > 0 {
		return errors.Busy(fmt.Sprintf("%d enumerators still open", n))
	}
	if d.store.InTransaction() {
		return storage.ErrTransactionNotClosed
	}

	d.closed.Store(true)
	d.sweeper.stop()

	d.collMu.Lock()
	for _, coll := range d.collections {
		coll.tracker.Close()
	}
	d.collMu.Unlock()

	return d.store.Close()
}

// Delete closes the database and removes the bundle from disk.
func (d *Database) Delete() error {
	if err := d.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(d.dir); err != nil {
		return fmt.Errorf("delete database: %w", err)
	}
	return nil
}
