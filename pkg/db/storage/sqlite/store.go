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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/perchdb/perch/internal/logging"
	"github.com/perchdb/perch/pkg/cmap"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/errors"
)

// openFiles is the process-global registry preventing two writable
// handles on the same file.
var openFiles = cmap.New[string, *fileEntry]()

type fileEntry struct {
	writers int
	readers int
}

// Options configure a Store.
type Options struct {
	ReadOnly bool
	// WALFlushDefault forces a WAL checkpoint on every commit.
	WALFlushDefault bool
}

// Store is a single SQLite file holding multiple key-stores.
type Store struct {
	path     string
	db       *sql.DB
	readOnly bool
	logger   logging.Logger

	// writeMu is the file lock: it serializes the write transaction and
	// WithFileLock holders.
	writeMu sync.Mutex

	// txnMu guards txn.
	txnMu sync.Mutex
	txn   *transaction

	keyStores map[string]*keyStore
	ksMu      sync.Mutex
}

// Open opens (or creates) the store at the given path.
func Open(path string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.CantOpenFile(fmt.Sprintf("%s: %s", path, err))
	}

	if err := registerOpen(abs, !opts.ReadOnly); err != nil {
		return nil, err
	}

	dsn := abs + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=0"
	if opts.ReadOnly {
		dsn += "&mode=ro"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		unregisterOpen(abs, !opts.ReadOnly)
		return nil, errors.CantOpenFile(fmt.Sprintf("%s: %s", path, err))
	}

	store := &Store{
		path:      abs,
		db:        db,
		readOnly:  opts.ReadOnly,
		logger:    logging.New("sqlite"),
		keyStores: make(map[string]*keyStore),
	}

	if !opts.ReadOnly {
		if err := store.migrate(); err != nil {
			_ = db.Close()
			unregisterOpen(abs, !opts.ReadOnly)
			return nil, err
		}
	}
	return store, nil
}

func registerOpen(path string, writable bool) error {
	var conflict bool
	openFiles.Upsert(path, func(entry *fileEntry, exists bool) *fileEntry {
		if !exists {
			entry = &fileEntry{}
		}
		if writable && entry.writers > 0 {
			conflict = true
			return entry
		}
		if writable {
			entry.writers++
		} else {
			entry.readers++
		}
		return entry
	})
	if conflict {
		return storage.ErrBusy
	}
	return nil
}

func unregisterOpen(path string, writable bool) {
	openFiles.Upsert(path, func(entry *fileEntry, exists bool) *fileEntry {
		if !exists {
			return &fileEntry{}
		}
		if writable {
			entry.writers--
		} else {
			entry.readers--
		}
		return entry
	})
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sequences (
			store TEXT PRIMARY KEY,
			seq INTEGER NOT NULL DEFAULT 0,
			purge_count INTEGER NOT NULL DEFAULT 0)`,
		`CREATE TABLE IF NOT EXISTS indexes (
			name TEXT PRIMARY KEY,
			store TEXT NOT NULL,
			type INTEGER NOT NULL,
			expression TEXT NOT NULL,
			dimensions INTEGER NOT NULL DEFAULT 0,
			centroids INTEGER NOT NULL DEFAULT 0,
			language TEXT NOT NULL DEFAULT '',
			sql_table TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return mapSQLiteError(err)
		}
	}
	return nil
}

// Path returns the absolute path of the database file.
func (s *Store) Path() string {
	return s.path
}

// KeyStore returns the sequence-assigning key-store with the given name.
func (s *Store) KeyStore(name string) (storage.KeyStore, error) {
	return s.keyStore(name, false)
}

// RawStore returns a key-store without sequence assignment.
func (s *Store) RawStore(name string) (storage.KeyStore, error) {
	return s.keyStore(name, true)
}

func (s *Store) keyStore(name string, raw bool) (storage.KeyStore, error) {
	s.ksMu.Lock()
	defer s.ksMu.Unlock()

	if ks, ok := s.keyStores[name]; ok {
		return ks, nil
	}

	ks := &keyStore{store: s, name: name, raw: raw}
	if !s.readOnly {
		if err := ks.createTable(); err != nil {
			return nil, err
		}
	}
	s.keyStores[name] = ks
	return ks, nil
}

// transaction is the ref-counted write transaction. Nested Begin calls
// return the same transaction; the outermost Commit or Abort ends it.
type transaction struct {
	store    *Store
	tx       *sql.Tx
	depth    int
	aborted  bool
	walFlush bool

	commitHooks []func()
	abortHooks  []func()
}

// Begin opens (or nests into) the write transaction. The outermost call
// takes the file lock; nested calls just bump the reference count.
func (s *Store) Begin(ctx context.Context) (storage.Transaction, error) {
	if s.readOnly {
		return nil, storage.ErrNotWriteable
	}

	s.txnMu.Lock()
	if s.txn != nil {
		s.txn.depth++
		txn := s.txn
		s.txnMu.Unlock()
		return txn, nil
	}
	s.txnMu.Unlock()

	// Outermost begin: acquire the file lock, then open the SQL txn.
	s.writeMu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return nil, mapSQLiteError(err)
	}

	txn := &transaction{store: s, tx: tx, depth: 1}
	s.txnMu.Lock()
	s.txn = txn
	s.txnMu.Unlock()
	return txn, nil
}

// InTransaction reports whether a write transaction is open.
func (s *Store) InTransaction() bool {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	return s.txn != nil
}

// WithFileLock serializes fn against the write transaction and other
// file-lock holders without opening a transaction.
func (s *Store) WithFileLock(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn()
}

// Commit ends one nesting level; the outermost level commits the SQL
// transaction, runs WAL flush if requested and fires commit hooks
// outside the file lock.
func (t *transaction) Commit() error {
	s := t.store
	s.txnMu.Lock()
	t.depth--
	if t.depth > 0 {
		s.txnMu.Unlock()
		return nil
	}
	s.txn = nil
	aborted := t.aborted
	s.txnMu.Unlock()

	var err error
	if aborted {
		err = t.tx.Rollback()
	} else {
		err = t.tx.Commit()
	}

	if err == nil && !aborted && t.walFlush {
		if _, werr := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); werr != nil {
			s.logger.Warnf("wal checkpoint: %s", werr)
		}
	}
	s.writeMu.Unlock()

	if err != nil {
		return mapSQLiteError(err)
	}

	hooks := t.commitHooks
	if aborted {
		hooks = t.abortHooks
	}
	for _, hook := range hooks {
		hook()
	}

	if aborted {
		// An inner Abort dooms the whole transaction; the outermost
		// Commit must not report success.
		return errors.Canceled("transaction was aborted by a nested level")
	}
	return nil
}

// Abort discards all writes since the outermost begin. Inner levels mark
// the transaction doomed; the outermost Commit performs the rollback.
func (t *transaction) Abort() error {
	s := t.store
	s.txnMu.Lock()
	t.aborted = true
	t.depth--
	if t.depth > 0 {
		s.txnMu.Unlock()
		return nil
	}
	s.txn = nil
	s.txnMu.Unlock()

	err := t.tx.Rollback()
	s.writeMu.Unlock()

	if err != nil {
		return mapSQLiteError(err)
	}
	for _, hook := range t.abortHooks {
		hook()
	}
	return nil
}

// SetWALFlush forces a WAL checkpoint when the commit lands.
func (t *transaction) SetWALFlush() {
	t.walFlush = true
}

// OnCommit registers a hook run after a successful commit.
func (t *transaction) OnCommit(fn func()) {
	t.commitHooks = append(t.commitHooks, fn)
}

// OnAbort registers a hook run after the transaction is discarded.
func (t *transaction) OnAbort(fn func()) {
	t.abortHooks = append(t.abortHooks, fn)
}

// current returns the open transaction or ErrNotInTransaction.
func (s *Store) current(txn storage.Transaction) (*transaction, error) {
	t, ok := txn.(*transaction)
	if !ok || t == nil {
		return nil, storage.ErrNotInTransaction
	}
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if s.txn != t {
		return nil, storage.ErrNotInTransaction
	}
	return t, nil
}

// Compact vacuums the file.
func (s *Store) Compact(ctx context.Context) error {
	if s.readOnly {
		return storage.ErrNotWriteable
	}
	return s.WithFileLock(func() error {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return mapSQLiteError(err)
		}
		return nil
	})
}

// Close releases the store. It fails if a transaction is still open.
func (s *Store) Close() error {
	s.txnMu.Lock()
	open := s.txn != nil
	s.txnMu.Unlock()
	if open {
		return storage.ErrTransactionNotClosed
	}

	err := s.db.Close()
	unregisterOpen(s.path, !s.readOnly)
	if err != nil {
		return mapSQLiteError(err)
	}
	return nil
}

// mapSQLiteError converts driver errors into (domain, code) identities.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}

	if sqliteErr, ok := err.(sqlite3.Error); ok {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return storage.ErrBusy
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return storage.ErrCorrupt
		case sqlite3.ErrCantOpen:
			return storage.ErrCantOpenFile
		case sqlite3.ErrReadonly:
			return storage.ErrNotWriteable
		default:
			return errors.New(errors.DomainSQLite, errors.Code(sqliteErr.Code), err.Error())
		}
	}
	return err
}
