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

// Package storage defines the key-value storage contract the database is
// built on: key-stores holding records under transactional semantics,
// sequence assignment, expiration and index management.
package storage

import (
	"context"

	"github.com/perchdb/perch/pkg/errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.NotFound("record not found")

	// ErrBusy is returned when another writer holds the file.
	ErrBusy = errors.Busy("database is locked by another writer")

	// ErrCorrupt is returned when stored data fails an integrity check.
	ErrCorrupt = errors.Corrupt("database file is corrupt")

	// ErrCantOpenFile is returned when the database file cannot be opened.
	ErrCantOpenFile = errors.CantOpenFile("cannot open database file")

	// ErrNotWriteable is returned on writes through a read-only handle.
	ErrNotWriteable = errors.NotWriteable("database is read-only")

	// ErrNotInTransaction is returned on writes outside a transaction.
	ErrNotInTransaction = errors.NotInTransaction("operation requires a transaction")

	// ErrTransactionNotClosed is returned when a handle closes with an
	// open transaction.
	ErrTransactionNotClosed = errors.TransactionNotClosed("a transaction is still open")
)

// RecordFlags is the persistent flag bitset of a record.
type RecordFlags uint8

const (
	// RecordDeleted marks a record whose current revision is a tombstone.
	RecordDeleted RecordFlags = 1 << iota

	// RecordConflicted marks a record with more than one live leaf.
	RecordConflicted

	// RecordHasAttachments marks a record whose body references blobs.
	RecordHasAttachments
)

// Record is a single entry of a key-store.
type Record struct {
	Key        string
	Meta       []byte
	Body       []byte
	Sequence   uint64
	Flags      RecordFlags
	Expiration int64
	Exists     bool
}

// ContentOption selects how much of a record to load.
type ContentOption int

const (
	// MetaOnly loads the key, sequence, flags and meta blob.
	MetaOnly ContentOption = iota

	// CurrentRevOnly additionally loads the current revision body.
	CurrentRevOnly

	// EntireBody loads everything, including non-current revision bodies
	// held in the meta blob.
	EntireBody
)

// EnumerateOptions control record enumeration.
type EnumerateOptions struct {
	Descending     bool
	Unsorted       bool
	IncludeDeleted bool
	OnlyConflicts  bool
	Since          uint64
	Content        ContentOption
}

// Iterator is a lazy sequence of records. Next returns false at the end;
// Close releases the underlying cursor and must always be called.
type Iterator interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// IndexType distinguishes the kinds of secondary index.
type IndexType int

const (
	// IndexValue indexes a scalar expression.
	IndexValue IndexType = iota

	// IndexFullText indexes text for MATCH queries.
	IndexFullText

	// IndexVector indexes an embedding for approximate-nearest-neighbor
	// queries.
	IndexVector
)

// String returns the name of the index type.
func (t IndexType) String() string {
	switch t {
	case IndexValue:
		return "value"
	case IndexFullText:
		return "full-text"
	case IndexVector:
		return "vector"
	default:
		return "unknown"
	}
}

// IndexSpec describes a secondary index.
type IndexSpec struct {
	Name       string
	Type       IndexType
	Expression string
	// Dimensions and Centroids apply to vector indexes.
	Dimensions int
	Centroids  int
	// Language applies to full-text indexes.
	Language string
}

// IndexInfo describes an existing index.
type IndexInfo struct {
	Spec IndexSpec
	// Table is the backing SQL object, exposed for explain output.
	Table string
}

// Transaction is an open write transaction on a store. Begin/End calls
// nest by reference count; the outermost End commits or aborts.
type Transaction interface {
	// Commit marks the outermost transaction for commit.
	Commit() error

	// Abort discards all writes since the outermost begin.
	Abort() error

	// SetWALFlush forces a WAL checkpoint when the commit lands.
	SetWALFlush()

	// OnCommit registers a hook run after a successful commit, outside
	// the write lock.
	OnCommit(fn func())

	// OnAbort registers a hook run after the transaction is discarded.
	OnAbort(fn func())
}

// KeyStore is an ordered mapping from key to record inside a store.
type KeyStore interface {
	// Name returns the key-store name.
	Name() string

	// Get loads the record with the given key.
	Get(ctx context.Context, key string, content ContentOption) (Record, error)

	// GetBySequence loads the record persisted at the given sequence.
	GetBySequence(ctx context.Context, seq uint64, content ContentOption) (Record, error)

	// Set writes a record within the transaction and returns the newly
	// assigned sequence.
	Set(ctx context.Context, record Record, txn Transaction) (uint64, error)

	// SetRaw writes a record without assigning a sequence; used by raw
	// stores such as checkpoints and info.
	SetRaw(ctx context.Context, key string, body []byte, txn Transaction) error

	// Del removes the record with the given key. It returns whether a
	// record was removed.
	Del(ctx context.Context, key string, txn Transaction) (bool, error)

	// Enumerate returns a lazy sequence of records.
	Enumerate(ctx context.Context, opts EnumerateOptions) (Iterator, error)

	// LastSequence returns the latest sequence assigned in this store.
	LastSequence(ctx context.Context) (uint64, error)

	// DocumentCount returns the number of live records.
	DocumentCount(ctx context.Context) (uint64, error)

	// PurgeCount returns the number of purges performed on this store.
	PurgeCount(ctx context.Context) (uint64, error)

	// SetExpiration schedules the record to expire at the given absolute
	// millisecond timestamp; zero clears it.
	SetExpiration(ctx context.Context, key string, when int64, txn Transaction) error

	// NextExpiration returns the earliest pending expiration, or zero.
	NextExpiration(ctx context.Context) (int64, error)

	// ExpireRecords purges every record due at or before now and returns
	// the purged keys.
	ExpireRecords(ctx context.Context, now int64, txn Transaction) ([]string, error)

	// CreateIndex creates a secondary index.
	CreateIndex(ctx context.Context, spec IndexSpec) error

	// DeleteIndex removes the index with the given name.
	DeleteIndex(ctx context.Context, name string) error

	// IndexesInfo lists the existing indexes.
	IndexesInfo(ctx context.Context) ([]IndexInfo, error)
}

// Store is a single database file holding multiple key-stores.
type Store interface {
	// KeyStore returns the key-store with the given name, creating it on
	// first use.
	KeyStore(name string) (KeyStore, error)

	// RawStore returns a key-store without sequence assignment, such as
	// "info" or "checkpoints".
	RawStore(name string) (KeyStore, error)

	// Begin opens (or nests into) the write transaction.
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction reports whether a write transaction is open.
	InTransaction() bool

	// WithFileLock serializes fn against other file-lock holders without
	// opening a transaction.
	WithFileLock(fn func() error) error

	// Compact vacuums the file and reclaims space.
	Compact(ctx context.Context) error

	// Close releases the store. It fails with ErrTransactionNotClosed if
	// a transaction is open.
	Close() error
}
