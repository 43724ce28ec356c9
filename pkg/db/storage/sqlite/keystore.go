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
	"regexp"

	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/errors"
)

var storeNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

type keyStore struct {
	store *Store
	name  string
	raw   bool
}

func (ks *keyStore) Name() string {
	return ks.name
}

func (ks *keyStore) table() string {
	if ks.raw {
		return `"raw_` + ks.name + `"`
	}
	return `"kv_` + ks.name + `"`
}

func (ks *keyStore) createTable() error {
	if !storeNameRegex.MatchString(ks.name) {
		return errors.InvalidArgument(fmt.Sprintf("invalid key-store name %q", ks.name))
	}

	var stmts []string
	if ks.raw {
		stmts = []string{fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, body BLOB)`,
			ks.table())}
	} else {
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				sequence INTEGER NOT NULL DEFAULT 0,
				flags INTEGER NOT NULL DEFAULT 0,
				expiration INTEGER NOT NULL DEFAULT 0,
				meta BLOB,
				body BLOB)`, ks.table()),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS "kv_%s_seq" ON "kv_%s" (sequence)`,
				ks.name, ks.name),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "kv_%s_exp" ON "kv_%s" (expiration)
				WHERE expiration > 0`, ks.name, ks.name),
		}
	}
	for _, stmt := range stmts {
		if _, err := ks.store.db.Exec(stmt); err != nil {
			return mapSQLiteError(err)
		}
	}
	if !ks.raw {
		if _, err := ks.store.db.Exec(
			"INSERT OR IGNORE INTO sequences (store, seq) VALUES (?, 0)", ks.name); err != nil {
			return mapSQLiteError(err)
		}
	}
	return nil
}

// querier selects the open transaction when there is one so reads inside
// a transaction see its writes.
func (ks *keyStore) querier() interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	s := ks.store
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if s.txn != nil {
		return s.txn.tx
	}
	return s.db
}

func (ks *keyStore) columns(content storage.ContentOption) string {
	switch content {
	case storage.MetaOnly:
		return "key, sequence, flags, expiration, meta, NULL"
	default:
		return "key, sequence, flags, expiration, meta, body"
	}
}

func scanRecord(row interface{ Scan(...any) error }) (storage.Record, error) {
	rec := storage.Record{}
	var flags int64
	if err := row.Scan(&rec.Key, &rec.Sequence, &flags, &rec.Expiration, &rec.Meta, &rec.Body); err != nil {
		if err == sql.ErrNoRows {
			return rec, storage.ErrNotFound
		}
		return rec, mapSQLiteError(err)
	}
	rec.Flags = storage.RecordFlags(flags)
	rec.Exists = true
	return rec, nil
}

func (ks *keyStore) Get(ctx context.Context, key string, content storage.ContentOption) (storage.Record, error) {
	if ks.raw {
		rec := storage.Record{Key: key}
		err := ks.querier().QueryRowContext(ctx,
			fmt.Sprintf("SELECT body FROM %s WHERE key = ?", ks.table()), key).
			Scan(&rec.Body)
		if err == sql.ErrNoRows {
			return rec, storage.ErrNotFound
		}
		if err != nil {
			return rec, mapSQLiteError(err)
		}
		rec.Exists = true
		return rec, nil
	}

	row := ks.querier().QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE key = ?", ks.columns(content), ks.table()), key)
	return scanRecord(row)
}

func (ks *keyStore) GetBySequence(ctx context.Context, seq uint64, content storage.ContentOption) (storage.Record, error) {
	if ks.raw {
		return storage.Record{}, errors.Unsupported("raw stores have no sequences")
	}
	row := ks.querier().QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE sequence = ?", ks.columns(content), ks.table()), seq)
	return scanRecord(row)
}

func (ks *keyStore) Set(ctx context.Context, record storage.Record, txn storage.Transaction) (uint64, error) {
	if ks.raw {
		return 0, errors.Unsupported("raw stores assign no sequences; use SetRaw")
	}
	t, err := ks.store.current(txn)
	if err != nil {
		return 0, err
	}

	var seq uint64
	err = t.tx.QueryRowContext(ctx,
		"UPDATE sequences SET seq = seq + 1 WHERE store = ? RETURNING seq", ks.name).
		Scan(&seq)
	if err != nil {
		return 0, mapSQLiteError(err)
	}

	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, sequence, flags, expiration, meta, body)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   sequence = excluded.sequence,
		   flags = excluded.flags,
		   expiration = excluded.expiration,
		   meta = excluded.meta,
		   body = excluded.body`, ks.table()),
		record.Key, seq, int64(record.Flags), record.Expiration, record.Meta, record.Body)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return seq, nil
}

func (ks *keyStore) SetRaw(ctx context.Context, key string, body []byte, txn storage.Transaction) error {
	t, err := ks.store.current(txn)
	if err != nil {
		return err
	}
	if !ks.raw {
		return errors.Unsupported("SetRaw requires a raw store")
	}

	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, body) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET body = excluded.body`, ks.table()),
		key, body)
	if err != nil {
		return mapSQLiteError(err)
	}
	return nil
}

func (ks *keyStore) Del(ctx context.Context, key string, txn storage.Transaction) (bool, error) {
	t, err := ks.store.current(txn)
	if err != nil {
		return false, err
	}

	result, err := t.tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE key = ?", ks.table()), key)
	if err != nil {
		return false, mapSQLiteError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, mapSQLiteError(err)
	}
	if affected > 0 && !ks.raw {
		if _, err := t.tx.ExecContext(ctx,
			"UPDATE sequences SET purge_count = purge_count + 1 WHERE store = ?",
			ks.name); err != nil {
			return false, mapSQLiteError(err)
		}
	}
	return affected > 0, nil
}

type recordIterator struct {
	rows *sql.Rows
	rec  storage.Record
	err  error
}

func (it *recordIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		it.err = coalesceErr(it.err, it.rows.Err())
		return false
	}
	rec, err := scanRecord(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.rec = rec
	return true
}

func (it *recordIterator) Record() storage.Record { return it.rec }
func (it *recordIterator) Err() error             { return it.err }
func (it *recordIterator) Close() error           { return it.rows.Close() }

func coalesceErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

func (ks *keyStore) Enumerate(ctx context.Context, opts storage.EnumerateOptions) (storage.Iterator, error) {
	if ks.raw {
		return nil, errors.Unsupported("raw stores do not enumerate")
	}

	query := fmt.Sprintf("SELECT %s FROM %s", ks.columns(opts.Content), ks.table())
	var args []any
	var conds []string

	if opts.Since > 0 {
		conds = append(conds, "sequence > ?")
		args = append(args, opts.Since)
	}
	if !opts.IncludeDeleted {
		conds = append(conds, fmt.Sprintf("flags & %d = 0", storage.RecordDeleted))
	}
	if opts.OnlyConflicts {
		conds = append(conds, fmt.Sprintf("flags & %d != 0", storage.RecordConflicted))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	if !opts.Unsorted {
		order := "key"
		if opts.Since > 0 {
			order = "sequence"
		}
		query += " ORDER BY " + order
		if opts.Descending {
			query += " DESC"
		}
	}

	rows, err := ks.querier().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	return &recordIterator{rows: rows}, nil
}

func (ks *keyStore) LastSequence(ctx context.Context) (uint64, error) {
	var seq uint64
	err := ks.querier().QueryRowContext(ctx,
		"SELECT seq FROM sequences WHERE store = ?", ks.name).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return seq, nil
}

func (ks *keyStore) DocumentCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := ks.querier().QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE flags & %d = 0",
		ks.table(), storage.RecordDeleted)).Scan(&count)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return count, nil
}

func (ks *keyStore) PurgeCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := ks.querier().QueryRowContext(ctx,
		"SELECT purge_count FROM sequences WHERE store = ?", ks.name).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	return count, nil
}

func (ks *keyStore) SetExpiration(ctx context.Context, key string, when int64, txn storage.Transaction) error {
	t, err := ks.store.current(txn)
	if err != nil {
		return err
	}

	result, err := t.tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET expiration = ? WHERE key = ?", ks.table()), when, key)
	if err != nil {
		return mapSQLiteError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return mapSQLiteError(err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (ks *keyStore) NextExpiration(ctx context.Context) (int64, error) {
	var when sql.NullInt64
	err := ks.querier().QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MIN(expiration) FROM %s WHERE expiration > 0", ks.table())).Scan(&when)
	if err != nil {
		return 0, mapSQLiteError(err)
	}
	if !when.Valid {
		return 0, nil
	}
	return when.Int64, nil
}

func (ks *keyStore) ExpireRecords(ctx context.Context, now int64, txn storage.Transaction) ([]string, error) {
	t, err := ks.store.current(txn)
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(
		"SELECT key FROM %s WHERE expiration > 0 AND expiration <= ?", ks.table()), now)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return nil, mapSQLiteError(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Close(); err != nil {
		return nil, mapSQLiteError(err)
	}

	for _, key := range keys {
		if _, err := ks.Del(ctx, key, txn); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
