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
	"fmt"

	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/errors"
)

// Index DDL. A value index is a SQL expression index over perch_value; a
// full-text index is an FTS5 table kept in sync by triggers; a vector
// index is a virtual table provided by the vectorsearch extension, also
// trigger-maintained. FTS5 needs the driver built with the sqlite_fts5
// tag; the vector extension is loaded by the embedding application.
// Creating either without its module fails at DDL time.

func (ks *keyStore) CreateIndex(ctx context.Context, spec storage.IndexSpec) error {
	if ks.raw {
		return errors.Unsupported("raw stores do not index")
	}
	if !storeNameRegex.MatchString(spec.Name) {
		return errors.InvalidArgument(fmt.Sprintf("invalid index name %q", spec.Name))
	}
	if spec.Expression == "" {
		return errors.InvalidArgument("index expression is empty")
	}

	var stmts []string
	var table string
	switch spec.Type {
	case storage.IndexValue:
		table = fmt.Sprintf("idx_%s", spec.Name)
		stmts = []string{fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %q ON %s (perch_value(body, %s))`,
			table, ks.table(), sqlString(spec.Expression))}

	case storage.IndexFullText:
		table = fmt.Sprintf("fts_%s", spec.Name)
		tokenizer := "unicode61"
		if spec.Language != "" {
			tokenizer = fmt.Sprintf("porter %s", spec.Language)
		}
		stmts = []string{
			fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %q USING fts5(text, tokenize=%s)`,
				table, sqlString(tokenizer)),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %q AFTER INSERT ON %s BEGIN
				INSERT INTO %q (rowid, text) VALUES (new.rowid, perch_value(new.body, %s));
			END`, table+"_ins", ks.table(), table, sqlString(spec.Expression)),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %q AFTER DELETE ON %s BEGIN
				DELETE FROM %q WHERE rowid = old.rowid;
			END`, table+"_del", ks.table(), table),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %q AFTER UPDATE ON %s BEGIN
				DELETE FROM %q WHERE rowid = old.rowid;
				INSERT INTO %q (rowid, text) VALUES (new.rowid, perch_value(new.body, %s));
			END`, table+"_upd", ks.table(), table, table, sqlString(spec.Expression)),
		}

	case storage.IndexVector:
		if spec.Dimensions <= 0 {
			return errors.InvalidArgument("vector index requires dimensions")
		}
		centroids := spec.Centroids
		if centroids <= 0 {
			centroids = 1
		}
		table = fmt.Sprintf("vec_%s", spec.Name)
		stmts = []string{
			fmt.Sprintf(
				`CREATE VIRTUAL TABLE IF NOT EXISTS %q USING vectorsearch(dimensions=%d,centroids=%d)`,
				table, spec.Dimensions, centroids),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %q AFTER INSERT ON %s BEGIN
				INSERT INTO %q (rowid, vector) VALUES (new.rowid, encode_vector(perch_value(new.body, %s)));
			END`, table+"_ins", ks.table(), table, sqlString(spec.Expression)),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %q AFTER DELETE ON %s BEGIN
				DELETE FROM %q WHERE rowid = old.rowid;
			END`, table+"_del", ks.table(), table),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %q AFTER UPDATE ON %s BEGIN
				DELETE FROM %q WHERE rowid = old.rowid;
				INSERT INTO %q (rowid, vector) VALUES (new.rowid, encode_vector(perch_value(new.body, %s)));
			END`, table+"_upd", ks.table(), table, table, sqlString(spec.Expression)),
		}

	default:
		return errors.Unsupported(fmt.Sprintf("index type %d", spec.Type))
	}

	return ks.store.WithFileLock(func() error {
		for _, stmt := range stmts {
			if _, err := ks.store.db.ExecContext(ctx, stmt); err != nil {
				return mapSQLiteError(err)
			}
		}
		_, err := ks.store.db.ExecContext(ctx,
			`INSERT INTO indexes (name, store, type, expression, dimensions, centroids, language, sql_table)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET
			   store = excluded.store, type = excluded.type,
			   expression = excluded.expression, dimensions = excluded.dimensions,
			   centroids = excluded.centroids, language = excluded.language,
			   sql_table = excluded.sql_table`,
			spec.Name, ks.name, int(spec.Type), spec.Expression,
			spec.Dimensions, spec.Centroids, spec.Language, table)
		return mapSQLiteError(err)
	})
}

func (ks *keyStore) DeleteIndex(ctx context.Context, name string) error {
	infos, err := ks.IndexesInfo(ctx)
	if err != nil {
		return err
	}

	for _, info := range infos {
		if info.Spec.Name != name {
			continue
		}
		return ks.store.WithFileLock(func() error {
			var stmts []string
			switch info.Spec.Type {
			case storage.IndexValue:
				stmts = []string{fmt.Sprintf(`DROP INDEX IF EXISTS %q`, info.Table)}
			default:
				stmts = []string{
					fmt.Sprintf(`DROP TRIGGER IF EXISTS %q`, info.Table+"_ins"),
					fmt.Sprintf(`DROP TRIGGER IF EXISTS %q`, info.Table+"_del"),
					fmt.Sprintf(`DROP TRIGGER IF EXISTS %q`, info.Table+"_upd"),
					fmt.Sprintf(`DROP TABLE IF EXISTS %q`, info.Table),
				}
			}
			for _, stmt := range stmts {
				if _, err := ks.store.db.ExecContext(ctx, stmt); err != nil {
					return mapSQLiteError(err)
				}
			}
			_, err := ks.store.db.ExecContext(ctx, "DELETE FROM indexes WHERE name = ?", name)
			return mapSQLiteError(err)
		})
	}
	return storage.ErrNotFound
}

func (ks *keyStore) IndexesInfo(ctx context.Context) ([]storage.IndexInfo, error) {
	rows, err := ks.querier().QueryContext(ctx,
		`SELECT name, type, expression, dimensions, centroids, language, sql_table
		 FROM indexes WHERE store = ? ORDER BY name`, ks.name)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	defer func() { _ = rows.Close() }()

	var infos []storage.IndexInfo
	for rows.Next() {
		info := storage.IndexInfo{}
		var indexType int
		if err := rows.Scan(&info.Spec.Name, &indexType, &info.Spec.Expression,
			&info.Spec.Dimensions, &info.Spec.Centroids, &info.Spec.Language,
			&info.Table); err != nil {
			return nil, mapSQLiteError(err)
		}
		info.Spec.Type = storage.IndexType(indexType)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// sqlString quotes a string as a SQL literal.
func sqlString(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
		} else {
			out = append(out, s[i])
		}
	}
	return string(append(out, '\''))
}
