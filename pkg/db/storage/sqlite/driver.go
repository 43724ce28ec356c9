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

// Package sqlite implements the storage contract over a SQLite file using
// the mattn/go-sqlite3 driver. Each key-store is a table; sequences are
// assigned from a per-store counter inside the write transaction.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// driverName is the database/sql driver registered by this package.
const driverName = "perch_sqlite"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// perch_value navigates a stored JSON body by dot path. Query
			// translation and index expressions compile down to it.
			return conn.RegisterFunc("perch_value", perchValue, true)
		},
	})
}

// perchValue extracts the value at the dot-separated path from a JSON
// body. Missing paths return nil, which SQL treats as NULL. Dictionary
// and array results are returned re-encoded so they remain comparable.
func perchValue(body []byte, path string) any {
	if len(body) == 0 {
		return nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return nil
	}

	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			var ok bool
			if value, ok = v[part]; !ok {
				return nil
			}
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			value = v[idx]
		default:
			return nil
		}
	}

	switch v := value.(type) {
	case nil, bool, float64, string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(encoded)
	}
}
