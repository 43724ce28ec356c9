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

// Package query compiles a JSON query AST into SQL over the backing
// store, planning joins against full-text and vector indexes.
package query

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/errors"
)

// docAlias is the alias of the outer collection table in generated SQL.
const docAlias = "doc"

// maxVectorLimit caps the LIMIT of an approximate vector query.
const maxVectorLimit = 10000

// Compiled is a translated query: the SQL text plus the parameter names
// in positional placeholder order.
type Compiled struct {
	SQL        string
	Parameters []string
}

// Bind produces the positional argument list for the given named
// parameters. Missing parameters fail.
func (c *Compiled) Bind(params map[string]any) ([]any, error) {
	args := make([]any, 0, len(c.Parameters))
	for _, name := range c.Parameters {
		value, ok := params[name]
		if !ok {
			return nil, errors.InvalidArgument(fmt.Sprintf("missing query parameter $%s", name))
		}
		args = append(args, value)
	}
	return args, nil
}

// Compiler translates query ASTs for one collection, caching compiled
// statements.
type Compiler struct {
	table   string
	indexes []storage.IndexInfo
	cache   *lru.Cache[string, *Compiled]
}

// NewCompiler creates a compiler over the given key-store table (the
// SQL-level name, e.g. kv_default) and its indexes.
func NewCompiler(table string, indexes []storage.IndexInfo) (*Compiler, error) {
	cache, err := lru.New[string, *Compiled](64)
	if err != nil {
		return nil, errors.InvalidArgument(fmt.Sprintf("query cache: %s", err))
	}
	return &Compiler{table: table, indexes: indexes, cache: cache}, nil
}

// Compile translates a query AST. The AST is either a SELECT dictionary
// {"WHAT": [...], "WHERE": [...], ...} or raw JSON bytes of one.
func (c *Compiler) Compile(ast any) (*Compiled, error) {
	spec, key, err := normalizeAST(ast)
	if err != nil {
		return nil, err
	}

	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	t := &translator{
		table:   c.table,
		indexes: c.indexes,
	}
	compiled, err := t.translateSelect(spec)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, compiled)
	return compiled, nil
}

// Explain compiles the AST and returns the SQL it would run.
func (c *Compiler) Explain(ast any) (string, error) {
	compiled, err := c.Compile(ast)
	if err != nil {
		return "", err
	}
	return compiled.SQL, nil
}

func normalizeAST(ast any) (map[string]any, string, error) {
	var raw []byte
	switch v := ast.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, "", errors.InvalidArgument(fmt.Sprintf("query ast: %s", err))
		}
		raw = encoded
	}

	var spec map[string]any
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, "", errors.InvalidArgument(fmt.Sprintf("query ast: %s", err))
	}

	// Re-encode for a canonical cache key: encoding/json sorts map keys.
	key, err := json.Marshal(spec)
	if err != nil {
		return nil, "", errors.InvalidArgument(fmt.Sprintf("query ast: %s", err))
	}
	return spec, string(key), nil
}

// getCaseInsensitive looks a key up ignoring case, matching how query
// dictionaries arrive from different client SDKs.
func getCaseInsensitive(spec map[string]any, key string) (any, bool) {
	if v, ok := spec[key]; ok {
		return v, true
	}
	for k, v := range spec {
		if equalFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
