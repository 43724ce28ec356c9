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

package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/errors"
)

const (
	matchFnName        = "MATCH()"
	vectorDistanceName = "APPROX_VECTOR_DISTANCE()"
)

// binaryOps maps AST operators to SQL spellings.
var binaryOps = map[string]string{
	"=": "=", "!=": "<>", "<": "<", "<=": "<=", ">": ">", ">=": ">=",
	"+": "+", "-": "-", "*": "*", "/": "/", "%": "%",
	"LIKE": "LIKE",
}

// functions maps AST function calls (spelled with a "()" suffix) to SQL
// functions. Aggregates pass through unchanged.
var functions = map[string]string{
	"COUNT()": "count", "SUM()": "sum", "AVG()": "avg",
	"MIN()": "min", "MAX()": "max",
	"UPPER()": "upper", "LOWER()": "lower", "LENGTH()": "length",
	"ABS()": "abs", "ROUND()": "round", "TRIM()": "trim",
}

type ftsJoin struct {
	index storage.IndexInfo
}

type vectorJoin struct {
	index  storage.IndexInfo
	target any
	probes int64
	// nested selects the non-hybrid plan: a nested SELECT finds the
	// nearest vectors over the whole collection, so the outer join never
	// degenerates into a hybrid scan inside the extension's planner.
	nested bool
	limit  int64
}

type translator struct {
	table   string
	indexes []storage.IndexInfo

	sql    strings.Builder
	params []string

	ftsJoins    map[string]*ftsJoin
	vectorJoins map[string]*vectorJoin

	aliases map[string]string

	// orDepth tracks translation inside an OR, where a vector distance
	// call cannot be planned.
	orDepth int
}

func (t *translator) translateSelect(spec map[string]any) (*Compiled, error) {
	t.ftsJoins = make(map[string]*ftsJoin)
	t.vectorJoins = make(map[string]*vectorJoin)
	t.aliases = make(map[string]string)

	where, _ := getCaseInsensitive(spec, "WHERE")
	limit, hasLimit := getCaseInsensitive(spec, "LIMIT")

	if err := t.scanFullText(spec); err != nil {
		return nil, err
	}
	if err := t.scanVector(spec, where, limit, hasLimit); err != nil {
		return nil, err
	}

	t.sql.WriteString("SELECT ")
	if distinct, _ := getCaseInsensitive(spec, "DISTINCT"); distinct == true {
		t.sql.WriteString("DISTINCT ")
	}

	what, _ := getCaseInsensitive(spec, "WHAT")
	if err := t.writeWhat(what); err != nil {
		return nil, err
	}

	t.sql.WriteString(` FROM "` + t.table + `" AS ` + docAlias)
	if err := t.writeJoins(); err != nil {
		return nil, err
	}

	if where != nil {
		t.sql.WriteString(" WHERE ")
		if err := t.writeExpr(where); err != nil {
			return nil, err
		}
	}

	if groupBy, ok := getCaseInsensitive(spec, "GROUP_BY"); ok {
		items, ok := groupBy.([]any)
		if !ok {
			return nil, errors.InvalidArgument("GROUP_BY must be an array")
		}
		t.sql.WriteString(" GROUP BY ")
		for i, item := range items {
			if i > 0 {
				t.sql.WriteString(", ")
			}
			if err := t.writeExpr(item); err != nil {
				return nil, err
			}
		}
	}

	if orderBy, ok := getCaseInsensitive(spec, "ORDER_BY"); ok {
		if err := t.writeOrderBy(orderBy); err != nil {
			return nil, err
		}
	}

	if hasLimit {
		t.sql.WriteString(" LIMIT ")
		if err := t.writeExpr(limit); err != nil {
			return nil, err
		}
	}
	if offset, ok := getCaseInsensitive(spec, "OFFSET"); ok {
		t.sql.WriteString(" OFFSET ")
		if err := t.writeExpr(offset); err != nil {
			return nil, err
		}
	}

	return &Compiled{SQL: t.sql.String(), Parameters: t.params}, nil
}

func (t *translator) writeWhat(what any) error {
	items, ok := what.([]any)
	if !ok || len(items) == 0 {
		// Default result set: the document key.
		t.sql.WriteString(docAlias + ".key")
		return nil
	}

	for i, item := range items {
		if i > 0 {
			t.sql.WriteString(", ")
		}

		// ["AS", expr, alias] names a result column.
		if arr, ok := item.([]any); ok && len(arr) == 3 {
			if op, ok := arr[0].(string); ok && equalFold(op, "AS") {
				alias, ok := arr[2].(string)
				if !ok {
					return errors.InvalidArgument("AS alias must be a string")
				}
				start := t.sql.Len()
				if err := t.writeExpr(arr[1]); err != nil {
					return err
				}
				t.aliases[alias] = t.sql.String()[start:]
				t.sql.WriteString(` AS "` + alias + `"`)
				continue
			}
		}
		if err := t.writeExpr(item); err != nil {
			return err
		}
	}
	return nil
}

func (t *translator) writeJoins() error {
	for _, join := range t.ftsJoins {
		t.sql.WriteString(fmt.Sprintf(
			` JOIN %q ON %q.rowid = %s.rowid`,
			join.index.Table, join.index.Table, docAlias))
	}

	for _, join := range t.vectorJoins {
		table := join.index.Table
		if join.nested {
			t.sql.WriteString(fmt.Sprintf(
				` JOIN (SELECT rowid, distance FROM %q WHERE vector MATCH encode_vector(`, table))
			if err := t.writeExpr(join.target); err != nil {
				return err
			}
			t.sql.WriteString(")")
			if join.probes > 0 {
				t.sql.WriteString(fmt.Sprintf(" AND vectorsearch_probes(vector, %d)", join.probes))
			}
			t.sql.WriteString(fmt.Sprintf(" LIMIT %d) AS %q ON %q.rowid = %s.rowid",
				join.limit, table, table, docAlias))
		} else {
			t.sql.WriteString(fmt.Sprintf(
				` JOIN %q ON %q.rowid = %s.rowid AND %q.vector MATCH encode_vector(`,
				table, table, docAlias, table))
			if err := t.writeExpr(join.target); err != nil {
				return err
			}
			t.sql.WriteString(")")
			if join.probes > 0 {
				t.sql.WriteString(fmt.Sprintf(
					" AND vectorsearch_probes(%q.vector, %d)", table, join.probes))
			}
		}
	}
	return nil
}

func (t *translator) writeOrderBy(orderBy any) error {
	items, ok := orderBy.([]any)
	if !ok || len(items) == 0 {
		return errors.InvalidArgument("ORDER_BY must be a non-empty array")
	}

	t.sql.WriteString(" ORDER BY ")
	for i, item := range items {
		if i > 0 {
			t.sql.WriteString(", ")
		}

		desc := false
		expr := item
		if arr, ok := item.([]any); ok && len(arr) >= 1 {
			if op, ok := arr[0].(string); ok && (equalFold(op, "ASC") || equalFold(op, "DESC")) {
				desc = equalFold(op, "DESC")
				if len(arr) != 2 {
					return errors.InvalidArgument("ASC/DESC takes one operand")
				}
				expr = arr[1]
			}
		}

		// A bare string that names a WHAT alias sorts by that column.
		if name, ok := expr.(string); ok && !strings.HasPrefix(name, ".") {
			if sql, ok := t.aliases[name]; ok {
				t.sql.WriteString(sql)
			} else {
				return errors.InvalidArgument(fmt.Sprintf("unknown ORDER BY alias %q", name))
			}
		} else if err := t.writeExpr(expr); err != nil {
			return err
		}

		if desc {
			t.sql.WriteString(" DESC")
		}
	}
	return nil
}

// writeExpr translates one AST node.
func (t *translator) writeExpr(node any) error {
	switch v := node.(type) {
	case nil:
		t.sql.WriteString("NULL")
	case bool:
		if v {
			t.sql.WriteString("1")
		} else {
			t.sql.WriteString("0")
		}
	case float64:
		t.sql.WriteString(formatNumber(v))
	case string:
		if strings.HasPrefix(v, ".") {
			t.writeProperty(strings.TrimPrefix(v, "."))
			return nil
		}
		t.sql.WriteString(sqlStringLiteral(v))
	case []any:
		return t.writeCompound(v)
	case map[string]any:
		return errors.Unsupported("dictionary literals in queries")
	default:
		return errors.InvalidArgument(fmt.Sprintf("unsupported query node %T", node))
	}
	return nil
}

func (t *translator) writeCompound(arr []any) error {
	if len(arr) == 0 {
		return errors.InvalidArgument("empty expression array")
	}

	op, ok := arr[0].(string)
	if !ok {
		return errors.InvalidArgument("expression must start with an operator string")
	}

	switch {
	case strings.HasPrefix(op, "."):
		t.writeProperty(strings.TrimPrefix(op, "."))
		return nil

	case strings.HasPrefix(op, "$"):
		t.params = append(t.params, strings.TrimPrefix(op, "$"))
		t.sql.WriteString("?")
		return nil
	}

	upper := strings.ToUpper(op)
	switch upper {
	case "AND", "OR":
		if upper == "OR" {
			t.orDepth++
			defer func() { t.orDepth-- }()
		}
		t.sql.WriteString("(")
		for i, operand := range arr[1:] {
			if i > 0 {
				t.sql.WriteString(" " + upper + " ")
			}
			if err := t.writeExpr(operand); err != nil {
				return err
			}
		}
		t.sql.WriteString(")")
		return nil

	case "NOT":
		if len(arr) != 2 {
			return errors.InvalidArgument("NOT takes one operand")
		}
		t.sql.WriteString("NOT (")
		if err := t.writeExpr(arr[1]); err != nil {
			return err
		}
		t.sql.WriteString(")")
		return nil

	case "IS", "IS NOT":
		if len(arr) != 3 {
			return errors.InvalidArgument(op + " takes two operands")
		}
		t.sql.WriteString("(")
		if err := t.writeExpr(arr[1]); err != nil {
			return err
		}
		t.sql.WriteString(" " + upper + " ")
		if err := t.writeExpr(arr[2]); err != nil {
			return err
		}
		t.sql.WriteString(")")
		return nil

	case "IN", "NOT IN":
		if len(arr) < 3 {
			return errors.InvalidArgument(op + " needs a value list")
		}
		if err := t.writeExpr(arr[1]); err != nil {
			return err
		}
		t.sql.WriteString(" " + upper + " (")
		for i, operand := range arr[2:] {
			if i > 0 {
				t.sql.WriteString(", ")
			}
			if err := t.writeExpr(operand); err != nil {
				return err
			}
		}
		t.sql.WriteString(")")
		return nil

	case "BETWEEN":
		if len(arr) != 4 {
			return errors.InvalidArgument("BETWEEN takes three operands")
		}
		if err := t.writeExpr(arr[1]); err != nil {
			return err
		}
		t.sql.WriteString(" BETWEEN ")
		if err := t.writeExpr(arr[2]); err != nil {
			return err
		}
		t.sql.WriteString(" AND ")
		return t.writeExpr(arr[3])

	case "EXISTS":
		if len(arr) != 2 {
			return errors.InvalidArgument("EXISTS takes one operand")
		}
		t.sql.WriteString("(")
		if err := t.writeExpr(arr[1]); err != nil {
			return err
		}
		t.sql.WriteString(" IS NOT NULL)")
		return nil

	case "CASE":
		return t.writeCase(arr)

	case "MATCH()":
		return t.writeMatch(arr)

	case "APPROX_VECTOR_DISTANCE()":
		return t.writeVectorDistance(arr)
	}

	if sqlOp, ok := binaryOps[upper]; ok {
		if len(arr) == 2 && (upper == "-" || upper == "+") {
			t.sql.WriteString("(" + sqlOp)
			if err := t.writeExpr(arr[1]); err != nil {
				return err
			}
			t.sql.WriteString(")")
			return nil
		}
		if len(arr) != 3 {
			return errors.InvalidArgument(op + " takes two operands")
		}
		t.sql.WriteString("(")
		if err := t.writeExpr(arr[1]); err != nil {
			return err
		}
		t.sql.WriteString(" " + sqlOp + " ")
		if err := t.writeExpr(arr[2]); err != nil {
			return err
		}
		t.sql.WriteString(")")
		return nil
	}

	if fn, ok := functions[upper]; ok {
		t.sql.WriteString(fn + "(")
		if len(arr) == 1 && upper == "COUNT()" {
			t.sql.WriteString("*")
		}
		for i, operand := range arr[1:] {
			if i > 0 {
				t.sql.WriteString(", ")
			}
			if err := t.writeExpr(operand); err != nil {
				return err
			}
		}
		t.sql.WriteString(")")
		return nil
	}

	return errors.Unsupported(fmt.Sprintf("query operator %q", op))
}

func (t *translator) writeCase(arr []any) error {
	if len(arr) < 4 {
		return errors.InvalidArgument("CASE needs an operand and at least one WHEN/THEN pair")
	}

	t.sql.WriteString("CASE")
	if arr[1] != nil {
		t.sql.WriteString(" ")
		if err := t.writeExpr(arr[1]); err != nil {
			return err
		}
	}

	rest := arr[2:]
	for len(rest) >= 2 {
		t.sql.WriteString(" WHEN ")
		if err := t.writeExpr(rest[0]); err != nil {
			return err
		}
		t.sql.WriteString(" THEN ")
		if err := t.writeExpr(rest[1]); err != nil {
			return err
		}
		rest = rest[2:]
	}
	if len(rest) == 1 {
		t.sql.WriteString(" ELSE ")
		if err := t.writeExpr(rest[0]); err != nil {
			return err
		}
	}
	t.sql.WriteString(" END")
	return nil
}

func (t *translator) writeMatch(arr []any) error {
	if len(arr) != 3 {
		return errors.InvalidArgument("MATCH takes an index name and a query")
	}
	name, ok := arr[1].(string)
	if !ok {
		return errors.InvalidArgument("MATCH index name must be a string")
	}
	join, ok := t.ftsJoins[name]
	if !ok {
		return errors.NotFound(fmt.Sprintf("no full-text index named %q", name))
	}

	t.sql.WriteString(fmt.Sprintf("%q MATCH ", join.index.Table))
	return t.writeExpr(arr[2])
}

// writeVectorDistance emits the distance column of the planned join; the
// MATCH itself was written with the join.
func (t *translator) writeVectorDistance(arr []any) error {
	if t.orDepth > 0 {
		return errors.InvalidArgument("APPROX_VECTOR_DISTANCE cannot be used inside OR")
	}
	key, err := vectorCallKey(arr)
	if err != nil {
		return err
	}
	join, ok := t.vectorJoins[key]
	if !ok {
		return errors.NotFound("no vector index matches APPROX_VECTOR_DISTANCE expression")
	}
	t.sql.WriteString(fmt.Sprintf("%q.distance", join.index.Table))
	return nil
}

func (t *translator) writeProperty(path string) {
	switch path {
	case "_id":
		t.sql.WriteString(docAlias + ".key")
	case "_sequence":
		t.sql.WriteString(docAlias + ".sequence")
	case "_deleted":
		t.sql.WriteString(fmt.Sprintf("(%s.flags & %d != 0)", docAlias, storage.RecordDeleted))
	default:
		t.sql.WriteString(fmt.Sprintf("perch_value(%s.body, %s)", docAlias, sqlStringLiteral(path)))
	}
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

func sqlStringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// vectorCallKey canonicalizes a distance call so multiple references to
// the same call share one join.
func vectorCallKey(arr []any) (string, error) {
	encoded, err := json.Marshal(arr)
	if err != nil {
		return "", errors.InvalidArgument(fmt.Sprintf("vector call: %s", err))
	}
	return string(encoded), nil
}
