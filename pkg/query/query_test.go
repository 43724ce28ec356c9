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

package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/errors"
	"github.com/perchdb/perch/pkg/query"
)

func newCompiler(t *testing.T) *query.Compiler {
	t.Helper()
	c, err := query.NewCompiler("kv__default", []storage.IndexInfo{
		{
			Spec:  storage.IndexSpec{Name: "text", Type: storage.IndexFullText, Expression: "description"},
			Table: "fts_text",
		},
		{
			Spec: storage.IndexSpec{
				Name: "vec", Type: storage.IndexVector, Expression: "v", Dimensions: 128,
			},
			Table: "vec_vec",
		},
	})
	require.NoError(t, err)
	return c
}

func TestCompileSimpleWhere(t *testing.T) {
	c := newCompiler(t)

	compiled, err := c.Compile(map[string]any{
		"WHAT":  []any{[]any{"._id"}, []any{".age"}},
		"WHERE": []any{">=", []any{".age"}, float64(21)},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT doc.key, perch_value(doc.body, 'age') FROM "kv__default" AS doc`+
			` WHERE (perch_value(doc.body, 'age') >= 21)`,
		compiled.SQL)
	assert.Empty(t, compiled.Parameters)
}

func TestCompileParameters(t *testing.T) {
	c := newCompiler(t)

	compiled, err := c.Compile(map[string]any{
		"WHERE": []any{"AND",
			[]any{"=", []any{".kind"}, []any{"$kind"}},
			[]any{"<", []any{".age"}, []any{"$max"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kind", "max"}, compiled.Parameters)

	args, err := compiled.Bind(map[string]any{"kind": "cat", "max": 9})
	assert.NoError(t, err)
	assert.Equal(t, []any{"cat", 9}, args)

	_, err = compiled.Bind(map[string]any{"kind": "cat"})
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
}

func TestCompileOperators(t *testing.T) {
	c := newCompiler(t)

	tests := []struct {
		name  string
		where any
		want  string
	}{
		{
			name:  "between",
			where: []any{"BETWEEN", []any{".n"}, float64(1), float64(10)},
			want:  `perch_value(doc.body, 'n') BETWEEN 1 AND 10`,
		},
		{
			name:  "in",
			where: []any{"IN", []any{".color"}, "red", "blue"},
			want:  `perch_value(doc.body, 'color') IN ('red', 'blue')`,
		},
		{
			name:  "is null",
			where: []any{"IS", []any{".gone"}, nil},
			want:  `(perch_value(doc.body, 'gone') IS NULL)`,
		},
		{
			name:  "like",
			where: []any{"LIKE", []any{".name"}, "fluff%"},
			want:  `(perch_value(doc.body, 'name') LIKE 'fluff%')`,
		},
		{
			name:  "not",
			where: []any{"NOT", []any{"=", []any{".x"}, float64(1)}},
			want:  `NOT ((perch_value(doc.body, 'x') = 1))`,
		},
		{
			name: "case",
			where: []any{"=", float64(1),
				[]any{"CASE", []any{".t"}, "a", float64(1), float64(0)}},
			want: `CASE perch_value(doc.body, 't') WHEN 'a' THEN 1 ELSE 0 END`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := c.Compile(map[string]any{"WHERE": tt.where})
			require.NoError(t, err)
			assert.Contains(t, compiled.SQL, tt.want)
		})
	}
}

func TestCompileFullTextMatch(t *testing.T) {
	c := newCompiler(t)

	compiled, err := c.Compile(map[string]any{
		"WHERE": []any{"MATCH()", "text", []any{"$q"}},
	})
	require.NoError(t, err)
	assert.Contains(t, compiled.SQL, `JOIN "fts_text" ON "fts_text".rowid = doc.rowid`)
	assert.Contains(t, compiled.SQL, `"fts_text" MATCH ?`)
	assert.Equal(t, []string{"q"}, compiled.Parameters)

	_, err = c.Compile(map[string]any{
		"WHERE": []any{"MATCH()", "nosuch", "query"},
	})
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestCompileVectorNonHybrid(t *testing.T) {
	c := newCompiler(t)

	// WHERE is only a bound on the distance: the planner emits the
	// nested SELECT so the extension never sees the outer join.
	compiled, err := c.Compile(map[string]any{
		"WHAT":     []any{[]any{"._id"}},
		"WHERE":    []any{"<", []any{"APPROX_VECTOR_DISTANCE()", []any{".v"}, []any{"$target"}}, float64(1e9)},
		"ORDER_BY": []any{[]any{"APPROX_VECTOR_DISTANCE()", []any{".v"}, []any{"$target"}}},
		"LIMIT":    float64(5),
	})
	require.NoError(t, err)
	assert.Contains(t, compiled.SQL,
		`JOIN (SELECT rowid, distance FROM "vec_vec" WHERE vector MATCH encode_vector(?) LIMIT 5)`)
	assert.Contains(t, compiled.SQL, `"vec_vec".distance <`)
	assert.Contains(t, compiled.SQL, `ORDER BY "vec_vec".distance`)
	assert.Contains(t, compiled.SQL, "LIMIT 5")
}

func TestCompileVectorHybrid(t *testing.T) {
	c := newCompiler(t)

	compiled, err := c.Compile(map[string]any{
		"WHERE": []any{"AND",
			[]any{"=", []any{".kind"}, "cat"},
			[]any{"<", []any{"APPROX_VECTOR_DISTANCE()", []any{".v"}, []any{"$target"}}, float64(0.5)},
		},
		"LIMIT": float64(10),
	})
	require.NoError(t, err)
	assert.Contains(t, compiled.SQL,
		`JOIN "vec_vec" ON "vec_vec".rowid = doc.rowid AND "vec_vec".vector MATCH encode_vector(?)`)
	assert.NotContains(t, compiled.SQL, "SELECT rowid, distance")
}

func TestCompileVectorValidation(t *testing.T) {
	c := newCompiler(t)
	distance := []any{"APPROX_VECTOR_DISTANCE()", []any{".v"}, []any{"$t"}}

	// A LIMIT is mandatory.
	_, err := c.Compile(map[string]any{
		"WHERE": []any{"<", distance, float64(1)},
	})
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))

	// LIMIT is capped at 10000.
	_, err = c.Compile(map[string]any{
		"WHERE": []any{"<", distance, float64(1)},
		"LIMIT": float64(10001),
	})
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))

	// accurate=true is unsupported.
	_, err = c.Compile(map[string]any{
		"WHERE": []any{"<",
			[]any{"APPROX_VECTOR_DISTANCE()", []any{".v"}, []any{"$t"}, nil, nil, true},
			float64(1)},
		"LIMIT": float64(5),
	})
	assert.Equal(t, errors.CodeUnsupported, errors.CodeOf(err))

	// Distance inside an OR cannot be planned.
	_, err = c.Compile(map[string]any{
		"WHERE": []any{"OR",
			[]any{"=", []any{".kind"}, "cat"},
			[]any{"<", distance, float64(1)},
		},
		"LIMIT": float64(5),
	})
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))

	// No index on the property.
	_, err = c.Compile(map[string]any{
		"WHERE": []any{"<",
			[]any{"APPROX_VECTOR_DISTANCE()", []any{".unindexed"}, []any{"$t"}},
			float64(1)},
		"LIMIT": float64(5),
	})
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestCompileOrderByAlias(t *testing.T) {
	c := newCompiler(t)

	compiled, err := c.Compile(map[string]any{
		"WHAT":     []any{[]any{"AS", []any{".age"}, "age"}},
		"ORDER_BY": []any{[]any{"DESC", "age"}},
	})
	require.NoError(t, err)
	assert.Contains(t, compiled.SQL, `perch_value(doc.body, 'age') AS "age"`)
	assert.Contains(t, compiled.SQL, `ORDER BY perch_value(doc.body, 'age') DESC`)

	_, err = c.Compile(map[string]any{
		"WHAT":     []any{[]any{".age"}},
		"ORDER_BY": []any{"nosuch"},
	})
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
}

func TestCompileMetaProperties(t *testing.T) {
	c := newCompiler(t)

	compiled, err := c.Compile(map[string]any{
		"WHAT":  []any{[]any{"._id"}, []any{"._sequence"}},
		"WHERE": []any{"NOT", []any{"._deleted"}},
	})
	require.NoError(t, err)
	assert.Contains(t, compiled.SQL, "doc.key, doc.sequence")
	assert.Contains(t, compiled.SQL, "doc.flags")
}

func TestExplainAndCache(t *testing.T) {
	c := newCompiler(t)
	ast := map[string]any{"WHERE": []any{"=", []any{".x"}, float64(1)}}

	sql1, err := c.Explain(ast)
	require.NoError(t, err)

	compiled, err := c.Compile(ast)
	require.NoError(t, err)
	assert.Equal(t, sql1, compiled.SQL)
}

func TestCompileRejectsUnknownOperator(t *testing.T) {
	c := newCompiler(t)

	_, err := c.Compile(map[string]any{
		"WHERE": []any{"FROBNICATE()", float64(1)},
	})
	assert.Equal(t, errors.CodeUnsupported, errors.CodeOf(err))
}
