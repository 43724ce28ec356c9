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
	"fmt"
	"strings"

	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/errors"
)

// scanFullText finds every MATCH() call and plans a join against its
// full-text index.
func (t *translator) scanFullText(spec map[string]any) error {
	var scanErr error
	walkCalls(spec, matchFnName, func(arr []any) {
		if scanErr != nil || len(arr) != 3 {
			return
		}
		name, ok := arr[1].(string)
		if !ok {
			scanErr = errors.InvalidArgument("MATCH index name must be a string")
			return
		}
		if _, ok := t.ftsJoins[name]; ok {
			return
		}

		for _, info := range t.indexes {
			if info.Spec.Type == storage.IndexFullText && info.Spec.Name == name {
				t.ftsJoins[name] = &ftsJoin{index: info}
				return
			}
		}
		scanErr = errors.NotFound(fmt.Sprintf("no full-text index named %q", name))
	})
	return scanErr
}

// scanVector finds every APPROX_VECTOR_DISTANCE() call, validates its
// arguments and plans the index join. A query whose WHERE clause is
// nothing but a bound on the distance gets the non-hybrid nested-SELECT
// plan; anything else joins with the MATCH in the ON clause.
func (t *translator) scanVector(spec map[string]any, where any, limit any, hasLimit bool) error {
	var scanErr error
	walkCalls(spec, vectorDistanceName, func(arr []any) {
		if scanErr != nil {
			return
		}
		if len(arr) < 3 {
			scanErr = errors.InvalidArgument(
				"APPROX_VECTOR_DISTANCE takes an expression and a target")
			return
		}

		if len(arr) > 5 && arr[5] != nil {
			accurate, ok := arr[5].(bool)
			if !ok {
				scanErr = errors.InvalidArgument("APPROX_VECTOR_DISTANCE 'accurate' must be boolean")
				return
			}
			if accurate {
				scanErr = errors.Unsupported("APPROX_VECTOR_DISTANCE does not support accurate=true")
				return
			}
		}

		key, err := vectorCallKey(arr)
		if err != nil {
			scanErr = err
			return
		}
		if _, ok := t.vectorJoins[key]; ok {
			return
		}

		path, err := propertyPathOf(arr[1])
		if err != nil {
			scanErr = errors.InvalidArgument(
				"first argument to APPROX_VECTOR_DISTANCE must be an indexed property")
			return
		}

		var index *storage.IndexInfo
		for i := range t.indexes {
			if t.indexes[i].Spec.Type == storage.IndexVector && t.indexes[i].Spec.Expression == path {
				index = &t.indexes[i]
				break
			}
		}
		if index == nil {
			scanErr = errors.NotFound(fmt.Sprintf("no vector index on property %q", path))
			return
		}

		var probes int64
		if len(arr) > 4 && arr[4] != nil {
			n, ok := arr[4].(float64)
			if !ok || n <= 0 || n != float64(int64(n)) {
				scanErr = errors.InvalidArgument(
					"numProbes for APPROX_VECTOR_DISTANCE must be a positive integer")
				return
			}
			probes = int64(n)
		}

		if !hasLimit {
			scanErr = errors.InvalidArgument("a LIMIT is required when using APPROX_VECTOR_DISTANCE")
			return
		}
		limitVal, ok := limit.(float64)
		if !ok || limitVal <= 0 || limitVal != float64(int64(limitVal)) {
			scanErr = errors.InvalidArgument(
				"LIMIT must be a positive integer when using APPROX_VECTOR_DISTANCE")
			return
		}
		if int64(limitVal) > maxVectorLimit {
			scanErr = errors.InvalidArgument(fmt.Sprintf(
				"LIMIT must not exceed %d when using APPROX_VECTOR_DISTANCE", maxVectorLimit))
			return
		}

		t.vectorJoins[key] = &vectorJoin{
			index:  *index,
			target: arr[2],
			probes: probes,
			nested: nonHybridWhere(where),
			limit:  int64(limitVal),
		}
	})
	return scanErr
}

// nonHybridWhere reports that the WHERE clause does not force a hybrid
// plan: it is absent, or it is only a bound on the vector distance.
func nonHybridWhere(where any) bool {
	if where == nil {
		return true
	}
	arr, ok := where.([]any)
	if !ok || len(arr) != 3 {
		return false
	}
	op, ok := arr[0].(string)
	if !ok {
		return false
	}

	var side any
	switch op {
	case "<", "<=":
		side = arr[1]
	case ">", ">=":
		side = arr[2]
	default:
		return false
	}

	call, ok := side.([]any)
	return ok && len(call) > 0 && call[0] == vectorDistanceName
}

// propertyPathOf extracts the dot path from a property node, either
// [".foo.bar"] or a bare ".foo.bar" string.
func propertyPathOf(node any) (string, error) {
	switch v := node.(type) {
	case string:
		if strings.HasPrefix(v, ".") {
			return strings.TrimPrefix(v, "."), nil
		}
	case []any:
		if len(v) == 1 {
			if s, ok := v[0].(string); ok && strings.HasPrefix(s, ".") {
				return strings.TrimPrefix(s, "."), nil
			}
		}
	}
	return "", errors.InvalidArgument("not a property path")
}

// walkCalls invokes fn on every array node whose first element is the
// given function name, anywhere in the spec.
func walkCalls(node any, fnName string, fn func([]any)) {
	switch v := node.(type) {
	case map[string]any:
		for _, item := range v {
			walkCalls(item, fnName, fn)
		}
	case []any:
		if len(v) > 0 {
			if name, ok := v[0].(string); ok && name == fnName {
				fn(v)
			}
		}
		for _, item := range v {
			walkCalls(item, fnName, fn)
		}
	}
}
