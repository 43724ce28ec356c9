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

package vtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perchdb/perch/pkg/document/vtime"
)

func TestParseRevID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		form  vtime.RevIDForm
		gen   int
		valid bool
	}{
		{name: "empty is null", input: "", form: vtime.FormNone, valid: true},
		{name: "tree form", input: "3-deadbeef", form: vtime.FormTree, gen: 3, valid: true},
		{name: "vector form", input: "0123456789abcdef01234567@7", form: vtime.FormVector, gen: 7, valid: true},
		{name: "vector with local alias", input: "*@4", form: vtime.FormVector, gen: 4, valid: true},
		{name: "multi-entry vector", input: "*@9,0123456789abcdef01234567@3", form: vtime.FormVector, gen: 9, valid: true},
		{name: "zero generation", input: "0-deadbeef", valid: false},
		{name: "missing digest", input: "3-", valid: false},
		{name: "uppercase digest", input: "3-DEADBEEF", valid: false},
		{name: "negative time", input: "*@-2", valid: false},
		{name: "garbage", input: "not-a-revid!", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := vtime.ParseRevID(tt.input)
			if !tt.valid {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.form, id.Form())
			assert.Equal(t, tt.gen, id.Generation())
			if tt.input != "" {
				assert.Equal(t, tt.input, id.String())
			}
		})
	}
}

func TestMakeRevID(t *testing.T) {
	genesis := vtime.MakeRevID(vtime.NullRevID, false, []byte(`{"x":1}`))
	assert.Equal(t, vtime.FormTree, genesis.Form())
	assert.Equal(t, 1, genesis.Generation())
	assert.Len(t, genesis.Digest(), 40)

	child := vtime.MakeRevID(genesis, false, []byte(`{"x":2}`))
	assert.Equal(t, 2, child.Generation())
	assert.NotEqual(t, genesis.Digest(), child.Digest())

	// The digest is deterministic over (parent, deleted, body).
	again := vtime.MakeRevID(genesis, false, []byte(`{"x":2}`))
	assert.Equal(t, child, again)

	deleted := vtime.MakeRevID(genesis, true, []byte(`{"x":2}`))
	assert.NotEqual(t, child.Digest(), deleted.Digest())
}

func TestRevIDCompare(t *testing.T) {
	r2a, err := vtime.ParseRevID("2-aaaa")
	assert.NoError(t, err)
	r2b, err := vtime.ParseRevID("2-bbbb")
	assert.NoError(t, err)
	r3, err := vtime.ParseRevID("3-aaaa")
	assert.NoError(t, err)

	assert.Negative(t, r2a.Compare(r2b))
	assert.Positive(t, r3.Compare(r2b))
	assert.Zero(t, r2a.Compare(r2a))
}

func TestMakeVersionRevID(t *testing.T) {
	local := vtime.NewPeerID()
	remote := vtime.NewPeerID()

	first := vtime.MakeVersionRevID(vtime.NullRevID, local, local)
	assert.Equal(t, vtime.FormVector, first.Form())
	assert.Equal(t, 1, first.Generation())

	writer, ok := first.CurrentVersion()
	assert.True(t, ok)
	assert.True(t, writer.Local)

	second := vtime.MakeVersionRevID(first, remote, local)
	assert.Equal(t, 2, second.Generation())
	writer, ok = second.CurrentVersion()
	assert.True(t, ok)
	assert.Equal(t, remote, writer.Peer)

	vv := second.AsVersionVector(local)
	assert.Equal(t, int64(1), vv.TimeOf(local))
	assert.Equal(t, int64(2), vv.TimeOf(remote))
}

func TestVersionVectorCompare(t *testing.T) {
	a := vtime.NewPeerID()
	b := vtime.NewPeerID()

	tests := []struct {
		name   string
		v1     vtime.VersionVector
		v2     vtime.VersionVector
		expect vtime.Ordering
	}{
		{
			name:   "empty vectors are equal",
			v1:     vtime.NewVersionVector(),
			v2:     vtime.NewVersionVector(),
			expect: vtime.Equal,
		},
		{
			name:   "dominating vector is after",
			v1:     vtime.VersionVector{a: 2, b: 1},
			v2:     vtime.VersionVector{a: 1, b: 1},
			expect: vtime.After,
		},
		{
			name:   "dominated vector is before",
			v1:     vtime.VersionVector{a: 1},
			v2:     vtime.VersionVector{a: 1, b: 1},
			expect: vtime.Before,
		},
		{
			name:   "crossing vectors are concurrent",
			v1:     vtime.VersionVector{a: 2, b: 1},
			v2:     vtime.VersionVector{a: 1, b: 2},
			expect: vtime.Concurrent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.v1.Compare(tt.v2))
		})
	}
}

func TestVersionVectorMax(t *testing.T) {
	a := vtime.NewPeerID()
	b := vtime.NewPeerID()

	merged := vtime.VersionVector{a: 2}.Max(vtime.VersionVector{a: 1, b: 3})
	assert.Equal(t, int64(2), merged.TimeOf(a))
	assert.Equal(t, int64(3), merged.TimeOf(b))
	assert.True(t, merged.AfterOrEqual(vtime.VersionVector{a: 2}))
}
