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

package cmap_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perchdb/perch/pkg/cmap"
)

func TestMapBasicOperations(t *testing.T) {
	m := cmap.New[string, int]()

	m.Set("a", 1)
	m.Set("b", 2)

	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, m.Has("b"))
	assert.Equal(t, 2, m.Len())

	assert.True(t, m.Delete("a"))
	assert.False(t, m.Delete("a"))
	assert.Equal(t, 1, m.Len())
	assert.ElementsMatch(t, []string{"b"}, m.Keys())
	assert.ElementsMatch(t, []int{2}, m.Values())
}

func TestMapUpsert(t *testing.T) {
	m := cmap.New[string, int]()

	v := m.Upsert("counter", func(value int, exists bool) int {
		assert.False(t, exists)
		return 1
	})
	assert.Equal(t, 1, v)

	v = m.Upsert("counter", func(value int, exists bool) int {
		assert.True(t, exists)
		return value + 1
	})
	assert.Equal(t, 2, v)
}

func TestMapConcurrentAccess(t *testing.T) {
	m := cmap.New[int, int]()

	wg := sync.WaitGroup{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set(i, i*i)
			m.Upsert(i%10, func(value int, exists bool) int { return value + 1 })
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, m.Len())
	for i := 0; i < 100; i++ {
		v, ok := m.Get(i)
		assert.True(t, ok)
		if i >= 10 {
			assert.Equal(t, i*i, v)
		}
	}
}
