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

package blob_test

import (
	"bytes"
	"crypto/sha1"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perchdb/perch/pkg/blob"
	"github.com/perchdb/perch/pkg/errors"
)

func newStore(t *testing.T) *blob.Store {
	t.Helper()
	store, err := blob.NewStore(t.TempDir(), blob.Options{})
	assert.NoError(t, err)
	return store
}

func TestKeyDigestRoundTrip(t *testing.T) {
	content := []byte("hello attachments")
	key := blob.KeyFromContent(content)

	assert.Equal(t, [20]byte(sha1.Sum(content)), [20]byte(key))
	assert.Contains(t, key.Digest(), "sha1-")

	parsed, err := blob.KeyFromDigest(key.Digest())
	assert.NoError(t, err)
	assert.Equal(t, key, parsed)

	_, err = blob.KeyFromDigest("md5-abcdef")
	assert.Error(t, err)
	_, err = blob.KeyFromDigest("sha1-notbase64!!!")
	assert.Error(t, err)
}

func TestCreateAndRead(t *testing.T) {
	store := newStore(t)
	content := bytes.Repeat([]byte("perch"), 1000)

	key, n, err := store.Create(bytes.NewReader(content), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, blob.KeyFromContent(content), key)
	assert.True(t, store.Has(key))

	got, err := store.GetContents(key)
	assert.NoError(t, err)
	assert.Equal(t, content, got)

	size, err := store.GetSize(key)
	assert.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	// The same content deduplicates to the same path.
	key2, _, err := store.Create(bytes.NewReader(content), nil)
	assert.NoError(t, err)
	assert.Equal(t, key, key2)
}

func TestCreateDigestMismatch(t *testing.T) {
	store := newStore(t)
	wrong := blob.KeyFromContent([]byte("something else"))

	_, _, err := store.Create(bytes.NewReader([]byte("actual content")), &wrong)
	assert.Equal(t, errors.CodeCorruptData, errors.CodeOf(err))
	assert.False(t, store.Has(wrong))
}

func TestWriteStreamDiscard(t *testing.T) {
	store := newStore(t)

	stream, err := store.OpenWriteStream()
	assert.NoError(t, err)
	_, err = stream.Write([]byte("to be discarded"))
	assert.NoError(t, err)

	key := stream.ComputedKey()
	assert.NoError(t, stream.Close())
	assert.False(t, store.Has(key))

	_, err = store.GetContents(key)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestReadStreamSeek(t *testing.T) {
	store := newStore(t)
	content := []byte("0123456789")
	key, _, err := store.Create(bytes.NewReader(content), nil)
	assert.NoError(t, err)

	stream, err := store.OpenReadStream(key)
	assert.NoError(t, err)
	defer func() { assert.NoError(t, stream.Close()) }()

	_, err = stream.Seek(4, io.SeekStart)
	assert.NoError(t, err)
	rest, err := io.ReadAll(stream)
	assert.NoError(t, err)
	assert.Equal(t, []byte("456789"), rest)
}

func TestDeleteAndOrphanSweep(t *testing.T) {
	store := newStore(t)

	keep, _, err := store.Create(bytes.NewReader([]byte("keep me")), nil)
	assert.NoError(t, err)
	orphan, _, err := store.Create(bytes.NewReader([]byte("orphan")), nil)
	assert.NoError(t, err)

	deleted, err := store.DeleteExcept(map[blob.Key]bool{keep: true})
	assert.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.True(t, store.Has(keep))
	assert.False(t, store.Has(orphan))

	assert.NoError(t, store.Delete(keep))
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(store.Delete(keep)))
}

func TestEncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := blob.NewStore(dir, blob.Options{EncryptionKey: []byte("correct horse battery staple")})
	assert.NoError(t, err)

	content := bytes.Repeat([]byte("secret "), 512)
	key, _, err := store.Create(bytes.NewReader(content), nil)
	assert.NoError(t, err)

	got, err := store.GetContents(key)
	assert.NoError(t, err)
	assert.Equal(t, content, got)

	// A store opened with the wrong key fails the integrity check.
	wrongStore, err := blob.NewStore(dir, blob.Options{EncryptionKey: []byte("wrong key")})
	assert.NoError(t, err)
	_, err = wrongStore.GetContents(key)
	assert.Equal(t, errors.CodeCorrupt, errors.CodeOf(err))
}
