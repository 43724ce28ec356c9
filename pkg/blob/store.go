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

package blob

import (
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/perchdb/perch/internal/logging"
	"github.com/perchdb/perch/pkg/errors"
)

// pendingDir holds write streams not yet installed.
const pendingDir = "_pending"

// Store is a content-addressed blob store rooted at a directory. Blob
// files live at <hex[0:2]>/<hex[2:]>; uploads stream into the pending
// directory and are renamed into place on install.
type Store struct {
	dir    string
	cipher *streamCipher
	logger logging.Logger
}

// Options configure a Store.
type Options struct {
	// EncryptionKey, when non-nil, wraps every blob file in an encrypted
	// container keyed from it.
	EncryptionKey []byte
}

// NewStore opens (or creates) the blob store at the given directory.
func NewStore(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, pendingDir), 0o755); err != nil {
		return nil, errors.CantOpenFile(fmt.Sprintf("blob store %s: %s", dir, err))
	}

	store := &Store{
		dir:    dir,
		logger: logging.New("blob"),
	}
	if opts.EncryptionKey != nil {
		cipher, err := newStreamCipher(opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		store.cipher = cipher
	}
	return store, nil
}

// FilePath returns the path of the blob file for the given key; the file
// may not exist.
func (s *Store) FilePath(key Key) string {
	return filepath.Join(s.dir, filepath.FromSlash(key.hexPath()))
}

// Create streams the reader into the store and installs it. When
// expected is non-nil and the content hashes differently, the write is
// discarded with a CorruptData error.
func (s *Store) Create(r io.Reader, expected *Key) (Key, int64, error) {
	stream, err := s.OpenWriteStream()
	if err != nil {
		return Key{}, 0, err
	}

	n, err := io.Copy(stream, r)
	if err != nil {
		_ = stream.Close()
		return Key{}, 0, fmt.Errorf("write blob: %w", err)
	}

	key, err := stream.Install(expected)
	if err != nil {
		return Key{}, 0, err
	}
	return key, n, nil
}

// GetContents reads the entire blob.
func (s *Store) GetContents(key Key) ([]byte, error) {
	stream, err := s.OpenReadStream(key)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			s.logger.Warnf("close blob %s: %s", key, err)
		}
	}()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// GetSize returns the content length of the blob. For an encrypted store
// it returns the upper bound derived from the container size, which can
// exceed the content length by the cipher padding.
func (s *Store) GetSize(key Key) (int64, error) {
	info, err := os.Stat(s.FilePath(key))
	if os.IsNotExist(err) {
		return 0, errors.NotFound(fmt.Sprintf("blob %s not found", key))
	}
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", key, err)
	}
	if s.cipher != nil {
		return s.cipher.contentSize(info.Size()), nil
	}
	return info.Size(), nil
}

// Has returns whether the blob exists in the store.
func (s *Store) Has(key Key) bool {
	_, err := os.Stat(s.FilePath(key))
	return err == nil
}

// OpenReadStream opens the blob for reading. The returned stream supports
// seeking.
func (s *Store) OpenReadStream(key Key) (io.ReadSeekCloser, error) {
	file, err := os.Open(s.FilePath(key))
	if os.IsNotExist(err) {
		return nil, errors.NotFound(fmt.Sprintf("blob %s not found", key))
	}
	if err != nil {
		return nil, errors.CantOpenFile(fmt.Sprintf("blob %s: %s", key, err))
	}

	if s.cipher == nil {
		return file, nil
	}
	return s.cipher.openReader(file)
}

// WriteStream is an open blob upload. Bytes stream into a temp file in
// the pending area; Install commits it into the store, Close discards it.
type WriteStream struct {
	store  *Store
	file   *os.File
	hasher hash.Hash
	size   int64
	done   bool
}

// OpenWriteStream starts a blob upload.
func (s *Store) OpenWriteStream() (*WriteStream, error) {
	file, err := os.CreateTemp(filepath.Join(s.dir, pendingDir), "blob-*")
	if err != nil {
		return nil, errors.CantOpenFile(fmt.Sprintf("blob temp file: %s", err))
	}
	return &WriteStream{
		store:  s,
		file:   file,
		hasher: sha1.New(),
	}, nil
}

// Write appends to the upload, feeding the running digest.
func (w *WriteStream) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.InvalidArgument("write on closed blob stream")
	}

	// Encryption happens on install; the temp file buffers plaintext.
	n, err := w.file.Write(p)
	if n > 0 {
		w.hasher.Write(p[:n])
		w.size += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("write blob stream: %w", err)
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (w *WriteStream) Size() int64 {
	return w.size
}

// ComputedKey returns the key of the bytes written so far.
func (w *WriteStream) ComputedKey() Key {
	var key Key
	w.hasher.Sum(key[:0])
	return key
}

// Install commits the upload under its computed key, atomically renaming
// the temp file into the content-addressed layout. When expected is
// non-nil and does not match, the upload is discarded with CorruptData.
func (w *WriteStream) Install(expected *Key) (Key, error) {
	if w.done {
		return Key{}, errors.InvalidArgument("install on closed blob stream")
	}

	key := w.ComputedKey()
	if expected != nil && *expected != key {
		_ = w.Close()
		return Key{}, errors.CorruptData(fmt.Sprintf(
			"blob digest mismatch: expected %s, got %s", expected, key))
	}

	target := w.store.FilePath(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		_ = w.Close()
		return Key{}, fmt.Errorf("install blob %s: %w", key, err)
	}

	if w.store.cipher != nil {
		if err := w.store.cipher.sealFile(w.file, target); err != nil {
			_ = w.Close()
			return Key{}, err
		}
		w.discard()
		return key, nil
	}

	if err := w.file.Close(); err != nil {
		w.discard()
		return Key{}, fmt.Errorf("install blob %s: %w", key, err)
	}
	if err := os.Rename(w.file.Name(), target); err != nil {
		w.discard()
		return Key{}, fmt.Errorf("install blob %s: %w", key, err)
	}
	w.done = true
	return key, nil
}

// Close discards the upload if it has not been installed.
func (w *WriteStream) Close() error {
	if w.done {
		return nil
	}
	w.discard()
	return nil
}

func (w *WriteStream) discard() {
	name := w.file.Name()
	_ = w.file.Close()
	_ = os.Remove(name)
	w.done = true
}

// Delete removes the blob from the store.
func (s *Store) Delete(key Key) error {
	err := os.Remove(s.FilePath(key))
	if os.IsNotExist(err) {
		return errors.NotFound(fmt.Sprintf("blob %s not found", key))
	}
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// DeleteStore removes the entire store directory.
func (s *Store) DeleteStore() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("delete blob store: %w", err)
	}
	return nil
}

// DeleteExcept removes every installed blob whose key is not in keep,
// returning the number deleted. Used by compaction to collect orphans.
func (s *Store) DeleteExcept(keep map[Key]bool) (int, error) {
	deleted := 0
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("scan blob store: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == pendingDir {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return deleted, fmt.Errorf("scan blob store: %w", err)
		}
		for _, file := range files {
			key, err := keyFromHexPath(entry.Name(), file.Name())
			if err != nil {
				s.logger.Warnf("skipping foreign file in blob store: %s/%s", entry.Name(), file.Name())
				continue
			}
			if keep[key] {
				continue
			}
			if err := os.Remove(filepath.Join(s.dir, entry.Name(), file.Name())); err != nil {
				return deleted, fmt.Errorf("delete orphan blob %s: %w", key, err)
			}
			deleted++
		}
	}
	return deleted, nil
}
