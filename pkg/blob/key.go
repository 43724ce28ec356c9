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

// Package blob provides the content-addressed attachment store: blobs are
// keyed by the SHA-1 of their contents and installed atomically when the
// owning transaction commits.
package blob

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/perchdb/perch/pkg/errors"
)

// KeySize is the size of a blob key in bytes.
const KeySize = sha1.Size

// digestPrefix is the scheme prefix of a blob key's canonical text form.
const digestPrefix = "sha1-"

// Key is the 20-byte SHA-1 digest identifying a blob.
type Key [KeySize]byte

// KeyFromContent computes the key of the given content.
func KeyFromContent(data []byte) Key {
	return Key(sha1.Sum(data))
}

// KeyFromDigest parses the canonical text form "sha1-<base64>".
func KeyFromDigest(digest string) (Key, error) {
	key := Key{}
	if !strings.HasPrefix(digest, digestPrefix) {
		return key, errors.InvalidArgument(fmt.Sprintf("invalid blob digest %q", digest))
	}

	decoded, err := base64.StdEncoding.DecodeString(digest[len(digestPrefix):])
	if err != nil || len(decoded) != KeySize {
		return key, errors.InvalidArgument(fmt.Sprintf("invalid blob digest %q", digest))
	}

	copy(key[:], decoded)
	return key, nil
}

// Digest returns the canonical text form "sha1-<base64>".
func (k Key) Digest() string {
	return digestPrefix + base64.StdEncoding.EncodeToString(k[:])
}

// String returns the digest form.
func (k Key) String() string {
	return k.Digest()
}

// hexPath returns the relative file path of the blob: the first two hex
// characters name the subdirectory, the remainder the file.
func (k Key) hexPath() string {
	hexKey := hex.EncodeToString(k[:])
	return hexKey[:2] + "/" + hexKey[2:]
}

// keyFromHexPath reverses hexPath.
func keyFromHexPath(dir, file string) (Key, error) {
	key := Key{}
	decoded, err := hex.DecodeString(dir + file)
	if err != nil || len(decoded) != KeySize {
		return key, errors.InvalidArgument(fmt.Sprintf("not a blob path: %s/%s", dir, file))
	}
	copy(key[:], decoded)
	return key, nil
}
