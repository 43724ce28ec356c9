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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/perchdb/perch/pkg/errors"
)

// Encrypted blob files are a container: magic, random IV, AES-256-CBC
// ciphertext with PKCS#7 padding, then an HMAC-SHA256 trailer over
// everything before it.
var cryptMagic = []byte("PerchBlobCrypt\x01")

const (
	cryptIVSize   = aes.BlockSize
	cryptMACSize  = sha256.Size
	cryptKeyIters = 4096
)

var (
	encKeySalt = []byte("perch.blob.enc")
	macKeySalt = []byte("perch.blob.mac")
)

type streamCipher struct {
	encKey []byte
	macKey []byte
}

// newStreamCipher derives the encryption and MAC keys from the database
// key via PBKDF2 with component-specific salts.
func newStreamCipher(dbKey []byte) (*streamCipher, error) {
	if len(dbKey) == 0 {
		return nil, errors.InvalidArgument("empty encryption key")
	}
	return &streamCipher{
		encKey: pbkdf2.Key(dbKey, encKeySalt, cryptKeyIters, 32, sha256.New),
		macKey: pbkdf2.Key(dbKey, macKeySalt, cryptKeyIters, 32, sha256.New),
	}, nil
}

// contentSize converts an on-disk container size to the plaintext size
// upper bound. The exact size requires reading the padding, so callers
// needing precision read the blob.
func (c *streamCipher) contentSize(fileSize int64) int64 {
	size := fileSize - int64(len(cryptMagic)) - cryptIVSize - cryptMACSize
	if size < 0 {
		return 0
	}
	return size
}

// sealFile encrypts the temp file's content into target.
func (c *streamCipher) sealFile(tmp *os.File, target string) error {
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seal blob: %w", err)
	}
	plaintext, err := io.ReadAll(tmp)
	if err != nil {
		return fmt.Errorf("seal blob: %w", err)
	}

	sealed, err := c.seal(plaintext)
	if err != nil {
		return err
	}

	out, err := os.CreateTemp(tmpDirOf(target), "seal-*")
	if err != nil {
		return fmt.Errorf("seal blob: %w", err)
	}
	if _, err := out.Write(sealed); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return fmt.Errorf("seal blob: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return fmt.Errorf("seal blob: %w", err)
	}
	if err := os.Rename(out.Name(), target); err != nil {
		_ = os.Remove(out.Name())
		return fmt.Errorf("seal blob: %w", err)
	}
	return nil
}

func tmpDirOf(target string) string {
	for i := len(target) - 1; i >= 0; i-- {
		if os.IsPathSeparator(target[i]) {
			return target[:i]
		}
	}
	return "."
}

func (c *streamCipher) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return nil, fmt.Errorf("seal blob: %w", err)
	}

	iv := make([]byte, cryptIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("seal blob: %w", err)
	}

	// PKCS#7 padding.
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)

	buf := &bytes.Buffer{}
	buf.Write(cryptMagic)
	buf.Write(iv)
	buf.Write(padded)

	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(buf.Bytes())
	buf.Write(mac.Sum(nil))

	return buf.Bytes(), nil
}

// openReader verifies and decrypts the container, returning a seekable
// reader over the plaintext.
func (c *streamCipher) openReader(file *os.File) (io.ReadSeekCloser, error) {
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read encrypted blob: %w", err)
	}

	minSize := len(cryptMagic) + cryptIVSize + aes.BlockSize + cryptMACSize
	if len(data) < minSize || !bytes.HasPrefix(data, cryptMagic) {
		return nil, errors.Corrupt("encrypted blob: bad container")
	}

	body := data[:len(data)-cryptMACSize]
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), data[len(data)-cryptMACSize:]) {
		return nil, errors.Corrupt("encrypted blob: integrity check failed")
	}

	iv := body[len(cryptMagic) : len(cryptMagic)+cryptIVSize]
	ciphertext := body[len(cryptMagic)+cryptIVSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.Corrupt("encrypted blob: truncated ciphertext")
	}

	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return nil, fmt.Errorf("open encrypted blob: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	padLen := int(plaintext[len(plaintext)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(plaintext) {
		return nil, errors.Corrupt("encrypted blob: bad padding")
	}
	plaintext = plaintext[:len(plaintext)-padLen]

	return nopSeekCloser{bytes.NewReader(plaintext)}, nil
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }
