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

// Package binary provides functions to read and write binary data in the
// packed formats used by the revision-tree meta blob and the wire protocol.
// It avoids reflection and uses fixed-size byte slices for better performance
// than encoding/binary.
package binary

import (
	"bytes"
	"fmt"
)

// WriteUint64 writes a uint64 value to the buffer in big-endian format.
func WriteUint64(buffer *bytes.Buffer, value uint64) error {
	data := make([]byte, 8)
	for i := range data {
		data[i] = byte(value >> (56 - i*8))
	}

	if _, err := buffer.Write(data); err != nil {
		return fmt.Errorf("write uint64: %w", err)
	}

	return nil
}

// ReadUint64 reads a uint64 value from the buffer in big-endian format.
func ReadUint64(buffer *bytes.Reader) (uint64, error) {
	data := make([]byte, 8)
	if _, err := buffer.Read(data); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}

	var value uint64
	for i := range data {
		value = (value << 8) | uint64(data[i])
	}
	return value, nil
}

// WriteUint32 writes a uint32 value to the buffer in big-endian format.
func WriteUint32(buffer *bytes.Buffer, value uint32) error {
	data := []byte{
		byte(value >> 24),
		byte(value >> 16),
		byte(value >> 8),
		byte(value),
	}

	if _, err := buffer.Write(data); err != nil {
		return fmt.Errorf("write uint32: %w", err)
	}

	return nil
}

// ReadUint32 reads a uint32 value from the buffer in big-endian format.
func ReadUint32(buffer *bytes.Reader) (uint32, error) {
	data := make([]byte, 4)
	if _, err := buffer.Read(data); err != nil {
		return 0, fmt.Errorf("read uint32: %w", err)
	}

	return uint32(data[0])<<24 | uint32(data[1])<<16 |
		uint32(data[2])<<8 | uint32(data[3]), nil
}

// WriteUvarint writes an unsigned varint to the buffer, 7 bits per byte,
// least significant group first, high bit set on continuation bytes.
func WriteUvarint(buffer *bytes.Buffer, value uint64) error {
	for value >= 0x80 {
		if err := buffer.WriteByte(byte(value) | 0x80); err != nil {
			return fmt.Errorf("write uvarint: %w", err)
		}
		value >>= 7
	}
	if err := buffer.WriteByte(byte(value)); err != nil {
		return fmt.Errorf("write uvarint: %w", err)
	}
	return nil
}

// ReadUvarint reads an unsigned varint from the buffer.
func ReadUvarint(buffer *bytes.Reader) (uint64, error) {
	var value uint64
	var shift uint
	for {
		b, err := buffer.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("read uvarint: %w", err)
		}
		if shift >= 64 {
			return 0, fmt.Errorf("read uvarint: overflow")
		}
		value |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return value, nil
		}
		shift += 7
	}
}

// WriteBytes writes a length-prefixed byte string to the buffer.
func WriteBytes(buffer *bytes.Buffer, data []byte) error {
	if err := WriteUvarint(buffer, uint64(len(data))); err != nil {
		return err
	}
	if _, err := buffer.Write(data); err != nil {
		return fmt.Errorf("write bytes: %w", err)
	}
	return nil
}

// ReadBytes reads a length-prefixed byte string from the buffer.
func ReadBytes(buffer *bytes.Reader) ([]byte, error) {
	length, err := ReadUvarint(buffer)
	if err != nil {
		return nil, err
	}
	if length > uint64(buffer.Len()) {
		return nil, fmt.Errorf("read bytes: length %d exceeds remaining %d", length, buffer.Len())
	}

	data := make([]byte, length)
	if length == 0 {
		return data, nil
	}
	if _, err := buffer.Read(data); err != nil {
		return nil, fmt.Errorf("read bytes: %w", err)
	}
	return data, nil
}

// WriteString writes a length-prefixed string to the buffer.
func WriteString(buffer *bytes.Buffer, value string) error {
	return WriteBytes(buffer, []byte(value))
}

// ReadString reads a length-prefixed string from the buffer.
func ReadString(buffer *bytes.Reader) (string, error) {
	data, err := ReadBytes(buffer)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UvarintLen returns the encoded size of the given value.
func UvarintLen(value uint64) int {
	n := 1
	for value >= 0x80 {
		value >>= 7
		n++
	}
	return n
}
