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

// Package vtime provides the identity and ordering primitives of the
// document model: peer IDs, version vectors and revision IDs.
package vtime

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/xid"
)

// peerIDSize is the size of a PeerID in bytes.
const peerIDSize = 12

var (
	// InitialPeerID represents the zero value of PeerID.
	InitialPeerID = PeerID{}

	// ErrInvalidPeerID is returned when the given string is not a valid
	// peer ID.
	ErrInvalidPeerID = errors.New("invalid peer id")
)

// PeerID is the unique ID of a database instance participating in
// replication. It is composed of 12 bytes and its text form is lowercase
// hex. In revision IDs the local peer is abbreviated as "*".
type PeerID struct {
	bytes [peerIDSize]byte
}

// NewPeerID generates a new globally-unique PeerID.
func NewPeerID() PeerID {
	id := PeerID{}
	copy(id.bytes[:], xid.New().Bytes())
	return id
}

// PeerIDFromHex returns the PeerID represented by the hexadecimal string.
func PeerIDFromHex(str string) (PeerID, error) {
	id := PeerID{}

	decoded, err := hex.DecodeString(str)
	if err != nil {
		return id, fmt.Errorf("%s: %w", str, ErrInvalidPeerID)
	}
	if len(decoded) != peerIDSize {
		return id, fmt.Errorf("decoded length %d: %w", len(decoded), ErrInvalidPeerID)
	}

	copy(id.bytes[:], decoded)
	return id, nil
}

// PeerIDFromBytes returns the PeerID represented by the given bytes.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	id := PeerID{}
	if len(b) != peerIDSize {
		return id, fmt.Errorf("length %d: %w", len(b), ErrInvalidPeerID)
	}
	copy(id.bytes[:], b)
	return id, nil
}

// String returns the hexadecimal representation of the PeerID.
func (p PeerID) String() string {
	return hex.EncodeToString(p.bytes[:])
}

// Bytes returns the raw bytes of the PeerID.
func (p PeerID) Bytes() []byte {
	return p.bytes[:]
}

// IsZero returns whether this is the zero PeerID.
func (p PeerID) IsZero() bool {
	return p == InitialPeerID
}

// Compare returns an integer comparing two PeerIDs byte-wise.
func (p PeerID) Compare(other PeerID) int {
	return bytes.Compare(p.bytes[:], other.bytes[:])
}
