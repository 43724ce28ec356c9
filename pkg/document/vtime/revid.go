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

package vtime

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RevIDForm distinguishes the two on-disk revision ID encodings.
type RevIDForm int

const (
	// FormNone is the zero RevID.
	FormNone RevIDForm = iota

	// FormTree is the "<generation>-<digest>" encoding; generations
	// increase by exactly one along any parent link.
	FormTree

	// FormVector is the version-vector encoding: "<peer>@<time>" entries
	// ordered most-recent-first, the first entry being the writer.
	FormVector
)

// LocalPeerAlias designates the local peer in the text form of a
// vector-form revision ID.
const LocalPeerAlias = "*"

// ErrInvalidRevID is returned when a revision ID cannot be parsed.
var ErrInvalidRevID = errors.New("invalid revision id")

// Version is a single (peer, logical time) entry of a vector-form
// revision ID.
type Version struct {
	Peer  PeerID
	Local bool
	Time  int64
}

// String returns the text form of the version.
func (v Version) String() string {
	if v.Local {
		return fmt.Sprintf("%s@%d", LocalPeerAlias, v.Time)
	}
	return fmt.Sprintf("%s@%d", v.Peer, v.Time)
}

// RevID identifies a revision of a document. The zero value is the null
// revision ID, used as the parent of a genesis revision.
type RevID struct {
	form     RevIDForm
	gen      int
	digest   string
	versions []Version
}

// NullRevID is the parent of a genesis revision.
var NullRevID = RevID{}

// ParseRevID parses either encoding, sniffing the form: a tree-form ID
// contains '-' and no '@'; a vector-form ID contains '@'.
func ParseRevID(str string) (RevID, error) {
	if str == "" {
		return NullRevID, nil
	}
	if strings.ContainsRune(str, '@') {
		return parseVectorRevID(str)
	}
	return parseTreeRevID(str)
}

func parseTreeRevID(str string) (RevID, error) {
	dash := strings.IndexByte(str, '-')
	if dash <= 0 || dash == len(str)-1 {
		return NullRevID, fmt.Errorf("%q: %w", str, ErrInvalidRevID)
	}

	gen, err := strconv.Atoi(str[:dash])
	if err != nil || gen <= 0 {
		return NullRevID, fmt.Errorf("%q: generation: %w", str, ErrInvalidRevID)
	}

	digest := str[dash+1:]
	if _, err := hex.DecodeString(digest); err != nil || digest != strings.ToLower(digest) {
		return NullRevID, fmt.Errorf("%q: digest: %w", str, ErrInvalidRevID)
	}

	return RevID{form: FormTree, gen: gen, digest: digest}, nil
}

func parseVectorRevID(str string) (RevID, error) {
	parts := strings.Split(str, ",")
	versions := make([]Version, 0, len(parts))
	for _, part := range parts {
		at := strings.IndexByte(part, '@')
		if at < 0 {
			return NullRevID, fmt.Errorf("%q: %w", str, ErrInvalidRevID)
		}

		t, err := strconv.ParseInt(part[at+1:], 10, 64)
		if err != nil || t <= 0 {
			return NullRevID, fmt.Errorf("%q: time: %w", str, ErrInvalidRevID)
		}

		version := Version{Time: t}
		if peer := part[:at]; peer == LocalPeerAlias {
			version.Local = true
		} else {
			version.Peer, err = PeerIDFromHex(peer)
			if err != nil {
				return NullRevID, fmt.Errorf("%q: %w", str, ErrInvalidRevID)
			}
		}
		versions = append(versions, version)
	}

	return RevID{form: FormVector, versions: versions}, nil
}

// String returns the canonical text form.
func (r RevID) String() string {
	switch r.form {
	case FormTree:
		return strconv.Itoa(r.gen) + "-" + r.digest
	case FormVector:
		parts := make([]string, len(r.versions))
		for i, v := range r.versions {
			parts[i] = v.String()
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// IsZero returns whether this is the null revision ID.
func (r RevID) IsZero() bool {
	return r.form == FormNone
}

// Form returns the encoding form of the revision ID.
func (r RevID) Form() RevIDForm {
	return r.form
}

// Generation returns the generation of a tree-form ID. For a vector-form
// ID it returns the writer's logical time, which plays the same role in
// ordering and pruning depth.
func (r RevID) Generation() int {
	switch r.form {
	case FormTree:
		return r.gen
	case FormVector:
		return int(r.versions[0].Time)
	default:
		return 0
	}
}

// Digest returns the hex digest of a tree-form ID, or "" otherwise.
func (r RevID) Digest() string {
	return r.digest
}

// Versions returns the version entries of a vector-form ID,
// most recent first.
func (r RevID) Versions() []Version {
	return r.versions
}

// CurrentVersion returns the writer entry of a vector-form ID.
func (r RevID) CurrentVersion() (Version, bool) {
	if r.form != FormVector || len(r.versions) == 0 {
		return Version{}, false
	}
	return r.versions[0], true
}

// AsVersionVector expands a vector-form ID into a VersionVector, resolving
// the local alias against the given peer.
func (r RevID) AsVersionVector(localPeer PeerID) VersionVector {
	vv := NewVersionVector()
	for _, v := range r.versions {
		peer := v.Peer
		if v.Local {
			peer = localPeer
		}
		if vv[peer] < v.Time {
			vv[peer] = v.Time
		}
	}
	return vv
}

// Compare totally orders two revision IDs of the same peer: tree form by
// (generation, digest), vector form by writer time then writer peer. A
// tree-form ID sorts before a vector-form ID, matching upgrade order.
func (r RevID) Compare(other RevID) int {
	if r.form != other.form {
		return int(r.form) - int(other.form)
	}

	switch r.form {
	case FormTree:
		if r.gen != other.gen {
			if r.gen < other.gen {
				return -1
			}
			return 1
		}
		return strings.Compare(r.digest, other.digest)
	case FormVector:
		a, b := r.versions[0], other.versions[0]
		if a.Time != b.Time {
			if a.Time < b.Time {
				return -1
			}
			return 1
		}
		return a.Peer.Compare(b.Peer)
	default:
		return 0
	}
}

// Equals returns whether the two revision IDs are identical.
func (r RevID) Equals(other RevID) bool {
	return r.String() == other.String()
}

// MakeRevID derives the tree-form ID of a new revision. The digest is
// SHA-1 over the parent's full revision ID (length-prefixed; empty for a
// genesis revision), the deletion flag byte and the canonical encoding
// of the body, giving a collision probability far below 2^-64 for
// realistic corpora.
func MakeRevID(parent RevID, deleted bool, canonicalBody []byte) RevID {
	h := sha1.New()

	parentID := parent.String()
	h.Write([]byte{byte(len(parentID))})
	h.Write([]byte(parentID))

	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(canonicalBody)

	return RevID{
		form:   FormTree,
		gen:    parent.Generation() + 1,
		digest: hex.EncodeToString(h.Sum(nil)),
	}
}

// MakeVersionRevID derives the vector-form ID of a new revision written by
// the given peer: the writer's time is bumped past every entry of the
// parent vector, and the remaining entries follow in descending time
// order.
func MakeVersionRevID(parent RevID, writer PeerID, localPeer PeerID) RevID {
	vv := parent.AsVersionVector(localPeer)

	var max int64
	for _, t := range vv {
		if t > max {
			max = t
		}
	}
	vv[writer] = max + 1

	versions := make([]Version, 0, len(vv))
	for peer, t := range vv {
		versions = append(versions, Version{
			Peer:  peer,
			Local: peer == localPeer,
			Time:  t,
		})
	}
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].Time != versions[j].Time {
			return versions[i].Time > versions[j].Time
		}
		return versions[i].Peer.Compare(versions[j].Peer) < 0
	})

	// The writer leads regardless of time ties.
	for i, v := range versions {
		if v.Peer == writer && i > 0 {
			copy(versions[1:i+1], versions[:i])
			versions[0] = v
			break
		}
	}

	return RevID{form: FormVector, versions: versions}
}
