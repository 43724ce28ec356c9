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

package revtree

import (
	"bytes"
	"fmt"

	"github.com/perchdb/perch/pkg/binary"
	"github.com/perchdb/perch/pkg/document/vtime"
	"github.com/perchdb/perch/pkg/errors"
)

// metaFormatVersion is the version byte leading the packed meta blob.
const metaFormatVersion = 1

// Encode packs the tree into the meta blob stored alongside the record.
// Revisions are written in arena order so parent indices stay valid.
func (t *Tree) Encode() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := buf.WriteByte(metaFormatVersion); err != nil {
		return nil, fmt.Errorf("encode revision tree: %w", err)
	}

	if err := binary.WriteUvarint(buf, uint64(len(t.revs))); err != nil {
		return nil, err
	}
	for i := range t.revs {
		r := &t.revs[i]
		if err := binary.WriteString(buf, r.id.String()); err != nil {
			return nil, err
		}
		if err := binary.WriteUvarint(buf, uint64(r.parent+1)); err != nil {
			return nil, err
		}
		if err := buf.WriteByte(byte(r.flags)); err != nil {
			return nil, fmt.Errorf("encode revision tree: %w", err)
		}
		if err := binary.WriteUvarint(buf, r.sequence); err != nil {
			return nil, err
		}
		if err := binary.WriteBytes(buf, r.body); err != nil {
			return nil, err
		}
	}

	if err := binary.WriteUvarint(buf, uint64(len(t.remotes))); err != nil {
		return nil, err
	}
	for remote, idx := range t.remotes {
		if err := binary.WriteUvarint(buf, uint64(remote)); err != nil {
			return nil, err
		}
		if err := binary.WriteUvarint(buf, uint64(idx)); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// EncodeWithout packs the tree with the given revision's body elided;
// the caller stores that body in the record's body column instead.
func (t *Tree) EncodeWithout(id vtime.RevID) ([]byte, error) {
	idx, ok := t.byID[id.String()]
	if !ok {
		return t.Encode()
	}

	saved := t.revs[idx].body
	t.revs[idx].body = nil
	defer func() { t.revs[idx].body = saved }()
	return t.Encode()
}

// Decode unpacks a meta blob produced by Encode.
func Decode(data []byte) (*Tree, error) {
	if len(data) == 0 {
		return New(), nil
	}

	buf := bytes.NewReader(data)
	version, err := buf.ReadByte()
	if err != nil {
		return nil, errors.Corrupt("revision tree meta: empty")
	}
	if version != metaFormatVersion {
		return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: unknown version %d", version))
	}

	count, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: %s", err))
	}

	t := New()
	t.revs = make([]rev, 0, count)
	for i := uint64(0); i < count; i++ {
		idStr, err := binary.ReadString(buf)
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: %s", err))
		}
		id, err := vtime.ParseRevID(idStr)
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: %s", err))
		}

		parent, err := binary.ReadUvarint(buf)
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: %s", err))
		}
		if parent > count {
			return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: parent %d out of range", parent))
		}

		flagByte, err := buf.ReadByte()
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: %s", err))
		}

		sequence, err := binary.ReadUvarint(buf)
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: %s", err))
		}

		body, err := binary.ReadBytes(buf)
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: %s", err))
		}
		if len(body) == 0 {
			body = nil
		}

		t.revs = append(t.revs, rev{
			id:       id,
			parent:   int32(parent) - 1,
			flags:    Flags(flagByte),
			body:     body,
			sequence: sequence,
		})
		t.byID[idStr] = int32(i)
	}

	remoteCount, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: %s", err))
	}
	for i := uint64(0); i < remoteCount; i++ {
		remote, err := binary.ReadUvarint(buf)
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: %s", err))
		}
		idx, err := binary.ReadUvarint(buf)
		if err != nil {
			return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: %s", err))
		}
		if idx >= count {
			return nil, errors.Corrupt(fmt.Sprintf("revision tree meta: remote ancestor %d out of range", idx))
		}
		t.remotes[RemoteID(remote)] = int32(idx)
	}

	t.electCurrent()
	return t, nil
}
