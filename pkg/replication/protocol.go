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

package replication

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/perchdb/perch/pkg/document/vtime"
	"github.com/perchdb/perch/pkg/errors"
)

// Message profiles of the sync protocol.
const (
	profileGetCheckpoint   = "getCheckpoint"
	profileSetCheckpoint   = "setCheckpoint"
	profileSubChanges      = "subChanges"
	profileChanges         = "changes"
	profileProposeChanges  = "proposeChanges"
	profileRev             = "rev"
	profileNoRev           = "norev"
	profileGetAttachment   = "getAttachment"
	profileProveAttachment = "proveAttachment"
)

// Message properties.
const (
	propClient     = "client"
	propSince      = "since"
	propContinuous = "continuous"
	propFilter     = "filter"
	propDocID      = "id"
	propRevID      = "rev"
	propHistory    = "history"
	propSequence   = "sequence"
	propDeleted    = "deleted"
	propDigest     = "digest"
	propNonce      = "nonce"
	propReason     = "error"
)

// changeEntry is one row of a changes message body:
// [sequence, docID, revID, deleted].
type changeEntry struct {
	Sequence uint64
	DocID    string
	RevID    string
	Deleted  bool
}

func encodeChanges(entries []changeEntry) ([]byte, error) {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		deleted := 0
		if e.Deleted {
			deleted = 1
		}
		rows[i] = []any{e.Sequence, e.DocID, e.RevID, deleted}
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}
	return encoded, nil
}

func decodeChanges(body []byte) ([]changeEntry, error) {
	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Corrupt(fmt.Sprintf("changes body: %s", err))
	}

	entries := make([]changeEntry, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			return nil, errors.Corrupt("changes body: short row")
		}
		seq, ok := row[0].(float64)
		if !ok {
			return nil, errors.Corrupt("changes body: bad sequence")
		}
		docID, ok := row[1].(string)
		if !ok {
			return nil, errors.Corrupt("changes body: bad docID")
		}
		revID, ok := row[2].(string)
		if !ok {
			return nil, errors.Corrupt("changes body: bad revID")
		}

		entry := changeEntry{Sequence: uint64(seq), DocID: docID, RevID: revID}
		if len(row) > 3 {
			if deleted, ok := row[3].(float64); ok && deleted != 0 {
				entry.Deleted = true
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// changesReply is the receiver's verdict per change, index-aligned with
// the request: nil means not wanted, an array lists the ancestors the
// receiver already has (empty means it wants the whole history).
type changesReply [][]string

func encodeChangesReply(reply changesReply) ([]byte, error) {
	rows := make([]any, len(reply))
	for i, ancestors := range reply {
		if ancestors == nil {
			rows[i] = nil
			continue
		}
		rows[i] = ancestors
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode changes reply: %w", err)
	}
	return encoded, nil
}

func decodeChangesReply(body []byte) (changesReply, error) {
	var rows []any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.Corrupt(fmt.Sprintf("changes reply: %s", err))
	}

	reply := make(changesReply, len(rows))
	for i, row := range rows {
		if row == nil {
			continue
		}
		items, ok := row.([]any)
		if !ok {
			return nil, errors.Corrupt("changes reply: bad row")
		}
		ancestors := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, errors.Corrupt("changes reply: bad ancestor")
			}
			ancestors = append(ancestors, s)
		}
		reply[i] = ancestors
	}
	return reply, nil
}

// encodeHistory joins a revision's ancestor IDs for the rev message's
// history property, newest first, excluding the revision itself.
func encodeHistory(history []vtime.RevID) string {
	if len(history) <= 1 {
		return ""
	}
	parts := make([]string, 0, len(history)-1)
	for _, id := range history[1:] {
		parts = append(parts, id.String())
	}
	return strings.Join(parts, ";")
}

// decodeHistory parses a history property back into revision IDs.
func decodeHistory(s string) ([]vtime.RevID, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ";")
	ids := make([]vtime.RevID, 0, len(parts))
	for _, part := range parts {
		id, err := vtime.ParseRevID(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
