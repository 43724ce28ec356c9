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

package document

import (
	"encoding/json"
	"fmt"

	"github.com/perchdb/perch/pkg/errors"
)

// Body is a schemaless JSON-like document body.
type Body map[string]any

// blobType is the "@type" marker of a blob reference inside a body.
const blobType = "blob"

// BlobRef is a reference to an attachment found inside a body.
type BlobRef struct {
	Digest      string
	Length      int64
	ContentType string
}

// EncodeBody returns the canonical encoding of the body: JSON with
// lexicographically sorted object keys, which encoding/json produces for
// maps. Revision digests are computed over this encoding.
func EncodeBody(body Body) ([]byte, error) {
	if body == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.New(errors.DomainJSON, errors.CodeInvalidArgument,
			fmt.Sprintf("encode body: %s", err))
	}
	return data, nil
}

// DecodeBody parses an encoded body.
func DecodeBody(data []byte) (Body, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var body Body
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, errors.New(errors.DomainJSON, errors.CodeCorrupt,
			fmt.Sprintf("decode body: %s", err))
	}
	return body, nil
}

// Attachments walks the body and collects every blob reference, i.e.
// every sub-dictionary of the form
// {"@type":"blob","digest":"sha1-...","length":N}.
func Attachments(body Body) []BlobRef {
	var refs []BlobRef
	walkValue(body, &refs)
	return refs
}

func walkValue(value any, refs *[]BlobRef) {
	switch v := value.(type) {
	case map[string]any:
		if ref, ok := blobRefOf(v); ok {
			*refs = append(*refs, ref)
			return
		}
		for _, item := range v {
			walkValue(item, refs)
		}
	case Body:
		walkValue(map[string]any(v), refs)
	case []any:
		for _, item := range v {
			walkValue(item, refs)
		}
	}
}

func blobRefOf(dict map[string]any) (BlobRef, bool) {
	if t, _ := dict["@type"].(string); t != blobType {
		return BlobRef{}, false
	}
	digest, ok := dict["digest"].(string)
	if !ok || digest == "" {
		return BlobRef{}, false
	}

	ref := BlobRef{Digest: digest}
	if length, ok := dict["length"].(float64); ok {
		ref.Length = int64(length)
	}
	if ct, ok := dict["content_type"].(string); ok {
		ref.ContentType = ct
	}
	return ref, true
}
