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

// Package blip implements the multiplexed message bus the replicator
// speaks: numbered request/response messages carried as interleavable
// frames over an abstract frame transport, with byte-credit flow control
// and optional body compression.
package blip

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/klauspost/compress/flate"

	"github.com/perchdb/perch/pkg/binary"
	"github.com/perchdb/perch/pkg/errors"
)

// SubProtocol is the handshake string exchanged when a transport is
// negotiated.
const SubProtocol = "BLIP_3+CBMobile_4"

// MessageType occupies the low three bits of the frame flags.
type MessageType uint8

const (
	// TypeRequest expects a reply unless NoReply is set.
	TypeRequest MessageType = iota

	// TypeResponse answers a request, carrying its number.
	TypeResponse

	// TypeError answers a request with an error.
	TypeError

	// TypeAckRequest grants send credit for a request's frames.
	TypeAckRequest

	// TypeAckResponse grants send credit for a response's frames.
	TypeAckResponse
)

// String returns the wire name of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQ"
	case TypeResponse:
		return "RES"
	case TypeError:
		return "ERR"
	case TypeAckRequest:
		return "ACKREQ"
	case TypeAckResponse:
		return "ACKRES"
	default:
		return fmt.Sprintf("type_%d", uint8(t))
	}
}

// FrameFlags is the flag byte of a frame.
type FrameFlags uint8

const (
	typeMask FrameFlags = 0x07

	// FlagMoreComing marks a frame that is not the message's last.
	FlagMoreComing FrameFlags = 0x08

	// FlagNoReply marks a request that expects no response.
	FlagNoReply FrameFlags = 0x10

	// FlagUrgent prioritizes the message in the send queue.
	FlagUrgent FrameFlags = 0x20

	// FlagCompressed marks a deflate-compressed body.
	FlagCompressed FrameFlags = 0x40
)

// Properties are a message's key-value metadata.
type Properties map[string]string

// Well-known property names.
const (
	PropProfile     = "Profile"
	PropErrorDomain = "Error-Domain"
	PropErrorCode   = "Error-Code"
)

// Message is a complete BLIP message.
type Message struct {
	Number     uint64
	Type       MessageType
	NoReply    bool
	Urgent     bool
	Compressed bool
	Properties Properties
	Body       []byte
}

// NewRequest creates a request with the given profile.
func NewRequest(profile string) *Message {
	return &Message{
		Type:       TypeRequest,
		Properties: Properties{PropProfile: profile},
	}
}

// Profile returns the message's profile property.
func (m *Message) Profile() string {
	return m.Properties[PropProfile]
}

// IsAck reports whether the message is a flow-control acknowledgement.
func (m *Message) IsAck() bool {
	return m.Type == TypeAckRequest || m.Type == TypeAckResponse
}

// ErrorResponse creates the error reply to this request.
func (m *Message) ErrorResponse(domain errors.Domain, code int, message string) *Message {
	return &Message{
		Number: m.Number,
		Type:   TypeError,
		Properties: Properties{
			PropErrorDomain: domain.String(),
			PropErrorCode:   strconv.Itoa(code),
		},
		Body: []byte(message),
	}
}

// Response creates the success reply to this request.
func (m *Message) Response() *Message {
	return &Message{
		Number:     m.Number,
		Type:       TypeResponse,
		Properties: Properties{},
	}
}

// Error decodes an error reply into a status error, or nil for other
// message types.
func (m *Message) Error() error {
	if m.Type != TypeError {
		return nil
	}
	code, _ := strconv.Atoi(m.Properties[PropErrorCode])
	domain := m.Properties[PropErrorDomain]
	return errors.Remote(fmt.Sprintf("%s/%d: %s", domain, code, string(m.Body)))
}

// flags assembles the frame flag byte, minus MoreComing which is
// per-frame.
func (m *Message) flags() FrameFlags {
	flags := FrameFlags(m.Type) & typeMask
	if m.NoReply {
		flags |= FlagNoReply
	}
	if m.Urgent {
		flags |= FlagUrgent
	}
	if m.Compressed {
		flags |= FlagCompressed
	}
	return flags
}

// encodePayload packs the properties block and the (optionally
// compressed) body into the byte sequence carried by the frames.
func (m *Message) encodePayload() ([]byte, error) {
	buf := &bytes.Buffer{}

	keys := make([]string, 0, len(m.Properties))
	for k := range m.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	props := &bytes.Buffer{}
	for _, k := range keys {
		if err := binary.WriteString(props, k); err != nil {
			return nil, err
		}
		if err := binary.WriteString(props, m.Properties[k]); err != nil {
			return nil, err
		}
	}
	if err := binary.WriteBytes(buf, props.Bytes()); err != nil {
		return nil, err
	}

	body := m.Body
	if m.Compressed {
		compressed := &bytes.Buffer{}
		w, err := flate.NewWriter(compressed, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("compress message: %w", err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("compress message: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress message: %w", err)
		}
		body = compressed.Bytes()
	}
	buf.Write(body)

	return buf.Bytes(), nil
}

// decodePayload parses a complete payload back into properties and body.
func (m *Message) decodePayload(payload []byte) error {
	reader := bytes.NewReader(payload)

	propsBlock, err := binary.ReadBytes(reader)
	if err != nil {
		return errors.Corrupt(fmt.Sprintf("message %d: properties: %s", m.Number, err))
	}

	m.Properties = Properties{}
	propsReader := bytes.NewReader(propsBlock)
	for propsReader.Len() > 0 {
		key, err := binary.ReadString(propsReader)
		if err != nil {
			return errors.Corrupt(fmt.Sprintf("message %d: properties: %s", m.Number, err))
		}
		value, err := binary.ReadString(propsReader)
		if err != nil {
			return errors.Corrupt(fmt.Sprintf("message %d: properties: %s", m.Number, err))
		}
		m.Properties[key] = value
	}

	body := make([]byte, reader.Len())
	if _, err := io.ReadFull(reader, body); err != nil {
		return errors.Corrupt(fmt.Sprintf("message %d: body: %s", m.Number, err))
	}

	if m.Compressed {
		fr := flate.NewReader(bytes.NewReader(body))
		decompressed, err := io.ReadAll(fr)
		if err != nil {
			return errors.Corrupt(fmt.Sprintf("message %d: decompress: %s", m.Number, err))
		}
		if err := fr.Close(); err != nil {
			return errors.Corrupt(fmt.Sprintf("message %d: decompress: %s", m.Number, err))
		}
		body = decompressed
	}
	m.Body = body
	return nil
}
