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

package blip

import (
	"bytes"
	"fmt"

	"github.com/perchdb/perch/pkg/binary"
	"github.com/perchdb/perch/pkg/errors"
)

// maxFramePayload is the payload carried by one frame; larger messages
// are split with FlagMoreComing on every frame but the last.
const maxFramePayload = 16384

// frame is one wire unit: varint message number, flag byte, payload.
type frame struct {
	number  uint64
	flags   FrameFlags
	payload []byte
}

func (f *frame) moreComing() bool {
	return f.flags&FlagMoreComing != 0
}

func (f *frame) messageType() MessageType {
	return MessageType(f.flags & typeMask)
}

func encodeFrame(f frame) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.WriteUvarint(buf, f.number); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(byte(f.flags)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	buf.Write(f.payload)
	return buf.Bytes(), nil
}

func decodeFrame(data []byte) (frame, error) {
	reader := bytes.NewReader(data)

	number, err := binary.ReadUvarint(reader)
	if err != nil {
		return frame{}, errors.Corrupt(fmt.Sprintf("frame header: %s", err))
	}
	flagByte, err := reader.ReadByte()
	if err != nil {
		return frame{}, errors.Corrupt(fmt.Sprintf("frame header: %s", err))
	}

	payload := make([]byte, reader.Len())
	if _, err := reader.Read(payload); err != nil && reader.Len() > 0 {
		return frame{}, errors.Corrupt(fmt.Sprintf("frame payload: %s", err))
	}

	return frame{number: number, flags: FrameFlags(flagByte), payload: payload}, nil
}

// splitFrames cuts a message payload into frames.
func splitFrames(number uint64, flags FrameFlags, payload []byte) []frame {
	var frames []frame
	for {
		chunk := payload
		more := false
		if len(chunk) > maxFramePayload {
			chunk, payload = payload[:maxFramePayload], payload[maxFramePayload:]
			more = true
		} else {
			payload = nil
		}

		f := frame{number: number, flags: flags, payload: chunk}
		if more {
			f.flags |= FlagMoreComing
		}
		frames = append(frames, f)
		if !more {
			return frames
		}
	}
}
