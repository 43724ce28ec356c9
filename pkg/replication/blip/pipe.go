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
	"io"
	"sync"
)

// Pipe returns two connected in-memory frame transports. Frames written
// to one end are read from the other, in order. Used by tests and by
// in-process replication.
func Pipe() (FrameConn, FrameConn) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &pipeConn{send: aToB, recv: bToA, closed: closed, once: once}
	b := &pipeConn{send: bToA, recv: aToB, closed: closed, once: once}
	return a, b
}

type pipeConn struct {
	send   chan []byte
	recv   chan []byte
	closed chan struct{}
	once   *sync.Once
}

func (p *pipeConn) WriteFrame(data []byte) error {
	copied := make([]byte, len(data))
	copy(copied, data)

	select {
	case p.send <- copied:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-p.recv:
		return data, nil
	case <-p.closed:
		// Drain frames already in flight before reporting EOF.
		select {
		case data := <-p.recv:
			return data, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
