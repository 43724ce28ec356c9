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
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/perchdb/perch/internal/logging"
	"github.com/perchdb/perch/pkg/binary"
	"github.com/perchdb/perch/pkg/errors"
)

const (
	// maxUnackedBytes is the per-direction send credit.
	maxUnackedBytes = 128 * 1024

	// ackEveryBytes is how often the receiver grants credit.
	ackEveryBytes = 32 * 1024
)

// FrameConn is the abstract frame transport under a socket: a
// bidirectional, ordered, frame-preserving byte channel. The network
// implementation lives outside the engine; tests use Pipe.
type FrameConn interface {
	WriteFrame(data []byte) error
	ReadFrame() ([]byte, error)
	Close() error
}

// Handler serves requests with a given profile. Returning a non-nil
// reply sends it; returning an error sends an error reply; returning
// ReplyLater defers the reply to a later SendReply call.
type Handler func(req *Message) (*Message, error)

// ReplyLater is the sentinel a handler returns when it will answer the
// request asynchronously through SendReply.
var ReplyLater = &Message{}

// Socket multiplexes messages over a FrameConn.
type Socket struct {
	conn   FrameConn
	logger logging.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	nextNumber atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan *Message

	// writeMu serializes frame writes.
	writeMu sync.Mutex

	// creditMu guards the flow-control counters. sentBytes and ackedBytes
	// are cumulative; the sender blocks while the difference exceeds the
	// credit window.
	creditMu   sync.Mutex
	creditCond *sync.Cond
	sentBytes  int64
	ackedBytes int64

	// receivedBytes is the cumulative count of payload bytes taken in;
	// each ack carries it.
	receivedBytes int64

	// dispatch preserves per-sender request order while keeping the read
	// loop unblocked.
	dispatch chan *Message

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	// OnClose, when set before Open, is called once when the socket
	// closes, with the cause (nil on clean close).
	OnClose func(error)
}

// NewSocket creates a socket over the given transport.
func NewSocket(conn FrameConn) *Socket {
	s := &Socket{
		conn:     conn,
		logger:   logging.New("blip"),
		handlers: make(map[string]Handler),
		pending:  make(map[uint64]chan *Message),
		dispatch: make(chan *Message, 256),
		closed:   make(chan struct{}),
	}
	s.creditCond = sync.NewCond(&s.creditMu)
	return s
}

// RegisterHandler serves requests whose Profile property equals profile.
// It must be called before Open.
func (s *Socket) RegisterHandler(profile string, handler Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[profile] = handler
}

// Open starts the receive and dispatch loops.
func (s *Socket) Open() {
	go s.readLoop()
	go s.dispatchLoop()
}

// SendRequest sends a request and waits for its reply.
func (s *Socket) SendRequest(ctx context.Context, msg *Message) (*Message, error) {
	if msg.NoReply {
		return nil, s.SendNoReply(msg)
	}

	msg.Type = TypeRequest
	msg.Number = s.nextNumber.Add(1)

	replyCh := make(chan *Message, 1)
	s.pendingMu.Lock()
	s.pending[msg.Number] = replyCh
	s.pendingMu.Unlock()

	if err := s.sendMessage(msg); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, msg.Number)
		s.pendingMu.Unlock()
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply == nil {
			return nil, s.closeError()
		}
		if err := reply.Error(); err != nil {
			return reply, err
		}
		return reply, nil
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, msg.Number)
		s.pendingMu.Unlock()
		return nil, errors.Canceled(fmt.Sprintf("request %d: %s", msg.Number, ctx.Err()))
	case <-s.closed:
		return nil, s.closeError()
	}
}

// SendNoReply sends a one-way request.
func (s *Socket) SendNoReply(msg *Message) error {
	msg.Type = TypeRequest
	msg.NoReply = true
	msg.Number = s.nextNumber.Add(1)
	return s.sendMessage(msg)
}

// SendReply sends a response or error built with Message.Response or
// Message.ErrorResponse.
func (s *Socket) SendReply(msg *Message) error {
	return s.sendMessage(msg)
}

func (s *Socket) sendMessage(msg *Message) error {
	payload, err := msg.encodePayload()
	if err != nil {
		return err
	}

	for _, f := range splitFrames(msg.Number, msg.flags(), payload) {
		if !msg.IsAck() {
			if err := s.waitCredit(int64(len(f.payload))); err != nil {
				return err
			}
		}

		encoded, err := encodeFrame(f)
		if err != nil {
			return err
		}

		s.writeMu.Lock()
		err = s.conn.WriteFrame(encoded)
		s.writeMu.Unlock()
		if err != nil {
			s.close(errors.NetworkReset(fmt.Sprintf("write frame: %s", err)))
			return s.closeError()
		}
	}
	return nil
}

// waitCredit blocks until the credit window admits n more payload bytes.
func (s *Socket) waitCredit(n int64) error {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()

	for s.sentBytes+n-s.ackedBytes > maxUnackedBytes {
		select {
		case <-s.closed:
			return s.closeError()
		default:
		}
		s.creditCond.Wait()
	}
	s.sentBytes += n
	return nil
}

func (s *Socket) readLoop() {
	partial := make(map[uint64]*Message)
	partialPayload := make(map[uint64][]byte)

	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			if err == io.EOF {
				s.close(nil)
			} else {
				s.close(errors.NetworkReset(fmt.Sprintf("read frame: %s", err)))
			}
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			s.close(err)
			return
		}

		if f.messageType() == TypeAckRequest || f.messageType() == TypeAckResponse {
			s.handleAck(f)
			continue
		}

		// Replies and requests use disjoint keys so interleaved streams
		// with the same number never collide.
		key := f.number << 1
		if t := f.messageType(); t == TypeResponse || t == TypeError {
			key |= 1
		}

		if _, ok := partial[key]; !ok {
			partial[key] = &Message{
				Number:     f.number,
				Type:       f.messageType(),
				NoReply:    f.flags&FlagNoReply != 0,
				Urgent:     f.flags&FlagUrgent != 0,
				Compressed: f.flags&FlagCompressed != 0,
			}
		}
		partialPayload[key] = append(partialPayload[key], f.payload...)
		s.grantCredit(f)

		if f.moreComing() {
			continue
		}

		msg := partial[key]
		payload := partialPayload[key]
		delete(partial, key)
		delete(partialPayload, key)

		if err := msg.decodePayload(payload); err != nil {
			s.close(err)
			return
		}

		switch msg.Type {
		case TypeRequest:
			select {
			case s.dispatch <- msg:
			case <-s.closed:
				return
			}
		case TypeResponse, TypeError:
			s.pendingMu.Lock()
			replyCh, ok := s.pending[msg.Number]
			delete(s.pending, msg.Number)
			s.pendingMu.Unlock()
			if ok {
				replyCh <- msg
			}
		}
	}
}

func (s *Socket) handleAck(f frame) {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()

	acked, err := binary.ReadUvarint(bytes.NewReader(f.payload))
	if err != nil {
		s.logger.Debugf("bad ack payload: %s", err)
		return
	}
	if int64(acked) > s.ackedBytes {
		s.ackedBytes = int64(acked)
	}
	s.creditCond.Broadcast()
}

// grantCredit counts received payload bytes and acks every
// ackEveryBytes.
func (s *Socket) grantCredit(f frame) {
	s.creditMu.Lock()
	s.receivedBytes += int64(len(f.payload))
	total := s.receivedBytes
	shouldAck := total%ackEveryBytes < int64(len(f.payload))
	s.creditMu.Unlock()

	if !shouldAck {
		return
	}

	ackType := TypeAckRequest
	if t := f.messageType(); t == TypeResponse || t == TypeError {
		ackType = TypeAckResponse
	}

	body := &bytes.Buffer{}
	if err := binary.WriteUvarint(body, uint64(total)); err != nil {
		s.logger.Debugf("encode ack: %s", err)
		return
	}

	ack := &Message{Number: f.number, Type: ackType, NoReply: true, Body: body.Bytes()}
	go func() {
		if err := s.sendAck(ack); err != nil {
			s.logger.Debugf("send ack: %s", err)
		}
	}()
}

// sendAck writes an ack frame without the properties block and without
// consuming credit.
func (s *Socket) sendAck(msg *Message) error {
	encoded, err := encodeFrame(frame{
		number:  msg.Number,
		flags:   FrameFlags(msg.Type) & typeMask,
		payload: msg.Body,
	})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteFrame(encoded)
}

func (s *Socket) dispatchLoop() {
	for {
		select {
		case msg := <-s.dispatch:
			s.serve(msg)
		case <-s.closed:
			return
		}
	}
}

func (s *Socket) serve(msg *Message) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[msg.Profile()]
	s.handlersMu.RUnlock()

	if !ok {
		if !msg.NoReply {
			reply := msg.ErrorResponse(errors.DomainPerch, int(errors.CodeNotFound),
				fmt.Sprintf("no handler for profile %q", msg.Profile()))
			if err := s.SendReply(reply); err != nil {
				s.logger.Debugf("send error reply: %s", err)
			}
		}
		return
	}

	reply, err := handler(msg)
	if reply == ReplyLater {
		return
	}
	if msg.NoReply {
		return
	}
	if err != nil {
		reply = msg.ErrorResponse(errors.DomainOf(err), int(errors.CodeOf(err)), err.Error())
	} else if reply == nil {
		reply = msg.Response()
	} else {
		reply.Number = msg.Number
		if reply.Type != TypeError {
			reply.Type = TypeResponse
		}
	}
	if err := s.SendReply(reply); err != nil {
		s.logger.Debugf("send reply: %s", err)
	}
}

// CloseRequested performs a clean close with a reason logged.
func (s *Socket) CloseRequested(reason string) {
	s.logger.Infof("close requested: %s", reason)
	s.close(nil)
}

// Close tears the socket down.
func (s *Socket) Close() error {
	s.close(nil)
	return nil
}

func (s *Socket) close(cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		close(s.closed)
		_ = s.conn.Close()

		s.creditMu.Lock()
		s.creditCond.Broadcast()
		s.creditMu.Unlock()

		s.pendingMu.Lock()
		for number, replyCh := range s.pending {
			delete(s.pending, number)
			close(replyCh)
		}
		s.pendingMu.Unlock()

		if s.OnClose != nil {
			s.OnClose(cause)
		}
	})
}

// Closed returns a channel closed when the socket closes.
func (s *Socket) Closed() <-chan struct{} {
	return s.closed
}

func (s *Socket) closeError() error {
	if s.closeErr != nil {
		return s.closeErr
	}
	return errors.NetworkReset("socket closed")
}
