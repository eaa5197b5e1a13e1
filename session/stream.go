// File: session/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stream owns one logical TCP/UDP connection multiplexed inside a Wisp
// session: a bounded inbound queue fed by DATA packets, and the two pumps
// that relay bytes between that queue and the dialed remote.

package session

import (
	"errors"
	"io"
	"sync"

	"github.com/momentics/wisp-server/ratelimit"
	"github.com/momentics/wisp-server/remote"
	"github.com/momentics/wisp-server/wisp"
)

// queueCapacity is the bounded inbound queue's capacity in entries.
const queueCapacity = 128

// continueEvery is how many successful ws->remote writes elapse between
// CONTINUE emissions. Computed as queue_capacity/4, not as a modulus of a
// different constant — the async/threaded discrepancy the protocol's own
// source carries is not reproduced here.
const continueEvery = queueCapacity / 4

// writer is the narrow capability a Stream needs from its owning Session:
// a serialized way to send a framed packet and account outbound bytes.
type writer interface {
	sendPacket(t wisp.PacketType, streamID uint32, payload []byte) error
	accountBytes(n int, dir ratelimit.Direction)
	dropStream(streamID uint32)
}

// Stream is one multiplexed TCP/UDP connection inside a Session.
type Stream struct {
	id    uint32
	typ   wisp.StreamType
	owner writer

	// remote is nil until a successful dial; only dialAndStart and the
	// pumps it launches touch it, so no lock guards it.
	remote remote.Conn

	inbound chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// newStream allocates a Stream with its bounded inbound queue but no
// remote yet and no pumps running; callers call attachRemote then start
// only after a successful dial, so DATA packets arriving in between still
// queue correctly.
func newStream(id uint32, typ wisp.StreamType, owner writer) *Stream {
	return &Stream{
		id:      id,
		typ:     typ,
		owner:   owner,
		inbound: make(chan []byte, queueCapacity),
		done:    make(chan struct{}),
	}
}

// attachRemote records the dialed remote connection once it's ready.
func (s *Stream) attachRemote(conn remote.Conn) {
	s.remote = conn
}

// enqueue pushes a DATA payload onto the inbound queue, blocking if full.
// This is the intentional backpressure point: a full queue stalls the
// session's receive loop, which in turn stops draining the websocket.
// enqueue is a no-op once the stream is closed.
func (s *Stream) enqueue(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case s.inbound <- cp:
	case <-s.done:
	}
}

// start launches both relay pumps. Must be called exactly once, after a
// successful dial.
func (s *Stream) start() {
	go s.wsToRemotePump()
	go s.remoteToWsPump()
}

// wsToRemotePump drains the inbound queue to remote, emitting a CONTINUE
// every continueEvery successful writes.
func (s *Stream) wsToRemotePump() {
	var writes uint64
	for {
		select {
		case <-s.done:
			return
		case payload, ok := <-s.inbound:
			if !ok {
				return
			}
			if err := s.remote.Send(payload); err != nil {
				s.closeLocked(0, false)
				return
			}
			writes++
			if writes%continueEvery == 0 {
				remaining := uint32(queueCapacity - len(s.inbound))
				_ = s.owner.sendPacket(wisp.PacketContinue, s.id, wisp.EncodeContinue(remaining))
			}
		}
	}
}

// remoteToWsPump reads from remote and forwards DATA packets over the
// websocket until EOF or a read error, at which point it emits the
// matching CLOSE reason and tears the stream down.
func (s *Stream) remoteToWsPump() {
	for {
		payload, err := s.remote.Recv()
		if err != nil {
			reason := wisp.CloseReasonRemoteReadError
			if isEOF(err) {
				reason = wisp.CloseReasonNormal
			}
			s.closeLocked(reason, true)
			return
		}
		s.owner.accountBytes(wisp.HeaderSize+len(payload), ratelimit.DirectionTCP)
		if err := s.owner.sendPacket(wisp.PacketData, s.id, payload); err != nil {
			s.closeLocked(0, false)
			return
		}
	}
}

// close tears the stream down idempotently: closes remote, signals both
// pumps via done, drops the stream from the owning session's map, and —
// if emit is true — sends a CLOSE packet with reason.
func (s *Stream) close(reason byte, emit bool) {
	s.closeLocked(reason, emit)
}

func (s *Stream) closeLocked(reason byte, emit bool) {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.remote != nil {
			_ = s.remote.Close()
		}
		s.owner.dropStream(s.id)
		if emit {
			_ = s.owner.sendPacket(wisp.PacketClose, s.id, wisp.EncodeClose(reason))
		}
	})
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
