// File: session/session.go
// Package session implements the Wisp multiplexing session: per-websocket
// state, packet dispatch, and the serialized writer every stream and the
// session itself share. The single-stream WSProxy mode is package wsproxy.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package session

import (
	"context"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/momentics/wisp-server/addrguard"
	"github.com/momentics/wisp-server/internal/dialqueue"
	"github.com/momentics/wisp-server/ratelimit"
	"github.com/momentics/wisp-server/remote"
	"github.com/momentics/wisp-server/wisp"
	"github.com/momentics/wisp-server/wisperr"
)

// Deps bundles the collaborators a Session needs, injected rather than
// reached for as globals — the rate limiter in particular is owned by the
// dispatcher, one instance per worker, not a package-level singleton.
type Deps struct {
	Guard   *addrguard.Guard
	Limiter *ratelimit.Limiter
	Dialer  *dialqueue.Executor
	Log     *logrus.Entry

	// Dial constructs the remote.Conn for a resolved CONNECT destination.
	// Defaults to selecting remote.NewTCP/remote.NewUDP by stream type;
	// tests override it to inject a fake remote without touching the
	// network.
	Dial func(ip net.IP, port uint16, st wisp.StreamType) remote.Conn
}

func (d Deps) dial(ip net.IP, port uint16, st wisp.StreamType) remote.Conn {
	if d.Dial != nil {
		return d.Dial(ip, port, st)
	}
	switch st {
	case wisp.StreamUDP:
		return remote.NewUDP(ip, port)
	default:
		return remote.NewTCP(ip, port)
	}
}

// Session owns one Wisp-mode websocket: its stream table, the serialized
// websocket writer every stream's pumps and the session's own receive
// loop share, and dispatch of inbound CONNECT/DATA/CONTINUE/CLOSE packets.
type Session struct {
	id       string
	clientIP string
	conn     *websocket.Conn
	deps     Deps

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*Stream
}

// New constructs a Session bound to an already-upgraded websocket.
func New(id, clientIP string, conn *websocket.Conn, deps Deps) *Session {
	return &Session{
		id:       id,
		clientIP: clientIP,
		conn:     conn,
		deps:     deps,
		streams:  make(map[uint32]*Stream),
	}
}

// Run sends the initial session-wide CONTINUE then services inbound
// websocket messages until the connection closes. Run blocks until then;
// on return every stream in the session has been closed.
func (s *Session) Run(ctx context.Context) {
	log := s.deps.Log.WithField("session", s.id)

	if err := s.sendPacket(wisp.PacketContinue, wisp.SessionStreamID, wisp.EncodeContinue(queueCapacity)); err != nil {
		log.WithError(err).Warn("failed to send initial CONTINUE")
		_ = s.conn.Close()
		return
	}

	for {
		mt, raw, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		s.deps.Limiter.AccountBytes(s.clientIP, len(raw), ratelimit.DirectionWS)

		pkt, err := wisp.Decode(raw)
		if err != nil {
			log.WithError(err).Debug("dropping undecodable frame")
			continue
		}
		s.dispatch(ctx, pkt)
	}

	s.closeAll()
}

func (s *Session) dispatch(ctx context.Context, pkt wisp.Packet) {
	switch pkt.Type {
	case wisp.PacketConnect:
		s.handleConnect(ctx, pkt)
	case wisp.PacketData:
		s.handleData(pkt)
	case wisp.PacketClose:
		s.handleClose(pkt)
	case wisp.PacketContinue:
		// Server-initiated only; a client-sent CONTINUE is ignored.
	default:
		// Unknown packet type; ignored.
	}
}

func (s *Session) handleConnect(ctx context.Context, pkt wisp.Packet) {
	log := s.deps.Log.WithField("session", s.id).WithField("stream", pkt.StreamID)

	if s.deps.Limiter.NoteNewStream(s.clientIP) {
		_ = s.sendPacket(wisp.PacketClose, pkt.StreamID, wisp.EncodeClose(wisp.CloseReasonRateLimited))
		return
	}

	payload, err := wisp.DecodeConnect(pkt.Payload)
	if err != nil {
		log.WithError(err).Debug("dropping undecodable CONNECT")
		return
	}

	if payload.StreamType != wisp.StreamTCP && payload.StreamType != wisp.StreamUDP {
		_ = s.sendPacket(wisp.PacketClose, pkt.StreamID, wisp.EncodeClose(wisp.CloseReasonUnsupportedStream))
		return
	}

	stream := newStream(pkt.StreamID, payload.StreamType, s)

	// Inserted under stream_id before the async dial starts, so DATA
	// packets arriving while the dial is in flight still queue correctly.
	s.mu.Lock()
	s.streams[pkt.StreamID] = stream
	s.mu.Unlock()

	// Dial asynchronously so a slow DNS lookup or connect doesn't stall
	// other streams sharing this session's receive loop.
	err = s.deps.Dialer.Submit(func() {
		s.dialAndStart(ctx, stream, payload, log)
	})
	if err != nil {
		stream.close(wisp.CloseReasonConnectionFailed, true)
	}
}

func (s *Session) dialAndStart(ctx context.Context, stream *Stream, payload wisp.ConnectPayload, log *logrus.Entry) {
	ip, err := s.deps.Guard.Resolve(ctx, payload.Hostname, payload.Port, payload.StreamType)
	if err != nil {
		log.WithError(err).Info("CONNECT blocked or unresolved")
		stream.close(closeReasonForDial(err), true)
		return
	}

	conn := s.deps.dial(ip, payload.Port, payload.StreamType)
	if err := conn.Connect(ctx); err != nil {
		log.WithError(err).Info("CONNECT dial failed")
		stream.close(wisp.CloseReasonConnectionFailed, true)
		return
	}

	stream.attachRemote(conn)
	stream.start()
}

func closeReasonForDial(err error) byte {
	if we, ok := err.(*wisperr.Error); ok {
		if reason, ok := we.Code.CloseReasonFor(); ok {
			return reason
		}
	}
	return wisp.CloseReasonConnectionFailed
}

func (s *Session) handleData(pkt wisp.Packet) {
	s.mu.Lock()
	stream, ok := s.streams[pkt.StreamID]
	s.mu.Unlock()
	if !ok {
		return
	}
	stream.enqueue(pkt.Payload)
}

func (s *Session) handleClose(pkt wisp.Packet) {
	if _, err := wisp.DecodeClose(pkt.Payload); err != nil {
		return
	}
	s.mu.Lock()
	stream, ok := s.streams[pkt.StreamID]
	s.mu.Unlock()
	if !ok {
		return
	}
	// The reason byte is read by the decoder but not otherwise acted on.
	stream.close(0, false)
}

func (s *Session) closeAll() {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.close(0, false)
	}
	_ = s.conn.Close()
}

// sendPacket serializes writes onto the session's websocket: every
// stream's remote->ws pump, CONTINUE emission, and CLOSE emission all
// call this. Errors are swallowed beyond reporting them to the caller —
// the websocket may already be tearing down.
func (s *Session) sendPacket(t wisp.PacketType, streamID uint32, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, wisp.Encode(t, streamID, payload))
}

func (s *Session) accountBytes(n int, dir ratelimit.Direction) {
	s.deps.Limiter.AccountBytes(s.clientIP, n, dir)
}

func (s *Session) dropStream(streamID uint32) {
	s.mu.Lock()
	delete(s.streams, streamID)
	s.mu.Unlock()
}
