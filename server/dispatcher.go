// File: server/dispatcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The connection dispatcher classifies an accepted websocket by its URL
// path: a path ending in '/' is Wisp multiplexed mode, anything else is
// WSProxy single-stream mode. It also owns client-IP
// extraction (with X-Real-IP trust gated on the immediate peer being
// 127.0.0.1), per-connection session-id generation for logging, and the
// WSProxy pre-accept rate gate.

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/momentics/wisp-server/session"
	"github.com/momentics/wisp-server/wsproxy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP is the single HTTP entry point: non-upgrade requests go to the
// static handler (or 204 if none is configured); upgrade requests are
// classified into Wisp or WSProxy mode and handed to the matching session
// type.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "" {
		s.static.ServeHTTP(w, r)
		return
	}

	clientIP := clientIPFor(r)
	id := newConnID()
	log := s.log.WithFields(map[string]any{"conn": id, "client_ip": clientIP, "path": r.URL.Path})

	// Incremented for every accepted websocket, Wisp or WSProxy, before any
	// per-stream check — this is what lets the WSProxy pre-accept gate
	// below observe an accurate count.
	s.limiter.NoteNewStream(clientIP)

	// Routing rule: a path ending in '/' is Wisp multiplexed mode;
	// anything else is WSProxy, regardless of whether its last segment
	// turns out to parse as host:port (a malformed WSProxy path just
	// fails inside Proxy.Run and closes the websocket).
	isWisp := strings.HasSuffix(r.URL.Path, "/")

	if !isWisp && s.limiter.StreamsExceeded(clientIP) {
		log.Info("refusing WSProxy connection over stream limit")
		s.metrics.incRejectedRate()
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	if isWisp {
		s.metrics.incWispSessions()
		log.Info("accepted Wisp session")
		sess := session.New(id, clientIP, conn, session.Deps{
			Guard:   s.guard,
			Limiter: s.limiter,
			Dialer:  s.dialer,
			Log:     log,
		})
		sess.Run(context.Background())
		return
	}

	s.metrics.incWSProxySessions()
	log.Info("accepted WSProxy session")
	proxy := wsproxy.New(id, clientIP, conn, wsproxy.Deps{
		Guard:   s.guard,
		Limiter: s.limiter,
		Log:     log,
	})
	proxy.Run(context.Background(), r.URL.Path)
}

// clientIPFor returns the request's client IP, trusting X-Real-IP only
// when the immediate transport peer is 127.0.0.1 (a fronting reverse
// proxy on localhost).
func clientIPFor(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "127.0.0.1" {
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return real
		}
	}
	return host
}

// newConnID generates a short random hex tag used only for log
// correlation; it has no protocol meaning.
func newConnID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
