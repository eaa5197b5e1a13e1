// File: wsproxy/proxy.go
// Package wsproxy implements the single-stream WSProxy mode: one websocket
// relayed verbatim to one dialed TCP connection, with no Wisp framing at
// all. The destination is parsed from the websocket path instead of a
// CONNECT packet.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wsproxy

import (
	"context"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/momentics/wisp-server/addrguard"
	"github.com/momentics/wisp-server/ratelimit"
	"github.com/momentics/wisp-server/remote"
	"github.com/momentics/wisp-server/wisp"
)

// Deps bundles the collaborators a Proxy needs.
type Deps struct {
	Guard   *addrguard.Guard
	Limiter *ratelimit.Limiter
	Log     *logrus.Entry
}

// Proxy owns one WSProxy-mode websocket and its single dialed TCP remote.
// Unlike session.Session there is no stream table: the websocket and the
// remote are the only two endpoints, and either side's termination tears
// down the other.
type Proxy struct {
	id       string
	clientIP string
	conn     *websocket.Conn
	deps     Deps

	writeMu sync.Mutex
	remote  remote.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Proxy bound to an already-upgraded websocket.
func New(id, clientIP string, conn *websocket.Conn, deps Deps) *Proxy {
	return &Proxy{
		id:       id,
		clientIP: clientIP,
		conn:     conn,
		deps:     deps,
		done:     make(chan struct{}),
	}
}

// ParseHostPort extracts a "host:port" destination from a WSProxy path's
// final '/'-delimited segment: any path whose last segment is host:port
// qualifies, regardless of what precedes it.
func ParseHostPort(urlPath string) (host string, port uint16, err error) {
	seg := path.Base(urlPath)
	h, p, err := net.SplitHostPort(seg)
	if err != nil {
		return "", 0, fmt.Errorf("wsproxy: invalid destination %q: %w", seg, err)
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("wsproxy: invalid port %q: %w", p, err)
	}
	return h, uint16(n), nil
}

// IsWSProxyPath reports whether urlPath is a well-formed WSProxy path: it
// does not end in '/' and its last segment parses as host:port. The
// server's dispatcher does not call it; it routes every path not ending in
// '/' to WSProxy and lets Run reject a malformed destination.
func IsWSProxyPath(urlPath string) bool {
	if strings.HasSuffix(urlPath, "/") {
		return false
	}
	_, _, err := ParseHostPort(urlPath)
	return err == nil
}

// Run dials the destination named by urlPath and relays bytes
// bidirectionally until either side closes. Run blocks until the relay
// ends; on return the websocket and the remote are both closed.
func (p *Proxy) Run(ctx context.Context, urlPath string) {
	log := p.deps.Log.WithField("wsproxy", p.id)

	host, port, err := ParseHostPort(urlPath)
	if err != nil {
		log.WithError(err).Info("could not parse WSProxy destination")
		_ = p.conn.Close()
		return
	}

	ip, err := p.deps.Guard.Resolve(ctx, host, port, wisp.StreamTCP)
	if err != nil {
		log.WithError(err).Info("WSProxy destination blocked or unresolved")
		_ = p.conn.Close()
		return
	}

	conn := remote.NewTCP(ip, port)
	if err := conn.Connect(ctx); err != nil {
		log.WithError(err).Info("WSProxy dial failed")
		_ = p.conn.Close()
		return
	}
	p.remote = conn

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.wsToRemotePump()
	}()
	go func() {
		defer wg.Done()
		p.remoteToWsPump()
	}()
	wg.Wait()
}

// wsToRemotePump reads binary websocket messages and writes them verbatim
// to remote. Any read or write failure tears down both sides.
func (p *Proxy) wsToRemotePump() {
	defer p.close()
	for {
		mt, payload, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		p.deps.Limiter.AccountBytes(p.clientIP, len(payload), ratelimit.DirectionWS)
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.remote.Send(payload); err != nil {
			return
		}
	}
}

// remoteToWsPump reads from remote and forwards each read verbatim as a
// binary websocket message. EOF or a read error tears down both sides.
func (p *Proxy) remoteToWsPump() {
	defer p.close()
	for {
		payload, err := p.remote.Recv()
		if err != nil {
			return
		}
		p.deps.Limiter.AccountBytes(p.clientIP, len(payload), ratelimit.DirectionTCP)
		if err := p.sendBinary(payload); err != nil {
			return
		}
	}
}

func (p *Proxy) sendBinary(payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// close tears down both endpoints idempotently.
func (p *Proxy) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.remote != nil {
			_ = p.remote.Close()
		}
		_ = p.conn.Close()
	})
}
