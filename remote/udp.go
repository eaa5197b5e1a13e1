// File: remote/udp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package remote

import (
	"context"
	"net"
	"sync"
)

// udpConn is a packet-oriented Conn pinned to a single remote address: no
// bind-to-any, no broadcast. Recv returns exactly one datagram per call.
type udpConn struct {
	addr *net.UDPAddr

	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool
}

// Connect establishes a connected UDP socket so Recv/Write only ever see
// datagrams to/from the pinned remote.
func (u *udpConn) Connect(ctx context.Context) error {
	conn, err := net.DialUDP("udp", nil, u.addr)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	return nil
}

// Recv returns one datagram. UDP sockets don't have a true EOF signal, so
// any read error here is treated as RemoteReadError by the caller rather
// than a clean close.
func (u *udpConn) Recv() ([]byte, error) {
	buf := make([]byte, RecvBufferSize)
	n, err := u.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Send transmits one datagram to the pinned remote.
func (u *udpConn) Send(b []byte) error {
	_, err := u.conn.Write(b)
	return err
}

// Close is idempotent.
func (u *udpConn) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed || u.conn == nil {
		u.closed = true
		return nil
	}
	u.closed = true
	return u.conn.Close()
}
