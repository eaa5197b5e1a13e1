// File: remote/tcp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package remote

import (
	"context"
	"net"
	"sync"
)

// tcpConn is a byte-stream Conn backed by a dialed net.TCPConn.
type tcpConn struct {
	addr *net.TCPAddr

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// Connect dials the pinned address. TCP_NODELAY is enabled so small
// interactive writes (the common case for a proxied terminal/HTTP request)
// aren't held up by Nagle's algorithm.
func (t *tcpConn) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr.String())
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// Recv reads up to RecvBufferSize bytes. A clean close surfaces as
// (nil, io.EOF); any other read failure surfaces as (nil, err) with err
// distinct from io.EOF, letting callers tell RemoteEOF from
// RemoteReadError apart per the CLOSE reason each maps to.
func (t *tcpConn) Recv() ([]byte, error) {
	buf := make([]byte, RecvBufferSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Send writes b in full.
func (t *tcpConn) Send(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

// Close is idempotent.
func (t *tcpConn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		t.closed = true
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
