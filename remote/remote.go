// File: remote/remote.go
// Package remote provides a uniform dial/send/recv/close capability over
// TCP and UDP destinations, selected by wisp.StreamType.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TCP and UDP remotes share no implementation, only this interface: each
// transport gets its own concrete type rather than one wrapper branching
// on stream type internally.

package remote

import (
	"context"
	"net"
)

// RecvBufferSize is the maximum number of bytes a single TCP Recv call
// reads, and the size of the buffer used for a single UDP datagram.
const RecvBufferSize = 64 * 1024

// Conn is the capability every dialed remote exposes, regardless of
// transport. Recv returns (nil, io.EOF) on a clean remote close so callers
// can tell it apart from a genuine read failure.
type Conn interface {
	Connect(ctx context.Context) error
	Recv() ([]byte, error)
	Send(b []byte) error
	Close() error
}

// NewTCP constructs an unconnected Conn that dials addr:port over TCP.
func NewTCP(ip net.IP, port uint16) Conn {
	return &tcpConn{addr: &net.TCPAddr{IP: ip, Port: int(port)}}
}

// NewUDP constructs an unconnected Conn pinned to addr:port over UDP.
func NewUDP(ip net.IP, port uint16) Conn {
	return &udpConn{addr: &net.UDPAddr{IP: ip, Port: int(port)}}
}
