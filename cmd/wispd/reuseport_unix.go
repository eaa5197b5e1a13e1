//go:build !windows

// File: cmd/wispd/reuseport_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortSupported reports whether this platform can hand out multiple
// listeners bound to the same address — SO_REUSEPORT on Linux/BSD/Darwin.
const reusePortSupported = true

// listenReusePort binds addr with SO_REUSEPORT set, so N independent
// worker processes/goroutines can each Accept() on their own listener
// backed by the same kernel socket group.
func listenReusePort(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}
