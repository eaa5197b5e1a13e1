//go:build windows

// File: cmd/wispd/reuseport_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import "net"

// reusePortSupported is false here: Windows has no SO_REUSEPORT
// equivalent usable this way, so multi-worker fanout falls back to a
// single listener with a logged warning (see main.go).
const reusePortSupported = false

func listenReusePort(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
