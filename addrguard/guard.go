// File: addrguard/guard.go
// Package addrguard resolves a CONNECT destination and rejects it when it
// falls inside a blocked loopback/private range.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package addrguard

import (
	"context"
	"net"
	"strconv"

	"github.com/momentics/wisp-server/wisp"
	"github.com/momentics/wisp-server/wisperr"
)

// Policy controls which destination address classes are rejected.
type Policy struct {
	BlockLoopback bool
	BlockPrivate  bool
}

// Guard resolves hostnames under a fixed Policy.
type Guard struct {
	Policy Policy

	// resolver is overridable in tests; defaults to net.DefaultResolver.
	resolver *net.Resolver
}

// New constructs a Guard enforcing the given policy using the system
// resolver.
func New(policy Policy) *Guard {
	return &Guard{Policy: policy, resolver: net.DefaultResolver}
}

// Resolve looks up hostname and returns the first literal IP found; port
// and st do not affect the lookup, which asks for any address family. It
// runs the lookup via the resolver's own
// context-aware path so a caller can bound it with ctx without blocking
// any other goroutine — in particular, a session's receive loop, which
// must keep servicing other streams while this resolves.
//
// Resolve rejects the result per Policy before returning it; callers MUST
// dial the returned literal rather than re-resolving the hostname, or a
// DNS answer that changes between this call and the dial (TOCTOU rebind)
// would defeat the policy check entirely.
func (g *Guard) Resolve(ctx context.Context, hostname string, port uint16, st wisp.StreamType) (net.IP, error) {
	ips, err := g.resolver.LookupIP(ctx, "ip", hostname)
	if err != nil {
		return nil, wisperr.New(wisperr.CodeDialFailed, "resolve failed").WithContext("hostname", hostname).WithContext("err", err.Error())
	}
	if len(ips) == 0 {
		return nil, wisperr.New(wisperr.CodeDialFailed, "no addresses found").WithContext("hostname", hostname)
	}
	ip := ips[0]

	if err := g.check(ip); err != nil {
		return nil, err
	}
	return ip, nil
}

// check applies Policy to a resolved IP.
func (g *Guard) check(ip net.IP) error {
	if g.Policy.BlockLoopback && ip.IsLoopback() {
		return wisperr.New(wisperr.CodeBlockedAddress, "destination is a loopback address").WithContext("ip", ip.String())
	}
	if g.Policy.BlockPrivate && isPrivate(ip) && !ip.IsLoopback() {
		return wisperr.New(wisperr.CodeBlockedAddress, "destination is a private address").WithContext("ip", ip.String())
	}
	return nil
}

// isPrivate reports whether ip falls in an RFC1918 (IPv4) or RFC4193
// (IPv6 ULA) private range, plus link-local ranges.
func isPrivate(ip net.IP) bool {
	if ip.IsPrivate() {
		return true
	}
	return ip.IsLinkLocalUnicast()
}

// JoinHostPort is a small convenience used by callers building log
// messages and dial targets from a resolved IP/port pair.
func JoinHostPort(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}
