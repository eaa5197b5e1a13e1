// File: server/config.go
// Package server wires the Wisp/WSProxy dispatcher, the static-file
// handler, and the process-level listener into one runnable unit.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/wisp-server/ratelimit"
)

// Version is embedded in the Server response header and startup log line.
const Version = "0.1.0"

// Config carries every server tunable: listen address, static file root,
// rate-limit policy, address-guard policy, logging, and worker fanout.
// There is deliberately no config-file loader here: CLI parsing lives in
// cmd/wispd, not the core server package.
type Config struct {
	Host string
	Port int

	// StaticDir serves files from this root when the HTTP request isn't a
	// websocket upgrade. Empty means "no static handler" (204 to every
	// non-upgrade request).
	StaticDir string

	EnableLimits         bool
	BandwidthKBps        int
	ConnectionsPerWindow int
	WindowSeconds        int

	// AllowLoopback/AllowPrivate invert the address guard's block-by-default
	// policy: unset (false) means "block", matching the CLI flags' polarity.
	AllowLoopback bool
	AllowPrivate  bool

	LogLevel logrus.Level

	// Threads is the worker-fanout count a cmd/wispd-style entry point
	// uses with SO_REUSEPORT; the core server itself only ever binds one
	// listener per Config.
	Threads int
}

// DefaultConfig returns the defaults used when a caller doesn't set a
// flag or field explicitly.
func DefaultConfig() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 6001,
		EnableLimits:         false,
		BandwidthKBps:        1000,
		ConnectionsPerWindow: 30,
		WindowSeconds:        60,
		AllowLoopback:        false,
		AllowPrivate:         false,
		LogLevel:             logrus.InfoLevel,
		Threads:              0,
	}
}

// limiterConfig translates Config into ratelimit.Config.
func (c *Config) limiterConfig() ratelimit.Config {
	return ratelimit.Config{
		Enabled:       c.EnableLimits,
		StreamsLimit:  c.ConnectionsPerWindow,
		BandwidthKBps: c.BandwidthKBps,
		WindowSeconds: c.WindowSeconds,
	}
}
