// File: ratelimit/limiter.go
// Package ratelimit implements a per-client-IP fixed-window bandwidth and
// new-stream counter.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The whole record table is replaced wholesale at each window tick — the
// same "snapshot and atomically swap" shape as a hot-reloadable config
// store, applied to counters instead of settings. A token bucket
// (golang.org/x/time/rate) was considered and rejected here: it smooths
// usage continuously and never produces the hard "every counter returns to
// zero at the window boundary" behavior this package's tests require.

package ratelimit

import (
	"sync"
	"time"
)

// Direction selects which byte counter AccountBytes advances.
type Direction int

const (
	DirectionTCP Direction = iota // remote -> client bytes
	DirectionWS                   // client -> remote bytes
)

// Config carries the limiter's tunables: whether limiting is enabled, the
// new-stream cap, the bandwidth cap, and the fixed-window length.
type Config struct {
	Enabled       bool
	StreamsLimit  int
	BandwidthKBps int
	WindowSeconds int
}

// DefaultConfig returns the limiter's defaults: disabled, 30 streams and
// 1000 KB/s per 60-second window.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		StreamsLimit:  30,
		BandwidthKBps: 1000,
		WindowSeconds: 60,
	}
}

type record struct {
	mu            sync.Mutex
	streamsOpened uint64
	tcpBytes      uint64
	wsBytes       uint64
	windowStart   time.Time
}

// Limiter is a process-wide (per-worker) rate limiter keyed by client IP
// string.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*record

	stop chan struct{}
}

// New constructs a Limiter and, if cfg.Enabled, starts its background
// window resetter. Callers must call Close when the limiter is no longer
// needed to stop that goroutine.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		records: make(map[string]*record),
		stop:    make(chan struct{}),
	}
	if cfg.Enabled {
		go l.resetLoop()
	}
	return l
}

// Close stops the background window resetter. Idempotent.
func (l *Limiter) Close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

func (l *Limiter) resetLoop() {
	window := time.Duration(l.cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.records = make(map[string]*record)
			l.mu.Unlock()
		}
	}
}

func (l *Limiter) recordFor(ip string) *record {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[ip]
	if !ok {
		r = &record{windowStart: time.Now()}
		l.records[ip] = r
	}
	return r
}

// StreamsOpened returns ip's current-window stream count without
// modifying it, for callers that need a read-only gate and must not
// double-count an increment already made at accept time.
func (l *Limiter) StreamsOpened(ip string) uint64 {
	if !l.cfg.Enabled {
		return 0
	}
	r := l.recordFor(ip)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamsOpened
}

// StreamsExceeded reports whether ip's current stream count is already
// over the configured limit. A disabled limiter never reports exceeded.
func (l *Limiter) StreamsExceeded(ip string) bool {
	if !l.cfg.Enabled {
		return false
	}
	return l.StreamsOpened(ip) > uint64(l.cfg.StreamsLimit)
}

// NoteNewStream increments ip's stream counter and reports whether the
// limit was already exceeded before this call, i.e. whether this stream
// should be refused. Called once by the connection dispatcher for every
// accepted websocket (Wisp or WSProxy), and again by the Wisp session for
// every CONNECT packet it considers. A disabled limiter always reports
// not-exceeded and never increments.
func (l *Limiter) NoteNewStream(ip string) (exceeded bool) {
	if !l.cfg.Enabled {
		return false
	}
	r := l.recordFor(ip)
	r.mu.Lock()
	defer r.mu.Unlock()
	exceeded = r.streamsOpened > uint64(l.cfg.StreamsLimit)
	r.streamsOpened++
	return exceeded
}

// AccountBytes adds n to ip's counter for dir, then paces the caller with
// short sleeps while the observed rate in that direction exceeds the
// configured bandwidth limit. It never drops data — only delays the
// caller — providing crude pacing rather than hard shaping.
func (l *Limiter) AccountBytes(ip string, n int, dir Direction) {
	if !l.cfg.Enabled {
		return
	}
	r := l.recordFor(ip)

	r.mu.Lock()
	switch dir {
	case DirectionTCP:
		r.tcpBytes += uint64(n)
	case DirectionWS:
		r.wsBytes += uint64(n)
	}
	r.mu.Unlock()

	limitBytesPerSec := float64(l.cfg.BandwidthKBps) * 1000
	for {
		r.mu.Lock()
		elapsed := time.Since(r.windowStart).Seconds()
		var total uint64
		switch dir {
		case DirectionTCP:
			total = r.tcpBytes
		case DirectionWS:
			total = r.wsBytes
		}
		r.mu.Unlock()

		if elapsed <= 0 {
			return
		}
		rate := float64(total) / elapsed
		if rate <= limitBytesPerSec {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
