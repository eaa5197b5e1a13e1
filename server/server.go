// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wisp-server/addrguard"
	"github.com/momentics/wisp-server/internal/dialqueue"
	"github.com/momentics/wisp-server/ratelimit"
)

// dialWorkers sizes the background pool that runs CONNECT-time dials
// (internal/dialqueue), keeping a burst of CONNECT packets from spawning
// unbounded goroutines against a single session.
const dialWorkers = 64

// Server wires the HTTP listener, the static-file handler, and the
// Wisp/WSProxy dispatcher together into one runnable unit.
type Server struct {
	cfg *Config
	log *logrus.Logger

	guard   *addrguard.Guard
	limiter *ratelimit.Limiter
	dialer  *dialqueue.Executor
	metrics *Metrics
	static  http.Handler

	httpSrv *http.Server
}

// New constructs a Server from cfg. If cfg is nil, DefaultConfig() is
// used. The returned Server has not started listening; call Run.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	log := logrus.New()
	log.SetLevel(cfg.LogLevel)

	var static http.Handler = noStaticHandler{}
	if cfg.StaticDir != "" {
		h, err := newStaticHandler(cfg.StaticDir)
		if err != nil {
			return nil, fmt.Errorf("server: static dir: %w", err)
		}
		static = h
		log.WithField("dir", cfg.StaticDir).Info("serving static files")
	}

	guard := addrguard.New(addrguard.Policy{
		BlockLoopback: !cfg.AllowLoopback,
		BlockPrivate:  !cfg.AllowPrivate,
	})

	limiter := ratelimit.New(cfg.limiterConfig())
	if cfg.EnableLimits {
		log.Info("enabled rate limits")
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		guard:   guard,
		limiter: limiter,
		dialer:  dialqueue.New(dialWorkers),
		metrics: NewMetrics(),
		static:  static,
	}

	s.httpSrv = &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler: s,
	}
	return s, nil
}

// Metrics exposes a point-in-time snapshot of this server's counters.
func (s *Server) Metrics() map[string]any {
	return s.metrics.Snapshot()
}

// Run starts accepting connections and blocks until the listener fails or
// Shutdown is called. It always returns a non-nil error; after Shutdown
// that error is http.ErrServerClosed, which callers should treat as a
// clean stop.
func (s *Server) Run() error {
	s.log.WithFields(map[string]any{
		"addr":    s.httpSrv.Addr,
		"version": Version,
	}).Infof("running wisp-server-go v%s", Version)
	return s.httpSrv.ListenAndServe()
}

// Serve is like Run but accepts an already-bound listener, letting
// callers (e.g. an SO_REUSEPORT-aware cmd/wispd) construct the socket
// themselves.
func (s *Server) Serve(ln net.Listener) error {
	s.log.WithField("addr", ln.Addr().String()).Infof("running wisp-server-go v%s", Version)
	return s.httpSrv.Serve(ln)
}

// Shutdown stops accepting new connections and waits up to the given
// grace period for in-flight sessions to finish, then stops the rate
// limiter's background resetter.
func (s *Server) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err := s.httpSrv.Shutdown(ctx)
	s.limiter.Close()
	s.dialer.Close()
	return err
}
