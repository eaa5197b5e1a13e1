// File: cmd/wispd/main.go
// Command wispd runs a Wisp/WSProxy server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wisp-server/server"
)

func main() {
	host := flag.String("host", "127.0.0.1", "The hostname the server will listen on.")
	port := flag.Int("port", 6001, "The TCP port the server will listen on.")
	static := flag.String("static", "", "Where static files are served from.")
	limits := flag.Bool("limits", false, "Enable rate limits.")
	bandwidth := flag.Int("bandwidth", 1000, "Bandwidth limit per IP, in kilobytes per second.")
	connections := flag.Int("connections", 30, "New connections limit per IP.")
	window := flag.Int("window", 60, "Fixed window length for rate limits, in seconds.")
	allowLoopback := flag.Bool("allow-loopback", false, "Allow connections to loopback IP addresses.")
	allowPrivate := flag.Bool("allow-private", false, "Allow connections to private IP addresses.")
	logLevel := flag.String("log-level", "info", "The log level (debug, info, warning, error).")
	threads := flag.Int("threads", 0, "The number of worker listeners to run. 0 uses all CPU cores.")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	cfg := server.DefaultConfig()
	cfg.Host = *host
	cfg.Port = *port
	cfg.StaticDir = *static
	cfg.EnableLimits = *limits
	cfg.BandwidthKBps = *bandwidth
	cfg.ConnectionsPerWindow = *connections
	cfg.WindowSeconds = *window
	cfg.AllowLoopback = *allowLoopback
	cfg.AllowPrivate = *allowPrivate
	cfg.LogLevel = level
	cfg.Threads = *threads

	log := logrus.New()
	log.SetLevel(level)
	log.Infof("running wisp-server-go v%s", server.Version)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
}

// run starts either a single server or, when the platform supports
// SO_REUSEPORT, N independent workers sharing one listening address —
// each with its own Server instance and therefore its own rate-limiter
// state, so no mutable state crosses worker boundaries. If the platform
// doesn't support reusable ports, a non-zero --threads is downgraded to
// a single worker with a logged warning rather than a hard failure.
func run(cfg *server.Config, log *logrus.Logger) error {
	threads := cfg.Threads
	if !reusePortSupported {
		if threads != 0 {
			log.Warn("the --threads option is not supported on this platform; running a single worker")
		}
		threads = 1
	} else if threads == 0 {
		threads = runtime.NumCPU()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Infof("listening on %s using %d worker(s)", addr, threads)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, threads)
	servers := make([]*server.Server, threads)

	for i := 0; i < threads; i++ {
		srv, err := server.New(cfg)
		if err != nil {
			return err
		}
		servers[i] = srv

		wg.Add(1)
		go func(srv *server.Server) {
			defer wg.Done()
			if threads == 1 {
				errCh <- srv.Run()
				return
			}
			l, err := listenReusePort(addr)
			if err != nil {
				errCh <- err
				return
			}
			errCh <- srv.Serve(l)
		}(srv)
	}

	go func() {
		<-ctx.Done()
		for _, srv := range servers {
			_ = srv.Shutdown(10 * time.Second)
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	return nil
}
