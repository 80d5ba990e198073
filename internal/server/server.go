// Package server constructs and runs the relay's accept loop, with helpers
// for listening and graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/signal-relay/internal/relay"
)

// Server accepts byte-stream connections and runs one read pump and one
// write pump per connection. Rooms are shared through a relay.Registry.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *relay.Registry
	origins  originPolicy
	slots    *slotTable

	// Rejections can arrive in floods; log at most one per second.
	rejectLog rate.Sometimes

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	wg       sync.WaitGroup
}

// New creates a Server for cfg. Unusable config values are replaced with
// defaults. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitize(cfg)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  relay.NewRegistry(logger),
		origins:   newOriginPolicy(cfg.AllowedOrigins, logger),
		slots:     newSlotTable(cfg.MaxConnections),
		rejectLog: rate.Sometimes{First: 1, Interval: time.Second},
	}
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Registry returns the room registry shared by all connections.
func (s *Server) Registry() *relay.Registry {
	return s.registry
}

// Connections returns the number of connections holding a slot.
func (s *Server) Connections() int {
	return s.slots.count()
}

// Addr returns the listener address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen opens the TCP listener described by cfg, wrapped in TLS when a
// certificate and key are configured.
func Listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	if !cfg.TLSEnabled() {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := Listen(s.cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled, Shutdown is
// called, or ln fails. It returns nil after a requested stop. Serve closes
// ln before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	s.logger.Info("relay listening",
		"addr", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
		"tls", s.cfg.TLSEnabled())

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if !errors.As(err, &netErr) {
				return fmt.Errorf("accept: %w", err)
			}
			backoff = nextBackoff(backoff)
			s.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.accept(nc)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 5 * time.Millisecond
	}
	return min(current*2, time.Second)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// accept gives nc a slot and starts its pumps, or closes it straight away
// when every slot is taken.
func (s *Server) accept(nc net.Conn) {
	c := newConn(s, nc)

	handle, ok := s.slots.acquire(c)
	if !ok {
		remote := nc.RemoteAddr().String()
		_ = nc.Close()
		s.rejectLog.Do(func() {
			s.logger.Warn("connection rejected",
				"remote", remote,
				"error", fmt.Errorf("%w: %d connections open", ErrCapacity, s.cfg.MaxConnections))
		})
		return
	}
	c.handle = handle

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.slots.release(handle, c)
		_ = nc.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		c.serve()
	}()
}

// Shutdown stops accepting, sends a going-away close to every open
// connection and waits for all connections to finish, up to timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("initiating relay shutdown")

	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	conns := s.slots.live()
	for _, c := range conns {
		c.goAway()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("relay shutdown completed", "closed", len(conns))
		return nil
	case <-time.After(timeout):
		s.logger.Warn("relay shutdown timeout reached, some connections may still be open")
		return context.DeadlineExceeded
	}
}
