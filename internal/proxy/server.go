// Package proxy implements the session bridge: the listener, the
// per-connection session lifecycle, and the upstream side.
package proxy

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"

	"imap-acl-proxy/internal/config"
	"imap-acl-proxy/internal/metrics"
)

// Server listens for incoming client connections and spawns sessions.
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new Server with the given config and logger.
// m may be nil when metrics are disabled.
func NewServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		config:  cfg,
		logger:  logger,
		metrics: m,
	}
}

// ListenAndServe binds a listener on the configured address, wrapping it
// in TLS when a certificate is configured, and starts accepting
// connections.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Server.Listen)
	if err != nil {
		return err
	}
	if s.config.Server.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(s.config.Server.TLSCert, s.config.Server.TLSKey)
		if err != nil {
			l.Close()
			return err
		}
		l = tls.NewListener(l, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return s.Serve(l)
}

// Serve accepts connections on the provided listener, spawning a session
// goroutine per connection. Sessions are fully independent; they share
// only the read-only configuration snapshot.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	for {
		conn, err := l.Accept()
		if err != nil {
			// A closed listener returns an error; treat that as clean shutdown.
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.logger.Info("new connection", "client", conn.RemoteAddr())
		sess := NewSession(conn, s.config, s.logger, s.metrics)
		go sess.Run()
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts down the listener, causing Serve/ListenAndServe to return.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		return l.Close()
	}
	return nil
}
