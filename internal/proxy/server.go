package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/lmercer/proxycache/internal/cache"
	"github.com/lmercer/proxycache/internal/config"
	"github.com/lmercer/proxycache/internal/logging"
)

// Server accepts client connections and runs one handler goroutine per
// connection. A counting semaphore bounds the number of concurrent
// handlers; its permit is acquired by the accept loop before accept and
// released exactly once when the handler finishes, on every exit path.
type Server struct {
	logger *slog.Logger
	events *logging.EventLogger
	cfg    *config.Config
	store  cache.Store
	dialer *Dialer

	listener     net.Listener
	ready        chan struct{}
	sem          chan struct{}
	running      atomic.Bool
	nextID       atomic.Uint64
	active       atomic.Int64
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer wires a Server from its collaborators. Nothing is listening
// until Start is called.
func NewServer(logger *slog.Logger, events *logging.EventLogger, store cache.Store, cfg *config.Config) *Server {
	return &Server{
		logger: logger,
		events: events,
		cfg:    cfg,
		store:  store,
		dialer: NewDialer(
			cfg.Timeouts.GetSocket(),
			cfg.Timeouts.GetDNSCacheTTL(),
			cfg.Timeouts.GetDNSNegTTL(),
		),
		ready: make(chan struct{}),
		sem:   make(chan struct{}, cfg.Server.MaxConnections),
	}
}

// Ready is closed once the listening socket is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// SetConfig swaps the server's configuration; only settings read
// per-operation (timeouts, caps) take effect on live connections.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfg = cfg
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections reports the number of in-flight handlers.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Start binds the listening socket and runs the accept loop until
// Shutdown closes the listener.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindAddress, s.cfg.Server.ProxyPort)

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.running.Store(true)
	close(s.ready)

	s.logger.Info("proxy listening", "address", listener.Addr().String(), "maxConnections", s.cfg.Server.MaxConnections)
	s.events.Server(logging.LevelInfo, "", "Proxy server listening on %s (max clients: %d)", listener.Addr(), s.cfg.Server.MaxConnections)

	s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		// Take an admission permit before accept so the backlog, not the
		// handler pool, absorbs overload.
		s.sem <- struct{}{}

		conn, err := s.listener.Accept()
		if err != nil {
			<-s.sem
			if !s.running.Load() {
				// Listener closed during shutdown.
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		id := s.nextID.Add(1)
		connID := uuid.Must(uuid.NewV7())
		s.events.Client(logging.LevelInfo, id, connID, "", "Connection accepted from %s", conn.RemoteAddr())

		go s.handleConn(conn, id, connID)
	}
}

// Shutdown stops accepting and waits for in-flight handlers to drain by
// reacquiring every admission permit. Handlers finish naturally or hit
// their socket timeouts; ctx bounds how long we are willing to wait.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.running.Store(false)
		if s.listener != nil {
			s.listener.Close()
		}

		for i := 0; i < cap(s.sem); i++ {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				s.logger.Warn("shutdown drain timed out", "remaining", s.active.Load())
				s.shutdownErr = ctx.Err()
				return
			}
		}

		s.events.Server(logging.LevelInfo, "", "Proxy server stopped.")
	})
	return s.shutdownErr
}
