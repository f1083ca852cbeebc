package lobby

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Server accepts TCP connections and runs one session goroutine per client
// against the shared registry. The accept loop is unbounded: there is no
// connection-count cap, so a flood of clients exhausts file descriptors
// before the server refuses anyone. Inherited from the original design and
// kept on purpose; bound it at the OS or deploy layer if needed.
type Server struct {
	listener   *net.TCPListener
	registry   *Registry
	dispatcher *Dispatcher
	logger     Logger
	connOpts   []Option

	mu       sync.Mutex
	shutdown bool
}

// NewServer binds a listener for the given configuration. Failure to bind
// is the one startup error that is fatal to the process, so it is returned
// rather than retried.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", cfg.Addr)
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", cfg.Addr)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	registry := NewRegistry(logger)
	return &Server{
		listener:   listener,
		registry:   registry,
		dispatcher: NewDispatcher(registry, logger),
		logger:     logger,
		connOpts: []Option{
			BufferSizeOption(cfg.SendBuffer),
			MessageMaxSize(cfg.MaxMessageSize),
			IdleTimeoutOption(cfg.IdleTimeout),
		},
	}, nil
}

// Serve accepts connections until the context is canceled or the listener
// fails. Each accepted connection gets its own session goroutine; a
// session's failure never affects the accept loop or other sessions.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Unblocks AcceptTCP
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		sess := NewSession(s.registry, s.dispatcher, s.logger)
		go func() {
			if err := sess.Run(ctx, conn, s.connOpts...); err != nil &&
				!errors.Is(err, context.Canceled) {
				s.logger.Debug("session ended", "error", err)
			}
		}()
	}
}

// Close stops the server by closing the listener. Any blocked Accept call
// returns with an error. Running sessions are not touched; cancel the Serve
// context to end them.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
