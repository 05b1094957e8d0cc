package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nixxel-company-limited/escpos-serial-printer/printer"
)

// printTimeout bounds the startup open and each chunk's open, write and drain.
const printTimeout = 30 * time.Second

// Server is a raw TCP print server that forwards received bytes to a printer
type Server struct {
	printer  *printer.Printer
	listener net.Listener
	address  string
	mu       sync.Mutex
	running  bool
	starting bool
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	jobMu    sync.Mutex
	logger   *zap.Logger
}

// New creates a new server instance
func New(p *printer.Printer, address string) *Server {
	return NewWithLogger(p, address, zap.NewNop())
}

// NewWithLogger creates a new server instance with a custom logger
func NewWithLogger(p *printer.Printer, address string, logger *zap.Logger) *Server {
	return &Server{
		printer: p,
		address: address,
		logger:  logger.Named("server"),
	}
}

// listen binds the listener and opens the printer. The caller must run
// acceptConnections on the returned listener. s.mu is not held while the
// printer opens.
func (s *Server) listen() (net.Listener, error) {
	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		s.logger.Error("server already running")
		return nil, fmt.Errorf("server already running")
	}
	s.starting = true
	s.mu.Unlock()

	listener, err := s.bind()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	if err != nil {
		return nil, err
	}

	s.listener = listener
	s.conns = make(map[net.Conn]struct{})
	s.running = true
	s.wg.Add(1)
	s.logger.Info("server listening", zap.String("address", listener.Addr().String()))
	return listener, nil
}

func (s *Server) bind() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		s.logger.Error("failed to start server", zap.Error(err))
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), printTimeout)
	defer cancel()

	s.logger.Info("opening printer", zap.String("port", s.printer.Config().PortPath))
	if err := s.printer.Open(ctx); err != nil {
		listener.Close()
		s.logger.Error("failed to open printer", zap.Error(err))
		return nil, fmt.Errorf("failed to open printer: %w", err)
	}
	return listener, nil
}

// Start starts the TCP server and blocks until Stop is called
func (s *Server) Start() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}

	s.acceptConnections(listener)
	return nil
}

// StartAsync starts the TCP server in a goroutine (non-blocking)
func (s *Server) StartAsync() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}

	go s.acceptConnections(listener)
	return nil
}

// acceptConnections handles incoming client connections
func (s *Server) acceptConnections(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()

			if !running {
				s.logger.Debug("accept loop stopped")
				return
			}
			s.logger.Warn("error accepting connection", zap.Error(err))
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.logger.Debug("client connected", zap.Stringer("remote", conn.RemoteAddr()))
		go s.handleConnection(conn)
	}
}

// handleConnection prints every chunk a client sends
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if perr := s.print(buf[:n]); perr != nil {
				s.logger.Warn("print failed, dropping client",
					zap.String("remote", remote), zap.Int("bytes", n), zap.Error(perr))
				return
			}
			s.logger.Debug("printed chunk", zap.String("remote", remote), zap.Int("bytes", n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("error reading from client", zap.String("remote", remote), zap.Error(err))
			}
			s.logger.Debug("client disconnected", zap.String("remote", remote))
			return
		}
	}
}

// print sends one chunk. Chunks from different clients never interleave
// inside a Print, and a failed chunk is discarded.
func (s *Server) print(data []byte) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), printTimeout)
	defer cancel()

	if err := s.printer.Raw(data).Print(ctx); err != nil {
		s.printer.Clear()
		return err
	}
	return nil
}

// Stop stops the TCP server and closes the printer
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}

	s.logger.Info("stopping server")
	s.running = false
	listener := s.listener
	s.listener = nil
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	listener.Close()

	// Wait for all connections to finish
	s.wg.Wait()

	if err := s.printer.Close(context.Background()); err != nil {
		s.logger.Error("error closing printer", zap.Error(err))
		return err
	}

	s.logger.Info("server stopped")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Address returns the configured listen address
func (s *Server) Address() string {
	return s.address
}

// ListenAddr returns the bound address, or nil when not running.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Printer returns the underlying printer
func (s *Server) Printer() *printer.Printer {
	return s.printer
}
