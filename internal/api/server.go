package api

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server runs the management API: the record stream, the recent records
// and the counters.
type Server struct {
	hub    *Hub
	srv    *http.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates an API server for addr. The hub is run by Start.
func NewServer(addr string, hub *Hub, store RecordStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	NewHandler(hub, store, logger).RegisterRoutes(mux)

	return &Server{
		hub:    hub,
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.hub.Run()
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server", zap.Error(err))
		}
	}()
	s.logger.Info("API server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the address the server listens on, once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and disconnects WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	err := s.srv.Shutdown(ctx)
	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if started {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	return err
}
