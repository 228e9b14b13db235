// Package tap relays TCP connections to an upstream server and mirrors
// both directions into HTTP sessions.
package tap

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/burpheart/httpsift/internal/httpstream"
	"github.com/burpheart/httpsift/pkg/htp"
)

// Server accepts client connections and relays each one to the upstream.
// Without a fixed upstream it acts as an HTTP CONNECT proxy and relays
// every tunnel to the address the client asked for.
type Server struct {
	listen   string
	upstream string
	dialer   *Dialer

	engine        *htp.Config
	registry      *httpstream.MessageRegistry
	bodyLimit     int
	parserOptions func(host string) []httpstream.ParserOption
	onTransaction func(*httpstream.Exchange)
	logger        *zap.Logger

	listener net.Listener
	conns    sync.WaitGroup

	mu       sync.Mutex
	running  bool
	active   map[net.Conn]struct{}
	stopChan chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithUpstream sets the fixed address every connection is relayed to.
func WithUpstream(addr string) Option {
	return func(s *Server) { s.upstream = addr }
}

// WithDialer sets the dialer used to reach upstreams.
func WithDialer(d *Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithEngineConfig sets the engine configuration shared by every session.
func WithEngineConfig(cfg *htp.Config) Option {
	return func(s *Server) { s.engine = cfg }
}

// WithGRPCRegistry sets the registry used to decode gRPC payloads.
func WithGRPCRegistry(registry *httpstream.MessageRegistry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithBodyLimit caps the body bytes kept per transaction.
func WithBodyLimit(n int) Option {
	return func(s *Server) { s.bodyLimit = n }
}

// WithParserOptions adds per-connection session options computed from the
// upstream host.
func WithParserOptions(fn func(host string) []httpstream.ParserOption) Option {
	return func(s *Server) { s.parserOptions = fn }
}

// WithOnTransaction registers a callback for every finished transaction.
// It is called from the connection goroutines.
func WithOnTransaction(fn func(*httpstream.Exchange)) Option {
	return func(s *Server) { s.onTransaction = fn }
}

// WithLogger sets the operational logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a tap listening on listen.
func NewServer(listen string, opts ...Option) *Server {
	s := &Server{
		listen:    listen,
		dialer:    NewDialer(""),
		bodyLimit: httpstream.DefaultBodyLimit,
		logger:    zap.NewNop(),
		active:    make(map[net.Conn]struct{}),
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Start listens and accepts connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}

	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.listener = listener
	s.running = true

	if s.upstream != "" {
		s.logger.Info("tap listening",
			zap.String("addr", listener.Addr().String()),
			zap.String("upstream", s.upstream))
	} else {
		s.logger.Info("CONNECT proxy listening", zap.String("addr", listener.Addr().String()))
	}

	go s.acceptLoop(listener)
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.listen
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every relayed connection, then waits for
// the sessions to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.listener.Close()
	for conn := range s.active {
		conn.Close()
	}
	s.mu.Unlock()

	s.conns.Wait()
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.active[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
	conn.Close()
}

// handleConnection relays one client connection.
func (s *Server) handleConnection(conn net.Conn) {
	if s.upstream != "" {
		s.relay(conn, s.upstream)
		return
	}

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	req, err := http.ReadRequest(reader)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		if err != io.EOF {
			s.logger.Debug("read proxy request", zap.Error(err))
		}
		return
	}

	if req.Method != http.MethodConnect {
		conn.Write([]byte("HTTP/1.1 405 Method Not Allowed\r\nAllow: CONNECT\r\nContent-Length: 0\r\n\r\n"))
		return
	}

	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	if _, port, err := net.SplitHostPort(target); err != nil || port == "" {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	s.logger.Info("CONNECT", zap.String("target", target))

	// Bytes the client sent right after CONNECT are still in reader.
	s.relay(&bufferedConn{Conn: conn, reader: reader}, target)
}

// relay dials target and mirrors the conversation into a session.
func (s *Server) relay(client net.Conn, target string) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	upstream, err := s.dialer.DialContext(ctx, "tcp", target)
	cancel()
	if err != nil {
		s.logger.Warn("dial upstream", zap.String("target", target), zap.Error(err))
		return
	}
	if !s.track(upstream) {
		upstream.Close()
		return
	}
	defer s.untrack(upstream)

	parser := httpstream.NewParser(target, s.sessionOptions(client, target)...)
	if err := parser.Forward(client, upstream); err != nil && !isConnectionClosed(err) {
		s.logger.Warn("relay", zap.String("target", target), zap.Error(err))
	}
	if tls, sni := parser.TLS(); tls {
		s.logger.Debug("tls relayed without parsing", zap.String("target", target), zap.String("sni", sni))
	}
}

func (s *Server) sessionOptions(client net.Conn, target string) []httpstream.ParserOption {
	clientAddr, clientPort := splitAddr(client.RemoteAddr().String())
	serverAddr, serverPort := splitAddr(target)

	opts := []httpstream.ParserOption{
		httpstream.WithEndpoints(clientAddr, clientPort, serverAddr, serverPort),
		httpstream.WithBodyLimit(s.bodyLimit),
	}
	if s.engine != nil {
		opts = append(opts, httpstream.WithEngineConfig(s.engine))
	}
	if s.registry != nil {
		opts = append(opts, httpstream.WithGRPCRegistry(s.registry))
	}
	if s.onTransaction != nil {
		opts = append(opts, httpstream.WithOnTransaction(s.onTransaction))
	}
	if s.parserOptions != nil {
		opts = append(opts, s.parserOptions(target)...)
	}
	return opts
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, -1
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, -1
	}
	return host, port
}

// isConnectionClosed checks if the error indicates a closed connection.
func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
