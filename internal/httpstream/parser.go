package httpstream

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burpheart/httpsift/pkg/htp"
	"github.com/burpheart/httpsift/pkg/types"
)

// DefaultBodyLimit is how much of each body a session keeps for logging
// and inspection.
const DefaultBodyLimit = 64 * 1024

// readChunk is the buffer size used when mirroring live connections.
const readChunk = 32 * 1024

var directions = [2]types.Direction{types.ClientToServer, types.ServerToClient}

// Parser follows one TCP connection through the engine. Both directions
// may be fed from different goroutines. Data the engine holds back is
// queued and offered again once the other direction moves.
type Parser struct {
	mu        sync.Mutex
	host      string
	sessionID string
	logger    Logger
	base      *htp.Config
	engine    *htp.ConnectionParser
	registry  *MessageRegistry
	bodyLimit int
	client    endpoint
	server    endpoint

	ts      time.Time
	pending [2][]byte
	closed  [2]bool
	done    bool

	sniffed bool
	tls     bool
	sni     string

	bodies   map[int]*bodyCapture
	reported map[int]bool
	sse      *SSEParser

	// Callbacks run synchronously while the session is locked; they must
	// not feed this Parser.
	onRequest     func(*Exchange)
	onResponse    func(*Exchange)
	onTransaction func(*Exchange)
	onSSE         func(*SSEEvent)
	onGRPC        func(*GRPCMessage)
}

type endpoint struct {
	addr string
	port int
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithParserLogger sets the logger.
func WithParserLogger(logger Logger) ParserOption {
	return func(p *Parser) { p.logger = logger }
}

// WithEngineConfig sets the engine configuration. Hooks already set on it
// still run, after the session's own.
func WithEngineConfig(cfg *htp.Config) ParserOption {
	return func(p *Parser) { p.base = cfg }
}

// WithEndpoints records the connection addresses.
func WithEndpoints(clientAddr string, clientPort int, serverAddr string, serverPort int) ParserOption {
	return func(p *Parser) {
		p.client = endpoint{clientAddr, clientPort}
		p.server = endpoint{serverAddr, serverPort}
	}
}

// WithBodyLimit sets how many bytes of each body are kept.
func WithBodyLimit(n int) ParserOption {
	return func(p *Parser) { p.bodyLimit = n }
}

// WithOnRequest sets the request callback.
func WithOnRequest(fn func(*Exchange)) ParserOption {
	return func(p *Parser) { p.onRequest = fn }
}

// WithOnResponse sets the response callback.
func WithOnResponse(fn func(*Exchange)) ParserOption {
	return func(p *Parser) { p.onResponse = fn }
}

// WithOnTransaction sets the callback for finished transactions.
func WithOnTransaction(fn func(*Exchange)) ParserOption {
	return func(p *Parser) { p.onTransaction = fn }
}

// WithOnSSE sets the SSE event callback.
func WithOnSSE(fn func(*SSEEvent)) ParserOption {
	return func(p *Parser) { p.onSSE = fn }
}

// WithOnGRPC sets the gRPC message callback.
func WithOnGRPC(fn func(*GRPCMessage)) ParserOption {
	return func(p *Parser) { p.onGRPC = fn }
}

// WithGRPCRegistry sets the gRPC message registry.
func WithGRPCRegistry(registry *MessageRegistry) ParserOption {
	return func(p *Parser) { p.registry = registry }
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) ParserOption {
	return func(p *Parser) { p.sessionID = id }
}

// NewParser creates a session for one connection to host.
func NewParser(host string, opts ...ParserOption) *Parser {
	p := &Parser{
		host:      host,
		sessionID: uuid.NewString(),
		logger:    NopLogger{},
		bodyLimit: DefaultBodyLimit,
		bodies:    make(map[int]*bodyCapture),
		reported:  make(map[int]bool),
	}
	for _, opt := range opts {
		opt(p)
	}

	base := p.base
	if base == nil {
		base = htp.NewConfig()
	}
	cfg := *base
	cfg.Hooks = p.hooks(base.Hooks)
	p.engine = htp.NewConnectionParser(&cfg)
	p.engine.Open(p.client.addr, p.client.port, p.server.addr, p.server.port, time.Time{})
	return p
}

// SessionID returns the session ID.
func (p *Parser) SessionID() string {
	return p.sessionID
}

// Host returns the host the session was created for.
func (p *Parser) Host() string {
	return p.host
}

// TLS reports whether the client opened with a TLS handshake, and the
// server name it asked for. Such sessions are relayed but not parsed.
func (p *Parser) TLS() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tls, p.sni
}

// Connection returns the engine's view of the connection.
func (p *Parser) Connection() *htp.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine.Connection()
}

// Feed hands the engine the next piece of one direction. An empty piece
// ends that direction. The returned status is the engine's answer for the
// direction fed.
func (p *Parser) Feed(dir types.Direction, ts time.Time, data []byte) types.Status {
	if len(data) == 0 {
		p.End(dir, ts)
		return types.StatusOK
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed[dir] || p.done {
		p.logger.Debug("session %s: %d bytes %s after end of stream", p.sessionID, len(data), dir)
		return types.StatusError
	}
	p.ts = ts
	if !p.sniffed && dir == types.ClientToServer {
		p.sniff(data)
	}
	if p.tls {
		return types.StatusOK
	}

	p.pending[dir] = append(p.pending[dir], data...)
	return p.pump(ts, dir)
}

// End marks the end of one direction.
func (p *Parser) End(dir types.Direction, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.end(dir, ts)
}

// Gap ends one direction after bytes of it were lost. The transaction
// that was in progress carries STREAM_GAP.
func (p *Parser) Gap(dir types.Direction, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed[dir] || p.done {
		return
	}
	if !p.tls {
		p.pump(ts, dir)
		p.engine.Gap(dir, ts)
	}
	p.end(dir, ts)
}

// Close ends both directions and reports the transactions left open.
func (p *Parser) Close(ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return
	}
	for _, dir := range directions {
		p.end(dir, ts)
	}
	p.done = true

	conn := p.engine.Connection()
	conn.ClosedAt = ts
	for _, tx := range conn.Transactions() {
		if !p.reported[tx.Index] && tx.RequestProgress > htp.RequestNotStarted {
			p.report(tx, true)
		}
	}
	p.bodies = nil
	p.sse = nil
}

func (p *Parser) end(dir types.Direction, ts time.Time) {
	if p.closed[dir] {
		return
	}
	p.ts = ts
	if !p.tls {
		p.pump(ts, dir)
	}
	p.closed[dir] = true
	if n := len(p.pending[dir]); n > 0 {
		p.logger.Debug("session %s: %d %s bytes never parsed", p.sessionID, n, dir)
	}
	p.pending[dir] = nil
	if p.tls {
		return
	}
	p.feed(dir, ts, nil)
	p.pump(ts, dir)
}

// pump offers queued data to the engine until neither direction makes
// progress.
func (p *Parser) pump(ts time.Time, want types.Direction) types.Status {
	result := types.StatusOK
	var stopped [2]bool
	for progress := true; progress; {
		progress = false
		for _, dir := range directions {
			data := p.pending[dir]
			if len(data) == 0 || stopped[dir] {
				continue
			}
			st, n := p.feed(dir, ts, data)
			if dir == want {
				result = st
			}
			switch st {
			case types.StatusError:
				p.pending[dir] = nil
				continue
			case types.StatusStop:
				stopped[dir] = true
			}
			if n >= len(data) {
				p.pending[dir] = nil
			} else {
				p.pending[dir] = data[n:]
			}
			if n > 0 && !stopped[dir] {
				progress = true
			}
		}
	}
	return result
}

func (p *Parser) feed(dir types.Direction, ts time.Time, data []byte) (types.Status, int) {
	if dir == types.ClientToServer {
		st := p.engine.FeedRequest(ts, data)
		return st, p.engine.RequestDataConsumed()
	}
	st := p.engine.FeedResponse(ts, data)
	return st, p.engine.ResponseDataConsumed()
}

func (p *Parser) sniff(data []byte) {
	p.sniffed = true
	if ok, sni := DetectTLS(data); ok {
		p.tls, p.sni = true, sni
		p.logger.Debug("session %s: TLS handshake (sni %q), relaying without parsing", p.sessionID, sni)
	}
}

// hooks installs the session's callbacks in front of the caller's.
func (p *Parser) hooks(user htp.Hooks) htp.Hooks {
	h := user
	h.RequestHeaders = chainTx(p.requestHeaders, user.RequestHeaders)
	h.RequestBodyData = chainData(p.requestBody, user.RequestBodyData)
	h.ResponseHeaders = chainTx(p.responseHeaders, user.ResponseHeaders)
	h.ResponseBodyData = chainData(p.responseBody, user.ResponseBodyData)
	h.ResponseComplete = chainTx(p.responseComplete, user.ResponseComplete)
	h.TransactionComplete = chainTx(p.transactionComplete, user.TransactionComplete)
	h.Log = func(entry *htp.LogEntry) {
		p.logger.LogEngine(p.host, entry)
		if user.Log != nil {
			user.Log(entry)
		}
	}
	return h
}

func chainTx(own, user htp.TxHook) htp.TxHook {
	if user == nil {
		return own
	}
	return func(tx *htp.Transaction) types.Status {
		own(tx)
		return user(tx)
	}
}

func chainData(own, user htp.DataHook) htp.DataHook {
	if user == nil {
		return own
	}
	return func(tx *htp.Transaction, data []byte) types.Status {
		own(tx, data)
		return user(tx, data)
	}
}

func (p *Parser) exchange(tx *htp.Transaction) *Exchange {
	return &Exchange{
		SessionID: p.sessionID,
		Host:      p.host,
		Conn:      p.engine.Connection(),
		Tx:        tx,
		Timestamp: p.ts,
	}
}

func (p *Parser) capture(tx *htp.Transaction) *bodyCapture {
	c := p.bodies[tx.Index]
	if c == nil {
		c = newBodyCapture(p.bodyLimit)
		p.bodies[tx.Index] = c
	}
	return c
}

func (p *Parser) requestHeaders(tx *htp.Transaction) types.Status {
	ex := p.exchange(tx)
	p.logger.LogRequest(ex)
	if p.onRequest != nil {
		p.onRequest(ex)
	}
	return types.StatusOK
}

func (p *Parser) requestBody(tx *htp.Transaction, data []byte) types.Status {
	p.capture(tx).request.Write(data)
	p.logger.LogBody(types.ClientToServer, p.host, data)
	return types.StatusOK
}

func (p *Parser) responseHeaders(tx *htp.Transaction) types.Status {
	ex := p.exchange(tx)
	p.logger.LogResponse(ex)
	if p.onResponse != nil {
		p.onResponse(ex)
	}
	p.sse = nil
	if isEventStream(tx.ResponseContentType) {
		p.sse = NewSSEParser()
	}
	return types.StatusOK
}

func (p *Parser) responseBody(tx *htp.Transaction, data []byte) types.Status {
	p.capture(tx).response.Write(data)
	p.logger.LogBody(types.ServerToClient, p.host, data)
	if p.sse != nil {
		for _, ev := range p.sse.Write(data) {
			p.emitSSE(ev)
		}
	}
	return types.StatusOK
}

func (p *Parser) responseComplete(tx *htp.Transaction) types.Status {
	if p.sse != nil {
		if ev := p.sse.Flush(); ev != nil {
			p.emitSSE(ev)
		}
		p.sse = nil
	}
	return types.StatusOK
}

func (p *Parser) emitSSE(ev *SSEEvent) {
	p.logger.LogSSE(p.host, ev)
	if p.onSSE != nil {
		p.onSSE(ev)
	}
}

func (p *Parser) transactionComplete(tx *htp.Transaction) types.Status {
	p.report(tx, false)
	return types.StatusOK
}

// report hands a transaction to the logger and the callbacks, once.
func (p *Parser) report(tx *htp.Transaction, incomplete bool) {
	if p.reported[tx.Index] {
		return
	}
	p.reported[tx.Index] = true

	ex := p.exchange(tx)
	ex.Incomplete = incomplete
	if c := p.bodies[tx.Index]; c != nil {
		ex.RequestBody, ex.RequestBodyTruncated = c.request.Bytes(), c.request.Truncated()
		ex.ResponseBody, ex.ResponseBodyTruncated = c.response.Bytes(), c.response.Truncated()
		delete(p.bodies, tx.Index)
	}

	ex.GRPC = InspectGRPC(ex, p.registry)
	for _, msg := range ex.GRPC {
		p.logger.LogGRPC(msg)
		if p.onGRPC != nil {
			p.onGRPC(msg)
		}
	}

	p.logger.LogTransaction(ex)
	if p.onTransaction != nil {
		p.onTransaction(ex)
	}
}

// Forward relays a live connection in both directions while mirroring
// the bytes into the session, and closes the session when both sides are
// done.
func (p *Parser) Forward(client, server net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	errC2S := make(chan error, 1)
	errS2C := make(chan error, 1)

	// Client -> Server (requests)
	go func() {
		defer wg.Done()
		err := p.pipeWithMirror(server, client, types.ClientToServer)
		errC2S <- err
		closeWrite(server)
	}()

	// Server -> Client (responses)
	go func() {
		defer wg.Done()
		err := p.pipeWithMirror(client, server, types.ServerToClient)
		errS2C <- err
		closeWrite(client)
	}()

	wg.Wait()
	p.Close(time.Now())

	for _, ch := range []chan error{errC2S, errS2C} {
		if err := <-ch; err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

// pipeWithMirror copies data from src to dst while mirroring to the
// session from a separate goroutine.
func (p *Parser) pipeWithMirror(dst io.Writer, src io.Reader, dir types.Direction) error {
	pr, pw := io.Pipe()

	// TeeReader: every read from src is also written to pw
	tee := io.TeeReader(src, pw)

	parserDone := make(chan struct{})
	go func() {
		defer close(parserDone)
		p.consume(pr, dir)
		// Drain any remaining data to prevent blocking
		io.Copy(io.Discard, pr)
	}()

	_, err := io.Copy(dst, tee)

	// Close pipe writer to signal parser EOF
	pw.Close()
	<-parserDone

	return err
}

// consume feeds everything read from r into one direction.
func (p *Parser) consume(r io.Reader, dir types.Direction) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.Feed(dir, time.Now(), buf[:n])
		}
		if err != nil {
			p.End(dir, time.Now())
			return
		}
	}
}

// closeWrite closes the write side of a connection if supported.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
