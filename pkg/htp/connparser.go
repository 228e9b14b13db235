package htp

import (
	"bytes"
	"time"

	"go.uber.org/zap"

	"github.com/burpheart/httpsift/pkg/normalize"
	"github.com/burpheart/httpsift/pkg/types"
)

type stateFn func() types.Status

// stream is the parsing state of one direction.
type stream struct {
	dir    types.Direction
	status StreamState
	state  stateFn

	data     []byte // current feed, only valid during the call
	pos      int
	consumed int // bytes consumed by the last feed
	buf      []byte
	closed   bool
	ts       time.Time
	chunks   int // non-empty feeds seen

	tx         *Transaction
	ignored    int // empty lines before the next message
	headChunk  int    // value of chunks when the message started
	header     []byte
	headerFold bool
	folds      int
	trailer    bool
	bodyLeft   int64 // -1 means until the stream closes
	chunkLeft  int64
	body       *bodyProcessor
	extra      bool
}

func (s *stream) addMessageLen(n int) {
	if s.tx == nil {
		return
	}
	if s.dir == types.ClientToServer {
		s.tx.RequestMessageLen += int64(n)
	} else {
		s.tx.ResponseMessageLen += int64(n)
	}
}

func (s *stream) remaining() []byte {
	return s.data[s.pos:]
}

// ConnectionParser parses both directions of one connection. Feeds may
// interleave in any order but must not run concurrently.
type ConnectionParser struct {
	cfg    *Config
	logger *zap.Logger
	conn   *Connection
	req    *stream
	res    *stream

	outNext   int // index of the transaction awaiting a response
	connect   connectPhase
	connectTx *Transaction
}

// connectPhase tracks a CONNECT exchange across both directions.
type connectPhase int

const (
	connectNone connectPhase = iota
	connectPending
	connectRejected
	connectEstablished
	connectHTTP
	connectTunnel
)

// NewConnectionParser creates a parser using cfg. A nil cfg means NewConfig().
func NewConnectionParser(cfg *Config) *ConnectionParser {
	if cfg == nil {
		cfg = NewConfig()
	}
	p := &ConnectionParser{
		cfg:    cfg,
		logger: cfg.Logger,
		conn:   &Connection{},
		req:    &stream{dir: types.ClientToServer},
		res:    &stream{dir: types.ServerToClient},
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.req.state = p.reqIdle
	p.res.state = p.resIdle
	return p
}

// Open records the connection endpoints and the open time.
func (p *ConnectionParser) Open(clientAddr string, clientPort int, serverAddr string, serverPort int, ts time.Time) {
	c := p.conn
	c.ClientAddr, c.ClientPort = clientAddr, clientPort
	c.ServerAddr, c.ServerPort = serverAddr, serverPort
	c.OpenedAt = ts
	for _, s := range []*stream{p.req, p.res} {
		if s.status == StreamNew {
			s.status = StreamOpen
		}
	}
	p.syncState()
}

// Connection returns the connection being built.
func (p *ConnectionParser) Connection() *Connection {
	return p.conn
}

// Config returns the configuration in use.
func (p *ConnectionParser) Config() *Config {
	return p.cfg
}

// FeedRequest parses the next piece of client data. An empty feed marks
// the end of the client stream.
func (p *ConnectionParser) FeedRequest(ts time.Time, data []byte) types.Status {
	return p.feed(p.req, ts, data)
}

// FeedResponse parses the next piece of server data. An empty feed marks
// the end of the server stream.
func (p *ConnectionParser) FeedResponse(ts time.Time, data []byte) types.Status {
	return p.feed(p.res, ts, data)
}

// RequestDataConsumed returns how many bytes the last request feed used.
// After StatusDataOther or StatusStop the rest must be fed again later.
func (p *ConnectionParser) RequestDataConsumed() int {
	return p.req.consumed
}

// ResponseDataConsumed returns how many bytes the last response feed used.
func (p *ConnectionParser) ResponseDataConsumed() int {
	return p.res.consumed
}

// RequestTx returns the transaction the request side is working on.
func (p *ConnectionParser) RequestTx() *Transaction {
	return p.req.tx
}

// ResponseTx returns the transaction the response side is working on.
func (p *ConnectionParser) ResponseTx() *Transaction {
	return p.res.tx
}

// Close ends both streams and records the close time.
func (p *ConnectionParser) Close(ts time.Time) {
	p.FeedRequest(ts, nil)
	p.FeedResponse(ts, nil)
	p.conn.ClosedAt = ts
}

// Gap records that bytes of direction dir were lost before they reached
// the parser. The condition is raised on the connection and on the
// transaction the direction was working on. The stream itself is left
// alone; callers usually end it next.
func (p *ConnectionParser) Gap(dir types.Direction, ts time.Time) {
	s := p.req
	if dir == types.ServerToClient {
		s = p.res
	}
	tx := s.tx
	if tx == nil && s == p.res && p.outNext < len(p.conn.txs) {
		tx = p.conn.txs[p.outNext]
	}
	if !ts.IsZero() {
		s.ts = ts
	}
	p.connFlag(types.FlagStreamGap, tx)
	p.log(s, LogLevelWarning, LogCodeStreamGap, "bytes missing from stream")
}

// connFlag raises a connection-level condition and copies it onto tx.
func (p *ConnectionParser) connFlag(f types.Flags, tx *Transaction) {
	p.conn.Flags.Set(f)
	if tx != nil {
		tx.Flags.Set(f)
	}
}

func (p *ConnectionParser) other(s *stream) *stream {
	if s == p.req {
		return p.res
	}
	return p.req
}

func (p *ConnectionParser) feed(s *stream, ts time.Time, data []byte) types.Status {
	if s.status == StreamError {
		return types.StatusError
	}
	if s.closed && len(data) > 0 {
		s.consumed = 0
		p.log(s, LogLevelError, LogCodeParserStateError, "data fed after end of stream")
		s.status = StreamError
		p.syncState()
		return types.StatusError
	}
	if p.conn.OpenedAt.IsZero() {
		p.conn.OpenedAt = ts
	}
	s.ts = ts
	if len(data) == 0 {
		s.closed = true
	} else {
		s.chunks++
	}

	st := p.run(s, data)
	if s.dir == types.ClientToServer {
		p.conn.InBytes += int64(s.consumed)
	} else {
		p.conn.OutBytes += int64(s.consumed)
	}

	// A closed direction waiting on this one gets a chance to finish.
	o := p.other(s)
	if o.closed && o.status != StreamError && o.status != StreamStop {
		o.ts = ts
		p.run(o, nil)
	}
	p.syncState()
	return st
}

// run drives the state functions of s over data until they need more
// input, wait for the other direction or fail.
func (p *ConnectionParser) run(s *stream, data []byte) types.Status {
	s.data, s.pos = data, 0
	defer func() {
		s.consumed = s.pos
		s.data, s.pos = nil, 0
	}()

	for {
		st := s.state()
		switch st {
		case types.StatusOK:
			continue
		case types.StatusData, types.StatusDataBuffer:
			return p.settle(s)
		case types.StatusDataOther:
			if s.pos >= len(s.data) {
				return p.settle(s)
			}
			s.status = StreamDataOther
			return types.StatusDataOther
		case types.StatusStop:
			s.status = StreamStop
			return types.StatusStop
		default:
			s.status = StreamError
			p.release(s)
			return types.StatusError
		}
	}
}

func (p *ConnectionParser) settle(s *stream) types.Status {
	switch {
	case s.closed:
		s.status = StreamClosed
	case s.status != StreamTunnel:
		s.status = StreamData
	}
	if len(s.buf) > 0 && !s.closed {
		return types.StatusDataBuffer
	}
	return types.StatusOK
}

func (p *ConnectionParser) syncState() {
	p.conn.RequestState = p.req.status
	p.conn.ResponseState = p.res.status
}

// takeLine returns the next complete line including its terminator. A
// partial line is buffered and StatusDataBuffer returned; StatusData means
// the stream closed with nothing left. With crEOL a bare CR also ends a
// line.
func (p *ConnectionParser) takeLine(s *stream, crEOL bool) ([]byte, types.Status) {
	data := s.remaining()

	if crEOL && len(s.buf) > 0 && s.buf[len(s.buf)-1] == '\r' {
		switch {
		case len(data) > 0 && data[0] == '\n':
			s.pos++
			line := append(s.buf, '\n')
			s.buf = nil
			return p.checkLine(s, line)
		case len(data) > 0 || s.closed:
			line := s.buf
			s.buf = nil
			return p.checkLine(s, line)
		}
		return nil, types.StatusDataBuffer
	}

	end := -1
	for i, c := range data {
		if c == '\n' {
			end = i + 1
			break
		}
		if crEOL && c == '\r' {
			if i+1 < len(data) {
				end = i + 1
				if data[i+1] == '\n' {
					end++
				}
				break
			}
			if s.closed {
				end = i + 1
			}
			break
		}
	}

	if end < 0 {
		if s.closed {
			line := append(s.buf, data...)
			s.buf = nil
			s.pos = len(s.data)
			if len(line) == 0 {
				return nil, types.StatusData
			}
			return p.checkLine(s, line)
		}
		if len(s.buf)+len(data) > p.cfg.hardLimit() {
			return nil, p.fieldTooLong(s)
		}
		s.buf = append(s.buf, data...)
		s.pos = len(s.data)
		return nil, types.StatusDataBuffer
	}

	var line []byte
	if len(s.buf) > 0 {
		line = append(s.buf, data[:end]...)
		s.buf = nil
	} else {
		line = data[:end]
	}
	s.pos += end
	return p.checkLine(s, line)
}

func (p *ConnectionParser) checkLine(s *stream, line []byte) ([]byte, types.Status) {
	if len(line) > p.cfg.hardLimit() {
		return nil, p.fieldTooLong(s)
	}
	if len(line) > p.cfg.softLimit() && s.tx != nil {
		s.tx.Flags.Set(types.FlagFieldLong)
	}
	return line, types.StatusOK
}

func (p *ConnectionParser) fieldTooLong(s *stream) types.Status {
	if s.tx != nil {
		s.tx.Flags.Set(types.FlagFieldLong)
	}
	p.log(s, LogLevelError, LogCodeFieldTooLong, "field exceeds the hard limit")
	return types.StatusError
}

// skipEmptyLines consumes CR and LF bytes ahead of a message and counts
// the lines they end.
func (s *stream) skipEmptyLines() {
	for s.pos < len(s.data) {
		switch s.data[s.pos] {
		case '\n':
			s.ignored++
		case '\r':
		default:
			return
		}
		s.pos++
	}
}

// hook runs a transaction hook and maps its result to a feed status.
func (p *ConnectionParser) hook(h TxHook, tx *Transaction) types.Status {
	if h == nil {
		return types.StatusOK
	}
	return hookStatus(h(tx))
}

func hookStatus(st types.Status) types.Status {
	switch st {
	case types.StatusStop, types.StatusError:
		return st
	}
	return types.StatusOK
}

// worst keeps the more severe of two statuses.
func worst(a, b types.Status) types.Status {
	switch {
	case a == types.StatusError || b == types.StatusError:
		return types.StatusError
	case a == types.StatusStop || b == types.StatusStop:
		return types.StatusStop
	}
	return types.StatusOK
}

// txComplete fires TransactionComplete once both sides are done.
func (p *ConnectionParser) txComplete(tx *Transaction) types.Status {
	if tx.done || !tx.IsComplete() {
		return types.StatusOK
	}
	tx.done = true
	return p.hook(p.cfg.Hooks.TransactionComplete, tx)
}

// tunnel stops HTTP parsing on s; every later byte is passed over.
func (p *ConnectionParser) tunnel(s *stream) {
	p.release(s)
	s.status = StreamTunnel
	s.buf = nil
	s.tx = nil
	s.state = func() types.Status {
		s.pos = len(s.data)
		return types.StatusData
	}
}

func (p *ConnectionParser) release(s *stream) {
	if s.body != nil {
		s.body.release()
		s.body = nil
	}
}

// looksLikeHeader reports whether a line starts with "token:".
func looksLikeHeader(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	return colon > 0 && normalize.IsWordToken(line[:colon])
}
