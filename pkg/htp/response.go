package htp

import (
	"strings"

	"github.com/burpheart/httpsift/pkg/decompress"
	"github.com/burpheart/httpsift/pkg/normalize"
	"github.com/burpheart/httpsift/pkg/types"
)

// resIdle waits for response data and for a request it can belong to.
// Responses are matched to requests in order.
func (p *ConnectionParser) resIdle() types.Status {
	s := p.res
	var tx *Transaction
	if p.outNext < len(p.conn.txs) {
		tx = p.conn.txs[p.outNext]
	}
	if tx == nil || !tx.IsProtocol09 {
		s.skipEmptyLines()
	}
	if s.pos >= len(s.data) {
		return types.StatusData
	}

	if tx == nil {
		if !p.req.closed {
			return types.StatusDataOther
		}
		p.log(s, LogLevelError, LogCodeUnmatchedResponse, "unable to match response to request")
		return types.StatusError
	}
	if tx.RequestProgress < RequestConnectWait && !p.req.closed && p.req.status != StreamError {
		return types.StatusDataOther
	}

	s.tx = tx
	tx.ResponseIgnoredLines = s.ignored
	s.ignored = 0
	s.header, s.headerFold, s.folds, s.trailer = nil, false, 0, false
	s.body = nil

	if tx.IsProtocol09 {
		// HTTP/0.9 responses have no status line or headers.
		tx.ResponseProgress = ResponseBody
		tx.ResponseTransferCoding = CodingIdentity
		s.bodyLeft = -1
		s.state = p.resBodyIdentity
		s.body = p.newBodyProcessor(s)
	} else {
		tx.ResponseProgress = ResponseLine
		s.state = p.resLine
	}
	return p.hook(p.cfg.Hooks.ResponseStart, tx)
}

func (p *ConnectionParser) resLine() types.Status {
	s := p.res
	tx := s.tx
	line, st := p.takeLine(s, true)
	switch st {
	case types.StatusOK:
	case types.StatusData:
		return p.truncated(s)
	default:
		return st
	}

	if normalize.TreatResponseLineAsBody(line) {
		tx.Flags.Set(types.FlagStatusLineInvalid)
		p.log(s, LogLevelWarning, LogCodeResponseLineAsBody, "response line not HTTP, treating it as body")
		tx.ResponseProgress = ResponseBody
		tx.ResponseTransferCoding = CodingIdentity
		s.bodyLeft = -1
		s.state = p.resBodyIdentity
		s.body = p.newBodyProcessor(s)
		s.addMessageLen(len(line))
		return p.bodyData(s, line)
	}

	p.parseResponseLine(s, normalize.Chomp(line))
	tx.ResponseProgress = ResponseHeaders
	s.state = p.resHeaders
	return p.hook(p.cfg.Hooks.ResponseLine, tx)
}

// parseResponseLine splits "PROTOCOL STATUS MESSAGE".
func (p *ConnectionParser) parseResponseLine(s *stream, data []byte) {
	tx := s.tx
	tx.ResponseLine = string(data)

	pos := 0
	for pos < len(data) && normalize.IsSpace(data[pos]) {
		pos++
	}
	start := pos
	for pos < len(data) && !normalize.IsSpace(data[pos]) {
		pos++
	}
	tx.ResponseProtocol = string(data[start:pos])
	tx.ResponseProtocolNumber = normalize.ParseProtocol(data[start:pos])
	if tx.ResponseProtocolNumber == types.ProtocolInvalid {
		p.log(s, LogLevelWarning, LogCodeResponseLineInvalidProtocol, "invalid response line: invalid protocol")
	}

	for pos < len(data) && normalize.IsSpace(data[pos]) {
		pos++
	}
	start = pos
	for pos < len(data) && !normalize.IsSpace(data[pos]) {
		pos++
	}
	tx.ResponseStatus = string(data[start:pos])
	tx.ResponseStatusNumber = normalize.ParseStatus(data[start:pos])
	if tx.ResponseStatusNumber < 0 {
		tx.Flags.Set(types.FlagStatusLineInvalid)
		p.log(s, LogLevelWarning, LogCodeResponseLineInvalidStatus, "invalid response line: invalid response status")
	}

	for pos < len(data) && normalize.IsSpace(data[pos]) {
		pos++
	}
	tx.ResponseMessage = string(data[pos:])
}

func (p *ConnectionParser) resHeaders() types.Status {
	s := p.res
	if st := p.headers(s, true); st != types.StatusOK {
		return st
	}
	if s.trailer {
		return p.trailersDone(s)
	}
	return p.resHeadersDone()
}

func (p *ConnectionParser) resHeadersDone() types.Status {
	s, tx := p.res, p.res.tx
	status := tx.ResponseStatusNumber

	if v, ok := tx.ResponseHeaders.Value("content-type"); ok {
		tx.ResponseContentType = contentType(v)
	}
	if v, ok := tx.ResponseHeaders.Value("content-encoding"); ok {
		tx.ResponseContentEncoding = decompress.ParseContentEncoding(v)
	}
	te := tx.ResponseHeaders.Get("transfer-encoding")
	cl := tx.ResponseHeaders.Get("content-length")

	if tx.RequestMethodNumber == MethodConnect && p.connectTx == tx {
		tx.ResponseTransferCoding = CodingNoBody
		if status >= 200 && status <= 299 {
			p.connect = connectEstablished
			st := p.hook(p.cfg.Hooks.ResponseHeaders, tx)
			st = worst(st, p.resFinish())
			s.state = p.resConnectWait
			return st
		}
		p.connect = connectRejected
	}

	switch {
	case status == 101:
		if te == nil && cl == nil {
			tx.ResponseTransferCoding = CodingNoBody
			st := p.hook(p.cfg.Hooks.ResponseHeaders, tx)
			st = worst(st, p.resFinish())
			p.log(s, LogLevelInfo, LogCodeConnectTunnel, "switching protocols, both directions become a tunnel")
			p.tunnel(p.req)
			p.tunnel(p.res)
			return st
		}
		p.log(s, LogLevelWarning, LogCodeSwitchingProtocolWithContentLength, "switching protocols with a body")

	case status == 100 && te == nil && cl == nil:
		if tx.Seen100Continue > 0 {
			p.log(s, LogLevelError, LogCodeContinueAlreadySeen, "already seen 100-continue")
			return types.StatusError
		}
		tx.Seen100Continue++
		tx.ResponseHeaders.clear()
		tx.ResponseHeaderLines = nil
		tx.ResponseProgress = ResponseLine
		s.state = p.resLine
		return types.StatusOK
	}

	coding := p.determineResponseBody(s, tx, te, cl)
	if coding == CodingInvalid {
		return types.StatusError
	}
	tx.ResponseTransferCoding = coding

	tx.ResponseProgress = ResponseBody
	switch coding {
	case CodingChunked:
		s.state = p.resChunkLength
	case CodingIdentity:
		s.state = p.resBodyIdentity
	default:
		s.state = p.resFinish
	}
	st := p.hook(p.cfg.Hooks.ResponseHeaders, tx)
	if coding != CodingNoBody {
		s.body = p.newBodyProcessor(s)
	}
	return st
}

// determineResponseBody picks the response framing. It returns
// CodingInvalid when the length cannot be determined at all.
func (p *ConnectionParser) determineResponseBody(s *stream, tx *Transaction, te, cl *Header) TransferCoding {
	var length normalize.ContentLength
	if cl != nil {
		length = normalize.ParseContentLength([]byte(cl.Value))
		tx.ResponseContentLength = length.Value
		if cl.Flags.Has(types.FlagFieldRepeated) {
			tx.Flags.Set(types.FlagRequestSmuggling)
		}
		if length.Junk {
			p.log(s, LogLevelWarning, LogCodeContentLengthExtraData, "Content-Length has extra data")
		}
	}

	status := tx.ResponseStatusNumber
	if tx.RequestMethodNumber == MethodHead {
		return CodingNoBody
	}
	if (status >= 100 && status <= 199) || status == 204 || status == 304 {
		if te == nil && cl == nil {
			return CodingNoBody
		}
		p.log(s, LogLevelWarning, LogCodeResponseBodyUnexpected, "unexpected response body")
	}

	if te != nil && normalize.ContainsToken([]byte(te.Value), "chunked") {
		if cl == nil {
			return CodingChunked
		}
		tx.Flags.Set(types.FlagRequestSmuggling)
		p.log(s, LogLevelWarning, LogCodeContentLengthAndTransferEncoding, "both Content-Length and Transfer-Encoding present")
		if p.cfg.FramingPrecedence == FramingChunked || length.Value < 0 {
			return CodingChunked
		}
	}

	if cl != nil {
		if length.Value < 0 {
			p.log(s, LogLevelError, LogCodeContentLengthInvalid, "invalid Content-Length")
			return CodingInvalid
		}
		s.bodyLeft = length.Value
		return CodingIdentity
	}

	if strings.HasPrefix(tx.ResponseContentType, "multipart/byteranges") {
		p.log(s, LogLevelError, LogCodeResponseMultipartByteranges, "multipart/byteranges response without a length")
		return CodingInvalid
	}
	s.bodyLeft = -1
	return CodingIdentity
}

// resConnectWait follows an established CONNECT until the request side
// has probed what the client sends next.
func (p *ConnectionParser) resConnectWait() types.Status {
	s := p.res
	switch p.connect {
	case connectHTTP, connectNone:
		s.state = p.resIdle
		return types.StatusOK
	}
	if s.pos < len(s.data) {
		return types.StatusDataOther
	}
	return types.StatusData
}

// resFinish completes the active response.
func (p *ConnectionParser) resFinish() types.Status {
	s := p.res
	tx := s.tx
	st := types.StatusOK
	if s.body != nil {
		st = s.body.finish()
		s.body = nil
	}
	tx.ResponseProgress = ResponseComplete
	st = worst(st, p.hook(p.cfg.Hooks.ResponseComplete, tx))
	st = worst(st, p.txComplete(tx))

	p.outNext++
	s.state = p.resIdle
	s.tx = nil
	return st
}
