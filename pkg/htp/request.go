package htp

import (
	"strings"

	"github.com/burpheart/httpsift/pkg/decompress"
	"github.com/burpheart/httpsift/pkg/normalize"
	"github.com/burpheart/httpsift/pkg/types"
	"github.com/burpheart/httpsift/pkg/urlencoded"
)

func (p *ConnectionParser) reqIdle() types.Status {
	s := p.req
	s.skipEmptyLines()
	if s.pos >= len(s.data) {
		return types.StatusData
	}
	return p.startRequest()
}

// startRequest creates the next transaction and moves to the request line.
func (p *ConnectionParser) startRequest() types.Status {
	s := p.req
	tx := newTransaction(len(p.conn.txs))
	tx.RequestIgnoredLines = s.ignored
	tx.RequestProgress = RequestLine
	p.conn.txs = append(p.conn.txs, tx)

	s.tx = tx
	s.ignored = 0
	s.headChunk = s.chunks
	s.header, s.headerFold, s.folds, s.trailer = nil, false, 0, false
	s.body = nil
	s.state = p.reqLine
	return p.hook(p.cfg.Hooks.RequestStart, tx)
}

func (p *ConnectionParser) reqLine() types.Status {
	s := p.req
	line, st := p.takeLine(s, false)
	switch st {
	case types.StatusOK:
	case types.StatusData:
		return p.reqTruncated()
	default:
		return st
	}

	p.parseRequestLine(s, normalize.Chomp(line))
	s.state = p.reqProtocol
	return p.processRequestLine(s)
}

// parseRequestLine splits "METHOD URI PROTOCOL" the way lenient servers do.
func (p *ConnectionParser) parseRequestLine(s *stream, data []byte) {
	tx := s.tx
	tx.RequestLine = string(data)

	pos := 0
	for pos < len(data) && normalize.IsSpace(data[pos]) {
		pos++
	}
	if pos > 0 {
		p.log(s, LogLevelWarning, LogCodeRequestLineLeadingWhitespace, "request line: leading whitespace")
	}

	start := pos
	for pos < len(data) && !normalize.IsSpace(data[pos]) {
		pos++
	}
	tx.RequestMethod = string(data[start:pos])
	tx.RequestMethodNumber = ParseMethod(tx.RequestMethod)
	unknown := tx.RequestMethodNumber == MethodUnknown

	if pos < len(data) && data[pos] != ' ' {
		p.log(s, LogLevelWarning, LogCodeMethodDelimNonCompliant, "request line: non-compliant delimiter between method and URI")
	}
	for pos < len(data) && normalize.IsSpace(data[pos]) {
		pos++
	}

	start = pos
	for pos < len(data) && !normalize.IsSpace(data[pos]) {
		pos++
	}
	tx.RequestURI = string(data[start:pos])
	if pos < len(data) && data[pos] != ' ' {
		p.log(s, LogLevelWarning, LogCodeURIDelimNonCompliant, "request line: non-compliant delimiter between URI and protocol")
	}
	for pos < len(data) && normalize.IsSpace(data[pos]) {
		pos++
	}

	proto := data[pos:]
	if len(proto) == 0 {
		tx.IsProtocol09 = true
		tx.RequestProtocolNumber = types.Protocol09
		if unknown {
			p.log(s, LogLevelWarning, LogCodeRequestLineUnknownMethodNoProtocol, "request line: unknown method and no protocol")
		} else {
			p.log(s, LogLevelNotice, LogCodeRequestLineNoProtocol, "request line: no protocol")
		}
		return
	}

	tx.RequestProtocol = string(proto)
	tx.RequestProtocolNumber = normalize.ParseProtocol(proto)
	switch {
	case unknown && tx.RequestProtocolNumber == types.ProtocolInvalid:
		p.log(s, LogLevelWarning, LogCodeRequestLineUnknownMethodInvalidProtocol, "request line: unknown method and invalid protocol")
	case unknown:
		p.log(s, LogLevelNotice, LogCodeRequestLineUnknownMethod, "request line: unknown method")
	}
}

func (p *ConnectionParser) processRequestLine(s *stream) types.Status {
	tx := s.tx
	if tx.RequestMethodNumber == MethodConnect {
		u, ok := normalize.ParseAuthorityURI([]byte(tx.RequestURI))
		if !ok {
			tx.Flags.Set(types.FlagHostUInvalid)
			p.log(s, LogLevelWarning, LogCodeURIHostInvalid, "invalid authority in CONNECT request")
		}
		norm := *u
		tx.ParsedURIRaw, tx.ParsedURI = u, &norm
	} else {
		raw := normalize.ParseURI([]byte(tx.RequestURI))
		norm, flags := normalize.NormalizeURI(&p.cfg.PathDecoder, &p.cfg.URLEncodedDecoder, raw)
		tx.ParsedURIRaw, tx.ParsedURI = raw, norm
		tx.Flags.Set(flags)
		if flags.Has(types.FlagHostUInvalid) {
			p.log(s, LogLevelWarning, LogCodeURIHostInvalid, "invalid hostname in request URI")
		}
		if p.cfg.ParseURLEncoded && raw.HasQuery {
			params, fl := urlencoded.Parse(&p.cfg.URLEncodedDecoder, []byte(raw.Query), p.cfg.paramOptions()...)
			tx.Flags.Set(fl)
			tx.Params.addAll(params, SourceQuery)
		}
	}
	if tx.ParsedURI.Hostname != "" {
		tx.RequestHostname = tx.ParsedURI.Hostname
		tx.RequestPort = tx.ParsedURI.PortNumber
	}
	return p.hook(p.cfg.Hooks.RequestLine, tx)
}

// reqProtocol decides what follows the request line. A request without a
// protocol is HTTP/0.9 unless the next line looks like a header.
func (p *ConnectionParser) reqProtocol() types.Status {
	s, tx := p.req, p.req.tx
	if !tx.IsProtocol09 {
		tx.RequestProgress = RequestHeaders
		s.state = p.reqHeaders
		return types.StatusOK
	}

	line, st := p.takeLine(s, false)
	switch st {
	case types.StatusOK:
	case types.StatusData:
		return p.reqFinish()
	default:
		return st
	}

	chomped := normalize.Chomp(line)
	if looksLikeHeader(chomped) {
		tx.Flags.Set(types.FlagRequestInvalid)
		tx.IsProtocol09 = false
		tx.RequestProtocolNumber = types.ProtocolUnknown
		p.log(s, LogLevelWarning, LogCodeRequestLineNoProtocol, "request line: missing protocol before headers")
		tx.RequestProgress = RequestHeaders
		s.state = p.reqHeaders
		p.headerLine(s, chomped)
		return types.StatusOK
	}
	if len(chomped) > 0 {
		s.extra = true
		p.log(s, LogLevelWarning, LogCodeHTTP09ExtraData, "data after HTTP/0.9 request")
	}
	return p.reqFinish()
}

func (p *ConnectionParser) reqHeaders() types.Status {
	s := p.req
	if st := p.headers(s, false); st != types.StatusOK {
		return st
	}
	if s.trailer {
		return p.trailersDone(s)
	}
	return p.reqHeadersDone()
}

func (p *ConnectionParser) reqHeadersDone() types.Status {
	s, tx := p.req, p.req.tx
	if s.chunks != s.headChunk {
		p.connFlag(types.FlagMultiPacketHead, tx)
	}

	p.reconcileHost(s, tx)
	if v, ok := tx.RequestHeaders.Value("content-type"); ok {
		tx.RequestContentType = contentType(v)
	}
	if v, ok := tx.RequestHeaders.Value("content-encoding"); ok {
		tx.RequestContentEncoding = decompress.ParseContentEncoding(v)
	}
	if p.cfg.ParseRequestCookies {
		if v, ok := tx.RequestHeaders.Value("cookie"); ok {
			tx.RequestCookies = parseCookies(v)
		}
	}
	if p.cfg.ParseRequestAuth {
		p.parseAuthorization(s, tx)
	}

	if st := p.determineRequestBody(s, tx); st != types.StatusOK {
		return st
	}

	if tx.RequestMethodNumber == MethodConnect {
		tx.RequestProgress = RequestConnectWait
		p.connect, p.connectTx = connectPending, tx
		s.state = p.reqConnectWait
		return p.hook(p.cfg.Hooks.RequestHeaders, tx)
	}

	tx.RequestProgress = RequestBody
	switch tx.RequestTransferCoding {
	case CodingChunked:
		s.state = p.reqChunkLength
	case CodingIdentity:
		s.bodyLeft = tx.RequestContentLength
		s.state = p.reqBodyIdentity
	default:
		s.state = p.reqFinish
	}
	st := p.hook(p.cfg.Hooks.RequestHeaders, tx)
	if tx.RequestTransferCoding != CodingNoBody {
		s.body = p.newBodyProcessor(s)
	}
	return st
}

// reconcileHost compares the Host header with the authority of the URI.
// The URI wins when both are present.
func (p *ConnectionParser) reconcileHost(s *stream, tx *Transaction) {
	hdr := tx.RequestHeaders.Get("host")
	if hdr == nil {
		if tx.RequestProtocolNumber == types.Protocol11 {
			tx.Flags.Set(types.FlagHostMissing)
			p.log(s, LogLevelWarning, LogCodeHostMissing, "host information missing")
		}
		return
	}

	hp := normalize.ParseHostPort([]byte(hdr.Value))
	if !hp.Valid {
		tx.Flags.Set(types.FlagHostHInvalid)
		p.log(s, LogLevelWarning, LogCodeHostHeaderInvalid, "invalid Host header")
	}
	if tx.RequestHostname == "" {
		tx.RequestHostname, tx.RequestPort = hp.Host, hp.PortNumber
		if tx.ParsedURI != nil {
			tx.ParsedURI.Hostname = hp.Host
			if tx.ParsedURI.Port == "" {
				tx.ParsedURI.Port, tx.ParsedURI.PortNumber = hp.Port, hp.PortNumber
			}
		}
		return
	}
	if !strings.EqualFold(hp.Host, tx.RequestHostname) ||
		(hp.PortNumber >= 0 && tx.RequestPort >= 0 && hp.PortNumber != tx.RequestPort) {
		if !tx.Flags.Has(types.FlagHostAmbiguous) {
			p.log(s, LogLevelWarning, LogCodeHostAmbiguous, "host information ambiguous")
		}
		tx.Flags.Set(types.FlagHostAmbiguous)
	}
}

// determineRequestBody picks the body framing from Transfer-Encoding and
// Content-Length. Ambiguous framing is resolved by FramingPrecedence.
func (p *ConnectionParser) determineRequestBody(s *stream, tx *Transaction) types.Status {
	te := tx.RequestHeaders.Get("transfer-encoding")
	cl := tx.RequestHeaders.Get("content-length")

	chunked := false
	if te != nil {
		value := []byte(te.Value)
		if !normalize.ContainsToken(value, "chunked") {
			tx.Flags.Set(types.FlagRequestInvalidTE | types.FlagRequestInvalid)
			p.log(s, LogLevelWarning, LogCodeTransferEncodingInvalid, "invalid Transfer-Encoding")
		} else {
			if !strings.EqualFold(string(normalize.TrimSpace(value)), "chunked") {
				tx.Flags.Set(types.FlagRequestInvalidTE)
				p.log(s, LogLevelWarning, LogCodeTransferEncodingInvalid, "Transfer-Encoding is not exactly chunked")
			}
			if tx.RequestProtocolNumber < types.Protocol11 {
				tx.Flags.Set(types.FlagRequestInvalidTE | types.FlagRequestSmuggling)
				p.log(s, LogLevelWarning, LogCodeTransferEncodingOldProtocol, "chunked Transfer-Encoding on HTTP/1.0 or older")
			}
			chunked = true
		}
	}

	if cl != nil {
		if cl.Flags.Has(types.FlagFieldRepeated | types.FlagFieldFolded) {
			tx.Flags.Set(types.FlagRequestSmuggling)
		}
		parsed := normalize.ParseContentLength([]byte(cl.Value))
		if parsed.Junk {
			p.log(s, LogLevelWarning, LogCodeContentLengthExtraData, "Content-Length has extra data")
		}
		tx.RequestContentLength = parsed.Value
		if chunked {
			tx.Flags.Set(types.FlagRequestSmuggling)
			p.log(s, LogLevelWarning, LogCodeContentLengthAndTransferEncoding, "both Content-Length and Transfer-Encoding present")
			if p.cfg.FramingPrecedence == FramingContentLength && parsed.Value >= 0 {
				chunked = false
			}
		}
		if parsed.Value < 0 {
			tx.Flags.Set(types.FlagRequestInvalidCL)
			if !chunked {
				tx.Flags.Set(types.FlagRequestInvalid)
				tx.RequestTransferCoding = CodingInvalid
				p.log(s, LogLevelError, LogCodeContentLengthInvalid, "invalid Content-Length")
				return types.StatusError
			}
		}
		if !chunked {
			tx.RequestTransferCoding = CodingIdentity
			return types.StatusOK
		}
	}

	if chunked {
		tx.RequestTransferCoding = CodingChunked
	} else {
		tx.RequestTransferCoding = CodingNoBody
	}
	return types.StatusOK
}

// reqConnectWait holds the request side until the CONNECT response is known.
func (p *ConnectionParser) reqConnectWait() types.Status {
	s := p.req
	switch p.connect {
	case connectRejected:
		p.connect, p.connectTx = connectNone, nil
		return p.reqFinish()
	case connectEstablished:
		st := p.reqFinish()
		s.state = p.reqProbe
		return st
	}
	if s.pos < len(s.data) {
		return types.StatusDataOther
	}
	return types.StatusData
}

// reqProbe looks at the first bytes after an established CONNECT. HTTP
// parsing resumes when they start with a known method; otherwise both
// directions become a tunnel.
func (p *ConnectionParser) reqProbe() types.Status {
	s := p.req
	data := s.remaining()
	if len(data) == 0 && !s.closed {
		return types.StatusData
	}

	head := append(append([]byte(nil), s.buf...), data...)
	end, binary := -1, false
	for i, c := range head {
		if normalize.IsSpace(c) {
			end = i
			break
		}
		if !normalize.IsToken(c) {
			binary = true
			break
		}
	}
	if end < 0 && !binary && len(head) < 32 && !s.closed {
		// s.buf never holds a line terminator here, so the request line
		// reader can take over from it.
		s.buf = head
		s.pos = len(s.data)
		return types.StatusDataBuffer
	}
	token := head
	if end >= 0 {
		token = head[:end]
	}
	if !binary && len(token) > 0 && ParseMethod(string(token)) != MethodUnknown {
		p.connect, p.connectTx = connectHTTP, nil
		return p.startRequest()
	}

	p.connect, p.connectTx = connectTunnel, nil
	p.log(s, LogLevelInfo, LogCodeConnectTunnel, "CONNECT established, switching to tunnel mode")
	p.tunnel(p.req)
	p.tunnel(p.res)
	s.pos = len(s.data)
	return types.StatusData
}

func (p *ConnectionParser) reqTruncated() types.Status {
	s := p.req
	s.tx.Flags.Set(types.FlagBodyTruncated)
	p.log(s, LogLevelNotice, LogCodeBodyTruncated, "request truncated by end of stream")
	return p.reqFinish()
}

// reqFinish completes the active request.
func (p *ConnectionParser) reqFinish() types.Status {
	s := p.req
	tx := s.tx
	if tx.RequestProgress == RequestComplete {
		return types.StatusOK
	}
	st := types.StatusOK
	if s.body != nil {
		st = s.body.finish()
		s.body = nil
	}
	tx.RequestProgress = RequestComplete
	st = worst(st, p.hook(p.cfg.Hooks.RequestComplete, tx))
	st = worst(st, p.txComplete(tx))

	if tx.IsProtocol09 {
		s.state = p.reqIgnore
	} else {
		s.state = p.reqIdle
	}
	s.tx = nil
	return st
}

// reqIgnore discards everything after an HTTP/0.9 request.
func (p *ConnectionParser) reqIgnore() types.Status {
	s := p.req
	if s.pos < len(s.data) && !s.extra {
		s.extra = true
		p.log(s, LogLevelWarning, LogCodeHTTP09ExtraData, "data after HTTP/0.9 request")
	}
	s.pos = len(s.data)
	return types.StatusData
}
