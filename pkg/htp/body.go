package htp

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/burpheart/httpsift/pkg/decompress"
	"github.com/burpheart/httpsift/pkg/multipart"
	"github.com/burpheart/httpsift/pkg/normalize"
	"github.com/burpheart/httpsift/pkg/types"
	"github.com/burpheart/httpsift/pkg/urlencoded"
)

// finish completes the message of s.
func (p *ConnectionParser) finish(s *stream) types.Status {
	if s.dir == types.ClientToServer {
		return p.reqFinish()
	}
	return p.resFinish()
}

func (p *ConnectionParser) truncated(s *stream) types.Status {
	s.tx.Flags.Set(types.FlagBodyTruncated)
	p.log(s, LogLevelNotice, LogCodeBodyTruncated, "body truncated by end of stream")
	return p.finish(s)
}

// bodyIdentity consumes bodyLeft bytes, or everything until the stream
// closes when bodyLeft is negative.
func (p *ConnectionParser) bodyIdentity(s *stream) types.Status {
	if s.bodyLeft == 0 {
		return p.finish(s)
	}
	data := s.remaining()
	if len(data) == 0 {
		if !s.closed {
			return types.StatusData
		}
		if s.bodyLeft > 0 {
			return p.truncated(s)
		}
		return p.finish(s)
	}
	if s.bodyLeft > 0 && int64(len(data)) > s.bodyLeft {
		data = data[:s.bodyLeft]
	}
	s.pos += len(data)
	if s.bodyLeft > 0 {
		s.bodyLeft -= int64(len(data))
	}
	s.addMessageLen(len(data))
	return p.bodyData(s, data)
}

func (p *ConnectionParser) reqBodyIdentity() types.Status { return p.bodyIdentity(p.req) }
func (p *ConnectionParser) resBodyIdentity() types.Status { return p.bodyIdentity(p.res) }

// chunkLength reads a chunk size line. Blank lines before it are skipped.
func (p *ConnectionParser) chunkLength(s *stream) types.Status {
	line, st := p.takeLine(s, false)
	switch st {
	case types.StatusOK:
	case types.StatusData:
		return p.truncated(s)
	default:
		return st
	}
	s.addMessageLen(len(line))
	if normalize.IsLineWhitespace(line) {
		return types.StatusOK
	}

	n := normalize.ParseChunkedLength(line)
	switch {
	case n < 0:
		s.tx.Flags.Set(types.FlagInvalidChunking)
		if s.dir == types.ClientToServer {
			p.log(s, LogLevelError, LogCodeChunkLengthInvalid, "request chunk encoding: invalid chunk length")
			return types.StatusError
		}
		// The rest of the response is treated as body until close.
		p.log(s, LogLevelWarning, LogCodeChunkLengthInvalid, "response chunk encoding: invalid chunk length")
		s.tx.ResponseTransferCoding = CodingIdentity
		s.bodyLeft = -1
		s.state = p.resBodyIdentity
		return p.bodyData(s, line)
	case n == 0:
		s.trailer = true
		s.header, s.headerFold, s.folds = nil, false, 0
		if s.dir == types.ClientToServer {
			s.tx.RequestProgress = RequestTrailer
			s.state = p.reqHeaders
		} else {
			s.tx.ResponseProgress = ResponseTrailer
			s.state = p.resHeaders
		}
		return types.StatusOK
	}
	s.chunkLeft = n
	s.state = s.chunkDataState(p)
	return types.StatusOK
}

func (p *ConnectionParser) reqChunkLength() types.Status { return p.chunkLength(p.req) }
func (p *ConnectionParser) resChunkLength() types.Status { return p.chunkLength(p.res) }

func (s *stream) chunkDataState(p *ConnectionParser) stateFn {
	if s.dir == types.ClientToServer {
		return p.reqChunkData
	}
	return p.resChunkData
}

func (p *ConnectionParser) chunkData(s *stream) types.Status {
	data := s.remaining()
	if len(data) == 0 {
		if s.closed {
			return p.truncated(s)
		}
		return types.StatusData
	}
	if int64(len(data)) > s.chunkLeft {
		data = data[:s.chunkLeft]
	}
	s.pos += len(data)
	s.chunkLeft -= int64(len(data))
	s.addMessageLen(len(data))
	if s.chunkLeft == 0 {
		if s.dir == types.ClientToServer {
			s.state = p.reqChunkDataEnd
		} else {
			s.state = p.resChunkDataEnd
		}
	}
	return p.bodyData(s, data)
}

func (p *ConnectionParser) reqChunkData() types.Status { return p.chunkData(p.req) }
func (p *ConnectionParser) resChunkData() types.Status { return p.chunkData(p.res) }

// chunkDataEnd skips everything up to the LF that ends the chunk data.
func (p *ConnectionParser) chunkDataEnd(s *stream) types.Status {
	data := s.remaining()
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		s.pos = len(s.data)
		s.addMessageLen(len(data))
		if s.closed {
			return p.truncated(s)
		}
		return types.StatusData
	}
	s.pos += i + 1
	s.addMessageLen(i + 1)
	if s.dir == types.ClientToServer {
		s.state = p.reqChunkLength
	} else {
		s.state = p.resChunkLength
	}
	return types.StatusOK
}

func (p *ConnectionParser) reqChunkDataEnd() types.Status { return p.chunkDataEnd(p.req) }
func (p *ConnectionParser) resChunkDataEnd() types.Status { return p.chunkDataEnd(p.res) }

// bodyData passes dechunked body bytes to the processors of s.
func (p *ConnectionParser) bodyData(s *stream, data []byte) types.Status {
	if len(data) == 0 || s.body == nil {
		return types.StatusOK
	}
	return s.body.write(data)
}

// bodyProcessor routes message body bytes through decompression into the
// body data hook and the parameter parsers.
type bodyProcessor struct {
	p  *ConnectionParser
	s  *stream
	tx *Transaction

	dec  *decompress.Decompressor
	form *urlencoded.Parser
	mp   *multipart.Parser
	put  bool

	status types.Status
}

func (p *ConnectionParser) newBodyProcessor(s *stream) *bodyProcessor {
	tx := s.tx
	b := &bodyProcessor{p: p, s: s, tx: tx, status: types.StatusOK}

	encodings, on := tx.ResponseContentEncoding, p.cfg.ResponseDecompression
	if s.dir == types.ClientToServer {
		encodings, on = tx.RequestContentEncoding, p.cfg.RequestDecompression
	}
	if on && len(encodings) > 0 {
		dec, err := decompress.New(encodings, b.deliver, p.cfg.Decompression)
		switch {
		case err == nil:
			b.dec = dec
		case errors.Is(err, decompress.ErrUnsupported):
			p.log(s, LogLevelNotice, LogCodeDecompressionUnsupported, err.Error())
		default:
			b.failed(err)
		}
	}

	if s.dir != types.ClientToServer {
		return b
	}
	if p.cfg.ParseURLEncoded && strings.HasPrefix(tx.RequestContentType, "application/x-www-form-urlencoded") {
		b.form = urlencoded.NewParser(&p.cfg.URLEncodedDecoder, p.cfg.paramOptions()...)
	}
	if ct, ok := tx.RequestHeaders.Value("content-type"); ok && p.cfg.ParseMultipart && multipart.IsFormData([]byte(ct)) {
		boundary, flags, err := multipart.FindBoundary([]byte(ct))
		if err != nil {
			tx.Flags.Set(types.FlagMultipartInvalid)
			p.log(s, LogLevelWarning, LogCodeMultipartInvalid, "multipart: "+err.Error())
		} else {
			b.mp = multipart.NewParser(boundary,
				multipart.WithBoundaryFlags(flags),
				multipart.WithFileData(b.fileData),
			)
		}
	}
	b.put = tx.RequestMethodNumber == MethodPut && p.cfg.Hooks.RequestFileData != nil
	return b
}

func (b *bodyProcessor) write(data []byte) types.Status {
	b.status = types.StatusOK
	if b.dec != nil {
		if err := b.dec.Write(data); err != nil {
			b.failed(err)
		}
	} else {
		b.deliver(data)
	}
	return b.status
}

// deliver receives entity bytes, decoded when a decompressor is active.
func (b *bodyProcessor) deliver(data []byte) {
	hooks := &b.p.cfg.Hooks
	if b.s.dir == types.ClientToServer {
		b.tx.RequestEntityLen += int64(len(data))
		if hooks.RequestBodyData != nil {
			b.record(hooks.RequestBodyData(b.tx, data))
		}
	} else {
		b.tx.ResponseEntityLen += int64(len(data))
		if hooks.ResponseBodyData != nil {
			b.record(hooks.ResponseBodyData(b.tx, data))
		}
	}
	if b.form != nil {
		b.form.Feed(data)
	}
	if b.mp != nil {
		b.mp.Feed(data)
	}
	if b.put {
		b.record(hooks.RequestFileData(b.tx, &FileData{Source: FilePut, Data: data}))
	}
}

func (b *bodyProcessor) fileData(part *multipart.Part, data []byte, last bool) {
	fn := b.p.cfg.Hooks.RequestFileData
	if fn == nil {
		return
	}
	b.record(fn(b.tx, &FileData{
		Source:   FileMultipart,
		Name:     part.Name,
		Filename: part.Filename,
		Data:     data,
		Last:     last,
	}))
}

func (b *bodyProcessor) record(st types.Status) {
	b.status = worst(b.status, hookStatus(st))
}

func (b *bodyProcessor) failed(err error) {
	if errors.Is(err, decompress.ErrBomb) {
		b.tx.Flags.Set(types.FlagDecompressionBomb)
		msg := err.Error()
		if b.dec != nil {
			msg = fmt.Sprintf("%s (%d bytes in, %d out)", msg, b.dec.InputLen(), b.dec.OutputLen())
		}
		b.p.log(b.s, LogLevelError, LogCodeDecompressionBomb, msg)
		return
	}
	b.tx.Flags.Set(types.FlagDecompressionFailed)
	b.p.log(b.s, LogLevelWarning, LogCodeDecompressionFailed, err.Error())
}

// release drops the decoders of a body that will never finish.
func (b *bodyProcessor) release() {
	if b.dec != nil {
		b.dec.Close()
	}
}

// finish flushes the decoders and parsers at the end of the body.
func (b *bodyProcessor) finish() types.Status {
	b.status = types.StatusOK
	tx := b.tx
	if b.dec != nil {
		if err := b.dec.Finish(); err != nil {
			b.failed(err)
		}
	}
	if b.form != nil {
		b.form.Finalize()
		tx.Params.addAll(b.form.Params(), SourceBody)
		tx.Flags.Set(b.form.Flags())
	}
	if b.mp != nil {
		body := b.mp.Finalize()
		tx.Multipart = body
		tx.Params.addAll(body.Fields(), SourceBody)
		if body.Flags.IsInvalid() {
			tx.Flags.Set(types.FlagMultipartInvalid)
			b.p.log(b.s, LogLevelWarning, LogCodeMultipartInvalid, "multipart body invalid: "+body.Flags.String())
		}
		if body.Flags.Has(multipart.FlagIncomplete) {
			tx.Flags.Set(types.FlagMultipartIncomplete)
			b.p.log(b.s, LogLevelNotice, LogCodeMultipartIncomplete, "multipart body incomplete")
		}
	}
	if b.put {
		b.record(b.p.cfg.Hooks.RequestFileData(tx, &FileData{Source: FilePut, Last: true}))
	}
	return b.status
}
