// Package multipart incrementally parses multipart/form-data bodies and
// records the irregularities an inspection engine cares about.
package multipart

import (
	"bytes"
	"strings"

	"github.com/burpheart/httpsift/pkg/normalize"
	"github.com/burpheart/httpsift/pkg/urlencoded"
)

// PartType classifies a part by its Content-Disposition.
type PartType int

const (
	PartUnknown PartType = iota
	PartText
	PartFile
)

func (t PartType) String() string {
	switch t {
	case PartText:
		return "text"
	case PartFile:
		return "file"
	}
	return "unknown"
}

// Header is one part header. Repeated names are joined with ", ".
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Part is one body part.
type Part struct {
	Type        PartType `json:"type"`
	Name        string   `json:"name,omitempty"`
	Filename    string   `json:"filename,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Headers     []Header `json:"headers,omitempty"`
	Value       []byte   `json:"value,omitempty"` // text and unknown parts only
	Length      int64    `json:"length"`
	Incomplete  bool     `json:"incomplete,omitempty"`
	Truncated   bool     `json:"truncated,omitempty"` // Value holds only a prefix
}

// Header returns the value of the named part header.
func (p *Part) Header(name string) (string, bool) {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Body is the result of parsing a multipart body.
type Body struct {
	Boundary string  `json:"boundary"`
	Parts    []*Part `json:"parts"`
	Flags    Flags   `json:"flags"`
}

// Fields returns the name/value pairs of the complete text parts.
func (b *Body) Fields() urlencoded.Params {
	var out urlencoded.Params
	for _, p := range b.Parts {
		if p.Type == PartText && !p.Incomplete {
			out = append(out, urlencoded.Param{Name: p.Name, Value: string(p.Value)})
		}
	}
	return out
}

// FileDataFunc receives file part content as it is parsed. last is true
// once, when the part ends.
type FileDataFunc func(part *Part, data []byte, last bool)

// Option configures a Parser.
type Option func(*Parser)

// WithFileData installs a callback for file part content.
func WithFileData(fn FileDataFunc) Option {
	return func(p *Parser) {
		p.onFile = fn
	}
}

// WithValueLimit caps how many bytes of a text part value are kept.
func WithValueLimit(n int) Option {
	return func(p *Parser) {
		p.valueLimit = n
	}
}

// WithBoundaryFlags seeds the body flags with those from FindBoundary.
func WithBoundaryFlags(flags Flags) Option {
	return func(p *Parser) {
		p.body.Flags |= flags
	}
}

type state int

const (
	statePreamble state = iota
	stateBoundaryLine
	stateHeaders
	stateData
	stateEpilogue
)

const (
	defaultValueLimit = 1 << 20
	headerLineLimit   = 16 * 1024
)

// Parser is an incremental multipart parser. Feed may be called with
// arbitrary slices of the body; Finalize completes the result.
type Parser struct {
	body       Body
	delim      []byte // "\n--" + boundary
	onFile     FileDataFunc
	valueLimit int

	state     state
	buf       []byte
	lineStart bool // nothing consumed since the start of the body or a boundary line
	sawFinal  bool
	part      *Part
	finalized bool
}

// NewParser creates a parser for the given boundary.
func NewParser(boundary string, opts ...Option) *Parser {
	p := &Parser{
		body:       Body{Boundary: boundary},
		delim:      []byte("\n--" + boundary),
		valueLimit: defaultValueLimit,
		lineStart:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed consumes the next piece of the body.
func (p *Parser) Feed(data []byte) {
	if p.finalized || len(data) == 0 {
		return
	}
	p.buf = append(p.buf, data...)
	p.run(false)
}

// Finalize processes buffered data as the end of the body and returns the
// result. A missing final boundary marks the body incomplete; the part
// that was open is kept and marked incomplete.
func (p *Parser) Finalize() *Body {
	if p.finalized {
		return &p.body
	}
	p.run(true)
	p.finalized = true

	switch p.state {
	case statePreamble:
		if len(p.buf) > 0 {
			p.body.Flags |= FlagHasPreamble
		}
	case stateBoundaryLine:
		p.boundaryLine(p.buf)
		if p.part != nil {
			p.part.Incomplete = true
			p.body.Flags |= FlagPartIncomplete
			p.part = nil
		}
	case stateHeaders, stateData:
		if p.state == stateData {
			p.emit(p.buf)
		}
		if p.part != nil {
			p.part.Incomplete = true
			p.body.Flags |= FlagPartIncomplete
			p.closePart()
		}
	case stateEpilogue:
		if len(p.buf) > 0 {
			p.body.Flags |= FlagHasEpilogue
		}
	}
	p.buf = nil
	if !p.sawFinal {
		p.body.Flags |= FlagIncomplete
	}
	return &p.body
}

// Body returns the result parsed so far.
func (p *Parser) Body() *Body {
	return &p.body
}

func (p *Parser) run(final bool) {
	for {
		var progressed bool
		switch p.state {
		case statePreamble, stateData, stateEpilogue:
			progressed = p.scanData(final)
		case stateBoundaryLine:
			progressed = p.scanBoundaryLine()
		case stateHeaders:
			progressed = p.scanHeaderLine()
		}
		if !progressed {
			return
		}
	}
}

// scanData looks for the next delimiter and hands the bytes before it to
// the current part, the preamble or the epilogue.
func (p *Parser) scanData(final bool) bool {
	// The body and the epilogue may open with a boundary that has no
	// line break in front of it.
	if p.lineStart && (p.state == statePreamble || p.state == stateEpilogue) {
		open := p.delim[1:]
		if len(p.buf) < len(open) && bytes.HasPrefix(open, p.buf) && !final {
			return false
		}
		if bytes.HasPrefix(p.buf, open) {
			if p.state == stateEpilogue {
				p.body.Flags |= FlagPartAfterLastBoundary
			}
			p.lineStart = false
			p.buf = p.buf[len(open):]
			p.state = stateBoundaryLine
			return true
		}
	}

	i := bytes.Index(p.buf, p.delim)
	if i < 0 {
		if final {
			return false
		}
		keep := len(p.delim) + 1
		if len(p.buf) > keep {
			n := len(p.buf) - keep
			p.consumeData(p.buf[:n])
			p.buf = p.buf[n:]
		}
		return false
	}

	end := i
	if end > 0 && p.buf[end-1] == '\r' {
		end--
		p.body.Flags |= FlagCRLFLine
	} else {
		p.body.Flags |= FlagLFLine
	}
	p.consumeData(p.buf[:end])
	p.buf = p.buf[i+len(p.delim):]

	switch p.state {
	case stateData:
		p.closePart()
	case stateEpilogue:
		p.body.Flags |= FlagPartAfterLastBoundary
	}
	p.state = stateBoundaryLine
	return true
}

func (p *Parser) consumeData(data []byte) {
	if len(data) == 0 {
		return
	}
	p.lineStart = false
	switch p.state {
	case statePreamble:
		p.body.Flags |= FlagHasPreamble
	case stateEpilogue:
		p.body.Flags |= FlagHasEpilogue
	case stateData:
		p.emit(data)
	}
}

// scanBoundaryLine consumes the rest of a boundary line.
func (p *Parser) scanBoundaryLine() bool {
	nl := bytes.IndexByte(p.buf, '\n')
	if nl < 0 {
		return false
	}
	line := p.buf[:nl]
	p.buf = p.buf[nl+1:]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
		p.body.Flags |= FlagCRLFLine
	} else {
		p.body.Flags |= FlagLFLine
	}
	p.boundaryLine(line)
	p.lineStart = true
	return true
}

// boundaryLine handles the bytes that followed "--boundary" on its line.
func (p *Parser) boundaryLine(line []byte) {
	last := false
	if bytes.HasPrefix(line, []byte("--")) {
		last = true
		line = line[2:]
	}
	if len(line) > 0 {
		if len(trimLeftLWS(line)) == 0 {
			p.body.Flags |= FlagBBoundaryLWSAfter
		} else {
			p.body.Flags |= FlagBBoundaryNLWSAfter
		}
	}
	if last {
		p.sawFinal = true
		p.state = stateEpilogue
		return
	}
	p.part = &Part{}
	p.body.Parts = append(p.body.Parts, p.part)
	p.state = stateHeaders
}

// scanHeaderLine consumes one part header line.
func (p *Parser) scanHeaderLine() bool {
	nl := bytes.IndexByte(p.buf, '\n')
	if nl < 0 {
		if len(p.buf) > headerLineLimit {
			p.body.Flags |= FlagPartHeaderInvalid
			p.buf = p.buf[:0]
		}
		return false
	}
	line := p.buf[:nl]
	p.buf = p.buf[nl+1:]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
		p.body.Flags |= FlagCRLFLine
	} else {
		p.body.Flags |= FlagLFLine
	}

	if len(line) == 0 {
		p.finishHeaders()
		p.state = stateData
		return true
	}
	if bytes.IndexByte(line, 0) >= 0 {
		p.body.Flags |= FlagNulByte
	}
	part := p.part

	if normalize.IsLineFolded(line) {
		if len(part.Headers) == 0 {
			p.body.Flags |= FlagPartHeaderInvalid
			return true
		}
		h := &part.Headers[len(part.Headers)-1]
		h.Value += " " + string(normalize.TrimLWS(line))
		return true
	}

	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		p.body.Flags |= FlagPartHeaderInvalid
		return true
	}
	name := line[:colon]
	if !normalize.IsWordToken(name) {
		p.body.Flags |= FlagPartHeaderInvalid
		name = normalize.TrimLWS(name)
	}
	value := string(normalize.TrimLWS(line[colon+1:]))

	for i := range part.Headers {
		if strings.EqualFold(part.Headers[i].Name, string(name)) {
			p.body.Flags |= FlagPartHeaderRepeated
			part.Headers[i].Value += ", " + value
			return true
		}
	}
	if !strings.EqualFold(string(name), "Content-Disposition") && !strings.EqualFold(string(name), "Content-Type") {
		p.body.Flags |= FlagPartHeaderUnknown
	}
	part.Headers = append(part.Headers, Header{Name: string(name), Value: value})
	return true
}

// finishHeaders classifies the current part from its headers.
func (p *Parser) finishHeaders() {
	part := p.part
	if ct, ok := part.Header("Content-Type"); ok {
		part.ContentType = ct
	}
	cd, ok := part.Header("Content-Disposition")
	if !ok {
		part.Type = PartUnknown
		p.body.Flags |= FlagPartUnknown
		return
	}
	res := parseContentDisposition([]byte(cd))
	p.body.Flags |= res.flags
	switch {
	case res.flags&(FlagCDTypeInvalid|FlagCDSyntaxInvalid) != 0 || !res.hasName:
		part.Type = PartUnknown
		p.body.Flags |= FlagPartUnknown
	case res.hasFilename:
		part.Type = PartFile
	default:
		part.Type = PartText
	}
	part.Name = res.name
	part.Filename = res.filename
}

func (p *Parser) emit(data []byte) {
	part := p.part
	if part == nil || len(data) == 0 {
		return
	}
	part.Length += int64(len(data))
	if part.Type == PartFile {
		if p.onFile != nil {
			p.onFile(part, data, false)
		}
		return
	}
	room := p.valueLimit - len(part.Value)
	if len(data) > room {
		data = data[:max(room, 0)]
		if !part.Truncated {
			part.Truncated = true
			p.body.Flags |= FlagPartValueTruncated
		}
	}
	part.Value = append(part.Value, data...)
}

func (p *Parser) closePart() {
	if p.part != nil && p.part.Type == PartFile && p.onFile != nil {
		p.onFile(p.part, nil, true)
	}
	p.part = nil
}

type dispositionResult struct {
	name, filename       string
	hasName, hasFilename bool
	flags                Flags
}

// parseContentDisposition parses `form-data; name="a"; filename="b"`.
func parseContentDisposition(v []byte) dispositionResult {
	var res dispositionResult
	v = normalize.TrimLWS(v)
	const typ = "form-data"
	if len(v) < len(typ) || !bytes.EqualFold(v[:len(typ)], []byte(typ)) {
		res.flags |= FlagCDTypeInvalid
		return res
	}
	pos := len(typ)
	for {
		for pos < len(v) && normalize.IsLWS(v[pos]) {
			pos++
		}
		if pos == len(v) {
			return res
		}
		if v[pos] != ';' {
			res.flags |= FlagCDSyntaxInvalid
			return res
		}
		pos++
		for pos < len(v) && normalize.IsLWS(v[pos]) {
			pos++
		}

		start := pos
		for pos < len(v) && v[pos] != '=' && !normalize.IsLWS(v[pos]) && v[pos] != ';' {
			pos++
		}
		name := v[start:pos]
		for pos < len(v) && normalize.IsLWS(v[pos]) {
			pos++
		}
		if len(name) == 0 || pos == len(v) || v[pos] != '=' {
			res.flags |= FlagCDSyntaxInvalid
			return res
		}
		pos++
		for pos < len(v) && normalize.IsLWS(v[pos]) {
			pos++
		}

		var value []byte
		if pos < len(v) && v[pos] == '"' {
			pos++
			var ok bool
			value, pos, ok = readQuoted(v, pos)
			if !ok {
				res.flags |= FlagCDSyntaxInvalid
				return res
			}
		} else {
			start = pos
			for pos < len(v) && v[pos] != ';' && !normalize.IsLWS(v[pos]) {
				pos++
			}
			value = v[start:pos]
		}

		switch {
		case bytes.EqualFold(name, []byte("name")):
			if res.hasName {
				res.flags |= FlagCDParamRepeated
				continue
			}
			res.name, res.hasName = string(value), true
		case bytes.EqualFold(name, []byte("filename")):
			if res.hasFilename {
				res.flags |= FlagCDParamRepeated
				continue
			}
			res.filename, res.hasFilename = string(value), true
		default:
			res.flags |= FlagCDParamUnknown
		}
	}
}

// readQuoted reads a quoted string body starting after the opening quote.
// Backslash escapes the next byte.
func readQuoted(v []byte, pos int) ([]byte, int, bool) {
	var out []byte
	for pos < len(v) {
		c := v[pos]
		switch c {
		case '\\':
			if pos+1 < len(v) {
				out = append(out, v[pos+1])
				pos += 2
				continue
			}
			return nil, pos, false
		case '"':
			return out, pos + 1, true
		}
		out = append(out, c)
		pos++
	}
	return nil, pos, false
}
