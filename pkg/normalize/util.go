package normalize

import (
	"bytes"

	"golang.org/x/net/http/httpguts"

	"github.com/burpheart/httpsift/pkg/types"
)

// Chomp strips every trailing CR and LF.
func Chomp(data []byte) []byte {
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	return data
}

// IsSpace matches the C locale whitespace set (SP, HT, LF, VT, FF, CR).
func IsSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\v' || c == '\f' || c == '\r'
}

// IsLWS matches linear whitespace: SP and HT.
func IsLWS(c byte) bool {
	return c == ' ' || c == '\t'
}

// IsToken reports whether c may appear in an RFC 7230 token.
func IsToken(c byte) bool {
	return c < 0x80 && httpguts.IsTokenRune(rune(c))
}

// IsWordToken reports whether data is a non-empty run of token characters.
func IsWordToken(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, c := range data {
		if !IsToken(c) {
			return false
		}
	}
	return true
}

// IsLineFolded reports whether a header line continues the previous one.
func IsLineFolded(line []byte) bool {
	return len(line) > 0 && IsLWS(line[0])
}

// IsLineTerminator reports whether line is an empty line ending a header block.
func IsLineTerminator(line []byte) bool {
	switch len(line) {
	case 1:
		return line[0] == '\n'
	case 2:
		return line[0] == '\r' && line[1] == '\n'
	}
	return false
}

// IsLineWhitespace reports whether line holds nothing but whitespace.
func IsLineWhitespace(line []byte) bool {
	for _, c := range line {
		if !IsSpace(c) {
			return false
		}
	}
	return true
}

// IsLineIgnorable reports whether line may be skipped before a request line.
func IsLineIgnorable(line []byte) bool {
	return IsLineTerminator(line)
}

// TrimSpace trims C locale whitespace from both ends.
func TrimSpace(data []byte) []byte {
	start, end := 0, len(data)
	for start < end && IsSpace(data[start]) {
		start++
	}
	for end > start && IsSpace(data[end-1]) {
		end--
	}
	return data[start:end]
}

// TrimLWS trims SP and HT from both ends.
func TrimLWS(data []byte) []byte {
	start, end := 0, len(data)
	for start < end && IsLWS(data[start]) {
		start++
	}
	for end > start && IsLWS(data[end-1]) {
		end--
	}
	return data[start:end]
}

// ContentLength is the outcome of parsing a Content-Length value.
type ContentLength struct {
	Value int64 // -1 when no usable digits were found
	Junk  bool  // bytes other than whitespace surrounded the digits
}

// ParseContentLength parses a decimal body length. Leading and trailing
// junk is skipped and reported; a value without digits, a negative value
// or one that overflows yields -1.
func ParseContentLength(data []byte) ContentLength {
	res := ContentLength{Value: -1}
	pos := 0
	for pos < len(data) && IsSpace(data[pos]) {
		pos++
	}
	for pos < len(data) && (data[pos] < '0' || data[pos] > '9') {
		res.Junk = true
		pos++
	}
	start := pos
	var v int64
	for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
		if v > (1<<63-1-9)/10 {
			return ContentLength{Value: -1, Junk: res.Junk}
		}
		v = v*10 + int64(data[pos]-'0')
		pos++
	}
	if pos == start || (start > 0 && data[start-1] == '-') {
		return res
	}
	for ; pos < len(data); pos++ {
		if !IsSpace(data[pos]) {
			res.Junk = true
			break
		}
	}
	res.Value = v
	return res
}

// ParseChunkedLength parses a hex chunk size line. Surrounding whitespace
// and chunk extensions are ignored. It returns -1 when the line holds no
// valid size.
func ParseChunkedLength(line []byte) int64 {
	line = TrimSpace(Chomp(line))
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = TrimSpace(line[:i])
	}
	if len(line) == 0 || len(line) > 15 {
		return -1
	}
	var v int64
	for _, c := range line {
		d, ok := hexValue(c)
		if !ok {
			return -1
		}
		v = v<<4 | int64(d)
	}
	return v
}

// ParseProtocol maps a protocol token to its version. A missing token is
// unknown; anything that is not HTTP/0.9, 1.0 or 1.1 is invalid.
func ParseProtocol(data []byte) types.Protocol {
	data = TrimSpace(data)
	if len(data) == 0 {
		return types.ProtocolUnknown
	}
	if len(data) < 5 || !bytes.EqualFold(data[:4], []byte("HTTP")) {
		return types.ProtocolInvalid
	}
	rest := TrimLWS(data[4:])
	if len(rest) == 0 || rest[0] != '/' {
		return types.ProtocolInvalid
	}
	switch string(TrimLWS(rest[1:])) {
	case "0.9":
		return types.Protocol09
	case "1.0":
		return types.Protocol10
	case "1.1":
		return types.Protocol11
	}
	return types.ProtocolInvalid
}

// ParseStatus parses a three digit response status code, or returns -1.
func ParseStatus(data []byte) int {
	data = TrimSpace(data)
	if len(data) != 3 {
		return -1
	}
	v := 0
	for _, c := range data {
		if c < '0' || c > '9' {
			return -1
		}
		v = v*10 + int(c-'0')
	}
	if v < 100 {
		return -1
	}
	return v
}

// TreatResponseLineAsBody reports whether a response line is really body
// data: after leading whitespace it must start with "HTTP" to be a status line.
func TreatResponseLineAsBody(line []byte) bool {
	pos := 0
	for pos < len(line) && IsSpace(line[pos]) {
		pos++
	}
	line = line[pos:]
	return len(line) < 4 || !bytes.EqualFold(line[:4], []byte("HTTP"))
}

// ContainsToken reports whether a comma separated header value lists token.
func ContainsToken(value []byte, token string) bool {
	for _, part := range bytes.Split(value, []byte(",")) {
		if bytes.EqualFold(TrimSpace(part), []byte(token)) {
			return true
		}
	}
	return false
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func isHex(c byte) bool {
	_, ok := hexValue(c)
	return ok
}

// laxHex converts two characters to a byte the way permissive servers do:
// letters are folded to upper case and offset from 'A', overflow wraps.
func laxHex(hi, lo byte) byte {
	return laxNibble(hi)*16 + laxNibble(lo)
}

func laxNibble(c byte) byte {
	if c >= 'A' {
		return (c & 0xdf) - 'A' + 10
	}
	return c - '0'
}
