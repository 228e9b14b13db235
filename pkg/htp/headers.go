package htp

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/burpheart/httpsift/pkg/normalize"
	"github.com/burpheart/httpsift/pkg/types"
)

// Header is one logical header field. Repeated fields are combined into
// the first occurrence.
type Header struct {
	Name  string      `json:"name"`
	Value string      `json:"value"`
	Flags types.Flags `json:"flags,omitempty"`

	reps int
}

// HeaderLine is a header line exactly as it was received, without the
// line terminator.
type HeaderLine struct {
	Line   string `json:"line"`
	Folded bool   `json:"folded,omitempty"` // continuation of the previous line
}

// Headers is an ordered header table with case-insensitive lookup.
type Headers struct {
	list  []*Header
	index map[string]int
}

// NewHeaders creates an empty table.
func NewHeaders() *Headers {
	return &Headers{index: make(map[string]int)}
}

// Get returns the header stored under name, or nil.
func (h *Headers) Get(name string) *Header {
	if h == nil {
		return nil
	}
	if i, ok := h.index[strings.ToLower(name)]; ok {
		return h.list[i]
	}
	return nil
}

// Value returns the combined value of name.
func (h *Headers) Value(name string) (string, bool) {
	if hdr := h.Get(name); hdr != nil {
		return hdr.Value, true
	}
	return "", false
}

// Len returns the number of distinct header names.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.list)
}

// All returns the headers in first-seen order.
func (h *Headers) All() []*Header {
	if h == nil {
		return nil
	}
	out := make([]*Header, len(h.list))
	copy(out, h.list)
	return out
}

func (h *Headers) add(hdr *Header) {
	h.index[strings.ToLower(hdr.Name)] = len(h.list)
	h.list = append(h.list, hdr)
}

func (h *Headers) clear() {
	h.list = nil
	h.index = make(map[string]int)
}

// MarshalJSON renders the table as an ordered list.
func (h *Headers) MarshalJSON() ([]byte, error) {
	if h == nil {
		return []byte("null"), nil
	}
	return json.Marshal(h.list)
}

// fieldProblems are the lexical defects found in one header field.
type fieldProblems uint

const (
	fieldMissingColon fieldProblems = 1 << iota
	fieldEmptyName
	fieldLWSAfterName
	fieldLeadingWhitespace
	fieldNonToken
	fieldNul
)

// parseField splits a header field into name and value. A field without a
// colon has an empty name and the whole line as its value.
func parseField(line []byte) (name, value []byte, problems fieldProblems) {
	if bytes.IndexByte(line, 0) >= 0 {
		problems |= fieldNul
	}
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return nil, normalize.TrimSpace(line), problems | fieldMissingColon
	}
	name, value = line[:colon], normalize.TrimSpace(line[colon+1:])

	if len(name) > 0 && normalize.IsLWS(name[0]) {
		problems |= fieldLeadingWhitespace
		name = bytes.TrimLeft(name, " \t")
	}
	if len(name) > 0 && normalize.IsLWS(name[len(name)-1]) {
		problems |= fieldLWSAfterName
		name = bytes.TrimRight(name, " \t")
	}
	if len(name) == 0 {
		return name, value, problems | fieldEmptyName
	}
	if !normalize.IsWordToken(name) {
		problems |= fieldNonToken
	}
	return name, value, problems
}

// contentType returns the lowercased media type without parameters.
func contentType(value string) string {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(strings.TrimSpace(value))
}
