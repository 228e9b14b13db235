// Package urlencoded parses application/x-www-form-urlencoded data that may
// arrive in arbitrary pieces.
package urlencoded

import (
	"bytes"

	"github.com/burpheart/httpsift/pkg/normalize"
	"github.com/burpheart/httpsift/pkg/types"
)

// Param is one decoded name/value pair.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Params is an ordered list of parameters. Duplicate names are kept.
type Params []Param

// Get returns the first value stored under name.
func (p Params) Get(name string) (string, bool) {
	for _, e := range p {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}

// Option configures a Parser.
type Option func(*Parser)

// WithSeparator sets the argument separator (default '&').
func WithSeparator(sep byte) Option {
	return func(p *Parser) {
		p.sep = sep
	}
}

// WithoutDecoding stores names and values exactly as they appear.
func WithoutDecoding() Option {
	return func(p *Parser) {
		p.decode = false
	}
}

// Parser is an incremental URL-encoded parser. Feed may be called any
// number of times; Finalize flushes the last pending field.
type Parser struct {
	cfg    *normalize.Config
	sep    byte
	decode bool

	pending   []byte
	params    Params
	flags     types.Flags
	sawEmpty  bool
	finalized bool
}

// NewParser creates a parser decoding with cfg. A nil cfg uses
// normalize.DefaultURLEncodedConfig.
func NewParser(cfg *normalize.Config, opts ...Option) *Parser {
	if cfg == nil {
		def := normalize.DefaultURLEncodedConfig()
		cfg = &def
	}
	p := &Parser{
		cfg:    cfg,
		sep:    '&',
		decode: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed consumes the next piece of input. A field split across calls is
// joined before it is decoded.
func (p *Parser) Feed(data []byte) {
	if p.finalized {
		return
	}
	for len(data) > 0 {
		i := bytes.IndexByte(data, p.sep)
		if i < 0 {
			p.pending = append(p.pending, data...)
			return
		}
		if len(p.pending) > 0 {
			p.pending = append(p.pending, data[:i]...)
			p.addField(p.pending)
			p.pending = p.pending[:0]
		} else {
			p.addField(data[:i])
		}
		data = data[i+1:]
	}
}

// Finalize flushes the pending field. An empty trailing field is ignored.
// Further calls to Feed and Finalize have no effect.
func (p *Parser) Finalize() {
	if p.finalized {
		return
	}
	p.finalized = true
	if len(p.pending) > 0 {
		p.addField(p.pending)
		p.pending = nil
	}
}

// Params returns the parameters parsed so far.
func (p *Parser) Params() Params {
	return p.params
}

// Flags returns the URLEN_* flags raised while decoding.
func (p *Parser) Flags() types.Flags {
	return p.flags
}

func (p *Parser) addField(field []byte) {
	var name, value []byte
	if eq := bytes.IndexByte(field, '='); eq >= 0 {
		name, value = field[:eq], field[eq+1:]
	} else {
		name = field
	}
	if p.decode {
		var fl types.Flags
		name, fl = normalize.DecodeURLEncoded(p.cfg, name)
		p.flags |= fl
		value, fl = normalize.DecodeURLEncoded(p.cfg, value)
		p.flags |= fl
	}
	// A run of empty fields yields a single nameless parameter.
	if len(name) == 0 && len(value) == 0 {
		if p.sawEmpty {
			return
		}
		p.sawEmpty = true
	} else {
		p.sawEmpty = false
	}
	p.params = append(p.params, Param{Name: string(name), Value: string(value)})
}

// Parse decodes a complete buffer in one call.
func Parse(cfg *normalize.Config, data []byte, opts ...Option) (Params, types.Flags) {
	p := NewParser(cfg, opts...)
	p.Feed(data)
	p.Finalize()
	return p.Params(), p.Flags()
}
