// Package decompress decodes HTTP content codings from data pushed in
// arbitrary pieces. Decoding failures never lose data: the adapter falls
// back to passing the raw bytes through.
package decompress

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrBomb        = errors.New("decompress: compression bomb")
	ErrTimeLimit   = errors.New("decompress: time limit exceeded")
	ErrUnsupported = errors.New("decompress: unsupported encoding")
	ErrLayerLimit  = errors.New("decompress: too many encoding layers")
	ErrMemLimit    = errors.New("decompress: lzma dictionary over memory limit")
)

// Encoding is a content coding the adapter can decode.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingGzip
	EncodingDeflate
	EncodingBrotli
	EncodingLZMA
	EncodingUnknown
)

func (e Encoding) String() string {
	switch e {
	case EncodingNone:
		return "identity"
	case EncodingGzip:
		return "gzip"
	case EncodingDeflate:
		return "deflate"
	case EncodingBrotli:
		return "br"
	case EncodingLZMA:
		return "lzma"
	}
	return "unknown"
}

// ParseEncoding maps one content coding token to an Encoding.
func ParseEncoding(token string) Encoding {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", "identity":
		return EncodingNone
	case "gzip", "x-gzip":
		return EncodingGzip
	case "deflate", "x-deflate":
		return EncodingDeflate
	case "br":
		return EncodingBrotli
	case "lzma":
		return EncodingLZMA
	}
	return EncodingUnknown
}

// ParseContentEncoding parses a Content-Encoding value into the codings
// in the order they were applied. Identity entries are dropped.
func ParseContentEncoding(value string) []Encoding {
	var out []Encoding
	for _, tok := range strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	}) {
		if e := ParseEncoding(tok); e != EncodingNone {
			out = append(out, e)
		}
	}
	return out
}

// Options bounds the work a Decompressor may do.
type Options struct {
	LayerLimit   int           `json:"layer_limit"`    // stacked codings decoded; 0 means no limit
	BombLimit    int64         `json:"bomb_limit"`     // output size after which the ratio is checked
	BombRatio    int64         `json:"bomb_ratio"`     // maximum output/input ratio past BombLimit
	TimeLimit    time.Duration `json:"time_limit"`     // cumulative decoding time; 0 means no limit
	LZMAMemLimit int           `json:"lzma_mem_limit"` // maximum LZMA dictionary; 0 disables lzma
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		LayerLimit:   2,
		BombLimit:    1 << 20,
		BombRatio:    2048,
		TimeLimit:    100 * time.Millisecond,
		LZMAMemLimit: 1 << 20,
	}
}
