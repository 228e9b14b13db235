package normalize

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/burpheart/httpsift/pkg/types"
)

// BestFit maps a code point to the single byte a Windows-1252 server
// would see: ASCII passes through, code points with a 1252 encoding use
// it, others fall back to the ASCII base of their compatibility
// decomposition (U+0107 becomes 'c', U+FF5D becomes '}'). Anything else
// becomes repl.
func BestFit(r rune, repl byte) byte {
	if r < 0x80 {
		return byte(r)
	}
	if b, ok := charmap.Windows1252.EncodeRune(r); ok {
		return b
	}
	if d := []rune(norm.NFKD.String(string(r))); len(d) > 0 && d[0] > 0 && d[0] < 0x80 {
		return byte(d[0])
	}
	return repl
}

// UTF8Result describes a UTF-8 validation pass over a decoded path.
type UTF8Result struct {
	Flags    types.Flags
	Valid    int // well formed multi-byte sequences
	Invalid  int // bytes that do not start a well formed sequence
	Overlong int // sequences longer than their code point needs
}

// ValidateUTF8Path inspects a decoded path for UTF-8 evasions. Overlong
// sequences and half/full-width forms are flagged; a path mixing well
// formed multi-byte sequences with invalid bytes also gets
// PATH_UTF8_MIXED. When cfg.UTF8ConvertBestFit is set the returned path
// has every sequence replaced by its best-fit byte (overlong sequences by
// the code point they spell, invalid bytes by the replacement byte);
// otherwise the input is returned unchanged.
func ValidateUTF8Path(cfg *Config, path []byte) ([]byte, UTF8Result) {
	var res UTF8Result
	var out []byte
	if cfg.UTF8ConvertBestFit {
		out = make([]byte, 0, len(path))
	}
	i := 0
	for i < len(path) {
		c := path[i]
		if c < 0x80 {
			if out != nil {
				out = append(out, c)
			}
			i++
			continue
		}
		r, n, overlong := decodeRuneLax(path[i:])
		if n == 0 {
			res.Invalid++
			if out != nil {
				out = append(out, cfg.BestFitReplacement)
			}
			i++
			continue
		}
		if overlong {
			res.Overlong++
		} else {
			res.Valid++
		}
		if r >= 0xff00 && r <= 0xffef {
			res.Flags |= types.FlagPathHalfFullRange
		}
		if out != nil {
			out = append(out, BestFit(r, cfg.BestFitReplacement))
		}
		i += n
	}

	if res.Overlong > 0 {
		res.Flags |= types.FlagPathUTF8Overlong
	}
	switch {
	case res.Invalid > 0 && res.Valid > 0:
		res.Flags |= types.FlagPathUTF8Invalid | types.FlagPathUTF8Mixed
	case res.Invalid > 0:
		res.Flags |= types.FlagPathUTF8Invalid
	case res.Valid > 0:
		res.Flags |= types.FlagPathUTF8Valid
	}

	if out == nil {
		return path, res
	}
	return out, res
}

// decodeRuneLax decodes one multi-byte sequence, accepting overlong forms
// that utf8.DecodeRune rejects. n is 0 when the bytes are not a sequence.
func decodeRuneLax(p []byte) (r rune, n int, overlong bool) {
	c := p[0]
	var min rune
	switch {
	case c&0xe0 == 0xc0:
		n, r, min = 2, rune(c&0x1f), 0x80
	case c&0xf0 == 0xe0:
		n, r, min = 3, rune(c&0x0f), 0x800
	case c&0xf8 == 0xf0:
		n, r, min = 4, rune(c&0x07), 0x10000
	default:
		return 0, 0, false
	}
	if len(p) < n {
		return 0, 0, false
	}
	for k := 1; k < n; k++ {
		if p[k]&0xc0 != 0x80 {
			return 0, 0, false
		}
		r = r<<6 | rune(p[k]&0x3f)
	}
	if r > utf8.MaxRune || (r >= 0xd800 && r <= 0xdfff) {
		return 0, 0, false
	}
	return r, n, r < min
}
