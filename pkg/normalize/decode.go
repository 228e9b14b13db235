package normalize

import (
	"github.com/burpheart/httpsift/pkg/types"
)

// contextFlags maps decoder findings onto the flags of one context.
type contextFlags struct {
	encodedNUL      types.Flags
	rawNUL          types.Flags
	invalidEncoding types.Flags
	overlongU       types.Flags
	halfFullRange   types.Flags
}

var (
	pathFlags = contextFlags{
		encodedNUL:      types.FlagPathEncodedNUL,
		rawNUL:          types.FlagPathRawNUL,
		invalidEncoding: types.FlagPathInvalidEncoding,
		overlongU:       types.FlagPathOverlongU,
		halfFullRange:   types.FlagPathHalfFullRange,
	}
	urlenFlags = contextFlags{
		encodedNUL:      types.FlagURLEnEncodedNUL,
		rawNUL:          types.FlagURLEnRawNUL,
		invalidEncoding: types.FlagURLEnInvalidEncoding,
		overlongU:       types.FlagURLEnOverlongU,
		halfFullRange:   types.FlagURLEnHalfFullRange,
	}
)

// decoder carries the state of one decoding pass.
type decoder struct {
	cfg   *Config
	fl    contextFlags
	path  bool
	out   []byte
	flags types.Flags
}

// DecodePath percent-decodes a URI path. Encoded separators are kept
// encoded unless PathSeparatorsDecode is set, backslashes become slashes
// when configured, and repeated slashes are compressed when configured.
func DecodePath(cfg *Config, in []byte) ([]byte, types.Flags) {
	d := decoder{cfg: cfg, fl: pathFlags, path: true, out: make([]byte, 0, len(in))}
	d.run(in)
	out := d.out
	if cfg.PathSeparatorsCompress {
		out = CompressSeparators(out)
	}
	return out, d.flags
}

// DecodeURLEncoded percent-decodes a query or form field. '+' becomes a
// space when PlusSpaceDecode is set.
func DecodeURLEncoded(cfg *Config, in []byte) ([]byte, types.Flags) {
	d := decoder{cfg: cfg, fl: urlenFlags, out: make([]byte, 0, len(in))}
	d.run(in)
	return d.out, d.flags
}

func (d *decoder) run(in []byte) {
	cfg := d.cfg
	i := 0
	for i < len(in) {
		c := in[i]
		if c != '%' {
			if c == 0 {
				d.flags |= d.fl.rawNUL
				if cfg.NulRawTerminates {
					return
				}
			}
			if d.path && c == '\\' && cfg.BackslashConvertSlashes {
				c = '/'
			}
			if !d.path && c == '+' && cfg.PlusSpaceDecode {
				c = ' '
			}
			d.emit(c)
			i++
			continue
		}

		// %uHHHH
		if cfg.UEncodingDecode && i+1 < len(in) && (in[i+1] == 'u' || in[i+1] == 'U') {
			if i+6 <= len(in) && isHex(in[i+2]) && isHex(in[i+3]) && isHex(in[i+4]) && isHex(in[i+5]) {
				c1 := hexByte(in[i+2], in[i+3])
				c2 := hexByte(in[i+4], in[i+5])
				if !d.decoded(d.decodeU(c1, c2), in[i:i+6]) {
					return
				}
				i += 6
				continue
			}
			d.flags |= d.fl.invalidEncoding
			switch cfg.InvalidHandling {
			case RemovePercent:
				i++
			case ProcessInvalid:
				if i+6 <= len(in) {
					c1 := laxHex(in[i+2], in[i+3])
					c2 := laxHex(in[i+4], in[i+5])
					if !d.decoded(d.decodeU(c1, c2), in[i:i+6]) {
						return
					}
					i += 6
				} else {
					d.out = append(d.out, '%')
					i++
				}
			default:
				d.out = append(d.out, '%')
				i++
			}
			continue
		}

		// %HH
		if i+3 <= len(in) && isHex(in[i+1]) && isHex(in[i+2]) {
			if !d.decoded(hexByte(in[i+1], in[i+2]), in[i:i+3]) {
				return
			}
			i += 3
			continue
		}
		d.flags |= d.fl.invalidEncoding
		switch cfg.InvalidHandling {
		case RemovePercent:
			i++
		case ProcessInvalid:
			if i+3 <= len(in) {
				if !d.decoded(laxHex(in[i+1], in[i+2]), in[i:i+3]) {
					return
				}
				i += 3
			} else {
				d.out = append(d.out, '%')
				i++
			}
		default:
			d.out = append(d.out, '%')
			i++
		}
	}
}

// decoded handles one byte produced by a percent sequence. It reports
// false when decoding must stop at an encoded NUL.
func (d *decoder) decoded(c byte, raw []byte) bool {
	if c == 0 {
		d.flags |= d.fl.encodedNUL
		if d.cfg.NulEncodedTerminates {
			return false
		}
	}
	if d.path && (c == '/' || (c == '\\' && d.cfg.BackslashConvertSlashes)) {
		d.flags |= types.FlagPathEncodedSeparator
		if !d.cfg.PathSeparatorsDecode {
			d.out = append(d.out, raw...)
			return true
		}
		c = '/'
	}
	d.emit(c)
	return true
}

// decodeU converts the two bytes of a %u sequence into a single byte.
func (d *decoder) decodeU(c1, c2 byte) byte {
	if c1 == 0 {
		d.flags |= d.fl.overlongU
		return c2
	}
	if c1 == 0xff {
		d.flags |= d.fl.halfFullRange
	}
	return BestFit(rune(c1)<<8|rune(c2), d.cfg.BestFitReplacement)
}

func (d *decoder) emit(c byte) {
	if d.cfg.ConvertLowercase && c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	d.out = append(d.out, c)
}

func hexByte(hi, lo byte) byte {
	h, _ := hexValue(hi)
	l, _ := hexValue(lo)
	return h<<4 | l
}
