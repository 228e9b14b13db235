package normalize

import "bytes"

// CompressSeparators collapses runs of '/' into a single slash.
func CompressSeparators(path []byte) []byte {
	if !bytes.Contains(path, []byte("//")) {
		return path
	}
	out := make([]byte, 0, len(path))
	for i, c := range path {
		if c == '/' && i > 0 && path[i-1] == '/' {
			continue
		}
		out = append(out, c)
	}
	return out
}

// RemoveDotSegments resolves "." and ".." segments (RFC 3986 5.2.4).
// A trailing "/." or "/.." leaves no trailing slash, and a relative path
// never gains a leading slash: "one/.." normalizes to "".
func RemoveDotSegments(path []byte) []byte {
	absolute := len(path) > 0 && path[0] == '/'
	in := path
	out := make([]byte, 0, len(path))

	for len(in) > 0 {
		switch {
		// A: "../" or "./" prefix
		case bytes.HasPrefix(in, []byte("../")):
			in = in[3:]
		case bytes.HasPrefix(in, []byte("./")):
			in = in[2:]
		// B: "/./" or a trailing "/."
		case bytes.HasPrefix(in, []byte("/./")):
			in = in[2:]
		case bytes.Equal(in, []byte("/.")):
			in = in[:0]
		// C: "/../" or a trailing "/.."
		case bytes.HasPrefix(in, []byte("/../")):
			in = in[3:]
			out = dropLastSegment(out)
		case bytes.Equal(in, []byte("/..")):
			in = in[:0]
			out = dropLastSegment(out)
		// D: lone "." or ".."
		case bytes.Equal(in, []byte(".")), bytes.Equal(in, []byte("..")):
			in = in[:0]
		// E: move the first segment
		default:
			start := 0
			if in[0] == '/' {
				start = 1
			}
			end := bytes.IndexByte(in[start:], '/')
			if end < 0 {
				end = len(in)
			} else {
				end += start
			}
			seg := in[:end]
			if len(out) == 0 && !absolute && seg[0] == '/' {
				seg = seg[1:]
			}
			out = append(out, seg...)
			in = in[end:]
		}
	}
	if absolute && len(out) == 0 {
		out = append(out, '/')
	}
	return out
}

func dropLastSegment(out []byte) []byte {
	i := bytes.LastIndexByte(out, '/')
	if i < 0 {
		return out[:0]
	}
	return out[:i]
}

// NormalizePath runs the full path pipeline: percent decoding, UTF-8
// validation with optional best-fit conversion, dot-segment removal and
// separator compression. Flags from every stage are merged.
func NormalizePath(cfg *Config, raw []byte) ([]byte, UTF8Result) {
	decoded, flags := DecodePath(cfg, raw)
	converted, res := ValidateUTF8Path(cfg, decoded)
	res.Flags |= flags
	out := RemoveDotSegments(converted)
	if cfg.PathSeparatorsCompress {
		out = CompressSeparators(out)
	}
	return out, res
}
