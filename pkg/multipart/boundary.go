package multipart

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/burpheart/httpsift/pkg/normalize"
)

// ErrNoBoundary is returned when a Content-Type carries no usable boundary.
var ErrNoBoundary = errors.New("multipart: no boundary")

// IsFormData reports whether a Content-Type value is multipart/form-data.
func IsFormData(contentType []byte) bool {
	ct := normalize.TrimLWS(contentType)
	const prefix = "multipart/form-data"
	return len(ct) >= len(prefix) && bytes.EqualFold(ct[:len(prefix)], []byte(prefix))
}

// FindBoundary extracts the boundary parameter from a multipart
// Content-Type value. The returned flags describe how the parameter was
// written; a boundary is returned even when it is flagged invalid, as long
// as it is not empty.
func FindBoundary(contentType []byte) (string, Flags, error) {
	var flags Flags
	lower := bytes.ToLower(contentType)
	key := []byte("boundary")

	pos := bytes.Index(lower, key)
	if pos < 0 {
		return "", 0, ErrNoBoundary
	}
	if bytes.Count(lower, key) > 1 {
		flags |= FlagHBoundaryInvalid
	}
	if !bytes.Equal(contentType[pos:pos+len(key)], key) {
		flags |= FlagHBoundaryUnusual
	}

	// The parameter must follow a separator.
	before := pos - 1
	for before >= 0 && normalize.IsLWS(contentType[before]) {
		before--
	}
	switch {
	case before < 0:
		flags |= FlagHBoundaryInvalid
	case contentType[before] == ',':
		flags |= FlagHBoundaryUnusual
	case contentType[before] != ';':
		flags |= FlagHBoundaryInvalid
	}

	rest := contentType[pos+len(key):]
	if trimmed := trimLeftLWS(rest); len(trimmed) != len(rest) {
		flags |= FlagHBoundaryUnusual
		rest = trimmed
	}
	if len(rest) == 0 || rest[0] != '=' {
		return "", flags | FlagHBoundaryInvalid, ErrNoBoundary
	}
	rest = rest[1:]
	if trimmed := trimLeftLWS(rest); len(trimmed) != len(rest) {
		flags |= FlagHBoundaryUnusual
		rest = trimmed
	}

	var value []byte
	if len(rest) > 0 && rest[0] == '"' {
		flags |= FlagHBoundaryQuoted
		end := bytes.IndexByte(rest[1:], '"')
		if end < 0 {
			flags |= FlagHBoundaryInvalid
			value = rest[1:]
		} else {
			value = rest[1 : end+1]
		}
	} else {
		end := 0
		for end < len(rest) && rest[end] != ';' && rest[end] != ',' && !normalize.IsLWS(rest[end]) {
			end++
		}
		value = rest[:end]
		if tail := trimLeftLWS(rest[end:]); len(tail) > 0 && tail[0] != ';' && tail[0] != ',' {
			flags |= FlagHBoundaryInvalid
		}
	}

	if len(value) == 0 {
		return "", flags | FlagHBoundaryInvalid, ErrNoBoundary
	}
	flags |= validateBoundary(value)
	return string(value), flags, nil
}

// validateBoundary checks boundary characters against RFC 2046 bchars.
func validateBoundary(b []byte) Flags {
	var flags Flags
	if len(b) > 70 || b[len(b)-1] == ' ' {
		flags |= FlagHBoundaryInvalid
	}
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-':
		case bytes.IndexByte([]byte("'()+_,./:=? "), c) >= 0:
			flags |= FlagHBoundaryUnusual
		default:
			flags |= FlagHBoundaryInvalid
		}
	}
	return flags
}

func trimLeftLWS(b []byte) []byte {
	for len(b) > 0 && normalize.IsLWS(b[0]) {
		b = b[1:]
	}
	return b
}
