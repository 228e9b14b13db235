package normalize

import (
	"bytes"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"
)

// HostPort is a parsed authority.
type HostPort struct {
	Host       string // lowercased hostname, brackets kept for IPv6
	Port       string // raw port text, empty when absent
	PortNumber int    // -1 when absent or invalid
	Valid      bool
}

// ParseHostPort splits "host[:port]" with surrounding whitespace
// tolerated. IPv6 literals must be bracketed. A present but empty or
// non-numeric port, a port outside 1-65535 or an invalid hostname make
// the result invalid; the parsed parts are still returned.
func ParseHostPort(data []byte) HostPort {
	res := HostPort{PortNumber: -1}
	data = TrimSpace(data)
	if len(data) == 0 {
		return res
	}

	var host, rest []byte
	hasPort := false
	if data[0] == '[' {
		end := bytes.IndexByte(data, ']')
		if end < 0 {
			res.Host = strings.ToLower(string(data))
			return res
		}
		host = data[:end+1]
		rest = TrimSpace(data[end+1:])
		if len(rest) > 0 {
			if rest[0] != ':' {
				res.Host = strings.ToLower(string(host))
				return res
			}
			hasPort = true
			rest = TrimSpace(rest[1:])
		}
	} else if colon := bytes.IndexByte(data, ':'); colon >= 0 {
		host = TrimSpace(data[:colon])
		rest = TrimSpace(data[colon+1:])
		hasPort = true
	} else {
		host = data
	}

	res.Host = strings.ToLower(string(host))
	res.Valid = ValidateHostname(host)
	if hasPort {
		res.Port = string(rest)
		res.PortNumber = ParsePort(rest)
		if res.PortNumber < 0 {
			res.Valid = false
		}
	}
	return res
}

// ParsePort parses a TCP port number in 1-65535, or returns -1.
func ParsePort(data []byte) int {
	data = TrimSpace(data)
	if len(data) == 0 || len(data) > 5 {
		return -1
	}
	v := 0
	for _, c := range data {
		if c < '0' || c > '9' {
			return -1
		}
		v = v*10 + int(c-'0')
	}
	if v < 1 || v > 65535 {
		return -1
	}
	return v
}

// ValidateHostname checks a hostname for RFC 1123 shape. Bracketed IPv6
// literals may contain only hex digits, ':' and '.'. A single trailing dot
// is allowed; empty labels and labels over 63 bytes are not.
// Internationalized names must convert to ASCII.
func ValidateHostname(host []byte) bool {
	if len(host) == 0 || len(host) > 255 {
		return false
	}
	if host[0] == '[' {
		if len(host) < 3 || host[len(host)-1] != ']' {
			return false
		}
		for _, c := range host[1 : len(host)-1] {
			if !isHex(c) && c != ':' && c != '.' {
				return false
			}
		}
		return true
	}

	name := string(host)
	for _, c := range host {
		if c >= 0x80 {
			ascii, err := idna.Lookup.ToASCII(name)
			if err != nil {
				return false
			}
			name = ascii
			break
		}
	}
	if !httpguts.ValidHostHeader(name) {
		return false
	}

	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
				return false
			}
		}
	}
	return true
}
