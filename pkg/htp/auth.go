package htp

import (
	"encoding/base64"
	"strings"

	"github.com/burpheart/httpsift/pkg/types"
)

// AuthType is the scheme found in the Authorization header.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthBasic
	AuthDigest
	AuthBearer
	AuthUnrecognized
)

func (a AuthType) String() string {
	switch a {
	case AuthBasic:
		return "basic"
	case AuthDigest:
		return "digest"
	case AuthBearer:
		return "bearer"
	case AuthUnrecognized:
		return "unrecognized"
	}
	return "none"
}

// MarshalText renders the scheme name in JSON output.
func (a AuthType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (p *ConnectionParser) parseAuthorization(s *stream, tx *Transaction) {
	v, ok := tx.RequestHeaders.Value("authorization")
	if !ok {
		tx.RequestAuthType = AuthNone
		return
	}
	v = strings.TrimLeft(v, " \t")
	scheme, rest, _ := strings.Cut(v, " ")
	rest = strings.TrimSpace(rest)

	var valid bool
	switch strings.ToLower(scheme) {
	case "basic":
		tx.RequestAuthType = AuthBasic
		valid = parseBasicAuth(tx, rest)
	case "digest":
		tx.RequestAuthType = AuthDigest
		valid = parseDigestAuth(tx, rest)
	case "bearer":
		tx.RequestAuthType = AuthBearer
		tx.RequestAuthToken = rest
		valid = rest != ""
	default:
		tx.RequestAuthType = AuthUnrecognized
		p.log(s, LogLevelWarning, LogCodeAuthUnrecognized, "unrecognized authentication scheme")
		return
	}
	if !valid {
		tx.Flags.Set(types.FlagAuthInvalid)
		p.log(s, LogLevelWarning, LogCodeAuthInvalid, "invalid "+tx.RequestAuthType.String()+" authorization")
	}
}

// parseBasicAuth decodes "user:password" from base64. Missing padding is
// tolerated.
func parseBasicAuth(tx *Transaction, data string) bool {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return false
		}
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return false
	}
	tx.RequestAuthUsername, tx.RequestAuthPassword = user, pass
	return true
}

// parseDigestAuth extracts the quoted username parameter.
func parseDigestAuth(tx *Transaction, data string) bool {
	i := strings.Index(strings.ToLower(data), "username")
	if i < 0 {
		return false
	}
	rest := strings.TrimLeft(data[i+len("username"):], " \t")
	if !strings.HasPrefix(rest, "=") {
		return false
	}
	rest = strings.TrimLeft(rest[1:], " \t")
	user, ok := unquote(rest)
	if !ok {
		return false
	}
	tx.RequestAuthUsername = user
	return true
}

// unquote reads a quoted-string from the start of data, honouring
// backslash escapes.
func unquote(data string) (string, bool) {
	if !strings.HasPrefix(data, `"`) {
		return "", false
	}
	var b strings.Builder
	for i := 1; i < len(data); i++ {
		switch c := data[i]; c {
		case '\\':
			if i+1 < len(data) {
				i++
				b.WriteByte(data[i])
			}
		case '"':
			return b.String(), true
		default:
			b.WriteByte(c)
		}
	}
	return "", false
}
