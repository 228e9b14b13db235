package htp

import (
	"strings"

	"github.com/burpheart/httpsift/pkg/normalize"
)

// parseCookies splits a Cookie header into name/value pairs. Cookies
// without a name are dropped; a cookie without '=' gets an empty value.
func parseCookies(header string) Params {
	var out Params
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimLeftFunc(part, func(r rune) bool {
			return r < 0x80 && normalize.IsSpace(byte(r))
		})
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		if name == "" {
			continue
		}
		out = append(out, Param{Name: name, Value: value, Source: SourceCookie})
	}
	return out
}
