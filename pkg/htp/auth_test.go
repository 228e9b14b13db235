package htp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/burpheart/httpsift/pkg/types"
)

func TestParseCookies(t *testing.T) {
	got := parseCookies("a=1; b=2;  c; =skip;d=x=y;")
	assert.Equal(t, Params{
		{Name: "a", Value: "1", Source: SourceCookie},
		{Name: "b", Value: "2", Source: SourceCookie},
		{Name: "c", Value: "", Source: SourceCookie},
		{Name: "d", Value: "x=y", Source: SourceCookie},
	}, got)
	assert.Empty(t, parseCookies(""))
}

func TestAuthorization(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		typ      AuthType
		user     string
		password string
		token    string
		invalid  bool
	}{
		{name: "basic", header: "Basic dXNlcjpwYXNz", typ: AuthBasic, user: "user", password: "pass"},
		{name: "basic unpadded", header: "basic dXNlcjpwYXNzMQ", typ: AuthBasic, user: "user", password: "pass1"},
		{name: "basic no colon", header: "Basic dXNlcg==", typ: AuthBasic, invalid: true},
		{name: "basic garbage", header: "Basic !!!", typ: AuthBasic, invalid: true},
		{name: "digest", header: `Digest username="bob", realm="r", nonce="n"`, typ: AuthDigest, user: "bob"},
		{name: "digest escaped", header: `Digest realm="r", username = "b\"ob"`, typ: AuthDigest, user: `b"ob`},
		{name: "digest unterminated", header: `Digest username="bob`, typ: AuthDigest, invalid: true},
		{name: "digest missing", header: `Digest realm="r"`, typ: AuthDigest, invalid: true},
		{name: "bearer", header: "Bearer abc.def.ghi", typ: AuthBearer, token: "abc.def.ghi"},
		{name: "bearer empty", header: "Bearer", typ: AuthBearer, invalid: true},
		{name: "other", header: "Negotiate abc", typ: AuthUnrecognized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := run(t, []event{req(crlf("GET / HTTP/1.0", "Authorization: "+tt.header, "", ""))})
			tx := onlyTx(t, conn)
			assert.Equal(t, tt.typ, tx.RequestAuthType)
			assert.Equal(t, tt.user, tx.RequestAuthUsername)
			assert.Equal(t, tt.password, tx.RequestAuthPassword)
			assert.Equal(t, tt.token, tx.RequestAuthToken)
			assert.Equal(t, tt.invalid, tx.Flags.Has(types.FlagAuthInvalid))
		})
	}
}

func TestAuthorizationDisabled(t *testing.T) {
	conn := run(t, []event{req(crlf("GET / HTTP/1.0", "Authorization: Basic dXNlcjpwYXNz", "", ""))},
		WithParseRequestAuth(false))
	tx := onlyTx(t, conn)
	assert.Equal(t, AuthNone, tx.RequestAuthType)
	assert.Empty(t, tx.RequestAuthUsername)
}
