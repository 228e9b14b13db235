package httpstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectTLS(t *testing.T) {
	hello := clientHello("api.example.com")

	ok, sni := DetectTLS(hello)
	assert.True(t, ok)
	assert.Equal(t, "api.example.com", sni)

	// The first segment may hold only part of the handshake.
	ok, sni = DetectTLS(hello[:20])
	assert.True(t, ok)
	assert.Empty(t, sni)

	ok, _ = DetectTLS([]byte("GET / HTTP/1.1\r\n\r\n"))
	assert.False(t, ok)
}

func TestDetectTLSRejectsBadServerName(t *testing.T) {
	ok, sni := DetectTLS(clientHello("bad name!"))
	assert.True(t, ok)
	assert.Empty(t, sni)
}

func TestIsTLSClientHello(t *testing.T) {
	assert.True(t, IsTLSClientHello([]byte{0x16, 0x03, 0x01, 0x00, 0x10, 0x01}))
	assert.False(t, IsTLSClientHello([]byte{0x16, 0x03, 0x01, 0x00, 0x10, 0x02}))
	assert.False(t, IsTLSClientHello([]byte{0x16, 0x02, 0x00, 0x00, 0x10, 0x01}))
	assert.False(t, IsTLSClientHello([]byte{0x16, 0x03}))
}
