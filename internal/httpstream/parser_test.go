package httpstream

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/httpsift/pkg/htp"
	"github.com/burpheart/httpsift/pkg/types"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n")
}

// collector keeps everything a Parser reports.
type collector struct {
	requests     []*Exchange
	responses    []*Exchange
	transactions []*Exchange
	events       []*SSEEvent
	grpc         []*GRPCMessage
}

func (c *collector) options() []ParserOption {
	return []ParserOption{
		WithOnRequest(func(ex *Exchange) { c.requests = append(c.requests, ex) }),
		WithOnResponse(func(ex *Exchange) { c.responses = append(c.responses, ex) }),
		WithOnTransaction(func(ex *Exchange) { c.transactions = append(c.transactions, ex) }),
		WithOnSSE(func(ev *SSEEvent) { c.events = append(c.events, ev) }),
		WithOnGRPC(func(msg *GRPCMessage) { c.grpc = append(c.grpc, msg) }),
	}
}

func newTestParser(t *testing.T, c *collector, opts ...ParserOption) *Parser {
	t.Helper()
	all := append(c.options(), WithEndpoints("10.0.0.1", 40000, "10.0.0.2", 80))
	return NewParser("example.com", append(all, opts...)...)
}

func TestParserConversation(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c)

	request := crlf(
		"POST /submit?q=1 HTTP/1.1",
		"Host: example.com",
		"Content-Type: application/x-www-form-urlencoded",
		"Content-Length: 7",
		"",
		"a=1&b=2",
	)
	response := crlf(
		"HTTP/1.1 200 OK",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Length: 5",
		"",
		"hello",
	)

	p.Feed(types.ClientToServer, testTime, []byte(request[:20]))
	p.Feed(types.ClientToServer, testTime, []byte(request[20:]))
	p.Feed(types.ServerToClient, testTime, []byte(response))
	p.Close(testTime)

	require.Len(t, c.requests, 1)
	require.Len(t, c.responses, 1)
	require.Len(t, c.transactions, 1)

	ex := c.transactions[0]
	assert.False(t, ex.Incomplete)
	assert.Equal(t, p.SessionID(), ex.SessionID)
	assert.Equal(t, "POST", ex.Tx.RequestMethod)
	assert.Equal(t, "/submit?q=1", ex.Tx.RequestURI)
	assert.Equal(t, 200, ex.Tx.ResponseStatusNumber)
	assert.Equal(t, "text/plain", ex.Tx.ResponseContentType)
	assert.Equal(t, []byte("a=1&b=2"), ex.RequestBody)
	assert.Equal(t, []byte("hello"), ex.ResponseBody)
	assert.Zero(t, ex.Tx.Flags)

	v, ok := ex.Tx.Params.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	conn := p.Connection()
	assert.True(t, conn.IsClosed())
	assert.Equal(t, "10.0.0.1", conn.ClientAddr)
	assert.Equal(t, 80, conn.ServerPort)
}

func TestParserResponseBeforeRequestIsQueued(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c)

	// The response arrives while the request headers are still incomplete.
	p.Feed(types.ClientToServer, testTime, []byte("GET / HTTP/1.1\r\nHost: exa"))
	p.Feed(types.ServerToClient, testTime, []byte(crlf("HTTP/1.1 204 No Content", "", "")))
	assert.Empty(t, c.responses)

	p.Feed(types.ClientToServer, testTime, []byte("mple.com\r\n\r\n"))
	p.Close(testTime)

	require.Len(t, c.transactions, 1)
	assert.Equal(t, 204, c.transactions[0].Tx.ResponseStatusNumber)
	assert.False(t, c.transactions[0].Incomplete)
}

func TestParserPipelined(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c)

	p.Feed(types.ClientToServer, testTime, []byte(
		"GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n"+
			"GET /b HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	p.Feed(types.ServerToClient, testTime, []byte(
		"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA"+
			"HTTP/1.1 404 Not Found\r\nContent-Length: 1\r\n\r\nB"))
	p.Close(testTime)

	require.Len(t, c.transactions, 2)
	assert.Equal(t, "/a", c.transactions[0].Tx.RequestURI)
	assert.Equal(t, []byte("A"), c.transactions[0].ResponseBody)
	assert.Equal(t, "/b", c.transactions[1].Tx.RequestURI)
	assert.Equal(t, 404, c.transactions[1].Tx.ResponseStatusNumber)
	assert.Equal(t, []byte("B"), c.transactions[1].ResponseBody)
}

func TestParserIncompleteOnClose(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c)

	p.Feed(types.ClientToServer, testTime, []byte("GET /slow HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	p.Close(testTime)
	p.Close(testTime)

	require.Len(t, c.transactions, 1)
	ex := c.transactions[0]
	assert.True(t, ex.Incomplete)
	assert.Equal(t, "/slow", ex.Tx.RequestURI)
	assert.Equal(t, htp.ResponseNotStarted, ex.Tx.ResponseProgress)
}

func TestParserFlagsAnomalies(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c)

	p.Feed(types.ClientToServer, testTime, []byte("GET / HTTP/1.1\r\n\r\n"))
	p.Feed(types.ServerToClient, testTime, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	p.Close(testTime)

	require.Len(t, c.transactions, 1)
	assert.True(t, c.transactions[0].Tx.Flags.Has(types.FlagHostMissing))
}

func TestParserGap(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c)

	p.Feed(types.ClientToServer, testTime, []byte("GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	p.Feed(types.ServerToClient, testTime, []byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"))
	p.Gap(types.ServerToClient, testTime)
	p.Gap(types.ServerToClient, testTime)
	assert.Equal(t, types.StatusError, p.Feed(types.ServerToClient, testTime, []byte("defg")))
	p.Close(testTime)

	require.Len(t, c.transactions, 1)
	ex := c.transactions[0]
	assert.True(t, ex.Tx.Flags.HasAll(types.FlagStreamGap|types.FlagBodyTruncated))
	assert.Equal(t, types.FlagStreamGap, ex.Conn.Flags&types.FlagStreamGap)
	assert.Equal(t, []byte("abc"), ex.ResponseBody)
}

func TestParserFeedAfterClose(t *testing.T) {
	p := newTestParser(t, &collector{})
	p.Close(testTime)
	assert.Equal(t, types.StatusError, p.Feed(types.ClientToServer, testTime, []byte("GET / HTTP/1.1\r\n")))
}

func TestParserEmptyFeedEndsDirection(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c)

	p.Feed(types.ClientToServer, testTime, []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	assert.Equal(t, types.StatusOK, p.Feed(types.ClientToServer, testTime, nil))
	assert.Equal(t, types.StatusError, p.Feed(types.ClientToServer, testTime, []byte("x")))

	// The response direction is still open.
	p.Feed(types.ServerToClient, testTime, []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	p.Close(testTime)

	require.Len(t, c.transactions, 1)
	assert.Equal(t, []byte("ok"), c.transactions[0].ResponseBody)
}

func TestParserBodyLimit(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c, WithBodyLimit(4))

	p.Feed(types.ClientToServer, testTime, []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	p.Feed(types.ServerToClient, testTime, []byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n0123456789"))
	p.Close(testTime)

	require.Len(t, c.transactions, 1)
	ex := c.transactions[0]
	assert.Equal(t, []byte("0123"), ex.ResponseBody)
	assert.True(t, ex.ResponseBodyTruncated)
	assert.Equal(t, int64(10), ex.Tx.ResponseEntityLen)
}

func TestParserServerSentEvents(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c)

	p.Feed(types.ClientToServer, testTime, []byte("GET /events HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	p.Feed(types.ServerToClient, testTime, []byte(crlf(
		"HTTP/1.1 200 OK",
		"Content-Type: text/event-stream",
		"Transfer-Encoding: chunked",
		"",
		"",
	)))
	p.Feed(types.ServerToClient, testTime, []byte("12\r\nid: 1\ndata: hello\n\r\n"))
	assert.Len(t, c.events, 0)
	p.Feed(types.ServerToClient, testTime, []byte("1\r\n\n\r\n"))
	require.Len(t, c.events, 1)
	p.Feed(types.ServerToClient, testTime, []byte("c\r\ndata: last\n\n\r\n0\r\n\r\n"))
	p.Close(testTime)

	require.Len(t, c.events, 2)
	assert.Equal(t, "1", c.events[0].ID)
	assert.Equal(t, "hello", c.events[0].Data)
	assert.Equal(t, "last", c.events[1].Data)
	assert.Equal(t, "1", c.events[1].ID)
}

func TestParserTLSIsNotParsed(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c)

	assert.Equal(t, types.StatusOK, p.Feed(types.ClientToServer, testTime, clientHello("api.example.com")))
	p.Feed(types.ServerToClient, testTime, []byte{0x16, 0x03, 0x03, 0x00, 0x02, 0x02, 0x00})
	p.Close(testTime)

	isTLS, sni := p.TLS()
	assert.True(t, isTLS)
	assert.Equal(t, "api.example.com", sni)
	assert.Empty(t, c.transactions)
	assert.Empty(t, p.Connection().Transactions())
}

func TestParserChainsUserHooks(t *testing.T) {
	var order []string
	cfg := htp.NewConfig(htp.WithHooks(htp.Hooks{
		RequestHeaders: func(tx *htp.Transaction) types.Status {
			order = append(order, "user")
			return types.StatusOK
		},
	}))

	p := NewParser("example.com",
		WithEngineConfig(cfg),
		WithOnRequest(func(*Exchange) { order = append(order, "session") }),
	)
	p.Feed(types.ClientToServer, testTime, []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	p.Close(testTime)

	assert.Equal(t, []string{"session", "user"}, order)
	assert.Nil(t, cfg.Hooks.ResponseHeaders)
}

func TestParserGRPC(t *testing.T) {
	c := &collector{}
	p := newTestParser(t, c)

	frame := grpcFrame(protoMessage("hi", 150))
	p.Feed(types.ClientToServer, testTime, []byte(crlf(
		"POST /demo.Echo/Say HTTP/1.1",
		"Host: example.com",
		"Content-Type: application/grpc",
		fmt.Sprintf("Content-Length: %d", len(frame)),
		"",
		string(frame),
	)))
	p.Feed(types.ServerToClient, testTime, []byte(crlf(
		"HTTP/1.1 200 OK",
		"Content-Type: application/grpc",
		"Transfer-Encoding: chunked",
		"",
		fmt.Sprintf("%x", len(frame)),
		string(frame),
		"0",
		"grpc-status: 5",
		"grpc-message: missing",
		"",
		"",
	)))
	p.Close(testTime)

	require.Len(t, c.grpc, 2)
	assert.Equal(t, "demo.Echo", c.grpc[0].Service)
	assert.Equal(t, "Say", c.grpc[0].Method)
	assert.Equal(t, types.ClientToServer, c.grpc[0].Direction)
	assert.Equal(t, `{"1":"hi","2":150}`, c.grpc[0].JSON)
	assert.Equal(t, types.ServerToClient, c.grpc[1].Direction)

	require.Len(t, c.transactions, 1)
	st, ok := StatusOf(c.transactions[0].Tx)
	require.True(t, ok)
	assert.Equal(t, "NotFound", st.Name)
	assert.Equal(t, "missing", st.Message)
}

func TestParserWithRecorderSession(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorderTo(&buf)
	session := rec.NewSession("example.com")

	p := NewParser("example.com", WithParserLogger(session), WithSessionID(session.ID))
	p.Feed(types.ClientToServer, testTime, []byte("GET / HTTP/1.1\r\n\r\n"))
	p.Feed(types.ServerToClient, testTime, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	p.Close(testTime)

	assert.Equal(t, session.ID, p.SessionID())
	assert.Equal(t, int64(1), rec.AnomalyCount())
	assert.Contains(t, buf.String(), `"type":"transaction"`)
	assert.Contains(t, buf.String(), "HOST_MISSING")
}

func TestParserForward(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backend.Close()

	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		req.Body.Close()
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 4\r\nConnection: close\r\n\r\npong")
	}()

	front, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer front.Close()

	c := &collector{}
	done := make(chan error, 1)
	go func() {
		client, err := front.Accept()
		if err != nil {
			done <- err
			return
		}
		defer client.Close()
		server, err := net.Dial("tcp", backend.Addr().String())
		if err != nil {
			done <- err
			return
		}
		defer server.Close()
		done <- newTestParser(t, c).Forward(client, server)
	}()

	conn, err := net.Dial("tcp", front.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET /ping HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)
	conn.(*net.TCPConn).CloseWrite()

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(reply), "pong"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("forward did not finish")
	}

	require.Len(t, c.transactions, 1)
	assert.Equal(t, "/ping", c.transactions[0].Tx.RequestURI)
	assert.Equal(t, []byte("pong"), c.transactions[0].ResponseBody)
}

// clientHello builds a minimal TLS 1.2 ClientHello carrying sni.
func clientHello(sni string) []byte {
	var ext []byte
	name := append([]byte{0}, be16(len(sni))...)
	name = append(name, sni...)
	list := append(be16(len(name)), name...)
	ext = append(ext, 0, 0)
	ext = append(ext, be16(len(list))...)
	ext = append(ext, list...)

	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0)             // session id
	body = append(body, 0, 2, 0x13, 1) // cipher suites
	body = append(body, 1, 0)          // compression methods
	body = append(body, be16(len(ext))...)
	body = append(body, ext...)

	hs := []byte{tlsHandshakeClientHello, 0, byte(len(body) >> 8), byte(len(body))}
	hs = append(hs, body...)

	rec := []byte{tlsRecordTypeHandshake, 0x03, 0x01}
	rec = append(rec, be16(len(hs))...)
	return append(rec, hs...)
}

func be16(n int) []byte {
	return binary.BigEndian.AppendUint16(nil, uint16(n))
}
