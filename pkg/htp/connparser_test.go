package htp

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/httpsift/pkg/types"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// event is one piece of a recorded conversation.
type event struct {
	dir  types.Direction
	data string
}

func req(data ...string) event { return event{types.ClientToServer, strings.Join(data, "")} }
func res(data ...string) event { return event{types.ServerToClient, strings.Join(data, "")} }

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n")
}

// driver feeds a parser the way a capture loop does: data refused with
// StatusDataOther or StatusStop stays queued and is offered again after
// the other direction made progress.
type driver struct {
	t       *testing.T
	p       *ConnectionParser
	pending [2][]byte
}

func newDriver(t *testing.T, opts ...ConfigOption) *driver {
	t.Helper()
	p := NewConnectionParser(NewConfig(opts...))
	p.Open("10.0.0.1", 40000, "10.0.0.2", 80, testTime)
	return &driver{t: t, p: p}
}

func (d *driver) feed(dir types.Direction, data []byte) {
	d.pending[dir] = append(d.pending[dir], data...)
	d.flush()
}

func (d *driver) flush() {
	for progress := true; progress; {
		progress = false
		for _, dir := range []types.Direction{types.ClientToServer, types.ServerToClient} {
			data := d.pending[dir]
			if len(data) == 0 {
				continue
			}
			var st types.Status
			var n int
			if dir == types.ClientToServer {
				st, n = d.p.FeedRequest(testTime, data), d.p.RequestDataConsumed()
			} else {
				st, n = d.p.FeedResponse(testTime, data), d.p.ResponseDataConsumed()
			}
			if st == types.StatusError {
				d.pending[dir] = nil
				continue
			}
			d.pending[dir] = data[n:]
			if n > 0 {
				progress = true
			}
		}
	}
}

func (d *driver) close() {
	d.flush()
	d.p.FeedRequest(testTime, nil)
	d.flush()
	d.p.FeedResponse(testTime, nil)
	d.p.conn.ClosedAt = testTime
}

// play runs events through a parser, cutting every event into pieces
// chosen by split.
func play(t *testing.T, events []event, split func([]byte) [][]byte, opts ...ConfigOption) *Connection {
	t.Helper()
	d := newDriver(t, opts...)
	for _, ev := range events {
		for _, piece := range split([]byte(ev.data)) {
			d.feed(ev.dir, piece)
		}
	}
	d.close()
	return d.p.Connection()
}

func whole(data []byte) [][]byte { return [][]byte{data} }

func bytewise(data []byte) [][]byte {
	out := make([][]byte, len(data))
	for i := range data {
		out[i] = data[i : i+1]
	}
	return out
}

func randomSplit(seed int64) func([]byte) [][]byte {
	rnd := rand.New(rand.NewSource(seed))
	return func(data []byte) [][]byte {
		var out [][]byte
		for len(data) > 0 {
			n := 1 + rnd.Intn(7)
			if n > len(data) {
				n = len(data)
			}
			out = append(out, data[:n])
			data = data[n:]
		}
		return out
	}
}

func run(t *testing.T, events []event, opts ...ConfigOption) *Connection {
	t.Helper()
	return play(t, events, whole, opts...)
}

// snapshot renders the final stream states and the transactions without the flags that legitimately
// depend on how the data was cut.
func snapshot(t *testing.T, conn *Connection) string {
	t.Helper()
	var txs []Transaction
	for _, tx := range conn.Transactions() {
		c := *tx
		c.Flags &^= types.FlagMultiPacketHead
		txs = append(txs, c)
	}
	out, err := json.Marshal(struct {
		Request  StreamState
		Response StreamState
		Txs      []Transaction
	}{conn.RequestState, conn.ResponseState, txs})
	require.NoError(t, err)
	return string(out)
}

func gzipped(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.String()
}

func conversation(t *testing.T) []event {
	body := gzipped(t, "<html>compressed hello</html>")
	return []event{
		req(crlf(
			"GET /index.html?x=1&y=%41 HTTP/1.1",
			"Host: www.example.com",
			"Cookie: session=abc; theme=dark",
			"",
			"POST /form HTTP/1.1",
			"Host: www.example.com",
			"Content-Type: application/x-www-form-urlencoded",
			"Transfer-Encoding: chunked",
			"",
			"5",
			"a=1&b",
			"3",
			"=22",
			"0",
			"",
			"",
		)),
		res(crlf(
			"HTTP/1.1 200 OK",
			"Content-Length: 5",
			"X-Folded: one",
			" two",
			"",
			"hello",
		)),
		res(crlf(
			"HTTP/1.1 200 OK",
			"Transfer-Encoding: chunked",
			"Content-Encoding: gzip",
			"",
			fmt.Sprintf("%x", len(body)),
			body,
			"0",
			"",
			"",
		)),
	}
}

// fixtures are conversations whose outcome must not depend on how the
// capture cut them.
func fixtures(t *testing.T) map[string][]event {
	plain := "garbage that was never compressed"
	part := crlf(
		"--XyZ",
		`Content-Disposition: form-data; name="a"`,
		"",
		"1",
		"--XyZ",
		`Content-Disposition: form-data; name="f"; filename="x.txt"`,
		"Content-Type: text/plain",
		"",
		"file contents",
		"--XyZ--",
		"",
	)
	return map[string][]event{
		"conversation": conversation(t),
		"decompression failure": {
			req(crlf("GET /z HTTP/1.1", "Host: x", "", "")),
			res(crlf("HTTP/1.1 200 OK", "Content-Encoding: gzip", fmt.Sprintf("Content-Length: %d", len(plain)), "", plain)),
		},
		"duplicate length with chunked": {
			req(crlf(
				"POST /a HTTP/1.1",
				"Host: x",
				"Content-Length: 4",
				"Content-Length: 7",
				"Transfer-Encoding: chunked",
				"",
				"3",
				"abc",
				"0",
				"",
				"GET /b HTTP/1.1",
				"Host: x",
				"",
				"",
			)),
			res(crlf("HTTP/1.1 200 OK", "Content-Length: 0", "", "")),
			res(crlf("HTTP/1.1 404 Not Found", "Content-Length: 3", "", "nop")),
		},
		"bare CR with folding": {
			req(crlf("GET / HTTP/1.1", "Host: x", "", "")),
			res("HTTP/1.1 200 OK\rX-Folded: a\r\tb\rContent-Length: 2\r\rok"),
		},
		"continue": {
			req(crlf("POST /up HTTP/1.1", "Host: x", "Content-Length: 5", "Expect: 100-continue", "", "")),
			res(crlf("HTTP/1.1 100 Continue", "", "")),
			req("hello"),
			res(crlf("HTTP/1.1 200 OK", "Content-Length: 2", "", "ok")),
		},
		"connect tunnel": {
			connectRequest,
			res(crlf("HTTP/1.1 200 Connection established", "", "")),
			req("\x16\x03\x01\x00\x05hello"),
			res("\x16\x03\x03\x00\x02hi"),
		},
		"multipart": {
			req(crlf(
				"POST /form HTTP/1.1",
				"Host: x",
				"Content-Type: multipart/form-data; boundary=XyZ",
				fmt.Sprintf("Content-Length: %d", len(part)),
				"",
				part,
			)),
			res(crlf("HTTP/1.1 204 No Content", "", "")),
		},
		"http 0.9": {
			req("GET /old\r\n"),
			res("<html>old school</html>"),
		},
	}
}

func TestChunkIndependence(t *testing.T) {
	for name, events := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			want := snapshot(t, play(t, events, whole))

			assert.Equal(t, want, snapshot(t, play(t, events, bytewise)), "byte by byte")
			for seed := int64(1); seed <= 5; seed++ {
				assert.Equal(t, want, snapshot(t, play(t, events, randomSplit(seed))), "seed %d", seed)
			}
		})
	}
}

func TestMultiPacketHead(t *testing.T) {
	conn := play(t, conversation(t), whole)
	assert.False(t, conn.Flags.Has(types.FlagMultiPacketHead))
	for _, tx := range conn.Transactions() {
		assert.False(t, tx.Flags.Has(types.FlagMultiPacketHead), "tx %d", tx.Index)
	}

	conn = play(t, conversation(t), bytewise)
	assert.True(t, conn.Flags.Has(types.FlagMultiPacketHead))
	for _, tx := range conn.Transactions() {
		assert.True(t, tx.Flags.Has(types.FlagMultiPacketHead), "tx %d", tx.Index)
	}
}

func TestGap(t *testing.T) {
	d := newDriver(t)
	d.feed(types.ClientToServer, []byte(crlf("GET /a HTTP/1.1", "Host: x", "", "")))
	d.feed(types.ServerToClient, []byte(crlf("HTTP/1.1 200 OK", "Content-Length: 10", "", "abc")))
	d.p.Gap(types.ServerToClient, testTime)
	d.close()

	conn := d.p.Connection()
	assert.True(t, conn.Flags.Has(types.FlagStreamGap))
	tx := onlyTx(t, conn)
	assert.True(t, tx.Flags.HasAll(types.FlagStreamGap|types.FlagBodyTruncated))
	assert.Contains(t, codes(conn), LogCodeStreamGap)

	t.Run("before response", func(t *testing.T) {
		d := newDriver(t)
		d.feed(types.ClientToServer, []byte(crlf("GET /a HTTP/1.1", "Host: x", "", "")))
		d.p.Gap(types.ServerToClient, testTime)
		tx := onlyTx(t, d.p.Connection())
		assert.True(t, tx.Flags.Has(types.FlagStreamGap))
	})
	t.Run("idle request side", func(t *testing.T) {
		d := newDriver(t)
		d.p.Gap(types.ClientToServer, testTime)
		assert.True(t, d.p.Connection().Flags.Has(types.FlagStreamGap))
		assert.Empty(t, d.p.Connection().Transactions())
	})
}

func TestConversation(t *testing.T) {
	conn := run(t, conversation(t))
	txs := conn.Transactions()
	require.Len(t, txs, 2)

	get := txs[0]
	assert.Equal(t, MethodGet, get.RequestMethodNumber)
	assert.Equal(t, types.Protocol11, get.RequestProtocolNumber)
	assert.Equal(t, "www.example.com", get.RequestHostname)
	assert.Equal(t, "/index.html", get.ParsedURI.Path)
	v, ok := get.Params.Get("y")
	assert.True(t, ok)
	assert.Equal(t, "A", v)
	v, _ = get.RequestCookies.Get("theme")
	assert.Equal(t, "dark", v)
	assert.Equal(t, 200, get.ResponseStatusNumber)
	assert.Equal(t, int64(5), get.ResponseEntityLen)
	folded, _ := get.ResponseHeaders.Value("x-folded")
	assert.Equal(t, "one two", folded)
	assert.True(t, get.Flags.Has(types.FlagFieldFolded))
	assert.True(t, get.IsComplete())

	post := txs[1]
	assert.Equal(t, CodingChunked, post.RequestTransferCoding)
	v, _ = post.Params.Get("b")
	assert.Equal(t, "22", v)
	assert.Equal(t, SourceBody, post.Params.FromSource(SourceBody)[0].Source)
	assert.Equal(t, int64(len("a=1&b=22")), post.RequestEntityLen)
	assert.Equal(t, CodingChunked, post.ResponseTransferCoding)
	assert.Equal(t, int64(len("<html>compressed hello</html>")), post.ResponseEntityLen)
	assert.Greater(t, post.ResponseMessageLen, post.ResponseEntityLen)
	assert.True(t, post.IsComplete())

	assert.Equal(t, StreamClosed, conn.RequestState)
	assert.Equal(t, StreamClosed, conn.ResponseState)
}

func TestHooksOrderAndBodyData(t *testing.T) {
	var calls []string
	var body bytes.Buffer
	rec := func(name string) TxHook {
		return func(tx *Transaction) types.Status {
			calls = append(calls, fmt.Sprintf("%s:%d", name, tx.Index))
			return types.StatusOK
		}
	}
	hooks := Hooks{
		RequestStart:        rec("req-start"),
		RequestLine:         rec("req-line"),
		RequestHeaders:      rec("req-headers"),
		RequestComplete:     rec("req-complete"),
		ResponseStart:       rec("res-start"),
		ResponseLine:        rec("res-line"),
		ResponseHeaders:     rec("res-headers"),
		ResponseComplete:    rec("res-complete"),
		TransactionComplete: rec("tx-complete"),
		ResponseBodyData: func(tx *Transaction, data []byte) types.Status {
			body.Write(data)
			return types.StatusOK
		},
	}
	run(t, conversation(t), WithHooks(hooks))

	assert.Equal(t, []string{
		"req-start:0", "req-line:0", "req-headers:0", "req-complete:0",
		"req-start:1", "req-line:1", "req-headers:1", "req-complete:1",
		"res-start:0", "res-line:0", "res-headers:0", "res-complete:0", "tx-complete:0",
		"res-start:1", "res-line:1", "res-headers:1", "res-complete:1", "tx-complete:1",
	}, calls)
	assert.Equal(t, "hello<html>compressed hello</html>", body.String())
}

func TestCompletedTransactionsAreFrozen(t *testing.T) {
	frozen := map[int]string{}
	hooks := Hooks{
		TransactionComplete: func(tx *Transaction) types.Status {
			out, err := json.Marshal(tx)
			require.NoError(t, err)
			frozen[tx.Index] = string(out)
			return types.StatusOK
		},
	}
	conn := run(t, conversation(t), WithHooks(hooks))
	require.Len(t, frozen, 2)
	for _, tx := range conn.Transactions() {
		out, err := json.Marshal(tx)
		require.NoError(t, err)
		assert.Equal(t, frozen[tx.Index], string(out))
	}
}

func TestHookStopPausesStream(t *testing.T) {
	first := crlf("GET /a HTTP/1.1", "Host: x", "", "")
	second := crlf("GET /b HTTP/1.1", "Host: x", "", "")
	stopped := false
	p := NewConnectionParser(NewConfig(WithHooks(Hooks{
		RequestHeaders: func(tx *Transaction) types.Status {
			if !stopped {
				stopped = true
				return types.StatusStop
			}
			return types.StatusOK
		},
	})))

	data := []byte(first + second)
	st := p.FeedRequest(testTime, data)
	assert.Equal(t, types.StatusStop, st)
	assert.Equal(t, StreamStop, p.Connection().RequestState)
	n := p.RequestDataConsumed()
	assert.Equal(t, len(first), n)

	st = p.FeedRequest(testTime, data[n:])
	assert.Equal(t, types.StatusOK, st)
	assert.Equal(t, len(second), p.RequestDataConsumed())
	require.Len(t, p.Connection().Transactions(), 2)
	assert.Equal(t, "/b", p.Connection().Transaction(1).RequestURI)
}

func TestHookErrorIsSticky(t *testing.T) {
	p := NewConnectionParser(NewConfig(WithHooks(Hooks{
		RequestLine: func(*Transaction) types.Status { return types.StatusError },
	})))
	assert.Equal(t, types.StatusError, p.FeedRequest(testTime, []byte("GET / HTTP/1.0\r\n\r\n")))
	assert.Equal(t, StreamError, p.Connection().RequestState)
	assert.Equal(t, types.StatusError, p.FeedRequest(testTime, []byte("GET / HTTP/1.0\r\n\r\n")))
}

func TestDataAfterClose(t *testing.T) {
	p := NewConnectionParser(nil)
	assert.Equal(t, types.StatusOK, p.FeedRequest(testTime, nil))
	assert.Equal(t, types.StatusError, p.FeedRequest(testTime, []byte("GET / HTTP/1.0\r\n\r\n")))
	assert.Equal(t, StreamError, p.Connection().RequestState)

	msgs := p.Connection().Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, LogCodeParserStateError, msgs[len(msgs)-1].Code)
}

func TestPartialLineIsBuffered(t *testing.T) {
	p := NewConnectionParser(nil)
	assert.Equal(t, types.StatusDataBuffer, p.FeedRequest(testTime, []byte("GET /partial HT")))
	assert.Equal(t, 15, p.RequestDataConsumed())
	assert.Equal(t, types.StatusOK, p.FeedRequest(testTime, []byte("TP/1.0\r\n\r\n")))

	tx := p.Connection().Transaction(0)
	require.NotNil(t, tx)
	assert.Equal(t, "/partial", tx.RequestURI)
	assert.Equal(t, types.Protocol10, tx.RequestProtocolNumber)
	assert.Equal(t, RequestComplete, tx.RequestProgress)
}

func TestUnmatchedResponse(t *testing.T) {
	d := newDriver(t)
	d.feed(types.ServerToClient, []byte(crlf("HTTP/1.1 200 OK", "Content-Length: 0", "", "")))
	assert.Equal(t, StreamDataOther, d.p.Connection().ResponseState)
	d.close()

	conn := d.p.Connection()
	assert.Empty(t, conn.Transactions())
	assert.Equal(t, StreamError, conn.ResponseState)
	var codes []LogCode
	for _, m := range conn.Messages() {
		codes = append(codes, m.Code)
	}
	assert.Contains(t, codes, LogCodeUnmatchedResponse)
}

func TestResponseWaitsForRequestHeaders(t *testing.T) {
	p := NewConnectionParser(nil)
	p.FeedRequest(testTime, []byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	resp := []byte(crlf("HTTP/1.1 204 No Content", "", ""))
	assert.Equal(t, types.StatusDataOther, p.FeedResponse(testTime, resp))
	assert.Equal(t, 0, p.ResponseDataConsumed())

	p.FeedRequest(testTime, []byte("\r\n"))
	assert.Equal(t, types.StatusOK, p.FeedResponse(testTime, resp))
	tx := p.Connection().Transaction(0)
	require.NotNil(t, tx)
	assert.True(t, tx.IsComplete())
	assert.Equal(t, CodingNoBody, tx.ResponseTransferCoding)
}

func TestFieldLimits(t *testing.T) {
	t.Run("soft", func(t *testing.T) {
		conn := run(t, []event{req(crlf("GET / HTTP/1.0", "X-Long: "+strings.Repeat("a", 40), "", ""))},
			WithFieldLimits(32, 128))
		require.Len(t, conn.Transactions(), 1)
		assert.True(t, conn.Transaction(0).Flags.Has(types.FlagFieldLong))
		assert.Equal(t, StreamClosed, conn.RequestState)
	})
	t.Run("hard", func(t *testing.T) {
		conn := run(t, []event{req(crlf("GET / HTTP/1.0", "X-Long: "+strings.Repeat("a", 200), "", ""))},
			WithFieldLimits(32, 128))
		assert.Equal(t, StreamError, conn.RequestState)
		assert.True(t, conn.Transaction(0).Flags.Has(types.FlagFieldLong))
	})
	t.Run("hard across feeds", func(t *testing.T) {
		conn := play(t, []event{req("GET /" + strings.Repeat("a", 200))}, bytewise, WithFieldLimits(32, 128))
		assert.Equal(t, StreamError, conn.RequestState)
	})
}

func TestOpenAndClose(t *testing.T) {
	p := NewConnectionParser(nil)
	p.Open("192.0.2.1", 51000, "192.0.2.2", 8080, testTime)
	conn := p.Connection()
	assert.Equal(t, StreamOpen, conn.RequestState)
	assert.Equal(t, "192.0.2.2", conn.ServerAddr)
	assert.Equal(t, 8080, conn.ServerPort)

	p.Close(testTime.Add(time.Second))
	assert.True(t, conn.IsClosed())
	assert.Equal(t, testTime.Add(time.Second), conn.ClosedAt)
}
