package httpstream

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/httpsift/pkg/types"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRecorderTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")

	var seen []Record
	rec, err := NewRecorder(path, WithOnRecord(func(r Record) { seen = append(seen, r) }))
	require.NoError(t, err)

	session := rec.NewSession("example.com")
	runConversation(session,
		"POST /login?next=%2Fhome HTTP/1.1\r\nHost: example.com\r\nContent-Length: 3\r\n\r\nu=1",
		"HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: 2\r\n\r\n\x00\x01")
	require.NoError(t, rec.Close())

	records := readRecords(t, path)
	require.Len(t, records, 3)
	assert.Len(t, seen, 3)

	assert.Equal(t, "request", records[0].Type)
	assert.Equal(t, "POST", records[0].Method)
	assert.Equal(t, "/login", records[0].Path)
	assert.Equal(t, []string{"example.com"}, records[0].Headers["Host"])

	assert.Equal(t, "response", records[1].Type)
	assert.Equal(t, 200, records[1].Status)

	tx := records[2]
	assert.Equal(t, "transaction", tx.Type)
	assert.Equal(t, session.ID, tx.SessionID)
	assert.Equal(t, int64(1), tx.SessionSeq)
	assert.Equal(t, int64(3), tx.RecordIndex)
	require.NotNil(t, tx.TxIndex)
	assert.Equal(t, 0, *tx.TxIndex)
	assert.Empty(t, tx.Flags)
	assert.Equal(t, "text", tx.BodyEncoding)
	assert.Equal(t, "u=1", tx.Body)
	assert.Contains(t, tx.Params, RecordParam{Name: "next", Value: "/home", Source: "query"})

	require.NotNil(t, tx.Response)
	assert.Equal(t, "base64", tx.Response.BodyEncoding)
	assert.Equal(t, "AAE=", tx.Response.BodyBase64)

	assert.Equal(t, int64(3), rec.RecordCount())
	assert.Equal(t, int64(1), rec.SessionCount())
	assert.Zero(t, rec.AnomalyCount())
}

func TestRecorderRepeatedParams(t *testing.T) {
	var seen []Record
	rec := NewRecorderTo(discard{}, WithOnRecord(func(r Record) { seen = append(seen, r) }))
	runConversation(rec.NewSession("example.com"),
		"GET /search?id=1&q=x&id=2 HTTP/1.1\r\nHost: example.com\r\n\r\n",
		"HTTP/1.1 204 No Content\r\n\r\n")
	require.NoError(t, rec.Close())

	var tx *Record
	for i := range seen {
		if seen[i].Type == "transaction" {
			tx = &seen[i]
		}
	}
	require.NotNil(t, tx)
	assert.Equal(t, []RecordParam{
		{Name: "id", Value: "1", Source: "query", Repeated: true},
		{Name: "q", Value: "x", Source: "query"},
		{Name: "id", Value: "2", Source: "query", Repeated: true},
	}, tx.Params)
}

func TestRecordFlagBits(t *testing.T) {
	fl := types.FlagRequestSmuggling | types.FlagStreamGap
	rec := Record{Flags: fl.Names()}
	assert.Equal(t, fl, rec.FlagBits())

	rec.Flags = append(rec.Flags, "NO_SUCH_FLAG")
	assert.Equal(t, fl, rec.FlagBits())
	assert.Zero(t, (&Record{}).FlagBits())
}

func TestRecorderLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	rec, err := NewRecorder(path, WithRecorderLogLevel(types.LogLevelBasic))
	require.NoError(t, err)

	session := rec.NewSession("example.com")
	session.Debug("dropped")
	session.LogBody(types.ClientToServer, "example.com", []byte("dropped"))
	session.LogError(errors.New("kept"))
	require.NoError(t, rec.Close())

	records := readRecords(t, path)
	require.Len(t, records, 1)
	assert.Equal(t, "error", records[0].Type)
	assert.Equal(t, "kept", records[0].Error)
}

func TestRecorderCache(t *testing.T) {
	rec := NewRecorderTo(discard{}, WithCacheSize(2))
	session := rec.NewSession("example.com")
	for _, name := range []string{"a", "b", "c"} {
		session.LogSSE("example.com", &SSEEvent{Data: name})
	}

	recent := rec.GetRecentRecords(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].(Record).EventData)
	assert.Equal(t, "c", recent[1].(Record).EventData)

	recent = rec.GetRecentRecords(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "c", recent[0].(Record).EventData)
	assert.NoError(t, rec.Close())
}

func TestRecorderGRPCRecord(t *testing.T) {
	var seen []Record
	rec := NewRecorderTo(discard{}, WithOnRecord(func(r Record) { seen = append(seen, r) }))
	session := rec.NewSession("example.com")
	session.LogGRPC(&GRPCMessage{
		Service:    "demo.Echo",
		Method:     "Say",
		FullMethod: "/demo.Echo/Say",
		Direction:  types.ServerToClient,
		Frame:      &GRPCFrame{RawData: []byte{1, 2}},
		Error:      "gzip decompression failed",
	})

	require.Len(t, seen, 1)
	assert.Equal(t, "grpc", seen[0].Type)
	assert.Equal(t, "AQI=", seen[0].GRPCRawData)
	assert.Equal(t, types.ServerToClient.String(), seen[0].Direction)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
