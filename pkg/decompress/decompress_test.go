package decompress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz/lzma"
)

var payload = []byte(strings.Repeat("The five boxing wizards jump quickly. ", 200))

func compress(t *testing.T, kind string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch kind {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "zlib":
		w = zlib.NewWriter(&buf)
	case "deflate":
		w, err = flate.NewWriter(&buf, flate.DefaultCompression)
	case "br":
		w = brotli.NewWriter(&buf)
	case "lzma":
		w, err = lzma.WriterConfig{DictCap: 1 << 16}.NewWriter(&buf)
	default:
		t.Fatalf("unknown kind %s", kind)
	}
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// push feeds coded data in pieces of step bytes and collects the output.
func push(t *testing.T, encs []Encoding, coded []byte, step int, opts Options) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	d, err := New(encs, func(b []byte) { out.Write(b) }, opts)
	require.NoError(t, err)
	var firstErr error
	for len(coded) > 0 {
		n := min(step, len(coded))
		if err := d.Write(coded[:n]); err != nil && firstErr == nil {
			firstErr = err
		}
		coded = coded[n:]
	}
	if err := d.Finish(); err != nil && firstErr == nil {
		firstErr = err
	}
	return out.Bytes(), firstErr
}

func TestCodecs(t *testing.T) {
	tests := []struct {
		kind string
		enc  Encoding
	}{
		{"gzip", EncodingGzip},
		{"zlib", EncodingDeflate},
		{"deflate", EncodingDeflate},
		{"br", EncodingBrotli},
		{"lzma", EncodingLZMA},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			coded := compress(t, tt.kind, payload)
			for _, step := range []int{len(coded), 1, 7, 100} {
				out, err := push(t, []Encoding{tt.enc}, coded, step, DefaultOptions())
				require.NoError(t, err, "step %d", step)
				assert.Equal(t, payload, out, "step %d", step)
			}
		})
	}
}

func TestMislabelledCoding(t *testing.T) {
	out, err := push(t, []Encoding{EncodingGzip}, compress(t, "zlib", payload), 64, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	out, err = push(t, []Encoding{EncodingDeflate}, compress(t, "gzip", payload), 64, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestGzipHeaderFields(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Name = "wizards.txt"
	w.Comment = "boxing"
	w.Extra = []byte("abcd")
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := push(t, []Encoding{EncodingGzip}, buf.Bytes(), 3, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestGzipTolerance(t *testing.T) {
	coded := compress(t, "gzip", payload)
	// Corrupt the CRC32 and ISIZE trailer.
	for i := len(coded) - 8; i < len(coded); i++ {
		coded[i] ^= 0xff
	}
	// A second member after the first is ignored.
	coded = append(coded, compress(t, "gzip", []byte("second"))...)

	out, err := push(t, []Encoding{EncodingGzip}, coded, 50, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestTruncatedStream(t *testing.T) {
	coded := compress(t, "gzip", payload)
	out, err := push(t, []Encoding{EncodingGzip}, coded[:len(coded)/2], 10, DefaultOptions())
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.True(t, bytes.HasPrefix(payload, out))
}

func TestLayers(t *testing.T) {
	coded := compress(t, "br", compress(t, "gzip", payload))
	out, err := push(t, []Encoding{EncodingGzip, EncodingBrotli}, coded, 13, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	_, err = New([]Encoding{EncodingGzip, EncodingGzip, EncodingGzip}, func([]byte) {}, DefaultOptions())
	assert.ErrorIs(t, err, ErrLayerLimit)

	opts := DefaultOptions()
	opts.LayerLimit = 0
	d, err := New([]Encoding{EncodingGzip, EncodingGzip, EncodingGzip}, func([]byte) {}, opts)
	require.NoError(t, err)
	d.Close()
}

func TestUnsupported(t *testing.T) {
	_, err := New([]Encoding{EncodingUnknown}, func([]byte) {}, DefaultOptions())
	assert.ErrorIs(t, err, ErrUnsupported)

	opts := DefaultOptions()
	opts.LZMAMemLimit = 0
	_, err = New([]Encoding{EncodingLZMA}, func([]byte) {}, opts)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestFailurePassthrough(t *testing.T) {
	// 0xff opens a deflate block with the reserved type.
	garbage := bytes.Repeat([]byte{0xff}, 32)
	var out bytes.Buffer
	d, err := New([]Encoding{EncodingGzip}, func(b []byte) { out.Write(b) }, DefaultOptions())
	require.NoError(t, err)

	err = d.Write(garbage)
	require.Error(t, err)
	assert.Equal(t, err, d.Err())
	assert.NoError(t, d.Write([]byte(" more")))
	assert.NoError(t, d.Finish())
	assert.Equal(t, append(garbage, " more"...), out.Bytes())
}

func TestFailurePassthroughAnySplit(t *testing.T) {
	plain := []byte("garbage that was never compressed at all")
	for _, step := range []int{len(plain), 1, 2, 5} {
		out, err := push(t, []Encoding{EncodingGzip}, plain, step, DefaultOptions())
		require.Error(t, err, "step %d", step)
		assert.Equal(t, plain, out, "step %d", step)
	}

	// A gzip header split over writes is handed over in full too.
	coded := compress(t, "gzip", payload)
	broken := append(append([]byte(nil), coded[:10]...), bytes.Repeat([]byte{0xff}, 16)...)
	for _, step := range []int{len(broken), 1, 3} {
		out, err := push(t, []Encoding{EncodingGzip}, broken, step, DefaultOptions())
		require.Error(t, err, "step %d", step)
		assert.Equal(t, broken, out, "step %d", step)
	}
}

func TestBomb(t *testing.T) {
	coded := compress(t, "gzip", make([]byte, 1<<20))
	opts := DefaultOptions()
	opts.BombLimit = 1024
	opts.BombRatio = 10
	opts.TimeLimit = 0

	var out bytes.Buffer
	d, err := New([]Encoding{EncodingGzip}, func(b []byte) { out.Write(b) }, opts)
	require.NoError(t, err)
	err = d.Write(coded)
	assert.ErrorIs(t, err, ErrBomb)
	assert.Less(t, out.Len(), 1<<20)
	d.Close()
}

func TestTimeLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.TimeLimit = 1
	out, err := push(t, []Encoding{EncodingGzip}, compress(t, "gzip", payload), len(payload), opts)
	assert.ErrorIs(t, err, ErrTimeLimit)
	assert.NotEmpty(t, out)
}

func TestLZMAMemLimit(t *testing.T) {
	coded := compress(t, "lzma", payload)
	opts := DefaultOptions()
	opts.LZMAMemLimit = 4096
	_, err := push(t, []Encoding{EncodingLZMA}, coded, len(coded), opts)
	assert.ErrorIs(t, err, ErrMemLimit)
}

func TestParseContentEncoding(t *testing.T) {
	assert.Equal(t, []Encoding{EncodingGzip, EncodingBrotli}, ParseContentEncoding("gzip, br"))
	assert.Equal(t, []Encoding{EncodingDeflate}, ParseContentEncoding(" identity ,X-Deflate"))
	assert.Equal(t, []Encoding{EncodingUnknown}, ParseContentEncoding("compress"))
	assert.Empty(t, ParseContentEncoding(""))
	assert.Equal(t, "br", EncodingBrotli.String())
}
