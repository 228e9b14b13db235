package urlencoded

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/httpsift/pkg/types"
)

func TestParseCounts(t *testing.T) {
	tests := []struct {
		in   string
		want Params
	}{
		{"", nil},
		{"&", Params{{}}},
		{"&&", Params{{}}},
		{"=&", Params{{}}},
		{"&=", Params{{}}},
		{"=", Params{{}}},
		{"=1&", Params{{Name: "", Value: "1"}}},
		{"p&", Params{{Name: "p"}}},
		{"p&q", Params{{Name: "p"}, {Name: "q"}}},
		{"p=1&q=2", Params{{Name: "p", Value: "1"}, {Name: "q", Value: "2"}}},
		{"p=1&p=2", Params{{Name: "p", Value: "1"}, {Name: "p", Value: "2"}}},
		{"a=b=c", Params{{Name: "a", Value: "b=c"}}},
		{"&&p&&&q", Params{{}, {Name: "p"}, {}, {Name: "q"}}},
		{"p&=&&", Params{{Name: "p"}, {}}},
	}
	for _, tt := range tests {
		got, _ := Parse(nil, []byte(tt.in))
		assert.Equal(t, tt.want, got, "%q", tt.in)
	}
}

func TestParseDecodes(t *testing.T) {
	params, flags := Parse(nil, []byte("na%6de=va+lue&x=%zz"))
	require.Len(t, params, 2)
	assert.Equal(t, Param{Name: "name", Value: "va lue"}, params[0])
	assert.Equal(t, "%zz", params[1].Value)
	assert.True(t, flags.Has(types.FlagURLEnInvalidEncoding))
}

func TestPartialFeeds(t *testing.T) {
	p := NewParser(nil)
	for _, piece := range []string{"px", "n", "", "=", "1", "2", "&", "qz", "n", "", "=", "2", "3", "&"} {
		p.Feed([]byte(piece))
	}
	p.Finalize()

	params := p.Params()
	require.Len(t, params, 2)
	v, ok := params.Get("pxn")
	assert.True(t, ok)
	assert.Equal(t, "12", v)
	v, ok = params.Get("qzn")
	assert.True(t, ok)
	assert.Equal(t, "23", v)
}

func TestPartialFeedSplitEscape(t *testing.T) {
	p := NewParser(nil)
	p.Feed([]byte("a=%4"))
	p.Feed([]byte("1b"))
	p.Finalize()
	assert.Equal(t, Params{{Name: "a", Value: "Ab"}}, p.Params())
	assert.Zero(t, p.Flags())
}

func TestFinalizeIdempotent(t *testing.T) {
	p := NewParser(nil)
	p.Feed([]byte("a=1"))
	p.Finalize()
	p.Finalize()
	p.Feed([]byte("&b=2"))
	assert.Len(t, p.Params(), 1)
}

func TestOptions(t *testing.T) {
	p := NewParser(nil, WithSeparator(';'), WithoutDecoding())
	p.Feed([]byte("a=%41;b=c+d"))
	p.Finalize()
	assert.Equal(t, Params{{Name: "a", Value: "%41"}, {Name: "b", Value: "c+d"}}, p.Params())
	_, ok := p.Params().Get("missing")
	assert.False(t, ok)
}
