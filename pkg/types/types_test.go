package types

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsStableValues(t *testing.T) {
	assert.Equal(t, Flags(0x100), FlagRequestSmuggling)
	assert.Equal(t, Flags(0x800), FlagMultiPacketHead)
	assert.Equal(t, Flags(0x200000000), FlagRequestInvalidCL)
	assert.Equal(t, Flags(0x400000000), FlagAuthInvalid)
	assert.Equal(t, Flags(0x40000000000), FlagStreamGap)
	assert.Equal(t, FlagHostUInvalid|FlagHostHInvalid, FlagHostInvalid)
}

func TestFlagsUnique(t *testing.T) {
	var seen Flags
	for _, e := range flagNames {
		require.NotZero(t, e.flag, e.name)
		assert.Zero(t, seen&e.flag, "%s overlaps", e.name)
		assert.Equal(t, 0, int(e.flag&(e.flag-1)), "%s is not a single bit", e.name)
		seen |= e.flag
	}
}

func TestFlagsSetIdempotent(t *testing.T) {
	var fl Flags
	fl.Set(FlagFieldFolded)
	fl.Set(FlagFieldFolded)
	assert.Equal(t, FlagFieldFolded, fl)
	assert.True(t, fl.Has(FlagFieldFolded|FlagFieldRepeated))
	assert.False(t, fl.HasAll(FlagFieldFolded|FlagFieldRepeated))
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "NONE", Flags(0).String())
	fl := FlagRequestSmuggling | FlagFieldRepeated
	assert.Equal(t, "FIELD_REPEATED|REQUEST_SMUGGLING", fl.String())
	assert.Equal(t, []string{"HOSTU_INVALID", "HOSTH_INVALID"}, FlagHostInvalid.Names())
	assert.Equal(t, []string{"FIELD_INVALID", "0x1"}, (FlagFieldInvalid | 1).Names())

	text, err := FlagBodyTruncated.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "BODY_TRUNCATED", string(text))
}

func TestParseFlagName(t *testing.T) {
	f, ok := ParseFlagName("htp_request_smuggling")
	assert.True(t, ok)
	assert.Equal(t, FlagRequestSmuggling, f)

	f, ok = ParseFlagName("HOST_INVALID")
	assert.True(t, ok)
	assert.Equal(t, FlagHostInvalid, f)

	f, ok = ParseFlagName("0x100")
	assert.True(t, ok)
	assert.Equal(t, FlagRequestSmuggling, f)

	_, ok = ParseFlagName("NO_SUCH_FLAG")
	assert.False(t, ok)
}

func TestFlagRegistry(t *testing.T) {
	reg := FlagRegistry()
	assert.Len(t, reg, len(flagNames)+1)
	assert.Equal(t, FlagPathUTF8Mixed, reg["PATH_UTF8_MIXED"])

	names := SortedFlagNames()
	require.Len(t, names, len(flagNames))
	assert.Equal(t, "FIELD_UNPARSEABLE", names[0])
	assert.Equal(t, "PATH_UTF8_MIXED", names[len(names)-1])
}

func TestStatusAndProtocolStrings(t *testing.T) {
	assert.Equal(t, 3, int(StatusDataOther))
	assert.Equal(t, "data-other", StatusDataOther.String())
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "HTTP/1.1", Protocol11.String())
	assert.Equal(t, 101, int(Protocol11))
	assert.Equal(t, "invalid", ProtocolInvalid.String())
	assert.Equal(t, "C2S", ClientToServer.String())
	assert.Equal(t, "S2C", ServerToClient.String())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"personality":"apache2","workers":8}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "apache2", cfg.Personality)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "chunked", cfg.FramingPrecedence)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
