package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Flags is the anomaly bitmap carried by transactions and connections.
// Bit values are stable; new conditions only ever append new bits.
type Flags uint64

const (
	FlagFieldUnparseable     Flags = 0x000000004
	FlagFieldInvalid         Flags = 0x000000008
	FlagFieldFolded          Flags = 0x000000010
	FlagFieldRepeated        Flags = 0x000000020
	FlagFieldLong            Flags = 0x000000040
	FlagFieldRawNUL          Flags = 0x000000080
	FlagRequestSmuggling     Flags = 0x000000100
	FlagInvalidFolding       Flags = 0x000000200
	FlagRequestInvalidTE     Flags = 0x000000400
	FlagMultiPacketHead      Flags = 0x000000800
	FlagHostMissing          Flags = 0x000001000
	FlagHostAmbiguous        Flags = 0x000002000
	FlagPathEncodedNUL       Flags = 0x000004000
	FlagPathRawNUL           Flags = 0x000008000
	FlagPathInvalidEncoding  Flags = 0x000010000
	FlagPathInvalid          Flags = 0x000020000
	FlagPathOverlongU        Flags = 0x000040000
	FlagPathEncodedSeparator Flags = 0x000080000
	FlagPathUTF8Valid        Flags = 0x000100000
	FlagPathUTF8Invalid      Flags = 0x000200000
	FlagPathUTF8Overlong     Flags = 0x000400000
	FlagPathHalfFullRange    Flags = 0x000800000
	FlagStatusLineInvalid    Flags = 0x001000000
	FlagHostUInvalid         Flags = 0x002000000
	FlagHostHInvalid         Flags = 0x004000000
	FlagURLEnEncodedNUL      Flags = 0x008000000
	FlagURLEnInvalidEncoding Flags = 0x010000000
	FlagURLEnOverlongU       Flags = 0x020000000
	FlagURLEnHalfFullRange   Flags = 0x040000000
	FlagURLEnRawNUL          Flags = 0x080000000
	FlagRequestInvalid       Flags = 0x100000000
	FlagRequestInvalidCL     Flags = 0x200000000
	FlagAuthInvalid          Flags = 0x400000000

	FlagMultipartInvalid    Flags = 0x00800000000
	FlagMultipartIncomplete Flags = 0x01000000000
	FlagDecompressionFailed Flags = 0x02000000000
	FlagDecompressionBomb   Flags = 0x04000000000
	FlagInvalidChunking     Flags = 0x08000000000
	FlagBodyTruncated       Flags = 0x10000000000
	FlagPathUTF8Mixed       Flags = 0x20000000000
	FlagStreamGap           Flags = 0x40000000000

	// FlagHostInvalid is the composite of the URI and header host flags.
	FlagHostInvalid = FlagHostUInvalid | FlagHostHInvalid
)

// flagNames is the registry of named single-bit conditions.
var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagFieldUnparseable, "FIELD_UNPARSEABLE"},
	{FlagFieldInvalid, "FIELD_INVALID"},
	{FlagFieldFolded, "FIELD_FOLDED"},
	{FlagFieldRepeated, "FIELD_REPEATED"},
	{FlagFieldLong, "FIELD_LONG"},
	{FlagFieldRawNUL, "FIELD_RAW_NUL"},
	{FlagRequestSmuggling, "REQUEST_SMUGGLING"},
	{FlagInvalidFolding, "INVALID_FOLDING"},
	{FlagRequestInvalidTE, "REQUEST_INVALID_T_E"},
	{FlagMultiPacketHead, "MULTI_PACKET_HEAD"},
	{FlagHostMissing, "HOST_MISSING"},
	{FlagHostAmbiguous, "HOST_AMBIGUOUS"},
	{FlagPathEncodedNUL, "PATH_ENCODED_NUL"},
	{FlagPathRawNUL, "PATH_RAW_NUL"},
	{FlagPathInvalidEncoding, "PATH_INVALID_ENCODING"},
	{FlagPathInvalid, "PATH_INVALID"},
	{FlagPathOverlongU, "PATH_OVERLONG_U"},
	{FlagPathEncodedSeparator, "PATH_ENCODED_SEPARATOR"},
	{FlagPathUTF8Valid, "PATH_UTF8_VALID"},
	{FlagPathUTF8Invalid, "PATH_UTF8_INVALID"},
	{FlagPathUTF8Overlong, "PATH_UTF8_OVERLONG"},
	{FlagPathHalfFullRange, "PATH_HALF_FULL_RANGE"},
	{FlagStatusLineInvalid, "STATUS_LINE_INVALID"},
	{FlagHostUInvalid, "HOSTU_INVALID"},
	{FlagHostHInvalid, "HOSTH_INVALID"},
	{FlagURLEnEncodedNUL, "URLEN_ENCODED_NUL"},
	{FlagURLEnInvalidEncoding, "URLEN_INVALID_ENCODING"},
	{FlagURLEnOverlongU, "URLEN_OVERLONG_U"},
	{FlagURLEnHalfFullRange, "URLEN_HALF_FULL_RANGE"},
	{FlagURLEnRawNUL, "URLEN_RAW_NUL"},
	{FlagRequestInvalid, "REQUEST_INVALID"},
	{FlagRequestInvalidCL, "REQUEST_INVALID_C_L"},
	{FlagAuthInvalid, "AUTH_INVALID"},
	{FlagMultipartInvalid, "MULTIPART_INVALID"},
	{FlagMultipartIncomplete, "MULTIPART_INCOMPLETE"},
	{FlagDecompressionFailed, "DECOMPRESSION_FAILED"},
	{FlagDecompressionBomb, "DECOMPRESSION_BOMB"},
	{FlagInvalidChunking, "INVALID_CHUNKING"},
	{FlagBodyTruncated, "BODY_TRUNCATED"},
	{FlagPathUTF8Mixed, "PATH_UTF8_MIXED"},
	{FlagStreamGap, "STREAM_GAP"},
}

// Set raises f. Setting an already raised flag is a no-op.
func (fl *Flags) Set(f Flags) {
	*fl |= f
}

// Has reports whether any bit of f is raised.
func (fl Flags) Has(f Flags) bool {
	return fl&f != 0
}

// HasAll reports whether every bit of f is raised.
func (fl Flags) HasAll(f Flags) bool {
	return fl&f == f
}

// Names returns the registry names of the raised flags in bit order.
// Bits without a registered name are rendered in hex.
func (fl Flags) Names() []string {
	var names []string
	rest := fl
	for _, e := range flagNames {
		if fl&e.flag != 0 {
			names = append(names, e.name)
			rest &^= e.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint64(rest)))
	}
	return names
}

func (fl Flags) String() string {
	if fl == 0 {
		return "NONE"
	}
	return strings.Join(fl.Names(), "|")
}

// MarshalText renders the flags as their names joined by '|'.
func (fl Flags) MarshalText() ([]byte, error) {
	return []byte(fl.String()), nil
}

// ParseFlagName resolves a registry name (case-insensitive, with or
// without the HTP_ prefix) or a numeric literal into a flag value.
func ParseFlagName(name string) (Flags, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "HTP_")
	if name == "HOST_INVALID" {
		return FlagHostInvalid, true
	}
	for _, e := range flagNames {
		if e.name == name {
			return e.flag, true
		}
	}
	if v, err := strconv.ParseUint(name, 0, 64); err == nil {
		return Flags(v), true
	}
	return 0, false
}

// FlagRegistry returns every registered flag name with its value,
// including the HOST_INVALID composite.
func FlagRegistry() map[string]Flags {
	out := make(map[string]Flags, len(flagNames)+1)
	for _, e := range flagNames {
		out[e.name] = e.flag
	}
	out["HOST_INVALID"] = FlagHostInvalid
	return out
}

// SortedFlagNames returns the registry names ordered by bit value.
func SortedFlagNames() []string {
	names := make([]string, 0, len(flagNames))
	for _, e := range flagNames {
		names = append(names, e.name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		a, _ := ParseFlagName(names[i])
		b, _ := ParseFlagName(names[j])
		return a < b
	})
	return names
}
