package multipart

import "strings"

// Flags describe anomalies found in a multipart body.
type Flags uint32

const (
	FlagCRLFLine              Flags = 1 << iota // a line ended with CRLF
	FlagLFLine                                  // a line ended with a bare LF
	FlagBBoundaryLWSAfter                       // whitespace after a boundary on its line
	FlagBBoundaryNLWSAfter                      // other bytes after a boundary on its line
	FlagHasPreamble                             // data before the first boundary
	FlagHasEpilogue                             // data after the last boundary
	FlagPartAfterLastBoundary                   // a boundary after the last boundary
	FlagPartIncomplete                          // a part was cut off by the end of the body
	FlagIncomplete                              // the last boundary was never seen
	FlagPartUnknown                             // a part without a usable Content-Disposition
	FlagPartHeaderUnknown                       // a part header other than C-D and C-T
	FlagPartHeaderRepeated                      // a part header seen twice
	FlagPartHeaderInvalid                       // a part header line that does not parse
	FlagCDParamRepeated                         // a Content-Disposition parameter seen twice
	FlagCDParamUnknown                          // a Content-Disposition parameter other than name/filename
	FlagCDSyntaxInvalid                         // Content-Disposition does not parse
	FlagCDTypeInvalid                           // Content-Disposition type is not form-data
	FlagNulByte                                 // NUL in part headers
	FlagHBoundaryQuoted                         // the boundary parameter was quoted
	FlagHBoundaryUnusual                        // the boundary parameter is legal but unusual
	FlagHBoundaryInvalid                        // the boundary parameter is malformed
	FlagPartValueTruncated                      // a text value went past the value limit
)

// FlagInvalid groups the conditions that make a body invalid.
const FlagInvalid = FlagPartHeaderInvalid | FlagCDSyntaxInvalid | FlagCDParamUnknown |
	FlagCDParamRepeated | FlagCDTypeInvalid | FlagHBoundaryInvalid

var flagNames = []string{
	"CRLF_LINE",
	"LF_LINE",
	"BBOUNDARY_LWS_AFTER",
	"BBOUNDARY_NLWS_AFTER",
	"HAS_PREAMBLE",
	"HAS_EPILOGUE",
	"PART_AFTER_LAST_BOUNDARY",
	"PART_INCOMPLETE",
	"INCOMPLETE",
	"PART_UNKNOWN",
	"PART_HEADER_UNKNOWN",
	"PART_HEADER_REPEATED",
	"PART_HEADER_INVALID",
	"CD_PARAM_REPEATED",
	"CD_PARAM_UNKNOWN",
	"CD_SYNTAX_INVALID",
	"CD_TYPE_INVALID",
	"NUL_BYTE",
	"HBOUNDARY_QUOTED",
	"HBOUNDARY_UNUSUAL",
	"HBOUNDARY_INVALID",
	"PART_VALUE_TRUNCATED",
}

// Has reports whether any bit of f is raised.
func (fl Flags) Has(f Flags) bool {
	return fl&f != 0
}

// IsInvalid reports whether any invalid condition was raised.
func (fl Flags) IsInvalid() bool {
	return fl&FlagInvalid != 0
}

func (fl Flags) String() string {
	if fl == 0 {
		return "NONE"
	}
	var names []string
	for i, name := range flagNames {
		if fl&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// MarshalText renders the flags as their names joined by '|'.
func (fl Flags) MarshalText() ([]byte, error) {
	return []byte(fl.String()), nil
}
