package htp

// Method is the request method number.
type Method int

const (
	MethodUnknown Method = iota
	MethodHead
	MethodGet
	MethodPut
	MethodPost
	MethodDelete
	MethodConnect
	MethodOptions
	MethodTrace
	MethodPatch
	MethodPropfind
	MethodProppatch
	MethodMkcol
	MethodCopy
	MethodMove
	MethodLock
	MethodUnlock
	MethodVersionControl
	MethodCheckout
	MethodUncheckout
	MethodCheckin
	MethodUpdate
	MethodLabel
	MethodReport
	MethodMkworkspace
	MethodMkactivity
	MethodBaselineControl
	MethodMerge
	MethodInvalid
)

var methods = map[string]Method{
	"HEAD":             MethodHead,
	"GET":              MethodGet,
	"PUT":              MethodPut,
	"POST":             MethodPost,
	"DELETE":           MethodDelete,
	"CONNECT":          MethodConnect,
	"OPTIONS":          MethodOptions,
	"TRACE":            MethodTrace,
	"PATCH":            MethodPatch,
	"PROPFIND":         MethodPropfind,
	"PROPPATCH":        MethodProppatch,
	"MKCOL":            MethodMkcol,
	"COPY":             MethodCopy,
	"MOVE":             MethodMove,
	"LOCK":             MethodLock,
	"UNLOCK":           MethodUnlock,
	"VERSION-CONTROL":  MethodVersionControl,
	"CHECKOUT":         MethodCheckout,
	"UNCHECKOUT":       MethodUncheckout,
	"CHECKIN":          MethodCheckin,
	"UPDATE":           MethodUpdate,
	"LABEL":            MethodLabel,
	"REPORT":           MethodReport,
	"MKWORKSPACE":      MethodMkworkspace,
	"MKACTIVITY":       MethodMkactivity,
	"BASELINE-CONTROL": MethodBaselineControl,
	"MERGE":            MethodMerge,
}

// ParseMethod maps a method token to its number. Matching is case
// sensitive, as servers treat "get" as an unknown method.
func ParseMethod(token string) Method {
	if m, ok := methods[token]; ok {
		return m
	}
	return MethodUnknown
}

func (m Method) String() string {
	for name, v := range methods {
		if v == m {
			return name
		}
	}
	if m == MethodInvalid {
		return "INVALID"
	}
	return "UNKNOWN"
}
