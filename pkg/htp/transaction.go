package htp

import (
	"github.com/burpheart/httpsift/pkg/decompress"
	"github.com/burpheart/httpsift/pkg/multipart"
	"github.com/burpheart/httpsift/pkg/normalize"
	"github.com/burpheart/httpsift/pkg/types"
	"github.com/burpheart/httpsift/pkg/urlencoded"
)

// RequestProgress tracks how far a request has been parsed.
type RequestProgress int

const (
	RequestNotStarted RequestProgress = iota
	RequestLine
	RequestHeaders
	RequestConnectWait
	RequestBody
	RequestTrailer
	RequestComplete
)

func (p RequestProgress) String() string {
	switch p {
	case RequestLine:
		return "line"
	case RequestHeaders:
		return "headers"
	case RequestConnectWait:
		return "connect-wait"
	case RequestBody:
		return "body"
	case RequestTrailer:
		return "trailer"
	case RequestComplete:
		return "complete"
	}
	return "not-started"
}

// ResponseProgress tracks how far a response has been parsed.
type ResponseProgress int

const (
	ResponseNotStarted ResponseProgress = iota
	ResponseLine
	ResponseHeaders
	ResponseBody
	ResponseTrailer
	ResponseComplete
)

func (p ResponseProgress) String() string {
	switch p {
	case ResponseLine:
		return "line"
	case ResponseHeaders:
		return "headers"
	case ResponseBody:
		return "body"
	case ResponseTrailer:
		return "trailer"
	case ResponseComplete:
		return "complete"
	}
	return "not-started"
}

// TransferCoding is the framing of a message body.
type TransferCoding int

const (
	CodingUnknown TransferCoding = iota
	CodingNoBody
	CodingIdentity
	CodingChunked
	CodingInvalid
)

func (c TransferCoding) String() string {
	switch c {
	case CodingNoBody:
		return "no-body"
	case CodingIdentity:
		return "identity"
	case CodingChunked:
		return "chunked"
	case CodingInvalid:
		return "invalid"
	}
	return "unknown"
}

// ParamSource tells where a parameter came from.
type ParamSource int

const (
	SourceQuery ParamSource = iota
	SourceBody
	SourceCookie
)

func (s ParamSource) String() string {
	switch s {
	case SourceBody:
		return "body"
	case SourceCookie:
		return "cookie"
	}
	return "query"
}

// MarshalText renders the source name in JSON output.
func (s ParamSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Param is one request parameter.
type Param struct {
	Name   string      `json:"name"`
	Value  string      `json:"value"`
	Source ParamSource `json:"source"`
}

// Params keeps parameters in arrival order. Duplicates are separate entries.
type Params []Param

// Get returns the first value stored under name.
func (p Params) Get(name string) (string, bool) {
	for _, e := range p {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}

// GetAll returns every value stored under name in arrival order.
func (p Params) GetAll(name string) []string {
	var out []string
	for _, e := range p {
		if e.Name == name {
			out = append(out, e.Value)
		}
	}
	return out
}

// FromSource returns the parameters with the given source.
func (p Params) FromSource(src ParamSource) Params {
	var out Params
	for _, e := range p {
		if e.Source == src {
			out = append(out, e)
		}
	}
	return out
}

func (p *Params) addAll(src urlencoded.Params, source ParamSource) {
	for _, e := range src {
		*p = append(*p, Param{Name: e.Name, Value: e.Value, Source: source})
	}
}

// FileSource tells how a file reached the server.
type FileSource int

const (
	FileMultipart FileSource = iota
	FilePut
)

// FileData is a piece of an uploaded file. Data is only valid during the
// hook call; Last marks the final piece.
type FileData struct {
	Source   FileSource
	Name     string // form field name, multipart only
	Filename string
	Data     []byte
	Last     bool
}

// Transaction is one request and its response.
type Transaction struct {
	Index int `json:"index"`

	// Request
	RequestIgnoredLines    int                   `json:"request_ignored_lines,omitempty"`
	RequestLine            string                `json:"request_line"`
	RequestMethod          string                `json:"request_method"`
	RequestMethodNumber    Method                `json:"request_method_number"`
	RequestURI             string                `json:"request_uri"`
	RequestProtocol        string                `json:"request_protocol,omitempty"`
	RequestProtocolNumber  types.Protocol        `json:"request_protocol_number"`
	IsProtocol09           bool                  `json:"is_protocol_0_9,omitempty"`
	ParsedURIRaw           *normalize.URI        `json:"parsed_uri_raw,omitempty"`
	ParsedURI              *normalize.URI        `json:"parsed_uri,omitempty"`
	RequestHostname        string                `json:"request_hostname,omitempty"`
	RequestPort            int                   `json:"request_port"`
	RequestHeaders         *Headers              `json:"request_headers"`
	RequestHeaderLines     []HeaderLine          `json:"request_header_lines,omitempty"`
	RequestTrailers        *Headers              `json:"request_trailers,omitempty"`
	RequestMessageLen      int64                 `json:"request_message_len"`
	RequestEntityLen       int64                 `json:"request_entity_len"`
	RequestContentLength   int64                 `json:"request_content_length"`
	RequestTransferCoding  TransferCoding        `json:"request_transfer_coding"`
	RequestContentEncoding []decompress.Encoding `json:"request_content_encoding,omitempty"`
	RequestContentType     string                `json:"request_content_type,omitempty"`
	RequestCookies         Params                `json:"request_cookies,omitempty"`
	RequestAuthType        AuthType              `json:"request_auth_type"`
	RequestAuthUsername    string                `json:"request_auth_username,omitempty"`
	RequestAuthPassword    string                `json:"request_auth_password,omitempty"`
	RequestAuthToken       string                `json:"request_auth_token,omitempty"`
	Params                 Params                `json:"params,omitempty"`
	Multipart              *multipart.Body       `json:"multipart,omitempty"`
	RequestProgress        RequestProgress       `json:"request_progress"`

	// Response
	ResponseIgnoredLines    int                   `json:"response_ignored_lines,omitempty"`
	ResponseLine            string                `json:"response_line,omitempty"`
	ResponseProtocol        string                `json:"response_protocol,omitempty"`
	ResponseProtocolNumber  types.Protocol        `json:"response_protocol_number"`
	ResponseStatus          string                `json:"response_status,omitempty"`
	ResponseStatusNumber    int                   `json:"response_status_number"`
	ResponseMessage         string                `json:"response_message,omitempty"`
	Seen100Continue         int                   `json:"seen_100_continue,omitempty"`
	ResponseHeaders         *Headers              `json:"response_headers"`
	ResponseHeaderLines     []HeaderLine          `json:"response_header_lines,omitempty"`
	ResponseTrailers        *Headers              `json:"response_trailers,omitempty"`
	ResponseMessageLen      int64                 `json:"response_message_len"`
	ResponseEntityLen       int64                 `json:"response_entity_len"`
	ResponseContentLength   int64                 `json:"response_content_length"`
	ResponseTransferCoding  TransferCoding        `json:"response_transfer_coding"`
	ResponseContentEncoding []decompress.Encoding `json:"response_content_encoding,omitempty"`
	ResponseContentType     string                `json:"response_content_type,omitempty"`
	ResponseProgress        ResponseProgress      `json:"response_progress"`

	Flags types.Flags `json:"flags"`

	done bool // TransactionComplete has fired
}

func newTransaction(index int) *Transaction {
	return &Transaction{
		Index:                  index,
		RequestPort:            -1,
		RequestProtocolNumber:  types.ProtocolUnknown,
		RequestHeaders:         NewHeaders(),
		RequestTrailers:        NewHeaders(),
		RequestContentLength:   -1,
		ResponseProtocolNumber: types.ProtocolUnknown,
		ResponseStatusNumber:   -1,
		ResponseHeaders:        NewHeaders(),
		ResponseTrailers:       NewHeaders(),
		ResponseContentLength:  -1,
	}
}

// IsComplete reports whether both the request and the response are done.
func (tx *Transaction) IsComplete() bool {
	return tx.RequestProgress == RequestComplete && tx.ResponseProgress == ResponseComplete
}
