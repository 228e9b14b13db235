package httpstream

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/burpheart/httpsift/pkg/decompress"
	"github.com/burpheart/httpsift/pkg/htp"
	"github.com/burpheart/httpsift/pkg/types"
)

const (
	// maxFrameSize is the largest gRPC message accepted.
	maxFrameSize = 16 * 1024 * 1024
	// maxProtoDepth bounds nested message guessing.
	maxProtoDepth = 8
)

// GRPCFrame represents a single gRPC message frame.
// gRPC uses length-prefixed framing: [1-byte compressed flag][4-byte length][message]
type GRPCFrame struct {
	Compressed bool   // Frame compressed flag (header[0] == 1)
	Data       []byte // Message data (decompressed if compressed flag was set)
	RawData    []byte // Original raw data (for debugging if decompression fails)
}

// ProtoField is one field of a protobuf message decoded without a schema.
// Length-delimited values are shown as a nested message when they parse
// as one, as text when printable, and as raw bytes otherwise.
type ProtoField struct {
	Number  protowire.Number `json:"number"`
	Wire    string           `json:"wire"` // varint, fixed32, fixed64, bytes, group
	Varint  uint64           `json:"varint,omitempty"`
	Fixed   uint64           `json:"fixed,omitempty"`
	Text    string           `json:"text,omitempty"`
	Bytes   []byte           `json:"bytes,omitempty"`
	Message []ProtoField     `json:"message,omitempty"`
}

// GRPCMessage represents a parsed gRPC message.
type GRPCMessage struct {
	Service    string          // e.g., "helloworld.Greeter"
	Method     string          // e.g., "SayHello"
	FullMethod string          // e.g., "/helloworld.Greeter/SayHello"
	Direction  types.Direction // C2S (request) or S2C (response)
	Frame      *GRPCFrame      // Raw frame
	Fields     []ProtoField    // Schema-less decoding
	JSON       string          // JSON representation (typed when the registry knows the message)
	Error      string          // Parsing error (if any)

	// Streaming info
	IsStreaming bool // More than one frame in the body
	FrameIndex  int  // Frame index in streaming (0-based)
	Compressed  bool // Frame compressed flag
}

// GRPCStatus is the outcome reported by a gRPC server in its trailers.
type GRPCStatus struct {
	Code    codes.Code `json:"code"`
	Name    string     `json:"name"`
	Message string     `json:"message,omitempty"`
}

// GRPCParser parses gRPC frames and messages.
type GRPCParser struct {
	registry *MessageRegistry
	encoding decompress.Encoding
}

// NewGRPCParser creates a new gRPC parser. Compressed frames are expected
// in the given message encoding; gzip is the gRPC default.
func NewGRPCParser(registry *MessageRegistry, encoding decompress.Encoding) *GRPCParser {
	if encoding == decompress.EncodingNone {
		encoding = decompress.EncodingGzip
	}
	return &GRPCParser{registry: registry, encoding: encoding}
}

// ParseMethodFromURL extracts service and method from gRPC URL path.
// Format: /package.Service/Method
func ParseMethodFromURL(url string) (service, method, fullMethod string) {
	fullMethod = url
	path := strings.TrimPrefix(url, "/")

	idx := strings.LastIndex(path, "/")
	if idx == -1 {
		return "", "", fullMethod
	}

	service = path[:idx]
	method = path[idx+1:]
	return service, method, fullMethod
}

// SplitFrames cuts a body into gRPC frames. Frames that cannot be read
// completely end the split with an error; the frames before it are kept.
func (p *GRPCParser) SplitFrames(body []byte) ([]*GRPCFrame, error) {
	var frames []*GRPCFrame
	for len(body) > 0 {
		if len(body) < 5 {
			return frames, errors.Errorf("truncated frame header (%d bytes)", len(body))
		}
		compressed := body[0] == 1
		length := binary.BigEndian.Uint32(body[1:5])
		if length > maxFrameSize {
			return frames, errors.Errorf("gRPC frame too large: %d bytes", length)
		}
		if uint32(len(body)-5) < length {
			return frames, errors.Errorf("truncated frame: want %d bytes, have %d", length, len(body)-5)
		}
		raw := body[5 : 5+length]
		body = body[5+length:]

		frame := &GRPCFrame{Compressed: compressed, RawData: raw, Data: raw}
		if compressed {
			// Keep raw data for debugging, Data will be nil
			frame.Data, _ = p.decompress(raw)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (p *GRPCParser) decompress(data []byte) ([]byte, error) {
	out := []byte{}
	d, err := decompress.New([]decompress.Encoding{p.encoding}, func(b []byte) {
		out = append(out, b...)
	}, decompress.DefaultOptions())
	if err != nil {
		return nil, err
	}
	defer d.Close()
	if err := d.Write(data); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseMessage decodes one frame. The registry is consulted first; without
// a known type the message is decoded from the wire format alone.
func (p *GRPCParser) ParseMessage(frame *GRPCFrame, service, method string, dir types.Direction) *GRPCMessage {
	msg := &GRPCMessage{
		Service:    service,
		Method:     method,
		FullMethod: "/" + service + "/" + method,
		Direction:  dir,
		Frame:      frame,
		Compressed: frame.Compressed,
	}

	data := frame.Data
	if frame.Compressed && data == nil {
		msg.Error = p.encoding.String() + " decompression failed"
		return msg
	}
	if len(data) == 0 {
		msg.JSON = "{}"
		return msg
	}

	if msgType := p.registry.lookup(service, method, dir); msgType != nil {
		protoMsg := msgType.New().Interface()
		if err := proto.Unmarshal(data, protoMsg); err != nil {
			msg.Error = fmt.Sprintf("unmarshal error: %v", err)
		} else if b, err := (protojson.MarshalOptions{}).Marshal(protoMsg); err != nil {
			msg.Error = fmt.Sprintf("json marshal error: %v", err)
		} else {
			msg.JSON = string(b)
			return msg
		}
	}

	fields, err := DecodeProto(data)
	if err != nil {
		if msg.Error == "" {
			msg.Error = err.Error()
		}
		return msg
	}
	msg.Fields = fields
	msg.JSON = renderFields(fields)
	return msg
}

// DecodeProto decodes protobuf wire format without a schema.
func DecodeProto(b []byte) ([]ProtoField, error) {
	return decodeFields(b, 0)
}

func decodeFields(b []byte, depth int) ([]ProtoField, error) {
	var fields []ProtoField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "tag")
		}
		b = b[n:]

		f := ProtoField{Number: num}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			f.Wire, f.Varint = "varint", v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			f.Wire, f.Fixed = "fixed32", uint64(v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			f.Wire, f.Fixed = "fixed64", v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			f.Wire = "bytes"
			classifyBytes(&f, v, depth)
			b = b[n:]
		case protowire.StartGroupType:
			v, n := protowire.ConsumeGroup(num, b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			f.Wire = "group"
			if depth < maxProtoDepth {
				f.Message, _ = decodeFields(v, depth+1)
			}
			b = b[n:]
		default:
			return nil, errors.Errorf("field %d: unexpected wire type %d", num, typ)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func classifyBytes(f *ProtoField, v []byte, depth int) {
	if len(v) > 0 && utf8.Valid(v) && isPrintableText(v) {
		f.Text = string(v)
		return
	}
	if len(v) > 0 && depth < maxProtoDepth {
		if nested, err := decodeFields(v, depth+1); err == nil {
			f.Message = nested
			return
		}
	}
	f.Bytes = append([]byte(nil), v...)
}

// renderFields renders decoded fields as a compact JSON-like object keyed
// by field number.
func renderFields(fields []ProtoField) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(`"` + strconv.Itoa(int(f.Number)) + `":`)
		switch {
		case f.Message != nil:
			sb.WriteString(renderFields(f.Message))
		case f.Wire == "varint":
			sb.WriteString(strconv.FormatUint(f.Varint, 10))
		case f.Wire == "fixed32" || f.Wire == "fixed64":
			sb.WriteString(strconv.FormatUint(f.Fixed, 10))
		case f.Text != "":
			sb.WriteString(strconv.Quote(f.Text))
		default:
			sb.WriteString(`"0x` + fmt.Sprintf("%x", f.Bytes) + `"`)
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

// ContentTypeInfo describes the content type for gRPC/Connect parsing.
type ContentTypeInfo struct {
	IsGRPC               bool // Standard gRPC with length-prefixed framing
	IsConnectProto       bool // Connect Protocol unary with raw protobuf (no framing)
	IsConnectStreamProto bool // Connect Protocol streaming with envelope framing
}

// ParseContentType analyzes a normalized content type (lowercase, no
// parameters) for gRPC/Connect protocols.
func ParseContentType(contentType string) ContentTypeInfo {
	return ContentTypeInfo{
		IsGRPC:               strings.HasPrefix(contentType, "application/grpc"),
		IsConnectProto:       contentType == "application/proto",
		IsConnectStreamProto: strings.HasPrefix(contentType, "application/connect+proto"),
	}
}

// IsGRPCContentType checks if the content type is gRPC or Connect Protocol.
func IsGRPCContentType(contentType string) bool {
	info := ParseContentType(contentType)
	return info.IsGRPC || info.IsConnectProto || info.IsConnectStreamProto
}

// HasEnvelopeFraming checks if the content type uses envelope/length-prefixed framing.
func (c ContentTypeInfo) HasEnvelopeFraming() bool {
	return c.IsGRPC || c.IsConnectStreamProto
}

// ParseGRPCBody parses a gRPC body and returns its messages.
// Handles:
// - Standard gRPC (application/grpc*): length-prefixed framing
// - Connect Protocol unary (application/proto): raw protobuf, no framing
// - Connect Protocol streaming (application/connect+proto): envelope framing
func ParseGRPCBody(body []byte, service, method string, dir types.Direction, registry *MessageRegistry, contentType string, encoding decompress.Encoding) []*GRPCMessage {
	parser := NewGRPCParser(registry, encoding)

	if !ParseContentType(contentType).HasEnvelopeFraming() {
		frame := &GRPCFrame{Data: body, RawData: body}
		return []*GRPCMessage{parser.ParseMessage(frame, service, method, dir)}
	}

	frames, err := parser.SplitFrames(body)
	messages := make([]*GRPCMessage, 0, len(frames)+1)
	for i, frame := range frames {
		msg := parser.ParseMessage(frame, service, method, dir)
		msg.FrameIndex = i
		msg.IsStreaming = len(frames) > 1
		messages = append(messages, msg)
	}
	if err != nil {
		messages = append(messages, &GRPCMessage{
			Service:    service,
			Method:     method,
			FullMethod: "/" + service + "/" + method,
			Direction:  dir,
			FrameIndex: len(frames),
			Error:      fmt.Sprintf("frame read error: %v", err),
		})
	}
	return messages
}

// InspectGRPC decodes the gRPC messages of an exchange, when its request
// or response carries a gRPC content type.
func InspectGRPC(ex *Exchange, registry *MessageRegistry) []*GRPCMessage {
	tx := ex.Tx
	if !IsGRPCContentType(tx.RequestContentType) && !IsGRPCContentType(tx.ResponseContentType) {
		return nil
	}
	path := tx.RequestURI
	if tx.ParsedURI != nil && tx.ParsedURI.Path != "" {
		path = tx.ParsedURI.Path
	}
	service, method, _ := ParseMethodFromURL(path)

	var out []*GRPCMessage
	if len(ex.RequestBody) > 0 {
		enc := messageEncoding(tx.RequestHeaders)
		out = append(out, ParseGRPCBody(ex.RequestBody, service, method, types.ClientToServer, registry, tx.RequestContentType, enc)...)
	}
	if len(ex.ResponseBody) > 0 {
		enc := messageEncoding(tx.ResponseHeaders)
		out = append(out, ParseGRPCBody(ex.ResponseBody, service, method, types.ServerToClient, registry, tx.ResponseContentType, enc)...)
	}
	return out
}

func messageEncoding(h *htp.Headers) decompress.Encoding {
	if v, ok := h.Value("grpc-encoding"); ok {
		return decompress.ParseEncoding(strings.TrimSpace(v))
	}
	if v, ok := h.Value("connect-content-encoding"); ok {
		return decompress.ParseEncoding(strings.TrimSpace(v))
	}
	return decompress.EncodingNone
}

// StatusOf returns the gRPC status a server reported, from the response
// trailers or, for trailers-only responses, the headers.
func StatusOf(tx *htp.Transaction) (*GRPCStatus, bool) {
	for _, h := range []*htp.Headers{tx.ResponseTrailers, tx.ResponseHeaders} {
		if h == nil {
			continue
		}
		v, ok := h.Value("grpc-status")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return nil, false
		}
		st := &GRPCStatus{Code: codes.Code(n)}
		st.Name = st.Code.String()
		st.Message, _ = h.Value("grpc-message")
		return st, true
	}
	return nil, false
}

// lookup resolves the protobuf type for one side of a method.
func (r *MessageRegistry) lookup(service, method string, dir types.Direction) protoreflect.MessageType {
	if r == nil {
		return nil
	}
	get := r.GetResponseType
	if dir == types.ClientToServer {
		get = r.GetRequestType
	}
	if mt := get(service, method); mt != nil {
		return mt
	}
	if service == "" || !r.TryParseFromGlobalRegistry(service, method) {
		return nil
	}
	return get(service, method)
}
