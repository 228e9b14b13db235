package httpstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/burpheart/httpsift/pkg/htp"
	"github.com/burpheart/httpsift/pkg/types"
)

// Record represents a single JSONL record.
type Record struct {
	Timestamp   string `json:"ts"`
	SessionID   string `json:"session"`
	SessionSeq  int64  `json:"seq"`   // Global session sequence number
	RecordIndex int64  `json:"index"` // Record index within session
	Type        string `json:"type"`  // request, response, transaction, sse, body, grpc, log, error, debug

	// Request fields
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
	Host   string `json:"host,omitempty"`
	Path   string `json:"path,omitempty"`

	// Response fields
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`

	// Transaction fields
	TxIndex       *int           `json:"tx,omitempty"`
	Flags         []string       `json:"flags,omitempty"`
	Incomplete    bool           `json:"incomplete,omitempty"`
	RequestLen    int64          `json:"request_len,omitempty"`
	ResponseLen   int64          `json:"response_len,omitempty"`
	Params        []RecordParam  `json:"params,omitempty"`
	Response      *RecordPayload `json:"response,omitempty"`
	GRPCStatus    string         `json:"grpc_status,omitempty"`
	GRPCStatusMsg string         `json:"grpc_message,omitempty"`

	// SSE fields
	EventType string `json:"event_type,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	EventData string `json:"event_data,omitempty"`

	// Headers - always included for request/response
	Headers map[string][]string `json:"headers,omitempty"`

	// Body fields
	Direction     string `json:"direction,omitempty"`      // C2S or S2C
	Size          int    `json:"size,omitempty"`           // Body size in bytes
	Body          string `json:"body,omitempty"`           // Full body (text)
	BodyBase64    string `json:"body_base64,omitempty"`    // Full body (base64 for binary)
	BodyEncoding  string `json:"body_encoding,omitempty"`  // "text" or "base64"
	BodyTruncated bool   `json:"body_truncated,omitempty"` // Body exceeded the capture limit
	ContentType   string `json:"content_type,omitempty"`   // Content-Type header

	// gRPC fields
	GRPCService    string `json:"grpc_service,omitempty"`
	GRPCMethod     string `json:"grpc_method,omitempty"`
	GRPCData       string `json:"grpc_data,omitempty"`        // JSON representation of protobuf message
	GRPCStreaming  bool   `json:"grpc_streaming,omitempty"`   // Is this a streaming RPC
	GRPCFrameIndex int    `json:"grpc_frame_index,omitempty"` // Frame index in streaming (0-based)
	GRPCCompressed bool   `json:"grpc_compressed,omitempty"`  // Frame compressed flag
	GRPCRawData    string `json:"grpc_raw,omitempty"`         // Base64 raw frame data (on error)

	// Engine log fields
	Level string `json:"level,omitempty"`
	Code  int    `json:"code,omitempty"`

	// Error
	Error string `json:"error,omitempty"`
}

// FlagBits turns the flag names of a transaction record back into a
// bitmap. Names that are not registered are skipped.
func (r *Record) FlagBits() types.Flags {
	var fl types.Flags
	for _, name := range r.Flags {
		if f, ok := types.ParseFlagName(name); ok {
			fl |= f
		}
	}
	return fl
}

// RecordParam is one request parameter in a transaction record.
type RecordParam struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Source string `json:"source"`

	// Repeated marks a name that carries more than one value, the shape
	// of parameter pollution.
	Repeated bool `json:"repeated,omitempty"`
}

// RecordPayload carries the response half of a transaction record.
type RecordPayload struct {
	Status        int                 `json:"status,omitempty"`
	Headers       map[string][]string `json:"headers,omitempty"`
	ContentType   string              `json:"content_type,omitempty"`
	Size          int                 `json:"size,omitempty"`
	Body          string              `json:"body,omitempty"`
	BodyBase64    string              `json:"body_base64,omitempty"`
	BodyEncoding  string              `json:"body_encoding,omitempty"`
	BodyTruncated bool                `json:"body_truncated,omitempty"`
}

// RecordCallback is called when a record is written.
type RecordCallback func(Record)

// Recorder writes HTTP traffic to JSONL file with session tracking.
type Recorder struct {
	mu       sync.Mutex
	closer   io.Closer
	encoder  *json.Encoder
	logLevel types.LogLevel
	now      func() time.Time

	// Stats
	records    atomic.Int64
	sessionSeq atomic.Int64 // Session sequence counter
	anomalies  atomic.Int64 // Transactions with at least one flag

	// Callbacks
	onRecord RecordCallback

	// Memory cache for recent records (for initial frontend load)
	cacheMu      sync.RWMutex
	recordCache  []Record
	maxCacheSize int
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogLevel sets the log level for recording.
func WithRecorderLogLevel(level types.LogLevel) RecorderOption {
	return func(r *Recorder) { r.logLevel = level }
}

// WithOnRecord sets a callback for each record written.
func WithOnRecord(cb RecordCallback) RecorderOption {
	return func(r *Recorder) { r.onRecord = cb }
}

// WithCacheSize sets the maximum number of records to cache in memory.
func WithCacheSize(size int) RecorderOption {
	return func(r *Recorder) { r.maxCacheSize = size }
}

// NewRecorder creates a new JSONL recorder appending to path.
func NewRecorder(path string, opts ...RecorderOption) (*Recorder, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_SYNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open recorder file")
	}
	r := NewRecorderTo(file, opts...)
	r.closer = file
	return r, nil
}

// NewRecorderTo creates a recorder writing to w. Close does not close w.
func NewRecorderTo(w io.Writer, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		encoder:      json.NewEncoder(w),
		logLevel:     types.LogLevelBasic,
		now:          time.Now,
		recordCache:  make([]Record, 0, 1000),
		maxCacheSize: 1000, // Keep last 1000 records for initial load
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Close closes the recorder file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// write writes a record to the output (thread-safe, sync write).
func (r *Recorder) write(rec Record) error {
	r.mu.Lock()
	if err := r.encoder.Encode(rec); err != nil {
		r.mu.Unlock()
		return errors.Wrap(err, "encode record")
	}
	r.mu.Unlock()

	r.records.Add(1)

	// Add to cache
	r.addToCache(rec)

	// Call callback if set
	if r.onRecord != nil {
		r.onRecord(rec)
	}

	return nil
}

// addToCache adds a record to the memory cache.
func (r *Recorder) addToCache(rec Record) {
	if r.maxCacheSize <= 0 {
		return
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.recordCache = append(r.recordCache, rec)

	// Trim if over max size (remove oldest)
	if len(r.recordCache) > r.maxCacheSize {
		r.recordCache = r.recordCache[len(r.recordCache)-r.maxCacheSize:]
	}
}

// RecordCount returns the number of records written.
func (r *Recorder) RecordCount() int64 {
	return r.records.Load()
}

// SessionCount returns the number of sessions opened.
func (r *Recorder) SessionCount() int64 {
	return r.sessionSeq.Load()
}

// AnomalyCount returns the number of recorded transactions that carried
// anomaly flags.
func (r *Recorder) AnomalyCount() int64 {
	return r.anomalies.Load()
}

// Session represents a tracked connection. It implements Logger, so it
// can be handed straight to a Parser.
type Session struct {
	ID       string
	Seq      int64 // Global session sequence number
	Host     string
	recorder *Recorder

	mu          sync.Mutex
	recordIndex int64 // Record index counter within session
}

var _ Logger = (*Session)(nil)

// NewSession creates a new tracked session.
func (r *Recorder) NewSession(host string) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Seq:      r.sessionSeq.Add(1),
		Host:     host,
		recorder: r,
	}
}

// record fills the session columns of rec and writes it.
func (s *Session) record(rec Record) {
	s.mu.Lock()
	s.recordIndex++
	rec.RecordIndex = s.recordIndex
	s.mu.Unlock()

	rec.Timestamp = s.recorder.now().Format(time.RFC3339Nano)
	rec.SessionID = s.ID
	rec.SessionSeq = s.Seq
	if rec.Host == "" {
		rec.Host = s.Host
	}
	// A failed write only loses the record; traffic keeps flowing.
	_ = s.recorder.write(rec)
}

// LogRequest logs an HTTP request.
// Note: Always records to JSONL regardless of log level.
func (s *Session) LogRequest(ex *Exchange) {
	tx := ex.Tx
	s.record(Record{
		Type:        "request",
		TxIndex:     intPtr(tx.Index),
		Method:      tx.RequestMethod,
		URL:         tx.RequestURI,
		Host:        hostOf(ex),
		Path:        uriPath(tx),
		Headers:     headerMap(tx.RequestHeaders),
		ContentType: tx.RequestContentType,
	})
}

// LogResponse logs an HTTP response.
// Note: Always records to JSONL regardless of log level.
func (s *Session) LogResponse(ex *Exchange) {
	tx := ex.Tx
	s.record(Record{
		Type:        "response",
		TxIndex:     intPtr(tx.Index),
		Status:      tx.ResponseStatusNumber,
		StatusText:  tx.ResponseMessage,
		Host:        hostOf(ex),
		Headers:     headerMap(tx.ResponseHeaders),
		ContentType: tx.ResponseContentType,
	})
}

// LogTransaction writes the full transaction: request and response
// metadata, the captured bodies and every anomaly flag.
func (s *Session) LogTransaction(ex *Exchange) {
	tx := ex.Tx
	if tx.Flags != 0 {
		s.recorder.anomalies.Add(1)
	}

	rec := Record{
		Type:        "transaction",
		TxIndex:     intPtr(tx.Index),
		Method:      tx.RequestMethod,
		URL:         tx.RequestURI,
		Host:        hostOf(ex),
		Path:        uriPath(tx),
		Flags:       tx.Flags.Names(),
		Incomplete:  ex.Incomplete,
		RequestLen:  tx.RequestMessageLen,
		ResponseLen: tx.ResponseMessageLen,
		Headers:     headerMap(tx.RequestHeaders),
		ContentType: tx.RequestContentType,
	}
	for _, p := range tx.Params {
		rec.Params = append(rec.Params, RecordParam{
			Name:     p.Name,
			Value:    p.Value,
			Source:   p.Source.String(),
			Repeated: len(tx.Params.GetAll(p.Name)) > 1,
		})
	}
	if len(ex.RequestBody) > 0 {
		rec.Size = len(ex.RequestBody)
		rec.BodyEncoding, rec.Body, rec.BodyBase64 = encodeBody(ex.RequestBody)
		rec.BodyTruncated = ex.RequestBodyTruncated
	}

	if tx.ResponseProgress > htp.ResponseNotStarted {
		resp := &RecordPayload{
			Status:        tx.ResponseStatusNumber,
			Headers:       headerMap(tx.ResponseHeaders),
			ContentType:   tx.ResponseContentType,
			BodyTruncated: ex.ResponseBodyTruncated,
		}
		if len(ex.ResponseBody) > 0 {
			resp.Size = len(ex.ResponseBody)
			resp.BodyEncoding, resp.Body, resp.BodyBase64 = encodeBody(ex.ResponseBody)
		}
		rec.Response = resp
	}

	if st, ok := StatusOf(tx); ok {
		rec.GRPCStatus = st.Name
		rec.GRPCStatusMsg = st.Message
	}

	s.record(rec)
}

// LogSSE logs an SSE event.
// Note: Always records to JSONL regardless of log level.
func (s *Session) LogSSE(host string, event *SSEEvent) {
	eventType := event.Event
	if eventType == "" {
		eventType = "message"
	}

	s.record(Record{
		Type:      "sse",
		Host:      host,
		EventType: eventType,
		EventID:   event.ID,
		EventData: truncateString(event.Data, 1000),
	})
}

// LogBody logs a body chunk. Transaction records already carry the
// captured bodies, so chunks are only kept at body level.
func (s *Session) LogBody(dir types.Direction, host string, data []byte) {
	if len(data) == 0 || s.recorder.logLevel < types.LogLevelBody {
		return
	}

	rec := Record{
		Type:      "body",
		Direction: dir.String(),
		Host:      host,
		Size:      len(data),
	}
	rec.BodyEncoding, rec.Body, rec.BodyBase64 = encodeBody(data)

	s.record(rec)
}

// LogGRPC logs a gRPC message.
func (s *Session) LogGRPC(msg *GRPCMessage) {
	rec := Record{
		Type:           "grpc",
		Direction:      msg.Direction.String(),
		GRPCService:    msg.Service,
		GRPCMethod:     msg.Method,
		URL:            msg.FullMethod,
		GRPCStreaming:  msg.IsStreaming,
		GRPCFrameIndex: msg.FrameIndex,
		GRPCCompressed: msg.Compressed,
	}

	if msg.JSON != "" {
		rec.GRPCData = msg.JSON
	} else if msg.Frame != nil {
		rec.Size = len(msg.Frame.Data)
	}

	if msg.Error != "" {
		rec.Error = msg.Error
		// Include raw data on error for debugging
		if msg.Frame != nil && len(msg.Frame.RawData) > 0 {
			rec.GRPCRawData = base64.StdEncoding.EncodeToString(msg.Frame.RawData)
		}
	}

	s.record(rec)
}

// LogEngine records engine diagnostics. Errors are always kept, the rest
// only at debug level.
func (s *Session) LogEngine(host string, entry *htp.LogEntry) {
	if entry.Level > htp.LogLevelError && s.recorder.logLevel < types.LogLevelDebug {
		return
	}

	rec := Record{
		Type:      "log",
		Host:      host,
		Level:     entry.Level.String(),
		Code:      int(entry.Code),
		Direction: entry.Direction.String(),
		Error:     entry.Message,
	}
	if entry.TxIndex >= 0 {
		rec.TxIndex = intPtr(entry.TxIndex)
	}
	s.record(rec)
}

// Debug logs debug information.
func (s *Session) Debug(format string, args ...interface{}) {
	if s.recorder.logLevel < types.LogLevelDebug {
		return
	}

	s.record(Record{
		Type:  "debug",
		Error: fmt.Sprintf(format, args...),
	})
}

// LogError logs an error.
func (s *Session) LogError(err error) {
	s.record(Record{
		Type:  "error",
		Error: err.Error(),
	})
}

// GetRecentRecords returns the most recent records (for initial frontend load).
func (r *Recorder) GetRecentRecords(limit int) []interface{} {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if limit <= 0 || limit > len(r.recordCache) {
		limit = len(r.recordCache)
	}

	// Return the most recent records (last N items)
	start := len(r.recordCache) - limit

	results := make([]interface{}, 0, limit)
	for i := start; i < len(r.recordCache); i++ {
		results = append(results, r.recordCache[i])
	}

	return results
}

// headerMap flattens headers into the JSON shape of net/http headers.
// Names keep their original case; repeated names collect their values.
func headerMap(h *htp.Headers) map[string][]string {
	if h == nil || h.Len() == 0 {
		return nil
	}
	out := make(map[string][]string, h.Len())
	for _, hdr := range h.All() {
		out[hdr.Name] = append(out[hdr.Name], hdr.Value)
	}
	return out
}

func uriPath(tx *htp.Transaction) string {
	if tx.ParsedURI == nil {
		return ""
	}
	return tx.ParsedURI.Path
}

// encodeBody stores printable bodies as text and everything else as base64.
func encodeBody(data []byte) (encoding, text, b64 string) {
	if utf8.Valid(data) && isPrintableText(data) {
		return "text", string(data), ""
	}
	return "base64", "", base64.StdEncoding.EncodeToString(data)
}

// isPrintableText checks if data is printable text.
func isPrintableText(data []byte) bool {
	for _, b := range data {
		// Allow printable ASCII, newlines, tabs
		if b < 32 && b != '\n' && b != '\r' && b != '\t' {
			return false
		}
		// Reject DEL and most control chars
		if b == 127 {
			return false
		}
	}
	return true
}

// truncateString truncates string to max length.
func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func intPtr(v int) *int { return &v }
