// Package httpstream drives the HTTP engine over live or captured TCP
// connections and reports what it finds.
package httpstream

import (
	"time"

	"github.com/burpheart/httpsift/pkg/htp"
	"github.com/burpheart/httpsift/pkg/types"
)

// Exchange is a transaction together with the connection it belongs to
// and the body bytes the session kept for it.
type Exchange struct {
	SessionID string
	Host      string
	Conn      *htp.Connection
	Tx        *htp.Transaction
	Timestamp time.Time

	RequestBody           []byte
	ResponseBody          []byte
	RequestBodyTruncated  bool
	ResponseBodyTruncated bool

	// Incomplete is set for transactions still open when the connection ended.
	Incomplete bool

	GRPC []*GRPCMessage
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
	Retry int
	Raw   []byte // Original data for non-standard formats
}

// Logger interface for HTTP stream logging.
type Logger interface {
	// LogRequest logs a request once its headers are parsed.
	LogRequest(ex *Exchange)
	// LogResponse logs a response once its headers are parsed.
	LogResponse(ex *Exchange)
	// LogTransaction logs a finished transaction with its anomalies.
	LogTransaction(ex *Exchange)
	// LogSSE logs an SSE event.
	LogSSE(host string, event *SSEEvent)
	// LogBody logs body data chunk.
	LogBody(direction types.Direction, host string, data []byte)
	// LogGRPC logs a gRPC message.
	LogGRPC(msg *GRPCMessage)
	// LogEngine logs a diagnostic raised by the engine.
	LogEngine(host string, entry *htp.LogEntry)
	// Debug logs debug information.
	Debug(format string, args ...interface{})
}

// NopLogger is a no-op logger.
type NopLogger struct{}

func (NopLogger) LogRequest(ex *Exchange)                            {}
func (NopLogger) LogResponse(ex *Exchange)                           {}
func (NopLogger) LogTransaction(ex *Exchange)                        {}
func (NopLogger) LogSSE(host string, event *SSEEvent)                {}
func (NopLogger) LogBody(dir types.Direction, host string, _ []byte) {}
func (NopLogger) LogGRPC(msg *GRPCMessage)                           {}
func (NopLogger) LogEngine(host string, entry *htp.LogEntry)         {}
func (NopLogger) Debug(format string, args ...interface{})           {}

// Tee returns a Logger that forwards every call to all of loggers.
func Tee(loggers ...Logger) Logger {
	var out multiLogger
	for _, l := range loggers {
		if l == nil {
			continue
		}
		if _, nop := l.(NopLogger); nop {
			continue
		}
		out = append(out, l)
	}
	switch len(out) {
	case 0:
		return NopLogger{}
	case 1:
		return out[0]
	}
	return out
}

type multiLogger []Logger

func (m multiLogger) LogRequest(ex *Exchange) {
	for _, l := range m {
		l.LogRequest(ex)
	}
}

func (m multiLogger) LogResponse(ex *Exchange) {
	for _, l := range m {
		l.LogResponse(ex)
	}
}

func (m multiLogger) LogTransaction(ex *Exchange) {
	for _, l := range m {
		l.LogTransaction(ex)
	}
}

func (m multiLogger) LogSSE(host string, event *SSEEvent) {
	for _, l := range m {
		l.LogSSE(host, event)
	}
}

func (m multiLogger) LogBody(dir types.Direction, host string, data []byte) {
	for _, l := range m {
		l.LogBody(dir, host, data)
	}
}

func (m multiLogger) LogGRPC(msg *GRPCMessage) {
	for _, l := range m {
		l.LogGRPC(msg)
	}
}

func (m multiLogger) LogEngine(host string, entry *htp.LogEntry) {
	for _, l := range m {
		l.LogEngine(host, entry)
	}
}

func (m multiLogger) Debug(format string, args ...interface{}) {
	for _, l := range m {
		l.Debug(format, args...)
	}
}
