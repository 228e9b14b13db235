package httpstream

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/burpheart/httpsift/pkg/htp"
	"github.com/burpheart/httpsift/pkg/types"
)

// DefaultLogger implements Logger with configurable verbosity.
type DefaultLogger struct {
	mu       sync.Mutex
	output   io.Writer
	level    types.LogLevel
	colorize bool
	now      func() time.Time
}

// LoggerOption configures a DefaultLogger.
type LoggerOption func(*DefaultLogger)

// WithOutput sets the output writer.
func WithOutput(w io.Writer) LoggerOption {
	return func(l *DefaultLogger) { l.output = w }
}

// WithLevel sets the log level.
func WithLevel(level types.LogLevel) LoggerOption {
	return func(l *DefaultLogger) { l.level = level }
}

// WithColor enables/disables colorized output.
func WithColor(colorize bool) LoggerOption {
	return func(l *DefaultLogger) { l.colorize = colorize }
}

// NewDefaultLogger creates a new DefaultLogger.
func NewDefaultLogger(opts ...LoggerOption) *DefaultLogger {
	l := &DefaultLogger{
		output:   os.Stdout,
		level:    types.LogLevelBasic,
		colorize: true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

func (l *DefaultLogger) color(c, s string) string {
	if l.colorize {
		return c + s + colorReset
	}
	return s
}

func (l *DefaultLogger) timestamp() string {
	return l.now().Format("15:04:05.000")
}

func (l *DefaultLogger) arrow(dir types.Direction) string {
	if dir == types.ServerToClient {
		return l.color(colorPurple, "←")
	}
	return l.color(colorGreen, "→")
}

// LogRequest logs an HTTP request.
func (l *DefaultLogger) LogRequest(ex *Exchange) {
	if l.level < types.LogLevelBasic {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := ex.Tx
	fmt.Fprintf(l.output, "%s %s %s %s%s\n",
		l.color(colorGray, l.timestamp()),
		l.arrow(types.ClientToServer),
		l.color(colorCyan, tx.RequestMethod),
		hostOf(ex),
		tx.RequestURI,
	)

	if l.level >= types.LogLevelHeaders {
		l.headers(tx.RequestHeaders)
	}
}

// LogResponse logs an HTTP response.
func (l *DefaultLogger) LogResponse(ex *Exchange) {
	if l.level < types.LogLevelBasic {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := ex.Tx
	statusColor := colorGreen
	if tx.ResponseStatusNumber >= 400 || tx.ResponseStatusNumber < 0 {
		statusColor = colorRed
	} else if tx.ResponseStatusNumber >= 300 {
		statusColor = colorYellow
	}

	fmt.Fprintf(l.output, "%s %s %s %s [%s]\n",
		l.color(colorGray, l.timestamp()),
		l.arrow(types.ServerToClient),
		l.color(statusColor, tx.ResponseStatus),
		hostOf(ex),
		tx.ResponseContentType,
	)

	if l.level >= types.LogLevelHeaders {
		l.headers(tx.ResponseHeaders)
	}
}

func (l *DefaultLogger) headers(h *htp.Headers) {
	for _, hdr := range h.All() {
		fmt.Fprintf(l.output, "  %s: %s\n", l.color(colorYellow, hdr.Name), hdr.Value)
	}
}

// LogTransaction logs the anomalies of a finished transaction. Clean
// transactions are only shown at debug level.
func (l *DefaultLogger) LogTransaction(ex *Exchange) {
	tx := ex.Tx
	anomalous := tx.Flags != 0 || ex.Incomplete
	if l.level < types.LogLevelBasic || (!anomalous && l.level < types.LogLevelDebug) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	state := "complete"
	if ex.Incomplete {
		state = fmt.Sprintf("incomplete (request %s, response %s)", tx.RequestProgress, tx.ResponseProgress)
	}
	mark := l.color(colorGray, "=")
	if anomalous {
		mark = l.color(colorRed, "!")
	}

	fmt.Fprintf(l.output, "%s %s #%d %s %s%s %s\n",
		l.color(colorGray, l.timestamp()),
		mark,
		tx.Index,
		tx.RequestMethod,
		hostOf(ex),
		tx.RequestURI,
		state,
	)
	if tx.Flags != 0 {
		fmt.Fprintf(l.output, "  %s\n", l.color(colorRed, strings.Join(tx.Flags.Names(), " ")))
	}
	if l.level >= types.LogLevelDebug {
		fmt.Fprintf(l.output, "  request %d/%d bytes %s, response %d/%d bytes %s\n",
			tx.RequestMessageLen, tx.RequestEntityLen, tx.RequestTransferCoding,
			tx.ResponseMessageLen, tx.ResponseEntityLen, tx.ResponseTransferCoding,
		)
	}
}

// LogSSE logs an SSE event.
func (l *DefaultLogger) LogSSE(host string, event *SSEEvent) {
	if l.level < types.LogLevelDebug {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	eventType := event.Event
	if eventType == "" {
		eventType = "message"
	}

	data := truncateString(event.Data, 200)
	data = strings.ReplaceAll(data, "\n", "\\n")

	fmt.Fprintf(l.output, "%s %s %s [%s] %s\n",
		l.color(colorGray, l.timestamp()),
		l.color(colorBlue, "SSE"),
		host,
		l.color(colorCyan, eventType),
		data,
	)
}

// LogBody logs body data chunk.
func (l *DefaultLogger) LogBody(dir types.Direction, host string, data []byte) {
	if l.level < types.LogLevelBody {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Show first 100 bytes
	preview := data
	if len(preview) > 100 {
		preview = preview[:100]
	}

	shown := "<binary>"
	if isPrintableText(preview) {
		shown = strings.ReplaceAll(string(preview), "\n", "\\n")
	}
	fmt.Fprintf(l.output, "%s %s BODY %s (%d bytes): %s\n",
		l.color(colorGray, l.timestamp()),
		l.arrow(dir),
		host,
		len(data),
		shown,
	)
}

// LogGRPC logs a gRPC message.
func (l *DefaultLogger) LogGRPC(msg *GRPCMessage) {
	if l.level < types.LogLevelBasic {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if msg.Error != "" {
		fmt.Fprintf(l.output, "%s %s gRPC %s/%s [ERROR: %s]\n",
			l.color(colorGray, l.timestamp()),
			l.arrow(msg.Direction),
			l.color(colorCyan, msg.Service),
			l.color(colorYellow, msg.Method),
			l.color(colorRed, msg.Error),
		)
		return
	}
	fmt.Fprintf(l.output, "%s %s gRPC %s/%s %s\n",
		l.color(colorGray, l.timestamp()),
		l.arrow(msg.Direction),
		l.color(colorCyan, msg.Service),
		l.color(colorYellow, msg.Method),
		truncateString(msg.JSON, 200),
	)
}

// LogEngine logs an engine diagnostic. Errors are always shown, the rest
// at debug level.
func (l *DefaultLogger) LogEngine(host string, entry *htp.LogEntry) {
	if l.level < types.LogLevelBasic {
		return
	}
	if entry.Level > htp.LogLevelError && l.level < types.LogLevelDebug {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	levelColor := colorYellow
	if entry.Level <= htp.LogLevelError {
		levelColor = colorRed
	}
	fmt.Fprintf(l.output, "%s %s %s %s %s\n",
		l.color(colorGray, l.timestamp()),
		l.color(levelColor, "["+strings.ToUpper(entry.Level.String())+"]"),
		host,
		l.arrow(entry.Direction),
		entry.Message,
	)
}

// Debug logs debug information.
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	if l.level < types.LogLevelDebug {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.output, "%s %s %s\n",
		l.color(colorGray, l.timestamp()),
		l.color(colorGray, "[DEBUG]"),
		fmt.Sprintf(format, args...),
	)
}

// hostOf prefers the host the engine resolved for the transaction.
func hostOf(ex *Exchange) string {
	if ex.Tx.RequestHostname != "" {
		if ex.Tx.RequestPort > 0 {
			return fmt.Sprintf("%s:%d", ex.Tx.RequestHostname, ex.Tx.RequestPort)
		}
		return ex.Tx.RequestHostname
	}
	return ex.Host
}
