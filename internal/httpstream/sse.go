package httpstream

import (
	"bytes"
	"strconv"
	"strings"
)

// sseLineLimit bounds a single buffered SSE line.
const sseLineLimit = 1 << 20

// SSEParser parses Server-Sent Events from response body data as it
// arrives. Compatible with non-standard SSE implementations.
type SSEParser struct {
	buf     []byte
	lastID  string
	strict  bool
	event   SSEEvent
	raw     [][]byte
	hasData bool
}

// SSEOption configures an SSEParser.
type SSEOption func(*SSEParser)

// WithStrict enables strict SSE parsing mode.
func WithStrict(strict bool) SSEOption {
	return func(p *SSEParser) { p.strict = strict }
}

// NewSSEParser creates a new push-style SSE parser.
func NewSSEParser(opts ...SSEOption) *SSEParser {
	p := &SSEParser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Write consumes body data and returns the events it completed.
func (p *SSEParser) Write(data []byte) []*SSEEvent {
	p.buf = append(p.buf, data...)

	var events []*SSEEvent
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := p.buf[:i+1]
		p.buf = p.buf[i+1:]
		if ev := p.line(line); ev != nil {
			events = append(events, ev)
		}
	}
	if len(p.buf) > sseLineLimit {
		// Not an event stream we can follow; drop the line.
		p.buf = nil
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return events
}

// Flush ends the stream and returns the pending event, if any.
func (p *SSEParser) Flush() *SSEEvent {
	if len(p.buf) > 0 {
		line := p.buf
		p.buf = nil
		if ev := p.line(line); ev != nil {
			return ev
		}
	}
	if p.hasData {
		return p.emit()
	}
	return nil
}

// line handles one line including its terminator.
func (p *SSEParser) line(line []byte) *SSEEvent {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))

	// Empty line = event separator
	if len(line) == 0 {
		if p.hasData {
			return p.emit()
		}
		p.raw = nil
		p.event = SSEEvent{}
		return nil
	}

	p.raw = append(p.raw, bytes.Clone(line))
	if line[0] == ':' {
		return nil
	}

	field, value := parseSSEField(line, p.strict)
	switch field {
	case "data":
		p.event.Data += value + "\n"
		p.hasData = true
	case "event":
		p.event.Event = value
	case "id":
		// id must not contain NULL
		if strings.IndexByte(value, 0) < 0 {
			p.event.ID = value
			p.lastID = value
		}
	case "retry":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			p.event.Retry = n
		}
	}
	return nil
}

func (p *SSEParser) emit() *SSEEvent {
	ev := p.event
	ev.Data = strings.TrimSuffix(ev.Data, "\n")
	ev.Raw = bytes.Join(p.raw, []byte("\n"))
	if ev.ID == "" {
		ev.ID = p.lastID
	}
	p.event = SSEEvent{}
	p.raw = nil
	p.hasData = false
	return &ev
}

// parseSSEField parses an SSE field line.
// Standard: "field: value" or "field:value"
// Non-standard: "field value" (some implementations, lenient mode only)
func parseSSEField(line []byte, strict bool) (field, value string) {
	idx := bytes.IndexByte(line, ':')
	if idx == -1 {
		if !strict {
			parts := bytes.SplitN(line, []byte(" "), 2)
			if len(parts) == 2 {
				return string(parts[0]), string(bytes.TrimSpace(parts[1]))
			}
		}
		return string(line), ""
	}

	field = string(line[:idx])
	value = string(line[idx+1:])

	// if : is followed by a space, skip it
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}

	return field, value
}

// LastEventID returns the last event ID seen.
func (p *SSEParser) LastEventID() string {
	return p.lastID
}

// isEventStream reports whether a normalized content type carries SSE.
func isEventStream(contentType string) bool {
	return contentType == "text/event-stream"
}
