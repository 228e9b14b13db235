package htp

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/burpheart/httpsift/pkg/types"
)

// LogLevel orders engine diagnostics. Lower values are more severe.
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelNotice
	LogLevelInfo
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarning:
		return "warning"
	case LogLevelNotice:
		return "notice"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	}
	return "none"
}

// ParseLogLevel maps a level name to a LogLevel.
func ParseLogLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return LogLevelNone, nil
	case "error":
		return LogLevelError, nil
	case "warning", "warn":
		return LogLevelWarning, nil
	case "notice":
		return LogLevelNotice, nil
	case "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	}
	return LogLevelNone, errors.Errorf("unknown log level %q", name)
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogLevelError:
		return zapcore.ErrorLevel
	case LogLevelWarning:
		return zapcore.WarnLevel
	case LogLevelNotice, LogLevelInfo:
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

// LogCode identifies the kind of a diagnostic. Values are stable.
type LogCode int

const (
	LogCodeUnknown LogCode = iota
	LogCodeZeroLengthDataChunks
	LogCodeParserStateError
	LogCodeUnmatchedResponse
	LogCodeFieldTooLong
	LogCodeRequestLineLeadingWhitespace
	LogCodeMethodDelimNonCompliant
	LogCodeURIDelimNonCompliant
	LogCodeRequestLineUnknownMethod
	LogCodeRequestLineUnknownMethodNoProtocol
	LogCodeRequestLineUnknownMethodInvalidProtocol
	LogCodeRequestLineNoProtocol
	LogCodeFieldMissingColon
	LogCodeFieldEmptyName
	LogCodeFieldLWSAfterName
	LogCodeFieldNameNotToken
	LogCodeFieldFoldingInvalid
	LogCodeFieldFoldingDepth
	LogCodeFieldNul
	LogCodeHeaderRepetition
	LogCodeHeaderRepetitionLimit
	LogCodeContentLengthAmbiguous
	LogCodeContentLengthExtraData
	LogCodeContentLengthInvalid
	LogCodeTransferEncodingInvalid
	LogCodeTransferEncodingOldProtocol
	LogCodeContentLengthAndTransferEncoding
	LogCodeChunkLengthInvalid
	LogCodeBodyTruncated
	LogCodeHostMissing
	LogCodeHostAmbiguous
	LogCodeHostHeaderInvalid
	LogCodeURIHostInvalid
	LogCodeResponseLineInvalidProtocol
	LogCodeResponseLineInvalidStatus
	LogCodeResponseLineAsBody
	LogCodeResponseBodyUnexpected
	LogCodeSwitchingProtocolWithContentLength
	LogCodeContinueAlreadySeen
	LogCodeResponseMultipartByteranges
	LogCodeConnectTunnel
	LogCodeHTTP09ExtraData
	LogCodeDecompressionFailed
	LogCodeDecompressionBomb
	LogCodeDecompressionUnsupported
	LogCodeMultipartInvalid
	LogCodeMultipartIncomplete
	LogCodeAuthUnrecognized
	LogCodeAuthInvalid
	LogCodeStreamGap
)

var logCodeNames = map[LogCode]string{
	LogCodeUnknown:                                 "UNKNOWN",
	LogCodeZeroLengthDataChunks:                    "ZERO_LENGTH_DATA_CHUNKS",
	LogCodeParserStateError:                        "PARSER_STATE_ERROR",
	LogCodeUnmatchedResponse:                       "UNMATCHED_RESPONSE",
	LogCodeFieldTooLong:                            "FIELD_TOO_LONG",
	LogCodeRequestLineLeadingWhitespace:            "REQUEST_LINE_LEADING_WHITESPACE",
	LogCodeMethodDelimNonCompliant:                 "METHOD_DELIM_NON_COMPLIANT",
	LogCodeURIDelimNonCompliant:                    "URI_DELIM_NON_COMPLIANT",
	LogCodeRequestLineUnknownMethod:                "REQUEST_LINE_UNKNOWN_METHOD",
	LogCodeRequestLineUnknownMethodNoProtocol:      "REQUEST_LINE_UNKNOWN_METHOD_NO_PROTOCOL",
	LogCodeRequestLineUnknownMethodInvalidProtocol: "REQUEST_LINE_UNKNOWN_METHOD_INVALID_PROTOCOL",
	LogCodeRequestLineNoProtocol:                   "REQUEST_LINE_NO_PROTOCOL",
	LogCodeFieldMissingColon:                       "FIELD_MISSING_COLON",
	LogCodeFieldEmptyName:                          "FIELD_EMPTY_NAME",
	LogCodeFieldLWSAfterName:                       "FIELD_LWS_AFTER_NAME",
	LogCodeFieldNameNotToken:                       "FIELD_NAME_NOT_TOKEN",
	LogCodeFieldFoldingInvalid:                     "FIELD_FOLDING_INVALID",
	LogCodeFieldFoldingDepth:                       "FIELD_FOLDING_DEPTH",
	LogCodeFieldNul:                                "FIELD_NUL",
	LogCodeHeaderRepetition:                        "HEADER_REPETITION",
	LogCodeHeaderRepetitionLimit:                   "HEADER_REPETITION_LIMIT",
	LogCodeContentLengthAmbiguous:                  "CONTENT_LENGTH_AMBIGUOUS",
	LogCodeContentLengthExtraData:                  "CONTENT_LENGTH_EXTRA_DATA",
	LogCodeContentLengthInvalid:                    "CONTENT_LENGTH_INVALID",
	LogCodeTransferEncodingInvalid:                 "TRANSFER_ENCODING_INVALID",
	LogCodeTransferEncodingOldProtocol:             "TRANSFER_ENCODING_OLD_PROTOCOL",
	LogCodeContentLengthAndTransferEncoding:        "CONTENT_LENGTH_AND_TRANSFER_ENCODING",
	LogCodeChunkLengthInvalid:                      "CHUNK_LENGTH_INVALID",
	LogCodeBodyTruncated:                           "BODY_TRUNCATED",
	LogCodeHostMissing:                             "HOST_MISSING",
	LogCodeHostAmbiguous:                           "HOST_AMBIGUOUS",
	LogCodeHostHeaderInvalid:                       "HOST_HEADER_INVALID",
	LogCodeURIHostInvalid:                          "URI_HOST_INVALID",
	LogCodeResponseLineInvalidProtocol:             "RESPONSE_LINE_INVALID_PROTOCOL",
	LogCodeResponseLineInvalidStatus:               "RESPONSE_LINE_INVALID_STATUS",
	LogCodeResponseLineAsBody:                      "RESPONSE_LINE_AS_BODY",
	LogCodeResponseBodyUnexpected:                  "RESPONSE_BODY_UNEXPECTED",
	LogCodeSwitchingProtocolWithContentLength:      "SWITCHING_PROTOCOL_WITH_CONTENT_LENGTH",
	LogCodeContinueAlreadySeen:                     "CONTINUE_ALREADY_SEEN",
	LogCodeResponseMultipartByteranges:             "RESPONSE_MULTIPART_BYTERANGES",
	LogCodeConnectTunnel:                           "CONNECT_TUNNEL",
	LogCodeHTTP09ExtraData:                         "HTTP_0_9_EXTRA_DATA",
	LogCodeDecompressionFailed:                     "DECOMPRESSION_FAILED",
	LogCodeDecompressionBomb:                       "DECOMPRESSION_BOMB",
	LogCodeDecompressionUnsupported:                "DECOMPRESSION_UNSUPPORTED",
	LogCodeMultipartInvalid:                        "MULTIPART_INVALID",
	LogCodeMultipartIncomplete:                     "MULTIPART_INCOMPLETE",
	LogCodeAuthUnrecognized:                        "AUTH_UNRECOGNIZED",
	LogCodeAuthInvalid:                             "AUTH_INVALID",
	LogCodeStreamGap:                               "STREAM_GAP",
}

func (c LogCode) String() string {
	if name, ok := logCodeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText renders the code name in JSON output.
func (c LogCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// LogEntry is one diagnostic recorded on a connection.
type LogEntry struct {
	Time      time.Time       `json:"time"`
	Level     LogLevel        `json:"level"`
	Code      LogCode         `json:"code"`
	Message   string          `json:"message"`
	TxIndex   int             `json:"tx_index"` // -1 when no transaction was active
	Direction types.Direction `json:"direction"`
}

// log records a diagnostic for the given direction. Entries above the
// configured level are dropped.
func (p *ConnectionParser) log(s *stream, level LogLevel, code LogCode, msg string) {
	if level > p.cfg.LogLevel {
		return
	}
	entry := &LogEntry{
		Time:      s.ts,
		Level:     level,
		Code:      code,
		Message:   msg,
		TxIndex:   -1,
		Direction: s.dir,
	}
	if s.tx != nil {
		entry.TxIndex = s.tx.Index
	}
	p.conn.messages = append(p.conn.messages, entry)

	if ce := p.logger.Check(level.zapLevel(), msg); ce != nil {
		ce.Write(
			zap.Stringer("code", code),
			zap.Int("tx", entry.TxIndex),
			zap.Stringer("dir", s.dir),
		)
	}
	if p.cfg.Hooks.Log != nil {
		p.cfg.Hooks.Log(entry)
	}
}

// warnOnce raises flag on the active transaction and logs only the first time.
func (p *ConnectionParser) warnOnce(s *stream, flag types.Flags, code LogCode, msg string) {
	if s.tx == nil {
		return
	}
	if s.tx.Flags.HasAll(flag) {
		return
	}
	s.tx.Flags.Set(flag)
	p.log(s, LogLevelWarning, code, msg)
}
