package htp

import (
	"strings"

	"github.com/burpheart/httpsift/pkg/normalize"
	"github.com/burpheart/httpsift/pkg/types"
)

// headers consumes header lines until the empty line that ends the block
// or the end of the stream. It returns StatusOK once the block is done.
func (p *ConnectionParser) headers(s *stream, crEOL bool) types.Status {
	for {
		line, st := p.takeLine(s, crEOL)
		switch st {
		case types.StatusOK:
		case types.StatusData:
			// end of stream ends the block
			line = nil
		default:
			return st
		}

		chomped := normalize.Chomp(line)
		if len(chomped) == 0 {
			p.flushHeader(s)
			return types.StatusOK
		}
		if st := p.headerLine(s, chomped); st != types.StatusOK {
			return st
		}
	}
}

// headerLine handles one non-empty header line. A field is only stored
// when the next line shows it is not folded any further.
func (p *ConnectionParser) headerLine(s *stream, line []byte) types.Status {
	folded := normalize.IsLineFolded(line)
	p.recordLine(s, line, folded && s.header != nil)

	if folded && s.header != nil {
		s.folds++
		if s.folds == foldingLimit+1 {
			p.warnOnce(s, types.FlagFieldLong, LogCodeFieldFoldingDepth, "header folded too many times")
		}
		if len(s.header)+len(line) > p.cfg.hardLimit() {
			return p.fieldTooLong(s)
		}
		s.header = append(s.header, ' ')
		s.header = append(s.header, normalize.TrimLWS(line)...)
		s.headerFold = true
		return types.StatusOK
	}

	if folded {
		p.warnOnce(s, types.FlagInvalidFolding, LogCodeFieldFoldingInvalid, "folded header line without a previous header")
	}
	p.flushHeader(s)
	s.header = append([]byte(nil), line...)
	return types.StatusOK
}

func (p *ConnectionParser) recordLine(s *stream, line []byte, folded bool) {
	if s.trailer {
		return
	}
	hl := HeaderLine{Line: string(line), Folded: folded}
	if s.dir == types.ClientToServer {
		s.tx.RequestHeaderLines = append(s.tx.RequestHeaderLines, hl)
	} else {
		s.tx.ResponseHeaderLines = append(s.tx.ResponseHeaderLines, hl)
	}
}

func (p *ConnectionParser) flushHeader(s *stream) {
	if s.header == nil {
		return
	}
	p.addHeader(s, s.header, s.headerFold)
	s.header, s.headerFold, s.folds = nil, false, 0
}

func (s *stream) table() *Headers {
	switch {
	case s.dir == types.ClientToServer && s.trailer:
		return s.tx.RequestTrailers
	case s.dir == types.ClientToServer:
		return s.tx.RequestHeaders
	case s.trailer:
		return s.tx.ResponseTrailers
	}
	return s.tx.ResponseHeaders
}

// addHeader parses one logical field and stores it. Repeated names are
// combined into the first occurrence.
func (p *ConnectionParser) addHeader(s *stream, raw []byte, folded bool) {
	tx := s.tx
	name, value, problems := parseField(raw)
	h := &Header{Name: string(name), Value: string(value)}

	if folded {
		h.Flags.Set(types.FlagFieldFolded)
		tx.Flags.Set(types.FlagFieldFolded)
	}
	if problems&fieldMissingColon != 0 {
		h.Flags.Set(types.FlagFieldUnparseable | types.FlagFieldInvalid)
		p.warnOnce(s, types.FlagFieldUnparseable, LogCodeFieldMissingColon, "header field missing colon")
		tx.Flags.Set(types.FlagFieldInvalid)
	}
	if problems&fieldEmptyName != 0 && problems&fieldMissingColon == 0 {
		h.Flags.Set(types.FlagFieldInvalid)
		p.log(s, LogLevelWarning, LogCodeFieldEmptyName, "header field with empty name")
		tx.Flags.Set(types.FlagFieldInvalid)
	}
	if problems&fieldLWSAfterName != 0 {
		h.Flags.Set(types.FlagFieldInvalid)
		p.log(s, LogLevelWarning, LogCodeFieldLWSAfterName, "whitespace between header name and colon")
		tx.Flags.Set(types.FlagFieldInvalid)
	}
	if problems&fieldLeadingWhitespace != 0 {
		h.Flags.Set(types.FlagInvalidFolding)
		p.warnOnce(s, types.FlagInvalidFolding, LogCodeFieldFoldingInvalid, "header name with leading whitespace")
	}
	if problems&fieldNonToken != 0 {
		h.Flags.Set(types.FlagFieldInvalid)
		p.log(s, LogLevelWarning, LogCodeFieldNameNotToken, "header name is not a token")
		tx.Flags.Set(types.FlagFieldInvalid)
	}
	if problems&fieldNul != 0 {
		h.Flags.Set(types.FlagFieldRawNUL)
		p.warnOnce(s, types.FlagFieldRawNUL, LogCodeFieldNul, "NUL byte in header field")
	}

	tbl := s.table()
	existing := tbl.Get(h.Name)
	if existing == nil {
		tbl.add(h)
		return
	}

	if !tx.Flags.Has(types.FlagFieldRepeated) {
		p.log(s, LogLevelWarning, LogCodeHeaderRepetition, "repetition for header "+h.Name)
	}
	existing.Flags.Set(types.FlagFieldRepeated | h.Flags)
	tx.Flags.Set(types.FlagFieldRepeated)

	switch strings.ToLower(h.Name) {
	case "content-length":
		// Content-Length and Host are never joined; the first value is used.
		first := normalize.ParseContentLength([]byte(existing.Value))
		next := normalize.ParseContentLength(value)
		if first.Value != next.Value {
			if s.dir == types.ClientToServer {
				tx.Flags.Set(types.FlagRequestInvalidCL | types.FlagRequestSmuggling)
			} else {
				tx.Flags.Set(types.FlagRequestSmuggling)
			}
			p.log(s, LogLevelWarning, LogCodeContentLengthAmbiguous, "ambiguous Content-Length")
		}
		return
	case "host":
		if !strings.EqualFold(strings.TrimSpace(existing.Value), h.Value) {
			tx.Flags.Set(types.FlagHostAmbiguous)
			p.log(s, LogLevelWarning, LogCodeHostAmbiguous, "repeated Host header with a different value")
		}
		return
	}

	if existing.reps >= headerRepetitionLimit {
		if existing.reps == headerRepetitionLimit {
			existing.reps++
			p.log(s, LogLevelWarning, LogCodeHeaderRepetitionLimit, "too many repetitions for header "+h.Name)
		}
		return
	}
	existing.reps++
	existing.Value += ", " + h.Value
}

// trailersDone finishes a chunked message after its trailer block.
func (p *ConnectionParser) trailersDone(s *stream) types.Status {
	s.trailer = false
	if s.dir == types.ClientToServer {
		st := p.hook(p.cfg.Hooks.RequestTrailer, s.tx)
		return worst(st, p.reqFinish())
	}
	st := p.hook(p.cfg.Hooks.ResponseTrailer, s.tx)
	return worst(st, p.resFinish())
}
