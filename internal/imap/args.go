package imap

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var errUnterminatedQuote = errors.New("imap: unterminated quoted string")

// ArgScanner walks the argument tail of a collected command token by
// token. Tokens are atoms, quoted strings, parenthesized lists (returned
// whole, including the parentheses), or literals. When the scanner reaches
// a literal header at the end of the current line it yields the
// corresponding literal body and continues on the line that followed it.
type ArgScanner struct {
	line     []byte   // current line remainder, CRLF and literal header stripped
	literals [][]byte // literal bodies, in order
	lines    [][]byte // continuation lines following each literal
	next     int      // index of the next literal
	pending  bool     // current line exhausted, a literal is next
}

// NewArgScanner builds a scanner over a first-line argument tail plus the
// literal bodies and continuation lines that completed the command.
func NewArgScanner(args []byte, literals, lines [][]byte) *ArgScanner {
	s := &ArgScanner{literals: literals, lines: lines}
	s.setLine(args)
	return s
}

func (s *ArgScanner) setLine(line []byte) {
	line = bytes.TrimRight(line, "\r\n")
	if _, ok := ParseLiteral(line); ok {
		// Strip the {n} header; the literal body is yielded as the
		// next token.
		idx := bytes.LastIndexByte(line, '{')
		line = line[:idx]
		s.pending = true
	} else {
		s.pending = false
	}
	s.line = line
}

// Next returns the next token. ok is false when the arguments are
// exhausted. Quoted strings are returned unescaped, literals are returned
// as raw bytes converted to string.
func (s *ArgScanner) Next() (token string, ok bool, err error) {
	s.line = bytes.TrimLeft(s.line, " ")
	if len(s.line) == 0 {
		if !s.pending || s.next >= len(s.literals) {
			return "", false, nil
		}
		lit := s.literals[s.next]
		var follow []byte
		if s.next < len(s.lines) {
			follow = s.lines[s.next]
		}
		s.next++
		s.setLine(follow)
		return string(lit), true, nil
	}

	switch s.line[0] {
	case '"':
		var b strings.Builder
		i := 1
		for i < len(s.line) {
			c := s.line[i]
			if c == '\\' && i+1 < len(s.line) {
				b.WriteByte(s.line[i+1])
				i += 2
				continue
			}
			if c == '"' {
				s.line = s.line[i+1:]
				return b.String(), true, nil
			}
			b.WriteByte(c)
			i++
		}
		return "", false, errUnterminatedQuote

	case '(':
		depth := 0
		for i := 0; i < len(s.line); i++ {
			switch s.line[i] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					tok := string(s.line[:i+1])
					s.line = s.line[i+1:]
					return tok, true, nil
				}
			}
		}
		return "", false, fmt.Errorf("imap: unterminated list: %q", s.line)

	default:
		idx := bytes.IndexByte(s.line, ' ')
		if idx < 0 {
			tok := string(s.line)
			s.line = nil
			return tok, true, nil
		}
		tok := string(s.line[:idx])
		s.line = s.line[idx+1:]
		return tok, true, nil
	}
}

// Quote wraps s in double quotes, escaping backslashes and double quotes
// per RFC 3501.
func Quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// NeedsQuoting reports whether s cannot be sent as a bare atom.
func NeedsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x21 || b > 0x7e {
			return true
		}
		switch b {
		case '(', ')', '{', '%', '*', '"', '\\':
			return true
		}
	}
	return false
}

// AString renders s as an IMAP astring: a bare atom when possible,
// otherwise a quoted string.
func AString(s string) string {
	if NeedsQuoting(s) {
		return Quote(s)
	}
	return s
}
