package imap

import (
	"bytes"
	"strconv"
)

// Literal describes a literal header found at the end of a line.
type Literal struct {
	Size    int64
	NonSync bool // {n+} (LITERAL+)
}

// ParseLiteral scans the line (which should include CRLF) for an IMAP
// literal header of the form {N} or {N+} at the end. The N bytes that
// follow the line are opaque data, regardless of any embedded CR or LF,
// and are themselves followed by the rest of the command or response.
func ParseLiteral(line []byte) (lit Literal, ok bool) {
	data := bytes.TrimRight(line, "\r\n")
	if len(data) < 3 || data[len(data)-1] != '}' {
		return Literal{}, false
	}

	openIdx := bytes.LastIndexByte(data[:len(data)-1], '{')
	if openIdx < 0 {
		return Literal{}, false
	}

	inner := data[openIdx+1 : len(data)-1]
	if len(inner) == 0 {
		return Literal{}, false
	}

	if inner[len(inner)-1] == '+' {
		lit.NonSync = true
		inner = inner[:len(inner)-1]
		if len(inner) == 0 {
			return Literal{}, false
		}
	}

	for _, b := range inner {
		if b < '0' || b > '9' {
			return Literal{}, false
		}
	}

	n, err := strconv.ParseInt(string(inner), 10, 64)
	if err != nil || n < 0 {
		return Literal{}, false
	}
	lit.Size = n
	return lit, true
}
