package imap

import (
	"bytes"
	"errors"
	"strings"
)

// RespKind distinguishes the three shapes of server output.
type RespKind int

const (
	RespTagged RespKind = iota
	RespUntagged
	RespContinuation
)

// Response represents one parsed server response line. Literal data
// following the line is not part of Response; callers relay or buffer it
// using the Literal header on Raw.
type Response struct {
	Kind   RespKind
	Tag    string // tagged responses only
	Status string // OK, NO, BAD, PREAUTH, BYE (tagged and status untagged)
	Text   string // human-readable remainder
	Raw    []byte // original line including CRLF
}

var errMalformedResponse = errors.New("imap: malformed response line")

// ParseResponse parses a single server response line (including CRLF).
func ParseResponse(line []byte) (Response, error) {
	raw := make([]byte, len(line))
	copy(raw, line)

	data := bytes.TrimRight(line, "\r\n")
	if len(data) == 0 {
		return Response{}, errMalformedResponse
	}

	switch data[0] {
	case '+':
		text := ""
		if len(data) > 1 {
			text = strings.TrimPrefix(string(data[1:]), " ")
		}
		return Response{Kind: RespContinuation, Text: text, Raw: raw}, nil

	case '*':
		if len(data) < 2 || data[1] != ' ' {
			return Response{}, errMalformedResponse
		}
		rest := string(data[2:])
		resp := Response{Kind: RespUntagged, Text: rest, Raw: raw}
		// Status untagged responses (OK/NO/BAD/BYE/PREAUTH) carry a status word.
		if word, tail, found := strings.Cut(rest, " "); found || rest != "" {
			up := strings.ToUpper(word)
			switch up {
			case "OK", "NO", "BAD", "BYE", "PREAUTH":
				resp.Status = up
				resp.Text = tail
			}
		}
		return resp, nil
	}

	// Tagged completion: tag SP status SP text.
	tag, rest, found := strings.Cut(string(data), " ")
	if !found || tag == "" {
		return Response{}, errMalformedResponse
	}
	status, text, _ := strings.Cut(rest, " ")
	status = strings.ToUpper(status)
	switch status {
	case "OK", "NO", "BAD":
	default:
		return Response{}, errMalformedResponse
	}
	return Response{Kind: RespTagged, Tag: tag, Status: status, Text: text, Raw: raw}, nil
}

// ParseListResponse extracts the mailbox name from an IMAP LIST or LSUB
// untagged response. It returns ok=false if the line is not a LIST/LSUB
// response. Mailbox names sent as literals are not resolved here; the
// session buffers the literal bytes alongside the line.
func ParseListResponse(line []byte) (mailbox string, ok bool) {
	data := bytes.TrimRight(line, "\r\n")

	// Must start with "* "
	if len(data) < 7 || data[0] != '*' || data[1] != ' ' {
		return "", false
	}
	rest := data[2:]

	// Verb: LIST or LSUB (case-insensitive), followed by space.
	if len(rest) < 5 || rest[4] != ' ' {
		return "", false
	}
	verb := strings.ToUpper(string(rest[:4]))
	if verb != "LIST" && verb != "LSUB" {
		return "", false
	}
	rest = rest[5:]

	// Parenthesized attribute list.
	rest = bytes.TrimLeft(rest, " ")
	if len(rest) == 0 || rest[0] != '(' {
		return "", false
	}
	closeIdx := bytes.IndexByte(rest, ')')
	if closeIdx < 0 {
		return "", false
	}
	rest = rest[closeIdx+1:]

	// Hierarchy delimiter: quoted string or NIL.
	rest = bytes.TrimLeft(rest, " ")
	if len(rest) == 0 {
		return "", false
	}
	if rest[0] == '"' {
		end := bytes.IndexByte(rest[1:], '"')
		if end < 0 {
			return "", false
		}
		rest = rest[end+2:]
	} else if len(rest) >= 3 && strings.EqualFold(string(rest[:3]), "NIL") {
		rest = rest[3:]
	} else {
		return "", false
	}

	// Mailbox name: quoted string or atom.
	rest = bytes.TrimLeft(rest, " ")
	if len(rest) == 0 {
		return "", false
	}
	if rest[0] == '"' {
		var b strings.Builder
		i := 1
		for i < len(rest) {
			if rest[i] == '\\' && i+1 < len(rest) {
				b.WriteByte(rest[i+1])
				i += 2
				continue
			}
			if rest[i] == '"' {
				return b.String(), true
			}
			b.WriteByte(rest[i])
			i++
		}
		return "", false
	}
	return string(rest), true
}
