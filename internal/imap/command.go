// Package imap implements the subset of the IMAP4rev1 wire grammar the
// proxy needs: command lines, literal headers, tagged/untagged/continuation
// responses, and argument tokenizing.
package imap

import (
	"bytes"
	"errors"
	"strings"
)

// Command represents a parsed IMAP command line.
type Command struct {
	Tag     string // e.g. "A001"
	Verb    string // uppercased, e.g. "SELECT", "UID"
	SubVerb string // for UID commands: "FETCH", "STORE", etc.
	Args    []byte // raw argument tail after the verb (after the sub-verb for UID), without CRLF
	Raw     []byte // original line including CRLF
}

var (
	errEmptyLine   = errors.New("imap: empty line")
	errMissingTag  = errors.New("imap: missing tag")
	errMissingVerb = errors.New("imap: missing verb")
)

// Name returns the command name the client issued, including the UID
// prefix for UID sub-commands.
func (c Command) Name() string {
	if c.Verb == "UID" && c.SubVerb != "" {
		return "UID " + c.SubVerb
	}
	return c.Verb
}

// ParseCommand parses an IMAP command line into a Command.
// The line should include the trailing CRLF.
func ParseCommand(line []byte) (Command, error) {
	if len(line) == 0 {
		return Command{}, errEmptyLine
	}

	// Work on a copy without CRLF for parsing, but preserve Raw.
	raw := make([]byte, len(line))
	copy(raw, line)

	data := bytes.TrimRight(line, "\r\n")
	if len(data) == 0 {
		return Command{}, errEmptyLine
	}

	// Find first SP → tag.
	spIdx := bytes.IndexByte(data, ' ')
	if spIdx < 0 {
		// No space: the whole thing is a tag with no verb. Bare DONE
		// terminates IDLE and carries no tag; handle it gracefully.
		token := strings.ToUpper(string(data))
		if token == "DONE" {
			return Command{Tag: "", Verb: "DONE", Raw: raw}, nil
		}
		return Command{}, errMissingVerb
	}

	tag := string(data[:spIdx])
	if tag == "" {
		return Command{}, errMissingTag
	}
	if !validTag(tag) {
		return Command{}, errMissingTag
	}

	rest := data[spIdx+1:]
	if len(rest) == 0 {
		return Command{}, errMissingVerb
	}

	// Find next SP → verb.
	sp2 := bytes.IndexByte(rest, ' ')
	var verb string
	var afterVerb []byte
	if sp2 < 0 {
		verb = string(rest)
	} else {
		verb = string(rest[:sp2])
		afterVerb = rest[sp2+1:]
	}

	verb = strings.ToUpper(verb)
	if verb == "" {
		return Command{}, errMissingVerb
	}

	cmd := Command{
		Tag:  tag,
		Verb: verb,
		Args: afterVerb,
		Raw:  raw,
	}

	// If verb is UID, extract the sub-verb from the next token.
	if verb == "UID" && len(afterVerb) > 0 {
		sp3 := bytes.IndexByte(afterVerb, ' ')
		if sp3 < 0 {
			cmd.SubVerb = strings.ToUpper(string(afterVerb))
			cmd.Args = nil
		} else {
			cmd.SubVerb = strings.ToUpper(string(afterVerb[:sp3]))
			cmd.Args = afterVerb[sp3+1:]
		}
	}

	return cmd, nil
}

// validTag reports whether s is an acceptable client tag: printable ASCII
// excluding the characters RFC 3501 forbids in tags.
func validTag(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x21 || b > 0x7e {
			return false
		}
		switch b {
		case '(', ')', '{', '%', '*', '"', '\\', '+':
			return false
		}
	}
	return len(s) > 0
}
