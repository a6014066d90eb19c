// Package dispatch maps parsed client commands to a handling mode and the
// (action, folder) pairs the policy engine must approve before anything
// reaches the upstream server.
package dispatch

import (
	"fmt"
	"strings"

	"imap-acl-proxy/internal/imap"
	"imap-acl-proxy/internal/policy"
)

// Mode selects how the session bridge handles a command.
type Mode int

const (
	// ModePass forwards the command verbatim and relays responses back.
	ModePass Mode = iota
	// ModePreCheck evaluates Checks before forwarding; denial fabricates
	// a tagged NO without contacting upstream.
	ModePreCheck
	// ModeFilter forwards the command, buffers every untagged response
	// until the tagged completion, and filters the set before relaying.
	ModeFilter
	// ModeDeny answers with a tagged NO without contacting upstream.
	ModeDeny
	// ModeSpecial is handled directly by the session bridge
	// (LOGOUT, CLOSE, IDLE, and authentication verbs).
	ModeSpecial
)

// Decision is the classification of one client command.
type Decision struct {
	Mode          Mode
	Checks        []policy.Check
	NeedsSelected bool   // command is only valid in Selected state
	Mailbox       string // target mailbox for SELECT/EXAMINE/STATUS/APPEND
	Destination   string // destination mailbox for COPY/MOVE
	Composite     bool   // COPY/MOVE: multiple folders involved
}

// passVerbs forward without a policy gate. They touch no folder beyond
// what an earlier SELECT already authorized structurally.
var passVerbs = map[string]bool{
	"NOOP": true,
}

// deniedVerbs are recognized but unconditionally refused: no action
// category covers namespace mutation.
var deniedVerbs = map[string]bool{
	"CREATE":      true,
	"DELETE":      true,
	"RENAME":      true,
	"SUBSCRIBE":   true,
	"UNSUBSCRIBE": true,
}

// specialVerbs are handled by the session bridge itself.
var specialVerbs = map[string]bool{
	"LOGOUT":       true,
	"CLOSE":        true,
	"IDLE":         true,
	"DONE":         true,
	"LOGIN":        true,
	"AUTHENTICATE": true,
	"STARTTLS":     true,
	"CAPABILITY":   true,
}

// Classify maps a command to its handling mode and required permissions.
// selected is the currently selected folder, or "" when none. The scanner
// must cover the command's argument tail including any literal arguments.
func Classify(cmd imap.Command, args *imap.ArgScanner, selected string) (Decision, error) {
	verb := cmd.Verb
	if verb == "UID" {
		switch cmd.SubVerb {
		case "FETCH", "SEARCH", "STORE", "COPY", "MOVE", "EXPUNGE":
			verb = cmd.SubVerb
		default:
			return Decision{Mode: ModeDeny}, nil
		}
	}

	switch {
	case specialVerbs[verb]:
		return Decision{Mode: ModeSpecial}, nil
	case deniedVerbs[verb]:
		return Decision{Mode: ModeDeny}, nil
	case passVerbs[verb]:
		return Decision{Mode: ModePass}, nil
	}

	switch verb {
	case "LIST", "LSUB":
		return Decision{Mode: ModeFilter}, nil

	case "CHECK":
		return Decision{Mode: ModePass, NeedsSelected: true}, nil

	case "SELECT", "EXAMINE", "STATUS":
		mailbox, err := firstArg(args, verb)
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			Mode:    ModePreCheck,
			Checks:  []policy.Check{{Action: policy.ActionView, Folder: mailbox}},
			Mailbox: mailbox,
		}, nil

	case "FETCH", "SEARCH":
		return Decision{
			Mode:          ModePreCheck,
			NeedsSelected: true,
			Checks:        []policy.Check{{Action: policy.ActionRead, Folder: selected}},
		}, nil

	case "EXPUNGE":
		return Decision{
			Mode:          ModePreCheck,
			NeedsSelected: true,
			Checks:        []policy.Check{{Action: policy.ActionDeleteMsgs, Folder: selected}},
		}, nil

	case "STORE":
		checks := []policy.Check{{Action: policy.ActionWriteFlags, Folder: selected}}
		settingDeleted, err := storeSetsDeleted(args)
		if err != nil {
			return Decision{}, err
		}
		if settingDeleted {
			checks = append(checks, policy.Check{Action: policy.ActionDeleteMsgs, Folder: selected})
		}
		return Decision{Mode: ModePreCheck, NeedsSelected: true, Checks: checks}, nil

	case "APPEND":
		mailbox, err := firstArg(args, verb)
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			Mode:    ModePreCheck,
			Checks:  []policy.Check{{Action: policy.ActionAppend, Folder: mailbox}},
			Mailbox: mailbox,
		}, nil

	case "COPY", "MOVE":
		dest, err := secondArg(args, verb)
		if err != nil {
			return Decision{}, err
		}
		checks := []policy.Check{{Action: policy.ActionRead, Folder: selected}}
		if verb == "MOVE" {
			checks = append(checks, policy.Check{Action: policy.ActionDeleteMsgs, Folder: selected})
		}
		checks = append(checks, policy.Check{Action: policy.ActionAppend, Folder: dest})
		return Decision{
			Mode:          ModePreCheck,
			NeedsSelected: true,
			Checks:        checks,
			Destination:   dest,
			Composite:     true,
		}, nil
	}

	// Unrecognized commands are denied by default rather than silently
	// misinterpreted.
	return Decision{Mode: ModeDeny}, nil
}

func firstArg(args *imap.ArgScanner, verb string) (string, error) {
	tok, ok, err := args.Next()
	if err != nil {
		return "", err
	}
	if !ok || tok == "" {
		return "", fmt.Errorf("dispatch: %s: missing mailbox argument", verb)
	}
	return tok, nil
}

func secondArg(args *imap.ArgScanner, verb string) (string, error) {
	if _, ok, err := args.Next(); err != nil || !ok {
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("dispatch: %s: missing sequence set", verb)
	}
	return firstArg(args, verb)
}

// storeSetsDeleted reports whether a STORE argument list sets the
// \Deleted flag, which escalates the required action from write_flags to
// delete_msgs as well. Removing \Deleted (-FLAGS) does not set it.
func storeSetsDeleted(args *imap.ArgScanner) (bool, error) {
	// Skip the sequence set.
	if _, ok, err := args.Next(); err != nil || !ok {
		return false, err
	}
	op, ok, err := args.Next()
	if err != nil || !ok {
		return false, err
	}
	if strings.HasPrefix(op, "-") {
		return false, nil
	}
	for {
		tok, ok, err := args.Next()
		if err != nil || !ok {
			return false, err
		}
		if containsDeletedFlag(tok) {
			return true, nil
		}
	}
}

func containsDeletedFlag(tok string) bool {
	tok = strings.Trim(tok, "()")
	for _, f := range strings.Fields(tok) {
		if strings.EqualFold(f, `\Deleted`) {
			return true
		}
	}
	return false
}
