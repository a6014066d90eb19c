// Package policy implements the per-folder, per-action access-control
// model: actions, rule matchers, the authorization decision, and the
// folder namespace resolver.
package policy

import (
	"fmt"
	"strings"
)

// Action is one unit of permission granted on a folder.
type Action uint8

const (
	ActionView Action = 1 << iota
	ActionRead
	ActionWriteFlags
	ActionDeleteMsgs
	ActionAppend
)

var actionNames = map[Action]string{
	ActionView:       "view",
	ActionRead:       "read",
	ActionWriteFlags: "write_flags",
	ActionDeleteMsgs: "delete_msgs",
	ActionAppend:     "append",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ParseAction maps a config string to an Action.
func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("policy: unknown action %q", s)
}

// ActionSet is a set of Actions.
type ActionSet uint8

// NewActionSet builds a set from individual actions.
func NewActionSet(actions ...Action) ActionSet {
	var set ActionSet
	for _, a := range actions {
		set |= ActionSet(a)
	}
	return set
}

// Has reports whether a is in the set.
func (s ActionSet) Has(a Action) bool {
	return s&ActionSet(a) != 0
}

// Union returns the union of two sets.
func (s ActionSet) Union(o ActionSet) ActionSet {
	return s | o
}

// Empty reports whether no action is granted.
func (s ActionSet) Empty() bool {
	return s == 0
}

func (s ActionSet) String() string {
	var names []string
	for _, a := range []Action{ActionView, ActionRead, ActionWriteFlags, ActionDeleteMsgs, ActionAppend} {
		if s.Has(a) {
			names = append(names, a.String())
		}
	}
	return strings.Join(names, ",")
}
