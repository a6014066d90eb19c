package policy

// RuleSet is the ordered list of rules granted to one virtual user.
// It is immutable once built and safe for unsynchronized concurrent use.
type RuleSet []Rule

// Effective computes the effective permission for a folder: the union of
// the actions granted by every rule whose matcher accepts the path. An
// empty result means the folder is invisible and every action on it is
// denied. The result is independent of rule order.
func (rs RuleSet) Effective(folder string) ActionSet {
	var set ActionSet
	for _, r := range rs {
		if r.Matcher.Matches(folder) {
			set = set.Union(r.Actions)
		}
	}
	return set
}

// Authorize reports whether action is granted on folder. Default deny:
// a folder with no matching rule denies everything.
func (rs RuleSet) Authorize(action Action, folder string) bool {
	return rs.Effective(folder).Has(action)
}

// AuthorizeAll reports whether every (action, folder) pair is granted,
// short-circuiting on the first denial. It returns the denied pair for
// diagnostics.
func (rs RuleSet) AuthorizeAll(checks []Check) (ok bool, denied Check) {
	for _, c := range checks {
		if !rs.Authorize(c.Action, c.Folder) {
			return false, c
		}
	}
	return true, Check{}
}

// Check is one (action, folder) pair a command requires.
type Check struct {
	Action Action
	Folder string
}
