package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher decides whether a rule applies to a folder path.
type Matcher interface {
	Matches(folder string) bool
}

// literalMatcher matches exactly one folder path. INBOX is
// case-insensitive per RFC 3501; the rest of the path is compared
// case-sensitively unless the upstream is configured otherwise.
type literalMatcher struct {
	path  string
	fold  bool
	delim string
}

func (m literalMatcher) Matches(folder string) bool {
	a := normalizeINBOX(folder, m.delim)
	b := normalizeINBOX(m.path, m.delim)
	if m.fold {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// patternMatcher matches when the full anchored pattern matches the path.
type patternMatcher struct {
	re *regexp.Regexp
}

func (m patternMatcher) Matches(folder string) bool {
	return m.re.MatchString(folder)
}

// NewLiteralMatcher builds a matcher for an exact folder path. delim is
// the upstream hierarchy delimiter, fold enables case-insensitive
// comparison for upstreams configured that way.
func NewLiteralMatcher(path string, fold bool, delim string) Matcher {
	if delim == "" {
		delim = "/"
	}
	return literalMatcher{path: path, fold: fold, delim: delim}
}

// NewPatternMatcher compiles a regex matcher. The pattern is anchored: it
// must match the entire folder path.
func NewPatternMatcher(expr string, fold bool) (Matcher, error) {
	if fold {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(`\A(?:` + expr + `)\z`)
	if err != nil {
		return nil, fmt.Errorf("policy: compile pattern %q: %w", expr, err)
	}
	return patternMatcher{re: re}, nil
}

// Rule grants a set of actions on every folder its matcher accepts.
// Rules are non-exclusive; a folder may be matched by several rules.
type Rule struct {
	Matcher Matcher
	Actions ActionSet
}

// normalizeINBOX uppercases the INBOX prefix, since INBOX is
// case-insensitive in IMAP regardless of upstream configuration.
func normalizeINBOX(s, delim string) string {
	if len(s) >= 5 && strings.EqualFold(s[:5], "INBOX") {
		if len(s) == 5 || strings.HasPrefix(s[5:], delim) {
			return "INBOX" + s[5:]
		}
	}
	return s
}
