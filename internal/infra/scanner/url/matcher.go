package url

import (
	"fmt"
	"strings"

	regexp "github.com/wasilibs/go-re2"
)

// DefaultHostPrefix is matched against the part of a URL after its scheme.
const DefaultHostPrefix = "google.ru/"

// Matcher decides whether a row's URL column counts toward the result.
type Matcher interface {
	Match(column string) bool
}

// PrefixMatcher matches URLs whose text after the first "://" starts with
// Prefix. Columns without "://" never match.
type PrefixMatcher struct {
	Prefix string
}

// Match implements Matcher.
func (m PrefixMatcher) Match(column string) bool {
	_, rest, ok := strings.Cut(column, "://")
	return ok && strings.HasPrefix(rest, m.Prefix)
}

// RegexMatcher matches URLs against an RE2 expression.
type RegexMatcher struct {
	re *regexp.Regexp
}

// NewRegexMatcher compiles pattern.
func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling match pattern %q: %w", pattern, err)
	}
	return &RegexMatcher{re: re}, nil
}

// Match implements Matcher.
func (m *RegexMatcher) Match(column string) bool { return m.re.MatchString(column) }

// NewMatcher builds the matcher for the given settings. A non-empty pattern
// takes precedence over hostPrefix; with neither set, DefaultHostPrefix is
// used.
func NewMatcher(hostPrefix, pattern string) (Matcher, error) {
	if pattern != "" {
		return NewRegexMatcher(pattern)
	}
	if hostPrefix == "" {
		hostPrefix = DefaultHostPrefix
	}
	return PrefixMatcher{Prefix: hostPrefix}, nil
}
