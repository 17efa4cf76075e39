// Package filter implements the path-to-boolean predicate described in
// spec.md §4.1: a pure, I/O-free check of whether a path's churn should
// never reach the dispatcher. Grounded on the teacher's ignore-pattern
// handling in pkg/synchronization (pattern compilation once at
// construction, tested against both the full path and the basename).
package filter

import (
	"path/filepath"
	"regexp"
)

// builtinPatterns are always active, regardless of whether user filtering
// is enabled: editor swap files, trailing-tilde backups, common partial-
// download suffixes, and OS metadata files.
var builtinPatterns = []string{
	`^\..*\.sw[a-z]$`,    // vim swap files, e.g. .foo.swp
	`~$`,                 // trailing-tilde backups
	`\.tmp$`,
	`\.temp$`,
	`\.bak$`,
	`\.part$`,
	`\.crdownload$`,
	`\.filepart$`,
	`^\.DS_Store$`,
	`^Thumbs\.db$`,
	`^desktop\.ini$`,
}

// Filter is a compiled predicate over built-in and (optionally) user-
// supplied ignore patterns. It performs no I/O; it only inspects the path
// string itself.
type Filter struct {
	builtin        []*regexp.Regexp
	user           []*regexp.Regexp
	userEnabled    bool
}

// New compiles the built-in patterns plus, when enableUser is true, the
// supplied user patterns; when enableUser is false the user patterns are
// neither compiled nor validated. An invalid user pattern is a configuration error, since a user filter the
// operator believes is active but silently isn't would be a correctness
// trap.
func New(userPatterns []string, enableUser bool) (*Filter, error) {
	f := &Filter{userEnabled: enableUser}

	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			// Built-in patterns are constants verified by this package's
			// tests; a compile failure here indicates a programming error.
			panic("invalid built-in filter pattern: " + p)
		}
		f.builtin = append(f.builtin, re)
	}

	if enableUser {
		for _, p := range userPatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, &PatternError{Pattern: p, Err: err}
			}
			f.user = append(f.user, re)
		}
	}

	return f, nil
}

// PatternError reports an invalid user-supplied ignore pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "invalid filter pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error { return e.Err }

// ShouldIgnore reports whether path should be dropped before it ever
// reaches the coalescer. Matching is attempted against the full path and
// the basename; the first match (built-in patterns first, then user
// patterns) wins.
func (f *Filter) ShouldIgnore(path string) bool {
	base := filepath.Base(path)

	for _, re := range f.builtin {
		if re.MatchString(path) || re.MatchString(base) {
			return true
		}
	}

	if f.userEnabled {
		for _, re := range f.user {
			if re.MatchString(path) || re.MatchString(base) {
				return true
			}
		}
	}

	return false
}

// PatternCount returns the number of patterns actively considered by
// ShouldIgnore: the built-ins plus, if enabled, the user-supplied ones. It
// backs the engine's statistics snapshot (spec.md §4.11's filterStats).
func (f *Filter) PatternCount() int {
	n := len(f.builtin)
	if f.userEnabled {
		n += len(f.user)
	}
	return n
}
