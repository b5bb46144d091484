// Package utils holds small path- and glob-matching helpers shared by the
// capability registry's document-selector and file-watcher matching.
//
// The normalization discipline here — filepath.Clean + filepath.ToSlash for
// parent-path checks, with the glob body itself always matched in '/'
// notation regardless of OS — is adapted from the teacher's
// DockerPathMapper, which cleaned and normalized host/container roots with
// exactly the same care before ever comparing them.
package utils

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// MatchGlob reports whether path matches the extended glob pattern.
// Supports '**' (any number of path segments, including none), '*' (any
// run of characters except '/'), '?' (a single character except '/'), and
// POSIX-style bracket classes ('[...]').
//
// The glob body is always matched using '/' as the separator, per spec:
// only parent-path containment checks (see CleanBasePath) use the OS
// separator.
func MatchGlob(pattern, path string) bool {
	re := compileGlob(pattern)
	return re.MatchString(path)
}

var globCache sync.Map // map[string]*regexp.Regexp

func compileGlob(pattern string) *regexp.Regexp {
	if v, ok := globCache.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re := regexp.MustCompile(globToRegex(pattern))
	globCache.Store(pattern, re)
	return re
}

func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				// '**' optionally followed by '/' matches any number of
				// path segments, including zero.
				j := i + 2
				if j < len(runes) && runes[j] == '/' {
					j++
					b.WriteString("(?:.*/)?")
				} else {
					b.WriteString(".*")
				}
				i = j - 1
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			j := i + 1
			if j < len(runes) && (runes[j] == '!' || runes[j] == '^') {
				j++
			}
			start := j
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j < len(runes) && j > start {
				class := string(runes[i+1 : j+1])
				class = strings.Replace(class, "!", "^", 1)
				b.WriteString("[" + class[1:])
				i = j
			} else {
				b.WriteString(regexp.QuoteMeta("["))
			}
		case '{':
			// Brace alternation: {a,b,c}
			j := i + 1
			for j < len(runes) && runes[j] != '}' {
				j++
			}
			if j < len(runes) {
				alts := strings.Split(string(runes[i+1:j]), ",")
				for k, a := range alts {
					alts[k] = regexp.QuoteMeta(a)
				}
				b.WriteString("(?:" + strings.Join(alts, "|") + ")")
				i = j
			} else {
				b.WriteString(regexp.QuoteMeta("{"))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	b.WriteString("$")
	return b.String()
}

// CleanGlobPath normalizes a path-like string (typically a document URI's
// path component) to forward-slash notation for glob matching, without
// resolving it against the filesystem.
func CleanGlobPath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

// CleanBasePath normalizes a relative-pattern base URI's path the same way,
// using OS-appropriate separators so IsDescendant's Rel check behaves
// correctly on every platform.
func CleanBasePath(p string) string {
	return filepath.Clean(p)
}

// IsDescendant reports whether path is base itself or lives under it,
// using OS path semantics (not glob semantics) for the containment check.
func IsDescendant(base, path string) bool {
	base = filepath.Clean(base)
	path = filepath.Clean(path)
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// RelGlobPath returns path relative to base, in '/'-notation, for matching
// against a relative pattern's glob body.
func RelGlobPath(base, path string) (string, bool) {
	base = filepath.Clean(base)
	path = filepath.Clean(path)
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
