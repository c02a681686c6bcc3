package utils

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// IgnoreMatcher decides whether a path is excluded by a set of glob patterns.
//
// Bare names such as "node_modules" exclude the directory wherever it appears.
// Patterns without a slash such as "*.log" match at any depth.
type IgnoreMatcher struct {
	patterns []string
	regexps  []*regexp.Regexp
}

// NewIgnoreMatcher compiles the given glob patterns
func NewIgnoreMatcher(patterns []string) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{patterns: append([]string(nil), patterns...)}

	for _, pattern := range patterns {
		pattern = NormalizePattern(pattern)
		if pattern == "" {
			continue
		}
		for _, variant := range expandIgnorePattern(pattern) {
			re, err := globToRegex(variant)
			if err != nil {
				return nil, err
			}
			m.regexps = append(m.regexps, re)
		}
	}

	return m, nil
}

// Patterns returns the patterns the matcher was built from
func (m *IgnoreMatcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// IsIgnored reports whether path matches any pattern
func (m *IgnoreMatcher) IsIgnored(path string) bool {
	return m.Matches(path)
}

// Matches reports whether path matches any pattern. A nil matcher matches nothing.
func (m *IgnoreMatcher) Matches(path string) bool {
	if m == nil {
		return false
	}
	path = filepath.ToSlash(path)
	for _, re := range m.regexps {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Filter returns the paths that are not ignored, preserving order
func (m *IgnoreMatcher) Filter(paths []string) []string {
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if !m.IsIgnored(p) {
			kept = append(kept, p)
		}
	}
	return kept
}

// ExpandGlobs walks root and returns the absolute paths of regular files
// whose slash-separated path relative to root matches any pattern. Ignored
// directories are not descended into. The result is sorted.
func ExpandGlobs(root string, patterns []string, ignore *IgnoreMatcher) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	include, err := NewIgnoreMatcher(patterns)
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var matches []string
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignore.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && include.Matches(rel) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func expandIgnorePattern(pattern string) []string {
	if strings.Contains(pattern, "/") {
		return []string{pattern}
	}
	if !IsGlobPattern(pattern) {
		return []string{"**/" + pattern, "**/" + pattern + "/**"}
	}
	return []string{"**/" + pattern}
}

// globToRegex converts a glob pattern to an anchored regular expression.
// "**/" matches zero or more directories, "*" and "?" never cross a slash.
func globToRegex(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					b.WriteString("(?:.*/)?")
					i += 3
				} else {
					b.WriteString(".*")
					i += 2
				}
				continue
			}
			b.WriteString("[^/]*")
			i++
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			j := i + 1
			var class strings.Builder
			class.WriteByte('[')
			if j < len(pattern) && pattern[j] == '!' {
				class.WriteByte('^')
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				class.WriteByte(pattern[j])
				j++
			}
			if j >= len(pattern) {
				b.WriteString(`\[`)
				i++
				continue
			}
			class.WriteByte(']')
			b.WriteString(class.String())
			i = j + 1
		case '.', '+', '^', '$', '(', ')', '{', '}', '|', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}

	b.WriteString("$")
	return regexp.Compile(b.String())
}

// IsGlobPattern checks if a string contains glob wildcards
func IsGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// NormalizePattern converts separators and strips "./" and trailing slashes
func NormalizePattern(pattern string) string {
	pattern = strings.ReplaceAll(strings.TrimSpace(pattern), "\\", "/")
	pattern = strings.TrimPrefix(pattern, "./")
	return strings.TrimSuffix(pattern, "/")
}

// DefaultIgnorePatterns returns paths that never count as build inputs
func DefaultIgnorePatterns() []string {
	return []string{
		".git",
		".hg",
		".svn",
		"node_modules",
		".packforge",
		".DS_Store",
		"*.swp",
		"*~",
	}
}
