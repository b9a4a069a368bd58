// Package cli provides shared helpers for command implementations.
package cli

import (
	"fmt"
	"sort"
	"strings"
)

// MatchPath reports whether a secret path matches pattern. `*` matches any
// run of characters, including slashes, so "github/*" covers the whole
// github namespace. A pattern without wildcards matches exactly.
func MatchPath(pattern, path string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == path
	}

	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	path = path[len(parts[0]):]

	last := len(parts) - 1
	for _, part := range parts[1:last] {
		idx := strings.Index(path, part)
		if idx < 0 {
			return false
		}
		path = path[idx+len(part):]
	}
	return strings.HasSuffix(path, parts[last])
}

// ExpandPattern resolves pattern against the known secret paths. Patterns
// without wildcards require an exact existing path; wildcard patterns must
// match at least one path.
func ExpandPattern(pattern string, paths []string) ([]string, error) {
	if !strings.Contains(pattern, "*") {
		for _, path := range paths {
			if path == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("secret %q not found", pattern)
	}

	var matches []string
	for _, path := range paths {
		if MatchPath(pattern, path) {
			matches = append(matches, path)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no secrets match pattern %q", pattern)
	}
	return matches, nil
}

// ExpandPatterns resolves multiple patterns, deduplicating while preserving
// first-match order.
func ExpandPatterns(patterns []string, paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matches, err := ExpandPattern(pattern, paths)
		if err != nil {
			return nil, err
		}
		for _, path := range matches {
			if !seen[path] {
				seen[path] = true
				result = append(result, path)
			}
		}
	}
	return result, nil
}

// SortPaths returns a sorted copy of paths.
func SortPaths(paths []string) []string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)
	return sorted
}
