// Package pathutil implements path canonicalization, validation, and glob
// matching shared by the wait/notify coordinator and the wire protocol.
package pathutil

import (
	"fmt"
	"strings"
)

// Canonicalize validates and normalizes an absolute path: it collapses
// repeated slashes and strips a trailing slash (except for the root path
// itself). It rejects anything that is not a well-formed absolute path.
func Canonicalize(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("invalid_path: empty path")
	}
	if p[0] != '/' {
		return "", fmt.Errorf("invalid_path: %q does not start with '/'", p)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("invalid_path: %q contains a control character", p)
		}
	}
	if strings.Contains(p, "\\") {
		return "", fmt.Errorf("invalid_path: %q contains a backslash", p)
	}

	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for i, seg := range segments {
		if i == 0 {
			// leading empty segment from the initial '/'
			continue
		}
		if seg == "" {
			continue // collapse repeated slashes
		}
		if seg == ".." {
			return "", fmt.Errorf("invalid_path: %q contains a relative '..' component", p)
		}
		if seg == "." {
			return "", fmt.Errorf("invalid_path: %q contains a relative '.' component", p)
		}
		out = append(out, seg)
	}

	if len(out) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(out, "/"), nil
}

// Validate reports whether p is a well-formed absolute path without
// returning the canonical form.
func Validate(p string) error {
	_, err := Canonicalize(p)
	return err
}

// IsGlob reports whether p contains any glob metacharacter outside of an
// escape sequence.
func IsGlob(p string) bool {
	escaped := false
	for _, r := range p {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// Match reports whether the canonical concrete path matches the canonical
// glob pattern, segment by segment. A "**" segment super-matches any number
// of remaining segments (including zero). "*" matches any run of characters
// within a single segment, "?" matches a single character, and "[set]"
// matches a single character from the bracketed set. "\\" escapes the next
// character so it is treated literally.
func Match(pattern, concrete string) bool {
	patSegs := splitSegments(pattern)
	concSegs := splitSegments(concrete)
	return matchSegments(patSegs, concSegs)
}

func splitSegments(p string) []string {
	trimmed := strings.TrimPrefix(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func matchSegments(pat, conc []string) bool {
	if len(pat) == 0 {
		return len(conc) == 0
	}
	head := pat[0]
	if head == "**" {
		if len(pat) == 1 {
			return true
		}
		for i := 0; i <= len(conc); i++ {
			if matchSegments(pat[1:], conc[i:]) {
				return true
			}
		}
		return false
	}
	if len(conc) == 0 {
		return false
	}
	if !matchSegment(head, conc[0]) {
		return false
	}
	return matchSegments(pat[1:], conc[1:])
}

// matchSegment matches a single glob segment against a single literal
// segment using shell-style wildcards.
func matchSegment(pat, name string) bool {
	return matchHere([]rune(pat), []rune(name))
}

func matchHere(pat, name []rune) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case '\\':
			if len(pat) < 2 {
				return false
			}
			if len(name) == 0 || name[0] != pat[1] {
				return false
			}
			pat, name = pat[2:], name[1:]
		case '*':
			// try every possible split; trailing '*' matches the rest.
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchHere(pat[1:], name[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(name) == 0 {
				return false
			}
			pat, name = pat[1:], name[1:]
		case '[':
			end := indexRune(pat, ']')
			if end < 0 {
				// malformed set, treat '[' literally
				if len(name) == 0 || name[0] != '[' {
					return false
				}
				pat, name = pat[1:], name[1:]
				continue
			}
			if len(name) == 0 || !inSet(pat[1:end], name[0]) {
				return false
			}
			pat, name = pat[end+1:], name[1:]
		default:
			if len(name) == 0 || name[0] != pat[0] {
				return false
			}
			pat, name = pat[1:], name[1:]
		}
	}
	return len(name) == 0
}

func indexRune(rs []rune, target rune) int {
	for i, r := range rs {
		if r == target {
			return i
		}
	}
	return -1
}

func inSet(set []rune, c rune) bool {
	negate := false
	if len(set) > 0 && (set[0] == '^' || set[0] == '!') {
		negate = true
		set = set[1:]
	}
	found := false
	for i := 0; i < len(set); i++ {
		if i+2 < len(set) && set[i+1] == '-' {
			if set[i] <= c && c <= set[i+2] {
				found = true
			}
			i += 2
			continue
		}
		if set[i] == c {
			found = true
		}
	}
	if negate {
		return !found
	}
	return found
}
