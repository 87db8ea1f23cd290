package glob

import (
	"strings"
	"unicode"
)

const (
	wmMatch = iota
	wmNoMatch
	wmAbortAll
	wmAbortToStarStar
)

// Match reports whether a reservation pattern covers a repository-relative
// path. Patterns use Git wildmatch rules with pathname semantics and are
// anchored at the repository root. A pattern that matches a directory covers
// everything below it.
func Match(pattern, path string, ignoreCase bool) bool {
	pattern = Normalize(pattern)
	path = NormalizePath(path)
	if pattern == "" || path == "" {
		return false
	}
	if ignoreCase {
		pattern = strings.ToLower(pattern)
		path = strings.ToLower(path)
	}

	p := []rune(pattern)
	text := []rune(path)
	if dowild(p, 0, text, 0, ignoreCase) == wmMatch {
		return true
	}
	for i := len(text) - 1; i > 0; i-- {
		if text[i] != '/' {
			continue
		}
		if dowild(p, 0, text[:i], 0, ignoreCase) == wmMatch {
			return true
		}
	}
	return false
}

// MatchAny returns the first pattern covering path, if any.
func MatchAny(patterns []string, path string, ignoreCase bool) (string, bool) {
	for _, pattern := range patterns {
		if Match(pattern, path, ignoreCase) {
			return pattern, true
		}
	}
	return "", false
}

func dowild(p []rune, pi int, text []rune, ti int, fold bool) int {
	for ; pi < len(p); pi, ti = pi+1, ti+1 {
		pc := p[pi]
		if ti >= len(text) && pc != '*' {
			return wmAbortAll
		}
		var tc rune
		if ti < len(text) {
			tc = text[ti]
		}

		switch pc {
		case '\\':
			pi++
			if pi >= len(p) || tc != p[pi] {
				return wmNoMatch
			}
		case '?':
			if tc == '/' {
				return wmNoMatch
			}
		case '*':
			matchSlash := false
			pi++
			if pi < len(p) && p[pi] == '*' {
				prev := pi - 2
				for pi < len(p) && p[pi] == '*' {
					pi++
				}
				if (prev < 0 || p[prev] == '/') &&
					(pi == len(p) || p[pi] == '/' || (p[pi] == '\\' && pi+1 < len(p) && p[pi+1] == '/')) {
					if pi < len(p) && p[pi] == '/' && dowild(p, pi+1, text, ti, fold) == wmMatch {
						return wmMatch
					}
					matchSlash = true
				}
			}
			if pi == len(p) {
				if !matchSlash && containsRune(text[ti:], '/') {
					return wmNoMatch
				}
				return wmMatch
			}
			if !matchSlash && p[pi] == '/' {
				slash := indexRune(text, ti, '/')
				if slash < 0 {
					return wmNoMatch
				}
				// The loop increment consumes the slash in both pattern and text.
				ti = slash
				continue
			}
			for ; ti < len(text); ti++ {
				tc = text[ti]
				matched := dowild(p, pi, text, ti, fold)
				if matched != wmNoMatch {
					if !matchSlash || matched != wmAbortToStarStar {
						return matched
					}
				} else if !matchSlash && tc == '/' {
					return wmAbortToStarStar
				}
			}
			return wmAbortAll
		case '[':
			next, ok, matched := matchClass(p, pi, tc, fold)
			if !ok {
				return wmAbortAll
			}
			if !matched || tc == '/' {
				return wmNoMatch
			}
			pi = next
		default:
			if tc != pc {
				return wmNoMatch
			}
		}
	}
	if ti < len(text) {
		return wmNoMatch
	}
	return wmMatch
}

// matchClass evaluates the bracket expression starting at p[start] against
// tc. It returns the index of the closing bracket, whether the expression was
// well formed, and whether tc is a member.
func matchClass(p []rune, start int, tc rune, fold bool) (int, bool, bool) {
	i := start + 1
	if i >= len(p) {
		return 0, false, false
	}
	negated := false
	if p[i] == '!' || p[i] == '^' {
		negated = true
		i++
	}

	matched := false
	var prev rune
	hasPrev := false
	first := true
	for ; i < len(p); i++ {
		c := p[i]
		if c == ']' && !first {
			return i, true, matched != negated
		}
		first = false

		switch {
		case c == '\\':
			i++
			if i >= len(p) {
				return 0, false, false
			}
			c = p[i]
			if tc == c {
				matched = true
			}
			prev, hasPrev = c, true
		case c == '-' && hasPrev && i+1 < len(p) && p[i+1] != ']':
			i++
			hi := p[i]
			if hi == '\\' {
				i++
				if i >= len(p) {
					return 0, false, false
				}
				hi = p[i]
			}
			if tc >= prev && tc <= hi {
				matched = true
			} else if fold && unicode.IsLower(tc) {
				up := unicode.ToUpper(tc)
				if up >= prev && up <= hi {
					matched = true
				}
			}
			hasPrev = false
		case c == '[' && i+1 < len(p) && p[i+1] == ':':
			end := indexRunes(p, i+2, ":]")
			if end < 0 {
				if tc == '[' {
					matched = true
				}
				prev, hasPrev = '[', true
				continue
			}
			ranges, ok := posixRanges[string(p[i+2:end])]
			if !ok {
				return 0, false, false
			}
			if fold && string(p[i+2:end]) == "upper" {
				ranges = posixRanges["alpha"]
			}
			if inRanges(ranges, tc) {
				matched = true
			}
			i = end + 1
			hasPrev = false
		default:
			if tc == c {
				matched = true
			}
			prev, hasPrev = c, true
		}
	}
	return 0, false, false
}

func inRanges(ranges []runeRange, r rune) bool {
	for _, rr := range ranges {
		if r >= rr.lo && r <= rr.hi {
			return true
		}
	}
	return false
}

func containsRune(text []rune, r rune) bool {
	return indexRune(text, 0, r) >= 0
}

func indexRune(text []rune, from int, r rune) int {
	for i := from; i < len(text); i++ {
		if text[i] == r {
			return i
		}
	}
	return -1
}
