package glob

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mistakeknot/interlock/internal/core"
)

const (
	MaxTokens    = 50
	MaxWildcards = 10
)

// Normalize puts a pattern into the canonical repository-relative form used
// for storage and comparison: forward slashes, no leading "./", no empty or
// "." segments and no trailing slash.
func Normalize(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return ""
	}
	pattern = filepath.ToSlash(pattern)
	parts := strings.Split(pattern, "/")
	out := parts[:0]
	for i, part := range parts {
		if part == "" && i == 0 {
			// keep a leading slash visible so Validate can reject it
			out = append(out, part)
			continue
		}
		if part == "" || part == "." {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 1 && out[0] == "" {
		return "/"
	}
	return strings.Join(out, "/")
}

// NormalizePath cleans a concrete path reported by Git or a caller.
func NormalizePath(path string) string {
	path = Normalize(path)
	return strings.TrimPrefix(path, "/")
}

// Validate rejects patterns that cannot be stored as reservations. The
// returned error wraps core.ErrInvalidPattern.
func Validate(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return &core.PatternError{Pattern: pattern, Reason: "empty pattern"}
	}
	if strings.ContainsRune(pattern, 0) {
		return &core.PatternError{Pattern: pattern, Reason: "contains NUL byte"}
	}
	normalized := Normalize(pattern)
	if normalized == "" {
		return &core.PatternError{Pattern: pattern, Reason: "empty pattern"}
	}
	if strings.HasPrefix(normalized, "/") || isDriveAbsolute(normalized) {
		return &core.PatternError{Pattern: pattern, Reason: "absolute paths are not repository-relative"}
	}
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return &core.PatternError{Pattern: pattern, Reason: "path escapes the repository"}
		}
	}
	if err := ValidateComplexity(normalized); err != nil {
		return &core.PatternError{Pattern: pattern, Reason: err.Error()}
	}
	return nil
}

func isDriveAbsolute(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// ValidateComplexity checks that a glob pattern doesn't exceed token/wildcard limits.
func ValidateComplexity(pattern string) error {
	segments := strings.Split(filepath.ToSlash(pattern), "/")
	totalTokens := 0
	totalWildcards := 0
	for _, seg := range segments {
		if seg == "**" {
			totalTokens++
			totalWildcards++
			continue
		}
		tokens, err := parseSegment(seg, false)
		if err != nil {
			return err
		}
		totalTokens += len(tokens)
		for _, t := range tokens {
			if t.kind == tokenStar || t.kind == tokenAny {
				totalWildcards++
			}
		}
	}
	if totalTokens > MaxTokens {
		return fmt.Errorf("pattern too complex: %d tokens exceeds limit of %d", totalTokens, MaxTokens)
	}
	if totalWildcards > MaxWildcards {
		return fmt.Errorf("pattern too complex: %d wildcards exceeds limit of %d", totalWildcards, MaxWildcards)
	}
	return nil
}
