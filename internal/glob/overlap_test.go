package glob

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"testing/quick"

	"github.com/mistakeknot/interlock/internal/core"
)

func TestOverlaps(t *testing.T) {
	tests := []struct {
		a, b    string
		overlap bool
	}{
		{"*.go", "*.go", true},
		{"*.go", "*.rs", false},
		{"foo.go", "foo.go", true},
		{"foo.go", "bar.go", false},
		{"*.go", "main.go", true},
		{"internal/*.go", "internal/http.go", true},
		{"internal/*.go", "pkg/*.go", false},
		{"src/[a-z]*.go", "src/main.go", true},
		{"src/[A-Z]*.go", "src/main.go", false},
		{"src/[!a-z]*.go", "src/main.go", false},
		{"src/[!a-z]*.go", "src/Main.go", true},
		{"frontend/**", "frontend/login.tsx", true},
		{"frontend/**", "backend/**", false},
		{"frontend", "frontend/login.tsx", true},
		{"./frontend/", "frontend/src/app.ts", true},
		{"**/*.go", "cmd/interlock/main.go", true},
		{"src/**/test_*.py", "src/pkg/test_api.py", true},
		{"src/**/test_*.py", "lib/pkg/test_api.py", false},
		{"a/**/b", "a/b", true},
		{"docs/*.md", "docs/guide/intro.md", false},
		{"docs/*", "docs/guide/intro.md", true},
	}
	for _, tt := range tests {
		got, err := Overlaps(tt.a, tt.b, false)
		if err != nil {
			t.Errorf("Overlaps(%q, %q) error: %v", tt.a, tt.b, err)
			continue
		}
		if got != tt.overlap {
			t.Errorf("Overlaps(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.overlap)
		}
	}
}

func TestOverlapsIgnoreCase(t *testing.T) {
	tests := []struct {
		a, b       string
		ignoreCase bool
		overlap    bool
	}{
		{"Frontend/**", "frontend/app.ts", false, false},
		{"Frontend/**", "frontend/app.ts", true, true},
		{"src/[A-Z]*.go", "src/main.go", true, true},
		{"src/[[:upper:]]*.go", "src/main.go", true, true},
		{"README.MD", "readme.md", true, true},
	}
	for _, tt := range tests {
		got, err := Overlaps(tt.a, tt.b, tt.ignoreCase)
		if err != nil {
			t.Fatalf("Overlaps(%q, %q) error: %v", tt.a, tt.b, err)
		}
		if got != tt.overlap {
			t.Errorf("Overlaps(%q, %q, %v) = %v, want %v", tt.a, tt.b, tt.ignoreCase, got, tt.overlap)
		}
	}
}

func TestOverlapsReportsParseErrors(t *testing.T) {
	if _, err := Overlaps("src/[abc", "src/a", false); err == nil {
		t.Fatal("expected error for unterminated class")
	}
}

func TestValidateComplexity(t *testing.T) {
	// Normal pattern should pass
	if err := ValidateComplexity("internal/http/*.go"); err != nil {
		t.Fatalf("normal pattern rejected: %v", err)
	}

	// Overly complex pattern with many wildcards
	complex := "?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?"
	if err := ValidateComplexity(complex); err == nil {
		t.Fatal("expected complexity error for pattern with many wildcards")
	}
}

func TestValidate(t *testing.T) {
	good := []string{"frontend/**", "src/*.go", "./docs/", "a/[!b]c", "**/*.md"}
	for _, p := range good {
		if err := Validate(p); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", p, err)
		}
	}

	bad := []string{"", "   ", "/etc/passwd", "C:\\repo\\x", "c:/x", "../outside", "a/../../b", "a\x00b", "src/[abc", "src/[[:bogus:]]"}
	for _, p := range bad {
		err := Validate(p)
		if err == nil {
			t.Errorf("Validate(%q) = nil, want error", p)
			continue
		}
		if !errors.Is(err, core.ErrInvalidPattern) {
			t.Errorf("Validate(%q) = %v, want ErrInvalidPattern", p, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"frontend/":       "frontend",
		"./frontend//app": "frontend/app",
		" src/./main.go ": "src/main.go",
		"frontend/**/":    "frontend/**",
		"/abs":            "/abs",
		"a/b\\[c\\]":      "a/b\\[c\\]",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

// The values below are small on purpose so that random patterns collide
// often enough to exercise the overlap search.
var (
	propSegments = []string{"a", "b", "ab", "*", "**", "?", "a*", "[ab]", "[!a]"}
	propNames    = []string{"a", "b", "ab", "ba", "c"}
)

type propPattern string

func (propPattern) Generate(r *rand.Rand, _ int) reflect.Value {
	n := 1 + r.Intn(3)
	segs := make([]string, n)
	for i := range segs {
		segs[i] = propSegments[r.Intn(len(propSegments))]
	}
	return reflect.ValueOf(propPattern(strings.Join(segs, "/")))
}

type propPath string

func (propPath) Generate(r *rand.Rand, _ int) reflect.Value {
	n := 1 + r.Intn(4)
	segs := make([]string, n)
	for i := range segs {
		segs[i] = propNames[r.Intn(len(propNames))]
	}
	return reflect.ValueOf(propPath(strings.Join(segs, "/")))
}

func TestOverlapsProperties(t *testing.T) {
	cfg := &quick.Config{MaxCount: 2000}

	reflexive := func(p propPattern) bool {
		ok, err := Overlaps(string(p), string(p), false)
		return err == nil && ok
	}
	if err := quick.Check(reflexive, cfg); err != nil {
		t.Errorf("reflexivity: %v", err)
	}

	symmetric := func(a, b propPattern) bool {
		ab, errA := Overlaps(string(a), string(b), false)
		ba, errB := Overlaps(string(b), string(a), false)
		return errA == nil && errB == nil && ab == ba
	}
	if err := quick.Check(symmetric, cfg); err != nil {
		t.Errorf("symmetry: %v", err)
	}

	// Overlaps may report false positives but never misses a path that both
	// patterns cover.
	noFalseNegatives := func(a, b propPattern, path propPath) bool {
		if !Match(string(a), string(path), false) || !Match(string(b), string(path), false) {
			return true
		}
		ok, err := Overlaps(string(a), string(b), false)
		return err == nil && ok
	}
	if err := quick.Check(noFalseNegatives, cfg); err != nil {
		t.Errorf("no false negatives: %v", err)
	}

	literalAgreesWithMatch := func(path propPath, other propPattern) bool {
		ok, err := Overlaps(string(path), string(other), false)
		if err != nil {
			return false
		}
		if Match(string(other), string(path), false) {
			return ok
		}
		return true
	}
	if err := quick.Check(literalAgreesWithMatch, cfg); err != nil {
		t.Errorf("literal agrees with match: %v", err)
	}
}
