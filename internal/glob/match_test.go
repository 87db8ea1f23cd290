package glob

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var repoPaths = []string{
	"README.md",
	"docs/guide.md",
	"docs/api/index.md",
	"frontend/login.tsx",
	"frontend/src/app.ts",
	"backend/main.go",
	"backend/internal/store.go",
	"a.py",
	"b.py",
	"weird name [1].txt",
}

func matching(pattern string, ignoreCase bool) []string {
	var out []string
	for _, p := range repoPaths {
		if Match(pattern, p, ignoreCase) {
			out = append(out, p)
		}
	}
	return out
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		want    []string
	}{
		{"frontend/**", []string{"frontend/login.tsx", "frontend/src/app.ts"}},
		{"frontend", []string{"frontend/login.tsx", "frontend/src/app.ts"}},
		{"frontend/", []string{"frontend/login.tsx", "frontend/src/app.ts"}},
		{"*.md", []string{"README.md"}},
		{"**/*.md", []string{"README.md", "docs/guide.md", "docs/api/index.md"}},
		{"docs/*.md", []string{"docs/guide.md"}},
		{"docs/**/*.md", []string{"docs/guide.md", "docs/api/index.md"}},
		{"backend/**/store.go", []string{"backend/internal/store.go"}},
		{"[ab].py", []string{"a.py", "b.py"}},
		{"[!a].py", []string{"b.py"}},
		{"?.py", []string{"a.py", "b.py"}},
		{"weird name \\[1\\].txt", []string{"weird name [1].txt"}},
		{"[[:upper:]]*", []string{"README.md"}},
		{"main.go", nil},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, matching(tt.pattern, false)); diff != "" {
			t.Errorf("Match(%q) mismatch (-want +got):\n%s", tt.pattern, diff)
		}
	}
}

func TestMatchIgnoreCase(t *testing.T) {
	if Match("readme.MD", "README.md", false) {
		t.Fatal("case-sensitive match should fail")
	}
	if !Match("readme.MD", "README.md", true) {
		t.Fatal("case-folded match should succeed")
	}
	if !Match("FRONTEND/**", "frontend/Login.tsx", true) {
		t.Fatal("case-folded directory match should succeed")
	}
	if !Match("[[:upper:]]*.md", "readme.md", true) {
		t.Fatal("upper class should fold")
	}
}

func TestMatchStarDoesNotCrossSlash(t *testing.T) {
	if Match("frontend/*.ts", "frontend/src/app.ts", false) {
		t.Fatal("single star must not cross a directory separator")
	}
	if !Match("frontend/*/app.ts", "frontend/src/app.ts", false) {
		t.Fatal("single star should match one segment")
	}
}

func TestMatchAny(t *testing.T) {
	pattern, ok := MatchAny([]string{"docs/**", "backend/**"}, "backend/main.go", false)
	if !ok || pattern != "backend/**" {
		t.Fatalf("MatchAny = %q, %v", pattern, ok)
	}
	if _, ok := MatchAny([]string{"docs/**"}, "backend/main.go", false); ok {
		t.Fatal("expected no match")
	}
}
