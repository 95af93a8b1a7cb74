package pathutil

import "testing"

func TestCanonicalizeIdempotent(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/a/b/c", "/a/b/c"},
		{"/a//b///c", "/a/b/c"},
		{"/a/b/", "/a/b"},
		{"/", "/"},
		{"//", "/"},
	}
	for _, c := range cases {
		got, err := Canonicalize(c.in)
		if err != nil {
			t.Fatalf("Canonicalize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("Canonicalize(%q) = %q, want %q", c.in, got, c.want)
		}
		again, err := Canonicalize(got)
		if err != nil || again != got {
			t.Fatalf("Canonicalize not idempotent for %q: got %q then %q", c.in, got, again)
		}
	}
}

func TestCanonicalizeRejects(t *testing.T) {
	bad := []string{"", "relative/path", "/a/../b", "/a/./b", "/a\\b", "/a\x01b"}
	for _, p := range bad {
		if _, err := Canonicalize(p); err == nil {
			t.Fatalf("Canonicalize(%q) expected error, got none", p)
		}
	}
}

func TestIsGlob(t *testing.T) {
	if IsGlob("/a/b/c") {
		t.Fatal("literal path reported as glob")
	}
	if !IsGlob("/a/*/c") {
		t.Fatal("* segment not reported as glob")
	}
	if IsGlob(`/a/\*/c`) {
		t.Fatal("escaped * should not count as glob")
	}
}

func TestMatchBasic(t *testing.T) {
	cases := []struct {
		pattern, concrete string
		want              bool
	}{
		{"/a/b/c", "/a/b/c", true},
		{"/a/*/c", "/a/x/c", true},
		{"/a/*/c", "/a/x/y/c", false},
		{"/a/**", "/a/x/y/c", true},
		{"/a/**", "/a", true},
		{"/a/?/c", "/a/x/c", true},
		{"/a/?/c", "/a/xx/c", false},
		{"/a/[xy]/c", "/a/x/c", true},
		{"/a/[xy]/c", "/a/z/c", false},
		{"/a/b/c", "/a/b/d", false},
	}
	for _, c := range cases {
		got := Match(c.pattern, c.concrete)
		if got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.concrete, got, c.want)
		}
	}
}
