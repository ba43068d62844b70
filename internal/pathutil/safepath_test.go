package pathutil

import (
	"strings"
	"testing"
)

func TestHasDotSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/normal/path", false},
		{"/path/./here", true},
		{"/path/../up", true},
		{".", true},
		{"..", true},
		{"/...", false},
		{"/.hidden", false},
		{"/.well-known/file", false},
		{"/path/to/.", true},
		{"/../", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := HasDotSegments(tt.path); got != tt.want {
				t.Errorf("HasDotSegments(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestHasParentSegment(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"a.txt", false},
		{"./a.txt", false},
		{"dir/b.txt", false},
		{"../../evil.txt", true},
		{"dir/../../evil.txt", true},
		{`..\evil.txt`, true},
		{`dir\..\x`, true},
		{"..", true},
		{"foo..bar/baz", false},
		{"dir/..hidden", false},
	}
	for _, tt := range tests {
		if got := HasParentSegment(tt.path); got != tt.want {
			t.Errorf("HasParentSegment(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func FuzzHasParentSegment(f *testing.F) {
	f.Add("foo/../bar")
	f.Add(`foo\..\bar`)
	f.Add("...")
	f.Add("a/b/c")

	f.Fuzz(func(t *testing.T, p string) {
		want := false
		for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
			if seg == ".." {
				want = true
			}
		}
		if got := HasParentSegment(p); got != want {
			t.Errorf("HasParentSegment(%q) = %v, manual check = %v", p, got, want)
		}
	})
}
