package cryptoutil

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

// SHA256Hex

func TestSHA256Hex_KnownVectors(t *testing.T) {
	tests := map[string]string{
		"":      "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"hello": "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	}
	for in, want := range tests {
		if got := SHA256Hex([]byte(in)); got != want {
			t.Errorf("SHA256Hex(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSHA256Hex_LowercaseFixedLength(t *testing.T) {
	for _, in := range []string{"a", "deploy", strings.Repeat("x", 1<<16)} {
		got := SHA256Hex([]byte(in))
		if len(got) != 64 {
			t.Fatalf("len = %d, want 64", len(got))
		}
		if got != strings.ToLower(got) {
			t.Fatalf("digest %q is not lowercase", got)
		}
	}
}

// SHA256Reader

func TestSHA256Reader_MatchesSHA256Hex(t *testing.T) {
	data := strings.Repeat("archive-bytes ", 1000)
	got, n, err := SHA256Reader(strings.NewReader(data))
	if err != nil {
		t.Fatalf("SHA256Reader: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("n = %d, want %d", n, len(data))
	}
	if want := SHA256Hex([]byte(data)); got != want {
		t.Fatalf("digest = %q, want %q", got, want)
	}
}

func TestSHA256Reader_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	if _, _, err := SHA256Reader(iotest.ErrReader(boom)); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

// HashEqual

func TestHashEqual(t *testing.T) {
	h := SHA256Hex([]byte("x"))
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", h, h, true},
		{"empty", "", "", true},
		{"different", h, SHA256Hex([]byte("y")), false},
		{"one empty", h, "", false},
		{"case sensitive", h, strings.ToUpper(h), false},
		{"prefix", h, h[:32], false},
	}
	for _, tt := range tests {
		if got := HashEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("%s: HashEqual = %v, want %v", tt.name, got, tt.want)
		}
	}
}
